// Copyright 2026 The Broken Fuse Authors
// SPDX-License-Identifier: Apache-2.0

package backing

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// mtimeOf extracts the modification time from a raw stat record.
func mtimeOf(st *syscall.Stat_t) time.Time {
	return time.Unix(st.Mtim.Sec, st.Mtim.Nsec)
}

// Local forwards every operation to a directory on the host
// filesystem. The daemon mounts over it; the directory keeps existing
// independently and can be inspected or mutated out-of-band.
type Local struct {
	root string
}

var _ Adapter = (*Local)(nil)

// NewLocal opens dir as a backing root. dir must exist and be a
// directory.
func NewLocal(dir string) (*Local, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("opening backing directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("backing path %s is not a directory", dir)
	}
	return &Local{root: dir}, nil
}

// join resolves a mount-relative path under the backing root. Paths
// come from the node table, which never produces ".." components, so
// this is a plain join with a guard rather than a sandbox.
func (l *Local) join(path string) (string, error) {
	if path == "" {
		return l.root, nil
	}
	if strings.Contains(path, "..") {
		return "", fmt.Errorf("backing path %q escapes root: %w", path, syscall.EINVAL)
	}
	return filepath.Join(l.root, filepath.FromSlash(path)), nil
}

func (l *Local) Stat(path string) (Info, error) {
	full, err := l.join(path)
	if err != nil {
		return Info{}, err
	}
	var st syscall.Stat_t
	if err := syscall.Lstat(full, &st); err != nil {
		return Info{}, &os.PathError{Op: "lstat", Path: full, Err: err}
	}
	return Info{
		Size:  st.Size,
		Mode:  st.Mode,
		Mtime: mtimeOf(&st),
	}, nil
}

func (l *Local) Open(path string, flags int) (Handle, error) {
	full, err := l.join(path)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(full, flags, 0)
	if err != nil {
		return nil, err
	}
	return (*localHandle)(f), nil
}

func (l *Local) Create(path string, flags int, mode uint32) (Handle, error) {
	full, err := l.join(path)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(full, flags|os.O_CREATE, os.FileMode(mode&0o7777))
	if err != nil {
		return nil, err
	}
	return (*localHandle)(f), nil
}

func (l *Local) Mkdir(path string, mode uint32) error {
	full, err := l.join(path)
	if err != nil {
		return err
	}
	return os.Mkdir(full, os.FileMode(mode&0o7777))
}

func (l *Local) Unlink(path string) error {
	full, err := l.join(path)
	if err != nil {
		return err
	}
	return syscallPathError("unlink", full, syscall.Unlink(full))
}

func (l *Local) Rmdir(path string) error {
	full, err := l.join(path)
	if err != nil {
		return err
	}
	return syscallPathError("rmdir", full, syscall.Rmdir(full))
}

func (l *Local) Rename(oldPath, newPath string) error {
	oldFull, err := l.join(oldPath)
	if err != nil {
		return err
	}
	newFull, err := l.join(newPath)
	if err != nil {
		return err
	}
	return os.Rename(oldFull, newFull)
}

func (l *Local) Truncate(path string, size int64) error {
	full, err := l.join(path)
	if err != nil {
		return err
	}
	return os.Truncate(full, size)
}

func (l *Local) ReadDir(path string) ([]Entry, error) {
	full, err := l.join(path)
	if err != nil {
		return nil, err
	}
	dirEntries, err := os.ReadDir(full)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		mode := uint32(syscall.S_IFREG)
		if de.IsDir() {
			mode = syscall.S_IFDIR
		}
		entries = append(entries, Entry{Name: de.Name(), Mode: mode})
	}
	return entries, nil
}

func (l *Local) SubtreeSize(path string) (int64, error) {
	full, err := l.join(path)
	if err != nil {
		return 0, err
	}
	info, err := os.Lstat(full)
	if err != nil {
		return 0, err
	}
	if !info.IsDir() {
		return info.Size(), nil
	}
	var total int64
	walkErr := filepath.WalkDir(full, func(_ string, entry fs.DirEntry, err error) error {
		if err != nil {
			// A file unlinked mid-walk is not an error for a size
			// estimate; skip it.
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !entry.Type().IsRegular() {
			return nil
		}
		fileInfo, err := entry.Info()
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		total += fileInfo.Size()
		return nil
	})
	if walkErr != nil {
		return 0, fmt.Errorf("summing subtree %s: %w", full, walkErr)
	}
	return total, nil
}

func (l *Local) Getxattr(path, name string) ([]byte, error) {
	full, err := l.join(path)
	if err != nil {
		return nil, err
	}
	// Size then fetch, retrying if the value grew in between.
	for {
		size, err := unix.Lgetxattr(full, name, nil)
		if err != nil {
			return nil, syscallPathError("lgetxattr", full, err)
		}
		if size == 0 {
			return []byte{}, nil
		}
		buf := make([]byte, size)
		read, err := unix.Lgetxattr(full, name, buf)
		if err == unix.ERANGE {
			continue
		}
		if err != nil {
			return nil, syscallPathError("lgetxattr", full, err)
		}
		return buf[:read], nil
	}
}

func (l *Local) Setxattr(path, name string, value []byte, flags int) error {
	full, err := l.join(path)
	if err != nil {
		return err
	}
	return syscallPathError("lsetxattr", full, unix.Lsetxattr(full, name, value, flags))
}

func (l *Local) Removexattr(path, name string) error {
	full, err := l.join(path)
	if err != nil {
		return err
	}
	return syscallPathError("lremovexattr", full, unix.Lremovexattr(full, name))
}

func (l *Local) Listxattr(path string) ([]string, error) {
	full, err := l.join(path)
	if err != nil {
		return nil, err
	}
	for {
		size, err := unix.Llistxattr(full, nil)
		if err != nil {
			return nil, syscallPathError("llistxattr", full, err)
		}
		if size == 0 {
			return nil, nil
		}
		buf := make([]byte, size)
		read, err := unix.Llistxattr(full, buf)
		if err == unix.ERANGE {
			continue
		}
		if err != nil {
			return nil, syscallPathError("llistxattr", full, err)
		}
		return splitXattrList(buf[:read]), nil
	}
}

// splitXattrList decodes the NUL-separated name list the listxattr
// syscall family returns.
func splitXattrList(buf []byte) []string {
	var names []string
	for len(buf) > 0 {
		i := 0
		for i < len(buf) && buf[i] != 0 {
			i++
		}
		if i > 0 {
			names = append(names, string(buf[:i]))
		}
		if i == len(buf) {
			break
		}
		buf = buf[i+1:]
	}
	return names
}

func syscallPathError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &os.PathError{Op: op, Path: path, Err: err}
}

// localHandle adapts *os.File to Handle. os.File's ReadAt/WriteAt are
// already safe for concurrent use.
type localHandle os.File

func (h *localHandle) file() *os.File { return (*os.File)(h) }

func (h *localHandle) ReadAt(dest []byte, offset int64) (int, error) {
	n, err := h.file().ReadAt(dest, offset)
	// A short read at EOF is a success to the kernel; the byte count
	// carries the truth.
	if errors.Is(err, io.EOF) {
		return n, nil
	}
	return n, err
}

func (h *localHandle) WriteAt(data []byte, offset int64) (int, error) {
	return h.file().WriteAt(data, offset)
}

func (h *localHandle) Truncate(size int64) error {
	return h.file().Truncate(size)
}

func (h *localHandle) Sync() error {
	return h.file().Sync()
}

func (h *localHandle) Close() error {
	return h.file().Close()
}
