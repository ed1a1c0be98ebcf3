// Copyright 2026 The Broken Fuse Authors
// SPDX-License-Identifier: Apache-2.0

package backing

import (
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Memory is the synthetic backing store used when the daemon is
// started without --backing: an initially-empty directory tree held
// entirely in memory and lost on unmount.
type Memory struct {
	mu    sync.Mutex
	now   func() time.Time
	nodes map[string]*memEntry // keyed by cleaned relative path, "" = root
}

var _ Adapter = (*Memory)(nil)

type memEntry struct {
	isDir  bool
	mode   uint32 // permission bits only
	mtime  time.Time
	data   []byte
	xattrs map[string][]byte
}

// NewMemory creates an empty in-memory tree. now supplies mtimes; nil
// uses the wall clock.
func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	m := &Memory{now: now, nodes: make(map[string]*memEntry)}
	m.nodes[""] = &memEntry{isDir: true, mode: 0o755, mtime: now()}
	return m
}

func memError(op, p string, errno syscall.Errno) error {
	return &os.PathError{Op: op, Path: p, Err: errno}
}

func (m *Memory) get(p string) (*memEntry, bool) {
	e, ok := m.nodes[p]
	return e, ok
}

// parentOK reports whether p's parent directory exists.
func (m *Memory) parentOK(p string) bool {
	if p == "" {
		return true
	}
	parentPath := path.Dir(p)
	if parentPath == "." {
		parentPath = ""
	}
	parent, ok := m.nodes[parentPath]
	return ok && parent.isDir
}

// clean normalizes a caller path into a map key.
func clean(p string) string {
	p = path.Clean("/" + p)
	return strings.TrimPrefix(p, "/")
}

func (m *Memory) Stat(p string) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p = clean(p)
	e, ok := m.get(p)
	if !ok {
		return Info{}, memError("stat", p, syscall.ENOENT)
	}
	typeBits := uint32(syscall.S_IFREG)
	if e.isDir {
		typeBits = syscall.S_IFDIR
	}
	return Info{Size: int64(len(e.data)), Mode: typeBits | e.mode, Mtime: e.mtime}, nil
}

func (m *Memory) Open(p string, flags int) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p = clean(p)
	e, ok := m.get(p)
	if !ok {
		return nil, memError("open", p, syscall.ENOENT)
	}
	if e.isDir {
		return nil, memError("open", p, syscall.EISDIR)
	}
	if flags&syscall.O_TRUNC != 0 {
		e.data = nil
		e.mtime = m.now()
	}
	return &memHandle{store: m, path: p}, nil
}

func (m *Memory) Create(p string, flags int, mode uint32) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p = clean(p)
	if e, ok := m.get(p); ok {
		if e.isDir {
			return nil, memError("create", p, syscall.EISDIR)
		}
		if flags&syscall.O_EXCL != 0 {
			return nil, memError("create", p, syscall.EEXIST)
		}
		if flags&syscall.O_TRUNC != 0 {
			e.data = nil
		}
		e.mtime = m.now()
		return &memHandle{store: m, path: p}, nil
	}
	if !m.parentOK(p) {
		return nil, memError("create", p, syscall.ENOENT)
	}
	m.nodes[p] = &memEntry{mode: mode & 0o7777, mtime: m.now()}
	return &memHandle{store: m, path: p}, nil
}

func (m *Memory) Mkdir(p string, mode uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p = clean(p)
	if _, ok := m.get(p); ok {
		return memError("mkdir", p, syscall.EEXIST)
	}
	if !m.parentOK(p) {
		return memError("mkdir", p, syscall.ENOENT)
	}
	m.nodes[p] = &memEntry{isDir: true, mode: mode & 0o7777, mtime: m.now()}
	return nil
}

func (m *Memory) Unlink(p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p = clean(p)
	e, ok := m.get(p)
	if !ok {
		return memError("unlink", p, syscall.ENOENT)
	}
	if e.isDir {
		return memError("unlink", p, syscall.EISDIR)
	}
	delete(m.nodes, p)
	return nil
}

func (m *Memory) Rmdir(p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p = clean(p)
	e, ok := m.get(p)
	if !ok {
		return memError("rmdir", p, syscall.ENOENT)
	}
	if !e.isDir {
		return memError("rmdir", p, syscall.ENOTDIR)
	}
	if p == "" {
		return memError("rmdir", p, syscall.EBUSY)
	}
	for other := range m.nodes {
		if strings.HasPrefix(other, p+"/") {
			return memError("rmdir", p, syscall.ENOTEMPTY)
		}
	}
	delete(m.nodes, p)
	return nil
}

func (m *Memory) Rename(oldPath, newPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	oldPath, newPath = clean(oldPath), clean(newPath)
	e, ok := m.get(oldPath)
	if !ok {
		return memError("rename", oldPath, syscall.ENOENT)
	}
	if !m.parentOK(newPath) {
		return memError("rename", newPath, syscall.ENOENT)
	}
	if target, exists := m.get(newPath); exists {
		if target.isDir && !e.isDir {
			return memError("rename", newPath, syscall.EISDIR)
		}
		delete(m.nodes, newPath)
	}
	// Move the entry and, for directories, the whole subtree.
	delete(m.nodes, oldPath)
	m.nodes[newPath] = e
	if e.isDir {
		prefix := oldPath + "/"
		var moved []string
		for other := range m.nodes {
			if strings.HasPrefix(other, prefix) {
				moved = append(moved, other)
			}
		}
		for _, other := range moved {
			entry := m.nodes[other]
			delete(m.nodes, other)
			m.nodes[newPath+"/"+strings.TrimPrefix(other, prefix)] = entry
		}
	}
	e.mtime = m.now()
	return nil
}

func (m *Memory) Truncate(p string, size int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p = clean(p)
	e, ok := m.get(p)
	if !ok {
		return memError("truncate", p, syscall.ENOENT)
	}
	if e.isDir {
		return memError("truncate", p, syscall.EISDIR)
	}
	e.truncate(size)
	e.mtime = m.now()
	return nil
}

func (m *Memory) ReadDir(p string) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p = clean(p)
	e, ok := m.get(p)
	if !ok {
		return nil, memError("readdir", p, syscall.ENOENT)
	}
	if !e.isDir {
		return nil, memError("readdir", p, syscall.ENOTDIR)
	}
	prefix := ""
	if p != "" {
		prefix = p + "/"
	}
	var entries []Entry
	for other, entry := range m.nodes {
		if other == p || !strings.HasPrefix(other, prefix) {
			continue
		}
		rest := strings.TrimPrefix(other, prefix)
		if rest == "" || strings.Contains(rest, "/") {
			continue
		}
		mode := uint32(syscall.S_IFREG)
		if entry.isDir {
			mode = syscall.S_IFDIR
		}
		entries = append(entries, Entry{Name: rest, Mode: mode})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func (m *Memory) SubtreeSize(p string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p = clean(p)
	e, ok := m.get(p)
	if !ok {
		return 0, memError("subtreesize", p, syscall.ENOENT)
	}
	if !e.isDir {
		return int64(len(e.data)), nil
	}
	prefix := ""
	if p != "" {
		prefix = p + "/"
	}
	var total int64
	for other, entry := range m.nodes {
		if entry.isDir || !strings.HasPrefix(other, prefix) {
			continue
		}
		total += int64(len(entry.data))
	}
	return total, nil
}

func (m *Memory) Getxattr(p, name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p = clean(p)
	e, ok := m.get(p)
	if !ok {
		return nil, memError("getxattr", p, syscall.ENOENT)
	}
	value, ok := e.xattrs[name]
	if !ok {
		return nil, memError("getxattr", p, syscall.ENODATA)
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

func (m *Memory) Setxattr(p, name string, value []byte, flags int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p = clean(p)
	e, ok := m.get(p)
	if !ok {
		return memError("setxattr", p, syscall.ENOENT)
	}
	if e.xattrs == nil {
		e.xattrs = make(map[string][]byte)
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	e.xattrs[name] = stored
	return nil
}

func (m *Memory) Removexattr(p, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p = clean(p)
	e, ok := m.get(p)
	if !ok {
		return memError("removexattr", p, syscall.ENOENT)
	}
	if _, present := e.xattrs[name]; !present {
		return memError("removexattr", p, syscall.ENODATA)
	}
	delete(e.xattrs, name)
	return nil
}

func (m *Memory) Listxattr(p string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p = clean(p)
	e, ok := m.get(p)
	if !ok {
		return nil, memError("listxattr", p, syscall.ENOENT)
	}
	names := make([]string, 0, len(e.xattrs))
	for name := range e.xattrs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (e *memEntry) truncate(size int64) {
	switch {
	case size <= 0:
		e.data = nil
	case size < int64(len(e.data)):
		e.data = e.data[:size]
	case size > int64(len(e.data)):
		grown := make([]byte, size)
		copy(grown, e.data)
		e.data = grown
	}
}

// memHandle reads and writes a Memory file by path, resolving the path
// on every call. A handle does not follow its file: once the path is
// unlinked or renamed away, I/O through the handle returns ESTALE, and
// if another file later takes the path, the handle reaches that file.
//
// The mount layer reopens nothing on rename, and unlink keeps the
// node.Table entry alive while the data here disappears.
type memHandle struct {
	store *Memory
	path  string
}

func (h *memHandle) entry() (*memEntry, error) {
	e, ok := h.store.get(h.path)
	if !ok {
		return nil, memError("io", h.path, syscall.ESTALE)
	}
	return e, nil
}

func (h *memHandle) ReadAt(dest []byte, offset int64) (int, error) {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	e, err := h.entry()
	if err != nil {
		return 0, err
	}
	if offset >= int64(len(e.data)) {
		return 0, nil
	}
	return copy(dest, e.data[offset:]), nil
}

func (h *memHandle) WriteAt(data []byte, offset int64) (int, error) {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	e, err := h.entry()
	if err != nil {
		return 0, err
	}
	end := offset + int64(len(data))
	if end > int64(len(e.data)) {
		e.truncate(end)
	}
	copy(e.data[offset:], data)
	e.mtime = h.store.now()
	return len(data), nil
}

func (h *memHandle) Truncate(size int64) error {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	e, err := h.entry()
	if err != nil {
		return err
	}
	e.truncate(size)
	return nil
}

func (h *memHandle) Sync() error { return nil }

func (h *memHandle) Close() error { return nil }
