// Copyright 2026 The Broken Fuse Authors
// SPDX-License-Identifier: Apache-2.0

package mount

import (
	"context"
	"sync"
	"syscall"

	"github.com/dranikpg/brokenfuse/lib/backing"
	"github.com/dranikpg/brokenfuse/lib/effect"
	"github.com/dranikpg/brokenfuse/lib/node"
	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// fileHandle is one open file. Reads and writes run through the
// effect pipeline; the backing handle performs the real I/O.
type fileHandle struct {
	fs     *fsState
	id     node.ID
	handle backing.Handle

	releaseOnce sync.Once
}

var _ gofuse.FileReader = (*fileHandle)(nil)
var _ gofuse.FileWriter = (*fileHandle)(nil)
var _ gofuse.FileFlusher = (*fileHandle)(nil)
var _ gofuse.FileFsyncer = (*fileHandle)(nil)
var _ gofuse.FileReleaser = (*fileHandle)(nil)

func (h *fileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n, ok := h.fs.table.Get(h.id)
	if !ok {
		return nil, syscall.ESTALE
	}

	var bytesRead int
	errno := h.fs.intercept(ctx, n, effect.OpRead, off, int64(len(dest)), func() (int64, syscall.Errno) {
		read, err := h.handle.ReadAt(dest, off)
		if err != nil {
			return 0, gofuse.ToErrno(err)
		}
		bytesRead = read
		return int64(read), 0
	})
	if errno != 0 {
		return nil, errno
	}
	return fuse.ReadResultData(dest[:bytesRead]), 0
}

func (h *fileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	n, ok := h.fs.table.Get(h.id)
	if !ok {
		return 0, syscall.ESTALE
	}

	var written int
	errno := h.fs.intercept(ctx, n, effect.OpWrite, off, int64(len(data)), func() (int64, syscall.Errno) {
		w, err := h.handle.WriteAt(data, off)
		if err != nil {
			return 0, gofuse.ToErrno(err)
		}
		written = w
		return int64(w), 0
	})
	if errno != 0 {
		return 0, errno
	}
	return uint32(written), 0
}

// Flush is called on every close of a file descriptor. Passthrough
// has nothing to buffer, so there is nothing to do; the open
// reference is dropped in Release, which fires once per handle.
func (h *fileHandle) Flush(ctx context.Context) syscall.Errno {
	return 0
}

func (h *fileHandle) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	if err := h.handle.Sync(); err != nil {
		return gofuse.ToErrno(err)
	}
	return 0
}

func (h *fileHandle) Release(ctx context.Context) syscall.Errno {
	var errno syscall.Errno
	h.releaseOnce.Do(func() {
		if err := h.handle.Close(); err != nil {
			errno = gofuse.ToErrno(err)
		}
		if err := h.fs.table.ReleaseHandle(h.id); err != nil {
			h.fs.fatal(err)
		}
	})
	return errno
}
