// Copyright 2026 The Broken Fuse Authors
// SPDX-License-Identifier: Apache-2.0

// Package backing abstracts the store behind the mount: either a host
// directory (Local) or an in-memory synthetic tree (Memory, used when
// the daemon is started without --backing).
//
// Paths are always relative to the adapter's root, slash-separated, and
// already cleaned by the caller ("" names the root itself). Adapters
// return plain Go errors wrapping a syscall.Errno where one applies;
// the mount layer converts them with go-fuse's ToErrno so host errors
// propagate to the kernel unchanged.
package backing

import "time"

// Info is the subset of stat output the mount layer needs.
type Info struct {
	// Size is the file size in bytes (0 for directories on Memory).
	Size int64
	// Mode holds the type bits and permissions, syscall encoding
	// (S_IFREG | 0o644 and so on).
	Mode uint32
	// Mtime is the last modification time.
	Mtime time.Time
}

// Entry is one directory entry.
type Entry struct {
	Name string
	// Mode holds the type bits only (S_IFREG or S_IFDIR).
	Mode uint32
}

// Handle is an open file. Implementations must be safe for concurrent
// use: the kernel issues overlapping reads and writes on one open file.
type Handle interface {
	ReadAt(dest []byte, offset int64) (int, error)
	WriteAt(data []byte, offset int64) (int, error)
	Truncate(size int64) error
	Sync() error
	Close() error
}

// Adapter is the backing store behind the mount. Every filesystem
// operation the daemon serves ends in exactly one adapter call (unless
// an effect short-circuited it first).
type Adapter interface {
	Stat(path string) (Info, error)
	Open(path string, flags int) (Handle, error)
	Create(path string, flags int, mode uint32) (Handle, error)
	Mkdir(path string, mode uint32) error
	Unlink(path string) error
	Rmdir(path string) error
	Rename(oldPath, newPath string) error
	Truncate(path string, size int64) error
	ReadDir(path string) ([]Entry, error)

	// SubtreeSize sums the byte sizes of every regular file at or
	// under path. MaxSize effects seed their running estimate from
	// this (lib/effect.SubtreeSizeFunc).
	SubtreeSize(path string) (int64, error)

	// Host xattr pass-through for every name outside bf.*.
	Getxattr(path, name string) ([]byte, error)
	Setxattr(path, name string, value []byte, flags int) error
	Removexattr(path, name string) error
	Listxattr(path string) ([]string, error)
}
