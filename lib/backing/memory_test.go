// Copyright 2026 The Broken Fuse Authors
// SPDX-License-Identifier: Apache-2.0

package backing

import (
	"errors"
	"syscall"
	"testing"
	"time"
)

var memEpoch = time.Unix(1735689600, 0) // 2025-01-01T00:00:00Z

func newTestMemory() *Memory {
	return NewMemory(func() time.Time { return memEpoch })
}

func wantErrno(t *testing.T, err error, want syscall.Errno) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected errno %v, got nil", want)
	}
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		t.Fatalf("expected errno %v, got %v (%T)", want, err, err)
	}
	if errno != want {
		t.Fatalf("errno = %v, want %v", errno, want)
	}
}

func TestMemoryRootExists(t *testing.T) {
	m := newTestMemory()
	info, err := m.Stat("")
	if err != nil {
		t.Fatalf("Stat root: %v", err)
	}
	if info.Mode&syscall.S_IFMT != syscall.S_IFDIR {
		t.Fatalf("root mode = %o, want directory", info.Mode)
	}
}

func TestMemoryCreateWriteRead(t *testing.T) {
	m := newTestMemory()
	h, err := m.Create("t.txt", 0, 0o644)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := h.WriteAt([]byte("works\n"), 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	info, err := m.Stat("t.txt")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size != 6 {
		t.Fatalf("size = %d, want 6", info.Size)
	}

	buf := make([]byte, 16)
	n, err := h.ReadAt(buf, 0)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(buf[:n]) != "works\n" {
		t.Fatalf("read %q, want %q", buf[:n], "works\n")
	}

	// Reading past EOF is an empty success, like the kernel expects.
	n, err = h.ReadAt(buf, 100)
	if err != nil || n != 0 {
		t.Fatalf("ReadAt past EOF = (%d, %v), want (0, nil)", n, err)
	}
}

func TestMemoryWriteAtExtends(t *testing.T) {
	m := newTestMemory()
	h, _ := m.Create("sparse", 0, 0o644)
	if _, err := h.WriteAt([]byte("xy"), 10); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	info, _ := m.Stat("sparse")
	if info.Size != 12 {
		t.Fatalf("size = %d, want 12", info.Size)
	}
}

func TestMemoryMkdirAndReadDir(t *testing.T) {
	m := newTestMemory()
	if err := m.Mkdir("dir", 0o755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if _, err := m.Create("dir/a", 0, 0o644); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Mkdir("dir/sub", 0o755); err != nil {
		t.Fatalf("Mkdir sub: %v", err)
	}

	entries, err := m.ReadDir("dir")
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Name != "a" || entries[0].Mode != syscall.S_IFREG {
		t.Errorf("entry 0 = %+v", entries[0])
	}
	if entries[1].Name != "sub" || entries[1].Mode != syscall.S_IFDIR {
		t.Errorf("entry 1 = %+v", entries[1])
	}

	// Nested entries do not leak into the parent listing.
	if _, err := m.Create("dir/sub/deep", 0, 0o644); err != nil {
		t.Fatalf("Create deep: %v", err)
	}
	entries, _ = m.ReadDir("dir")
	if len(entries) != 2 {
		t.Fatalf("after nested create, got %d entries, want 2", len(entries))
	}
}

func TestMemoryMkdirMissingParent(t *testing.T) {
	m := newTestMemory()
	wantErrno(t, m.Mkdir("no/such", 0o755), syscall.ENOENT)
}

func TestMemoryUnlinkDirectoryFails(t *testing.T) {
	m := newTestMemory()
	m.Mkdir("dir", 0o755)
	wantErrno(t, m.Unlink("dir"), syscall.EISDIR)
}

func TestMemoryRmdirNonEmpty(t *testing.T) {
	m := newTestMemory()
	m.Mkdir("dir", 0o755)
	m.Create("dir/a", 0, 0o644)
	wantErrno(t, m.Rmdir("dir"), syscall.ENOTEMPTY)

	if err := m.Unlink("dir/a"); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	if err := m.Rmdir("dir"); err != nil {
		t.Fatalf("Rmdir: %v", err)
	}
	_, err := m.Stat("dir")
	wantErrno(t, err, syscall.ENOENT)
}

func TestMemoryRenameMovesSubtree(t *testing.T) {
	m := newTestMemory()
	m.Mkdir("old", 0o755)
	m.Mkdir("old/sub", 0o755)
	h, _ := m.Create("old/sub/f", 0, 0o644)
	h.WriteAt([]byte("data"), 0)

	if err := m.Rename("old", "new"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if _, err := m.Stat("old"); err == nil {
		t.Fatal("old path still exists after rename")
	}
	info, err := m.Stat("new/sub/f")
	if err != nil {
		t.Fatalf("Stat moved file: %v", err)
	}
	if info.Size != 4 {
		t.Fatalf("moved file size = %d, want 4", info.Size)
	}
}

func TestMemoryTruncate(t *testing.T) {
	m := newTestMemory()
	h, _ := m.Create("f", 0, 0o644)
	h.WriteAt([]byte("0123456789"), 0)

	if err := m.Truncate("f", 4); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	info, _ := m.Stat("f")
	if info.Size != 4 {
		t.Fatalf("size = %d, want 4", info.Size)
	}

	if err := m.Truncate("f", 8); err != nil {
		t.Fatalf("Truncate grow: %v", err)
	}
	buf := make([]byte, 8)
	n, _ := h.ReadAt(buf, 0)
	if n != 8 || string(buf[:4]) != "0123" || string(buf[4:8]) != "\x00\x00\x00\x00" {
		t.Fatalf("after grow, read %q", buf[:n])
	}
}

func TestMemorySubtreeSize(t *testing.T) {
	m := newTestMemory()
	m.Mkdir("dir", 0o755)
	m.Mkdir("dir/sub", 0o755)
	h1, _ := m.Create("dir/a", 0, 0o644)
	h1.WriteAt(make([]byte, 512), 0)
	h2, _ := m.Create("dir/sub/b", 0, 0o644)
	h2.WriteAt(make([]byte, 100), 0)
	h3, _ := m.Create("outside", 0, 0o644)
	h3.WriteAt(make([]byte, 9000), 0)

	size, err := m.SubtreeSize("dir")
	if err != nil {
		t.Fatalf("SubtreeSize: %v", err)
	}
	if size != 612 {
		t.Fatalf("subtree size = %d, want 612", size)
	}

	// A non-directory subtree is just the file itself.
	size, err = m.SubtreeSize("dir/a")
	if err != nil {
		t.Fatalf("SubtreeSize file: %v", err)
	}
	if size != 512 {
		t.Fatalf("file subtree size = %d, want 512", size)
	}
}

func TestMemoryXattrRoundtrip(t *testing.T) {
	m := newTestMemory()
	m.Create("f", 0, 0o644)

	if err := m.Setxattr("f", "user.note", []byte("hello"), 0); err != nil {
		t.Fatalf("Setxattr: %v", err)
	}
	value, err := m.Getxattr("f", "user.note")
	if err != nil {
		t.Fatalf("Getxattr: %v", err)
	}
	if string(value) != "hello" {
		t.Fatalf("value = %q, want %q", value, "hello")
	}

	names, err := m.Listxattr("f")
	if err != nil {
		t.Fatalf("Listxattr: %v", err)
	}
	if len(names) != 1 || names[0] != "user.note" {
		t.Fatalf("names = %v", names)
	}

	if err := m.Removexattr("f", "user.note"); err != nil {
		t.Fatalf("Removexattr: %v", err)
	}
	_, err = m.Getxattr("f", "user.note")
	wantErrno(t, err, syscall.ENODATA)
	wantErrno(t, m.Removexattr("f", "user.note"), syscall.ENODATA)
}

func TestMemoryHandleAfterUnlink(t *testing.T) {
	m := newTestMemory()
	h, _ := m.Create("f", 0, 0o644)
	h.WriteAt([]byte("data"), 0)
	if err := m.Unlink("f"); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	// The in-memory store drops data on unlink; a surviving handle
	// observes ESTALE rather than resurrecting the file.
	_, err := h.ReadAt(make([]byte, 4), 0)
	wantErrno(t, err, syscall.ESTALE)
}
