// Copyright 2026 The Broken Fuse Authors
// SPDX-License-Identifier: Apache-2.0

package mount

import (
	"context"
	"path"
	"syscall"

	"github.com/dranikpg/brokenfuse/lib/backing"
	"github.com/dranikpg/brokenfuse/lib/effect"
	"github.com/dranikpg/brokenfuse/lib/node"
	"github.com/dranikpg/brokenfuse/lib/xattr"
	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// passthroughNode is one inode of the mounted tree. It holds only the
// shared daemon state and its node table ID; everything else (backing
// path, effects, counters) lives in the table entry, which survives
// kernel-side inode eviction until unlink+close collects it.
type passthroughNode struct {
	gofuse.Inode
	fs *fsState
	id node.ID
}

var _ gofuse.InodeEmbedder = (*passthroughNode)(nil)
var _ gofuse.NodeLookuper = (*passthroughNode)(nil)
var _ gofuse.NodeGetattrer = (*passthroughNode)(nil)
var _ gofuse.NodeSetattrer = (*passthroughNode)(nil)
var _ gofuse.NodeOpener = (*passthroughNode)(nil)
var _ gofuse.NodeCreater = (*passthroughNode)(nil)
var _ gofuse.NodeMkdirer = (*passthroughNode)(nil)
var _ gofuse.NodeUnlinker = (*passthroughNode)(nil)
var _ gofuse.NodeRmdirer = (*passthroughNode)(nil)
var _ gofuse.NodeRenamer = (*passthroughNode)(nil)
var _ gofuse.NodeReaddirer = (*passthroughNode)(nil)
var _ gofuse.NodeGetxattrer = (*passthroughNode)(nil)
var _ gofuse.NodeSetxattrer = (*passthroughNode)(nil)
var _ gofuse.NodeRemovexattrer = (*passthroughNode)(nil)
var _ gofuse.NodeListxattrer = (*passthroughNode)(nil)
var _ gofuse.NodeOnForgetter = (*passthroughNode)(nil)

// node resolves the table entry. ESTALE means the kernel raced an op
// against collection of an unlinked node.
func (pn *passthroughNode) node() (*node.Node, syscall.Errno) {
	n, ok := pn.fs.table.Get(pn.id)
	if !ok {
		return nil, syscall.ESTALE
	}
	return n, 0
}

func typeBits(mode uint32) uint32 {
	return mode & syscall.S_IFMT
}

func fillAttr(attr *fuse.Attr, id node.ID, info backing.Info) {
	attr.Ino = uint64(id)
	attr.Size = uint64(info.Size)
	attr.Mode = info.Mode
	attr.Blocks = (attr.Size + 511) / 512
	attr.SetTimes(nil, &info.Mtime, nil)
}

func (pn *passthroughNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	n, errno := pn.node()
	if errno != 0 {
		return nil, errno
	}

	childPath := path.Join(n.Backing, name)
	info, err := pn.fs.backing.Stat(childPath)
	if err != nil {
		return nil, gofuse.ToErrno(err)
	}
	isDir := typeBits(info.Mode) == syscall.S_IFDIR

	child, ok := pn.fs.table.Lookup(n.ID, name)
	if !ok {
		var insertErr error
		child, insertErr = pn.fs.table.Insert(n.ID, name, isDir, childPath)
		if insertErr != nil {
			// A concurrent lookup won the insert.
			child, ok = pn.fs.table.Lookup(n.ID, name)
			if !ok {
				return nil, syscall.EIO
			}
		}
	}
	child.AddLookupRef()

	inode := pn.NewInode(ctx, &passthroughNode{fs: pn.fs, id: child.ID}, gofuse.StableAttr{
		Mode: typeBits(info.Mode),
		Ino:  uint64(child.ID),
	})
	fillAttr(&out.Attr, child.ID, info)
	return inode, 0
}

// Getattr is a metadata-only op: no effect evaluation, straight to the
// backing store.
func (pn *passthroughNode) Getattr(ctx context.Context, f gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	n, errno := pn.node()
	if errno != 0 {
		return errno
	}
	info, err := pn.fs.backing.Stat(n.Backing)
	if err != nil {
		return gofuse.ToErrno(err)
	}
	fillAttr(&out.Attr, n.ID, info)
	return 0
}

// Setattr handles truncate. A growing truncate classifies as a write
// and runs the effect pipeline; a shrinking one is metadata-only.
// Other attribute changes (mode, owner, times) are accepted and
// dropped: the backing adapters do not model ownership, and a fault
// injection filesystem has no use for it.
func (pn *passthroughNode) Setattr(ctx context.Context, f gofuse.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	n, errno := pn.node()
	if errno != 0 {
		return errno
	}

	if size, ok := in.GetSize(); ok {
		info, err := pn.fs.backing.Stat(n.Backing)
		if err != nil {
			return gofuse.ToErrno(err)
		}
		growth := int64(size) - info.Size

		truncate := func() (int64, syscall.Errno) {
			if err := pn.fs.backing.Truncate(n.Backing, int64(size)); err != nil {
				return 0, gofuse.ToErrno(err)
			}
			return growth, 0
		}

		if growth > 0 {
			if errno := pn.fs.intercept(ctx, n, effect.OpWrite, info.Size, growth, truncate); errno != 0 {
				return errno
			}
		} else {
			if _, errno := truncate(); errno != 0 {
				return errno
			}
			// Shrinking frees backing bytes behind the effect
			// engine's back; cached subtree estimates must recompute.
			pn.fs.table.ReseedAncestors(n.ID)
		}
	}

	return pn.Getattr(ctx, f, out)
}

func (pn *passthroughNode) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	n, errno := pn.node()
	if errno != 0 {
		return nil, 0, errno
	}
	h, err := pn.fs.backing.Open(n.Backing, int(flags))
	if err != nil {
		return nil, 0, gofuse.ToErrno(err)
	}
	n.AddOpenRef()

	// Direct IO keeps the kernel page cache out of the read path, so
	// every read syscall reaches the effect engine.
	return &fileHandle{fs: pn.fs, id: n.ID, handle: h}, fuse.FOPEN_DIRECT_IO, 0
}

// Create classifies as a write. The new node does not exist yet, so
// the effect pipeline runs over the parent's effective chain, which is
// exactly the chain the child would inherit; counters land on the
// parent directory.
func (pn *passthroughNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, gofuse.FileHandle, uint32, syscall.Errno) {
	n, errno := pn.node()
	if errno != 0 {
		return nil, nil, 0, errno
	}
	childPath := path.Join(n.Backing, name)

	var h backing.Handle
	errno = pn.fs.intercept(ctx, n, effect.OpWrite, 0, 0, func() (int64, syscall.Errno) {
		created, err := pn.fs.backing.Create(childPath, int(flags), mode)
		if err != nil {
			return 0, gofuse.ToErrno(err)
		}
		h = created
		return 0, 0
	})
	if errno != 0 {
		return nil, nil, 0, errno
	}

	child, ok := pn.fs.table.Lookup(n.ID, name)
	if !ok {
		var insertErr error
		child, insertErr = pn.fs.table.Insert(n.ID, name, false, childPath)
		if insertErr != nil {
			h.Close()
			return nil, nil, 0, syscall.EIO
		}
	}
	child.AddLookupRef()
	child.AddOpenRef()

	info, err := pn.fs.backing.Stat(childPath)
	if err != nil {
		info = backing.Info{Mode: syscall.S_IFREG | (mode & 0o7777)}
	}

	inode := pn.NewInode(ctx, &passthroughNode{fs: pn.fs, id: child.ID}, gofuse.StableAttr{
		Mode: syscall.S_IFREG,
		Ino:  uint64(child.ID),
	})
	fillAttr(&out.Attr, child.ID, info)
	return inode, &fileHandle{fs: pn.fs, id: child.ID, handle: h}, fuse.FOPEN_DIRECT_IO, 0
}

func (pn *passthroughNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	n, errno := pn.node()
	if errno != 0 {
		return nil, errno
	}
	childPath := path.Join(n.Backing, name)

	errno = pn.fs.intercept(ctx, n, effect.OpWrite, 0, 0, func() (int64, syscall.Errno) {
		if err := pn.fs.backing.Mkdir(childPath, mode); err != nil {
			return 0, gofuse.ToErrno(err)
		}
		return 0, 0
	})
	if errno != 0 {
		return nil, errno
	}

	child, insertErr := pn.fs.table.Insert(n.ID, name, true, childPath)
	if insertErr != nil {
		var ok bool
		child, ok = pn.fs.table.Lookup(n.ID, name)
		if !ok {
			return nil, syscall.EIO
		}
	}
	child.AddLookupRef()

	inode := pn.NewInode(ctx, &passthroughNode{fs: pn.fs, id: child.ID}, gofuse.StableAttr{
		Mode: syscall.S_IFDIR,
		Ino:  uint64(child.ID),
	})
	out.Attr.Ino = uint64(child.ID)
	out.Attr.Mode = syscall.S_IFDIR | (mode & 0o7777)
	return inode, 0
}

// Unlink classifies as a write on the unlinked node: its effective
// chain is evaluated and its counters updated. The table entry
// survives until the last open handle and kernel reference drain —
// a node dies on unlink+close, not on unlink alone.
func (pn *passthroughNode) Unlink(ctx context.Context, name string) syscall.Errno {
	return pn.removeChild(ctx, name, false)
}

func (pn *passthroughNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	return pn.removeChild(ctx, name, true)
}

func (pn *passthroughNode) removeChild(ctx context.Context, name string, dir bool) syscall.Errno {
	n, errno := pn.node()
	if errno != 0 {
		return errno
	}
	child, errno := pn.resolveChild(n, name)
	if errno != 0 {
		return errno
	}

	return pn.fs.intercept(ctx, child, effect.OpWrite, 0, 0, func() (int64, syscall.Errno) {
		var err error
		if dir {
			err = pn.fs.backing.Rmdir(child.Backing)
		} else {
			err = pn.fs.backing.Unlink(child.Backing)
		}
		if err != nil {
			return 0, gofuse.ToErrno(err)
		}
		if _, unlinkErr := pn.fs.table.Unlink(n.ID, name); unlinkErr != nil {
			pn.fs.fatal(unlinkErr)
			return 0, syscall.EIO
		}
		return 0, 0
	})
}

// resolveChild returns the table entry for name under n, creating it
// from a backing stat if the kernel skipped a lookup.
func (pn *passthroughNode) resolveChild(n *node.Node, name string) (*node.Node, syscall.Errno) {
	if child, ok := pn.fs.table.Lookup(n.ID, name); ok {
		return child, 0
	}
	childPath := path.Join(n.Backing, name)
	info, err := pn.fs.backing.Stat(childPath)
	if err != nil {
		return nil, gofuse.ToErrno(err)
	}
	child, insertErr := pn.fs.table.Insert(n.ID, name, typeBits(info.Mode) == syscall.S_IFDIR, childPath)
	if insertErr != nil {
		return nil, syscall.EIO
	}
	return child, 0
}

// Rename classifies as a write on the moved node. Accounting for any
// MaxSize effect whose subtree boundary the node crosses is rebalanced
// by Table.Rename, atomically with the structural change.
func (pn *passthroughNode) Rename(ctx context.Context, name string, newParent gofuse.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	n, errno := pn.node()
	if errno != 0 {
		return errno
	}
	target, ok := newParent.(*passthroughNode)
	if !ok {
		return syscall.EXDEV
	}
	targetNode, errno := target.node()
	if errno != 0 {
		return errno
	}
	child, errno := pn.resolveChild(n, name)
	if errno != 0 {
		return errno
	}

	newPath := path.Join(targetNode.Backing, newName)
	return pn.fs.intercept(ctx, child, effect.OpWrite, 0, 0, func() (int64, syscall.Errno) {
		if err := pn.fs.backing.Rename(child.Backing, newPath); err != nil {
			return 0, gofuse.ToErrno(err)
		}
		// Rename-over: drop the displaced node's tree edge first so
		// the slot is free; it is collected once its handles drain.
		if _, exists := pn.fs.table.Lookup(targetNode.ID, newName); exists {
			if _, err := pn.fs.table.Unlink(targetNode.ID, newName); err != nil {
				pn.fs.fatal(err)
				return 0, syscall.EIO
			}
		}
		if err := pn.fs.table.Rename(child.ID, targetNode.ID, newName); err != nil {
			pn.fs.fatal(err)
			return 0, syscall.EIO
		}
		return 0, 0
	})
}

// Readdir classifies as a read on the directory node.
func (pn *passthroughNode) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	n, errno := pn.node()
	if errno != 0 {
		return nil, errno
	}

	var entries []fuse.DirEntry
	errno = pn.fs.intercept(ctx, n, effect.OpRead, 0, 0, func() (int64, syscall.Errno) {
		backingEntries, err := pn.fs.backing.ReadDir(n.Backing)
		if err != nil {
			return 0, gofuse.ToErrno(err)
		}
		entries = make([]fuse.DirEntry, 0, len(backingEntries))
		for _, e := range backingEntries {
			entries = append(entries, fuse.DirEntry{Name: e.Name, Mode: e.Mode})
		}
		return 0, 0
	})
	if errno != 0 {
		return nil, errno
	}
	return &sliceDirStream{entries: entries}, 0
}

// Getxattr routes bf.* names to the control plane; everything else
// passes through to the backing store. Control-plane ops never
// trigger effects.
func (pn *passthroughNode) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	n, errno := pn.node()
	if errno != 0 {
		return 0, errno
	}

	stripped := xattr.Strip(attr)
	var value []byte
	if xattr.IsControl(stripped) {
		value, errno = pn.fs.plane.Get(n, stripped)
		if errno != 0 {
			return 0, errno
		}
	} else {
		var err error
		value, err = pn.fs.backing.Getxattr(n.Backing, attr)
		if err != nil {
			return 0, gofuse.ToErrno(err)
		}
	}

	if len(dest) == 0 {
		return uint32(len(value)), 0
	}
	if len(dest) < len(value) {
		return uint32(len(value)), syscall.ERANGE
	}
	copy(dest, value)
	return uint32(len(value)), 0
}

func (pn *passthroughNode) Setxattr(ctx context.Context, attr string, data []byte, flags uint32) syscall.Errno {
	n, errno := pn.node()
	if errno != 0 {
		return errno
	}
	stripped := xattr.Strip(attr)
	if xattr.IsControl(stripped) {
		return pn.fs.plane.Set(n, stripped, data)
	}
	if err := pn.fs.backing.Setxattr(n.Backing, attr, data, int(flags)); err != nil {
		return gofuse.ToErrno(err)
	}
	return 0
}

func (pn *passthroughNode) Removexattr(ctx context.Context, attr string) syscall.Errno {
	n, errno := pn.node()
	if errno != 0 {
		return errno
	}
	stripped := xattr.Strip(attr)
	if xattr.IsControl(stripped) {
		return pn.fs.plane.Remove(n, stripped)
	}
	if err := pn.fs.backing.Removexattr(n.Backing, attr); err != nil {
		return gofuse.ToErrno(err)
	}
	return 0
}

func (pn *passthroughNode) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) {
	n, errno := pn.node()
	if errno != 0 {
		return 0, errno
	}

	names := pn.fs.plane.ControlNames(n)
	if backingNames, err := pn.fs.backing.Listxattr(n.Backing); err == nil {
		names = append(names, backingNames...)
	}

	var packed []byte
	for _, name := range names {
		packed = append(packed, name...)
		packed = append(packed, 0)
	}
	if len(dest) == 0 {
		return uint32(len(packed)), 0
	}
	if len(dest) < len(packed) {
		return uint32(len(packed)), syscall.ERANGE
	}
	copy(dest, packed)
	return uint32(len(packed)), 0
}

// OnForget fires when the kernel drops its last reference to this
// inode. Drain all outstanding lookup references in one step; the
// table collects the entry if it was already unlinked and has no
// open handles.
func (pn *passthroughNode) OnForget() {
	if pn.id == node.RootID {
		return
	}
	if err := pn.fs.table.Forget(pn.id, 1<<30); err != nil {
		pn.fs.fatal(err)
	}
}
