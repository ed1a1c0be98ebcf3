// Copyright 2026 The Broken Fuse Authors
// SPDX-License-Identifier: Apache-2.0

package node

import (
	"testing"
	"time"

	"github.com/dranikpg/brokenfuse/lib/effect"
)

func TestNewTableHasRoot(t *testing.T) {
	tbl := NewTable()
	root := tbl.Root()
	if root.ID != RootID {
		t.Fatalf("root.ID = %d, want %d", root.ID, RootID)
	}
	if !root.IsDir {
		t.Fatal("root should be a directory")
	}
}

func TestInsertAndLookup(t *testing.T) {
	tbl := NewTable()
	child, err := tbl.Insert(RootID, "a.txt", false, "a.txt")
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	found, ok := tbl.Lookup(RootID, "a.txt")
	if !ok || found.ID != child.ID {
		t.Fatalf("Lookup did not find inserted child")
	}
}

func TestInsertDuplicateNameFails(t *testing.T) {
	tbl := NewTable()
	if _, err := tbl.Insert(RootID, "a", false, "a"); err != nil {
		t.Fatalf("first Insert: %v", err)
	}
	if _, err := tbl.Insert(RootID, "a", false, "a"); err == nil {
		t.Fatal("expected error inserting duplicate name")
	}
}

func TestUnlinkThenForgetCollectsNode(t *testing.T) {
	tbl := NewTable()
	child, _ := tbl.Insert(RootID, "a.txt", false, "a.txt")
	child.AddLookupRef()

	if _, err := tbl.Unlink(RootID, "a.txt"); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	if _, ok := tbl.Lookup(RootID, "a.txt"); ok {
		t.Fatal("unlinked name should no longer resolve")
	}
	// The node itself is still live: a kernel lookup reference remains.
	if _, ok := tbl.Get(child.ID); !ok {
		t.Fatal("node should still exist while a lookup reference is outstanding")
	}

	if err := tbl.Forget(child.ID, 1); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	if _, ok := tbl.Get(child.ID); ok {
		t.Fatal("node should be collected after last lookup reference is forgotten")
	}
}

func TestUnlinkWithOpenHandleDefersCollection(t *testing.T) {
	tbl := NewTable()
	child, _ := tbl.Insert(RootID, "a.txt", false, "a.txt")
	child.AddLookupRef()
	child.AddOpenRef()

	tbl.Unlink(RootID, "a.txt")
	tbl.Forget(child.ID, 1)
	if _, ok := tbl.Get(child.ID); !ok {
		t.Fatal("node should survive while an open handle remains")
	}

	if err := tbl.ReleaseHandle(child.ID); err != nil {
		t.Fatalf("ReleaseHandle: %v", err)
	}
	if _, ok := tbl.Get(child.ID); ok {
		t.Fatal("node should be collected once the last open handle is released")
	}
}

func TestAncestorsRootFirst(t *testing.T) {
	tbl := NewTable()
	dir, _ := tbl.Insert(RootID, "d", true, "d")
	file, _ := tbl.Insert(dir.ID, "f", false, "d/f")

	ancestors := tbl.Ancestors(file.ID)
	if len(ancestors) != 2 {
		t.Fatalf("len(ancestors) = %d, want 2", len(ancestors))
	}
	if ancestors[0].ID != RootID {
		t.Fatalf("ancestors[0] should be root")
	}
	if ancestors[1].ID != dir.ID {
		t.Fatalf("ancestors[1] should be dir")
	}
}

func TestEffectiveEffectsInheritsFromAncestors(t *testing.T) {
	tbl := NewTable()
	dir, _ := tbl.Insert(RootID, "d", true, "d")
	file, _ := tbl.Insert(dir.ID, "f", false, "d/f")

	e, _ := effect.New(effect.KindDelay, "", []byte(`{"duration_ms":10}`), time.Now(), nil)
	dir.AttachEffect(e)

	effects := tbl.EffectiveEffects(file.ID)
	if len(effects) != 1 || effects[0] != e {
		t.Fatalf("EffectiveEffects = %v, want [e]", effects)
	}

	dir.DetachEffect(effect.KindDelay, "")
	if effects := tbl.EffectiveEffects(file.ID); len(effects) != 0 {
		t.Fatalf("EffectiveEffects after detach = %v, want empty", effects)
	}
}

func TestDescendantsIncludesSelfAndSubtree(t *testing.T) {
	tbl := NewTable()
	dir, _ := tbl.Insert(RootID, "d", true, "d")
	tbl.Insert(dir.ID, "f1", false, "d/f1")
	tbl.Insert(dir.ID, "f2", false, "d/f2")

	descendants := tbl.Descendants(dir.ID)
	if len(descendants) != 3 {
		t.Fatalf("len(descendants) = %d, want 3 (dir + 2 files)", len(descendants))
	}
}

func TestRenameUpdatesBackingPathsRecursively(t *testing.T) {
	tbl := NewTable()
	srcDir, _ := tbl.Insert(RootID, "src", true, "src")
	dstDir, _ := tbl.Insert(RootID, "dst", true, "dst")
	inner, _ := tbl.Insert(srcDir.ID, "inner", true, "src/inner")
	leaf, _ := tbl.Insert(inner.ID, "leaf.txt", false, "src/inner/leaf.txt")

	if err := tbl.Rename(srcDir.ID, dstDir.ID, "moved"); err != nil {
		t.Fatalf("Rename: %v", err)
	}

	if srcDir.Backing != "dst/moved" {
		t.Fatalf("srcDir.Backing = %q, want dst/moved", srcDir.Backing)
	}
	if inner.Backing != "dst/moved/inner" {
		t.Fatalf("inner.Backing = %q, want dst/moved/inner", inner.Backing)
	}
	if leaf.Backing != "dst/moved/inner/leaf.txt" {
		t.Fatalf("leaf.Backing = %q, want dst/moved/inner/leaf.txt", leaf.Backing)
	}

	if _, ok := tbl.Lookup(RootID, "src"); ok {
		t.Fatal("old name should no longer resolve")
	}
	found, ok := tbl.Lookup(dstDir.ID, "moved")
	if !ok || found.ID != srcDir.ID {
		t.Fatal("renamed directory should resolve under its new parent/name")
	}
}

func TestRenameReseedsMaxSizeOnAncestors(t *testing.T) {
	tbl := NewTable()
	limited, _ := tbl.Insert(RootID, "limited", true, "limited")
	other, _ := tbl.Insert(RootID, "other", true, "other")

	calls := 0
	e, err := effect.New(effect.KindMaxSize, "", []byte(`{"limit":1000}`), time.Now(), func() (int64, error) {
		calls++
		return 0, nil
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	limited.AttachEffect(e)

	// Force the estimate to seed once.
	e.EvaluatePre(effect.EvalContext{Op: effect.OpWrite, Length: 1}, nil)
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}

	file, _ := tbl.Insert(other.ID, "f", false, "other/f")
	if err := tbl.Rename(file.ID, limited.ID, "f"); err != nil {
		t.Fatalf("Rename: %v", err)
	}

	// The next evaluation must reseed since the subtree changed.
	e.EvaluatePre(effect.EvalContext{Op: effect.OpWrite, Length: 1}, nil)
	if calls != 2 {
		t.Fatalf("calls after rename = %d, want 2 (reseeded)", calls)
	}
}

func TestChildNames(t *testing.T) {
	tbl := NewTable()
	tbl.Insert(RootID, "a", false, "a")
	tbl.Insert(RootID, "b", false, "b")

	names := tbl.ChildNames(RootID)
	if len(names) != 2 {
		t.Fatalf("len(names) = %d, want 2", len(names))
	}
}
