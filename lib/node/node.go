// Copyright 2026 The Broken Fuse Authors
// SPDX-License-Identifier: Apache-2.0

// Package node tracks the mounted tree's live inodes: backing paths,
// parent/child structure, attached effects, and per-node counters.
// It never imports lib/effect's evaluation path, only the Effect
// value type, and never calls into lib/backing — both are supplied
// by callers through plain data and injected closures, keeping the
// node-table -> node -> effect lock order structural
// rather than merely conventional.
package node

import (
	"sync"

	"github.com/dranikpg/brokenfuse/lib/effect"
)

// ID is a stable inode identifier, unique for the lifetime of the
// mount. ID 1 is always the mount root.
type ID uint64

// RootID is the mount root's inode identifier.
const RootID ID = 1

// Node is one live inode in the mounted tree.
type Node struct {
	ID      ID
	Backing string // path under the backing adapter's root; "" for root
	Parent  ID
	Name    string
	IsDir   bool

	Counters Counters

	mu          sync.Mutex
	children    map[string]ID
	effects     []*effect.Effect
	lookupCount int
	openCount   int
}

func newNode(id, parent ID, name, backing string, isDir bool) *Node {
	n := &Node{ID: id, Parent: parent, Name: name, Backing: backing, IsDir: isDir}
	if isDir {
		n.children = make(map[string]ID)
	}
	return n
}

// children is guarded by the owning Table's structural lock, never by
// n.mu — every access goes through Table methods (Lookup, Insert,
// Rename, ChildNames, ...) so reads and structural mutations can
// never race against each other.

// AddLookupRef and DropLookupRef implement the kernel's lookup
// reference counting; AddOpenRef/DropOpenRef track open file handles.
// A node is eligible for collection once both reach zero and it has
// been unlinked: orphaned entries are collected only when the inode
// reference count reaches zero and no open handle exists.
func (n *Node) AddLookupRef() {
	n.mu.Lock()
	n.lookupCount++
	n.mu.Unlock()
}

func (n *Node) DropLookupRef(count int) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lookupCount -= count
	if n.lookupCount < 0 {
		n.lookupCount = 0
	}
	return n.lookupCount
}

func (n *Node) AddOpenRef() {
	n.mu.Lock()
	n.openCount++
	n.mu.Unlock()
}

func (n *Node) DropOpenRef() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.openCount > 0 {
		n.openCount--
	}
	return n.openCount
}

// AttachEffect installs e, replacing any existing effect with the
// same (Kind, Suffix) identity — two effects with the same identity
// cannot coexist on one node, so attaching a second replaces the first.
func (n *Node) AttachEffect(e *effect.Effect) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, existing := range n.effects {
		if existing.Kind == e.Kind && existing.Suffix == e.Suffix {
			n.effects[i] = e
			return
		}
	}
	n.effects = append(n.effects, e)
}

// DetachEffect removes the (kind, suffix) effect, reporting whether
// one was present.
func (n *Node) DetachEffect(kind effect.Kind, suffix string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, existing := range n.effects {
		if existing.Kind == kind && existing.Suffix == suffix {
			n.effects = append(n.effects[:i], n.effects[i+1:]...)
			return true
		}
	}
	return false
}

// DetachAllEffects removes every effect attached directly to n
// (never ancestors) and returns what was removed.
func (n *Node) DetachAllEffects() []*effect.Effect {
	n.mu.Lock()
	defer n.mu.Unlock()
	removed := n.effects
	n.effects = nil
	return removed
}

// Effect looks up the (kind, suffix) effect attached directly to n.
func (n *Node) Effect(kind effect.Kind, suffix string) (*effect.Effect, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, existing := range n.effects {
		if existing.Kind == kind && existing.Suffix == suffix {
			return existing, true
		}
	}
	return nil, false
}

// OwnEffects returns a copy of the effects attached directly to n,
// in attachment order.
func (n *Node) OwnEffects() []*effect.Effect {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*effect.Effect, len(n.effects))
	copy(out, n.effects)
	return out
}
