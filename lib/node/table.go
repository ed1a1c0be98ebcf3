// Copyright 2026 The Broken Fuse Authors
// SPDX-License-Identifier: Apache-2.0

package node

import (
	"fmt"
	"path"
	"sync"

	"github.com/dranikpg/brokenfuse/lib/effect"
)

// ErrInvariant marks an internal invariant violation: node table
// desync, a node with no backing path, or any other state that
// correct operation can never reach. Wrapped with context and
// surfaced as a fatal error by the daemon.
var ErrInvariant = fmt.Errorf("node table invariant violated")

// Table is the mount's inode table: ID allocation and the single
// structural lock guarding insert/remove/rename. Effect-list
// mutation takes the affected node's own lock instead, never this
// one, preserving the node-table -> node -> effect lock order;
// counters are updated atomically and take no lock.
type Table struct {
	mu     sync.Mutex
	nextID ID
	nodes  map[ID]*Node
}

// NewTable creates a table containing only the mount root.
func NewTable() *Table {
	root := newNode(RootID, 0, "", "", true)
	return &Table{
		nextID: RootID + 1,
		nodes:  map[ID]*Node{RootID: root},
	}
}

// Root returns the mount root node.
func (t *Table) Root() *Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nodes[RootID]
}

// Get returns the node with the given ID, if it is still live.
func (t *Table) Get(id ID) (*Node, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[id]
	return n, ok
}

// Insert creates a new node as a child of parent and links it into
// the tree. name must not already name a child of parent.
func (t *Table) Insert(parent ID, name string, isDir bool, backing string) (*Node, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	parentNode, ok := t.nodes[parent]
	if !ok {
		return nil, fmt.Errorf("%w: insert into unknown parent %d", ErrInvariant, parent)
	}
	if _, exists := parentNode.children[name]; exists {
		return nil, fmt.Errorf("%w: %q already exists under node %d", ErrInvariant, name, parent)
	}

	id := t.nextID
	t.nextID++
	child := newNode(id, parent, name, backing, isDir)
	t.nodes[id] = child
	parentNode.children[name] = id
	return child, nil
}

// Lookup resolves name under parent without creating anything.
func (t *Table) Lookup(parent ID, name string) (*Node, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	parentNode, ok := t.nodes[parent]
	if !ok {
		return nil, false
	}
	id, ok := parentNode.children[name]
	if !ok {
		return nil, false
	}
	n, ok := t.nodes[id]
	return n, ok
}

// ChildNames returns a snapshot of id's child names, if id is a live
// directory.
func (t *Table) ChildNames(id ID) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[id]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	return names
}

// Remove unlinks id from its parent's child map and deletes it from
// the table. The caller is responsible for having already confirmed
// the node has no remaining kernel references.
func (t *Table) Remove(id ID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.nodes[id]
	if !ok {
		return fmt.Errorf("%w: remove unknown node %d", ErrInvariant, id)
	}
	parentNode, ok := t.nodes[n.Parent]
	if ok {
		delete(parentNode.children, n.Name)
	}
	delete(t.nodes, id)
	return nil
}

// Rename moves id to be named newName under newParent, updating the
// backing path of id and of every descendant. Effects stay attached
// to whatever node they were attached to — only node identity moves —
// but any MaxSize effect on an ancestor of the old or new location is
// reseeded, so its subtree-size estimate is recomputed from the
// backing store rather than silently miscounting bytes that just
// crossed its boundary. For accounting, a rename behaves like
// detach+attach: the moved bytes leave one subtree sum and enter the
// other.
func (t *Table) Rename(id ID, newParent ID, newName string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.nodes[id]
	if !ok {
		return fmt.Errorf("%w: rename unknown node %d", ErrInvariant, id)
	}
	oldParentNode, ok := t.nodes[n.Parent]
	if !ok {
		return fmt.Errorf("%w: rename source has unknown parent %d", ErrInvariant, n.Parent)
	}
	newParentNode, ok := t.nodes[newParent]
	if !ok {
		return fmt.Errorf("%w: rename target has unknown parent %d", ErrInvariant, newParent)
	}
	if _, exists := newParentNode.children[newName]; exists {
		return fmt.Errorf("%w: rename target %q already exists under node %d", ErrInvariant, newName, newParent)
	}

	oldAncestors := t.ancestorsLocked(n.Parent)
	newAncestors := t.ancestorsLocked(newParent)

	delete(oldParentNode.children, n.Name)
	newParentNode.children[newName] = id
	n.Parent = newParent
	n.Name = newName
	n.Backing = path.Join(newParentNode.Backing, newName)
	t.relabelDescendantsLocked(n)

	for _, ancestor := range append(oldAncestors, newAncestors...) {
		for _, e := range ancestor.OwnEffects() {
			e.Reseed()
		}
	}
	return nil
}

func (t *Table) relabelDescendantsLocked(n *Node) {
	for name, childID := range n.children {
		child, ok := t.nodes[childID]
		if !ok {
			continue
		}
		child.Backing = path.Join(n.Backing, name)
		t.relabelDescendantsLocked(child)
	}
}

// Ancestors returns id's proper ancestors, ordered from the mount
// root down to (but not including) id itself — the order
// compose.Evaluate needs for the ancestors-first, oldest-attachment-
// first composition rule once each node's own effects are appended.
func (t *Table) Ancestors(id ID) []*Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[id]
	if !ok {
		return nil
	}
	return t.ancestorsLocked(n.Parent)
}

func (t *Table) ancestorsLocked(parent ID) []*Node {
	var chain []*Node
	for {
		n, ok := t.nodes[parent]
		if !ok {
			break
		}
		chain = append(chain, n)
		if n.ID == RootID {
			break
		}
		parent = n.Parent
	}
	// reverse into root-first order
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

// EffectiveEffects returns every effect in force at id: its own
// ancestors' effects (root first) followed by id's own effects,
// oldest attachment first — the order compose.Evaluate iterates in.
func (t *Table) EffectiveEffects(id ID) []*effect.Effect {
	n, ok := t.Get(id)
	if !ok {
		return nil
	}
	var out []*effect.Effect
	for _, ancestor := range t.Ancestors(id) {
		out = append(out, ancestor.OwnEffects()...)
	}
	return append(out, n.OwnEffects()...)
}

// Descendants returns every node in the subtree rooted at id,
// including id itself, in no particular order. Subtree byte sums do
// not go through this walk: the xattr control plane asks the backing
// adapter's SubtreeSize instead.
func (t *Table) Descendants(id ID) []*Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[id]
	if !ok {
		return nil
	}
	var out []*Node
	var walk func(*Node)
	walk = func(cur *Node) {
		out = append(out, cur)
		for _, childID := range cur.children {
			if child, ok := t.nodes[childID]; ok {
				walk(child)
			}
		}
	}
	walk(n)
	return out
}

// Forget drops count kernel lookup references from id and, if the
// node has no remaining lookup or open references and is no longer
// reachable from its parent (i.e. it was unlinked), removes it from
// the table.
func (t *Table) Forget(id ID, count int) error {
	n, ok := t.Get(id)
	if !ok || id == RootID {
		return nil
	}
	remaining := n.DropLookupRef(count)
	reachable := t.reachable(n)

	if remaining == 0 && !reachable {
		n.mu.Lock()
		open := n.openCount
		n.mu.Unlock()
		if open == 0 {
			return t.forceRemove(id)
		}
	}
	return nil
}

// forceRemove deletes a node already unlinked from its parent's
// child map, used once both reference counts have drained.
func (t *Table) forceRemove(id ID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.nodes[id]; !ok {
		return nil
	}
	delete(t.nodes, id)
	return nil
}

// Unlink detaches name from parent's child map without yet deleting
// the child node from the table — the node may still have open
// handles or outstanding kernel lookup references — a node dies on
// unlink+close, not on unlink alone. Forget/ReleaseHandle
// complete the collection once both drain to zero.
//
// Any MaxSize effect on the parent chain is reseeded: the unlinked
// bytes no longer occupy the subtree, and the next check must see
// that freed space.
func (t *Table) Unlink(parent ID, name string) (*Node, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	parentNode, ok := t.nodes[parent]
	if !ok {
		return nil, fmt.Errorf("%w: unlink under unknown parent %d", ErrInvariant, parent)
	}
	id, ok := parentNode.children[name]
	if !ok {
		return nil, fmt.Errorf("%w: unlink unknown name %q under node %d", ErrInvariant, name, parent)
	}
	child := t.nodes[id]
	delete(parentNode.children, name)

	for _, ancestor := range t.ancestorsLocked(parent) {
		for _, e := range ancestor.OwnEffects() {
			e.Reseed()
		}
	}
	return child, nil
}

// ReseedAncestors forces every effect with a cached subtree estimate
// attached to id or its ancestors to recompute from the backing
// store. Called after operations that shrink backing sizes outside
// the effect engine's view (truncate).
func (t *Table) ReseedAncestors(id ID) {
	t.mu.Lock()
	n, ok := t.nodes[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	chain := append(t.ancestorsLocked(n.Parent), n)
	t.mu.Unlock()

	for _, ancestor := range chain {
		for _, e := range ancestor.OwnEffects() {
			e.Reseed()
		}
	}
}

// ReleaseHandle drops one open-file reference from id, collecting the
// node if it has already been unlinked and has no remaining lookup
// references.
func (t *Table) ReleaseHandle(id ID) error {
	n, ok := t.Get(id)
	if !ok {
		return nil
	}
	remaining := n.DropOpenRef()
	if remaining != 0 {
		return nil
	}

	reachable := t.reachable(n)
	n.mu.Lock()
	lookups := n.lookupCount
	n.mu.Unlock()

	if !reachable && lookups == 0 {
		return t.forceRemove(n.ID)
	}
	return nil
}

// reachable reports whether n is still linked into its parent's
// child map under that exact name — false once Unlink has run.
func (t *Table) reachable(n *Node) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	parentNode, ok := t.nodes[n.Parent]
	if !ok {
		return false
	}
	childID, ok := parentNode.children[n.Name]
	return ok && childID == n.ID
}
