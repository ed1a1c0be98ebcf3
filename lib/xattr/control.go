// Copyright 2026 The Broken Fuse Authors
// SPDX-License-Identifier: Apache-2.0

package xattr

import (
	"encoding/json"
	"fmt"
	"strconv"
	"syscall"

	"github.com/dranikpg/brokenfuse/lib/backing"
	"github.com/dranikpg/brokenfuse/lib/clock"
	"github.com/dranikpg/brokenfuse/lib/effect"
	"github.com/dranikpg/brokenfuse/lib/node"
)

// Plane interprets control-plane requests against the node table.
// Methods return syscall errnos directly, matching the go-fuse xattr
// handler signatures, so the mount layer forwards results verbatim.
type Plane struct {
	Table   *node.Table
	Backing backing.Adapter
	Clock   clock.Clock
}

// Get serves getxattr for a (stripped) bf.* name.
func (p *Plane) Get(n *node.Node, name string) ([]byte, syscall.Errno) {
	switch name {
	case NameIno:
		return []byte(strconv.FormatUint(uint64(n.ID), 10)), 0

	case NameStats:
		value, err := json.Marshal(n.Counters.Snapshot())
		if err != nil {
			return nil, syscall.EIO
		}
		return value, 0

	case NameEffect:
		return renderEffectSet(n.OwnEffects())

	case NameEffectAll:
		return renderEffectSet(p.Table.EffectiveEffects(n.ID))
	}

	kind, suffix, err := ParseEffectName(name)
	if err != nil {
		return nil, syscall.ENODATA
	}
	e, ok := n.Effect(kind, suffix)
	if !ok {
		return nil, syscall.ENODATA
	}
	return renderEffect(e)
}

// Set serves setxattr for a (stripped) bf.* name. Parse or validation
// failure yields EINVAL with no state change.
func (p *Plane) Set(n *node.Node, name string, value []byte) syscall.Errno {
	switch name {
	case NameEffect, NameEffectAll:
		return syscall.EINVAL

	case NameStats:
		// Any value resets the counters.
		n.Counters.Reset()
		return 0

	case NameIno:
		return syscall.EINVAL
	}

	kind, suffix, err := ParseEffectName(name)
	if err != nil {
		return syscall.EINVAL
	}
	e, err := effect.New(kind, suffix, value, p.Clock.Now(), p.subtreeSizeFunc(n.ID))
	if err != nil {
		return syscall.EINVAL
	}
	n.AttachEffect(e)
	return 0
}

// Remove serves removexattr for a (stripped) bf.* name. Removing the
// catch-all bf.effect clears every effect on this node (never on
// ancestors) and is idempotent; removing a named effect that is not
// attached yields ENODATA with no state change.
func (p *Plane) Remove(n *node.Node, name string) syscall.Errno {
	switch name {
	case NameEffect:
		n.DetachAllEffects()
		return 0

	case NameEffectAll, NameStats, NameIno:
		return syscall.ENODATA
	}

	kind, suffix, err := ParseEffectName(name)
	if err != nil {
		return syscall.ENODATA
	}
	if !n.DetachEffect(kind, suffix) {
		return syscall.ENODATA
	}
	return 0
}

// ControlNames lists the control-plane attributes visible on n: the
// fixed names plus one bf.effect.<name> per attached effect. The mount
// layer appends the backing store's own xattr names after these.
func (p *Plane) ControlNames(n *node.Node) []string {
	names := []string{NameStats, NameIno}
	for _, e := range n.OwnEffects() {
		names = append(names, effectPrefix+e.Name())
	}
	return names
}

// subtreeSizeFunc builds the closure a MaxSize effect seeds its
// running estimate from. The node is resolved at call time, not
// capture time, so the estimate follows the attachment node across
// renames.
func (p *Plane) subtreeSizeFunc(id node.ID) effect.SubtreeSizeFunc {
	return func() (int64, error) {
		n, ok := p.Table.Get(id)
		if !ok {
			return 0, fmt.Errorf("%w: maxsize attachment node %d vanished", node.ErrInvariant, id)
		}
		return p.Backing.SubtreeSize(n.Backing)
	}
}

// renderEffectSet renders a list of effects as the object bf.effect
// and bf.effect/all return, keyed by "<kind>" or "<kind>-<suffix>".
// The input is ancestor-ordered (root first), so when an inherited and
// an own effect share a name the one nearest the node wins the key.
func renderEffectSet(effects []*effect.Effect) ([]byte, syscall.Errno) {
	set := make(map[string]json.RawMessage, len(effects))
	for _, e := range effects {
		value, errno := renderEffect(e)
		if errno != 0 {
			return nil, errno
		}
		set[e.Name()] = value
	}
	out, err := json.Marshal(set)
	if err != nil {
		return nil, syscall.EIO
	}
	return out, 0
}

// renderEffect renders one effect's getxattr value: the normalized
// configuration for most kinds, the accumulated bucket table for a
// Heatmap.
func renderEffect(e *effect.Effect) ([]byte, syscall.Errno) {
	if e.Kind == effect.KindHeatmap {
		return renderHeatmap(e)
	}
	value, err := e.MarshalConfig()
	if err != nil {
		return nil, syscall.EIO
	}
	return value, 0
}

// heatmapCell is one rendered bucket: {"r": N, "w": M} with zero
// counts omitted, keyed by the region's starting byte offset.
type heatmapCell struct {
	R uint64 `json:"r,omitempty"`
	W uint64 `json:"w,omitempty"`
}

func renderHeatmap(e *effect.Effect) ([]byte, syscall.Errno) {
	align := e.HeatmapAlign()
	buckets := e.HeatmapSnapshot()
	rendered := make(map[string]heatmapCell, len(buckets))
	for index, bucket := range buckets {
		key := strconv.FormatUint(index*align, 10)
		rendered[key] = heatmapCell{R: bucket.ReadCount, W: bucket.WriteCount}
	}
	out, err := json.Marshal(rendered)
	if err != nil {
		return nil, syscall.EIO
	}
	return out, 0
}
