// Copyright 2026 The Broken Fuse Authors
// SPDX-License-Identifier: Apache-2.0

package effect

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dranikpg/brokenfuse/lib/rng"
)

// Effect is a tagged record attached to one node: a kind, kind-specific
// configuration, kind-specific mutable state, and the op scope filter.
// Identity within a node is (Kind, Suffix).
type Effect struct {
	Kind       Kind
	Suffix     string
	Op         Op
	Phase      Phase
	AttachedAt time.Time

	mu     sync.Mutex
	state  interface{} // PreEvaluator and/or PostObserver, per kind
	config interface{} // normalized config struct, for getfattr roundtrip
}

// Name returns the xattr-facing identity: "<kind>" or "<kind>-<suffix>".
func (e *Effect) Name() string {
	if e.Suffix == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + "-" + e.Suffix
}

// MarshalConfig renders the effect's normalized configuration. Field
// order and defaults are fixed by the config struct's definition, so
// repeated calls are byte-identical regardless of how the original
// setxattr value ordered its fields — this is what makes
// setfattr(name, v); getfattr(name) == normalize(v) hold.
func (e *Effect) MarshalConfig() ([]byte, error) {
	return json.Marshal(e.config)
}

// SubtreeSizeFunc computes the live backing byte size of the subtree
// rooted at a MaxSize effect's attachment node. Injected by the xattr
// control plane (which owns the node table and backing adapter) so
// lib/effect never imports lib/node, avoiding node → effect → node.
type SubtreeSizeFunc func() (int64, error)

// New parses value against kind's schema and constructs the attached
// Effect. suffix is the xattr suffix (empty for the default identity).
// subtreeSize is required for KindMaxSize and ignored otherwise.
func New(kind Kind, suffix string, value []byte, now time.Time, subtreeSize SubtreeSizeFunc) (*Effect, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown effect kind %q", kind)
	}

	switch kind {
	case KindDelay:
		cfg, err := parseDelayConfig(value)
		if err != nil {
			return nil, err
		}
		return &Effect{
			Kind: kind, Suffix: suffix, Op: cfg.opFilter, Phase: PhasePre,
			AttachedAt: now, state: newDelayState(cfg), config: cfg,
		}, nil

	case KindFlakey:
		cfg, err := parseFlakeyConfig(value)
		if err != nil {
			return nil, err
		}
		return &Effect{
			Kind: kind, Suffix: suffix, Op: cfg.opFilter, Phase: PhasePre,
			AttachedAt: now, state: newFlakeyState(cfg, now), config: cfg,
		}, nil

	case KindMaxSize:
		cfg, err := parseMaxSizeConfig(value)
		if err != nil {
			return nil, err
		}
		if subtreeSize == nil {
			return nil, fmt.Errorf("maxsize effect requires a subtree size source")
		}
		return &Effect{
			Kind: kind, Suffix: suffix, Op: OpWrite, Phase: PhasePre,
			AttachedAt: now, state: newMaxSizeState(cfg, subtreeSize), config: cfg,
		}, nil

	case KindHeatmap:
		cfg, err := parseHeatmapConfig(value)
		if err != nil {
			return nil, err
		}
		return &Effect{
			Kind: kind, Suffix: suffix, Op: OpBoth, Phase: PhasePost,
			AttachedAt: now, state: newHeatmapState(cfg), config: cfg,
		}, nil

	case KindQuota:
		cfg, err := parseQuotaConfig(value)
		if err != nil {
			return nil, err
		}
		return &Effect{
			Kind: kind, Suffix: suffix, Op: OpBoth, Phase: PhasePre,
			AttachedAt: now, state: newQuotaState(cfg), config: cfg,
		}, nil

	default:
		return nil, fmt.Errorf("unhandled effect kind %q", kind)
	}
}

// EvaluatePre runs the effect's pre-phase evaluator, if it has one,
// under the effect's own lock. The lock is held only to compute the
// Action; any sleep or backing call happens after it is released.
func (e *Effect) EvaluatePre(ctx EvalContext, source rng.Source) Action {
	evaluator, ok := e.state.(PreEvaluator)
	if !ok {
		return Continue
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return evaluator.EvaluatePre(ctx, source)
}

// ObservePost runs the effect's post-phase observer, if it has one.
func (e *Effect) ObservePost(ctx EvalContext, failed bool) {
	observer, ok := e.state.(PostObserver)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	observer.ObservePost(ctx, failed)
}

// Reseed forces a MaxSize effect to recompute its subtree size
// estimate on its next evaluation. A no-op for every other kind.
func (e *Effect) Reseed() {
	reseeder, ok := e.state.(Reseeder)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	reseeder.Reseed()
}

// HeatmapAlign returns a Heatmap effect's bucket size in bytes, or 0
// if this effect is not a Heatmap. Bucket indexes in HeatmapSnapshot
// multiply by this to recover the region's starting byte offset.
func (e *Effect) HeatmapAlign() uint64 {
	hs, ok := e.state.(*heatmapState)
	if !ok {
		return 0
	}
	return hs.align
}

// HeatmapSnapshot returns the bucket table for a Heatmap effect, or nil
// if this effect is not a Heatmap. Used by the xattr control plane to
// render "getfattr -n bf.effect.heatmap".
func (e *Effect) HeatmapSnapshot() map[uint64]HeatmapBucket {
	hs, ok := e.state.(*heatmapState)
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return hs.snapshot()
}
