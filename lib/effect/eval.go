// Copyright 2026 The Broken Fuse Authors
// SPDX-License-Identifier: Apache-2.0

package effect

import (
	"time"

	"github.com/dranikpg/brokenfuse/lib/rng"
)

// EvalContext describes one inbound operation to an effect's evaluator.
// The same EvalContext is passed to both the pre and post phase of a
// single op, so a PostObserver can recompute whatever a matching
// PreEvaluator derived from Offset/Length (e.g. Quota's rounded volume)
// without threading extra state through the composition driver.
type EvalContext struct {
	// Op classifies the inbound operation (OpRead or OpWrite).
	Op Op
	// Offset is the byte offset of the operation. Zero for operations
	// without a natural offset.
	Offset int64
	// Length is the byte length of the operation.
	Length int64
	// Now is the wall-clock time the op was received, supplied by the
	// daemon's Clock so windowed Flakey evaluation is deterministic
	// under a fake clock.
	Now time.Time
}

// PreEvaluator is implemented by Delay, Flakey, MaxSize, and Quota
// state. It runs before the backing call and may delay or fail the op.
type PreEvaluator interface {
	EvaluatePre(ctx EvalContext, source rng.Source) Action
}

// PostObserver is implemented by Heatmap (always) and by MaxSize/Quota
// (to roll back an optimistic reservation when the op ultimately
// failed). It runs after the backing call and cannot change the
// op's outcome.
type PostObserver interface {
	ObservePost(ctx EvalContext, failed bool)
}

// Reseeder is implemented by MaxSize state. It discards any cached
// backing-derived estimate so the next evaluation recomputes it —
// used by the node table to rebalance a MaxSize subtree sum when a
// rename moves bytes across its boundary.
type Reseeder interface {
	Reseed()
}
