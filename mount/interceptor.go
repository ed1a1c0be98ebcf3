// Copyright 2026 The Broken Fuse Authors
// SPDX-License-Identifier: Apache-2.0

package mount

import (
	"context"
	"syscall"

	"github.com/dranikpg/brokenfuse/lib/effect"
	"github.com/dranikpg/brokenfuse/lib/node"
)

// interceptedCall performs the real backing operation. It returns the
// op's accounted volume (bytes actually read or written; 0 for ops
// without a natural volume) and an errno.
type interceptedCall func() (int64, syscall.Errno)

// intercept runs one data-carrying op through the effect pipeline:
// gather the effective effect chain for n (ancestors first), run pre
// effects, sleep any accumulated delay, invoke the backing call unless
// short-circuited, run post effects, and update n's counters last.
//
// offset and length describe the op for effect evaluation (Heatmap
// buckets, MaxSize/Quota reservations); the volume returned by call is
// what lands in the read/write volume counters, so a short read at EOF
// is accounted at its true size.
func (s *fsState) intercept(ctx context.Context, n *node.Node, op effect.Op, offset, length int64, call interceptedCall) syscall.Errno {
	effects := s.table.EffectiveEffects(n.ID)
	ec := effect.EvalContext{Op: op, Offset: offset, Length: length, Now: s.clock.Now()}

	var volume int64
	outcome := effect.Evaluate(ctx, s.clock, s.rng, effects, ec, func() syscall.Errno {
		v, errno := call()
		volume = v
		return errno
	})

	if outcome.Failed {
		n.Counters.AddError()
		return outcome.Errno
	}
	if op == effect.OpWrite {
		n.Counters.AddWrite(volume)
	} else {
		n.Counters.AddRead(volume)
	}
	return 0
}
