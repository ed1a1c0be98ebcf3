// Copyright 2026 The Broken Fuse Authors
// SPDX-License-Identifier: Apache-2.0

package effect

import (
	"context"
	"syscall"
	"time"

	"github.com/dranikpg/brokenfuse/lib/clock"
	"github.com/dranikpg/brokenfuse/lib/rng"
)

// Outcome is the net result of running the effects attached to an
// operation's ancestor chain through the backing call.
type Outcome struct {
	// Errno is the error the caller should surface, or 0 on success.
	Errno syscall.Errno
	// Delayed is the total delay the pre-phase effects requested before
	// the backing call. When the sleep was cancelled, less time than
	// this was actually spent asleep.
	Delayed time.Duration
	// Failed reports whether the op did not reach, or did not survive,
	// the backing call — from an injected Fail, a cancelled delay, or
	// the backing call itself returning an error.
	Failed bool
}

// BackingCall invokes the real filesystem operation and reports its
// result as a syscall errno (0 on success).
type BackingCall func() syscall.Errno

// Evaluate runs one inbound op through effects, an ancestor-ordered
// list of the effects attached along the op's node and all of its
// ancestors (root first, then by attachment time within a node).
//
// Pre-phase evaluators run first, in order, summing any Delay actions
// and stopping at the first Fail. The accumulated delay is always
// slept — even past a Fail, since the ancestors before it already
// "happened" — through an interruptible sleep: cancellation during
// that sleep is treated exactly like an injected Fail (EINTR),
// unifying the two paths. If nothing failed and the sleep completed,
// backing is called. Finally the post-phase observers run, given the
// final failed/ok verdict: every op-matching Heatmap records the
// access, and each MaxSize/Quota whose pre phase reserved volume can
// roll that reservation back. A pre-phase effect that issued the Fail,
// or that was skipped after it, reserved nothing and is not observed.
func Evaluate(ctx context.Context, clk clock.Clock, source rng.Source, effects []*Effect, ec EvalContext, backing BackingCall) Outcome {
	applicable := make([]*Effect, 0, len(effects))
	for _, e := range effects {
		if e.Op.Matches(ec.Op) {
			applicable = append(applicable, e)
		}
	}

	var totalDelay time.Duration
	failed := false
	var failErrno syscall.Errno
	// reserved counts the leading applicable effects whose pre phase ran
	// without failing; only those can hold a MaxSize/Quota reservation.
	reserved := 0

	for i, e := range applicable {
		if failed {
			break
		}
		action := e.EvaluatePre(ec, source)
		switch action.Kind {
		case ActionDelay:
			totalDelay += action.Delay
		case ActionFail:
			failed = true
			failErrno = action.Errno
		}
		if !failed {
			reserved = i + 1
		}
	}

	if totalDelay > 0 {
		if err := clk.SleepContext(ctx, totalDelay); err != nil {
			failed = true
			failErrno = syscall.EINTR
		}
	}

	if !failed {
		if errno := backing(); errno != 0 {
			failed = true
			failErrno = errno
		}
	}

	for i, e := range applicable {
		if e.Phase == PhasePre && i >= reserved {
			continue
		}
		e.ObservePost(ec, failed)
	}

	return Outcome{Errno: failErrno, Delayed: totalDelay, Failed: failed}
}
