// Copyright 2026 The Broken Fuse Authors
// SPDX-License-Identifier: Apache-2.0

package effect

import (
	"context"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/dranikpg/brokenfuse/lib/clock"
	"github.com/dranikpg/brokenfuse/lib/rng"
)

func TestEvaluateSumsDelaysAndSleeps(t *testing.T) {
	fc := clock.Fake(epoch)
	a := mustNew(t, KindDelay, "a", `{"duration_ms":10}`, nil)
	b := mustNew(t, KindDelay, "b", `{"duration_ms":15}`, nil)

	backingCalled := false
	done := make(chan Outcome, 1)
	go func() {
		out := Evaluate(context.Background(), fc, rng.Fake(), []*Effect{a, b}, EvalContext{Op: OpWrite, Now: epoch}, func() syscall.Errno {
			backingCalled = true
			return 0
		})
		done <- out
	}()

	fc.WaitForTimers(1)
	fc.Advance(25 * time.Millisecond)

	out := <-done
	if out.Delayed != 25*time.Millisecond {
		t.Fatalf("Delayed = %v, want 25ms", out.Delayed)
	}
	if out.Failed {
		t.Fatalf("Failed = true, want false")
	}
	if !backingCalled {
		t.Fatal("backing was not called")
	}
}

func TestEvaluateFailShortCircuitsBacking(t *testing.T) {
	fc := clock.Fake(epoch)
	fail := mustNew(t, KindFlakey, "", `{"prob":1,"errno":5}`, nil)

	backingCalled := false
	out := Evaluate(context.Background(), fc, rng.Fake(0), []*Effect{fail}, EvalContext{Op: OpRead, Now: epoch}, func() syscall.Errno {
		backingCalled = true
		return 0
	})

	if !out.Failed || out.Errno != syscall.Errno(5) {
		t.Fatalf("out = %+v, want Failed with errno 5", out)
	}
	if backingCalled {
		t.Fatal("backing should not have been called after a Fail")
	}
}

func TestEvaluateDelayBeforeFailStillSleeps(t *testing.T) {
	fc := clock.Fake(epoch)
	delay := mustNew(t, KindDelay, "", `{"duration_ms":10}`, nil)
	fail := mustNew(t, KindFlakey, "", `{"prob":1,"errno":5}`, nil)

	done := make(chan Outcome, 1)
	go func() {
		out := Evaluate(context.Background(), fc, rng.Fake(0), []*Effect{delay, fail}, EvalContext{Op: OpRead, Now: epoch}, func() syscall.Errno {
			t.Error("backing should not be called")
			return 0
		})
		done <- out
	}()

	fc.WaitForTimers(1)
	fc.Advance(10 * time.Millisecond)

	out := <-done
	if out.Delayed != 10*time.Millisecond {
		t.Fatalf("Delayed = %v, want 10ms (earlier ancestor's delay still happens)", out.Delayed)
	}
	if !out.Failed {
		t.Fatal("expected Failed")
	}
}

func TestEvaluateCancellationDuringSleepYieldsEINTR(t *testing.T) {
	fc := clock.Fake(epoch)
	delay := mustNew(t, KindDelay, "", `{"duration_ms":1000}`, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Outcome, 1)
	go func() {
		out := Evaluate(ctx, fc, rng.Fake(), []*Effect{delay}, EvalContext{Op: OpRead, Now: epoch}, func() syscall.Errno {
			t.Error("backing should not be called after cancellation")
			return 0
		})
		done <- out
	}()

	fc.WaitForTimers(1)
	cancel()

	out := <-done
	if !out.Failed || out.Errno != syscall.EINTR {
		t.Fatalf("out = %+v, want Failed with EINTR", out)
	}
}

func TestEvaluateBackingErrorIsFailed(t *testing.T) {
	fc := clock.Fake(epoch)
	out := Evaluate(context.Background(), fc, rng.Fake(), nil, EvalContext{Op: OpRead, Now: epoch}, func() syscall.Errno {
		return syscall.ENOENT
	})
	if !out.Failed || out.Errno != syscall.ENOENT {
		t.Fatalf("out = %+v, want Failed with ENOENT", out)
	}
}

func TestEvaluateOpFilterExcludesNonMatchingEffects(t *testing.T) {
	fc := clock.Fake(epoch)
	writeOnly := mustNew(t, KindDelay, "", `{"duration_ms":10,"op":"w"}`, nil)

	out := Evaluate(context.Background(), fc, rng.Fake(), []*Effect{writeOnly}, EvalContext{Op: OpRead, Now: epoch}, func() syscall.Errno {
		return 0
	})
	if out.Delayed != 0 {
		t.Fatalf("Delayed = %v, want 0 (effect scoped to writes only)", out.Delayed)
	}
}

func TestEvaluateMaxSizeRollsBackOnLaterFailure(t *testing.T) {
	fc := clock.Fake(epoch)
	maxSize := mustNew(t, KindMaxSize, "", `{"limit":100}`, func() (int64, error) { return 0, nil })

	// First op reserves 80 bytes but the backing call fails.
	out := Evaluate(context.Background(), fc, rng.Fake(), []*Effect{maxSize}, EvalContext{Op: OpWrite, Length: 80, Now: epoch}, func() syscall.Errno {
		return syscall.EIO
	})
	if !out.Failed {
		t.Fatal("expected backing failure")
	}

	// A second 80-byte write should still fit, proving the reservation
	// from the failed op was rolled back rather than retained.
	out2 := Evaluate(context.Background(), fc, rng.Fake(), []*Effect{maxSize}, EvalContext{Op: OpWrite, Length: 80, Now: epoch}, func() syscall.Errno {
		return 0
	})
	if out2.Failed {
		t.Fatalf("second write unexpectedly failed: %+v", out2)
	}
}

func TestEvaluateHeatmapObservesEveryOpRegardlessOfOutcome(t *testing.T) {
	fc := clock.Fake(epoch)
	heatmap := mustNew(t, KindHeatmap, "", `{"align":1}`, nil)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		Evaluate(context.Background(), fc, rng.Fake(), []*Effect{heatmap}, EvalContext{Op: OpRead, Offset: 0, Length: 1, Now: epoch}, func() syscall.Errno { return 0 })
	}()
	go func() {
		defer wg.Done()
		Evaluate(context.Background(), fc, rng.Fake(), []*Effect{heatmap}, EvalContext{Op: OpWrite, Offset: 0, Length: 1, Now: epoch}, func() syscall.Errno { return syscall.EIO })
	}()
	wg.Wait()

	snap := heatmap.HeatmapSnapshot()
	if snap[0].ReadCount != 1 || snap[0].WriteCount != 1 {
		t.Fatalf("bucket 0 = %+v, want 1 read and 1 write", snap[0])
	}
}
