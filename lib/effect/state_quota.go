// Copyright 2026 The Broken Fuse Authors
// SPDX-License-Identifier: Apache-2.0

package effect

import (
	"fmt"
	"syscall"

	"github.com/dranikpg/brokenfuse/lib/rng"
)

// quotaConfig is the {"limit": <u64>, "align": <u64>} schema. Unlike
// MaxSize, Quota scopes to both reads and writes (Effect.Op is
// hardcoded to OpBoth in New) and tracks cumulative I/O volume since
// attach, not a backing byte size.
type quotaConfig struct {
	Limit uint64 `json:"limit"`
	Align uint64 `json:"align"`
}

func parseQuotaConfig(value []byte) (quotaConfig, error) {
	var raw struct {
		Limit *uint64 `json:"limit"`
		Align *uint64 `json:"align"`
	}
	if err := decodeStrict(value, &raw); err != nil {
		return quotaConfig{}, err
	}
	if raw.Limit == nil {
		return quotaConfig{}, fmt.Errorf("quota: limit is required")
	}
	if raw.Align == nil || *raw.Align == 0 {
		return quotaConfig{}, fmt.Errorf("quota: align must be a positive integer")
	}
	return quotaConfig{Limit: *raw.Limit, Align: *raw.Align}, nil
}

// quotaState tracks cumulative reserved I/O volume, each op's length
// rounded up to align, against a fixed budget starting at zero at
// attach time (no backing recompute, unlike MaxSize).
type quotaState struct {
	limit uint64
	align uint64
	used  uint64
}

func newQuotaState(cfg quotaConfig) *quotaState {
	return &quotaState{limit: cfg.Limit, align: cfg.Align}
}

func roundUp(length, align uint64) uint64 {
	if align <= 1 {
		return length
	}
	remainder := length % align
	if remainder == 0 {
		return length
	}
	return length + (align - remainder)
}

func (s *quotaState) EvaluatePre(ctx EvalContext, source rng.Source) Action {
	if ctx.Length <= 0 {
		return Continue
	}
	volume := roundUp(uint64(ctx.Length), s.align)
	if s.used+volume > s.limit {
		return Fail(syscall.EDQUOT)
	}
	s.used += volume
	return Continue
}

func (s *quotaState) ObservePost(ctx EvalContext, failed bool) {
	if !failed || ctx.Length <= 0 {
		return
	}
	volume := roundUp(uint64(ctx.Length), s.align)
	if volume > s.used {
		s.used = 0
		return
	}
	s.used -= volume
}
