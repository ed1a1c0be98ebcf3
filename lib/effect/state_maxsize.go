// Copyright 2026 The Broken Fuse Authors
// SPDX-License-Identifier: Apache-2.0

package effect

import (
	"fmt"
	"syscall"

	"github.com/dranikpg/brokenfuse/lib/rng"
)

// maxSizeConfig is the {"limit": <u64>} schema. MaxSize always scopes
// to writes only (Effect.Op is hardcoded in New), so there is no op
// field.
type maxSizeConfig struct {
	Limit uint64 `json:"limit"`
}

func parseMaxSizeConfig(value []byte) (maxSizeConfig, error) {
	var raw struct {
		Limit *uint64 `json:"limit"`
	}
	if err := decodeStrict(value, &raw); err != nil {
		return maxSizeConfig{}, err
	}
	if raw.Limit == nil {
		return maxSizeConfig{}, fmt.Errorf("maxsize: limit is required")
	}
	return maxSizeConfig{Limit: *raw.Limit}, nil
}

// maxSizeState tracks an optimistic running estimate of the attached
// subtree's backing byte size. The estimate is seeded lazily from the
// backing store on the first evaluated write, then adjusted in place:
// a write's length is added before the backing call and rolled back by
// ObservePost if the op ultimately failed. This slightly overcounts
// writes that only overwrite existing bytes rather than growing a
// file, which is the conservative, fail-safe direction for a quota.
type maxSizeState struct {
	subtreeSize SubtreeSizeFunc
	limit       uint64
	seeded      bool
	current     uint64
}

func newMaxSizeState(cfg maxSizeConfig, subtreeSize SubtreeSizeFunc) *maxSizeState {
	return &maxSizeState{subtreeSize: subtreeSize, limit: cfg.Limit}
}

func (s *maxSizeState) ensureSeeded() {
	if s.seeded {
		return
	}
	s.seeded = true
	if size, err := s.subtreeSize(); err == nil && size > 0 {
		s.current = uint64(size)
	}
}

func (s *maxSizeState) EvaluatePre(ctx EvalContext, source rng.Source) Action {
	s.ensureSeeded()
	if ctx.Length <= 0 {
		return Continue
	}
	growth := uint64(ctx.Length)
	if s.current+growth > s.limit {
		return Fail(syscall.ENOSPC)
	}
	s.current += growth
	return Continue
}

func (s *maxSizeState) ObservePost(ctx EvalContext, failed bool) {
	if !failed || ctx.Length <= 0 {
		return
	}
	growth := uint64(ctx.Length)
	if growth > s.current {
		s.current = 0
		return
	}
	s.current -= growth
}

// Reseed discards the cached subtree size estimate, forcing the next
// evaluation to recompute it from the backing store. Called by the
// node table on rename when a file crosses into or out of this
// effect's attachment subtree, so the moved bytes are reflected in
// the next check rather than silently miscounted.
func (s *maxSizeState) Reseed() {
	s.seeded = false
}
