// Copyright 2026 The Broken Fuse Authors
// SPDX-License-Identifier: Apache-2.0

package effect

import (
	"fmt"
	"time"

	"github.com/dranikpg/brokenfuse/lib/rng"
)

// delayConfig is the {"duration_ms": <u32>, "op": "r"|"w"?} schema.
type delayConfig struct {
	DurationMS uint32 `json:"duration_ms"`
	Op         string `json:"op,omitempty"`

	opFilter Op `json:"-"`
}

func parseDelayConfig(value []byte) (delayConfig, error) {
	var raw struct {
		DurationMS *uint32 `json:"duration_ms"`
		Op         string  `json:"op,omitempty"`
	}
	if err := decodeStrict(value, &raw); err != nil {
		return delayConfig{}, err
	}
	if raw.DurationMS == nil {
		return delayConfig{}, fmt.Errorf("delay: duration_ms is required")
	}
	filter, err := ParseOpFilter(raw.Op)
	if err != nil {
		return delayConfig{}, fmt.Errorf("delay: %w", err)
	}
	return delayConfig{DurationMS: *raw.DurationMS, Op: raw.Op, opFilter: filter}, nil
}

type delayState struct {
	duration time.Duration
}

func newDelayState(cfg delayConfig) *delayState {
	return &delayState{duration: time.Duration(cfg.DurationMS) * time.Millisecond}
}

// EvaluatePre returns a Delay of the configured duration (Continue when
// the duration is zero); the op scope filter (Effect.Op) is checked by
// the composition driver before this is even called, so any call here
// means the op matched and the delay applies.
func (s *delayState) EvaluatePre(ctx EvalContext, source rng.Source) Action {
	if s.duration <= 0 {
		return Continue
	}
	return DelayBy(s.duration)
}
