// Copyright 2026 The Broken Fuse Authors
// SPDX-License-Identifier: Apache-2.0

package effect

import (
	"fmt"
	"syscall"
	"time"

	"github.com/dranikpg/brokenfuse/lib/rng"
)

// defaultFlakeyErrno is EIO, used when the config omits errno.
const defaultFlakeyErrno = syscall.EIO

// flakeyConfig is one of the two disjoint Flakey shapes: probabilistic
// (Prob set) or windowed (Avail/Unavail set). Exactly one must be
// present; combining prob with avail/unavail is an error.
type flakeyConfig struct {
	Prob    *float64 `json:"prob,omitempty"`
	Avail   *uint32  `json:"avail,omitempty"`
	Unavail *uint32  `json:"unavail,omitempty"`
	Errno   int32    `json:"errno"`
	Op      string   `json:"op,omitempty"`

	opFilter Op `json:"-"`
}

func parseFlakeyConfig(value []byte) (flakeyConfig, error) {
	var raw struct {
		Prob    *float64 `json:"prob,omitempty"`
		Avail   *uint32  `json:"avail,omitempty"`
		Unavail *uint32  `json:"unavail,omitempty"`
		Errno   *int32   `json:"errno,omitempty"`
		Op      string   `json:"op,omitempty"`
	}
	if err := decodeStrict(value, &raw); err != nil {
		return flakeyConfig{}, err
	}

	windowed := raw.Avail != nil || raw.Unavail != nil
	if raw.Prob != nil && windowed {
		return flakeyConfig{}, fmt.Errorf("flakey: prob cannot be combined with avail/unavail")
	}
	if raw.Prob == nil && !windowed {
		return flakeyConfig{}, fmt.Errorf("flakey: prob is required when avail/unavail are absent")
	}
	if windowed && (raw.Avail == nil || raw.Unavail == nil) {
		return flakeyConfig{}, fmt.Errorf("flakey: avail and unavail must both be set")
	}
	if raw.Prob != nil && (*raw.Prob < 0 || *raw.Prob > 1) {
		return flakeyConfig{}, fmt.Errorf("flakey: prob must be in [0,1]")
	}

	errno := int32(defaultFlakeyErrno)
	if raw.Errno != nil {
		errno = *raw.Errno
	}

	filter, err := ParseOpFilter(raw.Op)
	if err != nil {
		return flakeyConfig{}, fmt.Errorf("flakey: %w", err)
	}

	cfg := flakeyConfig{Errno: errno, Op: raw.Op, opFilter: filter}
	cfg.Prob = raw.Prob
	cfg.Avail = raw.Avail
	cfg.Unavail = raw.Unavail
	return cfg, nil
}

type flakeyState struct {
	windowed    bool
	prob        float64
	avail       time.Duration
	unavail     time.Duration
	windowStart time.Time
	errno       syscall.Errno
}

func newFlakeyState(cfg flakeyConfig, attachedAt time.Time) *flakeyState {
	s := &flakeyState{errno: syscall.Errno(cfg.Errno)}
	if cfg.Prob != nil {
		s.prob = *cfg.Prob
		return s
	}
	s.windowed = true
	s.avail = time.Duration(*cfg.Avail) * time.Millisecond
	s.unavail = time.Duration(*cfg.Unavail) * time.Millisecond
	s.windowStart = attachedAt
	return s
}

func (s *flakeyState) EvaluatePre(ctx EvalContext, source rng.Source) Action {
	if s.windowed {
		period := s.avail + s.unavail
		if period <= 0 {
			return Continue
		}
		elapsed := ctx.Now.Sub(s.windowStart)
		if elapsed < 0 {
			elapsed = 0
		}
		position := elapsed % period
		if position >= s.avail {
			return Fail(s.errno)
		}
		return Continue
	}

	if source.Float64() < s.prob {
		return Fail(s.errno)
	}
	return Continue
}
