// Copyright 2026 The Broken Fuse Authors
// SPDX-License-Identifier: Apache-2.0

package effect

import "fmt"

// heatmapConfig is the {"align": <u32>} schema. align is the bucket
// size in bytes; offsets are grouped by offset/align.
type heatmapConfig struct {
	Align uint32 `json:"align"`
}

func parseHeatmapConfig(value []byte) (heatmapConfig, error) {
	var raw struct {
		Align *uint32 `json:"align"`
	}
	if err := decodeStrict(value, &raw); err != nil {
		return heatmapConfig{}, err
	}
	if raw.Align == nil || *raw.Align == 0 {
		return heatmapConfig{}, fmt.Errorf("heatmap: align must be a positive integer")
	}
	return heatmapConfig{Align: *raw.Align}, nil
}

// HeatmapBucket is the per-region access tally exposed through
// bf.effect.heatmap[-suffix].
type HeatmapBucket struct {
	ReadCount  uint64 `json:"reads"`
	WriteCount uint64 `json:"writes"`
}

// heatmapState accumulates access counts per aligned region. It has no
// mutex of its own: all access goes through Effect.mu (effect.go's
// ObservePost/HeatmapSnapshot), so a second lock here would be
// redundant.
type heatmapState struct {
	align   uint64
	buckets map[uint64]HeatmapBucket
}

func newHeatmapState(cfg heatmapConfig) *heatmapState {
	return &heatmapState{align: uint64(cfg.Align), buckets: make(map[uint64]HeatmapBucket)}
}

// ObservePost records the op against every bucket its byte range
// touches, including ops that ultimately failed: a heatmap answers
// "where is this filesystem being hit", and a failed op still hit it.
func (s *heatmapState) ObservePost(ctx EvalContext, failed bool) {
	length := ctx.Length
	if length <= 0 {
		length = 1
	}
	start := ctx.Offset
	if start < 0 {
		start = 0
	}
	end := start + length

	first := uint64(start) / s.align
	last := uint64(end-1) / s.align
	for bucket := first; bucket <= last; bucket++ {
		b := s.buckets[bucket]
		if ctx.Op == OpWrite {
			b.WriteCount++
		} else {
			b.ReadCount++
		}
		s.buckets[bucket] = b
	}
}

func (s *heatmapState) snapshot() map[uint64]HeatmapBucket {
	out := make(map[uint64]HeatmapBucket, len(s.buckets))
	for k, v := range s.buckets {
		out[k] = v
	}
	return out
}
