// Copyright 2026 The Broken Fuse Authors
// SPDX-License-Identifier: Apache-2.0

package node

import "sync/atomic"

// Counters is a node's cumulative op tally: {reads, read_volume, writes,
// write_volume, errors}. All fields are updated with
// atomic instructions so readers never take the node lock.
type Counters struct {
	reads       uint64
	readVolume  uint64
	writes      uint64
	writeVolume uint64
	errors      uint64
}

// Snapshot is the JSON-facing rendering of Counters, returned by
// bf.stats on get.
type Snapshot struct {
	Reads       uint64 `json:"reads"`
	ReadVolume  uint64 `json:"read_volume"`
	Writes      uint64 `json:"writes"`
	WriteVolume uint64 `json:"write_volume"`
	Errors      uint64 `json:"errors"`
}

// AddRead records a successful read of length bytes.
func (c *Counters) AddRead(length int64) {
	atomic.AddUint64(&c.reads, 1)
	if length > 0 {
		atomic.AddUint64(&c.readVolume, uint64(length))
	}
}

// AddWrite records a successful write of length bytes.
func (c *Counters) AddWrite(length int64) {
	atomic.AddUint64(&c.writes, 1)
	if length > 0 {
		atomic.AddUint64(&c.writeVolume, uint64(length))
	}
}

// AddError records a failed op, regardless of whether it was a read
// or a write: errors count any failure.
func (c *Counters) AddError() {
	atomic.AddUint64(&c.errors, 1)
}

// Snapshot returns the current counter values.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		Reads:       atomic.LoadUint64(&c.reads),
		ReadVolume:  atomic.LoadUint64(&c.readVolume),
		Writes:      atomic.LoadUint64(&c.writes),
		WriteVolume: atomic.LoadUint64(&c.writeVolume),
		Errors:      atomic.LoadUint64(&c.errors),
	}
}

// Reset zeroes all counters. Called by bf.stats on set; the written
// value is ignored.
func (c *Counters) Reset() {
	atomic.StoreUint64(&c.reads, 0)
	atomic.StoreUint64(&c.readVolume, 0)
	atomic.StoreUint64(&c.writes, 0)
	atomic.StoreUint64(&c.writeVolume, 0)
	atomic.StoreUint64(&c.errors, 0)
}
