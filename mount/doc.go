// Copyright 2026 The Broken Fuse Authors
// SPDX-License-Identifier: Apache-2.0

// Package mount implements the Broken Fuse filesystem: a FUSE
// passthrough over a backing store that interposes fault-injection
// effects attached to paths via bf.* extended attributes.
//
// Every inbound operation is served by one worker goroutine from the
// FUSE kernel channel. Data-carrying operations consult the effect
// engine before and after the backing call:
//
//   - pre effects (Delay, Flakey, MaxSize, Quota) run ancestors-first
//     and may sleep or fail the op before it reaches the backing store
//   - the backing adapter performs the real operation
//   - post effects (Heatmap) observe the outcome
//   - the op node's counters are updated last
//
// Metadata-only operations (getattr, lookup) bypass effect evaluation.
// Xattr operations on bf.* names are routed to the control plane
// (lib/xattr) and never trigger effects; all other xattr names pass
// through to the backing store.
//
// # Interruption
//
// If the kernel interrupts an op while a Delay effect is sleeping, the
// sleep is cut short and the op fails with EINTR. No MaxSize/Quota
// reservation survives an interrupted op.
package mount
