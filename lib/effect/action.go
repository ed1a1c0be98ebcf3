// Copyright 2026 The Broken Fuse Authors
// SPDX-License-Identifier: Apache-2.0

package effect

import (
	"syscall"
	"time"
)

// ActionKind is the result of one pre-phase effect evaluation.
type ActionKind uint8

const (
	// ActionContinue means the effect has nothing to say about this op.
	ActionContinue ActionKind = iota
	// ActionFail means the op should be failed with Errno without
	// reaching the backing store.
	ActionFail
	// ActionDelay means the op should sleep for Delay before continuing
	// (on to the next pre effect, and eventually the backing call).
	ActionDelay
)

// Action is what a PreEvaluator returns for one op.
type Action struct {
	Kind  ActionKind
	Errno syscall.Errno
	Delay time.Duration
}

// Continue is the no-op Action.
var Continue = Action{Kind: ActionContinue}

// Fail builds a Fail Action for the given errno.
func Fail(errno syscall.Errno) Action {
	return Action{Kind: ActionFail, Errno: errno}
}

// DelayBy builds a Delay Action.
func DelayBy(d time.Duration) Action {
	return Action{Kind: ActionDelay, Delay: d}
}
