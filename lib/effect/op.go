// Copyright 2026 The Broken Fuse Authors
// SPDX-License-Identifier: Apache-2.0

package effect

import "fmt"

// Op is a bitmask classifying an operation, or an effect's scope filter
// over operations. The zero value matches both kinds — an effect with no
// "op" field in its JSON config applies to reads and writes alike.
type Op uint8

const (
	OpRead Op = 1 << iota
	OpWrite
)

// OpBoth is the explicit "applies to everything" filter value. It is a
// different value from the zero filter but matches the same targets.
const OpBoth Op = OpRead | OpWrite

// Matches reports whether filter f applies to operation classification
// target. A zero filter (unset "op" field) matches every target.
func (f Op) Matches(target Op) bool {
	if f == 0 {
		return true
	}
	return f&target != 0
}

func (f Op) String() string {
	switch f {
	case 0, OpBoth:
		return "rw"
	case OpRead:
		return "r"
	case OpWrite:
		return "w"
	default:
		return fmt.Sprintf("op(%d)", uint8(f))
	}
}

// ParseOpFilter parses the "op" JSON field's value ("r", "w", or absent).
// An empty string means "unset" and yields the zero filter (both).
func ParseOpFilter(s string) (Op, error) {
	switch s {
	case "":
		return 0, nil
	case "r":
		return OpRead, nil
	case "w":
		return OpWrite, nil
	default:
		return 0, fmt.Errorf("invalid op filter %q: must be \"r\" or \"w\"", s)
	}
}
