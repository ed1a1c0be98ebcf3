// Copyright 2026 The Broken Fuse Authors
// SPDX-License-Identifier: Apache-2.0

// Package xattr is the bf.* control plane: the interpreter for the
// extended-attribute names used to create, inspect, and remove effects
// and to read or reset per-node counters. Every other xattr name
// passes through to the backing store untouched, so host xattrs
// coexist with the control plane.
package xattr

import (
	"fmt"
	"strings"

	"github.com/dranikpg/brokenfuse/lib/effect"
)

// Recognized control names. All live under bf.; hosts that require
// the user. namespace prefix get it stripped by Strip before dispatch.
const (
	NameEffect    = "bf.effect"
	NameEffectAll = "bf.effect/all"
	NameStats     = "bf.stats"
	NameIno       = "bf.ino"

	controlPrefix = "bf."
	effectPrefix  = "bf.effect."
	userPrefix    = "user."
)

// Strip removes the host-mandated user. namespace prefix, if present,
// so "user.bf.effect.delay" and "bf.effect.delay" dispatch the same.
func Strip(name string) string {
	return strings.TrimPrefix(name, userPrefix)
}

// IsControl reports whether the (already stripped) name belongs to the
// control plane rather than the backing store.
func IsControl(name string) bool {
	return strings.HasPrefix(name, controlPrefix)
}

// ParseEffectName splits "bf.effect.<kind>" or "bf.effect.<kind>-<suffix>"
// into its identity. The first dash separates kind from suffix; the
// suffix itself may contain further dashes.
func ParseEffectName(name string) (effect.Kind, string, error) {
	rest := strings.TrimPrefix(name, effectPrefix)
	if rest == name || rest == "" {
		return "", "", fmt.Errorf("not an effect attribute: %q", name)
	}
	kindPart := rest
	suffix := ""
	if i := strings.IndexByte(rest, '-'); i >= 0 {
		kindPart, suffix = rest[:i], rest[i+1:]
	}
	kind := effect.Kind(kindPart)
	if !kind.Valid() {
		return "", "", fmt.Errorf("unknown effect kind %q in %q", kindPart, name)
	}
	return kind, suffix, nil
}
