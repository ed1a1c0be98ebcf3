// Copyright 2026 The Broken Fuse Authors
// SPDX-License-Identifier: Apache-2.0

package mount

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dranikpg/brokenfuse/lib/backing"
	"github.com/dranikpg/brokenfuse/lib/clock"
	"github.com/dranikpg/brokenfuse/lib/node"
	"github.com/dranikpg/brokenfuse/lib/rng"
	"github.com/dranikpg/brokenfuse/lib/xattr"
	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// Options configures the FUSE mount.
type Options struct {
	// Mountpoint is the directory where the filesystem is mounted.
	Mountpoint string

	// Backing is the store the mount forwards to. Required.
	Backing backing.Adapter

	// Clock supplies time for Delay sleeps and windowed Flakey
	// schedules. If nil, the wall clock is used.
	Clock clock.Clock

	// RNG supplies the uniform samples Flakey's probabilistic mode
	// draws. If nil, a source seeded from OS entropy is used.
	RNG rng.Source

	// AllowOther permits other users (including root) to access the
	// mount. Requires user_allow_other in /etc/fuse.conf.
	AllowOther bool

	// Logger receives diagnostic messages. If nil, a logger writing
	// only error-level messages to stderr is used. Effect-injected errors are
	// never logged; injecting failure is expected behavior.
	Logger *slog.Logger
}

// fsState is the shared daemon state every inode and file handle
// serves from.
type fsState struct {
	table   *node.Table
	backing backing.Adapter
	plane   *xattr.Plane
	clock   clock.Clock
	rng     rng.Source
	logger  *slog.Logger

	// fatal handles an internal invariant violation (node table
	// desync). The default logs and exits the daemon with code 10;
	// tests inject t.Fatal so a violation surfaces loudly instead of
	// killing the test binary.
	fatal func(error)
}

// Mount mounts the filesystem at the configured mountpoint. The
// caller must call Unmount on the returned Server when done. The
// mountpoint directory is created if it does not exist.
func Mount(options Options) (*fuse.Server, error) {
	if options.Mountpoint == "" {
		return nil, fmt.Errorf("mountpoint is required")
	}
	if options.Backing == nil {
		return nil, fmt.Errorf("backing adapter is required")
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.RNG == nil {
		options.RNG = rng.Real(nil)
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
	}

	if err := os.MkdirAll(options.Mountpoint, 0o755); err != nil {
		return nil, fmt.Errorf("creating mountpoint %s: %w", options.Mountpoint, err)
	}

	table := node.NewTable()
	state := &fsState{
		table:   table,
		backing: options.Backing,
		plane: &xattr.Plane{
			Table:   table,
			Backing: options.Backing,
			Clock:   options.Clock,
		},
		clock:  options.Clock,
		rng:    options.RNG,
		logger: options.Logger,
	}
	state.fatal = func(err error) {
		// The kernel tears the mount down when the FUSE connection
		// drops, so exiting is the unmount.
		state.logger.Error("internal invariant violation", "error", err)
		os.Exit(10)
	}

	root := &passthroughNode{fs: state, id: node.RootID}

	// Zero attribute caching: an effect attached or detached by one
	// process must be visible to the next op from any process, and a
	// stale cached size would hide a concurrent writer from MaxSize.
	// Data reads use FOPEN_DIRECT_IO (see Open) for the same reason.
	zero := time.Duration(0)

	server, err := gofuse.Mount(options.Mountpoint, root, &gofuse.Options{
		EntryTimeout:    &zero,
		AttrTimeout:     &zero,
		NegativeTimeout: &zero,
		MountOptions: fuse.MountOptions{
			FsName:     "brokenfuse",
			Name:       "brokenfuse",
			AllowOther: options.AllowOther,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mounting FUSE filesystem at %s: %w", options.Mountpoint, err)
	}

	options.Logger.Info("broken fuse filesystem mounted", "mountpoint", options.Mountpoint)
	return server, nil
}
