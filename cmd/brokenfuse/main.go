// Copyright 2026 The Broken Fuse Authors
// SPDX-License-Identifier: Apache-2.0

// brokenfuse mounts a fault-injection passthrough filesystem over a
// backing directory (or an initially-empty in-memory tree) for testing
// application behavior under I/O faults.
//
// Usage:
//
//	brokenfuse <mountpoint> [--backing <dir>]
//
// Effects are attached to paths after mounting via bf.* extended
// attributes, e.g.:
//
//	setfattr -n bf.effect.delay -v '{"duration_ms":1000,"op":"r"}' /mnt/t.txt
//
// Exit codes: 0 on clean unmount, 1 on argument error, 2 on mount
// failure, 3 on backing-store failure during mount, 10 on an internal
// invariant violation.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/dranikpg/brokenfuse/lib/backing"
	"github.com/dranikpg/brokenfuse/lib/rng"
	"github.com/dranikpg/brokenfuse/mount"
)

// Exit code 10 (internal invariant violation) is issued by the mount
// package itself; the serving goroutines cannot unwind back here.
const (
	exitUsage   = 1
	exitMount   = 2
	exitBacking = 3
)

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) ExitCode() int { return e.code }
func (e *exitError) Unwrap() error { return e.err }

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if coder, ok := err.(interface{ ExitCode() int }); ok {
			os.Exit(coder.ExitCode())
		}
		os.Exit(1)
	}
}

func run() error {
	var backingDir string
	var allowOther bool
	var logLevel string

	flagSet := pflag.NewFlagSet("brokenfuse", pflag.ContinueOnError)
	flagSet.StringVar(&backingDir, "backing", "", "backing directory (default: in-memory synthetic tree)")
	flagSet.BoolVar(&allowOther, "allow-other", false, "permit other users to access the mount")
	flagSet.StringVar(&logLevel, "log-level", envOr("BF_LOG_LEVEL", "info"), "log level: debug, info, warn, error")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return nil
		}
		return &exitError{code: exitUsage, err: err}
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}

	args := flagSet.Args()
	if len(args) != 1 {
		return &exitError{code: exitUsage, err: fmt.Errorf("expected exactly one mountpoint argument, got %d", len(args))}
	}
	mountpoint := args[0]

	level, err := parseLogLevel(logLevel)
	if err != nil {
		return &exitError{code: exitUsage, err: err}
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	var seed *int64
	if raw, ok := os.LookupEnv("BF_SEED"); ok {
		parsed, err := rng.ParseSeed(raw)
		if err != nil {
			return &exitError{code: exitUsage, err: fmt.Errorf("invalid BF_SEED %q: %w", raw, err)}
		}
		seed = &parsed
		logger.Info("seeding RNG from BF_SEED", "seed", parsed)
	}

	var adapter backing.Adapter
	if backingDir != "" {
		local, err := backing.NewLocal(backingDir)
		if err != nil {
			return &exitError{code: exitBacking, err: err}
		}
		adapter = local
	} else {
		adapter = backing.NewMemory(nil)
	}

	server, err := mount.Mount(mount.Options{
		Mountpoint: mountpoint,
		Backing:    adapter,
		RNG:        rng.Real(seed),
		AllowOther: allowOther,
		Logger:     logger,
	})
	if err != nil {
		return &exitError{code: exitMount, err: err}
	}

	serverDone := make(chan struct{})
	go func() {
		server.Wait()
		close(serverDone)
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)

	select {
	case <-serverDone:
		// Unmounted externally (fusermount -u).
	case sig := <-signals:
		logger.Info("unmounting on signal", "signal", sig.String())
		if err := server.Unmount(); err != nil {
			logger.Error("unmount failed", "error", err)
		}
		<-serverDone
	}

	logger.Info("unmounted", "mountpoint", mountpoint)
	return nil
}

func envOr(name, fallback string) string {
	if value, ok := os.LookupEnv(name); ok {
		return value
	}
	return fallback
}

func parseLogLevel(s string) (slog.Level, error) {
	switch s {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level %q", s)
	}
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Println("Usage: brokenfuse <mountpoint> [--backing <dir>]")
	fmt.Println()
	fmt.Println("Mount a fault-injection passthrough filesystem. Without --backing,")
	fmt.Println("the backing store is an initially-empty in-memory tree.")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Print(flagSet.FlagUsages())
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  BF_SEED       64-bit integer seed for deterministic fault injection")
	fmt.Println("  BF_LOG_LEVEL  default for --log-level")
}
