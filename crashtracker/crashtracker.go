// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024 Datadog, Inc.

// Package crashtracker reports fatal signals of the host process to Datadog.
//
// Enable spawns a companion receiver process and hands it the read end of a
// pipe before any crash can happen. When a fatal signal arrives, the dying
// process writes a single fixed-size frame describing the crash to the pipe
// and re-raises the signal. The receiver outlives the host, decodes the
// frame, and uploads a crash report through the regular profile intake. No
// allocation, locking, or network activity happens in the dying process.
package crashtracker

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// State describes the crash tracking lifecycle. The first three states are
// observable in the host process; the last two describe the receiver working
// through a crash after the host is gone.
type State int32

const (
	// Disabled means no receiver is attached and fatal signals are not
	// intercepted.
	Disabled State = iota
	// Armed means the receiver is running and the crash channel is open.
	Armed
	// Triggered means a fatal signal arrived and the crash frame is being
	// written. At most one transition into Triggered happens per process.
	Triggered
	// ReceiverFinalizing means the frame was handed off and the host is
	// about to die; the receiver is building the crash report.
	ReceiverFinalizing
	// Done means the receiver uploaded (or gave up on) the crash report.
	Done
)

func (s State) String() string {
	switch s {
	case Disabled:
		return "disabled"
	case Armed:
		return "armed"
	case Triggered:
		return "triggered"
	case ReceiverFinalizing:
		return "receiver-finalizing"
	case Done:
		return "done"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Config carries everything the crash tracker and its receiver need. The
// zero value is not usable; Endpoint is required.
type Config struct {
	// ReceiverPath is the executable spawned as the crash receiver. When
	// empty the current executable is re-executed, which requires the host
	// program to call MaybeRunReceiver early in main.
	ReceiverPath string
	// Endpoint is the profile intake URL crash reports are uploaded to.
	Endpoint string
	// APIKey enables agentless upload of crash reports when set.
	APIKey string
	// Tags are attached to every crash report and embedded in the crash
	// frame itself so they survive the host process.
	Tags []string
	// Hostname is reported on the crash upload.
	Hostname string
	// UploadTimeout bounds the receiver's upload of a single crash report.
	UploadTimeout time.Duration
	// TracebackPath optionally names a file the host's runtime traceback is
	// written to (e.g. via redirected stderr). When set, the receiver parses
	// it and attaches the goroutine stacks to the crash report.
	TracebackPath string
}

func (c *Config) validate() error {
	if c.Endpoint == "" {
		return errors.New("crashtracker: Endpoint is required")
	}
	if c.UploadTimeout <= 0 {
		c.UploadTimeout = 10 * time.Second
	}
	return nil
}

// ErrAlreadyEnabled is returned by Enable when crash tracking is armed.
// Callers that want new settings must Disable first.
var ErrAlreadyEnabled = errors.New("crashtracker: already enabled")

var (
	mu     sync.Mutex
	active *tracker
)

// Enable arms crash tracking: it spawns the receiver, establishes the crash
// channel, pre-renders the crash frame, and installs the signal watcher.
// Only one tracker can be armed per process.
func Enable(cfg Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	if active != nil {
		return ErrAlreadyEnabled
	}
	t, err := arm(cfg)
	if err != nil {
		return err
	}
	active = t
	return nil
}

// Disable disarms crash tracking. The signal watcher is removed, the crash
// channel is closed so the receiver exits cleanly, and the receiver process
// is reaped. Disable is a no-op when nothing is armed.
func Disable() {
	mu.Lock()
	defer mu.Unlock()
	if active == nil {
		return
	}
	active.disarm(true)
	active = nil
}

// Refork re-arms crash tracking in a forked child. The parent's receiver and
// crash channel belong to the parent pid, so the child drops its inherited
// copies without reaping the parent's receiver and arms a fresh tracker with
// the same configuration. Non-nil tags replace the configured ones, so a
// crash report from the child carries the child's identity rather than the
// parent's. A no-op when crash tracking is not enabled.
func Refork(tags []string) error {
	mu.Lock()
	defer mu.Unlock()
	if active == nil {
		return nil
	}
	cfg := active.cfg
	if tags != nil {
		cfg.Tags = tags
	}
	active.disarm(false)
	active = nil
	t, err := arm(cfg)
	if err != nil {
		return err
	}
	active = t
	return nil
}

// Status reports the host-side crash tracking state.
func Status() State {
	mu.Lock()
	defer mu.Unlock()
	if active == nil {
		return Disabled
	}
	return active.state()
}
