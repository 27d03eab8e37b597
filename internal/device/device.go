// Copyright 2024 The DeviceLab Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package device abstracts the transport to the device under test.
//
// Two transports are supported: ADB for Android devices ("adb:host[:port]")
// and SSH for Linux devices ("[ssh://][user@]host[:port]").
package device

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/devicelab/harness/errors"
)

// CommandResult holds the outcome of a device command that ran to
// completion. A non-zero exit code is not an error at this layer; callers
// decide what it means.
type CommandResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Device is a connection to the device under test.
//
// Methods return *UnavailableError when the device cannot be reached;
// everything else is an operational error of the individual call.
type Device interface {
	// RunCommand runs a command on the device and waits for it to finish.
	RunCommand(ctx context.Context, name string, args ...string) (*CommandResult, error)
	// StreamCommand starts a command and returns a handle streaming its
	// stdout. The returned command must be waited on.
	StreamCommand(ctx context.Context, name string, args ...string) (StreamingCmd, error)
	// PullFile copies the device file src to the host path dst.
	PullFile(ctx context.Context, src, dst string) error
	// PullDirectory recursively copies the device directory src into the
	// host directory dst.
	PullDirectory(ctx context.Context, src, dst string) error
	// WaitUntilAvailable blocks until the device responds or ctx expires.
	WaitUntilAvailable(ctx context.Context) error
	// Close releases the connection.
	Close() error
}

// StreamingCmd is a running device command whose stdout is consumed as a
// stream.
type StreamingCmd interface {
	// Stdout returns the command's stdout. Reads block until output is
	// available.
	Stdout() io.Reader
	// Wait waits for the command to exit and returns its result.
	Wait() (*CommandResult, error)
	// Abort terminates the command without waiting for it.
	Abort() error
}

// UnavailableError indicates that the device cannot be reached at all, as
// opposed to a command on it failing.
type UnavailableError struct {
	Target string
	Err    error
}

func (e *UnavailableError) Error() string {
	return "device " + e.Target + " unavailable: " + e.Err.Error()
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// IsUnavailable reports whether err indicates a lost or unreachable device.
func IsUnavailable(err error) bool {
	var ue *UnavailableError
	return errors.As(err, &ue)
}

// Options contains connection options shared by the transports.
type Options struct {
	// KeyFile is an optional path to an unencrypted SSH private key.
	KeyFile string
	// KeyDir is an optional path to a directory (typically $HOME/.ssh)
	// containing standard SSH keys to try if KeyFile is not accepted.
	KeyDir string
	// ConnectTimeout bounds each connection attempt.
	ConnectTimeout time.Duration
	// ConnectRetries is the number of times to retry after a connection
	// failure.
	ConnectRetries int
	// ConnectRetryInterval is the minimum time between connection attempts.
	ConnectRetryInterval time.Duration
	// WarnFunc (if non-nil) is used to log non-fatal connection errors.
	WarnFunc func(string)
}

// New connects to the device named by target.
func New(ctx context.Context, target string, o *Options) (Device, error) {
	if o == nil {
		o = &Options{}
	}
	if strings.HasPrefix(target, "adb:") {
		return newADBDevice(ctx, target[len("adb:"):], o)
	}
	return newSSHDevice(ctx, strings.TrimPrefix(target, "ssh://"), o)
}
