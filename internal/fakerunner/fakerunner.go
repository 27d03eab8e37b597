// Copyright 2024 The DeviceLab Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package fakerunner provides a scripted fake device for tests exercising
// the runner and the driver without real hardware.
package fakerunner

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/devicelab/harness/errors"
	"github.com/devicelab/harness/internal/control"
	"github.com/devicelab/harness/internal/device"
)

// Run scripts the behavior of one StreamCommand invocation.
type Run struct {
	// Msgs are the control messages written to the stream.
	Msgs []control.Msg
	// HangAfter, if non-negative, stops the stream after that many messages
	// without closing it, simulating a silent executor. -1 disables hanging.
	HangAfter int
	// ExitCode is returned by Wait.
	ExitCode int
	// WaitErr is returned by Wait instead of a result.
	WaitErr error
	// StartErr makes StreamCommand itself fail.
	StartErr error
}

// Device is a fake device.Device driven by a list of scripted runs,
// consumed one per StreamCommand call.
type Device struct {
	mu   sync.Mutex
	runs []*Run

	// Commands records every command passed to StreamCommand.
	Commands [][]string
	// Pulled records PullDirectory calls as src -> dst.
	Pulled map[string]string
	// WaitCalls counts WaitUntilAvailable calls.
	WaitCalls int
	// WaitErr is returned by WaitUntilAvailable.
	WaitErr error
}

var _ device.Device = &Device{}

// New creates a Device scripted with runs.
func New(runs ...*Run) *Device {
	return &Device{runs: runs, Pulled: make(map[string]string)}
}

// RunCommand implements device.Device. All commands succeed with no output.
func (d *Device) RunCommand(ctx context.Context, name string, args ...string) (*device.CommandResult, error) {
	return &device.CommandResult{}, nil
}

// StreamCommand implements device.Device.
func (d *Device) StreamCommand(ctx context.Context, name string, args ...string) (device.StreamingCmd, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Commands = append(d.Commands, append([]string{name}, args...))
	if len(d.runs) == 0 {
		return nil, errors.New("fakerunner: no scripted run left")
	}
	run := d.runs[0]
	d.runs = d.runs[1:]
	if run.StartErr != nil {
		return nil, run.StartErr
	}
	return newFakeCmd(run), nil
}

// PullFile implements device.Device.
func (d *Device) PullFile(ctx context.Context, src, dst string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Pulled[src] = dst
	return nil
}

// PullDirectory implements device.Device.
func (d *Device) PullDirectory(ctx context.Context, src, dst string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Pulled[src] = dst
	return nil
}

// WaitUntilAvailable implements device.Device.
func (d *Device) WaitUntilAvailable(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.WaitCalls++
	return d.WaitErr
}

// Close implements device.Device.
func (d *Device) Close() error { return nil }

// fakeCmd streams the scripted messages.
type fakeCmd struct {
	run    *Run
	stdout io.Reader
	pr     *io.PipeReader // set when the script hangs
}

func newFakeCmd(run *Run) *fakeCmd {
	hangAt := run.HangAfter
	if hangAt < 0 || hangAt > len(run.Msgs) {
		hangAt = len(run.Msgs)
	}
	var buf bytes.Buffer
	mw := control.NewMessageWriter(&buf)
	for _, msg := range run.Msgs[:hangAt] {
		if err := mw.WriteMessage(msg); err != nil {
			panic("fakerunner: " + err.Error())
		}
	}
	c := &fakeCmd{run: run}
	if run.HangAfter >= 0 {
		// Keep the stream open after the scripted messages so readers block
		// like they would on a silent executor.
		pr, pw := io.Pipe()
		go func() {
			io.Copy(pw, &buf)
		}()
		c.stdout = pr
		c.pr = pr
		return c
	}
	c.stdout = &buf
	return c
}

func (c *fakeCmd) Stdout() io.Reader { return c.stdout }

func (c *fakeCmd) Wait() (*device.CommandResult, error) {
	if c.run.WaitErr != nil {
		return nil, c.run.WaitErr
	}
	return &device.CommandResult{ExitCode: c.run.ExitCode}, nil
}

func (c *fakeCmd) Abort() error {
	if c.pr != nil {
		return c.pr.Close()
	}
	return nil
}
