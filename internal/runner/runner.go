// Copyright 2024 The DeviceLab Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package runner executes one run attempt on the device and feeds the
// executor's control message stream to a processor.
//
// The runner owns the liveness watchdog: if the executor stays silent longer
// than the message timeout (heartbeats count as messages), the attempt is
// aborted and reported as timed out. Whatever happens to the stream, the
// processor is left with a balanced callback sequence.
package runner

import (
	"context"
	"fmt"
	"time"

	"code.cloudfoundry.org/clock"

	"github.com/devicelab/harness/errors"
	"github.com/devicelab/harness/internal/control"
	"github.com/devicelab/harness/internal/device"
	"github.com/devicelab/harness/internal/logging"
	"github.com/devicelab/harness/internal/processor"
	"github.com/devicelab/harness/internal/protocol"
)

// RunSpec describes one attempt.
type RunSpec struct {
	// Name is the run name, used for synthesized run starts.
	Name string
	// Command is the device command whose stdout carries control messages.
	Command []string
}

// Runner executes attempts against a single device.
type Runner struct {
	dev        device.Device
	clk        clock.Clock
	msgTimeout time.Duration
}

// New creates a Runner. clk may be nil to use the real clock.
func New(dev device.Device, clk clock.Clock, msgTimeout time.Duration) *Runner {
	if clk == nil {
		clk = clock.NewClock()
	}
	return &Runner{dev: dev, clk: clk, msgTimeout: msgTimeout}
}

// streamItem is one decoded message or a terminal decode error.
type streamItem struct {
	msg control.Msg
	err error
}

// Run executes the attempt described by spec and drives proc with its
// events. Run-level failures (crash, timeout, lost device) are reported
// through the processor, not as the return value; the returned error
// indicates that a listener itself failed.
func (r *Runner) Run(ctx context.Context, spec *RunSpec, proc *processor.Processor) error {
	if len(spec.Command) == 0 {
		return errors.New("no executor command")
	}
	cmd, err := r.dev.StreamCommand(ctx, spec.Command[0], spec.Command[1:]...)
	if err != nil {
		f := protocol.NewInfraFailure("failed to start executor: " + err.Error())
		if device.IsUnavailable(err) {
			f = f.WithIdentifier(protocol.DeviceUnavailable)
		}
		return proc.FatalError(ctx, f)
	}

	stream := make(chan streamItem)
	go func() {
		defer close(stream)
		mr := control.NewMessageReader(cmd.Stdout())
		for mr.More() {
			msg, err := mr.ReadMessage()
			select {
			case stream <- streamItem{msg: msg, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
	// abandon stops the executor and unblocks the reader goroutine.
	abandon := func() {
		cmd.Abort()
		go func() {
			for range stream {
			}
		}()
	}

	timer := r.clk.NewTimer(r.msgTimeout)
	defer timer.Stop()
	for {
		select {
		case item, ok := <-stream:
			if !ok {
				return r.finish(ctx, cmd, proc)
			}
			if item.err != nil {
				abandon()
				f := protocol.NewInfraFailure("corrupted control message stream: " + item.err.Error()).
					WithIdentifier(protocol.InstrumentationCrash)
				return proc.FatalError(ctx, f)
			}
			timer.Reset(r.msgTimeout)
			if err := proc.Process(ctx, item.msg); err != nil {
				abandon()
				return proc.FatalError(ctx, protocol.NewInfraFailure("aborting run: "+err.Error()))
			}
		case <-timer.C():
			abandon()
			f := &protocol.FailureDescription{
				ErrorMessage: fmt.Sprintf("no message from executor in %v", r.msgTimeout),
				Status:       protocol.TimedOut,
			}
			return proc.FatalError(ctx, f)
		case <-ctx.Done():
			abandon()
			return proc.FatalError(ctx, protocol.NewInfraFailure("run canceled: "+ctx.Err().Error()))
		}
	}
}

// finish handles a cleanly closed stream: the executor exited.
func (r *Runner) finish(ctx context.Context, cmd device.StreamingCmd, proc *processor.Processor) error {
	res, err := cmd.Wait()
	if proc.RunEnded() {
		// The run completed; a dying connection afterwards is only worth a log.
		if err != nil {
			logging.Infof(ctx, "Executor connection closed uncleanly after run end: %v", err)
		} else if res.ExitCode != 0 {
			logging.Infof(ctx, "Executor exited with code %d after run end", res.ExitCode)
		}
		return nil
	}
	if err != nil {
		f := protocol.NewInfraFailure("lost executor: " + err.Error())
		if device.IsUnavailable(err) {
			f = f.WithIdentifier(protocol.DeviceUnavailable)
		}
		return proc.FatalError(ctx, f)
	}
	f := protocol.NewInfraFailure(fmt.Sprintf("executor exited with code %d before finishing the run", res.ExitCode)).
		WithIdentifier(protocol.InstrumentationCrash)
	return proc.FatalError(ctx, f)
}
