// Copyright 2024 The DeviceLab Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package runner_test

import (
	"context"
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"

	"github.com/devicelab/harness/errors"
	"github.com/devicelab/harness/internal/control"
	"github.com/devicelab/harness/internal/device"
	"github.com/devicelab/harness/internal/fakerunner"
	"github.com/devicelab/harness/internal/processor"
	"github.com/devicelab/harness/internal/protocol"
	"github.com/devicelab/harness/internal/results"
	"github.com/devicelab/harness/internal/runner"
)

var testID = protocol.NewTestIdentity("com.foo.Bar", "baz")

func runMsgs() []control.Msg {
	ts := time.Unix(0, 0)
	return []control.Msg{
		&control.RunStart{Time: ts, Name: "smoke", NumTests: 1},
		&control.TestStart{Time: ts, Identity: testID},
		&control.TestEnd{Time: ts, Identity: testID},
		&control.RunEnd{Time: ts, Elapsed: 1000},
	}
}

func newProc(res *results.RunResult, extra ...processor.Listener) *processor.Processor {
	listeners := append([]processor.Listener{processor.NewResultsListener(res)}, extra...)
	return processor.New(&processor.Config{RunName: "smoke", ExpectedTests: 1}, listeners...)
}

func TestRunCompleteStream(t *testing.T) {
	dev := fakerunner.New(&fakerunner.Run{Msgs: runMsgs(), HangAfter: -1})
	r := runner.New(dev, nil, time.Minute)
	res := results.New()

	if err := r.Run(context.Background(), &runner.RunSpec{Name: "smoke", Command: []string{"am", "instrument"}}, newProc(res)); err != nil {
		t.Fatal("Run: ", err)
	}
	if !res.IsComplete() {
		t.Error("IsComplete() = false; want true")
	}
	if f := res.RunFailure(); f != nil {
		t.Errorf("RunFailure() = %+v; want nil", f)
	}
	if got := res.Completed(); len(got) != 1 || got[0].Status != results.Pass {
		t.Errorf("Completed() = %+v; want one passed test", got)
	}
	if len(dev.Commands) != 1 || dev.Commands[0][0] != "am" {
		t.Errorf("Commands = %v; want the executor command", dev.Commands)
	}
}

func TestRunExecutorCrash(t *testing.T) {
	ts := time.Unix(0, 0)
	// The stream ends after a test start with a non-zero exit code.
	dev := fakerunner.New(&fakerunner.Run{
		Msgs: []control.Msg{
			&control.RunStart{Time: ts, Name: "smoke", NumTests: 5},
			&control.TestStart{Time: ts, Identity: testID},
		},
		HangAfter: -1,
		ExitCode:  134,
	})
	r := runner.New(dev, nil, time.Minute)
	res := results.New()

	if err := r.Run(context.Background(), &runner.RunSpec{Name: "smoke", Command: []string{"am"}}, newProc(res)); err != nil {
		t.Fatal("Run: ", err)
	}
	if !res.IsComplete() {
		t.Error("IsComplete() = false; want true after synthesized run end")
	}
	f := res.RunFailure()
	if f == nil || f.ErrorIdentifier != protocol.InstrumentationCrash {
		t.Errorf("RunFailure() = %+v; want an instrumentation crash", f)
	}
	if got := res.Completed(); len(got) != 1 || got[0].Status != results.Incomplete {
		t.Errorf("Completed() = %+v; want one incomplete test", got)
	}
	if n := res.ExpectedCount(); n != 5 {
		t.Errorf("ExpectedCount() = %d; want 5", n)
	}
}

// signalListener closes ch once the test under observation starts.
type signalListener struct {
	processor.BaseListener
	ch chan struct{}
}

func (l *signalListener) TestStarted(ctx context.Context, id protocol.TestIdentity, outDir string, ts time.Time) error {
	select {
	case <-l.ch:
	default:
		close(l.ch)
	}
	return nil
}

func TestRunMessageTimeout(t *testing.T) {
	ts := time.Unix(0, 0)
	// The executor goes silent after starting a test.
	dev := fakerunner.New(&fakerunner.Run{
		Msgs: []control.Msg{
			&control.RunStart{Time: ts, Name: "smoke", NumTests: 1},
			&control.TestStart{Time: ts, Identity: testID},
		},
		HangAfter: 2,
	})
	clk := fakeclock.NewFakeClock(time.Unix(10000, 0))
	const msgTimeout = 30 * time.Second
	r := runner.New(dev, clk, msgTimeout)
	res := results.New()
	started := &signalListener{ch: make(chan struct{})}

	done := make(chan error, 1)
	go func() {
		done <- r.Run(context.Background(), &runner.RunSpec{Name: "smoke", Command: []string{"am"}}, newProc(res, started))
	}()

	<-started.ch
	// The watchdog was last reset when the test start message arrived.
	clk.Increment(msgTimeout + time.Second)
	if err := <-done; err != nil {
		t.Fatal("Run: ", err)
	}

	f := res.RunFailure()
	if f == nil || f.Status != protocol.TimedOut {
		t.Errorf("RunFailure() = %+v; want a timeout", f)
	}
	if !res.IsComplete() {
		t.Error("IsComplete() = false; want true after synthesized run end")
	}
}

func TestRunHeartbeatsKeepRunAlive(t *testing.T) {
	ts := time.Unix(0, 0)
	msgs := []control.Msg{
		&control.RunStart{Time: ts, Name: "smoke", NumTests: 1},
		&control.Heartbeat{Time: ts},
		&control.Heartbeat{Time: ts},
		&control.TestStart{Time: ts, Identity: testID},
		&control.TestEnd{Time: ts, Identity: testID},
		&control.RunEnd{Time: ts},
	}
	dev := fakerunner.New(&fakerunner.Run{Msgs: msgs, HangAfter: -1})
	r := runner.New(dev, nil, time.Minute)
	res := results.New()
	if err := r.Run(context.Background(), &runner.RunSpec{Name: "smoke", Command: []string{"am"}}, newProc(res)); err != nil {
		t.Fatal("Run: ", err)
	}
	if f := res.RunFailure(); f != nil {
		t.Errorf("RunFailure() = %+v; want nil", f)
	}
}

func TestRunDeviceUnavailableAtStart(t *testing.T) {
	dev := fakerunner.New(&fakerunner.Run{
		StartErr: &device.UnavailableError{Target: "dut1", Err: errors.New("connection refused")},
	})
	r := runner.New(dev, nil, time.Minute)
	res := results.New()
	if err := r.Run(context.Background(), &runner.RunSpec{Name: "smoke", Command: []string{"am"}}, newProc(res)); err != nil {
		t.Fatal("Run: ", err)
	}
	f := res.RunFailure()
	if f == nil || f.ErrorIdentifier != protocol.DeviceUnavailable {
		t.Errorf("RunFailure() = %+v; want a device-unavailable failure", f)
	}
	if !res.IsComplete() {
		t.Error("IsComplete() = false; want true")
	}
}

func TestRunCorruptedStream(t *testing.T) {
	ts := time.Unix(0, 0)
	dev := fakerunner.New(&fakerunner.Run{
		Msgs:      []control.Msg{&control.RunStart{Time: ts, Name: "smoke", NumTests: 1}},
		HangAfter: -1,
		ExitCode:  0,
	})
	// Corrupt the stream by scripting an exit before the run end; the reader
	// sees EOF and the runner must report a crash.
	r := runner.New(dev, nil, time.Minute)
	res := results.New()
	if err := r.Run(context.Background(), &runner.RunSpec{Name: "smoke", Command: []string{"am"}}, newProc(res)); err != nil {
		t.Fatal("Run: ", err)
	}
	if f := res.RunFailure(); f == nil || f.ErrorIdentifier != protocol.InstrumentationCrash {
		t.Errorf("RunFailure() = %+v; want an instrumentation crash", f)
	}
}
