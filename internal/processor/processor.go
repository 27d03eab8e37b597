// Copyright 2024 The DeviceLab Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package processor translates the raw control message stream of one run
// attempt into the ordered Listener callback protocol.
//
// The processor enforces the protocol invariants listeners rely on: a run
// start precedes everything else, every started test eventually ends, and a
// single run end terminates the attempt. When the executor crashes
// mid-stream, FatalError synthesizes the missing events so listeners always
// observe a balanced sequence.
package processor

import (
	"context"
	"time"

	"github.com/devicelab/harness/errors"
	"github.com/devicelab/harness/internal/control"
	"github.com/devicelab/harness/internal/metrics"
	"github.com/devicelab/harness/internal/protocol"
)

// DiagnoseFunc is called after a run-level failure to produce an additional
// human-readable diagnosis (e.g. from device logs). It returns an empty
// string if no diagnosis is available.
type DiagnoseFunc func(ctx context.Context, outDir string) string

// Config holds per-attempt parameters of a Processor.
type Config struct {
	// RunName is the intended name of the run. It is used when synthesizing
	// a run start for an executor that crashed before reporting one.
	RunName string
	// ExpectedTests is the number of tests the attempt was asked to run.
	ExpectedTests int
	// OutDir is the host directory holding this attempt's output files.
	// It is passed to Diagnose.
	OutDir string
	// Diagnose may be nil.
	Diagnose DiagnoseFunc
	// Metrics, if non-nil, extends every delivered test and run metric map
	// with the contributions of its registered observers.
	Metrics *metrics.Merger
	// DisableDuplicateCheck stops a repeated test start from being treated
	// as a run-level failure.
	DisableDuplicateCheck bool
}

// Processor consumes control messages for a single run attempt and drives
// the registered listeners. It must be used from a single goroutine and not
// reused across attempts.
type Processor struct {
	cfg       *Config
	listeners []Listener

	runStarted bool
	runEnded   bool
	runStart   time.Time
	seenStarts map[protocol.TestIdentity]int
	inFlight   []protocol.TestIdentity
}

// New creates a Processor dispatching to the given listeners in order.
func New(cfg *Config, listeners ...Listener) *Processor {
	return &Processor{
		cfg:        cfg,
		listeners:  listeners,
		seenStarts: make(map[protocol.TestIdentity]int),
	}
}

// RunEnded reports whether the attempt observed (or synthesized) a run end.
func (p *Processor) RunEnded() bool { return p.runEnded }

func (p *Processor) forEach(f func(l Listener) error) error {
	for _, l := range p.listeners {
		if err := f(l); err != nil {
			return err
		}
	}
	return nil
}

// diagnosed returns f with a diagnosis attached if the hook produces one and
// the failure carries no debug help yet.
func (p *Processor) diagnosed(ctx context.Context, f *protocol.FailureDescription) *protocol.FailureDescription {
	if p.cfg.Diagnose == nil || f.DebugHelpMessage != "" {
		return f
	}
	if msg := p.cfg.Diagnose(ctx, p.cfg.OutDir); msg != "" {
		g := *f
		g.DebugHelpMessage = msg
		return &g
	}
	return f
}

// mergedMetrics extends m with observer contributions when a merger is
// configured. m itself is not modified.
func (p *Processor) mergedMetrics(ctx context.Context, m map[string]protocol.Metric) map[string]protocol.Metric {
	if p.cfg.Metrics == nil {
		return m
	}
	return p.cfg.Metrics.Merge(ctx, m)
}

// dropInFlight removes the most recent in-flight occurrence of id and
// reports whether one existed.
func (p *Processor) dropInFlight(id protocol.TestIdentity) bool {
	for i := len(p.inFlight) - 1; i >= 0; i-- {
		if p.inFlight[i] == id {
			p.inFlight = append(p.inFlight[:i], p.inFlight[i+1:]...)
			return true
		}
	}
	return false
}

// Process handles a single control message. An error means the attempt is
// broken and the caller should stop feeding messages; FatalError may still
// be called afterwards to balance the callback sequence.
func (p *Processor) Process(ctx context.Context, msg control.Msg) error {
	if p.runEnded {
		return errors.New("message received after the run ended")
	}
	switch v := msg.(type) {
	case *control.RunStart:
		if p.runStarted {
			return errors.New("duplicate run start message")
		}
		p.runStarted = true
		p.runStart = v.Time
		num := v.NumTests
		if num == 0 {
			num = len(v.Tests)
		}
		return p.forEach(func(l Listener) error {
			return l.RunStarted(ctx, v.Name, v.Tests, num)
		})
	case *control.RunLog:
		return p.forEach(func(l Listener) error { return l.RunLog(ctx, v.Text) })
	case *control.RunError:
		f := p.diagnosed(ctx, &v.Failure)
		// Attribute the failure to the in-flight test as well so its result
		// record carries the cause.
		if n := len(p.inFlight); n > 0 {
			id := p.inFlight[n-1]
			if err := p.forEach(func(l Listener) error { return l.TestFailed(ctx, id, f) }); err != nil {
				return err
			}
		}
		return p.forEach(func(l Listener) error { return l.RunFailed(ctx, f) })
	case *control.RunEnd:
		if !p.runStarted {
			return errors.New("run end message received before run start")
		}
		// A well-behaved executor ends every test before ending the run.
		// Balance the sequence for the rest.
		if err := p.finishInFlight(ctx, v.Time, "test did not finish before the run ended"); err != nil {
			return err
		}
		p.runEnded = true
		runMetrics := p.mergedMetrics(ctx, v.Metrics)
		return p.forEach(func(l Listener) error {
			return l.RunEnded(ctx, time.Duration(v.Elapsed)*time.Millisecond, runMetrics)
		})
	case *control.TestStart:
		if !p.runStarted {
			return errors.Errorf("test %s started before the run", v.Identity)
		}
		p.seenStarts[v.Identity]++
		if p.seenStarts[v.Identity] > 1 && !p.cfg.DisableDuplicateCheck {
			f := protocol.NewInfraFailure("test " + v.Identity.String() + " ran more than once").
				WithIdentifier(protocol.DuplicateTest)
			if err := p.forEach(func(l Listener) error { return l.RunFailed(ctx, f) }); err != nil {
				return err
			}
		}
		p.inFlight = append(p.inFlight, v.Identity)
		return p.forEach(func(l Listener) error {
			return l.TestStarted(ctx, v.Identity, v.OutDir, v.Time)
		})
	case *control.TestLog:
		return p.forEach(func(l Listener) error { return l.TestLog(ctx, v.Identity, v.Text) })
	case *control.TestFail:
		return p.forEach(func(l Listener) error { return l.TestFailed(ctx, v.Identity, &v.Failure) })
	case *control.TestIgnore:
		return p.forEach(func(l Listener) error { return l.TestIgnored(ctx, v.Identity) })
	case *control.TestAssumption:
		return p.forEach(func(l Listener) error {
			return l.TestAssumptionFailure(ctx, v.Identity, &v.Failure)
		})
	case *control.TestSkip:
		return p.forEach(func(l Listener) error { return l.TestSkipped(ctx, v.Identity, v.Reason) })
	case *control.TestEnd:
		if !p.dropInFlight(v.Identity) {
			return errors.Errorf("test %s ended while it was not running", v.Identity)
		}
		testMetrics := p.mergedMetrics(ctx, v.Metrics)
		return p.forEach(func(l Listener) error {
			return l.TestEnded(ctx, v.Identity, v.Time, testMetrics)
		})
	case *control.Heartbeat:
		// Liveness is tracked by the message reader, not here.
		return nil
	default:
		return errors.New("unknown control message type")
	}
}

// finishInFlight fails and ends every in-flight test, most recent first.
func (p *Processor) finishInFlight(ctx context.Context, ts time.Time, reason string) error {
	for len(p.inFlight) > 0 {
		id := p.inFlight[len(p.inFlight)-1]
		p.inFlight = p.inFlight[:len(p.inFlight)-1]
		f := &protocol.FailureDescription{
			ErrorMessage: reason,
			Status:       protocol.NotExecuted,
		}
		if err := p.forEach(func(l Listener) error { return l.TestFailed(ctx, id, f) }); err != nil {
			return err
		}
		if err := p.forEach(func(l Listener) error { return l.TestEnded(ctx, id, ts, nil) }); err != nil {
			return err
		}
	}
	return nil
}

// FatalError terminates the attempt after the message stream broke (executor
// crash, device loss, timeout). It synthesizes the events needed to leave
// every listener with a balanced callback sequence: a run start if none was
// seen, a failure and an end for the in-flight test, a run-level failure and
// a final run end.
func (p *Processor) FatalError(ctx context.Context, f *protocol.FailureDescription) error {
	if p.runEnded {
		return nil
	}
	now := time.Now()
	if !p.runStarted {
		p.runStarted = true
		p.runStart = now
		if err := p.forEach(func(l Listener) error {
			return l.RunStarted(ctx, p.cfg.RunName, nil, p.cfg.ExpectedTests)
		}); err != nil {
			return err
		}
	}
	if err := p.finishInFlight(ctx, now, "test did not finish: "+f.ErrorMessage); err != nil {
		return err
	}
	f = p.diagnosed(ctx, f)
	if err := p.forEach(func(l Listener) error { return l.RunFailed(ctx, f) }); err != nil {
		return err
	}
	p.runEnded = true
	elapsed := time.Duration(0)
	if !p.runStart.IsZero() {
		elapsed = now.Sub(p.runStart)
	}
	runMetrics := p.mergedMetrics(ctx, nil)
	return p.forEach(func(l Listener) error { return l.RunEnded(ctx, elapsed, runMetrics) })
}
