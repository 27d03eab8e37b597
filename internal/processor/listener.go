// Copyright 2024 The DeviceLab Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package processor

import (
	"context"
	"time"

	"github.com/devicelab/harness/internal/protocol"
)

// Listener receives ordered run lifecycle events from a Processor.
//
// The Processor guarantees the callback protocol: RunStarted first, balanced
// TestStarted/TestEnded pairs for every test (synthesized if the executor
// crashed), an optional RunFailed, and exactly one terminal RunEnded.
// Listeners are invoked sequentially on the goroutine driving the run; an
// error from any callback aborts processing of the current attempt.
type Listener interface {
	RunStarted(ctx context.Context, name string, tests []protocol.TestIdentity, numTests int) error
	RunLog(ctx context.Context, text string) error
	// TestStarted reports a test start. outDir is the device-side directory
	// the test writes output files to; it may be empty.
	TestStarted(ctx context.Context, id protocol.TestIdentity, outDir string, ts time.Time) error
	TestLog(ctx context.Context, id protocol.TestIdentity, text string) error
	TestFailed(ctx context.Context, id protocol.TestIdentity, f *protocol.FailureDescription) error
	TestIgnored(ctx context.Context, id protocol.TestIdentity) error
	TestAssumptionFailure(ctx context.Context, id protocol.TestIdentity, f *protocol.FailureDescription) error
	TestSkipped(ctx context.Context, id protocol.TestIdentity, reason string) error
	TestEnded(ctx context.Context, id protocol.TestIdentity, ts time.Time, metrics map[string]protocol.Metric) error
	RunFailed(ctx context.Context, f *protocol.FailureDescription) error
	RunEnded(ctx context.Context, elapsed time.Duration, metrics map[string]protocol.Metric) error
}

// BaseListener is a Listener that does nothing. Embed it to implement only
// the callbacks a listener cares about.
type BaseListener struct{}

var _ Listener = BaseListener{}

// RunStarted implements Listener.
func (BaseListener) RunStarted(ctx context.Context, name string, tests []protocol.TestIdentity, numTests int) error {
	return nil
}

// RunLog implements Listener.
func (BaseListener) RunLog(ctx context.Context, text string) error { return nil }

// TestStarted implements Listener.
func (BaseListener) TestStarted(ctx context.Context, id protocol.TestIdentity, outDir string, ts time.Time) error {
	return nil
}

// TestLog implements Listener.
func (BaseListener) TestLog(ctx context.Context, id protocol.TestIdentity, text string) error {
	return nil
}

// TestFailed implements Listener.
func (BaseListener) TestFailed(ctx context.Context, id protocol.TestIdentity, f *protocol.FailureDescription) error {
	return nil
}

// TestIgnored implements Listener.
func (BaseListener) TestIgnored(ctx context.Context, id protocol.TestIdentity) error { return nil }

// TestAssumptionFailure implements Listener.
func (BaseListener) TestAssumptionFailure(ctx context.Context, id protocol.TestIdentity, f *protocol.FailureDescription) error {
	return nil
}

// TestSkipped implements Listener.
func (BaseListener) TestSkipped(ctx context.Context, id protocol.TestIdentity, reason string) error {
	return nil
}

// TestEnded implements Listener.
func (BaseListener) TestEnded(ctx context.Context, id protocol.TestIdentity, ts time.Time, metrics map[string]protocol.Metric) error {
	return nil
}

// RunFailed implements Listener.
func (BaseListener) RunFailed(ctx context.Context, f *protocol.FailureDescription) error { return nil }

// RunEnded implements Listener.
func (BaseListener) RunEnded(ctx context.Context, elapsed time.Duration, metrics map[string]protocol.Metric) error {
	return nil
}
