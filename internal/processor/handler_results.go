// Copyright 2024 The DeviceLab Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package processor

import (
	"context"
	"time"

	"github.com/devicelab/harness/internal/protocol"
	"github.com/devicelab/harness/internal/results"
)

// ResultsListener aggregates callbacks into a results.RunResult.
type ResultsListener struct {
	BaseListener
	result *results.RunResult
}

// NewResultsListener creates a ResultsListener writing into result.
func NewResultsListener(result *results.RunResult) *ResultsListener {
	return &ResultsListener{result: result}
}

// Result returns the underlying RunResult.
func (h *ResultsListener) Result() *results.RunResult { return h.result }

// RunStarted implements Listener.
func (h *ResultsListener) RunStarted(ctx context.Context, name string, tests []protocol.TestIdentity, numTests int) error {
	h.result.OnRunStarted(name, numTests)
	return nil
}

// TestStarted implements Listener.
func (h *ResultsListener) TestStarted(ctx context.Context, id protocol.TestIdentity, outDir string, ts time.Time) error {
	return h.result.OnTestStarted(id, ts)
}

// TestFailed implements Listener.
func (h *ResultsListener) TestFailed(ctx context.Context, id protocol.TestIdentity, f *protocol.FailureDescription) error {
	return h.result.OnTestFailed(id, f)
}

// TestIgnored implements Listener.
func (h *ResultsListener) TestIgnored(ctx context.Context, id protocol.TestIdentity) error {
	return h.result.OnTestIgnored(id)
}

// TestAssumptionFailure implements Listener.
func (h *ResultsListener) TestAssumptionFailure(ctx context.Context, id protocol.TestIdentity, f *protocol.FailureDescription) error {
	return h.result.OnTestAssumptionFailure(id, f)
}

// TestSkipped implements Listener.
func (h *ResultsListener) TestSkipped(ctx context.Context, id protocol.TestIdentity, reason string) error {
	return h.result.OnTestSkipped(id, reason)
}

// TestEnded implements Listener.
func (h *ResultsListener) TestEnded(ctx context.Context, id protocol.TestIdentity, ts time.Time, metrics map[string]protocol.Metric) error {
	return h.result.OnTestEnded(id, ts, metrics)
}

// RunFailed implements Listener.
func (h *ResultsListener) RunFailed(ctx context.Context, f *protocol.FailureDescription) error {
	h.result.OnRunFailed(f)
	return nil
}

// RunEnded implements Listener.
func (h *ResultsListener) RunEnded(ctx context.Context, elapsed time.Duration, metrics map[string]protocol.Metric) error {
	h.result.OnRunEnded(elapsed, metrics)
	return nil
}
