// Copyright 2024 The DeviceLab Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package processor

import (
	"context"
	"time"

	"github.com/devicelab/harness/internal/logging"
	"github.com/devicelab/harness/internal/protocol"
)

// LoggingListener logs run progress to the context-attached logger.
type LoggingListener struct {
	BaseListener
}

// NewLoggingListener creates a LoggingListener.
func NewLoggingListener() *LoggingListener {
	return &LoggingListener{}
}

// RunStarted implements Listener.
func (h *LoggingListener) RunStarted(ctx context.Context, name string, tests []protocol.TestIdentity, numTests int) error {
	logging.Infof(ctx, "Started run %s with %d test(s)", name, numTests)
	return nil
}

// RunLog implements Listener.
func (h *LoggingListener) RunLog(ctx context.Context, text string) error {
	logging.Info(ctx, text)
	return nil
}

// TestStarted implements Listener.
func (h *LoggingListener) TestStarted(ctx context.Context, id protocol.TestIdentity, outDir string, ts time.Time) error {
	logging.Infof(ctx, "Started test %s", id)
	return nil
}

// TestLog implements Listener.
func (h *LoggingListener) TestLog(ctx context.Context, id protocol.TestIdentity, text string) error {
	logging.Debugf(ctx, "[%s] %s", id, text)
	return nil
}

// TestFailed implements Listener.
func (h *LoggingListener) TestFailed(ctx context.Context, id protocol.TestIdentity, f *protocol.FailureDescription) error {
	logging.Infof(ctx, "Test %s failed: %s", id, f.ErrorMessage)
	return nil
}

// TestSkipped implements Listener.
func (h *LoggingListener) TestSkipped(ctx context.Context, id protocol.TestIdentity, reason string) error {
	logging.Infof(ctx, "Skipped test %s: %s", id, reason)
	return nil
}

// TestEnded implements Listener.
func (h *LoggingListener) TestEnded(ctx context.Context, id protocol.TestIdentity, ts time.Time, metrics map[string]protocol.Metric) error {
	logging.Infof(ctx, "Completed test %s", id)
	return nil
}

// RunFailed implements Listener.
func (h *LoggingListener) RunFailed(ctx context.Context, f *protocol.FailureDescription) error {
	if f.DebugHelpMessage != "" {
		logging.Infof(ctx, "Run failed: %s (%s)", f.ErrorMessage, f.DebugHelpMessage)
	} else {
		logging.Infof(ctx, "Run failed: %s", f.ErrorMessage)
	}
	return nil
}

// RunEnded implements Listener.
func (h *LoggingListener) RunEnded(ctx context.Context, elapsed time.Duration, metrics map[string]protocol.Metric) error {
	logging.Infof(ctx, "Run ended after %v", elapsed.Round(time.Millisecond))
	return nil
}
