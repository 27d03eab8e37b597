// Copyright 2024 The DeviceLab Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package driver

import (
	"context"
	"strings"

	"github.com/devicelab/harness/errors"
	"github.com/devicelab/harness/internal/processor"
	"github.com/devicelab/harness/internal/protocol"
	"github.com/devicelab/harness/internal/results"
	"github.com/devicelab/harness/internal/runner"
)

// List enumerates the tests the executor would run. The executor is invoked
// in log-only mode, which streams the usual lifecycle events without
// executing test bodies, and the started tests are collected from the stream.
func (d *Driver) List(ctx context.Context) ([]protocol.TestIdentity, error) {
	res := results.New()
	proc := processor.New(&processor.Config{
		RunName:               "list",
		OutDir:                d.cfg.ResDir,
		DisableDuplicateCheck: true,
	}, processor.NewResultsListener(res))

	cmd := append(strings.Fields(d.cfg.Executor), "-e", "log", "true")
	run := runner.New(d.dev, d.clk, d.cfg.MsgTimeout)
	if err := run.Run(ctx, &runner.RunSpec{Name: "list", Command: cmd}, proc); err != nil {
		return nil, err
	}
	if f := res.RunFailure(); f != nil {
		return nil, errors.Errorf("listing tests failed: %s", f.ErrorMessage)
	}
	var ids []protocol.TestIdentity
	for _, r := range res.Completed() {
		ids = append(ids, r.Identity)
	}
	return ids, nil
}
