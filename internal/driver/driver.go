// Copyright 2024 The DeviceLab Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package driver orchestrates a full test invocation: it runs attempts on
// the device, retries failed and unfinished tests within the configured
// budget, merges metrics and writes reports.
package driver

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"code.cloudfoundry.org/clock"

	"github.com/devicelab/harness/internal/config"
	"github.com/devicelab/harness/internal/device"
	"github.com/devicelab/harness/internal/failfast"
	"github.com/devicelab/harness/internal/filter"
	"github.com/devicelab/harness/internal/logging"
	"github.com/devicelab/harness/internal/metrics"
	"github.com/devicelab/harness/internal/processor"
	"github.com/devicelab/harness/internal/protocol"
	"github.com/devicelab/harness/internal/reporting"
	"github.com/devicelab/harness/internal/rerun"
	"github.com/devicelab/harness/internal/results"
	"github.com/devicelab/harness/internal/runner"
)

// Report is the final outcome of an invocation across all attempts.
type Report struct {
	// Attempts holds the per-attempt run results in execution order.
	Attempts []*results.RunResult
	// Results holds the final record for every test that ran, in first-start
	// order. A test retried in a later attempt is represented by its latest
	// record.
	Results []*results.TestResult
	// RunMetrics is the merged run-level metric map of the last attempt.
	RunMetrics map[string]protocol.Metric
	// Complete reports whether the invocation finished cleanly: the last
	// attempt ended and no test was left unfinished.
	Complete bool
}

// reconnectTimeout bounds how long a lost device is waited on before the
// invocation gives up retrying.
const reconnectTimeout = 2 * time.Minute

// Driver runs test invocations against a single device.
type Driver struct {
	cfg       *config.Config
	dev       device.Device
	clk       clock.Clock
	diagnose  processor.DiagnoseFunc
	observers []metrics.Observer
}

// New creates a Driver. clk may be nil to use the real clock; diagnose may
// be nil. Metrics from observers are merged into every test and run metric
// map, after the built-in host statistics.
func New(cfg *config.Config, dev device.Device, clk clock.Clock, diagnose processor.DiagnoseFunc, observers ...metrics.Observer) *Driver {
	return &Driver{cfg: cfg, dev: dev, clk: clk, diagnose: diagnose, observers: observers}
}

// executorCommand builds the device command for one attempt.
func (d *Driver) executorCommand(tests []protocol.TestIdentity) []string {
	cmd := strings.Fields(d.cfg.Executor)
	var names []string
	for name := range d.cfg.TestVars {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		cmd = append(cmd, "-e", name, d.cfg.TestVars[name])
	}
	if len(tests) > 0 {
		var pats []string
		for _, id := range tests {
			pats = append(pats, id.String())
		}
		cmd = append(cmd, "-e", "class", strings.Join(pats, ","))
	}
	return cmd
}

// Run executes the tests selected by f from tests, retrying per the
// configured budget, and writes reports into the results directory.
func (d *Driver) Run(ctx context.Context, name string, tests []protocol.TestIdentity, f *filter.Filter) (*Report, error) {
	skipList, err := d.cfg.SkipList()
	if err != nil {
		return nil, err
	}
	planned := f.Exclude(skipList).Apply(tests)
	coordinator := rerun.NewCoordinator(d.cfg.Retries, skipList)
	counter := failfast.NewCounter(d.cfg.MaxTestFailures)

	merger := metrics.NewMerger()
	merger.Register(metrics.NewHostStatsObserver(d.cfg.HostStats))
	for _, o := range d.observers {
		merger.Register(o)
	}

	sw, err := reporting.NewStreamedWriter(filepath.Join(d.cfg.ResDir, reporting.StreamedResultsFilename))
	if err != nil {
		return nil, err
	}
	defer sw.Close()

	run := runner.New(d.dev, d.clk, d.cfg.MsgTimeout)
	var attempts []*results.RunResult
	remaining := planned
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			logging.Infof(ctx, "Retrying %d test(s) (attempt %d of %d)",
				len(remaining), attempt+1, d.cfg.Retries+1)
		}
		res := results.New()
		proc := processor.New(&processor.Config{
			RunName:               name,
			ExpectedTests:         len(remaining),
			OutDir:                d.cfg.ResDir,
			Diagnose:              d.diagnose,
			Metrics:               merger,
			DisableDuplicateCheck: d.cfg.DisableDuplicateCheck,
		},
			processor.NewLoggingListener(),
			processor.NewResultsListener(res),
			reporting.NewStreamedListener(sw),
			processor.NewArtifactsListener(ctx, d.dev, d.cfg.ResDir),
			processor.NewFailFastListener(counter),
		)
		spec := &runner.RunSpec{Name: name, Command: d.executorCommand(remaining)}
		if err := run.Run(ctx, spec, proc); err != nil {
			return nil, err
		}
		attempts = append(attempts, res)

		if err := counter.Check(); err != nil {
			logging.Info(ctx, "Giving up: ", err)
			break
		}
		if fail := res.RunFailure(); fail != nil && !d.cfg.ContinueAfterFailure {
			break
		}
		if !coordinator.ShouldRetry(attempt+1, attempts) {
			break
		}
		remaining = filterRemaining(planned, coordinator.ComputeExclusions(attempts))
		if len(remaining) == 0 {
			break
		}
		if fail := res.RunFailure(); fail != nil && fail.ErrorIdentifier == protocol.DeviceUnavailable {
			logging.Info(ctx, "Waiting for the device to come back before retrying")
			wctx, cancel := context.WithTimeout(ctx, reconnectTimeout)
			err := d.dev.WaitUntilAvailable(wctx)
			cancel()
			if err != nil {
				logging.Info(ctx, "Device did not come back: ", err)
				break
			}
		}
	}

	report := buildReport(attempts)
	report.RunMetrics = lastRunMetrics(attempts)
	if err := reporting.WriteResults(ctx, d.cfg.ResDir, report.Results, report.Complete); err != nil {
		return nil, err
	}
	return report, nil
}

// filterRemaining removes excluded identities from planned, preserving order.
func filterRemaining(planned, exclusions []protocol.TestIdentity) []protocol.TestIdentity {
	base, _ := filter.New(nil, nil)
	return base.Exclude(exclusions).Apply(planned)
}

func lastRunMetrics(attempts []*results.RunResult) map[string]protocol.Metric {
	if len(attempts) == 0 {
		return nil
	}
	return attempts[len(attempts)-1].RunMetrics()
}

// buildReport collapses per-attempt results into final per-test records.
// Later attempts only rerun tests that were not settled earlier, so a later
// record supersedes an earlier one for the same identity.
func buildReport(attempts []*results.RunResult) *Report {
	report := &Report{Attempts: attempts}
	byID := make(map[protocol.TestIdentity]int)
	for _, attempt := range attempts {
		for _, res := range attempt.Completed() {
			if i, ok := byID[res.Identity]; ok {
				report.Results[i] = res
				continue
			}
			byID[res.Identity] = len(report.Results)
			report.Results = append(report.Results, res)
		}
	}
	if len(attempts) > 0 {
		last := attempts[len(attempts)-1]
		report.Complete = last.IsComplete() && last.RunFailure() == nil
	}
	for _, res := range report.Results {
		if res.Status == results.Incomplete {
			report.Complete = false
		}
	}
	return report
}
