// Copyright 2024 The DeviceLab Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package driver_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/devicelab/harness/errors"
	"github.com/devicelab/harness/internal/config"
	"github.com/devicelab/harness/internal/control"
	"github.com/devicelab/harness/internal/device"
	"github.com/devicelab/harness/internal/driver"
	"github.com/devicelab/harness/internal/fakerunner"
	"github.com/devicelab/harness/internal/filter"
	"github.com/devicelab/harness/internal/protocol"
	"github.com/devicelab/harness/internal/results"
)

func testConfig(t *testing.T) *config.Config {
	cfg := config.New()
	cfg.Target = "adb:emulator-5554"
	cfg.ResDir = t.TempDir()
	cfg.MsgTimeout = time.Minute
	cfg.ContinueAfterFailure = true
	cfg.Executor = "am instrument -w -r"
	return cfg
}

func ids(names ...string) []protocol.TestIdentity {
	var out []protocol.TestIdentity
	for _, n := range names {
		out = append(out, protocol.NewTestIdentity("com.foo.Bar", n))
	}
	return out
}

func passMsgs(ts time.Time, tests []protocol.TestIdentity) []control.Msg {
	msgs := []control.Msg{&control.RunStart{Time: ts, Name: "smoke", NumTests: len(tests)}}
	for _, id := range tests {
		msgs = append(msgs,
			&control.TestStart{Time: ts, Identity: id},
			&control.TestEnd{Time: ts, Identity: id})
	}
	return append(msgs, &control.RunEnd{Time: ts, Elapsed: 1000})
}

func mustFilter(t *testing.T, include, exclude []string) *filter.Filter {
	t.Helper()
	f, err := filter.New(include, exclude)
	if err != nil {
		t.Fatal("filter.New: ", err)
	}
	return f
}

// TestRunRetriesAfterCrash covers the crash-and-rerun path: five planned
// tests, the executor dies after the first one passes, and the retry runs
// the remaining four.
func TestRunRetriesAfterCrash(t *testing.T) {
	ts := time.Unix(0, 0)
	tests := ids("t1", "t2", "t3", "t4", "t5")
	crash := &fakerunner.Run{
		Msgs: []control.Msg{
			&control.RunStart{Time: ts, Name: "smoke", NumTests: 5},
			&control.TestStart{Time: ts, Identity: tests[0]},
			&control.TestEnd{Time: ts, Identity: tests[0]},
			&control.TestStart{Time: ts, Identity: tests[1]},
		},
		HangAfter: -1,
		ExitCode:  134,
	}
	retry := &fakerunner.Run{Msgs: passMsgs(ts, tests[1:]), HangAfter: -1}
	dev := fakerunner.New(crash, retry)

	cfg := testConfig(t)
	cfg.Retries = 1
	d := driver.New(cfg, dev, nil, nil)

	report, err := d.Run(context.Background(), "smoke", tests, mustFilter(t, nil, nil))
	if err != nil {
		t.Fatal("Run: ", err)
	}

	if len(report.Attempts) != 2 {
		t.Fatalf("got %d attempts; want 2", len(report.Attempts))
	}
	if len(report.Results) != 5 {
		t.Fatalf("got %d results; want all 5 tests accounted for", len(report.Results))
	}
	for _, res := range report.Results {
		if res.Status != results.Pass {
			t.Errorf("test %s status = %v; want PASS", res.Identity, res.Status)
		}
	}
	if !report.Complete {
		t.Error("Complete = false; want true")
	}

	// The retry command must select only the tests that were not settled.
	if len(dev.Commands) != 2 {
		t.Fatalf("got %d executor commands; want 2", len(dev.Commands))
	}
	retryCmd := strings.Join(dev.Commands[1], " ")
	if strings.Contains(retryCmd, "t1") {
		t.Errorf("retry command %q includes the already-passed test", retryCmd)
	}
	for _, n := range []string{"t2", "t3", "t4", "t5"} {
		if !strings.Contains(retryCmd, n) {
			t.Errorf("retry command %q does not include %s", retryCmd, n)
		}
	}
}

func TestRunNoRetryWhenAllPass(t *testing.T) {
	ts := time.Unix(0, 0)
	tests := ids("t1", "t2")
	dev := fakerunner.New(&fakerunner.Run{Msgs: passMsgs(ts, tests), HangAfter: -1})
	cfg := testConfig(t)
	cfg.Retries = 2
	d := driver.New(cfg, dev, nil, nil)

	report, err := d.Run(context.Background(), "smoke", tests, mustFilter(t, nil, nil))
	if err != nil {
		t.Fatal("Run: ", err)
	}
	if len(report.Attempts) != 1 {
		t.Errorf("got %d attempts; want 1", len(report.Attempts))
	}
	if !report.Complete {
		t.Error("Complete = false; want true")
	}
}

func TestRunRetryBudgetExhausted(t *testing.T) {
	ts := time.Unix(0, 0)
	tests := ids("t1")
	failRun := func() *fakerunner.Run {
		return &fakerunner.Run{
			Msgs: []control.Msg{
				&control.RunStart{Time: ts, Name: "smoke", NumTests: 1},
				&control.TestStart{Time: ts, Identity: tests[0]},
				&control.TestFail{Time: ts, Identity: tests[0], Failure: *protocol.NewFailure("boom")},
				&control.TestEnd{Time: ts, Identity: tests[0]},
				&control.RunEnd{Time: ts},
			},
			HangAfter: -1,
		}
	}
	dev := fakerunner.New(failRun(), failRun())
	cfg := testConfig(t)
	cfg.Retries = 1
	d := driver.New(cfg, dev, nil, nil)

	report, err := d.Run(context.Background(), "smoke", tests, mustFilter(t, nil, nil))
	if err != nil {
		t.Fatal("Run: ", err)
	}
	if len(report.Attempts) != 2 {
		t.Errorf("got %d attempts; want 2 (initial + one retry)", len(report.Attempts))
	}
	if got := report.Results[0].Status; got != results.Fail {
		t.Errorf("final status = %v; want FAIL", got)
	}
}

func TestRunWaitsForLostDevice(t *testing.T) {
	ts := time.Unix(0, 0)
	tests := ids("t1")
	dev := fakerunner.New(
		&fakerunner.Run{StartErr: &device.UnavailableError{Target: "dut1", Err: errors.New("connection reset")}},
		&fakerunner.Run{Msgs: passMsgs(ts, tests), HangAfter: -1},
	)
	cfg := testConfig(t)
	cfg.Retries = 1
	d := driver.New(cfg, dev, nil, nil)

	report, err := d.Run(context.Background(), "smoke", tests, mustFilter(t, nil, nil))
	if err != nil {
		t.Fatal("Run: ", err)
	}
	if dev.WaitCalls != 1 {
		t.Errorf("WaitUntilAvailable called %d times; want 1", dev.WaitCalls)
	}
	if got := report.Results[0].Status; got != results.Pass {
		t.Errorf("final status = %v; want PASS", got)
	}
}

func TestRunStopsAfterFailureWhenConfigured(t *testing.T) {
	ts := time.Unix(0, 0)
	tests := ids("t1", "t2")
	crash := &fakerunner.Run{
		Msgs: []control.Msg{
			&control.RunStart{Time: ts, Name: "smoke", NumTests: 2},
			&control.TestStart{Time: ts, Identity: tests[0]},
		},
		HangAfter: -1,
		ExitCode:  1,
	}
	dev := fakerunner.New(crash)
	cfg := testConfig(t)
	cfg.Retries = 3
	cfg.ContinueAfterFailure = false
	d := driver.New(cfg, dev, nil, nil)

	report, err := d.Run(context.Background(), "smoke", tests, mustFilter(t, nil, nil))
	if err != nil {
		t.Fatal("Run: ", err)
	}
	if len(report.Attempts) != 1 {
		t.Errorf("got %d attempts; want 1", len(report.Attempts))
	}
	if report.Complete {
		t.Error("Complete = true; want false after a crash without retry")
	}
}

func TestRunSkipListNeverRuns(t *testing.T) {
	ts := time.Unix(0, 0)
	tests := ids("t1", "flaky")
	dev := fakerunner.New(&fakerunner.Run{Msgs: passMsgs(ts, tests[:1]), HangAfter: -1})
	cfg := testConfig(t)
	cfg.SkipTests = []string{"com.foo.Bar#flaky"}
	d := driver.New(cfg, dev, nil, nil)

	report, err := d.Run(context.Background(), "smoke", tests, mustFilter(t, nil, nil))
	if err != nil {
		t.Fatal("Run: ", err)
	}
	cmd := strings.Join(dev.Commands[0], " ")
	if strings.Contains(cmd, "flaky") {
		t.Errorf("executor command %q includes a skip-listed test", cmd)
	}
	want := []protocol.TestIdentity{tests[0]}
	var got []protocol.TestIdentity
	for _, res := range report.Results {
		got = append(got, res.Identity)
	}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("Result identities mismatch (-got +want):\n%s", diff)
	}
}

// envObserver contributes a fixed metric map, standing in for an
// environment sampler.
type envObserver struct {
	metrics map[string]protocol.Metric
}

func (o *envObserver) Name() string  { return "env" }
func (o *envObserver) Enabled() bool { return true }
func (o *envObserver) Metrics(ctx context.Context) (map[string]protocol.Metric, error) {
	return o.metrics, nil
}

// TestRunMergesObserverMetricsIntoTests covers the delivery of observer
// contributions in both the per-test and the run-level metric maps.
func TestRunMergesObserverMetricsIntoTests(t *testing.T) {
	ts := time.Unix(0, 0)
	tests := ids("t1")
	msgs := []control.Msg{
		&control.RunStart{Time: ts, Name: "smoke", NumTests: 1},
		&control.TestStart{Time: ts, Identity: tests[0]},
		&control.TestEnd{Time: ts, Identity: tests[0], Metrics: map[string]protocol.Metric{
			"iterations": protocol.StringMetric("10"),
		}},
		&control.RunEnd{Time: ts, Elapsed: 1000},
	}
	dev := fakerunner.New(&fakerunner.Run{Msgs: msgs, HangAfter: -1})
	cfg := testConfig(t)
	cfg.HostStats = false
	obs := &envObserver{metrics: map[string]protocol.Metric{"battery_percent": protocol.DoubleMetric(80)}}
	d := driver.New(cfg, dev, nil, nil, obs)

	report, err := d.Run(context.Background(), "smoke", tests, mustFilter(t, nil, nil))
	if err != nil {
		t.Fatal("Run: ", err)
	}
	got := report.Results[0].Metrics
	want := map[string]protocol.Metric{
		"iterations":      protocol.StringMetric("10"),
		"battery_percent": protocol.DoubleMetric(80),
	}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("Test metrics mismatch (-got +want):\n%s", diff)
	}
	if _, ok := report.RunMetrics["battery_percent"]; !ok {
		t.Errorf("RunMetrics = %v; want the observer contribution", report.RunMetrics)
	}
}

func TestListRunsExecutorInLogOnlyMode(t *testing.T) {
	ts := time.Unix(0, 0)
	tests := ids("t1", "t2")
	dev := fakerunner.New(&fakerunner.Run{Msgs: passMsgs(ts, tests), HangAfter: -1})
	cfg := testConfig(t)
	d := driver.New(cfg, dev, nil, nil)

	got, err := d.List(context.Background())
	if err != nil {
		t.Fatal("List: ", err)
	}
	if diff := cmp.Diff(got, tests); diff != "" {
		t.Errorf("List mismatch (-got +want):\n%s", diff)
	}
	cmd := strings.Join(dev.Commands[0], " ")
	if !strings.Contains(cmd, "-e log true") {
		t.Errorf("list command %q does not select log-only mode", cmd)
	}
}

func TestRunPassesTestVarsToExecutor(t *testing.T) {
	ts := time.Unix(0, 0)
	tests := ids("t1")
	dev := fakerunner.New(&fakerunner.Run{Msgs: passMsgs(ts, tests), HangAfter: -1})
	cfg := testConfig(t)
	cfg.TestVars = map[string]string{"apiKey": "secret", "baseURL": "http://x"}
	d := driver.New(cfg, dev, nil, nil)

	if _, err := d.Run(context.Background(), "smoke", tests, mustFilter(t, nil, nil)); err != nil {
		t.Fatal("Run: ", err)
	}
	cmd := strings.Join(dev.Commands[0], " ")
	for _, want := range []string{"-e apiKey secret", "-e baseURL http://x"} {
		if !strings.Contains(cmd, want) {
			t.Errorf("executor command %q does not contain %q", cmd, want)
		}
	}
}

func TestRunFailFastLimit(t *testing.T) {
	ts := time.Unix(0, 0)
	tests := ids("t1", "t2", "t3")
	msgs := []control.Msg{
		&control.RunStart{Time: ts, Name: "smoke", NumTests: 3},
		&control.TestStart{Time: ts, Identity: tests[0]},
		&control.TestFail{Time: ts, Identity: tests[0], Failure: *protocol.NewFailure("boom")},
		&control.TestEnd{Time: ts, Identity: tests[0]},
		&control.TestStart{Time: ts, Identity: tests[1]},
		&control.TestEnd{Time: ts, Identity: tests[1]},
	}
	dev := fakerunner.New(&fakerunner.Run{Msgs: msgs, HangAfter: -1})
	cfg := testConfig(t)
	cfg.Retries = 3
	cfg.MaxTestFailures = 1
	d := driver.New(cfg, dev, nil, nil)

	report, err := d.Run(context.Background(), "smoke", tests, mustFilter(t, nil, nil))
	if err != nil {
		t.Fatal("Run: ", err)
	}
	// The failure limit stops the whole invocation, including retries.
	if len(report.Attempts) != 1 {
		t.Errorf("got %d attempts; want 1", len(report.Attempts))
	}
}
