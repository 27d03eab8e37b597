// Copyright 2024 The DeviceLab Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package results aggregates lifecycle events of one test run into a
// queryable result.
//
// A RunResult is created open by OnRunStarted, mutated by the per-test
// callbacks, and finalized by OnRunEnded. Duplicate starts of the same test
// identity are recorded distinctly by sequence, not de-duplicated; downstream
// duplicate detection depends on exact counts.
package results

import (
	"time"

	"github.com/devicelab/harness/errors"
	"github.com/devicelab/harness/internal/protocol"
)

// TestStatus describes the outcome of a single test case attempt.
type TestStatus string

// Test status values.
const (
	Pass              TestStatus = "PASS"
	Fail              TestStatus = "FAIL"
	Ignored           TestStatus = "IGNORED"
	AssumptionFailure TestStatus = "ASSUMPTION_FAILURE"
	Skipped           TestStatus = "SKIPPED"
	// Incomplete marks a test that started but never ended, typically
	// because the executor or the device crashed mid-test.
	Incomplete TestStatus = "INCOMPLETE"
)

// StartedTest is an entry in a run's started-test sequence.
type StartedTest struct {
	Identity protocol.TestIdentity `json:"identity"`
	Start    time.Time             `json:"start"`
}

// TestResult is the recorded outcome of a single test case attempt.
type TestResult struct {
	Identity protocol.TestIdentity `json:"identity"`
	Status   TestStatus            `json:"status"`
	// Failure is set when Status is Fail, AssumptionFailure or Incomplete.
	Failure *protocol.FailureDescription `json:"failure,omitempty"`
	// SkipReason is set when Status is Skipped.
	SkipReason string                     `json:"skipReason,omitempty"`
	Metrics    map[string]protocol.Metric `json:"metrics,omitempty"`
	Start      time.Time                  `json:"start"`
	// End may hold the zero value to indicate that the test did not complete.
	End time.Time `json:"end"`
	// OutDir is the host directory into which test output is stored.
	OutDir string `json:"outDir,omitempty"`
}

// pendingTest tracks a started test until its TestEnd arrives.
type pendingTest struct {
	result TestResult
}

// RunResult is the mutable aggregate of one test run's lifecycle events.
// It is owned by the single goroutine driving the run; methods must not be
// called concurrently.
type RunResult struct {
	name          string
	expectedCount int
	open          bool
	complete      bool

	started   []StartedTest
	pending   []*pendingTest // started but not yet ended, in start order
	completed []*TestResult
	seenTimes map[protocol.TestIdentity]int

	runFailure *protocol.FailureDescription
	runMetrics map[string]protocol.Metric
	elapsed    time.Duration
}

// New creates an empty RunResult. OnRunStarted must be called before any
// other mutator.
func New() *RunResult {
	return &RunResult{seenTimes: make(map[protocol.TestIdentity]int)}
}

// OnRunStarted opens the run. Calling it while a previous run on the same
// object is not finalized is a programmer error and panics.
func (r *RunResult) OnRunStarted(name string, expectedCount int) {
	if r.open {
		panic("results: OnRunStarted called while a run is open")
	}
	r.name = name
	r.expectedCount = expectedCount
	r.open = true
	r.complete = false
	r.started = nil
	r.pending = nil
	r.completed = nil
	r.seenTimes = make(map[protocol.TestIdentity]int)
	r.runFailure = nil
	r.runMetrics = nil
	r.elapsed = 0
}

// OnTestStarted appends a test to the started sequence. Duplicate starts for
// the same identity within one run are recorded distinctly.
func (r *RunResult) OnTestStarted(id protocol.TestIdentity, ts time.Time) error {
	if !r.open {
		return errors.Errorf("test %s started before the run", id)
	}
	r.started = append(r.started, StartedTest{Identity: id, Start: ts})
	r.seenTimes[id]++
	r.pending = append(r.pending, &pendingTest{result: TestResult{
		Identity: id,
		Status:   Pass, // overwritten by a later failure/skip event
		Start:    ts,
	}})
	return nil
}

// findPending returns the most recent in-flight occurrence of id.
func (r *RunResult) findPending(id protocol.TestIdentity) *pendingTest {
	for i := len(r.pending) - 1; i >= 0; i-- {
		if r.pending[i].result.Identity == id {
			return r.pending[i]
		}
	}
	return nil
}

// OnTestFailed records an assertion or behavioral failure for an in-flight
// test. The test still completes with a later OnTestEnded.
func (r *RunResult) OnTestFailed(id protocol.TestIdentity, f *protocol.FailureDescription) error {
	p := r.findPending(id)
	if p == nil {
		return errors.Errorf("test %s failed while it was not running", id)
	}
	p.result.Status = Fail
	p.result.Failure = f
	return nil
}

// OnTestIgnored records that an in-flight test was ignored.
func (r *RunResult) OnTestIgnored(id protocol.TestIdentity) error {
	p := r.findPending(id)
	if p == nil {
		return errors.Errorf("test %s ignored while it was not running", id)
	}
	p.result.Status = Ignored
	return nil
}

// OnTestAssumptionFailure records a failed assumption for an in-flight test.
func (r *RunResult) OnTestAssumptionFailure(id protocol.TestIdentity, f *protocol.FailureDescription) error {
	p := r.findPending(id)
	if p == nil {
		return errors.Errorf("assumption failed for test %s while it was not running", id)
	}
	p.result.Status = AssumptionFailure
	p.result.Failure = f
	return nil
}

// OnTestSkipped records that an in-flight test was skipped with a reason.
func (r *RunResult) OnTestSkipped(id protocol.TestIdentity, reason string) error {
	p := r.findPending(id)
	if p == nil {
		return errors.Errorf("test %s skipped while it was not running", id)
	}
	p.result.Status = Skipped
	p.result.SkipReason = reason
	return nil
}

// OnTestEnded completes the most recent in-flight occurrence of id. The
// status is derived from whether a failure/ignore/assumption/skip event was
// recorded since the matching start; metrics are attached verbatim.
func (r *RunResult) OnTestEnded(id protocol.TestIdentity, ts time.Time, metrics map[string]protocol.Metric) error {
	p := r.findPending(id)
	if p == nil {
		return errors.Errorf("test %s ended while it was not running", id)
	}
	for i, q := range r.pending {
		if q == p {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			break
		}
	}
	p.result.End = ts
	p.result.Metrics = metrics
	r.completed = append(r.completed, &p.result)
	return nil
}

// OnRunFailed sets the run-level failure. It does not finalize the run; a
// subsequent OnRunEnded is still expected.
func (r *RunResult) OnRunFailed(f *protocol.FailureDescription) {
	r.runFailure = f
}

// OnRunEnded finalizes the run. Any still-pending test is recorded as
// Incomplete; per the listener contract this is expected after a run-level
// failure, not an error.
func (r *RunResult) OnRunEnded(elapsed time.Duration, metrics map[string]protocol.Metric) {
	for _, p := range r.pending {
		p.result.Status = Incomplete
		if p.result.Failure == nil {
			p.result.Failure = &protocol.FailureDescription{
				ErrorMessage: "test did not finish",
				Status:       protocol.NotExecuted,
			}
		}
		r.completed = append(r.completed, &p.result)
	}
	r.pending = nil
	r.elapsed = elapsed
	r.runMetrics = metrics
	r.complete = true
	r.open = false
}

// Name returns the run name.
func (r *RunResult) Name() string { return r.name }

// ExpectedCount returns the test count declared by the run start event.
// It is preserved for reporting even if fewer tests actually ran.
func (r *RunResult) ExpectedCount() int { return r.expectedCount }

// IsComplete reports whether a matching run-end event was observed.
func (r *RunResult) IsComplete() bool { return r.complete }

// RunFailure returns the run-level failure, or nil if the run did not fail.
func (r *RunResult) RunFailure() *protocol.FailureDescription { return r.runFailure }

// RunMetrics returns run-level metrics recorded by OnRunEnded.
func (r *RunResult) RunMetrics() map[string]protocol.Metric { return r.runMetrics }

// Elapsed returns the executor-reported elapsed run time.
func (r *RunResult) Elapsed() time.Duration { return r.elapsed }

// Started returns the started-test sequence, including duplicates.
func (r *RunResult) Started() []StartedTest {
	return append([]StartedTest(nil), r.started...)
}

// Completed returns recorded test results in completion order.
func (r *RunResult) Completed() []*TestResult {
	return append([]*TestResult(nil), r.completed...)
}

// StartCount returns how many times id was started within this run.
func (r *RunResult) StartCount(id protocol.TestIdentity) int {
	return r.seenTimes[id]
}

// Duplicates returns identities started more than once within this run, in
// first-start order.
func (r *RunResult) Duplicates() []protocol.TestIdentity {
	var dups []protocol.TestIdentity
	reported := make(map[protocol.TestIdentity]bool)
	for _, s := range r.started {
		if r.seenTimes[s.Identity] > 1 && !reported[s.Identity] {
			reported[s.Identity] = true
			dups = append(dups, s.Identity)
		}
	}
	return dups
}

// Passed returns the set of identities whose recorded status is Pass.
func (r *RunResult) Passed() map[protocol.TestIdentity]bool {
	passed := make(map[protocol.TestIdentity]bool)
	for _, res := range r.completed {
		if res.Status == Pass {
			passed[res.Identity] = true
		}
	}
	return passed
}
