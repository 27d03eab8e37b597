// Copyright 2024 The DeviceLab Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package rerun decides whether a run attempt should be retried and which
// tests the retry must exclude.
//
// A test is settled once any prior attempt completed it with a terminal
// status (pass, skip, ignore, assumption failure). Failed and incomplete
// tests stay eligible for retry, as do tests a crashed attempt never
// reached. Skip-listed tests are excluded unconditionally; their outcomes
// never justify a retry.
package rerun

import (
	"github.com/devicelab/harness/internal/filter"
	"github.com/devicelab/harness/internal/protocol"
	"github.com/devicelab/harness/internal/results"
)

// Coordinator holds the retry budget and the skip list.
// Its methods are pure functions of their arguments and the configuration,
// so repeated calls with the same inputs give the same answers.
type Coordinator struct {
	maxRetries int
	skipList   []protocol.TestIdentity
}

// NewCoordinator creates a Coordinator allowing up to maxRetries retries
// after the initial attempt. skipList entries use filter pattern semantics:
// an entry without a method part covers the whole class.
func NewCoordinator(maxRetries int, skipList []protocol.TestIdentity) *Coordinator {
	return &Coordinator{maxRetries: maxRetries, skipList: skipList}
}

func (c *Coordinator) skipListed(id protocol.TestIdentity) bool {
	for _, p := range c.skipList {
		if filter.Matches(p, id) {
			return true
		}
	}
	return false
}

// settled reports whether the status needs no further attempt.
func settled(s results.TestStatus) bool {
	switch s {
	case results.Pass, results.Skipped, results.Ignored, results.AssumptionFailure:
		return true
	}
	return false
}

// ShouldRetry reports whether another attempt is warranted after the given
// number of attempts. It returns true when the retry budget allows it and
// the latest attempt left retryable work: a run-level failure, an incomplete
// run, or a non-skip-listed test that failed or did not finish.
func (c *Coordinator) ShouldRetry(attempts int, prior []*results.RunResult) bool {
	if attempts > c.maxRetries || len(prior) == 0 {
		return false
	}
	last := prior[len(prior)-1]
	if !last.IsComplete() || last.RunFailure() != nil {
		return true
	}
	for _, res := range last.Completed() {
		if !settled(res.Status) && !c.skipListed(res.Identity) {
			return true
		}
	}
	return false
}

// ComputeExclusions returns the identities a retry attempt must exclude:
// every test settled by any prior attempt, plus the skip list. The returned
// slice preserves first-seen order across attempts with the skip list
// appended, so equal inputs produce equal outputs.
func (c *Coordinator) ComputeExclusions(prior []*results.RunResult) []protocol.TestIdentity {
	var exclusions []protocol.TestIdentity
	seen := make(map[protocol.TestIdentity]bool)
	for _, r := range prior {
		for _, res := range r.Completed() {
			if seen[res.Identity] || !settled(res.Status) {
				continue
			}
			seen[res.Identity] = true
			exclusions = append(exclusions, res.Identity)
		}
	}
	for _, p := range c.skipList {
		if !seen[p] {
			seen[p] = true
			exclusions = append(exclusions, p)
		}
	}
	return exclusions
}
