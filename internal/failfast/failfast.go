// Copyright 2024 The DeviceLab Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package failfast provides a counter to make a run abort early after seeing
// too many test failures.
package failfast

import "github.com/devicelab/harness/errors"

// Counter counts test failures and reports an error once the limit is hit.
type Counter struct {
	max  int // 0 means unlimited
	seen int
}

// NewCounter creates a Counter that trips after max failures.
// If max is zero or negative the counter never trips.
func NewCounter(max int) *Counter {
	return &Counter{max: max}
}

// Increment records one test failure.
func (c *Counter) Increment() {
	c.seen++
}

// Check returns an error if the failure limit has been reached.
func (c *Counter) Check() error {
	if c.max > 0 && c.seen >= c.max {
		return errors.Errorf("aborting run: %d test(s) failed (limit %d)", c.seen, c.max)
	}
	return nil
}
