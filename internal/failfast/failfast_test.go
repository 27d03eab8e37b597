// Copyright 2024 The DeviceLab Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package failfast_test

import (
	"testing"

	"github.com/devicelab/harness/internal/failfast"
)

func TestCounter(t *testing.T) {
	c := failfast.NewCounter(2)
	if err := c.Check(); err != nil {
		t.Error("Check failed unexpectedly before any failure: ", err)
	}
	c.Increment()
	if err := c.Check(); err != nil {
		t.Error("Check failed unexpectedly below the limit: ", err)
	}
	c.Increment()
	if err := c.Check(); err == nil {
		t.Error("Check succeeded unexpectedly at the limit")
	}
}

func TestCounterUnlimited(t *testing.T) {
	c := failfast.NewCounter(0)
	for i := 0; i < 100; i++ {
		c.Increment()
	}
	if err := c.Check(); err != nil {
		t.Error("Check failed unexpectedly for an unlimited counter: ", err)
	}
}
