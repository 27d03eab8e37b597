// Copyright 2024 The DeviceLab Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package protocol defines the basic types exchanged between test executors
// and the host-side harness: test identities, metrics and failure
// descriptions.
package protocol

import (
	"strings"

	"github.com/devicelab/harness/errors"
)

// TestIdentity identifies a single test case by its class and method names.
// It is immutable after construction and comparable with ==.
//
// Parameterized methods carry their parameter suffix in the method name
// (e.g. "testFoo[0]").
type TestIdentity struct {
	Class  string `json:"class"`
	Method string `json:"method"`
}

// NewTestIdentity creates a TestIdentity from a class and a method name.
func NewTestIdentity(class, method string) TestIdentity {
	return TestIdentity{Class: class, Method: method}
}

// ParseTestIdentity parses a string of the form "<class>#<method>".
// The method part may be empty to identify a whole class (used by filters).
func ParseTestIdentity(s string) (TestIdentity, error) {
	class, method, found := strings.Cut(s, "#")
	if class == "" {
		return TestIdentity{}, errors.Errorf("invalid test identity %q: empty class", s)
	}
	if found && method == "" {
		return TestIdentity{}, errors.Errorf("invalid test identity %q: empty method", s)
	}
	return TestIdentity{Class: class, Method: method}, nil
}

// String returns the "<class>#<method>" form of the identity.
func (t TestIdentity) String() string {
	if t.Method == "" {
		return t.Class
	}
	return t.Class + "#" + t.Method
}

// Metric is a single scalar measurement attached to a test or a run.
// Exactly one of the measurements is set; IsDouble selects which one.
// Benchmark counters (e.g. iterations) are emitted as decimal strings to keep
// metric maps type-uniform across collectors.
type Metric struct {
	SingleString string  `json:"singleString,omitempty"`
	SingleDouble float64 `json:"singleDouble,omitempty"`
	IsDouble     bool    `json:"isDouble,omitempty"`
}

// StringMetric creates a Metric holding a string measurement.
func StringMetric(s string) Metric {
	return Metric{SingleString: s}
}

// DoubleMetric creates a Metric holding a floating-point measurement.
func DoubleMetric(v float64) Metric {
	return Metric{SingleDouble: v, IsDouble: true}
}

// FailureStatus categorizes a failure reported for a test or a run.
type FailureStatus string

// Failure status values.
const (
	TestFailure  FailureStatus = "TEST_FAILURE"
	TimedOut     FailureStatus = "TIMED_OUT"
	InfraFailure FailureStatus = "INFRA_FAILURE"
	NotExecuted  FailureStatus = "NOT_EXECUTED"
)

// ErrorIdentifier gives a machine-readable hint about the specific cause of a
// failure, beyond its status category.
type ErrorIdentifier string

// Known error identifiers.
const (
	InstrumentationCrash ErrorIdentifier = "INSTRUMENTATION_CRASH"
	DeviceUnavailable    ErrorIdentifier = "DEVICE_UNAVAILABLE"
	DuplicateTest        ErrorIdentifier = "DUPLICATE_TEST"
)

// FailureDescription is a structured failure record carrying a message, a
// status category and optional diagnostic hints.
type FailureDescription struct {
	ErrorMessage     string          `json:"errorMessage"`
	Status           FailureStatus   `json:"failureStatus,omitempty"`
	DebugHelpMessage string          `json:"debugHelpMessage,omitempty"`
	ErrorIdentifier  ErrorIdentifier `json:"errorIdentifier,omitempty"`
}

// NewFailure creates a FailureDescription with status TestFailure.
func NewFailure(msg string) *FailureDescription {
	return &FailureDescription{ErrorMessage: msg, Status: TestFailure}
}

// NewInfraFailure creates a FailureDescription with status InfraFailure.
func NewInfraFailure(msg string) *FailureDescription {
	return &FailureDescription{ErrorMessage: msg, Status: InfraFailure}
}

// WithIdentifier returns a copy of f with the given error identifier set.
func (f *FailureDescription) WithIdentifier(id ErrorIdentifier) *FailureDescription {
	g := *f
	g.ErrorIdentifier = id
	return &g
}
