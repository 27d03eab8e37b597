// Copyright 2024 The DeviceLab Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package control writes and reads control messages describing the state of a
// test run.
//
// Control messages are JSON-marshaled and used for communication from test
// executors to the harness. A typical sequence is as follows:
//
//	RunStart (run started)
//		RunLog (run logged a message)
//		TestStart (first test started)
//			TestLog (first test logged a message)
//		TestEnd (first test ended)
//		TestStart (second test started)
//			TestFail (second test reported a failure)
//		TestEnd (second test ended)
//	RunEnd (run ended)
//
// Control messages of different types are unmarshaled into a single
// messageUnion struct. To be able to infer a message's type, each message
// struct must contain a Time field with a message-type-prefixed JSON name
// (e.g. "runStartTime" for RunStart.Time), and all other fields must be
// similarly namespaced.
package control

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/devicelab/harness/errors"
	"github.com/devicelab/harness/internal/protocol"
)

// Msg is an interface implemented by all message types.
type Msg interface {
	// isMsg indicates that a type is a message type. It is not intended to be
	// called. Since this method is unexported, no other packages can define
	// message types.
	isMsg()
}

// RunStart describes the start of a run (consisting of one or more tests).
type RunStart struct {
	// Time is the device-local time at which the run started.
	Time time.Time `json:"runStartTime"`
	// Name is the name of the run, for reporting purposes.
	Name string `json:"runStartName"`
	// Tests contains the identities of tests to run, in the order in which
	// they'll be executed. Some of these tests may later be skipped.
	Tests []protocol.TestIdentity `json:"runStartTests"`
	// NumTests is the number of tests that will be run. It is used as a
	// fallback for executors that cannot enumerate tests up front.
	NumTests int `json:"runStartNumTests"`
}

func (*RunStart) isMsg() {}

// RunLog contains an informative, high-level logging message produced by a run.
type RunLog struct {
	// Time is the device-local time at which the message was logged.
	Time time.Time `json:"runLogTime"`
	// Text is the actual message.
	Text string `json:"runLogText"`
}

func (*RunLog) isMsg() {}

// RunError describes a run-level failure: the batch could not complete.
// This may be encountered at any time (including before RunStart). A RunEnd
// message is still expected afterwards.
type RunError struct {
	// Time is the device-local time at which the error occurred.
	Time time.Time `json:"runErrorTime"`
	// Failure describes the failure that occurred.
	Failure protocol.FailureDescription `json:"runErrorFailure"`
}

func (*RunError) isMsg() {}

// RunEnd describes the completion of a run.
type RunEnd struct {
	// Time is the device-local time at which the run ended.
	Time time.Time `json:"runEndTime"`
	// Elapsed is the executor-reported elapsed run time in milliseconds.
	Elapsed int64 `json:"runEndElapsedMillis"`
	// Metrics contains run-level metrics.
	Metrics map[string]protocol.Metric `json:"runEndMetrics,omitempty"`
}

func (*RunEnd) isMsg() {}

// TestStart describes the start of an individual test case.
type TestStart struct {
	// Time is the device-local time at which the test started.
	Time time.Time `json:"testStartTime"`
	// Identity identifies the test case.
	Identity protocol.TestIdentity `json:"testStartIdentity"`
	// OutDir is a directory path on the device where output files for the
	// test are written. It can be empty if the test produces no output files.
	OutDir string `json:"testStartOutDir,omitempty"`
}

func (*TestStart) isMsg() {}

// TestLog contains an informative logging message produced by a test.
type TestLog struct {
	// Time is the device-local time at which the message was logged.
	Time time.Time `json:"testLogTime"`
	// Identity matches the earlier TestStart.Identity.
	Identity protocol.TestIdentity `json:"testLogIdentity"`
	// Text is the actual message.
	Text string `json:"testLogText"`
}

func (*TestLog) isMsg() {}

// TestFail reports an assertion or behavioral failure of a test case.
// The test still completes with a later TestEnd.
type TestFail struct {
	// Time is the device-local time at which the failure occurred.
	Time time.Time `json:"testFailTime"`
	// Identity matches the earlier TestStart.Identity.
	Identity protocol.TestIdentity `json:"testFailIdentity"`
	// Failure describes the failure.
	Failure protocol.FailureDescription `json:"testFailFailure"`
}

func (*TestFail) isMsg() {}

// TestIgnore reports that a test case was ignored by the executor.
type TestIgnore struct {
	// Time is the device-local time at which the test was ignored.
	Time time.Time `json:"testIgnoreTime"`
	// Identity matches the earlier TestStart.Identity.
	Identity protocol.TestIdentity `json:"testIgnoreIdentity"`
}

func (*TestIgnore) isMsg() {}

// TestAssumption reports a failed assumption: the test could not run
// meaningfully in the current environment and must not count as a failure.
type TestAssumption struct {
	// Time is the device-local time at which the assumption failed.
	Time time.Time `json:"testAssumptionTime"`
	// Identity matches the earlier TestStart.Identity.
	Identity protocol.TestIdentity `json:"testAssumptionIdentity"`
	// Failure describes the failed assumption.
	Failure protocol.FailureDescription `json:"testAssumptionFailure"`
}

func (*TestAssumption) isMsg() {}

// TestSkip reports that a test case was skipped with a reason.
type TestSkip struct {
	// Time is the device-local time at which the test was skipped.
	Time time.Time `json:"testSkipTime"`
	// Identity matches the earlier TestStart.Identity.
	Identity protocol.TestIdentity `json:"testSkipIdentity"`
	// Reason contains a human-readable explanation of why the test was
	// skipped.
	Reason string `json:"testSkipReason"`
}

func (*TestSkip) isMsg() {}

// TestEnd describes the end of an individual test case.
type TestEnd struct {
	// Time is the device-local time at which the test ended.
	Time time.Time `json:"testEndTime"`
	// Identity matches the earlier TestStart.Identity.
	Identity protocol.TestIdentity `json:"testEndIdentity"`
	// Metrics contains measurements attached to the test by the executor.
	Metrics map[string]protocol.Metric `json:"testEndMetrics,omitempty"`
}

func (*TestEnd) isMsg() {}

// Heartbeat is sent periodically to assert that the executor is alive.
type Heartbeat struct {
	// Time is the device-local time at which this message was generated.
	Time time.Time `json:"heartbeatTime"`
}

func (*Heartbeat) isMsg() {}

// messageUnion contains all message types. It aids in marshaling and
// unmarshaling heterogeneous messages.
type messageUnion struct {
	*RunStart
	*RunLog
	*RunError
	*RunEnd
	*TestStart
	*TestLog
	*TestFail
	*TestIgnore
	*TestAssumption
	*TestSkip
	*TestEnd
	*Heartbeat
}

// MessageWriter is used by executables containing tests to write messages
// describing the state of testing.
// It is safe to call its methods concurrently from multiple goroutines.
type MessageWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewMessageWriter returns a new MessageWriter for writing to w.
func NewMessageWriter(w io.Writer) *MessageWriter {
	return &MessageWriter{enc: json.NewEncoder(w)}
}

// WriteMessage writes msg.
func (mw *MessageWriter) WriteMessage(msg Msg) error {
	mw.mu.Lock()
	defer mw.mu.Unlock()

	switch v := msg.(type) {
	case *RunStart:
		return mw.enc.Encode(&messageUnion{RunStart: v})
	case *RunLog:
		return mw.enc.Encode(&messageUnion{RunLog: v})
	case *RunError:
		return mw.enc.Encode(&messageUnion{RunError: v})
	case *RunEnd:
		return mw.enc.Encode(&messageUnion{RunEnd: v})
	case *TestStart:
		return mw.enc.Encode(&messageUnion{TestStart: v})
	case *TestLog:
		return mw.enc.Encode(&messageUnion{TestLog: v})
	case *TestFail:
		return mw.enc.Encode(&messageUnion{TestFail: v})
	case *TestIgnore:
		return mw.enc.Encode(&messageUnion{TestIgnore: v})
	case *TestAssumption:
		return mw.enc.Encode(&messageUnion{TestAssumption: v})
	case *TestSkip:
		return mw.enc.Encode(&messageUnion{TestSkip: v})
	case *TestEnd:
		return mw.enc.Encode(&messageUnion{TestEnd: v})
	case *Heartbeat:
		return mw.enc.Encode(&messageUnion{Heartbeat: v})
	default:
		return errors.New("unable to encode message of unknown type")
	}
}

// MessageReader is used by the harness to interpret output from executors.
type MessageReader json.Decoder

// NewMessageReader returns a new MessageReader for reading from r.
func NewMessageReader(r io.Reader) *MessageReader {
	return (*MessageReader)(json.NewDecoder(r))
}

// More returns true if more messages are available.
func (mr *MessageReader) More() bool {
	return (*json.Decoder)(mr).More()
}

// ReadMessage reads and returns the next message.
func (mr *MessageReader) ReadMessage() (Msg, error) {
	dec := (*json.Decoder)(mr)
	var mu messageUnion
	if err := dec.Decode(&mu); err != nil {
		return nil, fmt.Errorf("unable to decode message: %v", err)
	}
	switch {
	case mu.RunStart != nil:
		return mu.RunStart, nil
	case mu.RunLog != nil:
		return mu.RunLog, nil
	case mu.RunError != nil:
		return mu.RunError, nil
	case mu.RunEnd != nil:
		return mu.RunEnd, nil
	case mu.TestStart != nil:
		return mu.TestStart, nil
	case mu.TestLog != nil:
		return mu.TestLog, nil
	case mu.TestFail != nil:
		return mu.TestFail, nil
	case mu.TestIgnore != nil:
		return mu.TestIgnore, nil
	case mu.TestAssumption != nil:
		return mu.TestAssumption, nil
	case mu.TestSkip != nil:
		return mu.TestSkip, nil
	case mu.TestEnd != nil:
		return mu.TestEnd, nil
	case mu.Heartbeat != nil:
		return mu.Heartbeat, nil
	default:
		return nil, errors.New("unable to decode message of unknown type")
	}
}
