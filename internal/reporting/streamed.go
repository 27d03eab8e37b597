// Copyright 2024 The DeviceLab Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package reporting persists run results: a streamed JSONL file updated
// while tests run, a final results.json, a JUnit XML file and a human
// readable summary.
package reporting

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/devicelab/harness/internal/processor"
	"github.com/devicelab/harness/internal/protocol"
	"github.com/devicelab/harness/internal/results"
)

// StreamedResultsFilename is the file name used for streamed results.
const StreamedResultsFilename = "streamed_results.jsonl"

// StreamedWriter writes a stream of JSON-marshaled test results to a file,
// one per line. The last-written record can be replaced in place, so a
// test's record appears as soon as it starts and is finalized when it ends.
// If the record stays marked incomplete, the harness crashed mid-test.
type StreamedWriter struct {
	f          *os.File
	enc        *json.Encoder
	lastOffset int64 // file offset of the start of the last-written record
}

// NewStreamedWriter creates a StreamedWriter writing to the file at path.
// If the file already exists, new results are appended to it.
func NewStreamedWriter(path string) (*StreamedWriter, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0666)
	if err != nil {
		return nil, err
	}
	eof, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &StreamedWriter{f: f, enc: json.NewEncoder(f), lastOffset: eof}, nil
}

// Close closes the underlying file.
func (w *StreamedWriter) Close() error {
	return w.f.Close()
}

// Write appends the JSON representation of res. If update is true, the
// previous record written by this instance is overwritten instead.
// Concurrent calls are not supported; tests run serially.
func (w *StreamedWriter) Write(res *results.TestResult, update bool) error {
	var err error
	if update {
		if _, err = w.f.Seek(w.lastOffset, io.SeekStart); err != nil {
			return err
		}
		if err = w.f.Truncate(w.lastOffset); err != nil {
			return err
		}
	} else {
		if w.lastOffset, err = w.f.Seek(0, io.SeekCurrent); err != nil {
			return err
		}
	}
	return w.enc.Encode(res)
}

// StreamedListener feeds a StreamedWriter from lifecycle callbacks. A test's
// record is written as incomplete on start and rewritten with the final
// outcome on end.
type StreamedListener struct {
	processor.BaseListener
	w       *StreamedWriter
	current *results.TestResult
}

// NewStreamedListener creates a StreamedListener writing to w.
func NewStreamedListener(w *StreamedWriter) *StreamedListener {
	return &StreamedListener{w: w}
}

// TestStarted implements processor.Listener.
func (l *StreamedListener) TestStarted(ctx context.Context, id protocol.TestIdentity, outDir string, ts time.Time) error {
	l.current = &results.TestResult{Identity: id, Status: results.Incomplete, Start: ts}
	return l.w.Write(l.current, false)
}

// TestFailed implements processor.Listener.
func (l *StreamedListener) TestFailed(ctx context.Context, id protocol.TestIdentity, f *protocol.FailureDescription) error {
	if l.current == nil || l.current.Identity != id {
		return nil
	}
	l.current.Status = results.Fail
	l.current.Failure = f
	return nil
}

// TestSkipped implements processor.Listener.
func (l *StreamedListener) TestSkipped(ctx context.Context, id protocol.TestIdentity, reason string) error {
	if l.current == nil || l.current.Identity != id {
		return nil
	}
	l.current.Status = results.Skipped
	l.current.SkipReason = reason
	return nil
}

// TestAssumptionFailure implements processor.Listener.
func (l *StreamedListener) TestAssumptionFailure(ctx context.Context, id protocol.TestIdentity, f *protocol.FailureDescription) error {
	if l.current == nil || l.current.Identity != id {
		return nil
	}
	l.current.Status = results.AssumptionFailure
	l.current.Failure = f
	return nil
}

// TestIgnored implements processor.Listener.
func (l *StreamedListener) TestIgnored(ctx context.Context, id protocol.TestIdentity) error {
	if l.current == nil || l.current.Identity != id {
		return nil
	}
	l.current.Status = results.Ignored
	return nil
}

// TestEnded implements processor.Listener.
func (l *StreamedListener) TestEnded(ctx context.Context, id protocol.TestIdentity, ts time.Time, metrics map[string]protocol.Metric) error {
	if l.current == nil || l.current.Identity != id {
		return nil
	}
	res := l.current
	l.current = nil
	if res.Status == results.Incomplete {
		res.Status = results.Pass
	}
	res.End = ts
	res.Metrics = metrics
	return l.w.Write(res, true)
}
