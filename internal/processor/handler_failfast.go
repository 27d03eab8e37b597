// Copyright 2024 The DeviceLab Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package processor

import (
	"context"

	"github.com/devicelab/harness/internal/failfast"
	"github.com/devicelab/harness/internal/protocol"
)

// FailFastListener aborts the attempt once too many tests have failed.
// The abort surfaces as an error from TestFailed, which stops message
// processing; the caller then calls FatalError to balance the sequence.
type FailFastListener struct {
	BaseListener
	counter *failfast.Counter
	tripped bool
}

// NewFailFastListener creates a FailFastListener. counter may be nil, in
// which case the listener does nothing.
func NewFailFastListener(counter *failfast.Counter) *FailFastListener {
	return &FailFastListener{counter: counter}
}

// TestFailed implements Listener.
func (h *FailFastListener) TestFailed(ctx context.Context, id protocol.TestIdentity, f *protocol.FailureDescription) error {
	if h.counter == nil || h.tripped {
		// Failures synthesized while tearing down an aborted attempt must
		// not trip the counter again.
		return nil
	}
	h.counter.Increment()
	if err := h.counter.Check(); err != nil {
		h.tripped = true
		return err
	}
	return nil
}
