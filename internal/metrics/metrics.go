// Copyright 2024 The DeviceLab Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package metrics merges metric contributions from multiple observers into
// the maps delivered with test and run results.
package metrics

import (
	"context"

	"github.com/devicelab/harness/internal/logging"
	"github.com/devicelab/harness/internal/protocol"
)

// Observer contributes metrics when a test or a run ends.
type Observer interface {
	// Name identifies the observer in logs.
	Name() string
	// Enabled reports whether the observer should contribute at all.
	// Disabled observers are consulted but contribute nothing.
	Enabled() bool
	// Metrics returns the observer's contribution. A nil map is allowed.
	Metrics(ctx context.Context) (map[string]protocol.Metric, error)
}

// Merger merges metric maps from registered observers in registration order.
// On a key collision the later contribution wins.
type Merger struct {
	observers []Observer
}

// NewMerger creates a Merger with no registered observers.
func NewMerger() *Merger {
	return &Merger{}
}

// Register appends an observer. Contribution order follows registration
// order, so observers registered later override earlier ones on collision.
func (m *Merger) Register(o Observer) {
	m.observers = append(m.observers, o)
}

// Merge returns base extended with each enabled observer's contribution,
// applied in registration order. base itself is not modified. An observer
// error is logged and its contribution dropped; metric collection never
// fails a run.
func (m *Merger) Merge(ctx context.Context, base map[string]protocol.Metric) map[string]protocol.Metric {
	merged := make(map[string]protocol.Metric, len(base))
	for k, v := range base {
		merged[k] = v
	}
	for _, o := range m.observers {
		if !o.Enabled() {
			continue
		}
		contrib, err := o.Metrics(ctx)
		if err != nil {
			logging.Infof(ctx, "Failed to collect metrics from %s: %v", o.Name(), err)
			continue
		}
		for k, v := range contrib {
			merged[k] = v
		}
	}
	return merged
}
