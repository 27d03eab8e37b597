// Copyright 2024 The DeviceLab Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package metrics_test

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/devicelab/harness/internal/metrics"
	"github.com/devicelab/harness/internal/protocol"
)

type fakeObserver struct {
	name    string
	enabled bool
	metrics map[string]protocol.Metric
	err     error
}

func (o *fakeObserver) Name() string  { return o.name }
func (o *fakeObserver) Enabled() bool { return o.enabled }
func (o *fakeObserver) Metrics(ctx context.Context) (map[string]protocol.Metric, error) {
	return o.metrics, o.err
}

func TestMergeSkipsDisabledObservers(t *testing.T) {
	m := metrics.NewMerger()
	m.Register(&fakeObserver{name: "first", enabled: true,
		metrics: map[string]protocol.Metric{"a": protocol.StringMetric("1")}})
	m.Register(&fakeObserver{name: "second", enabled: true,
		metrics: map[string]protocol.Metric{"b": protocol.StringMetric("2")}})
	m.Register(&fakeObserver{name: "third", enabled: false,
		metrics: map[string]protocol.Metric{"c": protocol.StringMetric("3")}})

	got := m.Merge(context.Background(), nil)
	want := map[string]protocol.Metric{
		"a": protocol.StringMetric("1"),
		"b": protocol.StringMetric("2"),
	}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("Merge mismatch (-got +want):\n%s", diff)
	}
}

func TestMergeLaterObserverWins(t *testing.T) {
	m := metrics.NewMerger()
	m.Register(&fakeObserver{name: "first", enabled: true,
		metrics: map[string]protocol.Metric{"a": protocol.StringMetric("old")}})
	m.Register(&fakeObserver{name: "second", enabled: true,
		metrics: map[string]protocol.Metric{"a": protocol.StringMetric("new")}})

	got := m.Merge(context.Background(), nil)
	if got["a"] != protocol.StringMetric("new") {
		t.Errorf(`Merge()["a"] = %+v; want the later contribution`, got["a"])
	}
}

func TestMergeKeepsBaseUnmodified(t *testing.T) {
	base := map[string]protocol.Metric{"a": protocol.StringMetric("base")}
	m := metrics.NewMerger()
	m.Register(&fakeObserver{name: "obs", enabled: true,
		metrics: map[string]protocol.Metric{"a": protocol.StringMetric("override")}})

	got := m.Merge(context.Background(), base)
	if got["a"] != protocol.StringMetric("override") {
		t.Errorf(`Merge()["a"] = %+v; want the observer contribution`, got["a"])
	}
	if base["a"] != protocol.StringMetric("base") {
		t.Errorf(`base["a"] = %+v; base map was modified`, base["a"])
	}
}
