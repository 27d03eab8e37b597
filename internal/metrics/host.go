// Copyright 2024 The DeviceLab Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package metrics

import (
	"context"
	"strconv"

	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/devicelab/harness/internal/protocol"
)

// HostStatsObserver samples host-side load and memory statistics at run end.
// Sustained host pressure is a common cause of spurious device timeouts, so
// the samples are attached to every run for triage.
type HostStatsObserver struct {
	enabled bool
}

// NewHostStatsObserver creates a HostStatsObserver.
func NewHostStatsObserver(enabled bool) *HostStatsObserver {
	return &HostStatsObserver{enabled: enabled}
}

// Name implements Observer.
func (o *HostStatsObserver) Name() string { return "host_stats" }

// Enabled implements Observer.
func (o *HostStatsObserver) Enabled() bool { return o.enabled }

// Metrics implements Observer.
func (o *HostStatsObserver) Metrics(ctx context.Context) (map[string]protocol.Metric, error) {
	metrics := make(map[string]protocol.Metric)
	if avg, err := load.AvgWithContext(ctx); err == nil {
		metrics["host_load_avg_1m"] = protocol.DoubleMetric(avg.Load1)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return metrics, err
	}
	metrics["host_mem_used_percent"] = protocol.DoubleMetric(vm.UsedPercent)
	metrics["host_mem_total_bytes"] = protocol.StringMetric(strconv.FormatUint(vm.Total, 10))
	return metrics, nil
}
