// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package logging

import (
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Counter names exported by the scheduler.
const (
	MetricTasksAssigned      = "scheduler_tasks_assigned"
	MetricTasksSucceeded     = "scheduler_tasks_succeeded"
	MetricTasksFailed        = "scheduler_tasks_failed"
	MetricEventsCorrelated   = "correlator_events_matched"
	MetricEventsUnmatched    = "correlator_events_unmatched"
	MetricRepositoryFailures = "scheduler_repository_failures"
)

var counterDescriptions = map[string]string{
	MetricTasksAssigned:      "Tasks handed to a worker",
	MetricTasksSucceeded:     "Generation attempts that succeeded",
	MetricTasksFailed:        "Generation attempts that failed",
	MetricEventsCorrelated:   "Inbound events bound to a task",
	MetricEventsUnmatched:    "Inbound events with no matching task",
	MetricRepositoryFailures: "Failed task repository calls",
}

var (
	countersMu sync.Mutex
	counters   = map[string]metric.Int64Counter{}
)

func counter(name string) metric.Int64Counter {
	countersMu.Lock()
	defer countersMu.Unlock()
	if c, ok := counters[name]; ok {
		return c
	}
	c, err := meter.Int64Counter(name, metric.WithDescription(counterDescriptions[name]), metric.WithUnit("{event}"))
	if err != nil {
		Log("Failed to create metric "+name+": "+err.Error(), slog.LevelError)
		return nil
	}
	counters[name] = c
	return c
}

// Count adds n to the named counter.
func Count(ctx context.Context, name string, n int64, attrs ...attribute.KeyValue) {
	if c := counter(name); c != nil {
		c.Add(ctx, n, metric.WithAttributes(attrs...))
	}
}
