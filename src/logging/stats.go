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
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// StatusResponse for JSON output
type StatusResponse struct {
	ID                 string    `json:"id"`
	StartTime          time.Time `json:"start_time"`
	Uptime             string    `json:"uptime"`
	TasksAssigned      uint64    `json:"tasks_assigned"`
	TasksSuccessful    uint64    `json:"tasks_successful"`
	TasksFailed        uint64    `json:"tasks_failed"`
	EventsMatched      uint64    `json:"events_matched"`
	EventsUnmatched    uint64    `json:"events_unmatched"`
	RepositoryFailures uint64    `json:"repository_failures"`
	ActiveExecutions   int       `json:"active_executions"`
}

// SchedulerStats tracks the in-process counters served by /status.
type SchedulerStats struct {
	mu             sync.RWMutex
	statusResponse StatusResponse
}

func NewSchedulerStats(id string) *SchedulerStats {
	return &SchedulerStats{
		statusResponse: StatusResponse{
			ID:        id,
			StartTime: time.Now(),
		},
	}
}

// UpdateStats adds the given deltas and mirrors them to OTel counters.
func (s *SchedulerStats) UpdateStats(assigned, success, failed, repositoryFailures uint64) {
	s.mu.Lock()
	s.statusResponse.TasksAssigned += assigned
	s.statusResponse.TasksSuccessful += success
	s.statusResponse.TasksFailed += failed
	s.statusResponse.RepositoryFailures += repositoryFailures
	s.mu.Unlock()

	ctx := context.Background()
	if assigned > 0 {
		Count(ctx, MetricTasksAssigned, int64(assigned))
	}
	if success > 0 {
		Count(ctx, MetricTasksSucceeded, int64(success))
	}
	if failed > 0 {
		Count(ctx, MetricTasksFailed, int64(failed))
	}
	if repositoryFailures > 0 {
		Count(ctx, MetricRepositoryFailures, int64(repositoryFailures))
	}
}

// RecordEvent counts one inbound event by how it was matched.
func (s *SchedulerStats) RecordEvent(matchType string, matched bool) {
	s.mu.Lock()
	if matched {
		s.statusResponse.EventsMatched++
	} else {
		s.statusResponse.EventsUnmatched++
	}
	s.mu.Unlock()

	name := MetricEventsUnmatched
	if matched {
		name = MetricEventsCorrelated
	}
	Count(context.Background(), name, 1, attribute.String("match_type", matchType))
}

func (s *SchedulerStats) ExecutionStarted() {
	s.mu.Lock()
	s.statusResponse.ActiveExecutions++
	s.mu.Unlock()
}

func (s *SchedulerStats) ExecutionFinished() {
	s.mu.Lock()
	s.statusResponse.ActiveExecutions--
	s.mu.Unlock()
}

// GetStats returns the current statistics as a response struct
func (s *SchedulerStats) GetStats() StatusResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	resp := s.statusResponse
	resp.Uptime = time.Since(s.statusResponse.StartTime).Truncate(time.Second).String()
	return resp
}
