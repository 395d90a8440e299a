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

package processor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"videofleet/src/logging"
	"videofleet/src/registry"
	"videofleet/src/store"
)

// Scheduler pairs idle workers with pending tasks on a fixed interval and
// whenever it is woken.
type Scheduler struct {
	repo       store.TaskRepository
	workers    *registry.Registry
	supervisor *Supervisor
	stats      *logging.SchedulerStats
	interval   time.Duration
	wake       chan struct{}
}

func NewScheduler(repo store.TaskRepository, workers *registry.Registry, supervisor *Supervisor, stats *logging.SchedulerStats, interval time.Duration) *Scheduler {
	s := &Scheduler{
		repo:       repo,
		workers:    workers,
		supervisor: supervisor,
		stats:      stats,
		interval:   interval,
		wake:       make(chan struct{}, 1),
	}
	supervisor.onRelease = s.Wake
	return s
}

// Wake requests an early cycle. It never blocks.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run loops until ctx is cancelled. In-flight executions are not waited
// for; use Supervisor.Wait.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	logging.Log(fmt.Sprintf("Scheduler started (interval %s)", s.interval), slog.LevelInfo)
	s.Cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			logging.Log("Scheduler stopped", slog.LevelInfo)
			return
		case <-ticker.C:
			s.Cycle(ctx)
		case <-s.wake:
			s.Cycle(ctx)
		}
	}
}

// Cycle runs one assignment pass and returns how many executions it started.
func (s *Scheduler) Cycle(ctx context.Context) (started int) {
	defer func() {
		if r := recover(); r != nil {
			logging.Log(fmt.Sprintf("Scheduler cycle panicked: %v", r), slog.LevelError)
			started = 0
		}
	}()

	idle := s.workers.IdleWorkers()
	if len(idle) == 0 {
		return 0
	}

	tasks, err := s.repo.ListPending(ctx, len(idle))
	if err != nil {
		logging.Log(fmt.Sprintf("Error querying pending tasks: %v", err), slog.LevelError)
		s.stats.UpdateStats(0, 0, 0, 1)
		return 0
	}
	if len(tasks) == 0 {
		return 0
	}

	ctx, span := logging.StartSpan(ctx, "scheduler.cycle", attribute.Int("workers.idle", len(idle)), attribute.Int("tasks.pending", len(tasks)))
	defer span.End()

	n := min(len(idle), len(tasks))
	batch := make([]store.Assignment, n)
	for i := 0; i < n; i++ {
		batch[i] = store.Assignment{TaskID: tasks[i].ID, WorkerID: idle[i], Attempt: tasks[i].Attempt}
	}
	if err := s.repo.AssignWorkers(ctx, batch); err != nil {
		logging.Log(fmt.Sprintf("Assignment batch of %d aborted: %v", n, err), slog.LevelError)
		s.stats.UpdateStats(0, 0, 0, 1)
		return 0
	}

	for i, a := range batch {
		if err := s.workers.MarkBusy(a.WorkerID, a.TaskID, a.Attempt); err != nil {
			// the worker left the pool after the snapshot
			logging.Log(fmt.Sprintf("Worker %s no longer idle, returning task %d: %v", a.WorkerID, a.TaskID, err), slog.LevelWarn)
			if _, err := s.repo.DetachWorker(ctx, a.TaskID, a.WorkerID, a.Attempt); err != nil {
				logging.Log(fmt.Sprintf("Error detaching task %d: %v", a.TaskID, err), slog.LevelError)
				s.stats.UpdateStats(0, 0, 0, 1)
			}
			continue
		}
		logging.Log(fmt.Sprintf("Assigned task %d to worker %s", a.TaskID, a.WorkerID), slog.LevelInfo)
		s.supervisor.Start(ctx, a.WorkerID, tasks[i])
		started++
	}
	s.stats.UpdateStats(uint64(started), 0, 0, 0)
	return started
}
