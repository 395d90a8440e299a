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
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"videofleet/src/driver"
	"videofleet/src/logging"
	"videofleet/src/model"
	"videofleet/src/registry"
	"videofleet/src/store"
)

// Supervisor runs one task on one worker and writes every outcome to the
// repository. It never retries a generation.
type Supervisor struct {
	repo     store.TaskRepository
	workers  *registry.Registry
	driver   driver.Driver
	stats    *logging.SchedulerStats
	cooldown func() time.Duration

	wg        sync.WaitGroup
	onRelease func()
}

func NewSupervisor(repo store.TaskRepository, workers *registry.Registry, drv driver.Driver, stats *logging.SchedulerStats, cooldownMin, cooldownMax time.Duration) *Supervisor {
	return &Supervisor{
		repo:     repo,
		workers:  workers,
		driver:   drv,
		stats:    stats,
		cooldown: RandomCooldown(cooldownMin, cooldownMax),
	}
}

// RandomCooldown draws uniformly from [min, max].
func RandomCooldown(min, max time.Duration) func() time.Duration {
	return func() time.Duration {
		if max <= min {
			return min
		}
		return min + rand.N(max-min+1)
	}
}

// SetCooldown replaces the cooldown source. Call before Start.
func (s *Supervisor) SetCooldown(fn func() time.Duration) {
	s.cooldown = fn
}

// Start runs the task in its own goroutine.
func (s *Supervisor) Start(ctx context.Context, workerID string, task *model.Task) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Run(ctx, workerID, task)
	}()
}

// Wait blocks until every started execution has returned.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

func (s *Supervisor) release(workerID string, taskID, attempt int64) {
	if s.workers.ReleaseIfHolding(workerID, taskID, attempt) && s.onRelease != nil {
		s.onRelease()
	}
}

func (s *Supervisor) Run(ctx context.Context, workerID string, task *model.Task) {
	ctx, span := logging.StartSpan(ctx, "supervisor.run",
		attribute.Int64("task.id", task.ID), attribute.String("worker.id", workerID))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			logging.Log(fmt.Sprintf("Execution of task %d on %s panicked: %v", task.ID, workerID, r), slog.LevelError)
			s.fail(context.WithoutCancel(ctx), workerID, task.ID, task.Attempt, fmt.Sprintf("internal error: %v", r))
		}
	}()

	s.stats.ExecutionStarted()
	defer s.stats.ExecutionFinished()

	attempt := task.Attempt
	ok, err := s.repo.MarkRunning(ctx, task.ID, workerID, attempt)
	if err != nil || !ok {
		if err != nil {
			logging.Log(fmt.Sprintf("Error marking task %d running: %v", task.ID, err), slog.LevelError)
			s.stats.UpdateStats(0, 0, 0, 1)
			if _, derr := s.repo.DetachWorker(ctx, task.ID, workerID, attempt); derr != nil {
				logging.Log(fmt.Sprintf("Error detaching %s from task %d: %v", workerID, task.ID, derr), slog.LevelError)
			}
		} else {
			logging.Log(fmt.Sprintf("Task %d changed before it started on %s, skipping", task.ID, workerID), slog.LevelWarn)
		}
		s.release(workerID, task.ID, attempt)
		return
	}

	sess, err := s.workers.Session(workerID)
	if err != nil {
		s.fail(ctx, workerID, task.ID, attempt, "worker session unavailable: "+err.Error())
		return
	}

	logging.Log(fmt.Sprintf("Processing task %d on worker %s", task.ID, workerID), slog.LevelInfo)
	req := driver.GenerateRequest{TaskID: task.ID, Prompt: task.Prompt, Image: task.Image, Model: task.Model}
	result, genErr := s.driver.Generate(ctx, sess, req, func(percent int, message string) {
		if _, err := s.repo.UpdateProgress(ctx, store.ProgressUpdate{ID: task.ID, Attempt: &attempt, Percent: percent, Message: message}); err != nil {
			logging.Log(fmt.Sprintf("Error writing progress for task %d: %v", task.ID, err), slog.LevelWarn)
		}
	})

	if ctx.Err() != nil {
		// shutdown: leave the task for the next start's remediation
		logging.Log(fmt.Sprintf("Execution of task %d interrupted: %v", task.ID, ctx.Err()), slog.LevelWarn)
		return
	}

	if genErr != nil || !result.Success {
		msg := result.Error
		if genErr != nil {
			msg = genErr.Error()
		}
		span.SetStatus(codes.Error, msg)
		s.fail(ctx, workerID, task.ID, attempt, msg)
		return
	}
	s.succeed(ctx, workerID, task.ID, attempt, result)
}

func (s *Supervisor) fail(ctx context.Context, workerID string, taskID, attempt int64, msg string) {
	logging.Log(fmt.Sprintf("Task %d failed on %s: %s", taskID, workerID, msg), slog.LevelError)
	s.stats.UpdateStats(0, 0, 1, 0)

	applied, err := s.repo.UpdateStatus(ctx, store.StatusUpdate{
		ID:          taskID,
		Status:      model.TaskFailed,
		From:        []model.TaskStatus{model.TaskPending, model.TaskRunning},
		Attempt:     &attempt,
		Error:       &msg,
		ClearWorker: true,
	})
	if err != nil {
		logging.Log(fmt.Sprintf("Error updating task %d status to failed: %v", taskID, err), slog.LevelError)
		s.stats.UpdateStats(0, 0, 0, 1)
	}
	if !applied {
		if _, err := s.repo.DetachWorker(ctx, taskID, workerID, attempt); err != nil && !errors.Is(err, store.ErrTaskNotFound) {
			logging.Log(fmt.Sprintf("Error detaching %s from task %d: %v", workerID, taskID, err), slog.LevelError)
		}
	}
	s.release(workerID, taskID, attempt)
}

func (s *Supervisor) succeed(ctx context.Context, workerID string, taskID, attempt int64, result driver.GenerateResult) {
	s.stats.UpdateStats(0, 1, 0, 0)
	var artifact *string
	if result.ArtifactURL != "" {
		artifact = &result.ArtifactURL
	}
	_, err := s.repo.UpdateStatus(ctx, store.StatusUpdate{
		ID:          taskID,
		Status:      model.TaskSuccess,
		From:        []model.TaskStatus{model.TaskRunning},
		Attempt:     &attempt,
		ArtifactURL: artifact,
	})
	if err != nil {
		logging.Log(fmt.Sprintf("Error marking task %d as success: %v", taskID, err), slog.LevelError)
		s.stats.UpdateStats(0, 0, 0, 1)
	} else {
		logging.Log(fmt.Sprintf("Task %d completed on %s", taskID, workerID), slog.LevelInfo)
	}
	s.settle(ctx, workerID, taskID, attempt)
}

// settle decides what happens to the worker once its task has a final
// generation outcome. Only a successful task that still holds the worker
// keeps it for the cooldown.
func (s *Supervisor) settle(ctx context.Context, workerID string, taskID, attempt int64) {
	current, err := s.repo.GetTask(ctx, taskID)
	switch {
	case err != nil:
		if !errors.Is(err, store.ErrTaskNotFound) {
			logging.Log(fmt.Sprintf("Error reading task %d after execution: %v", taskID, err), slog.LevelError)
		}
	case current.Attempt != attempt:
		logging.Log(fmt.Sprintf("Task %d was requeued during execution, freeing %s", taskID, workerID), slog.LevelInfo)
	case current.Status == model.TaskSuccess && current.HoldsWorker(workerID):
		s.coolDown(ctx, workerID, taskID, attempt)
		return
	case current.Status == model.TaskFailed:
		if _, err := s.repo.DetachWorker(ctx, taskID, workerID, attempt); err != nil {
			logging.Log(fmt.Sprintf("Error detaching %s from task %d: %v", workerID, taskID, err), slog.LevelError)
		}
	}
	s.release(workerID, taskID, attempt)
}

func (s *Supervisor) coolDown(ctx context.Context, workerID string, taskID, attempt int64) {
	d := s.cooldown()
	logging.Log(fmt.Sprintf("Worker %s cooling down for %s after task %d", workerID, d.Truncate(time.Second), taskID), slog.LevelInfo)
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}
	s.release(workerID, taskID, attempt)
}

// RecoverTasks reclassifies failed tasks that nonetheless produced an
// artifact. It is safe to run any number of times.
func RecoverTasks(ctx context.Context, repo store.TaskRepository, stats *logging.SchedulerStats) {
	count, err := repo.RepairFailedWithArtifacts(ctx)
	if err != nil {
		logging.Log(fmt.Sprintf("Error recovering tasks: %v", err), slog.LevelError)
		stats.UpdateStats(0, 0, 0, 1)
		return
	}
	if count > 0 {
		logging.Log(fmt.Sprintf("Recovered %d failed tasks that carried an artifact (marked as success)", count), slog.LevelInfo)
	}
}
