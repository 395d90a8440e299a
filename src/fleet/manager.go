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

// Package fleet implements the operator actions on the worker pool: opening
// and closing browser sessions, reclaiming sessions left open by a previous
// run, requeueing tasks, and reporting what every worker is doing.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
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

var (
	// ErrStaleSession means a profile is held by a dead session and the
	// policy forbids closing it automatically.
	ErrStaleSession = errors.New("stale session")
	// ErrInvalidTransition means the task is not in a state the action
	// applies to.
	ErrInvalidTransition = errors.New("invalid task transition")
	ErrOpenInProgress    = errors.New("open already in progress")
)

const defaultCloseTimeout = 10 * time.Second

type Options struct {
	MaxAttempts     int
	Backoff         time.Duration
	BackoffMax      time.Duration
	ForceCloseStale bool
	CloseTimeout    time.Duration
	Credentials     map[string]driver.Credentials
}

type Manager struct {
	repo    store.TaskRepository
	workers *registry.Registry
	driver  driver.Driver
	opts    Options
	wake    func()

	mu      sync.Mutex
	opening map[string]struct{}
}

// NewManager builds a manager. wake is called whenever capacity or work is
// added and may be nil.
func NewManager(repo store.TaskRepository, workers *registry.Registry, drv driver.Driver, opts Options, wake func()) *Manager {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = defaultCloseTimeout
	}
	if opts.BackoffMax < opts.Backoff {
		opts.BackoffMax = opts.Backoff
	}
	if wake == nil {
		wake = func() {}
	}
	return &Manager{
		repo:    repo,
		workers: workers,
		driver:  drv,
		opts:    opts,
		wake:    wake,
		opening: make(map[string]struct{}),
	}
}

// OpenReport is the outcome of opening one worker.
type OpenReport struct {
	WorkerID string            `json:"worker_id"`
	Outcome  string            `json:"outcome,omitempty"`
	State    model.WorkerState `json:"state,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// OpenWorkers opens every listed worker concurrently and reports each
// outcome in input order.
func (m *Manager) OpenWorkers(ctx context.Context, workerIDs []string) []OpenReport {
	reports := make([]OpenReport, len(workerIDs))
	var wg sync.WaitGroup
	for i, id := range workerIDs {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			report := OpenReport{WorkerID: id}
			outcome, err := m.Open(ctx, id)
			if err != nil {
				report.Error = err.Error()
			} else {
				report.Outcome = outcome.String()
			}
			if w, ok := m.workers.Get(id); ok {
				report.State = w.State
			}
			reports[i] = report
		}(i, id)
	}
	wg.Wait()
	return reports
}

// Open brings one worker under control: open or reclaim its session, make
// sure it is logged in, navigate to the app and mark it idle. A worker whose
// session cannot be made usable is registered in the error state so the
// operator sees why.
func (m *Manager) Open(ctx context.Context, workerID string) (driver.OpenOutcome, error) {
	if !m.claim(workerID) {
		return driver.Opened, fmt.Errorf("%w: %s", ErrOpenInProgress, workerID)
	}
	defer m.unclaim(workerID)

	if w, ok := m.workers.Get(workerID); ok {
		if w.State == model.WorkerIdle || w.State == model.WorkerBusy {
			return driver.Reattached, fmt.Errorf("%w: %s", registry.ErrAlreadyKnown, workerID)
		}
		// reopening a failed or stopped worker starts from scratch
		if _, err := m.workers.Release(workerID); err != nil {
			return driver.Opened, err
		}
	}

	ctx, span := logging.StartSpan(ctx, "fleet.open", attribute.String("worker.id", workerID))
	defer span.End()

	sess, outcome, err := m.openWithRetry(ctx, workerID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		m.registerError(workerID, nil, err.Error())
		return outcome, err
	}
	span.SetAttributes(attribute.String("open.outcome", outcome.String()))

	if err := m.prepare(ctx, workerID, sess); err != nil {
		span.SetStatus(codes.Error, err.Error())
		m.registerError(workerID, sess, err.Error())
		return outcome, err
	}

	if err := m.workers.Register(workerID, sess, model.WorkerIdle); err != nil {
		return outcome, err
	}
	logging.Log(fmt.Sprintf("Worker %s ready (%s)", workerID, outcome), slog.LevelInfo)
	m.wake()
	return outcome, nil
}

func (m *Manager) claim(workerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.opening[workerID]; busy {
		return false
	}
	m.opening[workerID] = struct{}{}
	return true
}

func (m *Manager) unclaim(workerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.opening, workerID)
}

func (m *Manager) registerError(workerID string, sess driver.Session, reason string) {
	logging.Log(fmt.Sprintf("Worker %s unusable: %s", workerID, reason), slog.LevelError)
	if err := m.workers.Register(workerID, sess, model.WorkerError); err != nil {
		logging.Log(fmt.Sprintf("Error registering worker %s: %v", workerID, err), slog.LevelError)
		return
	}
	if err := m.workers.SetError(workerID, reason); err != nil {
		logging.Log(fmt.Sprintf("Error marking worker %s: %v", workerID, err), slog.LevelError)
	}
}

// openWithRetry retries busy and vanished sessions with doubling backoff.
// Stale sessions are force-closed first when the policy allows it.
func (m *Manager) openWithRetry(ctx context.Context, workerID string) (driver.Session, driver.OpenOutcome, error) {
	delay := m.opts.Backoff
	var lastErr error
	for attempt := 1; attempt <= m.opts.MaxAttempts; attempt++ {
		sess, outcome, err := m.driver.Open(ctx, workerID)
		switch {
		case err == nil && outcome != driver.Stale:
			return sess, outcome, nil
		case err == nil:
			if !m.opts.ForceCloseStale {
				return nil, driver.Stale, fmt.Errorf("%w: %s", ErrStaleSession, workerID)
			}
			logging.Log(fmt.Sprintf("Worker %s has a stale session, force closing (attempt %d/%d)", workerID, attempt, m.opts.MaxAttempts), slog.LevelWarn)
			if ferr := m.driver.ForceClose(ctx, workerID); ferr != nil {
				logging.Log(fmt.Sprintf("Error force closing %s: %v", workerID, ferr), slog.LevelError)
			}
			lastErr = fmt.Errorf("%w: %s", ErrStaleSession, workerID)
		case errors.Is(err, driver.ErrSessionBusy), errors.Is(err, driver.ErrSessionNotFound):
			logging.Log(fmt.Sprintf("Opening %s failed (attempt %d/%d): %v", workerID, attempt, m.opts.MaxAttempts, err), slog.LevelWarn)
			lastErr = err
		default:
			return nil, outcome, fmt.Errorf("open %s: %w", workerID, err)
		}

		if attempt == m.opts.MaxAttempts {
			break
		}
		if err := sleepCtx(ctx, delay); err != nil {
			return nil, driver.Opened, err
		}
		delay = min(delay*2, m.opts.BackoffMax)
	}
	return nil, driver.Opened, fmt.Errorf("open %s: gave up after %d attempts: %w", workerID, m.opts.MaxAttempts, lastErr)
}

func (m *Manager) prepare(ctx context.Context, workerID string, sess driver.Session) error {
	loggedIn, err := m.driver.CheckLoggedIn(ctx, sess)
	if err != nil {
		return fmt.Errorf("check login: %w", err)
	}
	if !loggedIn {
		creds, ok := m.opts.Credentials[workerID]
		if !ok {
			return errors.New("not logged in and no credentials configured")
		}
		ok, err := m.driver.Login(ctx, sess, creds)
		if err != nil {
			return fmt.Errorf("login: %w", err)
		}
		if !ok {
			return errors.New("login rejected")
		}
	}
	if err := m.driver.NavigateToApp(ctx, sess); err != nil {
		return fmt.Errorf("navigate: %w", err)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Discover reclaims sessions still running from a previous process without
// logging in again. Workers that cannot be attached are left out.
func (m *Manager) Discover(ctx context.Context, candidates []string) []string {
	var attached []string
	seen := make(map[string]struct{}, len(candidates))
	for _, id := range candidates {
		if _, dup := seen[id]; dup || id == "" || m.workers.IsKnown(id) {
			continue
		}
		seen[id] = struct{}{}
		sess, err := m.driver.Attach(ctx, id)
		if err != nil {
			logging.Log(fmt.Sprintf("Worker %s not reclaimed: %v", id, err), slog.LevelDebug)
			continue
		}
		if err := m.workers.Register(id, sess, model.WorkerIdle); err != nil {
			logging.Log(fmt.Sprintf("Error registering reclaimed worker %s: %v", id, err), slog.LevelError)
			continue
		}
		attached = append(attached, id)
	}
	if len(attached) > 0 {
		logging.Log(fmt.Sprintf("Reclaimed %d open workers: %v", len(attached), attached), slog.LevelInfo)
		m.wake()
	}
	return attached
}

// Close stops a worker. Any task it holds goes back to pending before the
// session is discarded.
func (m *Manager) Close(ctx context.Context, workerID string) error {
	if !m.workers.IsKnown(workerID) {
		return fmt.Errorf("%w: %s", registry.ErrUnknownWorker, workerID)
	}
	if err := m.workers.SetState(workerID, model.WorkerStopped, nil); err != nil {
		return err
	}
	n, err := m.repo.ReleaseWorkerTasks(ctx, workerID)
	if err != nil {
		return fmt.Errorf("release tasks of %s: %w", workerID, err)
	}
	if n > 0 {
		logging.Log(fmt.Sprintf("Requeued %d tasks held by %s", n, workerID), slog.LevelInfo)
	}

	sess, err := m.workers.Release(workerID)
	if err != nil {
		return err
	}
	if sess != nil {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.CloseTimeout)
		defer cancel()
		if err := m.driver.Close(closeCtx, sess); err != nil {
			logging.Log(fmt.Sprintf("Error closing session of %s: %v", workerID, err), slog.LevelWarn)
		}
	}
	logging.Log(fmt.Sprintf("Worker %s closed", workerID), slog.LevelInfo)
	if n > 0 {
		m.wake()
	}
	return nil
}

// CloseWorkers closes each listed worker and returns the failures by id.
func (m *Manager) CloseWorkers(ctx context.Context, workerIDs []string) map[string]error {
	failed := make(map[string]error)
	for _, id := range workerIDs {
		if err := m.Close(ctx, id); err != nil {
			failed[id] = err
		}
	}
	return failed
}

// Shutdown closes every worker when closeAll is set; otherwise sessions stay
// up for the next start to reclaim.
func (m *Manager) Shutdown(ctx context.Context, closeAll bool) {
	if !closeAll {
		return
	}
	var ids []string
	for _, w := range m.workers.Snapshot() {
		ids = append(ids, w.ID)
	}
	for id, err := range m.CloseWorkers(ctx, ids) {
		logging.Log(fmt.Sprintf("Error closing %s on shutdown: %v", id, err), slog.LevelError)
	}
}

// RetryTask sends a finished or stuck task back to pending.
func (m *Manager) RetryTask(ctx context.Context, taskID int64) error {
	return m.requeue(ctx, taskID, model.RequeueableFrom)
}

// TerminateTask sends a running task back to pending. The driver call in
// flight is not interrupted; its result is discarded when it returns.
func (m *Manager) TerminateTask(ctx context.Context, taskID int64) error {
	return m.requeue(ctx, taskID, []model.TaskStatus{model.TaskRunning})
}

func (m *Manager) requeue(ctx context.Context, taskID int64, from []model.TaskStatus) error {
	ok, err := m.repo.Requeue(ctx, taskID, from)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: task %d", ErrInvalidTransition, taskID)
	}
	logging.Log(fmt.Sprintf("Task %d requeued", taskID), slog.LevelInfo)
	m.wake()
	return nil
}

// TaskResult is the per-task outcome of a batch action.
type TaskResult struct {
	TaskID int64  `json:"task_id"`
	OK     bool   `json:"success"`
	Error  string `json:"error,omitempty"`
}

// RetryTasks requeues each task independently. One refusal does not stop
// the rest, and the scheduler is woken once if anything went back.
func (m *Manager) RetryTasks(ctx context.Context, taskIDs []int64) []TaskResult {
	results := make([]TaskResult, 0, len(taskIDs))
	requeued := 0
	for _, id := range taskIDs {
		ok, err := m.repo.Requeue(ctx, id, model.RequeueableFrom)
		if err == nil && !ok {
			err = fmt.Errorf("%w: task %d", ErrInvalidTransition, id)
		}
		results = append(results, taskResult(id, err))
		if err == nil {
			requeued++
		}
	}
	if requeued > 0 {
		logging.Log(fmt.Sprintf("Requeued %d of %d tasks", requeued, len(taskIDs)), slog.LevelInfo)
		m.wake()
	}
	return results
}

// DeleteTasks removes each task and its identifier bindings. A worker still
// busy with a deleted task is freed by its supervisor when the driver call
// returns.
func (m *Manager) DeleteTasks(ctx context.Context, taskIDs []int64) []TaskResult {
	results := make([]TaskResult, 0, len(taskIDs))
	for _, id := range taskIDs {
		results = append(results, taskResult(id, m.repo.DeleteTask(ctx, id)))
	}
	return results
}

func taskResult(id int64, err error) TaskResult {
	if err != nil {
		return TaskResult{TaskID: id, Error: err.Error()}
	}
	return TaskResult{TaskID: id, OK: true}
}

// PublishRequest is what the publisher needs to post one generated video.
type PublishRequest struct {
	TaskID      int64  `json:"task_id"`
	ExternalID  string `json:"external_task_id"`
	Prompt      string `json:"prompt"`
	ArtifactURL string `json:"artifact_url"`
	Text        string `json:"text"`
}

// PreparePublish checks that the task finished with an external id and an
// artifact and returns the publisher's request. The post itself is made by
// the publisher, which reports back through a published event.
func (m *Manager) PreparePublish(ctx context.Context, taskID int64) (PublishRequest, error) {
	task, err := m.repo.GetTask(ctx, taskID)
	if err != nil {
		return PublishRequest{}, err
	}
	if err := task.Publishable(); err != nil {
		return PublishRequest{}, fmt.Errorf("task %d: %w", taskID, err)
	}
	return PublishRequest{
		TaskID:      task.ID,
		ExternalID:  *task.ExternalID,
		Prompt:      task.Prompt,
		ArtifactURL: *task.ArtifactURL,
		Text:        task.Prompt,
	}, nil
}

// PublishResult pairs a batch entry with its request or the reason it was
// skipped.
type PublishResult struct {
	TaskResult
	Request *PublishRequest `json:"request,omitempty"`
}

func (m *Manager) PreparePublishBatch(ctx context.Context, taskIDs []int64) []PublishResult {
	results := make([]PublishResult, 0, len(taskIDs))
	for _, id := range taskIDs {
		req, err := m.PreparePublish(ctx, id)
		res := PublishResult{TaskResult: taskResult(id, err)}
		if err == nil {
			res.Request = &req
		}
		results = append(results, res)
	}
	return results
}

func (m *Manager) SetQuota(workerID string, q model.Quota) error {
	return m.workers.Annotate(workerID, q)
}

type WindowStatus struct {
	model.Worker
	PendingTasks int `json:"pending_tasks"`
}

type Status struct {
	Windows           []WindowStatus            `json:"windows"`
	Counts            map[model.WorkerState]int `json:"counts"`
	UnassignedPending int                       `json:"unassigned_pending"`
}

// Status snapshots every worker with its pending queue depth, ordered by
// quota remaining with unannotated workers last.
func (m *Manager) Status(ctx context.Context) (Status, error) {
	pending, err := m.repo.PendingByWorker(ctx)
	if err != nil {
		return Status{}, err
	}
	snap := m.workers.Snapshot()
	out := Status{
		Windows:           make([]WindowStatus, 0, len(snap)),
		Counts:            make(map[model.WorkerState]int),
		UnassignedPending: pending.Unassigned,
	}
	for _, w := range snap {
		out.Windows = append(out.Windows, WindowStatus{Worker: w, PendingTasks: pending.ByWorker[w.ID]})
		out.Counts[w.State]++
	}
	sort.SliceStable(out.Windows, func(i, j int) bool {
		a, b := remaining(out.Windows[i].Quota), remaining(out.Windows[j].Quota)
		if a == nil || b == nil {
			return a != nil && b == nil
		}
		return *a > *b
	})
	return out, nil
}

func remaining(q *model.Quota) *int {
	if q == nil {
		return nil
	}
	return q.Remaining
}
