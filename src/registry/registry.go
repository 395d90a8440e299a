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

// Package registry tracks which automation workers this process controls.
// All state lives behind one RWMutex that is never held across a driver or
// repository call.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"videofleet/src/driver"
	"videofleet/src/model"
)

var (
	ErrUnknownWorker = errors.New("unknown worker")
	ErrWorkerNotIdle = errors.New("worker not idle")
	ErrAlreadyKnown  = errors.New("worker already registered")
)

type entry struct {
	state   model.WorkerState
	taskID  *int64
	attempt int64
	since   time.Time
	err     string
	quota   *model.Quota
	session driver.Session
}

type Registry struct {
	mu      sync.RWMutex
	workers map[string]*entry
	order   []string
	now     func() time.Time
}

func New() *Registry {
	return &Registry{
		workers: make(map[string]*entry),
		now:     time.Now,
	}
}

// Register adds a worker in the given state holding session.
func (r *Registry) Register(workerID string, session driver.Session, state model.WorkerState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.workers[workerID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyKnown, workerID)
	}
	r.workers[workerID] = &entry{state: state, since: r.now(), session: session}
	r.order = append(r.order, workerID)
	return nil
}

// Release discards the worker and returns its session for closing.
func (r *Registry) Release(workerID string) (driver.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.workers[workerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorker, workerID)
	}
	delete(r.workers, workerID)
	for i, id := range r.order {
		if id == workerID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return e.session, nil
}

// SetState moves a worker to state. taskID is kept only for busy workers.
func (r *Registry) SetState(workerID string, state model.WorkerState, taskID *int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.workers[workerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, workerID)
	}
	r.setLocked(e, state, taskID)
	return nil
}

func (r *Registry) setLocked(e *entry, state model.WorkerState, taskID *int64) {
	e.state = state
	e.since = r.now()
	e.taskID = nil
	e.attempt = 0
	if state == model.WorkerBusy && taskID != nil {
		id := *taskID
		e.taskID = &id
	}
	if state != model.WorkerError {
		e.err = ""
	}
}

// SetError marks the worker unusable with a reason.
func (r *Registry) SetError(workerID string, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.workers[workerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, workerID)
	}
	r.setLocked(e, model.WorkerError, nil)
	e.err = reason
	return nil
}

// FailIfIdle marks the worker unusable only while it is idle.
func (r *Registry) FailIfIdle(workerID string, reason string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.workers[workerID]
	if !ok || e.state != model.WorkerIdle {
		return false
	}
	r.setLocked(e, model.WorkerError, nil)
	e.err = reason
	return true
}

// MarkBusy claims an idle worker for one attempt of taskID.
func (r *Registry) MarkBusy(workerID string, taskID, attempt int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.workers[workerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, workerID)
	}
	if e.state != model.WorkerIdle {
		return fmt.Errorf("%w: %s is %s", ErrWorkerNotIdle, workerID, e.state)
	}
	r.setLocked(e, model.WorkerBusy, &taskID)
	e.attempt = attempt
	return nil
}

// ReleaseIfHolding returns the worker to idle only if it is still busy with
// that attempt of taskID. It reports whether the worker was released, so
// repeated calls for the same task release at most once and a requeued task
// handed back to the same worker is not freed by its earlier run.
func (r *Registry) ReleaseIfHolding(workerID string, taskID, attempt int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.workers[workerID]
	if !ok || e.state != model.WorkerBusy || e.taskID == nil || *e.taskID != taskID || e.attempt != attempt {
		return false
	}
	r.setLocked(e, model.WorkerIdle, nil)
	return true
}

// IdleWorkers returns idle worker ids in registration order.
func (r *Registry) IdleWorkers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.order))
	for _, id := range r.order {
		if r.workers[id].state == model.WorkerIdle {
			out = append(out, id)
		}
	}
	return out
}

func (r *Registry) IsKnown(workerID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.workers[workerID]
	return ok
}

func (r *Registry) Session(workerID string) (driver.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.workers[workerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorker, workerID)
	}
	return e.session, nil
}

// Get returns one worker snapshot.
func (r *Registry) Get(workerID string) (model.Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.workers[workerID]
	if !ok {
		return model.Worker{}, false
	}
	return snapshot(workerID, e), true
}

// Snapshot copies every worker in registration order.
func (r *Registry) Snapshot() []model.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Worker, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, snapshot(id, r.workers[id]))
	}
	return out
}

// Annotate attaches an operator-supplied quota to a worker.
func (r *Registry) Annotate(workerID string, q model.Quota) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.workers[workerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, workerID)
	}
	q.UpdatedAt = r.now()
	e.quota = &q
	return nil
}

func snapshot(id string, e *entry) model.Worker {
	w := model.Worker{ID: id, State: e.state, Since: e.since, Error: e.err}
	if e.taskID != nil {
		t := *e.taskID
		w.CurrentTaskID = &t
	}
	if e.quota != nil {
		q := *e.quota
		w.Quota = &q
	}
	return w
}
