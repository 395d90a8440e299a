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

// Package store persists tasks. PGStore is the production repository;
// MemoryStore backs single-host runs and tests.
package store

import (
	"context"
	"errors"
	"time"

	"videofleet/src/model"
)

var (
	ErrTaskNotFound       = errors.New("task not found")
	ErrTaskExists         = errors.New("task already exists")
	ErrAssignmentConflict = errors.New("assignment conflict")
	ErrExternalIDTaken    = errors.New("identifier already bound to another task")
	ErrBindingNotFound    = errors.New("binding not found")
)

// BindingKind names the identifier families the driven application issues.
type BindingKind string

const (
	BindExternal   BindingKind = "external"
	BindGeneration BindingKind = "generation"
)

// Binding maps one issued identifier to the task (and attempt) it was
// first seen with. Bindings are never moved to another task.
type Binding struct {
	Kind    BindingKind
	Value   string
	TaskID  int64
	Attempt int64
}

// Assignment pairs one pending task with one worker for a scheduler cycle.
type Assignment struct {
	TaskID   int64
	WorkerID string
	Attempt  int64
}

// StatusUpdate is a guarded status transition. From and Attempt are
// preconditions; a write whose preconditions fail is reported as not
// applied rather than as an error.
type StatusUpdate struct {
	ID      int64
	Status  model.TaskStatus
	From    []model.TaskStatus
	Attempt *int64

	Error        *string
	ArtifactURL  *string // only fills an empty artifact
	PublishedURL *string
	PostID       *string
	PublishedAt  *time.Time
	ClearWorker  bool
}

type ProgressUpdate struct {
	ID      int64
	Attempt *int64
	Percent int
	Message string
}

type TaskFilter struct {
	Status *model.TaskStatus
	Limit  int
	Offset int
}

type ImportResult struct {
	Created []int64 `json:"created"`
	Skipped int     `json:"skipped"`
}

// Stats mirrors the operator dashboard's global counters.
type Stats struct {
	Counts            map[model.TaskStatus]int `json:"counts"`
	Total             int                      `json:"total_tasks"`
	AvgExecutionSec   float64                  `json:"avg_execution_seconds"`
	ThroughputPerHour float64                  `json:"throughput_tasks_per_hour"`
}

// PendingCounts is the per-worker queue depth for the windows view.
type PendingCounts struct {
	ByWorker   map[string]int `json:"by_worker"`
	Unassigned int            `json:"unassigned"`
}

// AuditEntry records one inbound event and how it was correlated. ID is
// unique per delivery; EventID repeats when the same event is redelivered.
type AuditEntry struct {
	ID         string
	EventID    string
	Kind       model.EventKind
	MatchType  string
	TaskID     *int64
	Payload    []byte
	ReceivedAt time.Time
}

type TaskRepository interface {
	CreateTask(ctx context.Context, t model.NewTask) (int64, error)
	ImportTasks(ctx context.Context, tasks []model.NewTask) (ImportResult, error)
	GetTask(ctx context.Context, id int64) (*model.Task, error)
	GetTaskByExternalID(ctx context.Context, externalID string) (*model.Task, error)
	LookupBinding(ctx context.Context, kind BindingKind, value string) (*Binding, error)
	ListTasks(ctx context.Context, f TaskFilter) ([]*model.Task, error)
	// ListPending returns unassigned pending tasks oldest first.
	ListPending(ctx context.Context, limit int) ([]*model.Task, error)
	// ListCorrelationCandidates returns running, pending and success tasks
	// with no issued identifier, running first, then pending, then success,
	// newest first within each status.
	ListCorrelationCandidates(ctx context.Context) ([]*model.Task, error)
	// ListUnpublished returns success tasks that carry an external id but no
	// published URL, oldest first.
	ListUnpublished(ctx context.Context) ([]*model.Task, error)

	// AssignWorkers writes every assignment or none of them.
	AssignWorkers(ctx context.Context, batch []Assignment) error
	MarkRunning(ctx context.Context, id int64, workerID string, attempt int64) (bool, error)
	UpdateStatus(ctx context.Context, u StatusUpdate) (bool, error)
	UpdateProgress(ctx context.Context, u ProgressUpdate) (bool, error)
	SetWorkerAssignment(ctx context.Context, id int64, workerID *string) error
	// DetachWorker clears the assignment only if workerID still holds it for
	// the given attempt.
	DetachWorker(ctx context.Context, id int64, workerID string, attempt int64) (bool, error)
	BindIdentifier(ctx context.Context, kind BindingKind, id int64, attempt int64, value string) (bool, error)
	Requeue(ctx context.Context, id int64, from []model.TaskStatus) (bool, error)
	// ReleaseWorkerTasks sends the worker's pending and running tasks back
	// to the queue and detaches it from any task kept for publication.
	ReleaseWorkerTasks(ctx context.Context, workerID string) (int64, error)
	RepairFailedWithArtifacts(ctx context.Context) (int64, error)
	DeleteTask(ctx context.Context, id int64) error

	Stats(ctx context.Context) (Stats, error)
	PendingByWorker(ctx context.Context) (PendingCounts, error)
	RecordEvent(ctx context.Context, e AuditEntry) error
}
