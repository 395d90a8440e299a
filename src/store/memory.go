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

package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"videofleet/src/model"
)

type bindingKey struct {
	kind  BindingKind
	value string
}

// MemoryStore is a process-local TaskRepository.
type MemoryStore struct {
	mu       sync.Mutex
	tasks    map[int64]*model.Task
	bindings map[bindingKey]Binding
	audit    []AuditEntry
	nextID   int64
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:    make(map[int64]*model.Task),
		bindings: make(map[bindingKey]Binding),
		nextID:   1,
		now:      time.Now,
	}
}

func (s *MemoryStore) insertLocked(t model.NewTask) (int64, error) {
	id := s.nextID
	if t.ID != nil {
		id = *t.ID
		if _, ok := s.tasks[id]; ok {
			return 0, ErrTaskExists
		}
	}
	if id >= s.nextID {
		s.nextID = id + 1
	}
	s.tasks[id] = &model.Task{
		ID:        id,
		Status:    model.TaskPending,
		Prompt:    strings.TrimSpace(t.Prompt),
		Image:     model.NormalizeImage(t.Image),
		Model:     t.Model,
		CreatedAt: s.now(),
	}
	return id, nil
}

func (s *MemoryStore) CreateTask(_ context.Context, t model.NewTask) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(t)
}

func (s *MemoryStore) ImportTasks(_ context.Context, tasks []model.NewTask) (ImportResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(s.tasks))
	for _, t := range s.tasks {
		seen[dedupeKey(t.Prompt, t.Image)] = true
	}
	res := ImportResult{Created: []int64{}}
	for _, t := range tasks {
		key := dedupeKey(t.Prompt, t.Image)
		if strings.TrimSpace(t.Prompt) == "" || seen[key] {
			res.Skipped++
			continue
		}
		t.ID = nil
		id, err := s.insertLocked(t)
		if err != nil {
			return res, err
		}
		seen[key] = true
		res.Created = append(res.Created, id)
	}
	return res, nil
}

func (s *MemoryStore) GetTask(_ context.Context, id int64) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return t.Clone(), nil
}

func (s *MemoryStore) GetTaskByExternalID(ctx context.Context, externalID string) (*model.Task, error) {
	b, err := s.LookupBinding(ctx, BindExternal, externalID)
	if err != nil {
		if err == ErrBindingNotFound {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	return s.GetTask(ctx, b.TaskID)
}

func (s *MemoryStore) LookupBinding(_ context.Context, kind BindingKind, value string) (*Binding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bindings[bindingKey{kind, value}]
	if !ok {
		return nil, ErrBindingNotFound
	}
	return &b, nil
}

// sortedLocked returns tasks matching keep, ordered by less.
func (s *MemoryStore) sortedLocked(keep func(*model.Task) bool, less func(a, b *model.Task) bool) []*model.Task {
	out := make([]*model.Task, 0)
	for _, t := range s.tasks {
		if keep(t) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func oldestFirst(a, b *model.Task) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (s *MemoryStore) ListTasks(_ context.Context, f TaskFilter) ([]*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.sortedLocked(func(t *model.Task) bool {
		return f.Status == nil || t.Status == *f.Status
	}, func(a, b *model.Task) bool { return !oldestFirst(a, b) })
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return []*model.Task{}, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) ListPending(_ context.Context, limit int) ([]*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.sortedLocked(func(t *model.Task) bool {
		return t.Status == model.TaskPending && t.WorkerID == nil
	}, oldestFirst)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var candidateRank = map[model.TaskStatus]int{
	model.TaskRunning: 0,
	model.TaskPending: 1,
	model.TaskSuccess: 2,
}

func (s *MemoryStore) ListCorrelationCandidates(_ context.Context) ([]*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedLocked(func(t *model.Task) bool {
		_, ok := candidateRank[t.Status]
		return ok && t.ExternalID == nil && t.GenerationID == nil
	}, func(a, b *model.Task) bool {
		if ra, rb := candidateRank[a.Status], candidateRank[b.Status]; ra != rb {
			return ra < rb
		}
		return !oldestFirst(a, b)
	}), nil
}

func (s *MemoryStore) ListUnpublished(_ context.Context) ([]*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedLocked(func(t *model.Task) bool {
		return t.Status == model.TaskSuccess && t.ExternalID != nil && t.PublishedURL == nil
	}, oldestFirst), nil
}

func (s *MemoryStore) AssignWorkers(_ context.Context, batch []Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range batch {
		t, ok := s.tasks[a.TaskID]
		if !ok || t.Status != model.TaskPending || t.WorkerID != nil || t.Attempt != a.Attempt {
			return ErrAssignmentConflict
		}
	}
	for _, a := range batch {
		s.tasks[a.TaskID].WorkerID = model.StringPtr(a.WorkerID)
	}
	return nil
}

func (s *MemoryStore) MarkRunning(_ context.Context, id int64, workerID string, attempt int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return false, ErrTaskNotFound
	}
	if !t.Status.In(model.TaskPending, model.TaskRunning) || !t.HoldsWorker(workerID) || t.Attempt != attempt {
		return false, nil
	}
	now := s.now()
	t.Status = model.TaskRunning
	t.Started = &now
	return true, nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, u StatusUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[u.ID]
	if !ok {
		return false, ErrTaskNotFound
	}
	if !statusAllowed(t.Status, u.From) || (u.Attempt != nil && t.Attempt != *u.Attempt) {
		return false, nil
	}
	applyStatus(t, u, s.now())
	return true, nil
}

func (s *MemoryStore) UpdateProgress(_ context.Context, u ProgressUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[u.ID]
	if !ok {
		return false, ErrTaskNotFound
	}
	if t.Status != model.TaskRunning || (u.Attempt != nil && t.Attempt != *u.Attempt) {
		return false, nil
	}
	t.Progress = u.Percent
	t.ProgressMessage = u.Message
	return true, nil
}

func (s *MemoryStore) SetWorkerAssignment(_ context.Context, id int64, workerID *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if workerID == nil {
		t.WorkerID = nil
	} else {
		t.WorkerID = model.StringPtr(*workerID)
	}
	return nil
}

func (s *MemoryStore) DetachWorker(_ context.Context, id int64, workerID string, attempt int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return false, ErrTaskNotFound
	}
	if !t.HoldsWorker(workerID) || t.Attempt != attempt {
		return false, nil
	}
	t.WorkerID = nil
	return true, nil
}

func (s *MemoryStore) BindIdentifier(_ context.Context, kind BindingKind, id int64, attempt int64, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return false, ErrTaskNotFound
	}
	key := bindingKey{kind, value}
	if b, ok := s.bindings[key]; ok && b.TaskID != id {
		return false, ErrExternalIDTaken
	}
	field := &t.ExternalID
	if kind == BindGeneration {
		field = &t.GenerationID
	}
	if *field != nil || t.Attempt != attempt {
		return false, nil
	}
	s.bindings[key] = Binding{Kind: kind, Value: value, TaskID: id, Attempt: attempt}
	*field = model.StringPtr(value)
	return true, nil
}

func (s *MemoryStore) Requeue(_ context.Context, id int64, from []model.TaskStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return false, ErrTaskNotFound
	}
	if !statusAllowed(t.Status, from) {
		return false, nil
	}
	resetForQueue(t)
	return true, nil
}

func (s *MemoryStore) ReleaseWorkerTasks(_ context.Context, workerID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, t := range s.tasks {
		if !t.HoldsWorker(workerID) {
			continue
		}
		if t.Status.In(model.TaskPending, model.TaskRunning) {
			resetForQueue(t)
			n++
			continue
		}
		t.WorkerID = nil
	}
	return n, nil
}

func (s *MemoryStore) RepairFailedWithArtifacts(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	now := s.now()
	for _, t := range s.tasks {
		if t.Status == model.TaskFailed && model.Deref(t.ArtifactURL) != "" {
			applyStatus(t, StatusUpdate{Status: model.TaskSuccess}, now)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) DeleteTask(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return ErrTaskNotFound
	}
	delete(s.tasks, id)
	for k, b := range s.bindings {
		if b.TaskID == id {
			delete(s.bindings, k)
		}
	}
	return nil
}

func (s *MemoryStore) Stats(_ context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{Counts: make(map[model.TaskStatus]int, len(model.AllStatuses))}
	for _, status := range model.AllStatuses {
		st.Counts[status] = 0
	}
	var total time.Duration
	var finished int
	hourAgo := s.now().Add(-time.Hour)
	for _, t := range s.tasks {
		st.Counts[t.Status]++
		st.Total++
		if t.Status.In(model.TaskSuccess, model.TaskPublished) && t.Started != nil && t.Finished != nil {
			total += t.Finished.Sub(*t.Started)
			finished++
			if t.Finished.After(hourAgo) {
				st.ThroughputPerHour++
			}
		}
	}
	if finished > 0 {
		st.AvgExecutionSec = total.Seconds() / float64(finished)
	}
	return st, nil
}

func (s *MemoryStore) PendingByWorker(_ context.Context) (PendingCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pc := PendingCounts{ByWorker: make(map[string]int)}
	for _, t := range s.tasks {
		if t.Status != model.TaskPending {
			continue
		}
		if t.WorkerID == nil {
			pc.Unassigned++
		} else {
			pc.ByWorker[*t.WorkerID]++
		}
	}
	return pc, nil
}

func (s *MemoryStore) RecordEvent(_ context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, e)
	return nil
}

// Audit returns a copy of the recorded events.
func (s *MemoryStore) Audit() []AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AuditEntry(nil), s.audit...)
}
