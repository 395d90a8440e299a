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

// Package correlator binds captured application events to local tasks and
// applies their effects.
package correlator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"videofleet/src/drafts"
	"videofleet/src/logging"
	"videofleet/src/model"
	"videofleet/src/store"
)

// Releaser frees a worker that is still busy with a given task.
type Releaser interface {
	ReleaseIfHolding(workerID string, taskID, attempt int64) bool
}

type Result struct {
	TaskID    *int64    `json:"task_id,omitempty"`
	MatchType MatchType `json:"match_type"`
	Applied   bool      `json:"applied"`
}

type Correlator struct {
	repo      store.TaskRepository
	workers   Releaser
	drafts    *drafts.Queue
	stats     *logging.SchedulerStats
	appURL    string
	onRelease func()
	now       func() time.Time

	// serializes resolve, bind and apply so redelivered events observe
	// the effects of the first delivery
	mu sync.Mutex
}

func New(repo store.TaskRepository, workers Releaser, queue *drafts.Queue, stats *logging.SchedulerStats, appURL string) *Correlator {
	return &Correlator{
		repo:    repo,
		workers: workers,
		drafts:  queue,
		stats:   stats,
		appURL:  strings.TrimRight(appURL, "/"),
		now:     time.Now,
	}
}

// SetOnRelease registers a callback fired whenever an event frees a worker.
func (c *Correlator) SetOnRelease(fn func()) {
	c.onRelease = fn
}

// Run consumes events until ctx is done or the channel closes.
func (c *Correlator) Run(ctx context.Context, events <-chan model.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if _, err := c.Handle(ctx, ev); err != nil {
				logging.Log(fmt.Sprintf("Error handling %s event: %v", ev.Kind, err), slog.LevelError)
			}
		}
	}
}

func (c *Correlator) Handle(ctx context.Context, ev model.Event) (Result, error) {
	if err := ev.Validate(); err != nil {
		return Result{MatchType: MatchNone}, err
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = c.now()
	}

	ctx, span := logging.StartSpan(ctx, "correlator.handle", attribute.String("event.kind", string(ev.Kind)), attribute.String("event.id", ev.ID))
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	task, match, err := c.resolve(ctx, ev)
	if err != nil {
		c.stats.UpdateStats(0, 0, 0, 1)
		return Result{MatchType: MatchNone}, err
	}
	span.SetAttributes(attribute.String("match.type", string(match)))

	res := Result{MatchType: match}
	if task == nil {
		logging.LogAttrs(ctx, slog.LevelInfo, "No task matched event",
			slog.String("event.id", ev.ID),
			slog.String("event.kind", string(ev.Kind)),
			slog.String("external_task_id", ev.ExternalTaskID),
			slog.String("generation_id", ev.GenerationID),
			slog.String("prompt", ev.Prompt))
		c.audit(ctx, ev, res)
		c.stats.RecordEvent(string(match), false)
		return res, nil
	}
	id := task.ID
	res.TaskID = &id

	if match == MatchStale {
		logging.Log(fmt.Sprintf("Ignoring %s event %s for an earlier attempt of task %d", ev.Kind, ev.ID, task.ID), slog.LevelInfo)
		c.audit(ctx, ev, res)
		c.stats.RecordEvent(string(match), false)
		return res, nil
	}

	c.bind(ctx, task, ev)
	res.Applied, err = c.apply(ctx, task, ev)
	c.audit(ctx, ev, res)
	c.stats.RecordEvent(string(match), true)
	if err != nil {
		c.stats.UpdateStats(0, 0, 0, 1)
		return res, err
	}
	return res, nil
}

func (c *Correlator) resolve(ctx context.Context, ev model.Event) (*model.Task, MatchType, error) {
	if ev.TaskID != nil {
		t, err := c.repo.GetTask(ctx, *ev.TaskID)
		switch {
		case err == nil:
			return t, MatchTaskID, nil
		case !errors.Is(err, store.ErrTaskNotFound):
			return nil, MatchNone, err
		}
	}

	lookups := []struct {
		kind  store.BindingKind
		value string
		match MatchType
	}{
		{store.BindExternal, ev.ExternalTaskID, MatchExternalID},
		{store.BindGeneration, ev.GenerationID, MatchGenerationID},
	}
	for _, l := range lookups {
		if l.value == "" {
			continue
		}
		b, err := c.repo.LookupBinding(ctx, l.kind, l.value)
		if errors.Is(err, store.ErrBindingNotFound) {
			continue
		}
		if err != nil {
			return nil, MatchNone, err
		}
		t, err := c.repo.GetTask(ctx, b.TaskID)
		if errors.Is(err, store.ErrTaskNotFound) {
			continue
		}
		if err != nil {
			return nil, MatchNone, err
		}
		if b.Attempt != t.Attempt {
			return t, MatchStale, nil
		}
		return t, l.match, nil
	}

	if strings.TrimSpace(ev.Prompt) == "" {
		return nil, MatchNone, nil
	}
	candidates, err := c.repo.ListCorrelationCandidates(ctx)
	if err != nil {
		return nil, MatchNone, err
	}
	t, match := MatchPrompt(candidates, ev.Prompt)
	return t, match, nil
}

func (c *Correlator) bind(ctx context.Context, task *model.Task, ev model.Event) {
	if ev.ExternalTaskID != "" && task.ExternalID == nil {
		c.bindOne(ctx, store.BindExternal, task, ev.ExternalTaskID)
	}
	if ev.GenerationID != "" && task.GenerationID == nil {
		c.bindOne(ctx, store.BindGeneration, task, ev.GenerationID)
	}
}

func (c *Correlator) bindOne(ctx context.Context, kind store.BindingKind, task *model.Task, value string) {
	ok, err := c.repo.BindIdentifier(ctx, kind, task.ID, task.Attempt, value)
	switch {
	case errors.Is(err, store.ErrExternalIDTaken):
		logging.Log(fmt.Sprintf("%s id %s already belongs to another task, not binding to %d", kind, value, task.ID), slog.LevelWarn)
	case err != nil:
		logging.Log(fmt.Sprintf("Error binding %s id %s to task %d: %v", kind, value, task.ID, err), slog.LevelError)
	case ok:
		logging.Log(fmt.Sprintf("Bound %s id %s to task %d", kind, value, task.ID), slog.LevelInfo)
	}
}

func (c *Correlator) apply(ctx context.Context, task *model.Task, ev model.Event) (bool, error) {
	attempt := task.Attempt
	switch ev.Kind {
	case model.EventProgress:
		return c.applyProgress(ctx, task, ev)

	case model.EventDraftAvailable:
		return c.repo.UpdateStatus(ctx, store.StatusUpdate{
			ID:      task.ID,
			Status:  model.TaskSuccess,
			From:    []model.TaskStatus{model.TaskPending, model.TaskRunning},
			Attempt: &attempt,
		})

	case model.EventContentRejected:
		reason := "content rejected"
		if ev.FailureReason != "" {
			reason += ": " + ev.FailureReason
		}
		applied, err := c.repo.UpdateStatus(ctx, store.StatusUpdate{
			ID:          task.ID,
			Status:      model.TaskFailed,
			From:        []model.TaskStatus{model.TaskPending, model.TaskRunning, model.TaskSuccess},
			Attempt:     &attempt,
			Error:       &reason,
			ClearWorker: task.Status != model.TaskRunning,
		})
		if applied && task.Status == model.TaskSuccess {
			c.releaseWorker(task)
		}
		return applied, err

	case model.EventPublished:
		url := ev.PublishedURL
		if url == "" {
			url = c.appURL + "/p/" + ev.PostID
		}
		var postID *string
		if ev.PostID != "" {
			postID = &ev.PostID
		}
		applied, err := c.repo.UpdateStatus(ctx, store.StatusUpdate{
			ID:     task.ID,
			Status: model.TaskPublished,
			From: []model.TaskStatus{model.TaskPending, model.TaskRunning, model.TaskSuccess,
				model.TaskFailed, model.TaskPublishFailed},
			PublishedURL: &url,
			PostID:       postID,
			PublishedAt:  ev.PostedAt,
			ClearWorker:  true,
		})
		if !applied || err != nil {
			return applied, err
		}
		// a running task's worker is freed by its supervisor
		if task.Status != model.TaskRunning {
			c.releaseWorker(task)
		}
		c.evictDrafts(task, ev)
		return true, nil

	case model.EventPublishFailed:
		reason := "publish failed"
		if ev.FailureReason != "" {
			reason += ": " + ev.FailureReason
		}
		applied, err := c.repo.UpdateStatus(ctx, store.StatusUpdate{
			ID:          task.ID,
			Status:      model.TaskPublishFailed,
			From:        []model.TaskStatus{model.TaskSuccess},
			Error:       &reason,
			ClearWorker: true,
		})
		if applied {
			c.releaseWorker(task)
		}
		return applied, err
	}
	return false, nil
}

func (c *Correlator) applyProgress(ctx context.Context, task *model.Task, ev model.Event) (bool, error) {
	attempt := task.Attempt
	status := strings.ToLower(strings.TrimSpace(ev.Status))

	switch status {
	case model.ProgressCompleted:
		u := store.StatusUpdate{
			ID:      task.ID,
			Status:  model.TaskSuccess,
			From:    []model.TaskStatus{model.TaskPending, model.TaskRunning},
			Attempt: &attempt,
		}
		if ev.ArtifactURL != "" {
			u.ArtifactURL = &ev.ArtifactURL
			// a late artifact settles the timeout/confirmation race in favour of success
			u.From = append(u.From, model.TaskFailed)
		}
		return c.repo.UpdateStatus(ctx, u)

	case model.ProgressFailed:
		reason := ev.FailureReason
		if reason == "" {
			reason = "generation failed"
		}
		return c.repo.UpdateStatus(ctx, store.StatusUpdate{
			ID:      task.ID,
			Status:  model.TaskFailed,
			From:    []model.TaskStatus{model.TaskPending, model.TaskRunning},
			Attempt: &attempt,
			Error:   &reason,
		})
	}

	applied := false
	if task.Status == model.TaskPending {
		ok, err := c.repo.UpdateStatus(ctx, store.StatusUpdate{
			ID:      task.ID,
			Status:  model.TaskRunning,
			From:    []model.TaskStatus{model.TaskPending},
			Attempt: &attempt,
		})
		if err != nil {
			return false, err
		}
		applied = ok
	}
	if percent, ok := ev.Percent(); ok {
		message := status
		if message == "" {
			message = model.ProgressRunning
		}
		ok, err := c.repo.UpdateProgress(ctx, store.ProgressUpdate{
			ID:      task.ID,
			Attempt: &attempt,
			Percent: percent,
			Message: fmt.Sprintf("%s %d%%", message, percent),
		})
		if err != nil {
			return applied, err
		}
		applied = applied || ok
	}
	return applied, nil
}

func (c *Correlator) releaseWorker(task *model.Task) {
	if task.WorkerID == nil {
		return
	}
	if c.workers.ReleaseIfHolding(*task.WorkerID, task.ID, task.Attempt) {
		logging.Log(fmt.Sprintf("Worker %s released by task %d", *task.WorkerID, task.ID), slog.LevelInfo)
		if c.onRelease != nil {
			c.onRelease()
		}
	}
}

func (c *Correlator) evictDrafts(task *model.Task, ev model.Event) {
	gen := ev.GenerationID
	if gen == "" {
		gen = model.Deref(task.GenerationID)
	}
	removed := c.drafts.RemoveByGenerationID(gen)
	if ev.DraftID != "" && c.drafts.RemoveByID(ev.DraftID) {
		removed++
	}
	if removed > 0 {
		logging.Log(fmt.Sprintf("Evicted %d staged drafts for task %d", removed, task.ID), slog.LevelInfo)
	}
}

func (c *Correlator) audit(ctx context.Context, ev model.Event, res Result) {
	payload, err := json.Marshal(ev)
	if err != nil {
		payload = nil
	}
	entry := store.AuditEntry{
		ID:         uuid.NewString(),
		EventID:    ev.ID,
		Kind:       ev.Kind,
		MatchType:  string(res.MatchType),
		TaskID:     res.TaskID,
		Payload:    payload,
		ReceivedAt: ev.ReceivedAt,
	}
	if err := c.repo.RecordEvent(ctx, entry); err != nil {
		logging.Log(fmt.Sprintf("Error recording event %s: %v", ev.ID, err), slog.LevelWarn)
	}
}
