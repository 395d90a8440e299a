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

package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type TaskStatus string

const (
	TaskPending       TaskStatus = "pending"
	TaskRunning       TaskStatus = "running"
	TaskSuccess       TaskStatus = "success"
	TaskFailed        TaskStatus = "failed"
	TaskPublished     TaskStatus = "published"
	TaskPublishFailed TaskStatus = "publish_failed"
)

// AllStatuses lists every task status in lifecycle order.
var AllStatuses = []TaskStatus{TaskPending, TaskRunning, TaskSuccess, TaskFailed, TaskPublished, TaskPublishFailed}

func (s TaskStatus) Valid() bool {
	for _, st := range AllStatuses {
		if st == s {
			return true
		}
	}
	return false
}

// In reports whether s is one of the given statuses.
func (s TaskStatus) In(statuses ...TaskStatus) bool {
	for _, st := range statuses {
		if st == s {
			return true
		}
	}
	return false
}

// RequeueableFrom are the statuses an operator may send back to pending.
var RequeueableFrom = []TaskStatus{TaskFailed, TaskRunning, TaskSuccess, TaskPublishFailed}

type Task struct {
	ID              int64      `json:"id"`
	ExternalID      *string    `json:"external_task_id,omitempty"`
	GenerationID    *string    `json:"generation_id,omitempty"`
	PostID          *string    `json:"post_id,omitempty"`
	Status          TaskStatus `json:"status"`
	WorkerID        *string    `json:"worker_id,omitempty"`
	Prompt          string     `json:"prompt"`
	Image           *string    `json:"image,omitempty"`
	Model           *string    `json:"model,omitempty"`
	Progress        int        `json:"progress"`
	ProgressMessage string     `json:"progress_message"`
	ArtifactURL     *string    `json:"artifact_url,omitempty"`
	PublishedURL    *string    `json:"published_url,omitempty"`
	PublishedAt     *time.Time `json:"published_at,omitempty"`
	LastError       *string    `json:"last_error,omitempty"`
	Started         *time.Time `json:"started,omitempty"`
	Finished        *time.Time `json:"finished,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	Attempt         int64      `json:"attempt"` // bumped on every requeue
}

// NewTask is the input for creating one task.
type NewTask struct {
	ID     *int64  `json:"id,omitempty"`
	Prompt string  `json:"prompt"`
	Image  *string `json:"image,omitempty"`
	Model  *string `json:"model,omitempty"`
}

// HoldsWorker reports whether the task is assigned to workerID.
func (t *Task) HoldsWorker(workerID string) bool {
	return t.WorkerID != nil && *t.WorkerID == workerID
}

// ErrNotPublishable is returned when a task cannot be handed to the
// publisher yet.
var ErrNotPublishable = errors.New("task not publishable")

// Publishable reports why the task cannot be published, or nil once it has
// succeeded with both an external id and an artifact.
func (t *Task) Publishable() error {
	switch {
	case t.Status != TaskSuccess:
		return fmt.Errorf("%w: status is %s", ErrNotPublishable, t.Status)
	case Deref(t.ExternalID) == "":
		return fmt.Errorf("%w: no external task id", ErrNotPublishable)
	case Deref(t.ArtifactURL) == "":
		return fmt.Errorf("%w: no artifact", ErrNotPublishable)
	}
	return nil
}

// Clone returns a deep copy so callers never share pointer fields.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.ExternalID = cloneString(t.ExternalID)
	c.GenerationID = cloneString(t.GenerationID)
	c.PostID = cloneString(t.PostID)
	c.WorkerID = cloneString(t.WorkerID)
	c.Image = cloneString(t.Image)
	c.Model = cloneString(t.Model)
	c.ArtifactURL = cloneString(t.ArtifactURL)
	c.PublishedURL = cloneString(t.PublishedURL)
	c.LastError = cloneString(t.LastError)
	c.PublishedAt = cloneTime(t.PublishedAt)
	c.Started = cloneTime(t.Started)
	c.Finished = cloneTime(t.Finished)
	return &c
}

// NormalizeImage maps an empty or blank image reference to nil.
func NormalizeImage(image *string) *string {
	if image == nil {
		return nil
	}
	if s := strings.TrimSpace(*image); s != "" {
		return &s
	}
	return nil
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string {
	return &s
}

// Deref returns the pointed-to string or "".
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
