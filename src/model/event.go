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
	"time"
)

type EventKind string

const (
	EventProgress        EventKind = "progress-update"
	EventDraftAvailable  EventKind = "draft-available"
	EventContentRejected EventKind = "content-rejected"
	EventPublished       EventKind = "published"
	EventPublishFailed   EventKind = "publish-failed"
)

// Progress statuses carried by progress-update events.
const (
	ProgressRunning   = "running"
	ProgressQueued    = "queued"
	ProgressCompleted = "completed"
	ProgressFailed    = "failed"
)

// Event is one captured signal from the driven application or the
// publishing agent. Every identifying field is optional.
type Event struct {
	ID             string    `json:"id,omitempty"`
	Kind           EventKind `json:"kind"`
	TaskID         *int64    `json:"task_id,omitempty"`
	ExternalTaskID string    `json:"external_task_id,omitempty"`
	GenerationID   string    `json:"generation_id,omitempty"`
	Prompt         string    `json:"prompt,omitempty"`

	Status        string   `json:"status,omitempty"`
	ProgressPct   *float64 `json:"progress_pct,omitempty"` // fraction 0..1
	ArtifactURL   string   `json:"artifact_url,omitempty"`
	FailureReason string   `json:"failure_reason,omitempty"`

	PostID       string     `json:"post_id,omitempty"`
	PublishedURL string     `json:"published_url,omitempty"`
	PostedAt     *time.Time `json:"posted_at,omitempty"`

	DraftID  string `json:"draft_id,omitempty"`
	DraftURL string `json:"draft_url,omitempty"`

	ReceivedAt time.Time `json:"received_at"`
}

var ErrInvalidEvent = errors.New("invalid event")

// Validate checks the fields every kind requires.
func (e *Event) Validate() error {
	switch e.Kind {
	case EventProgress, EventDraftAvailable, EventContentRejected, EventPublishFailed:
	case EventPublished:
		if e.PublishedURL == "" && e.PostID == "" {
			return fmt.Errorf("%w: published event needs post_id or published_url", ErrInvalidEvent)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, e.Kind)
	}
	if e.ProgressPct != nil && (*e.ProgressPct < 0 || *e.ProgressPct > 1) {
		return fmt.Errorf("%w: progress_pct out of range", ErrInvalidEvent)
	}
	return nil
}

// Percent converts the fractional progress into 0..100.
func (e *Event) Percent() (int, bool) {
	if e.ProgressPct == nil {
		return 0, false
	}
	return int(*e.ProgressPct*100 + 0.5), true
}
