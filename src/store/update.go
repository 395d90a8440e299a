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
	"strings"
	"time"

	"videofleet/src/model"
)

const completedMessage = "completed"

// failedMessage is the progress message stored with a failed task.
func failedMessage(errText *string) string {
	if errText == nil || *errText == "" {
		return "failed"
	}
	return "failed: " + *errText
}

func statusAllowed(current model.TaskStatus, from []model.TaskStatus) bool {
	return len(from) == 0 || current.In(from...)
}

func statusStrings(statuses []model.TaskStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// applyStatus mutates t the way PGStore's UPDATE does.
func applyStatus(t *model.Task, u StatusUpdate, now time.Time) {
	t.Status = u.Status
	switch u.Status {
	case model.TaskSuccess, model.TaskPublished:
		t.Progress = 100
		t.ProgressMessage = completedMessage
		t.LastError = nil
	case model.TaskFailed:
		t.Progress = 0
		t.ProgressMessage = failedMessage(u.Error)
	}
	if u.Status.In(model.TaskSuccess, model.TaskFailed) {
		t.Finished = &now
	}
	if u.Error != nil && u.Status.In(model.TaskFailed, model.TaskPublishFailed) {
		t.LastError = model.StringPtr(*u.Error)
	}
	if u.ArtifactURL != nil && model.Deref(t.ArtifactURL) == "" {
		t.ArtifactURL = model.StringPtr(*u.ArtifactURL)
	}
	if u.PublishedURL != nil {
		t.PublishedURL = model.StringPtr(*u.PublishedURL)
	}
	if u.PostID != nil {
		t.PostID = model.StringPtr(*u.PostID)
	}
	if u.Status == model.TaskPublished {
		at := now
		if u.PublishedAt != nil {
			at = *u.PublishedAt
		}
		t.PublishedAt = &at
	}
	if u.ClearWorker {
		t.WorkerID = nil
	}
}

// resetForQueue clears everything a fresh attempt must not inherit.
func resetForQueue(t *model.Task) {
	t.Status = model.TaskPending
	t.Started = nil
	t.Finished = nil
	t.LastError = nil
	t.ArtifactURL = nil
	t.WorkerID = nil
	t.ExternalID = nil
	t.GenerationID = nil
	t.Progress = 0
	t.ProgressMessage = ""
	t.Attempt++
}

func dedupeKey(prompt string, image *string) string {
	return strings.TrimSpace(prompt) + "\x00" + model.Deref(model.NormalizeImage(image))
}
