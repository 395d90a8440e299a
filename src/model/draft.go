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

// Draft is a generated artifact waiting for the publishing agent.
type Draft struct {
	DraftID        string `json:"draft_id"`
	GenerationID   string `json:"generation_id,omitempty"`
	ExternalTaskID string `json:"external_task_id,omitempty"`
	Prompt         string `json:"prompt,omitempty"`
	DraftURL       string `json:"draft_url,omitempty"`
	ThumbnailURL   string `json:"thumbnail_url,omitempty"`
}
