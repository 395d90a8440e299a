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

import "time"

type WorkerState string

const (
	WorkerIdle    WorkerState = "idle"
	WorkerBusy    WorkerState = "busy"
	WorkerError   WorkerState = "error"
	WorkerStopped WorkerState = "stopped"
)

// Quota is the operator-supplied account quota annotation for a worker.
// It is informational only.
type Quota struct {
	Remaining *int      `json:"remaining,omitempty"`
	Limit     *int      `json:"limit,omitempty"`
	Reset     *string   `json:"reset,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Worker is a point-in-time copy of one registry entry.
type Worker struct {
	ID            string      `json:"id"`
	State         WorkerState `json:"state"`
	CurrentTaskID *int64      `json:"current_task_id,omitempty"`
	Since         time.Time   `json:"since"`
	Error         string      `json:"error,omitempty"`
	Quota         *Quota      `json:"quota,omitempty"`
}
