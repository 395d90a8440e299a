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

// Package driver is the contract between the scheduler and whatever runs a
// browser-automation session for one worker profile.
package driver

import (
	"context"
	"errors"
)

var (
	// ErrSessionBusy means the profile is held by something this process
	// cannot take over right now.
	ErrSessionBusy = errors.New("session busy")
	// ErrSessionNotFound means the session vanished underneath us.
	ErrSessionNotFound = errors.New("session not found")
)

// OpenOutcome distinguishes a fresh session from one that was already
// running and one that exists but is unusable.
type OpenOutcome int

const (
	Opened OpenOutcome = iota
	Reattached
	Stale
)

func (o OpenOutcome) String() string {
	switch o {
	case Opened:
		return "opened"
	case Reattached:
		return "reattached"
	case Stale:
		return "stale"
	}
	return "unknown"
}

// Session is an opaque handle owned by exactly one worker.
type Session interface {
	WorkerID() string
}

type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type GenerateRequest struct {
	TaskID int64   `json:"task_id"`
	Prompt string  `json:"prompt"`
	Image  *string `json:"image,omitempty"`
	Model  *string `json:"model,omitempty"`
}

type GenerateResult struct {
	Success     bool   `json:"success"`
	ArtifactURL string `json:"artifact_url,omitempty"`
	Error       string `json:"error,omitempty"`
}

// ProgressFunc receives every progress callback from a generation attempt.
type ProgressFunc func(percent int, message string)

type Driver interface {
	// Open starts or reclaims the session for workerID. A Stale outcome
	// returns no session.
	Open(ctx context.Context, workerID string) (Session, OpenOutcome, error)
	// Attach reclaims an already running session without starting one.
	Attach(ctx context.Context, workerID string) (Session, error)
	// ForceClose tears down whatever holds workerID, stale or not.
	ForceClose(ctx context.Context, workerID string) error
	CheckLoggedIn(ctx context.Context, s Session) (bool, error)
	Login(ctx context.Context, s Session, c Credentials) (bool, error)
	NavigateToApp(ctx context.Context, s Session) error
	Generate(ctx context.Context, s Session, req GenerateRequest, onProgress ProgressFunc) (GenerateResult, error)
	Alive(ctx context.Context, s Session) (bool, error)
	Close(ctx context.Context, s Session) error
}
