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

// Package drivertest provides a scriptable in-memory Driver.
package drivertest

import (
	"context"
	"sync"

	"videofleet/src/driver"
)

type Session struct {
	ID string
}

func (s *Session) WorkerID() string { return s.ID }

// OpenResult is one scripted answer to Open.
type OpenResult struct {
	Outcome driver.OpenOutcome
	Err     error
}

type GenerateFunc func(ctx context.Context, req driver.GenerateRequest, onProgress driver.ProgressFunc) (driver.GenerateResult, error)

type Fake struct {
	mu sync.Mutex

	opens      map[string][]OpenResult
	running    map[string]bool
	dead       map[string]bool
	loggedIn   map[string]bool
	loginOK    bool
	navigateOK bool
	generate   GenerateFunc

	OpenCalls   map[string]int
	Closed      []string
	ForceClosed []string
	Logins      []string
	Generated   []driver.GenerateRequest
}

func New() *Fake {
	return &Fake{
		opens:      map[string][]OpenResult{},
		running:    map[string]bool{},
		dead:       map[string]bool{},
		loggedIn:   map[string]bool{},
		loginOK:    true,
		navigateOK: true,
		OpenCalls:  map[string]int{},
	}
}

// ScriptOpen queues answers for successive Open calls on workerID. Once
// the script runs out Open succeeds.
func (f *Fake) ScriptOpen(workerID string, results ...OpenResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens[workerID] = append(f.opens[workerID], results...)
}

// SetRunning marks a session as already open from a previous process.
func (f *Fake) SetRunning(workerID string, running bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[workerID] = running
}

func (f *Fake) SetLoggedIn(workerID string, v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loggedIn[workerID] = v
}

func (f *Fake) SetLoginResult(ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loginOK = ok
}

func (f *Fake) SetNavigateResult(ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.navigateOK = ok
}

func (f *Fake) SetGenerate(fn GenerateFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.generate = fn
}

// Kill makes the worker's session report dead.
func (f *Fake) Kill(workerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dead[workerID] = true
}

func (f *Fake) Open(_ context.Context, workerID string) (driver.Session, driver.OpenOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.OpenCalls[workerID]++
	if script := f.opens[workerID]; len(script) > 0 {
		next := script[0]
		f.opens[workerID] = script[1:]
		if next.Err != nil {
			return nil, next.Outcome, next.Err
		}
		if next.Outcome == driver.Stale {
			return nil, driver.Stale, nil
		}
		f.running[workerID] = true
		return &Session{ID: workerID}, next.Outcome, nil
	}
	outcome := driver.Opened
	if f.running[workerID] {
		outcome = driver.Reattached
	}
	f.running[workerID] = true
	delete(f.dead, workerID)
	return &Session{ID: workerID}, outcome, nil
}

func (f *Fake) Attach(_ context.Context, workerID string) (driver.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running[workerID] {
		return nil, driver.ErrSessionNotFound
	}
	return &Session{ID: workerID}, nil
}

func (f *Fake) ForceClose(_ context.Context, workerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ForceClosed = append(f.ForceClosed, workerID)
	delete(f.running, workerID)
	return nil
}

func (f *Fake) CheckLoggedIn(_ context.Context, s driver.Session) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loggedIn[s.WorkerID()], nil
}

func (f *Fake) Login(_ context.Context, s driver.Session, _ driver.Credentials) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Logins = append(f.Logins, s.WorkerID())
	if f.loginOK {
		f.loggedIn[s.WorkerID()] = true
	}
	return f.loginOK, nil
}

func (f *Fake) NavigateToApp(_ context.Context, _ driver.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.navigateOK {
		return driver.ErrSessionNotFound
	}
	return nil
}

func (f *Fake) Generate(ctx context.Context, _ driver.Session, req driver.GenerateRequest, onProgress driver.ProgressFunc) (driver.GenerateResult, error) {
	f.mu.Lock()
	f.Generated = append(f.Generated, req)
	fn := f.generate
	f.mu.Unlock()
	if fn == nil {
		return driver.GenerateResult{Success: true}, nil
	}
	return fn(ctx, req, onProgress)
}

func (f *Fake) Alive(_ context.Context, s driver.Session) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[s.WorkerID()] && !f.dead[s.WorkerID()], nil
}

func (f *Fake) Close(_ context.Context, s driver.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = append(f.Closed, s.WorkerID())
	delete(f.running, s.WorkerID())
	return nil
}

// GeneratedCount is safe to call while generations are in flight.
func (f *Fake) GeneratedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Generated)
}

var _ driver.Driver = (*Fake)(nil)
