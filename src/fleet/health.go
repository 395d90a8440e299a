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

package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"videofleet/src/logging"
	"videofleet/src/model"
)

// RunHealthCheck sweeps the idle workers every interval until ctx ends.
func (m *Manager) RunHealthCheck(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckSessions(ctx)
		}
	}
}

// CheckSessions moves idle workers whose session has vanished to the error
// state and returns how many it marked. Busy workers are left to their
// supervisor, which sees the failure on its own driver call.
func (m *Manager) CheckSessions(ctx context.Context) (marked int) {
	defer func() {
		if r := recover(); r != nil {
			logging.Log(fmt.Sprintf("Session health check panicked: %v", r), slog.LevelError)
		}
	}()

	for _, w := range m.workers.Snapshot() {
		if w.State != model.WorkerIdle {
			continue
		}
		sess, err := m.workers.Session(w.ID)
		if err != nil || sess == nil {
			continue
		}
		checkCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		alive, err := m.driver.Alive(checkCtx, sess)
		cancel()
		if err != nil {
			logging.Log(fmt.Sprintf("Error checking session of %s: %v", w.ID, err), slog.LevelWarn)
			continue
		}
		if alive {
			continue
		}
		// the worker may have been claimed since the snapshot
		if m.workers.FailIfIdle(w.ID, "session vanished") {
			logging.Log(fmt.Sprintf("Session of idle worker %s is gone, marked as error", w.ID), slog.LevelWarn)
			marked++
		}
	}
	return marked
}
