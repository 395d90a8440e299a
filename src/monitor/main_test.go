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

package main

import (
	"context"
	"errors"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"videofleet/src/fleet"
	"videofleet/src/model"
	"videofleet/src/store"
)

type stubAPI struct {
	stats   store.Stats
	windows fleet.Status
	err     error
}

func (s stubAPI) get(_ context.Context, path string, v any) error {
	if s.err != nil {
		return s.err
	}
	switch path {
	case "/global-status":
		*v.(*store.Stats) = s.stats
	case "/api/windows/status":
		*v.(*fleet.Status) = s.windows
	}
	return nil
}

func TestSnapshotPopulatesTable(t *testing.T) {
	task := int64(7)
	five := 5
	api := stubAPI{
		stats: store.Stats{Total: 3, Counts: map[model.TaskStatus]int{model.TaskPending: 2, model.TaskSuccess: 1}},
		windows: fleet.Status{
			Windows: []fleet.WindowStatus{
				{Worker: model.Worker{ID: "w1", State: model.WorkerBusy, CurrentTaskID: &task, Quota: &model.Quota{Remaining: &five}}, PendingTasks: 1},
				{Worker: model.Worker{ID: "w2", State: model.WorkerIdle}},
			},
			Counts: map[model.WorkerState]int{model.WorkerBusy: 1, model.WorkerIdle: 1},
		},
	}
	m := newMonitor(api, time.Second)

	msg := m.fetch()()
	next, _ := m.Update(msg)
	m = next.(monitor)

	require.NotNil(t, m.baseline)
	rows := m.table.Rows()
	require.Len(t, rows, 2)
	assert.Equal(t, "w1", rows[0][0])
	assert.Equal(t, "7", rows[0][2])
	assert.Equal(t, "1", rows[0][3])
	assert.Equal(t, "5", rows[0][4])
	assert.Equal(t, "-", rows[1][2])
	assert.Contains(t, m.View(), "1 idle  1 busy")
}

func TestFetchErrorKeepsLastRows(t *testing.T) {
	m := newMonitor(stubAPI{windows: fleet.Status{Windows: []fleet.WindowStatus{{Worker: model.Worker{ID: "w1"}}}}}, time.Second)
	next, _ := m.Update(m.fetch()())
	m = next.(monitor)

	m.api = stubAPI{err: errors.New("connection refused")}
	next, _ = m.Update(m.fetch()())
	m = next.(monitor)

	assert.Len(t, m.table.Rows(), 1)
	assert.Contains(t, m.View(), "connection refused")
}

func TestQuitKey(t *testing.T) {
	m := newMonitor(stubAPI{}, time.Second)
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}
