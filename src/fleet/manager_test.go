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
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"videofleet/src/driver"
	"videofleet/src/driver/drivertest"
	"videofleet/src/model"
	"videofleet/src/registry"
	"videofleet/src/store"
)

type fixture struct {
	mem     *store.MemoryStore
	workers *registry.Registry
	drv     *drivertest.Fake
	wakes   atomic.Int32
	m       *Manager
}

func newFixture(t *testing.T, mutate ...func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		mem:     store.NewMemoryStore(),
		workers: registry.New(),
		drv:     drivertest.New(),
	}
	opts := Options{
		MaxAttempts:     4,
		Backoff:         time.Millisecond,
		BackoffMax:      2 * time.Millisecond,
		ForceCloseStale: true,
		Credentials:     map[string]driver.Credentials{"w1": {Username: "a", Password: "b"}},
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	f.m = NewManager(f.mem, f.workers, f.drv, opts, func() { f.wakes.Add(1) })
	return f
}

func (f *fixture) state(t *testing.T, id string) model.Worker {
	t.Helper()
	w, ok := f.workers.Get(id)
	require.True(t, ok, "worker %s not registered", id)
	return w
}

func TestOpenRegistersIdleWorker(t *testing.T) {
	f := newFixture(t)
	f.drv.SetLoggedIn("w1", true)

	outcome, err := f.m.Open(context.Background(), "w1")
	require.NoError(t, err)
	assert.Equal(t, driver.Opened, outcome)
	assert.Equal(t, model.WorkerIdle, f.state(t, "w1").State)
	assert.Empty(t, f.drv.Logins)
	assert.Equal(t, int32(1), f.wakes.Load())
}

func TestOpenReattachesRunningSession(t *testing.T) {
	f := newFixture(t)
	f.drv.SetRunning("w1", true)
	f.drv.SetLoggedIn("w1", true)

	outcome, err := f.m.Open(context.Background(), "w1")
	require.NoError(t, err)
	assert.Equal(t, driver.Reattached, outcome)
}

func TestOpenLogsInWithCredentials(t *testing.T) {
	f := newFixture(t)

	_, err := f.m.Open(context.Background(), "w1")
	require.NoError(t, err)
	assert.Equal(t, []string{"w1"}, f.drv.Logins)
	assert.Equal(t, model.WorkerIdle, f.state(t, "w1").State)
}

func TestOpenWithoutCredentialsMarksError(t *testing.T) {
	f := newFixture(t)

	_, err := f.m.Open(context.Background(), "w2")
	require.Error(t, err)
	w := f.state(t, "w2")
	assert.Equal(t, model.WorkerError, w.State)
	assert.Contains(t, w.Error, "no credentials")
	assert.Empty(t, f.workers.IdleWorkers())
}

func TestRejectedLoginCanBeReopened(t *testing.T) {
	f := newFixture(t)
	f.drv.SetLoginResult(false)

	_, err := f.m.Open(context.Background(), "w1")
	require.Error(t, err)
	assert.Equal(t, "login rejected", f.state(t, "w1").Error)

	f.drv.SetLoginResult(true)
	_, err = f.m.Open(context.Background(), "w1")
	require.NoError(t, err)
	assert.Equal(t, model.WorkerIdle, f.state(t, "w1").State)
	assert.Empty(t, f.state(t, "w1").Error)
}

func TestOpenTwiceIsRejected(t *testing.T) {
	f := newFixture(t)
	f.drv.SetLoggedIn("w1", true)
	_, err := f.m.Open(context.Background(), "w1")
	require.NoError(t, err)

	_, err = f.m.Open(context.Background(), "w1")
	assert.ErrorIs(t, err, registry.ErrAlreadyKnown)
}

func TestOpenRetriesBusySession(t *testing.T) {
	f := newFixture(t)
	f.drv.SetLoggedIn("w1", true)
	f.drv.ScriptOpen("w1",
		drivertest.OpenResult{Err: driver.ErrSessionBusy},
		drivertest.OpenResult{Err: driver.ErrSessionNotFound},
	)

	_, err := f.m.Open(context.Background(), "w1")
	require.NoError(t, err)
	assert.Equal(t, 3, f.drv.OpenCalls["w1"])
	assert.Equal(t, model.WorkerIdle, f.state(t, "w1").State)
}

func TestOpenGivesUpAfterMaxAttempts(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.MaxAttempts = 3 })
	busy := drivertest.OpenResult{Err: driver.ErrSessionBusy}
	f.drv.ScriptOpen("w1", busy, busy, busy, busy)

	_, err := f.m.Open(context.Background(), "w1")
	require.ErrorIs(t, err, driver.ErrSessionBusy)
	assert.Equal(t, 3, f.drv.OpenCalls["w1"])
	assert.Equal(t, model.WorkerError, f.state(t, "w1").State)
}

func TestStaleSessionIsForceClosed(t *testing.T) {
	f := newFixture(t)
	f.drv.SetLoggedIn("w1", true)
	f.drv.ScriptOpen("w1", drivertest.OpenResult{Outcome: driver.Stale})

	outcome, err := f.m.Open(context.Background(), "w1")
	require.NoError(t, err)
	assert.Equal(t, driver.Opened, outcome)
	assert.Equal(t, []string{"w1"}, f.drv.ForceClosed)
}

func TestStaleSessionLeftForOperator(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.ForceCloseStale = false })
	f.drv.ScriptOpen("w1", drivertest.OpenResult{Outcome: driver.Stale})

	outcome, err := f.m.Open(context.Background(), "w1")
	require.ErrorIs(t, err, ErrStaleSession)
	assert.Equal(t, driver.Stale, outcome)
	assert.Empty(t, f.drv.ForceClosed)
	assert.Equal(t, 1, f.drv.OpenCalls["w1"])
}

func TestOpenWorkersReportsInOrder(t *testing.T) {
	f := newFixture(t)
	f.drv.SetLoggedIn("w1", true)
	f.drv.SetLoggedIn("w2", true)
	f.drv.SetRunning("w2", true)

	reports := f.m.OpenWorkers(context.Background(), []string{"w1", "w2", "w3"})
	require.Len(t, reports, 3)
	assert.Equal(t, OpenReport{WorkerID: "w1", Outcome: "opened", State: model.WorkerIdle}, reports[0])
	assert.Equal(t, OpenReport{WorkerID: "w2", Outcome: "reattached", State: model.WorkerIdle}, reports[1])
	assert.Equal(t, model.WorkerError, reports[2].State)
	assert.NotEmpty(t, reports[2].Error)
}

func TestCloseRequeuesHeldTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.drv.SetLoggedIn("w1", true)
	_, err := f.m.Open(ctx, "w1")
	require.NoError(t, err)

	id, err := f.mem.CreateTask(ctx, model.NewTask{Prompt: "a lake"})
	require.NoError(t, err)
	require.NoError(t, f.mem.AssignWorkers(ctx, []store.Assignment{{TaskID: id, WorkerID: "w1"}}))
	_, err = f.mem.MarkRunning(ctx, id, "w1", 0)
	require.NoError(t, err)
	require.NoError(t, f.workers.MarkBusy("w1", id, 0))

	require.NoError(t, f.m.Close(ctx, "w1"))

	task, err := f.mem.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.TaskPending, task.Status)
	assert.Nil(t, task.WorkerID)
	assert.Equal(t, int64(1), task.Attempt)
	assert.False(t, f.workers.IsKnown("w1"))
	assert.Equal(t, []string{"w1"}, f.drv.Closed)

	assert.ErrorIs(t, f.m.Close(ctx, "w1"), registry.ErrUnknownWorker)
}

func TestCloseErroredWorkerWithoutSession(t *testing.T) {
	f := newFixture(t)
	busy := drivertest.OpenResult{Err: driver.ErrSessionBusy}
	f.drv.ScriptOpen("w1", busy, busy, busy, busy)
	_, err := f.m.Open(context.Background(), "w1")
	require.Error(t, err)

	require.NoError(t, f.m.Close(context.Background(), "w1"))
	assert.Empty(t, f.drv.Closed)
	assert.False(t, f.workers.IsKnown("w1"))
}

func TestShutdownHonoursPolicy(t *testing.T) {
	f := newFixture(t)
	f.drv.SetLoggedIn("w1", true)
	_, err := f.m.Open(context.Background(), "w1")
	require.NoError(t, err)

	f.m.Shutdown(context.Background(), false)
	assert.True(t, f.workers.IsKnown("w1"))

	f.m.Shutdown(context.Background(), true)
	assert.False(t, f.workers.IsKnown("w1"))
}

func TestDiscoverAttachesOnlyRunningSessions(t *testing.T) {
	f := newFixture(t)
	f.drv.SetRunning("w1", true)

	attached := f.m.Discover(context.Background(), []string{"w1", "w2", "w1", ""})
	assert.Equal(t, []string{"w1"}, attached)
	assert.Equal(t, model.WorkerIdle, f.state(t, "w1").State)
	assert.False(t, f.workers.IsKnown("w2"))
	assert.Empty(t, f.drv.Logins)
}

func TestRetryAndTerminate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.mem.CreateTask(ctx, model.NewTask{Prompt: "a forest"})
	require.NoError(t, err)

	assert.ErrorIs(t, f.m.TerminateTask(ctx, id), ErrInvalidTransition)
	assert.ErrorIs(t, f.m.RetryTask(ctx, id), ErrInvalidTransition)
	assert.ErrorIs(t, f.m.RetryTask(ctx, 999), store.ErrTaskNotFound)

	_, err = f.mem.UpdateStatus(ctx, store.StatusUpdate{ID: id, Status: model.TaskRunning})
	require.NoError(t, err)
	require.NoError(t, f.m.TerminateTask(ctx, id))

	msg := "boom"
	_, err = f.mem.UpdateStatus(ctx, store.StatusUpdate{ID: id, Status: model.TaskFailed, Error: &msg})
	require.NoError(t, err)
	require.NoError(t, f.m.RetryTask(ctx, id))

	task, err := f.mem.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.TaskPending, task.Status)
	assert.Nil(t, task.LastError)
	assert.Equal(t, int64(2), task.Attempt)
	assert.Equal(t, int32(2), f.wakes.Load())
}

func TestRetryTasksReportsEachTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	failed, err := f.mem.CreateTask(ctx, model.NewTask{Prompt: "a canyon"})
	require.NoError(t, err)
	pending, err := f.mem.CreateTask(ctx, model.NewTask{Prompt: "a reef"})
	require.NoError(t, err)
	msg := "quota exceeded"
	_, err = f.mem.UpdateStatus(ctx, store.StatusUpdate{ID: failed, Status: model.TaskFailed, Error: &msg})
	require.NoError(t, err)

	results := f.m.RetryTasks(ctx, []int64{failed, pending, 999})
	require.Len(t, results, 3)
	assert.True(t, results[0].OK)
	assert.False(t, results[1].OK)
	assert.Contains(t, results[1].Error, ErrInvalidTransition.Error())
	assert.False(t, results[2].OK)
	assert.Equal(t, int32(1), f.wakes.Load())

	task, err := f.mem.GetTask(ctx, failed)
	require.NoError(t, err)
	assert.Equal(t, model.TaskPending, task.Status)
}

func TestDeleteTasksContinuesPastMissing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, err := f.mem.CreateTask(ctx, model.NewTask{Prompt: "one"})
	require.NoError(t, err)
	b, err := f.mem.CreateTask(ctx, model.NewTask{Prompt: "two"})
	require.NoError(t, err)

	results := f.m.DeleteTasks(ctx, []int64{a, 999, b})
	assert.Equal(t, []bool{true, false, true}, []bool{results[0].OK, results[1].OK, results[2].OK})
	_, err = f.mem.GetTask(ctx, b)
	assert.ErrorIs(t, err, store.ErrTaskNotFound)
}

func TestPreparePublishRequiresArtifactAndExternalID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.mem.CreateTask(ctx, model.NewTask{Prompt: "a lighthouse"})
	require.NoError(t, err)

	_, err = f.m.PreparePublish(ctx, id)
	assert.ErrorIs(t, err, model.ErrNotPublishable)

	_, err = f.mem.UpdateStatus(ctx, store.StatusUpdate{ID: id, Status: model.TaskSuccess, ArtifactURL: model.StringPtr("https://cdn/l.mp4")})
	require.NoError(t, err)
	_, err = f.m.PreparePublish(ctx, id)
	assert.ErrorIs(t, err, model.ErrNotPublishable)

	_, err = f.mem.BindIdentifier(ctx, store.BindExternal, id, 0, "task_77")
	require.NoError(t, err)
	req, err := f.m.PreparePublish(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, PublishRequest{TaskID: id, ExternalID: "task_77", Prompt: "a lighthouse", ArtifactURL: "https://cdn/l.mp4", Text: "a lighthouse"}, req)

	results := f.m.PreparePublishBatch(ctx, []int64{id, 999})
	require.Len(t, results, 2)
	assert.True(t, results[0].OK)
	require.NotNil(t, results[0].Request)
	assert.False(t, results[1].OK)
	assert.Nil(t, results[1].Request)
}

func TestStatusOrdersByQuotaRemaining(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, id := range []string{"w1", "w2", "w3"} {
		f.drv.SetLoggedIn(id, true)
		_, err := f.m.Open(ctx, id)
		require.NoError(t, err)
	}
	five, ten := 5, 10
	require.NoError(t, f.m.SetQuota("w2", model.Quota{Remaining: &five}))
	require.NoError(t, f.m.SetQuota("w3", model.Quota{Remaining: &ten}))
	assert.ErrorIs(t, f.m.SetQuota("w9", model.Quota{}), registry.ErrUnknownWorker)

	a, _ := f.mem.CreateTask(ctx, model.NewTask{Prompt: "one"})
	_, _ = f.mem.CreateTask(ctx, model.NewTask{Prompt: "two"})
	require.NoError(t, f.mem.AssignWorkers(ctx, []store.Assignment{{TaskID: a, WorkerID: "w2"}}))

	st, err := f.m.Status(ctx)
	require.NoError(t, err)
	require.Len(t, st.Windows, 3)
	assert.Equal(t, "w3", st.Windows[0].ID)
	assert.Equal(t, "w2", st.Windows[1].ID)
	assert.Equal(t, "w1", st.Windows[2].ID)
	assert.Equal(t, 1, st.Windows[1].PendingTasks)
	assert.Equal(t, 1, st.UnassignedPending)
	assert.Equal(t, 3, st.Counts[model.WorkerIdle])
}

func TestCheckSessionsMarksVanishedIdleWorkers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, id := range []string{"w1", "w2", "w3"} {
		f.drv.SetLoggedIn(id, true)
		_, err := f.m.Open(ctx, id)
		require.NoError(t, err)
	}
	require.NoError(t, f.workers.MarkBusy("w2", 1, 0))
	f.drv.Kill("w1")
	f.drv.Kill("w2")

	assert.Equal(t, 1, f.m.CheckSessions(ctx))
	assert.Equal(t, model.WorkerError, f.state(t, "w1").State)
	assert.Equal(t, model.WorkerBusy, f.state(t, "w2").State)
	assert.Equal(t, model.WorkerIdle, f.state(t, "w3").State)
	assert.Equal(t, []string{"w3"}, f.workers.IdleWorkers())
}
