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

package processor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"videofleet/src/correlator"
	"videofleet/src/driver"
	"videofleet/src/driver/drivertest"
	"videofleet/src/drafts"
	"videofleet/src/logging"
	"videofleet/src/model"
	"videofleet/src/registry"
	"videofleet/src/store"
)

type harness struct {
	repo    store.TaskRepository
	mem     *store.MemoryStore
	workers *registry.Registry
	drv     *drivertest.Fake
	stats   *logging.SchedulerStats
	sup     *Supervisor
	sched   *Scheduler
}

func newHarness(t *testing.T, cooldown time.Duration, workerIDs ...string) *harness {
	t.Helper()
	mem := store.NewMemoryStore()
	return newHarnessWithRepo(t, mem, mem, cooldown, workerIDs...)
}

func newHarnessWithRepo(t *testing.T, repo store.TaskRepository, mem *store.MemoryStore, cooldown time.Duration, workerIDs ...string) *harness {
	t.Helper()
	h := &harness{
		repo:    repo,
		mem:     mem,
		workers: registry.New(),
		drv:     drivertest.New(),
		stats:   logging.NewSchedulerStats("test"),
	}
	for _, id := range workerIDs {
		require.NoError(t, h.workers.Register(id, &drivertest.Session{ID: id}, model.WorkerIdle))
	}
	h.sup = NewSupervisor(repo, h.workers, h.drv, h.stats, cooldown, cooldown)
	h.sched = NewScheduler(repo, h.workers, h.sup, h.stats, time.Hour)
	return h
}

func (h *harness) create(t *testing.T, prompt string) int64 {
	t.Helper()
	id, err := h.mem.CreateTask(context.Background(), model.NewTask{Prompt: prompt})
	require.NoError(t, err)
	return id
}

func (h *harness) task(t *testing.T, id int64) *model.Task {
	t.Helper()
	task, err := h.mem.GetTask(context.Background(), id)
	require.NoError(t, err)
	return task
}

func (h *harness) worker(t *testing.T, id string) model.Worker {
	t.Helper()
	w, ok := h.workers.Get(id)
	require.True(t, ok)
	return w
}

func (h *harness) statusIs(id int64, status model.TaskStatus) func() bool {
	return func() bool {
		task, err := h.mem.GetTask(context.Background(), id)
		return err == nil && task.Status == status
	}
}

func TestFailureReleasesWorkerImmediately(t *testing.T) {
	h := newHarness(t, time.Hour, "w1")
	id := h.create(t, "a cat")
	h.drv.SetGenerate(func(context.Context, driver.GenerateRequest, driver.ProgressFunc) (driver.GenerateResult, error) {
		return driver.GenerateResult{}, errors.New("page crashed")
	})

	assert.Equal(t, 1, h.sched.Cycle(context.Background()))
	h.sup.Wait()

	task := h.task(t, id)
	assert.Equal(t, model.TaskFailed, task.Status)
	assert.Nil(t, task.WorkerID)
	assert.Equal(t, "page crashed", model.Deref(task.LastError))
	assert.Equal(t, "failed: page crashed", task.ProgressMessage)

	w := h.worker(t, "w1")
	assert.Equal(t, model.WorkerIdle, w.State)
	assert.Nil(t, w.CurrentTaskID)
	assert.Equal(t, []string{"w1"}, h.workers.IdleWorkers())
}

func TestReportedFailureIsRecorded(t *testing.T) {
	h := newHarness(t, time.Hour, "w1")
	id := h.create(t, "a dog")
	h.drv.SetGenerate(func(context.Context, driver.GenerateRequest, driver.ProgressFunc) (driver.GenerateResult, error) {
		return driver.GenerateResult{Success: false, Error: "content policy"}, nil
	})

	h.sched.Cycle(context.Background())
	h.sup.Wait()

	assert.Equal(t, "content policy", model.Deref(h.task(t, id).LastError))
	assert.Equal(t, model.WorkerIdle, h.worker(t, "w1").State)
}

func TestSuccessRetainsWorkerUntilCooldown(t *testing.T) {
	h := newHarness(t, time.Hour, "w1")
	id := h.create(t, "a bird")
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		h.sup.Wait()
	}()

	h.sched.Cycle(ctx)
	require.Eventually(t, h.statusIs(id, model.TaskSuccess), time.Second, 5*time.Millisecond)

	task := h.task(t, id)
	assert.Equal(t, 100, task.Progress)
	assert.True(t, task.HoldsWorker("w1"))
	w := h.worker(t, "w1")
	assert.Equal(t, model.WorkerBusy, w.State)
	assert.Equal(t, id, *w.CurrentTaskID)
	assert.Empty(t, h.workers.IdleWorkers())
}

func TestCooldownReturnsWorkerToPool(t *testing.T) {
	h := newHarness(t, 10*time.Millisecond, "w1")
	id := h.create(t, "a fish")

	h.sched.Cycle(context.Background())
	h.sup.Wait()

	assert.Equal(t, model.TaskSuccess, h.task(t, id).Status)
	assert.Equal(t, model.WorkerIdle, h.worker(t, "w1").State)
}

func TestProgressCallbacksAreWritten(t *testing.T) {
	h := newHarness(t, time.Millisecond, "w1")
	id := h.create(t, "a horse")
	proceed := make(chan struct{})
	h.drv.SetGenerate(func(_ context.Context, _ driver.GenerateRequest, onProgress driver.ProgressFunc) (driver.GenerateResult, error) {
		onProgress(10, "queued")
		onProgress(40, "rendering")
		<-proceed
		return driver.GenerateResult{Success: true, ArtifactURL: "https://cdn/horse.mp4"}, nil
	})

	h.sched.Cycle(context.Background())
	require.Eventually(t, func() bool {
		task, err := h.mem.GetTask(context.Background(), id)
		return err == nil && task.Progress == 40
	}, time.Second, 5*time.Millisecond)
	task := h.task(t, id)
	assert.Equal(t, model.TaskRunning, task.Status)
	assert.Equal(t, "rendering", task.ProgressMessage)
	assert.NotNil(t, task.Started)

	close(proceed)
	h.sup.Wait()
	assert.Equal(t, "https://cdn/horse.mp4", model.Deref(h.task(t, id).ArtifactURL))
}

func TestCyclePairsOldestTasksWithIdleWorkers(t *testing.T) {
	h := newHarness(t, time.Millisecond, "w1", "w2")
	first := h.create(t, "one")
	second := h.create(t, "two")
	third := h.create(t, "three")
	block := make(chan struct{})
	h.drv.SetGenerate(func(context.Context, driver.GenerateRequest, driver.ProgressFunc) (driver.GenerateResult, error) {
		<-block
		return driver.GenerateResult{Success: true}, nil
	})

	assert.Equal(t, 2, h.sched.Cycle(context.Background()))
	assert.True(t, h.task(t, first).HoldsWorker("w1"))
	assert.True(t, h.task(t, second).HoldsWorker("w2"))
	assert.Nil(t, h.task(t, third).WorkerID)
	assert.Equal(t, 0, h.sched.Cycle(context.Background()), "no idle workers left")

	close(block)
	h.sup.Wait()
	assert.Equal(t, uint64(2), h.stats.GetStats().TasksAssigned)
}

type failingAssign struct {
	*store.MemoryStore
}

func (failingAssign) AssignWorkers(context.Context, []store.Assignment) error {
	return errors.New("connection reset")
}

func TestAssignmentFailureAbortsWholeBatch(t *testing.T) {
	mem := store.NewMemoryStore()
	h := newHarnessWithRepo(t, failingAssign{mem}, mem, time.Millisecond, "w1", "w2")
	a := h.create(t, "one")
	b := h.create(t, "two")

	assert.Equal(t, 0, h.sched.Cycle(context.Background()))
	h.sup.Wait()

	assert.Nil(t, h.task(t, a).WorkerID)
	assert.Nil(t, h.task(t, b).WorkerID)
	assert.ElementsMatch(t, []string{"w1", "w2"}, h.workers.IdleWorkers())
	assert.Equal(t, 0, h.drv.GeneratedCount())
	assert.Equal(t, uint64(1), h.stats.GetStats().RepositoryFailures)
}

func TestTerminatedTaskIsNotClobbered(t *testing.T) {
	h := newHarness(t, time.Hour, "w1")
	id := h.create(t, "a fox")
	proceed := make(chan struct{})
	h.drv.SetGenerate(func(context.Context, driver.GenerateRequest, driver.ProgressFunc) (driver.GenerateResult, error) {
		<-proceed
		return driver.GenerateResult{Success: true, ArtifactURL: "https://cdn/fox.mp4"}, nil
	})

	h.sched.Cycle(context.Background())
	require.Eventually(t, h.statusIs(id, model.TaskRunning), time.Second, 5*time.Millisecond)
	ok, err := h.mem.Requeue(context.Background(), id, []model.TaskStatus{model.TaskRunning})
	require.NoError(t, err)
	require.True(t, ok)

	close(proceed)
	h.sup.Wait()

	task := h.task(t, id)
	assert.Equal(t, model.TaskPending, task.Status)
	assert.Equal(t, int64(1), task.Attempt)
	assert.Nil(t, task.ArtifactURL)
	assert.Nil(t, task.WorkerID)
	assert.Equal(t, model.WorkerIdle, h.worker(t, "w1").State)
}

func TestLateResultDoesNotFreeReassignedWorker(t *testing.T) {
	h := newHarness(t, time.Hour, "w1")
	id := h.create(t, "a heron")
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		h.sup.Wait()
	}()

	firstRun := make(chan struct{})
	var calls atomic.Int32
	h.drv.SetGenerate(func(ctx context.Context, _ driver.GenerateRequest, _ driver.ProgressFunc) (driver.GenerateResult, error) {
		if calls.Add(1) == 1 {
			<-firstRun
			return driver.GenerateResult{}, errors.New("page crashed")
		}
		<-ctx.Done()
		return driver.GenerateResult{}, ctx.Err()
	})

	require.Equal(t, 1, h.sched.Cycle(ctx))
	require.Eventually(t, h.statusIs(id, model.TaskRunning), time.Second, 5*time.Millisecond)

	// operator closes w1 while it generates, then reopens it
	require.NoError(t, h.workers.SetState("w1", model.WorkerStopped, nil))
	n, err := h.mem.ReleaseWorkerTasks(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	_, err = h.workers.Release("w1")
	require.NoError(t, err)
	require.NoError(t, h.workers.Register("w1", &drivertest.Session{ID: "w1"}, model.WorkerIdle))

	require.Equal(t, 1, h.sched.Cycle(ctx))
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, h.statusIs(id, model.TaskRunning), time.Second, 5*time.Millisecond)

	close(firstRun)
	require.Eventually(t, func() bool { return h.stats.GetStats().ActiveExecutions == 1 }, time.Second, 5*time.Millisecond)

	task := h.task(t, id)
	assert.Equal(t, model.TaskRunning, task.Status)
	assert.Equal(t, int64(1), task.Attempt)
	assert.Equal(t, "w1", model.Deref(task.WorkerID))

	w := h.worker(t, "w1")
	assert.Equal(t, model.WorkerBusy, w.State)
	require.NotNil(t, w.CurrentTaskID)
	assert.Equal(t, id, *w.CurrentTaskID)
	assert.Empty(t, h.workers.IdleWorkers())
}

func TestRunningTaskWithoutWorkerIsNotRepicked(t *testing.T) {
	h := newHarness(t, time.Millisecond, "w1")
	id := h.create(t, "orphan")
	_, err := h.mem.UpdateStatus(context.Background(), store.StatusUpdate{ID: id, Status: model.TaskRunning})
	require.NoError(t, err)

	assert.Equal(t, 0, h.sched.Cycle(context.Background()))
	assert.Equal(t, model.TaskRunning, h.task(t, id).Status)
}

func TestRecoverTasksIsIdempotent(t *testing.T) {
	h := newHarness(t, time.Millisecond)
	ctx := context.Background()
	fixed := h.create(t, "x")
	left := h.create(t, "y")
	done := h.create(t, "z")
	msg := "timeout"
	_, _ = h.mem.UpdateStatus(ctx, store.StatusUpdate{ID: fixed, Status: model.TaskFailed, Error: &msg, ArtifactURL: model.StringPtr("https://cdn/x.mp4")})
	_, _ = h.mem.UpdateStatus(ctx, store.StatusUpdate{ID: left, Status: model.TaskFailed, Error: &msg})
	_, _ = h.mem.UpdateStatus(ctx, store.StatusUpdate{ID: done, Status: model.TaskSuccess, ArtifactURL: model.StringPtr("https://cdn/z.mp4")})
	doneBefore := h.task(t, done)

	RecoverTasks(ctx, h.repo, h.stats)
	once, _ := h.mem.ListTasks(ctx, store.TaskFilter{})
	RecoverTasks(ctx, h.repo, h.stats)
	twice, _ := h.mem.ListTasks(ctx, store.TaskFilter{})

	assert.Equal(t, once, twice)
	assert.Equal(t, model.TaskSuccess, h.task(t, fixed).Status)
	assert.Equal(t, model.TaskFailed, h.task(t, left).Status)
	assert.Equal(t, doneBefore, h.task(t, done))
}

func TestSunsetOverMountainsEndToEnd(t *testing.T) {
	h := newHarness(t, time.Hour, "w1")
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		h.sup.Wait()
	}()
	queue := drafts.NewQueue()
	corr := correlator.New(h.repo, h.workers, queue, h.stats, "https://app.test")

	res, err := h.mem.ImportTasks(ctx, []model.NewTask{{Prompt: "sunset over mountains"}})
	require.NoError(t, err)
	require.Len(t, res.Created, 1)
	id := res.Created[0]

	require.Equal(t, 1, h.sched.Cycle(ctx))
	require.Eventually(t, h.statusIs(id, model.TaskSuccess), time.Second, 5*time.Millisecond)
	assert.Equal(t, model.WorkerBusy, h.worker(t, "w1").State)

	queue.ReplaceAll([]model.Draft{{DraftID: "d-1", GenerationID: "gen-42", Prompt: "sunset over mountains"}})
	match, err := corr.Handle(ctx, model.Event{Kind: model.EventDraftAvailable, Prompt: "sunset over mountains", GenerationID: "gen-42"})
	require.NoError(t, err)
	assert.Equal(t, correlator.MatchExact, match.MatchType)

	task := h.task(t, id)
	assert.Equal(t, model.TaskSuccess, task.Status)
	assert.Equal(t, "gen-42", model.Deref(task.GenerationID))
	assert.Nil(t, task.ArtifactURL)

	_, err = corr.Handle(ctx, model.Event{Kind: model.EventPublished, GenerationID: "gen-42", PostID: "p-7"})
	require.NoError(t, err)

	task = h.task(t, id)
	assert.Equal(t, model.TaskPublished, task.Status)
	require.NotNil(t, task.PublishedURL)
	assert.Equal(t, "https://app.test/p/p-7", *task.PublishedURL)
	assert.Equal(t, model.WorkerIdle, h.worker(t, "w1").State)
	assert.Empty(t, queue.List())
}
