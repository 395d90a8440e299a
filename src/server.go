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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"videofleet/src/correlator"
	"videofleet/src/drafts"
	"videofleet/src/fleet"
	"videofleet/src/logging"
	"videofleet/src/model"
	"videofleet/src/registry"
	"videofleet/src/store"
)

// APIServer holds dependencies for the HTTP handlers
type APIServer struct {
	repo       store.TaskRepository
	stats      *logging.SchedulerStats
	fleet      *fleet.Manager
	correlator *correlator.Correlator
	drafts     *drafts.Queue
	events     chan<- model.Event
	wake       func()
}

// NewAPIServer wires the handlers. events feeds the correlator's inbound
// channel for batches that are handled asynchronously.
func NewAPIServer(repo store.TaskRepository, stats *logging.SchedulerStats, fm *fleet.Manager, corr *correlator.Correlator, queue *drafts.Queue, events chan<- model.Event, wake func()) *APIServer {
	if wake == nil {
		wake = func() {}
	}
	return &APIServer{repo: repo, stats: stats, fleet: fm, correlator: corr, drafts: queue, events: events, wake: wake}
}

// Handler returns the instrumented route table.
func (s *APIServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.statusHandler)
	mux.HandleFunc("GET /global-status", s.globalStatusHandler)

	mux.HandleFunc("POST /api/tasks/import", s.importTasksHandler)
	mux.HandleFunc("POST /api/tasks", s.createTaskHandler)
	mux.HandleFunc("GET /api/tasks", s.listTasksHandler)
	mux.HandleFunc("GET /api/tasks/{id}", s.getTaskHandler)
	mux.HandleFunc("DELETE /api/tasks/{id}", s.deleteTaskHandler)
	mux.HandleFunc("POST /api/tasks/{id}/retry", s.retryTaskHandler)
	mux.HandleFunc("POST /api/tasks/{id}/terminate", s.terminateTaskHandler)
	mux.HandleFunc("POST /api/tasks/batch-retry", s.batchRetryHandler)
	mux.HandleFunc("POST /api/tasks/batch-delete", s.batchDeleteHandler)
	mux.HandleFunc("GET /api/tasks/publishable", s.publishableHandler)
	mux.HandleFunc("POST /api/tasks/{id}/publish", s.publishTaskHandler)
	mux.HandleFunc("POST /api/tasks/batch-publish", s.batchPublishHandler)

	mux.HandleFunc("POST /api/windows/open", s.openWindowsHandler)
	mux.HandleFunc("POST /api/windows/close", s.closeWindowsHandler)
	mux.HandleFunc("GET /api/windows/status", s.windowsStatusHandler)
	mux.HandleFunc("PUT /api/windows/{id}/quota", s.quotaHandler)

	mux.HandleFunc("POST /api/events", s.eventHandler)
	mux.HandleFunc("POST /api/events/batch", s.eventBatchHandler)

	mux.HandleFunc("GET /api/drafts", s.listDraftsHandler)
	mux.HandleFunc("GET /api/drafts/unpublished", s.unpublishedDraftsHandler)
	mux.HandleFunc("PUT /api/drafts", s.replaceDraftsHandler)
	mux.HandleFunc("DELETE /api/drafts/{id}", s.removeDraftHandler)
	mux.HandleFunc("DELETE /api/drafts", s.clearDraftsHandler)

	return otelhttp.NewHandler(mux, "videofleet-api-server")
}

// Serve runs the HTTP server until ctx is cancelled, then shuts it down
// gracefully.
func (s *APIServer) Serve(ctx context.Context, port string) error {
	httpServer := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logging.Log(fmt.Sprintf("API Server starting on :%s", port), slog.LevelInfo)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server startup failed: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		logging.Log("API server exited cleanly", slog.LevelInfo)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrTaskNotFound), errors.Is(err, registry.ErrUnknownWorker):
		code = http.StatusNotFound
	case errors.Is(err, store.ErrTaskExists), errors.Is(err, fleet.ErrInvalidTransition):
		code = http.StatusConflict
	case errors.Is(err, model.ErrInvalidEvent), errors.Is(err, model.ErrNotPublishable):
		code = http.StatusBadRequest
	}
	if code == http.StatusInternalServerError {
		logging.Log(fmt.Sprintf("API error: %v", err), slog.LevelError)
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 8<<20))
	return dec.Decode(v)
}

func taskID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	return id, err == nil && id > 0
}

func (s *APIServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.stats.GetStats())
}

func (s *APIServer) globalStatusHandler(w http.ResponseWriter, r *http.Request) {
	st, err := s.repo.Stats(r.Context())
	if err != nil {
		http.Error(w, "Failed to query system stats", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type importRequest struct {
	Tasks []model.NewTask `json:"tasks"`
}

func (s *APIServer) importTasksHandler(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if err := decode(w, r, &req); err != nil {
		badRequest(w, "invalid import body: "+err.Error())
		return
	}
	res, err := s.repo.ImportTasks(r.Context(), req.Tasks)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(res.Created) > 0 {
		s.wake()
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *APIServer) createTaskHandler(w http.ResponseWriter, r *http.Request) {
	var req model.NewTask
	if err := decode(w, r, &req); err != nil {
		badRequest(w, "invalid task body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		badRequest(w, "prompt is required")
		return
	}
	id, err := s.repo.CreateTask(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	s.wake()
	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

func (s *APIServer) listTasksHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f store.TaskFilter
	if v := q.Get("status"); v != "" {
		st := model.TaskStatus(v)
		if !st.Valid() {
			badRequest(w, "unknown status "+v)
			return
		}
		f.Status = &st
	}
	for key, dst := range map[string]*int{"limit": &f.Limit, "offset": &f.Offset} {
		if v := q.Get(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				badRequest(w, "invalid "+key)
				return
			}
			*dst = n
		}
	}
	tasks, err := s.repo.ListTasks(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []*model.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *APIServer) getTaskHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(r)
	if !ok {
		badRequest(w, "invalid task id")
		return
	}
	task, err := s.repo.GetTask(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *APIServer) deleteTaskHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(r)
	if !ok {
		badRequest(w, "invalid task id")
		return
	}
	if err := s.repo.DeleteTask(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *APIServer) retryTaskHandler(w http.ResponseWriter, r *http.Request) {
	s.requeueHandler(w, r, s.fleet.RetryTask)
}

func (s *APIServer) terminateTaskHandler(w http.ResponseWriter, r *http.Request) {
	s.requeueHandler(w, r, s.fleet.TerminateTask)
}

func (s *APIServer) requeueHandler(w http.ResponseWriter, r *http.Request, action func(context.Context, int64) error) {
	id, ok := taskID(r)
	if !ok {
		badRequest(w, "invalid task id")
		return
	}
	if err := action(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	task, err := s.repo.GetTask(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type batchRequest struct {
	TaskIDs []int64 `json:"task_ids"`
}

func decodeBatch(w http.ResponseWriter, r *http.Request) ([]int64, bool) {
	var req batchRequest
	if err := decode(w, r, &req); err != nil || len(req.TaskIDs) == 0 {
		badRequest(w, "task_ids is required")
		return nil, false
	}
	return req.TaskIDs, true
}

func (s *APIServer) batchRetryHandler(w http.ResponseWriter, r *http.Request) {
	ids, ok := decodeBatch(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": s.fleet.RetryTasks(r.Context(), ids)})
}

func (s *APIServer) batchDeleteHandler(w http.ResponseWriter, r *http.Request) {
	ids, ok := decodeBatch(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": s.fleet.DeleteTasks(r.Context(), ids)})
}

func (s *APIServer) publishableHandler(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.repo.ListUnpublished(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	ready := []*model.Task{}
	for _, t := range tasks {
		if t.Publishable() == nil {
			ready = append(ready, t)
		}
	}
	writeJSON(w, http.StatusOK, ready)
}

func (s *APIServer) publishTaskHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(r)
	if !ok {
		badRequest(w, "invalid task id")
		return
	}
	req, err := s.fleet.PreparePublish(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *APIServer) batchPublishHandler(w http.ResponseWriter, r *http.Request) {
	ids, ok := decodeBatch(w, r)
	if !ok {
		return
	}
	results := s.fleet.PreparePublishBatch(r.Context(), ids)
	ready := 0
	for _, res := range results {
		if res.OK {
			ready++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ready": ready, "results": results})
}

type windowsRequest struct {
	Workers []string `json:"workers"`
}

func (s *APIServer) openWindowsHandler(w http.ResponseWriter, r *http.Request) {
	var req windowsRequest
	if err := decode(w, r, &req); err != nil || len(req.Workers) == 0 {
		badRequest(w, "workers is required")
		return
	}
	// opening logs in and navigates, which outlives a short client timeout
	reports := s.fleet.OpenWorkers(context.WithoutCancel(r.Context()), req.Workers)
	writeJSON(w, http.StatusOK, map[string]any{"results": reports})
}

func (s *APIServer) closeWindowsHandler(w http.ResponseWriter, r *http.Request) {
	var req windowsRequest
	if err := decode(w, r, &req); err != nil || len(req.Workers) == 0 {
		badRequest(w, "workers is required")
		return
	}
	failed := s.fleet.CloseWorkers(r.Context(), req.Workers)
	closed := []string{}
	errs := map[string]string{}
	for _, id := range req.Workers {
		if err, ok := failed[id]; ok {
			errs[id] = err.Error()
			continue
		}
		closed = append(closed, id)
	}
	writeJSON(w, http.StatusOK, map[string]any{"closed": closed, "errors": errs})
}

func (s *APIServer) windowsStatusHandler(w http.ResponseWriter, r *http.Request) {
	st, err := s.fleet.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *APIServer) quotaHandler(w http.ResponseWriter, r *http.Request) {
	var q model.Quota
	if err := decode(w, r, &q); err != nil {
		badRequest(w, "invalid quota body: "+err.Error())
		return
	}
	if err := s.fleet.SetQuota(r.PathValue("id"), q); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *APIServer) eventHandler(w http.ResponseWriter, r *http.Request) {
	var ev model.Event
	if err := decode(w, r, &ev); err != nil {
		badRequest(w, "invalid event body: "+err.Error())
		return
	}
	res, err := s.correlator.Handle(r.Context(), ev)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type eventBatch struct {
	Events []model.Event `json:"events"`
}

// eventBatchHandler queues a capture buffer for the correlator and returns
// before the events are applied.
func (s *APIServer) eventBatchHandler(w http.ResponseWriter, r *http.Request) {
	var req eventBatch
	if err := decode(w, r, &req); err != nil {
		badRequest(w, "invalid event batch: "+err.Error())
		return
	}
	for i, ev := range req.Events {
		if err := ev.Validate(); err != nil {
			badRequest(w, fmt.Sprintf("event %d: %v", i, err))
			return
		}
	}
	accepted := 0
	for _, ev := range req.Events {
		select {
		case s.events <- ev:
			accepted++
		case <-r.Context().Done():
			writeJSON(w, http.StatusServiceUnavailable, map[string]int{"accepted": accepted})
			return
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"accepted": accepted})
}

func (s *APIServer) listDraftsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"drafts": s.drafts.List()})
}

// unpublishedDraft is a generated video the app holds as a draft that no
// published event has reached yet.
type unpublishedDraft struct {
	TaskID       int64            `json:"task_id"`
	ExternalID   string           `json:"external_task_id"`
	GenerationID string           `json:"generation_id"`
	Prompt       string           `json:"prompt"`
	Status       model.TaskStatus `json:"status"`
}

func (s *APIServer) unpublishedDraftsHandler(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.repo.ListUnpublished(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	out := []unpublishedDraft{}
	for _, t := range tasks {
		if t.GenerationID == nil {
			continue
		}
		out = append(out, unpublishedDraft{
			TaskID:       t.ID,
			ExternalID:   model.Deref(t.ExternalID),
			GenerationID: *t.GenerationID,
			Prompt:       t.Prompt,
			Status:       t.Status,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"drafts": out})
}

type draftsRequest struct {
	Drafts []model.Draft `json:"drafts"`
}

func (s *APIServer) replaceDraftsHandler(w http.ResponseWriter, r *http.Request) {
	var req draftsRequest
	if err := decode(w, r, &req); err != nil {
		badRequest(w, "invalid drafts body: "+err.Error())
		return
	}
	n := s.drafts.ReplaceAll(req.Drafts)
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

func (s *APIServer) removeDraftHandler(w http.ResponseWriter, r *http.Request) {
	if !s.drafts.RemoveByID(r.PathValue("id")) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "draft not found"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *APIServer) clearDraftsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"cleared": s.drafts.Clear()})
}
