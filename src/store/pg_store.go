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
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"

	"videofleet/src/logging"
	"videofleet/src/model"
)

// NotifyChannel is the LISTEN/NOTIFY channel raised whenever pending work appears.
const NotifyChannel = "tasks_updated"

const uniqueViolation = pq.ErrorCode("23505")

const taskColumns = `id, external_id, generation_id, post_id, status, worker_id, prompt, image, model,
	progress, progress_message, artifact_url, published_url, published_at, last_error,
	started, finished, created_at, attempt`

type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

// OpenPG opens and pings a Postgres connection.
func OpenPG(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*model.Task, error) {
	t := &model.Task{}
	var status string
	err := row.Scan(&t.ID, &t.ExternalID, &t.GenerationID, &t.PostID, &status, &t.WorkerID,
		&t.Prompt, &t.Image, &t.Model, &t.Progress, &t.ProgressMessage, &t.ArtifactURL,
		&t.PublishedURL, &t.PublishedAt, &t.LastError, &t.Started, &t.Finished, &t.CreatedAt, &t.Attempt)
	if err != nil {
		return nil, err
	}
	t.Status = model.TaskStatus(status)
	return t, nil
}

func (s *PGStore) queryTasks(ctx context.Context, query string, args ...any) ([]*model.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*model.Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// notify wakes every listening scheduler. Failures only delay pickup until
// the next poll, so they are logged and swallowed.
func (s *PGStore) notify(ctx context.Context) {
	if _, err := s.db.ExecContext(ctx, "SELECT pg_notify($1, '')", NotifyChannel); err != nil {
		logging.Log(fmt.Sprintf("notify %s failed: %v", NotifyChannel, err), slog.LevelWarn)
	}
}

func (s *PGStore) CreateTask(ctx context.Context, t model.NewTask) (int64, error) {
	prompt := strings.TrimSpace(t.Prompt)
	image := model.NormalizeImage(t.Image)
	var id int64
	var err error
	if t.ID != nil {
		err = s.db.QueryRowContext(ctx,
			`INSERT INTO tasks (id, prompt, image, model) VALUES ($1, $2, $3, $4) RETURNING id`,
			*t.ID, prompt, image, t.Model).Scan(&id)
		if err == nil {
			// keep the serial ahead of explicit ids
			_, err = s.db.ExecContext(ctx,
				`SELECT setval(pg_get_serial_sequence('tasks', 'id'), GREATEST((SELECT MAX(id) FROM tasks), 1))`)
		}
	} else {
		err = s.db.QueryRowContext(ctx,
			`INSERT INTO tasks (prompt, image, model) VALUES ($1, $2, $3) RETURNING id`,
			prompt, image, t.Model).Scan(&id)
	}
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrTaskExists
		}
		return 0, err
	}
	s.notify(ctx)
	return id, nil
}

func (s *PGStore) ImportTasks(ctx context.Context, tasks []model.NewTask) (ImportResult, error) {
	res := ImportResult{Created: []int64{}}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	for _, t := range tasks {
		prompt := strings.TrimSpace(t.Prompt)
		if prompt == "" {
			res.Skipped++
			continue
		}
		image := model.NormalizeImage(t.Image)
		var id int64
		err := tx.QueryRowContext(ctx, `
			INSERT INTO tasks (prompt, image, model)
			SELECT $1, $2, $3
			WHERE NOT EXISTS (
				SELECT 1 FROM tasks WHERE TRIM(prompt) = $1 AND COALESCE(image, '') = COALESCE($2, '')
			)
			RETURNING id`, prompt, image, t.Model).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			res.Skipped++
			continue
		}
		if err != nil {
			return ImportResult{Created: []int64{}}, err
		}
		res.Created = append(res.Created, id)
	}
	if err := tx.Commit(); err != nil {
		return ImportResult{Created: []int64{}}, err
	}
	if len(res.Created) > 0 {
		s.notify(ctx)
	}
	return res, nil
}

func (s *PGStore) GetTask(ctx context.Context, id int64) (*model.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	return t, err
}

func (s *PGStore) GetTaskByExternalID(ctx context.Context, externalID string) (*model.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE id = (SELECT task_id FROM task_bindings WHERE kind = $1 AND value = $2)`,
		BindExternal, externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	return t, err
}

func (s *PGStore) LookupBinding(ctx context.Context, kind BindingKind, value string) (*Binding, error) {
	b := &Binding{Kind: kind, Value: value}
	err := s.db.QueryRowContext(ctx,
		`SELECT task_id, attempt FROM task_bindings WHERE kind = $1 AND value = $2`,
		kind, value).Scan(&b.TaskID, &b.Attempt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBindingNotFound
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (s *PGStore) ListTasks(ctx context.Context, f TaskFilter) ([]*model.Task, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 500
	}
	var status *string
	if f.Status != nil {
		v := string(*f.Status)
		status = &v
	}
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`, status, limit, f.Offset)
}

func (s *PGStore) ListPending(ctx context.Context, limit int) ([]*model.Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = 'pending' AND worker_id IS NULL
		ORDER BY created_at ASC, id ASC
		LIMIT $1`, limit)
}

func (s *PGStore) ListCorrelationCandidates(ctx context.Context) ([]*model.Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status IN ('running', 'pending', 'success')
		AND external_id IS NULL AND generation_id IS NULL
		ORDER BY CASE status WHEN 'running' THEN 0 WHEN 'pending' THEN 1 ELSE 2 END,
			created_at DESC, id DESC`)
}

func (s *PGStore) ListUnpublished(ctx context.Context) ([]*model.Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = 'success' AND external_id IS NOT NULL AND published_url IS NULL
		ORDER BY created_at ASC, id ASC`)
}

func (s *PGStore) AssignWorkers(ctx context.Context, batch []Assignment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, a := range batch {
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET worker_id = $1
			WHERE id = $2 AND status = 'pending' AND worker_id IS NULL AND attempt = $3`,
			a.WorkerID, a.TaskID, a.Attempt)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("%w: task %d", ErrAssignmentConflict, a.TaskID)
		}
	}
	return tx.Commit()
}

func affected(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// existsOr distinguishes a failed precondition from a missing row.
func (s *PGStore) existsOr(ctx context.Context, id int64, applied bool, err error) (bool, error) {
	if err != nil || applied {
		return applied, err
	}
	var one int
	if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = $1`, id).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrTaskNotFound
		}
		return false, err
	}
	return false, nil
}

func (s *PGStore) MarkRunning(ctx context.Context, id int64, workerID string, attempt int64) (bool, error) {
	applied, err := affected(s.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'running', started = NOW()
		WHERE id = $1 AND status IN ('pending', 'running') AND worker_id = $2 AND attempt = $3`,
		id, workerID, attempt))
	return s.existsOr(ctx, id, applied, err)
}

// buildStatusUpdate renders u as one conditional UPDATE following applyStatus.
func buildStatusUpdate(u StatusUpdate) (string, []any) {
	args := []any{string(u.Status)}
	sets := []string{"status = $1"}
	add := func(expr string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf(expr, len(args)))
	}

	switch u.Status {
	case model.TaskSuccess, model.TaskPublished:
		sets = append(sets, "progress = 100", "progress_message = '"+completedMessage+"'", "last_error = NULL")
	case model.TaskFailed:
		sets = append(sets, "progress = 0")
		add("progress_message = $%d", failedMessage(u.Error))
	}
	if u.Status.In(model.TaskSuccess, model.TaskFailed) {
		sets = append(sets, "finished = NOW()")
	}
	if u.Error != nil && u.Status.In(model.TaskFailed, model.TaskPublishFailed) {
		add("last_error = $%d", *u.Error)
	}
	if u.ArtifactURL != nil {
		add("artifact_url = COALESCE(NULLIF(artifact_url, ''), $%d)", *u.ArtifactURL)
	}
	if u.PublishedURL != nil {
		add("published_url = $%d", *u.PublishedURL)
	}
	if u.PostID != nil {
		add("post_id = $%d", *u.PostID)
	}
	if u.Status == model.TaskPublished {
		if u.PublishedAt != nil {
			add("published_at = $%d", *u.PublishedAt)
		} else {
			sets = append(sets, "published_at = NOW()")
		}
	}
	if u.ClearWorker {
		sets = append(sets, "worker_id = NULL")
	}

	args = append(args, u.ID)
	where := fmt.Sprintf("id = $%d", len(args))
	if len(u.From) > 0 {
		args = append(args, pq.Array(statusStrings(u.From)))
		where += fmt.Sprintf(" AND status = ANY($%d)", len(args))
	}
	if u.Attempt != nil {
		args = append(args, *u.Attempt)
		where += fmt.Sprintf(" AND attempt = $%d", len(args))
	}
	return "UPDATE tasks SET " + strings.Join(sets, ", ") + " WHERE " + where, args
}

func (s *PGStore) UpdateStatus(ctx context.Context, u StatusUpdate) (bool, error) {
	query, args := buildStatusUpdate(u)
	applied, err := affected(s.db.ExecContext(ctx, query, args...))
	return s.existsOr(ctx, u.ID, applied, err)
}

func (s *PGStore) UpdateProgress(ctx context.Context, u ProgressUpdate) (bool, error) {
	applied, err := affected(s.db.ExecContext(ctx, `
		UPDATE tasks SET progress = $1, progress_message = $2
		WHERE id = $3 AND status = 'running' AND ($4::bigint IS NULL OR attempt = $4)`,
		u.Percent, u.Message, u.ID, u.Attempt))
	return s.existsOr(ctx, u.ID, applied, err)
}

func (s *PGStore) SetWorkerAssignment(ctx context.Context, id int64, workerID *string) error {
	applied, err := affected(s.db.ExecContext(ctx, `UPDATE tasks SET worker_id = $1 WHERE id = $2`, workerID, id))
	if err == nil && !applied {
		return ErrTaskNotFound
	}
	return err
}

func (s *PGStore) DetachWorker(ctx context.Context, id int64, workerID string, attempt int64) (bool, error) {
	applied, err := affected(s.db.ExecContext(ctx,
		`UPDATE tasks SET worker_id = NULL WHERE id = $1 AND worker_id = $2 AND attempt = $3`, id, workerID, attempt))
	return s.existsOr(ctx, id, applied, err)
}

func (s *PGStore) BindIdentifier(ctx context.Context, kind BindingKind, id int64, attempt int64, value string) (bool, error) {
	column := "external_id"
	if kind == BindGeneration {
		column = "generation_id"
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET `+column+` = $1
		WHERE id = $2 AND `+column+` IS NULL AND attempt = $3`, value, id, attempt)
	applied, err := affected(res, err)
	if err != nil {
		if isUniqueViolation(err) {
			return false, ErrExternalIDTaken
		}
		return false, err
	}
	if !applied {
		return s.existsOr(ctx, id, false, nil)
	}

	var owner int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO task_bindings (kind, value, task_id, attempt) VALUES ($1, $2, $3, $4)
		ON CONFLICT (kind, value) DO UPDATE SET kind = EXCLUDED.kind
		RETURNING task_id`, kind, value, id, attempt).Scan(&owner)
	if err != nil {
		return false, err
	}
	if owner != id {
		return false, ErrExternalIDTaken
	}
	return true, tx.Commit()
}

func (s *PGStore) Requeue(ctx context.Context, id int64, from []model.TaskStatus) (bool, error) {
	applied, err := affected(s.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'pending', started = NULL, finished = NULL, last_error = NULL,
			artifact_url = NULL, worker_id = NULL, external_id = NULL, generation_id = NULL,
			progress = 0, progress_message = '', attempt = attempt + 1
		WHERE id = $1 AND status = ANY($2)`, id, pq.Array(statusStrings(from))))
	applied, err = s.existsOr(ctx, id, applied, err)
	if applied {
		s.notify(ctx)
	}
	return applied, err
}

func (s *PGStore) ReleaseWorkerTasks(ctx context.Context, workerID string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = 'pending', started = NULL, finished = NULL, last_error = NULL,
			artifact_url = NULL, worker_id = NULL, external_id = NULL, generation_id = NULL,
			progress = 0, progress_message = '', attempt = attempt + 1
		WHERE worker_id = $1 AND status IN ('pending', 'running')`, workerID)
	if err != nil {
		return 0, err
	}
	requeued, _ := res.RowsAffected()
	if _, err := tx.ExecContext(ctx, `UPDATE tasks SET worker_id = NULL WHERE worker_id = $1`, workerID); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	if requeued > 0 {
		s.notify(ctx)
	}
	return requeued, nil
}

func (s *PGStore) RepairFailedWithArtifacts(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'success', progress = 100, progress_message = '`+completedMessage+`',
			last_error = NULL, finished = COALESCE(finished, NOW())
		WHERE status = 'failed' AND artifact_url IS NOT NULL AND artifact_url <> ''`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *PGStore) DeleteTask(ctx context.Context, id int64) error {
	applied, err := affected(s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, id))
	if err == nil && !applied {
		return ErrTaskNotFound
	}
	return err
}

func (s *PGStore) Stats(ctx context.Context) (Stats, error) {
	st := Stats{Counts: make(map[model.TaskStatus]int, len(model.AllStatuses))}
	for _, status := range model.AllStatuses {
		st.Counts[status] = 0
	}
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return st, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return st, err
		}
		st.Counts[model.TaskStatus(status)] = n
		st.Total += n
	}
	if err := rows.Err(); err != nil {
		return st, err
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(AVG(EXTRACT(EPOCH FROM (finished - started))), 0),
			COUNT(*) FILTER (WHERE finished > NOW() - INTERVAL '1 hour')
		FROM tasks
		WHERE status IN ('success', 'published') AND finished IS NOT NULL AND started IS NOT NULL`,
	).Scan(&st.AvgExecutionSec, &st.ThroughputPerHour)
	return st, err
}

func (s *PGStore) PendingByWorker(ctx context.Context) (PendingCounts, error) {
	pc := PendingCounts{ByWorker: make(map[string]int)}
	rows, err := s.db.QueryContext(ctx,
		`SELECT worker_id, COUNT(*) FROM tasks WHERE status = 'pending' GROUP BY worker_id`)
	if err != nil {
		return pc, err
	}
	defer rows.Close()
	for rows.Next() {
		var worker sql.NullString
		var n int
		if err := rows.Scan(&worker, &n); err != nil {
			return pc, err
		}
		if worker.Valid {
			pc.ByWorker[worker.String] = n
		} else {
			pc.Unassigned = n
		}
	}
	return pc, rows.Err()
}

func (s *PGStore) RecordEvent(ctx context.Context, e AuditEntry) error {
	payload := e.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO event_audit (id, event_id, kind, match_type, task_id, payload, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.EventID, string(e.Kind), e.MatchType, e.TaskID, string(payload), e.ReceivedAt)
	return err
}
