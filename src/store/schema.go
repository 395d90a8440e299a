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

import "context"

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id               BIGSERIAL PRIMARY KEY,
	external_id      TEXT UNIQUE,
	generation_id    TEXT,
	post_id          TEXT,
	status           TEXT NOT NULL DEFAULT 'pending'
		CHECK (status IN ('pending', 'running', 'success', 'failed', 'published', 'publish_failed')),
	worker_id        TEXT,
	prompt           TEXT NOT NULL,
	image            TEXT,
	model            TEXT,
	progress         INTEGER NOT NULL DEFAULT 0,
	progress_message TEXT NOT NULL DEFAULT '',
	artifact_url     TEXT,
	published_url    TEXT,
	published_at     TIMESTAMPTZ,
	last_error       TEXT,
	started          TIMESTAMPTZ,
	finished         TIMESTAMPTZ,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	attempt          BIGINT NOT NULL DEFAULT 0,
	CHECK (status <> 'published' OR published_url IS NOT NULL)
);

CREATE INDEX IF NOT EXISTS tasks_pending_idx ON tasks (created_at, id) WHERE status = 'pending' AND worker_id IS NULL;
CREATE INDEX IF NOT EXISTS tasks_unbound_idx ON tasks (status, created_at) WHERE external_id IS NULL;
CREATE INDEX IF NOT EXISTS tasks_worker_idx ON tasks (worker_id) WHERE worker_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS task_bindings (
	kind     TEXT NOT NULL,
	value    TEXT NOT NULL,
	task_id  BIGINT NOT NULL REFERENCES tasks (id) ON DELETE CASCADE,
	attempt  BIGINT NOT NULL,
	bound_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (kind, value)
);

CREATE TABLE IF NOT EXISTS event_audit (
	id          UUID PRIMARY KEY,
	event_id    TEXT NOT NULL,
	kind        TEXT NOT NULL,
	match_type  TEXT NOT NULL,
	task_id     BIGINT,
	payload     JSONB NOT NULL,
	received_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS event_audit_event_idx ON event_audit (event_id);
`

// Migrate creates the tables the store needs. It is safe to run on every start.
func (s *PGStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}
