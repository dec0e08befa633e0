// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package state

// schema is applied on every Open. Statements are idempotent so upgrades
// that only add tables or indexes need no migration machinery.
const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id           TEXT PRIMARY KEY,
	task_id          TEXT NOT NULL,
	params           TEXT NOT NULL DEFAULT '{}',
	status           TEXT NOT NULL,
	created_at       TEXT NOT NULL,
	started_at       TEXT,
	finished_at      TEXT,
	exit_code        INTEGER,
	error            TEXT,
	lease_owner      TEXT,
	lease_expires_at TEXT,
	pgid             INTEGER,
	cancel_requested INTEGER NOT NULL DEFAULT 0,
	cron_id          TEXT,
	idempotency_key  TEXT
);

CREATE INDEX IF NOT EXISTS ix_runs_status_created
	ON runs (status, created_at);
CREATE INDEX IF NOT EXISTS ix_runs_task_created
	ON runs (task_id, created_at);
CREATE INDEX IF NOT EXISTS ix_runs_lease_expires
	ON runs (lease_expires_at) WHERE lease_expires_at IS NOT NULL;
CREATE UNIQUE INDEX IF NOT EXISTS ix_runs_idempotency
	ON runs (idempotency_key) WHERE idempotency_key IS NOT NULL;

CREATE TABLE IF NOT EXISTS events (
	run_id TEXT NOT NULL REFERENCES runs (run_id),
	seq    INTEGER NOT NULL,
	ts     TEXT NOT NULL,
	type   TEXT NOT NULL,
	data   TEXT NOT NULL DEFAULT 'null',
	PRIMARY KEY (run_id, seq)
);

CREATE TABLE IF NOT EXISTS artifacts (
	artifact_id TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL REFERENCES runs (run_id),
	file_id     TEXT NOT NULL,
	title       TEXT NOT NULL DEFAULT '',
	kind        TEXT NOT NULL DEFAULT 'binary',
	mime        TEXT NOT NULL DEFAULT 'application/octet-stream',
	path        TEXT NOT NULL,
	size_bytes  INTEGER NOT NULL DEFAULT 0,
	created_at  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS ix_artifacts_run
	ON artifacts (run_id, created_at);
CREATE UNIQUE INDEX IF NOT EXISTS ix_artifacts_file
	ON artifacts (run_id, file_id);

CREATE TABLE IF NOT EXISTS workers (
	worker_id      TEXT PRIMARY KEY,
	hostname       TEXT NOT NULL,
	pid            INTEGER NOT NULL,
	status         TEXT NOT NULL,
	run_id         TEXT,
	last_heartbeat TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS cron_entries (
	cron_id         TEXT PRIMARY KEY,
	task_id         TEXT NOT NULL,
	cron_expression TEXT NOT NULL,
	params          TEXT NOT NULL DEFAULT '{}',
	name            TEXT NOT NULL DEFAULT '',
	is_enabled      INTEGER NOT NULL DEFAULT 1,
	next_run_at     TEXT NOT NULL,
	last_run_at     TEXT
);

CREATE INDEX IF NOT EXISTS ix_cron_next
	ON cron_entries (next_run_at) WHERE is_enabled = 1;
`
