package postgres

import "strings"

// schema is applied by Migrate. Table names carry the {{base}} prefix.
const schema = `
CREATE TABLE IF NOT EXISTS {{base}}_queue (
    id                TEXT PRIMARY KEY,
    queue_name        TEXT NOT NULL,
    tags              TEXT[] NOT NULL DEFAULT '{}',
    priority          INTEGER NOT NULL DEFAULT 0,
    func_str          TEXT NOT NULL,
    args              JSONB NOT NULL DEFAULT '[]',
    kwargs            JSONB NOT NULL DEFAULT '{}',
    enqueued_at       TIMESTAMPTZ NOT NULL,
    enqueued_at_epoch DOUBLE PRECISION NOT NULL DEFAULT 0,
    started_at        TIMESTAMPTZ NOT NULL,
    started_at_epoch  DOUBLE PRECISION NOT NULL DEFAULT 0,
    finished_at       TIMESTAMPTZ NOT NULL,
    finished_at_epoch DOUBLE PRECISION NOT NULL DEFAULT 0,
    process_after     TIMESTAMPTZ NOT NULL,
    processed         BOOLEAN NOT NULL DEFAULT FALSE,
    failed            BOOLEAN NOT NULL DEFAULT FALSE,
    finished          BOOLEAN NOT NULL DEFAULT FALSE,
    timeout_ns        BIGINT NOT NULL DEFAULT 0,
    claimed_by        TEXT NOT NULL DEFAULT '-',
    mutex_key         TEXT,
    mutex_count       INTEGER
);

CREATE INDEX IF NOT EXISTS {{base}}_queue_claim_idx
    ON {{base}}_queue (processed, queue_name, priority, process_after, enqueued_at);
CREATE INDEX IF NOT EXISTS {{base}}_queue_mutex_idx
    ON {{base}}_queue (mutex_key) WHERE processed AND NOT finished AND mutex_key IS NOT NULL;
CREATE INDEX IF NOT EXISTS {{base}}_queue_failed_idx
    ON {{base}}_queue (failed) WHERE failed;
CREATE INDEX IF NOT EXISTS {{base}}_queue_claimed_by_idx
    ON {{base}}_queue (claimed_by);

CREATE TABLE IF NOT EXISTS {{base}}_finished_jobs (
    seq BIGSERIAL PRIMARY KEY,
    LIKE {{base}}_queue
);
CREATE UNIQUE INDEX IF NOT EXISTS {{base}}_finished_jobs_id_idx
    ON {{base}}_finished_jobs (id);
CREATE INDEX IF NOT EXISTS {{base}}_finished_jobs_claimed_by_idx
    ON {{base}}_finished_jobs (claimed_by);

CREATE TABLE IF NOT EXISTS {{base}}_workers (
    id               TEXT PRIMARY KEY,
    name             TEXT NOT NULL,
    host             TEXT NOT NULL,
    pid              INTEGER NOT NULL,
    username         TEXT NOT NULL DEFAULT '',
    started          TIMESTAMPTZ NOT NULL,
    finished         TIMESTAMPTZ NOT NULL,
    check_in         TIMESTAMPTZ NOT NULL,
    working          BOOLEAN NOT NULL DEFAULT TRUE,
    queues           TEXT[] NOT NULL DEFAULT '{}',
    tags             TEXT[] NOT NULL DEFAULT '{}',
    log_output       BOOLEAN NOT NULL DEFAULT FALSE,
    terminate        BOOLEAN NOT NULL DEFAULT FALSE,
    terminate_status INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS {{base}}_workers_working_idx
    ON {{base}}_workers (working);
CREATE INDEX IF NOT EXISTS {{base}}_workers_name_idx
    ON {{base}}_workers (name, started DESC);

CREATE TABLE IF NOT EXISTS {{base}}_schedule (
    id         TEXT PRIMARY KEY,
    rule       TEXT NOT NULL,
    task       TEXT NOT NULL,
    queue      TEXT NOT NULL,
    tags       TEXT[] NOT NULL DEFAULT '{}',
    paused     BOOLEAN NOT NULL DEFAULT FALSE,
    active     BOOLEAN NOT NULL DEFAULT TRUE,
    created    TIMESTAMPTZ NOT NULL,
    modified   TIMESTAMPTZ NOT NULL,
    checked    TIMESTAMPTZ NOT NULL,
    timeout_ns BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS {{base}}_log (
    seq       BIGSERIAL PRIMARY KEY,
    id        TEXT NOT NULL,
    job_id    TEXT NOT NULL DEFAULT '',
    worker_id TEXT NOT NULL DEFAULT '',
    level     TEXT NOT NULL,
    logger    TEXT NOT NULL DEFAULT '',
    message   TEXT NOT NULL,
    time      TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS {{base}}_log_job_idx ON {{base}}_log (job_id, seq);
CREATE INDEX IF NOT EXISTS {{base}}_log_worker_idx ON {{base}}_log (worker_id, seq);
`

func renderSchema(base string) string {
	return strings.ReplaceAll(schema, "{{base}}", base)
}
