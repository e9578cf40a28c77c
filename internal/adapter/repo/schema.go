package repo

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema is applied idempotently at startup. The claim index mirrors the
// ordering used by ClaimNext so the candidate scan stays on the index.
const schema = `
CREATE TABLE IF NOT EXISTS generation_jobs (
    id               TEXT PRIMARY KEY,
    owner_id         TEXT NOT NULL,
    tier             TEXT NOT NULL,
    kind             TEXT NOT NULL,
    inputs_json      JSONB NOT NULL,
    provider         TEXT NOT NULL DEFAULT '',
    external_ref     TEXT NOT NULL DEFAULT '',
    state            TEXT NOT NULL DEFAULT 'queued',
    attempt          INT NOT NULL DEFAULT 0,
    result_json      JSONB,
    error_json       JSONB,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    lease_expires_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_generation_jobs_claim
    ON generation_jobs (kind, state, created_at);

CREATE INDEX IF NOT EXISTS idx_generation_jobs_owner
    ON generation_jobs (owner_id, created_at DESC);

CREATE TABLE IF NOT EXISTS usage_events (
    id         BIGSERIAL PRIMARY KEY,
    owner_id   TEXT NOT NULL,
    job_id     TEXT NOT NULL,
    event_type TEXT NOT NULL,
    kind       TEXT NOT NULL,
    success    BOOLEAN NOT NULL,
    latency_ms BIGINT NOT NULL DEFAULT 0,
    country    TEXT NOT NULL DEFAULT '',
    locale     TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_usage_events_owner
    ON usage_events (owner_id, created_at DESC);
`

// EnsureSchema creates the tables and indexes if they do not exist yet.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, schema)
	return err
}
