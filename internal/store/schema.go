package store

// Schema contains the complete DDL for the learning store tables.
const Schema = `
-- Candidates: one row per tracked extraction strategy per context.
-- Counters only grow; success rate is derived at read time.
CREATE TABLE IF NOT EXISTS candidates (
    id            TEXT PRIMARY KEY,
    context_key   TEXT NOT NULL,
    fingerprint   TEXT NOT NULL,
    strategy      TEXT NOT NULL,
    tier          TEXT NOT NULL DEFAULT 'discovered',
    high_priority INTEGER NOT NULL DEFAULT 0,
    success_count INTEGER NOT NULL DEFAULT 0,
    failure_count INTEGER NOT NULL DEFAULT 0,
    discovered_at INTEGER NOT NULL,
    last_success  INTEGER,
    last_failure  INTEGER,
    last_error    TEXT NOT NULL DEFAULT '',
    UNIQUE(context_key, fingerprint)
);
CREATE INDEX IF NOT EXISTS idx_cand_context ON candidates(context_key);
CREATE INDEX IF NOT EXISTS idx_cand_tier ON candidates(context_key, tier);

-- Block events: bot-detection incidents per domain. Only events inside
-- the rolling window feed backoff; older rows are swept by maintenance.
CREATE TABLE IF NOT EXISTS block_events (
    id        TEXT PRIMARY KEY,
    domain    TEXT NOT NULL,
    signature TEXT NOT NULL DEFAULT '',
    at        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_block_domain ON block_events(domain, at DESC);

-- Context stats: per-context aggregates recomputed by maintenance.
CREATE TABLE IF NOT EXISTS context_stats (
    context_key     TEXT PRIMARY KEY,
    candidate_count INTEGER NOT NULL DEFAULT 0,
    success_count   INTEGER NOT NULL DEFAULT 0,
    failure_count   INTEGER NOT NULL DEFAULT 0,
    success_rate    REAL NOT NULL DEFAULT 0,
    updated_at      INTEGER NOT NULL
);
`
