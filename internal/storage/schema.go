package storage

const schemaSQL = `
-- Crawl profiles; immutable once created
CREATE TABLE IF NOT EXISTS profiles (
    handle TEXT PRIMARY KEY NOT NULL,
    name TEXT NOT NULL,
    must_match TEXT NOT NULL,
    must_not_match TEXT NOT NULL DEFAULT '',
    max_depth INTEGER NOT NULL,
    domain_max_pages INTEGER NOT NULL DEFAULT 0,
    revisit TEXT NOT NULL DEFAULT 'never',
    allow_query INTEGER NOT NULL DEFAULT 1,
    politeness_delay_ns INTEGER NOT NULL DEFAULT -1,
    store_content INTEGER NOT NULL DEFAULT 1,
    index_text INTEGER NOT NULL DEFAULT 1,
    index_media INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL
);

-- Queue journal: every queued or dequeued request
CREATE TABLE IF NOT EXISTS queue (
    url_hash TEXT PRIMARY KEY NOT NULL,
    url TEXT NOT NULL,
    host TEXT NOT NULL,
    referrer_hash TEXT NOT NULL,
    profile_handle TEXT NOT NULL,
    initiator_id TEXT NOT NULL DEFAULT '',
    depth INTEGER NOT NULL,
    appeared_at INTEGER NOT NULL,
    anchor_text TEXT NOT NULL DEFAULT '',
    state TEXT NOT NULL DEFAULT 'queued' CHECK (state IN ('queued', 'dequeued')),
    delay_ns INTEGER NOT NULL DEFAULT 0,
    lease_until INTEGER NOT NULL DEFAULT 0,
    attempts INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_queue_host ON queue(host);
CREATE INDEX IF NOT EXISTS idx_queue_profile ON queue(profile_handle);
CREATE INDEX IF NOT EXISTS idx_queue_order ON queue(depth, appeared_at);

-- Seen tombstones: URLs that must not be enqueued again
CREATE TABLE IF NOT EXISTS seen (
    url_hash TEXT PRIMARY KEY NOT NULL,
    url TEXT NOT NULL,
    reason TEXT NOT NULL CHECK (reason IN ('indexed', 'rejected', 'manually-deleted')),
    seen_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_seen_reason ON seen(reason);

-- Failure records, one per URL
CREATE TABLE IF NOT EXISTS crawl_errors (
    url_hash TEXT PRIMARY KEY NOT NULL,
    url TEXT NOT NULL,
    reason TEXT NOT NULL,
    failure_count INTEGER NOT NULL DEFAULT 1,
    last_attempt INTEGER NOT NULL
);

-- Accepted pages per profile and host, for domain quotas
CREATE TABLE IF NOT EXISTS domain_counts (
    profile_handle TEXT NOT NULL,
    host TEXT NOT NULL,
    accepted_count INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (profile_handle, host)
);

-- Earliest next fetch per host
CREATE TABLE IF NOT EXISTS host_schedule (
    host TEXT PRIMARY KEY NOT NULL,
    next_allowed_at INTEGER NOT NULL
);

-- View for per-host queue inspection
CREATE VIEW IF NOT EXISTS queue_hosts AS
SELECT
    host,
    SUM(CASE WHEN state = 'queued' THEN 1 ELSE 0 END) as queued,
    SUM(CASE WHEN state = 'dequeued' THEN 1 ELSE 0 END) as in_flight,
    MIN(depth) as min_depth
FROM queue
GROUP BY host;

-- Process holding the right to mutate the frontier
CREATE TABLE IF NOT EXISTS owner_lock (
    name TEXT PRIMARY KEY NOT NULL,
    owner TEXT NOT NULL,
    expires_at INTEGER NOT NULL
);

-- Crawl meta table stores metadata as key-value pairs
CREATE TABLE IF NOT EXISTS crawl_meta (
    key TEXT PRIMARY KEY NOT NULL,
    value TEXT NOT NULL
);
`
