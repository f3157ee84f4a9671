package protocol

// SchemaDDL defines the SQLite schema for the loom runtime database.
// Tables: events, snapshots, versions, dialogue_archive, and the
// dialogue_archive_fts FTS5 index. Execute with: db.Exec(SchemaDDL).
const SchemaDDL = `
-- Lifecycle event log: pool/queue/tracker/engine transitions
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY,
    type TEXT NOT NULL,
    source TEXT NOT NULL,
    topic_id TEXT,
    task_id TEXT,
    payload TEXT,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

-- Component snapshots, one row per kind, overwritten on every save
CREATE TABLE IF NOT EXISTS snapshots (
    kind TEXT PRIMARY KEY,
    payload TEXT NOT NULL,
    saved_at TEXT NOT NULL DEFAULT (datetime('now'))
);

-- Last-announced topic versions, keyed by version id within a scope
CREATE TABLE IF NOT EXISTS versions (
    version_id TEXT NOT NULL,
    scope_id TEXT NOT NULL,
    meta TEXT NOT NULL,
    created_at TEXT NOT NULL DEFAULT (datetime('now')),
    PRIMARY KEY (version_id, scope_id)
);

-- Dialogue items removed from the pool, kept searchable
CREATE TABLE IF NOT EXISTS dialogue_archive (
    id INTEGER PRIMARY KEY,
    dialogue_index INTEGER NOT NULL,
    scope_id TEXT,
    sender_id TEXT,
    content TEXT NOT NULL,
    tags TEXT DEFAULT '[]',
    heat REAL DEFAULT 0,
    reason TEXT NOT NULL,
    created_at TEXT,
    archived_at TEXT NOT NULL DEFAULT (datetime('now'))
);

-- FTS5 full-text index over archived dialogue for BM25-ranked recall
CREATE VIRTUAL TABLE IF NOT EXISTS dialogue_archive_fts USING fts5(
    content,
    tags,
    content=dialogue_archive,
    content_rowid=id
);

-- Triggers to keep the FTS index in sync with dialogue_archive
CREATE TRIGGER IF NOT EXISTS dialogue_archive_ai AFTER INSERT ON dialogue_archive BEGIN
    INSERT INTO dialogue_archive_fts(rowid, content, tags) VALUES (new.id, new.content, new.tags);
END;

CREATE TRIGGER IF NOT EXISTS dialogue_archive_ad AFTER DELETE ON dialogue_archive BEGIN
    INSERT INTO dialogue_archive_fts(dialogue_archive_fts, rowid, content, tags) VALUES ('delete', old.id, old.content, old.tags);
END;

CREATE TRIGGER IF NOT EXISTS dialogue_archive_au AFTER UPDATE ON dialogue_archive BEGIN
    INSERT INTO dialogue_archive_fts(dialogue_archive_fts, rowid, content, tags) VALUES ('delete', old.id, old.content, old.tags);
    INSERT INTO dialogue_archive_fts(rowid, content, tags) VALUES (new.id, new.content, new.tags);
END;
`
