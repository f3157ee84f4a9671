// Package store persists runtime state to SQLite: component snapshots,
// the lifecycle event log, announced topic versions, and the searchable
// archive of evicted dialogue. It implements the collaborator
// interfaces the in-memory components accept (Saver, Archiver,
// EventSink, VersionLookup).
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"loom/pkg/dialogue"
	"loom/pkg/protocol"

	_ "modernc.org/sqlite"
)

// Store wraps the runtime SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the runtime database at path with WAL journal
// mode and a 5-second busy timeout, and applies the schema.
func Open(path string) (*Store, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(context.Background(), protocol.SchemaDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema on %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// openDB opens a SQLite database at path and enforces production-safe
// defaults: WAL journal mode and a 5-second busy timeout. It also calls
// db.PingContext to verify the connection is usable before returning.
func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	ctx := context.Background()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode on %s: %w", path, err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout on %s: %w", path, err)
	}

	return db, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for callers that need raw queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Save upserts a component snapshot, one row per kind. Satisfies the
// pool's and queue's Saver interface.
func (s *Store) Save(ctx context.Context, kind string, snapshot []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (kind, payload, saved_at) VALUES (?, ?, datetime('now'))
		ON CONFLICT(kind) DO UPDATE SET payload = excluded.payload, saved_at = excluded.saved_at`,
		kind, string(snapshot))
	if err != nil {
		return &protocol.PersistenceError{Op: "save_snapshot", Cause: err}
	}
	return nil
}

// LoadSnapshot returns the last saved snapshot for kind, or nil when
// none was ever saved.
func (s *Store) LoadSnapshot(ctx context.Context, kind string) ([]byte, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, "SELECT payload FROM snapshots WHERE kind = ?", kind).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &protocol.PersistenceError{Op: "load_snapshot", Cause: err}
	}
	return []byte(payload), nil
}

// Record appends a lifecycle event. Satisfies protocol.EventSink.
func (s *Store) Record(ctx context.Context, ev protocol.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (type, source, topic_id, task_id, payload) VALUES (?, ?, ?, ?, ?)`,
		ev.Type, ev.Source, ev.TopicID, ev.TaskID, ev.Payload)
	if err != nil {
		return &protocol.PersistenceError{Op: "record_event", Cause: err}
	}
	return nil
}

// PutVersion stores a topic's announced version, overwriting any prior
// announcement for the same version id and scope.
func (s *Store) PutVersion(ctx context.Context, versionID, scopeID string, meta *protocol.VersionMeta) error {
	payload, err := json.Marshal(meta)
	if err != nil {
		return &protocol.PersistenceError{Op: "put_version", Cause: err}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO versions (version_id, scope_id, meta, created_at) VALUES (?, ?, ?, datetime('now'))
		ON CONFLICT(version_id, scope_id) DO UPDATE SET meta = excluded.meta`,
		versionID, scopeID, string(payload))
	if err != nil {
		return &protocol.PersistenceError{Op: "put_version", Cause: err}
	}
	return nil
}

// Fetch returns the stored version meta, or nil when the version id was
// never announced. Satisfies the tracker's VersionLookup interface.
func (s *Store) Fetch(ctx context.Context, versionID, scopeID string) (*protocol.VersionMeta, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		"SELECT meta FROM versions WHERE version_id = ? AND scope_id = ?",
		versionID, scopeID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &protocol.PersistenceError{Op: "fetch_version", Cause: err}
	}
	var meta protocol.VersionMeta
	if err := json.Unmarshal([]byte(payload), &meta); err != nil {
		return nil, &protocol.PersistenceError{Op: "fetch_version", Cause: err}
	}
	return &meta, nil
}

// Archive stores a dialogue item removed from the pool. Satisfies the
// pool's Archiver interface; the FTS triggers index the content.
func (s *Store) Archive(ctx context.Context, item *dialogue.Item, reason string) error {
	tags := []byte("[]")
	if len(item.Tags) > 0 {
		if b, err := json.Marshal(item.Tags); err == nil {
			tags = b
		}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dialogue_archive (dialogue_index, scope_id, sender_id, content, tags, heat, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		item.Index, item.ScopeID, item.SenderID, item.Content, string(tags), item.Heat, reason,
		item.CreatedAt.UTC().Format("2006-01-02 15:04:05"))
	if err != nil {
		return &protocol.PersistenceError{Op: "archive_dialogue", Cause: err}
	}
	return nil
}

// SearchArchive runs a full-text query over archived dialogue and
// returns the best matches, BM25-ranked.
func (s *Store) SearchArchive(ctx context.Context, query string, limit int) ([]protocol.ArchivedDialogue, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.dialogue_index, a.scope_id, a.sender_id, a.content, a.tags, a.heat, a.reason,
		       COALESCE(a.created_at, ''), a.archived_at
		FROM dialogue_archive_fts f
		JOIN dialogue_archive a ON a.id = f.rowid
		WHERE dialogue_archive_fts MATCH ?
		ORDER BY bm25(dialogue_archive_fts)
		LIMIT ?`, query, limit)
	if err != nil {
		return nil, &protocol.PersistenceError{Op: "search_archive", Cause: err}
	}
	defer rows.Close()

	var out []protocol.ArchivedDialogue
	for rows.Next() {
		var d protocol.ArchivedDialogue
		if err := rows.Scan(&d.ID, &d.DialogueIndex, &d.ScopeID, &d.SenderID, &d.Content,
			&d.Tags, &d.Heat, &d.Reason, &d.CreatedAt, &d.ArchivedAt); err != nil {
			return nil, &protocol.PersistenceError{Op: "search_archive", Cause: err}
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, &protocol.PersistenceError{Op: "search_archive", Cause: err}
	}
	return out, nil
}
