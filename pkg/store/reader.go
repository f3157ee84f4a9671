package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"loom/pkg/protocol"
)

// Reader is a read-only view over the runtime database, used by the
// dashboard and the status command. It never writes and tolerates a
// database that is concurrently updated by the engine (WAL readers do
// not block the writer).
type Reader struct {
	db *sql.DB
}

// OpenReader opens the runtime database for reading.
func OpenReader(path string) (*Reader, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open state db %s: %w", path, err)
	}
	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping state db %s: %w", path, err)
	}
	return &Reader{db: db}, nil
}

// NewReader wraps an existing handle, for tests and embedded use.
func NewReader(db *sql.DB) *Reader {
	return &Reader{db: db}
}

// Close closes the underlying database.
func (r *Reader) Close() error {
	return r.db.Close()
}

// EventRecord is one event log row shaped for display.
type EventRecord struct {
	ID        int64  `json:"id"`
	Type      string `json:"type"`
	Source    string `json:"source"`
	TopicID   string `json:"topic_id,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
	Payload   string `json:"payload,omitempty"`
	CreatedAt string `json:"created_at"`
}

// RecentEvents returns the newest limit events, newest first.
func (r *Reader) RecentEvents(ctx context.Context, limit int) ([]EventRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, type, source, COALESCE(topic_id, ''), COALESCE(task_id, ''), COALESCE(payload, ''), created_at
		FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var ev EventRecord
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.Source, &ev.TopicID, &ev.TaskID, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	if out == nil {
		out = []EventRecord{}
	}
	return out, nil
}

// StatusSummary aggregates the persisted queue and pool snapshots into
// per-status counts for display.
type StatusSummary struct {
	TaskCounts     map[string]int `json:"task_counts"`
	DialogueCounts map[string]int `json:"dialogue_counts"`
	EventCount     int64          `json:"event_count"`
}

// Summary reads the latest snapshots and the event log size. Missing
// snapshots yield empty maps, not errors: a fresh database is a valid
// state to display.
func (r *Reader) Summary(ctx context.Context) (StatusSummary, error) {
	sum := StatusSummary{
		TaskCounts:     map[string]int{},
		DialogueCounts: map[string]int{},
	}

	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events").Scan(&sum.EventCount); err != nil {
		return sum, fmt.Errorf("count events: %w", err)
	}

	var queueSnap struct {
		Tasks []protocol.Task `json:"tasks"`
	}
	if payload := r.snapshot(ctx, protocol.SnapshotTaskQueue); payload != "" {
		if err := json.Unmarshal([]byte(payload), &queueSnap); err == nil {
			for _, t := range queueSnap.Tasks {
				sum.TaskCounts[t.Status.String()]++
			}
		}
	}

	var poolSnap struct {
		Counts map[string]int `json:"counts"`
	}
	if payload := r.snapshot(ctx, protocol.SnapshotDialoguePool); payload != "" {
		if err := json.Unmarshal([]byte(payload), &poolSnap); err == nil && poolSnap.Counts != nil {
			sum.DialogueCounts = poolSnap.Counts
		}
	}
	return sum, nil
}

func (r *Reader) snapshot(ctx context.Context, kind string) string {
	var payload string
	err := r.db.QueryRowContext(ctx, "SELECT payload FROM snapshots WHERE kind = ?", kind).Scan(&payload)
	if err != nil {
		return ""
	}
	return payload
}

// TopicRecord is one completed-topic row for display.
type TopicRecord struct {
	TopicID     string `json:"topic_id"`
	Payload     string `json:"payload"`
	CompletedAt string `json:"completed_at"`
}

// RecentTopics lists recently completed topics from the event log.
func (r *Reader) RecentTopics(ctx context.Context, limit int) ([]TopicRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT COALESCE(topic_id, ''), COALESCE(payload, ''), created_at
		FROM events WHERE type = 'topic_completed' ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query topics: %w", err)
	}
	defer rows.Close()

	var out []TopicRecord
	for rows.Next() {
		var tr TopicRecord
		if err := rows.Scan(&tr.TopicID, &tr.Payload, &tr.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan topic row: %w", err)
		}
		out = append(out, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate topics: %w", err)
	}
	if out == nil {
		out = []TopicRecord{}
	}
	return out, nil
}
