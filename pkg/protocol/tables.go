package protocol

import "context"

// Event represents a row in the events SQLite table. Every notable
// lifecycle transition (enqueue, claim, completion, eviction, persistence
// failure, topic completion) is recorded as one.
type Event struct {
	ID        int64  `json:"id"`
	Type      string `json:"type"`
	Source    string `json:"source"` // emitting component: "pool", "queue", "tracker", "engine"
	TopicID   string `json:"topic_id,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
	Payload   string `json:"payload,omitempty"` // JSON detail blob
	CreatedAt string `json:"created_at"`
}

// EventSink receives lifecycle events. The store's SQLite recorder is the
// production implementation; components treat a nil sink as a no-op and
// never fail on a sink error.
type EventSink interface {
	Record(ctx context.Context, ev Event) error
}

// Event type names shared between writers and the dashboard.
const (
	EventTaskEnqueued     = "task_enqueued"
	EventTaskStatus       = "task_status"
	EventTaskClaimed      = "task_claimed"
	EventDialogueAdmitted = "dialogue_admitted"
	EventDialogueEvicted  = "dialogue_evicted"
	EventDialogueExpired  = "dialogue_expired"
	EventTopicCompleted   = "topic_completed"
	EventPersistFailed    = "persist_failed"
	EventMalformedTask    = "malformed_task"
)

// VersionRow represents a row in the versions SQLite table: a topic's
// last-announced VersionMeta, serialized as JSON, keyed by version id and
// scope.
type VersionRow struct {
	VersionID string `json:"version_id"`
	ScopeID   string `json:"scope_id"`
	Meta      string `json:"meta"` // VersionMeta JSON
	CreatedAt string `json:"created_at"`
}

// Snapshot kinds for the snapshots table.
const (
	SnapshotTaskQueue    = "task_queue"
	SnapshotDialoguePool = "dialogue_pool"
)

// ArchivedDialogue represents a row in the dialogue_archive table: a pool
// item that aged out or was evicted, kept searchable via FTS5.
type ArchivedDialogue struct {
	ID            int64   `json:"id"`
	DialogueIndex int     `json:"dialogue_index"`
	ScopeID       string  `json:"scope_id"`
	SenderID      string  `json:"sender_id"`
	Content       string  `json:"content"`
	Tags          string  `json:"tags"`
	Heat          float64 `json:"heat"`
	Reason        string  `json:"reason"` // "expired", "cold", "capacity"
	CreatedAt     string  `json:"created_at"`
	ArchivedAt    string  `json:"archived_at"`
}
