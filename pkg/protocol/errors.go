package protocol

import "fmt"

// NotFoundError reports an unknown identifier passed to an update or query.
// Callers treat it as a silent no-op so duplicate and late events are
// tolerated; it exists for paths that want to distinguish the case via
// errors.As.
type NotFoundError struct {
	Kind string // "task", "dialogue", "topic", "version"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// PersistenceError reports a failed collaborator save or fetch. In-memory
// state is never rolled back on its account; it is recorded and the caller
// moves on.
type PersistenceError struct {
	Op    string // "save_snapshot", "fetch_version", ...
	Cause error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Cause)
}

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (e *PersistenceError) Unwrap() error { return e.Cause }

// MalformedTaskError reports a task that references a topic but carries
// unparseable artifact metadata. The task is still enqueued and tracked;
// only the artifact bookkeeping for it is skipped.
type MalformedTaskError struct {
	TaskID string
	Field  string
	Reason string
}

func (e *MalformedTaskError) Error() string {
	if e.TaskID != "" {
		return fmt.Sprintf("malformed task %s: field %s: %s", e.TaskID, e.Field, e.Reason)
	}
	return fmt.Sprintf("malformed task: field %s: %s", e.Field, e.Reason)
}
