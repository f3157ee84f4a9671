// Package protocol defines the shared data model for the loom core:
// dialogue and task enums, the Task record, artifact actions, version
// metadata, typed errors, and the SQLite schema used by the store.
// It has no dependencies on the other loom packages so that dialogue,
// taskqueue, topic, store, and engine can all build on it.
package protocol

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DialoguePriority orders dialogue items for retention decisions.
type DialoguePriority int

// Dialogue priority levels, lowest to highest.
const (
	DialogueLow      DialoguePriority = 1
	DialogueNormal   DialoguePriority = 2
	DialogueHigh     DialoguePriority = 3
	DialogueUrgent   DialoguePriority = 4
	DialogueCritical DialoguePriority = 5
)

// Weight returns the multiplier this priority contributes to the pool's
// retention score.
func (p DialoguePriority) Weight() float64 {
	if p < DialogueLow || p > DialogueCritical {
		return float64(DialogueNormal)
	}
	return float64(p)
}

// DialogueStatus is the lifecycle state of a dialogue item.
type DialogueStatus int

// Dialogue lifecycle states.
const (
	DialoguePending DialogueStatus = iota + 1
	DialogueProcessing
	DialogueCompleted
	DialogueFailed
)

// String returns the lowercase status name, used as a counter key.
func (s DialogueStatus) String() string {
	switch s {
	case DialoguePending:
		return "pending"
	case DialogueProcessing:
		return "processing"
	case DialogueCompleted:
		return "completed"
	case DialogueFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// DialogueStatuses lists every dialogue status, for counter seeding.
func DialogueStatuses() []DialogueStatus {
	return []DialogueStatus{DialoguePending, DialogueProcessing, DialogueCompleted, DialogueFailed}
}

// TaskPriority orders tasks in the queue. Higher values dequeue first.
type TaskPriority int

// Task priority levels, lowest to highest.
const (
	PriorityLow      TaskPriority = 1
	PriorityNormal   TaskPriority = 2
	PriorityHigh     TaskPriority = 3
	PriorityUrgent   TaskPriority = 4
	PriorityCritical TaskPriority = 5
)

// String returns the priority name.
func (p TaskPriority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("unknown(%d)", int(p))
	}
}

// TaskType categorizes units of work so the engine can route them to a
// registered handler.
type TaskType int

// Task types. ArtifactCreation persists one generated artifact and counts
// toward topic completion; ArtifactGeneration produces content and is
// deliberately excluded from the completion check (it declares how many
// creation tasks to expect instead).
const (
	TaskConversation       TaskType = 10
	TaskAnalysis           TaskType = 20
	TaskCallback           TaskType = 33
	TaskSystem             TaskType = 40
	TaskArtifactCreation   TaskType = 50
	TaskArtifactGeneration TaskType = 51
)

// String returns the task type name.
func (t TaskType) String() string {
	switch t {
	case TaskConversation:
		return "conversation"
	case TaskAnalysis:
		return "analysis"
	case TaskCallback:
		return "callback"
	case TaskSystem:
		return "system"
	case TaskArtifactCreation:
		return "artifact_creation"
	case TaskArtifactGeneration:
		return "artifact_generation"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// TaskStatus is the lifecycle state of a task.
type TaskStatus int

// Task lifecycle states. BLOCKED is set by callers when a dependency is
// unmet; the queue never derives it on its own.
const (
	TaskPending TaskStatus = iota + 1
	TaskRunning
	TaskCompleted
	TaskFailed
	TaskBlocked
)

// String returns the lowercase status name, used as a counter key.
func (s TaskStatus) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskRunning:
		return "running"
	case TaskCompleted:
		return "completed"
	case TaskFailed:
		return "failed"
	case TaskBlocked:
		return "blocked"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Terminal reports whether the status is COMPLETED or FAILED.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// TaskStatuses lists every task status, for counter seeding.
func TaskStatuses() []TaskStatus {
	return []TaskStatus{TaskPending, TaskRunning, TaskCompleted, TaskFailed, TaskBlocked}
}

// Well-known task parameter keys. All topic and artifact metadata rides in
// Task.Params so that the queue stays agnostic of topic bookkeeping.
const (
	ParamTopicID         = "topic_id"
	ParamTopicType       = "topic_type"
	ParamScopeID         = "scope_id"
	ParamFilePath        = "file_path"
	ParamAction          = "action"
	ParamStorageID       = "storage_id"
	ParamExpectedCount   = "expected_file_count"
	ParamParentVersionID = "parent_version_id"
)

// ResultStorageIDKey is the result-map key carrying the storage identifier
// assigned when an artifact-creation task materializes its file.
const ResultStorageIDKey = "storage_id"

// Task is one unit of work. Owned by the queue once enqueued; the topic
// tracker references it by ID only.
type Task struct {
	ID          uuid.UUID  `json:"id"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Priority TaskPriority `json:"priority"`
	Type     TaskType     `json:"type"`
	Status   TaskStatus   `json:"status"`

	Description string         `json:"description"`
	Params      map[string]any `json:"params,omitempty"`

	// Nil when the task was not spawned by a dialogue item; index 0 is
	// a valid source.
	SourceDialogueIndex *int           `json:"source_dialogue_index,omitempty"`
	Result              map[string]any `json:"result,omitempty"`
	ErrorMessage        string         `json:"error_message,omitempty"`
	RetryCount          int            `json:"retry_count,omitempty"`
}

// NewTask builds a PENDING task with a fresh ID and creation timestamp.
func NewTask(typ TaskType, priority TaskPriority, description string) *Task {
	return &Task{
		ID:          uuid.New(),
		CreatedAt:   time.Now().UTC(),
		Priority:    priority,
		Type:        typ,
		Status:      TaskPending,
		Description: description,
		Params:      make(map[string]any),
	}
}

// paramString returns Params[key] as a string, or "" when absent or not a
// string.
func (t *Task) paramString(key string) string {
	if t == nil || t.Params == nil {
		return ""
	}
	s, _ := t.Params[key].(string)
	return s
}

// TopicID returns the owning topic identifier, or "" when the task belongs
// to no topic.
func (t *Task) TopicID() string { return t.paramString(ParamTopicID) }

// TopicType returns the declared topic type.
func (t *Task) TopicType() string { return t.paramString(ParamTopicType) }

// ScopeID returns the owning conversation/session scope identifier.
func (t *Task) ScopeID() string { return t.paramString(ParamScopeID) }

// FilePath returns the artifact path this task touches, if any.
func (t *Task) FilePath() string { return t.paramString(ParamFilePath) }

// StorageID returns the artifact storage identifier declared up front, if
// any. Creation tasks usually learn theirs only at completion; see
// ResultStorageID.
func (t *Task) StorageID() string { return t.paramString(ParamStorageID) }

// ParentVersionID returns the declared parent topic version, if any.
func (t *Task) ParentVersionID() string { return t.paramString(ParamParentVersionID) }

// Action parses the declared artifact action. A missing action defaults to
// ActionCreate; an unknown verb is a MalformedTaskError.
func (t *Task) Action() (ArtifactAction, error) {
	raw := t.paramString(ParamAction)
	if raw == "" {
		return ActionCreate, nil
	}
	return ParseArtifactAction(raw)
}

// ExpectedFileCount returns the declared expected artifact count, or 0 when
// the producer could not state one. Accepts int and float64 (JSON numbers
// decode as float64).
func (t *Task) ExpectedFileCount() int {
	if t == nil || t.Params == nil {
		return 0
	}
	switch v := t.Params[ParamExpectedCount].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// ResultStorageID returns the storage identifier from the task result, or
// "" when the result is absent or carries none.
func (t *Task) ResultStorageID() string {
	if t == nil || t.Result == nil {
		return ""
	}
	s, _ := t.Result[ResultStorageIDKey].(string)
	return s
}
