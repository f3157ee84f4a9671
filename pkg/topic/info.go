package topic

import (
	"sync"

	"github.com/google/uuid"

	"loom/pkg/protocol"
)

// Status is the topic lifecycle state. A topic moves active to
// completed exactly once and never back.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
)

// Info is the tracked state of one topic: its task membership, the
// creation counters the completion rule consults, and the version
// ledger of its artifact set.
type Info struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	ScopeID string `json:"scope_id"`
	Status  Status `json:"status"`

	TaskIDs []uuid.UUID `json:"task_ids"`

	// Creation counters. Expected comes from tasks that declare a
	// total artifact count up front; Actual counts creation-type tasks
	// added; Completed counts creation-type tasks that finished.
	ExpectedCreations  int `json:"expected_creations"`
	ActualCreations    int `json:"actual_creations"`
	CompletedCreations int `json:"completed_creations"`

	CurrentVersion protocol.VersionMeta `json:"current_version"`
}

// state is the tracker's internal per-topic record. Each topic has its
// own mutex so unrelated topics never contend.
type state struct {
	mu   sync.Mutex
	info Info

	taskStatus map[uuid.UUID]protocol.TaskStatus
	// pendingResolution maps a task to the artifact path whose storage
	// id only becomes known when the task completes.
	pendingResolution map[uuid.UUID]string
}

func newState(id, topicType, scopeID string) *state {
	return &state{
		info: Info{
			ID:      id,
			Type:    topicType,
			ScopeID: scopeID,
			Status:  StatusActive,
		},
		taskStatus:        make(map[uuid.UUID]protocol.TaskStatus),
		pendingResolution: make(map[uuid.UUID]string),
	}
}

// allTerminal reports whether every task added to the topic has reached
// a terminal status. Callers hold the topic lock.
func (s *state) allTerminal() bool {
	if len(s.taskStatus) == 0 {
		return false
	}
	for _, st := range s.taskStatus {
		if !st.Terminal() {
			return false
		}
	}
	return true
}

// snapshot returns a deep copy of the topic info. Callers hold the
// topic lock.
func (s *state) snapshot() Info {
	out := s.info
	out.TaskIDs = append([]uuid.UUID(nil), s.info.TaskIDs...)
	out.CurrentVersion = *s.info.CurrentVersion.Clone()
	return out
}
