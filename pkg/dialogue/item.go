// Package dialogue implements the bounded, self-maintaining pool of
// conversational items awaiting or undergoing processing. Retention is
// heat-based: items gain heat when referenced, lose a fixed amount per
// maintenance cycle, and are evicted when cold, expired, or squeezed out
// by the pool's size cap.
package dialogue

import (
	"time"

	"loom/pkg/protocol"
)

// Analysis is the result an external reasoner attaches to an item. The
// pool stores it verbatim and never interprets it.
type Analysis struct {
	Intent     string                `json:"intent"`
	Priority   protocol.TaskPriority `json:"priority"`
	TaskType   protocol.TaskType     `json:"task_type"`
	RelatedIdx []int                 `json:"related_indices,omitempty"` // pool indices this item references
	Extra      map[string]any        `json:"extra,omitempty"`
}

// Item is one conversational event held by the pool. Index is unique
// within the owning scope; heat starts at 1.0 and is clamped at zero.
type Item struct {
	Index       int                       `json:"index"`
	CreatedAt   time.Time                 `json:"created_at"`
	SenderID    string                    `json:"sender_id"`
	ReceiverIDs []string                  `json:"receiver_ids,omitempty"`
	ScopeID     string                    `json:"scope_id"`
	Content     string                    `json:"content"` // may be lazily fetched, see Pool.ContentOf
	Tags        []string                  `json:"tags,omitempty"`
	Priority    protocol.DialoguePriority `json:"priority"`
	Status      protocol.DialogueStatus   `json:"status"`
	Heat        float64                   `json:"heat"`
	RefCount    int                       `json:"ref_count"`
	Analysis    *Analysis                 `json:"analysis,omitempty"`

	seq int // insertion order, breaks retention-score ties deterministically
}

// NewItem builds a PENDING item with default heat 1.0 and normal priority.
func NewItem(index int, scopeID, senderID, content string) *Item {
	return &Item{
		Index:     index,
		CreatedAt: time.Now().UTC(),
		SenderID:  senderID,
		ScopeID:   scopeID,
		Content:   content,
		Priority:  protocol.DialogueNormal,
		Status:    protocol.DialoguePending,
		Heat:      1.0,
	}
}

// adjustHeat applies delta, clamping at zero. A positive delta counts as a
// fresh reference.
func (it *Item) adjustHeat(delta float64) {
	it.Heat += delta
	if it.Heat < 0 {
		it.Heat = 0
	}
	if delta > 0 {
		it.RefCount++
	}
}

// retentionScore ranks items for the size cap:
// heat * min(1 + refCount/10, 2) * priorityWeight.
func (it *Item) retentionScore() float64 {
	refBoost := 1 + float64(it.RefCount)/10
	if refBoost > 2 {
		refBoost = 2
	}
	return it.Heat * refBoost * it.Priority.Weight()
}
