// Package taskqueue holds the in-memory prioritized task queue. Tasks
// enter pending, are claimed by exactly one worker, and finish in a
// terminal status. The queue owns per-status counters and persists a
// snapshot after every mutation.
package taskqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"loom/pkg/protocol"
)

// Saver persists queue snapshots. Same contract as the dialogue pool's
// saver: idempotent, failures are recorded and never retried.
type Saver interface {
	Save(ctx context.Context, kind string, snapshot []byte) error
}

// Observer is notified after a task changes state. The callback runs
// outside the queue lock and must not block.
type Observer func(task protocol.Task)

// ConflictError reports a claim that lost the race: the task was no
// longer pending when the compare-and-set ran.
type ConflictError struct {
	TaskID uuid.UUID
	Status protocol.TaskStatus
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("task %s not claimable: status %s", e.TaskID, e.Status)
}

// Queue is the prioritized task store. All operations are internally
// synchronized; hooks and persistence run outside the lock.
type Queue struct {
	saver Saver
	sink  protocol.EventSink

	mu        sync.Mutex
	tasks     map[uuid.UUID]*protocol.Task
	order     []uuid.UUID // enqueue order, the FIFO tie-break
	counts    map[string]int
	observers []Observer

	nowFunc func() time.Time
}

// Option configures optional queue collaborators.
type Option func(*Queue)

// WithSaver sets the snapshot persistence hook.
func WithSaver(s Saver) Option { return func(q *Queue) { q.saver = s } }

// WithEventSink sets the lifecycle event recorder.
func WithEventSink(s protocol.EventSink) Option { return func(q *Queue) { q.sink = s } }

// NewQueue creates an empty queue.
func NewQueue(opts ...Option) *Queue {
	q := &Queue{
		tasks:   make(map[uuid.UUID]*protocol.Task),
		counts:  make(map[string]int),
		nowFunc: time.Now,
	}
	for _, s := range protocol.TaskStatuses() {
		q.counts[s.String()] = 0
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// OnChange registers an observer invoked after every task mutation.
func (q *Queue) OnChange(fn Observer) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.observers = append(q.observers, fn)
}

// Enqueue admits one or more tasks. A task whose ID is already present
// replaces the stored task and keeps its original queue position.
func (q *Queue) Enqueue(ctx context.Context, tasks ...*protocol.Task) {
	if len(tasks) == 0 {
		return
	}
	q.mu.Lock()
	admitted := make([]protocol.Task, 0, len(tasks))
	for _, t := range tasks {
		if prev, ok := q.tasks[t.ID]; ok {
			q.decCountLocked(prev.Status)
		} else {
			q.order = append(q.order, t.ID)
		}
		q.tasks[t.ID] = t
		q.counts[t.Status.String()]++
		admitted = append(admitted, *t)
	}
	snapshot := q.snapshotLocked()
	q.mu.Unlock()

	for i := range admitted {
		q.record(ctx, protocol.EventTaskEnqueued, &admitted[i])
		q.notify(admitted[i])
	}
	q.persistAsync(ctx, snapshot)
}

// Get returns a copy of the task with the given ID.
func (q *Queue) Get(id uuid.UUID) (protocol.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t, ok := q.tasks[id]; ok {
		return *t, true
	}
	return protocol.Task{}, false
}

// UpdateStatus transitions a task and stamps the lifecycle timestamps:
// StartedAt on the first move to running, CompletedAt on any terminal
// status.
func (q *Queue) UpdateStatus(ctx context.Context, id uuid.UUID, status protocol.TaskStatus) error {
	q.mu.Lock()
	t, ok := q.tasks[id]
	if !ok {
		q.mu.Unlock()
		return &protocol.NotFoundError{Kind: "task", ID: id.String()}
	}
	q.transitionLocked(t, status)
	updated := *t
	snapshot := q.snapshotLocked()
	q.mu.Unlock()

	q.record(ctx, protocol.EventTaskStatus, &updated)
	q.notify(updated)
	q.persistAsync(ctx, snapshot)
	return nil
}

// Complete marks a task completed and attaches its result payload.
func (q *Queue) Complete(ctx context.Context, id uuid.UUID, result map[string]any) error {
	q.mu.Lock()
	t, ok := q.tasks[id]
	if !ok {
		q.mu.Unlock()
		return &protocol.NotFoundError{Kind: "task", ID: id.String()}
	}
	t.Result = result
	q.transitionLocked(t, protocol.TaskCompleted)
	updated := *t
	snapshot := q.snapshotLocked()
	q.mu.Unlock()

	q.record(ctx, protocol.EventTaskStatus, &updated)
	q.notify(updated)
	q.persistAsync(ctx, snapshot)
	return nil
}

// Fail marks a task failed, records the error message, and bumps the
// retry counter so a re-enqueue policy can consult it.
func (q *Queue) Fail(ctx context.Context, id uuid.UUID, errMsg string) error {
	q.mu.Lock()
	t, ok := q.tasks[id]
	if !ok {
		q.mu.Unlock()
		return &protocol.NotFoundError{Kind: "task", ID: id.String()}
	}
	t.ErrorMessage = errMsg
	t.RetryCount++
	q.transitionLocked(t, protocol.TaskFailed)
	updated := *t
	snapshot := q.snapshotLocked()
	q.mu.Unlock()

	q.record(ctx, protocol.EventTaskStatus, &updated)
	q.notify(updated)
	q.persistAsync(ctx, snapshot)
	return nil
}

// Claim atomically moves a pending task to running. Exactly one caller
// wins; the rest get a ConflictError carrying the status they observed.
func (q *Queue) Claim(ctx context.Context, id uuid.UUID) (protocol.Task, error) {
	q.mu.Lock()
	t, ok := q.tasks[id]
	if !ok {
		q.mu.Unlock()
		return protocol.Task{}, &protocol.NotFoundError{Kind: "task", ID: id.String()}
	}
	if t.Status != protocol.TaskPending {
		status := t.Status
		q.mu.Unlock()
		return protocol.Task{}, &ConflictError{TaskID: id, Status: status}
	}
	q.transitionLocked(t, protocol.TaskRunning)
	claimed := *t
	snapshot := q.snapshotLocked()
	q.mu.Unlock()

	q.record(ctx, protocol.EventTaskClaimed, &claimed)
	q.notify(claimed)
	q.persistAsync(ctx, snapshot)
	return claimed, nil
}

// nextPendingLocked picks the pending task with the highest priority,
// breaking ties by earliest creation time and then by enqueue order.
// Creation time matters because tasks can arrive out of order: batch
// enqueues, retries, and snapshot restores all hand over tasks that
// were created before later queue entries.
func (q *Queue) nextPendingLocked() *protocol.Task {
	var best *protocol.Task
	for _, id := range q.order {
		t, ok := q.tasks[id]
		if !ok || t.Status != protocol.TaskPending {
			continue
		}
		if best == nil || t.Priority > best.Priority ||
			(t.Priority == best.Priority && t.CreatedAt.Before(best.CreatedAt)) {
			best = t
		}
	}
	return best
}

// DequeueNext returns a copy of the next pending task without claiming
// it. The second return is false when nothing is pending.
func (q *Queue) DequeueNext() (protocol.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	best := q.nextPendingLocked()
	if best == nil {
		return protocol.Task{}, false
	}
	return *best, true
}

// ClaimNext is DequeueNext plus Claim in one critical section, for
// callers that do not need to inspect before claiming.
func (q *Queue) ClaimNext(ctx context.Context) (protocol.Task, bool) {
	q.mu.Lock()
	best := q.nextPendingLocked()
	if best == nil {
		q.mu.Unlock()
		return protocol.Task{}, false
	}
	q.transitionLocked(best, protocol.TaskRunning)
	claimed := *best
	snapshot := q.snapshotLocked()
	q.mu.Unlock()

	q.record(ctx, protocol.EventTaskClaimed, &claimed)
	q.notify(claimed)
	q.persistAsync(ctx, snapshot)
	return claimed, true
}

// Len returns the number of tasks held, in any status.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// PendingCount returns the number of pending tasks.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.counts[protocol.TaskPending.String()]
}

// StatusCounts returns a copy of the per-status counters.
func (q *Queue) StatusCounts() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]int, len(q.counts))
	for k, v := range q.counts {
		out[k] = v
	}
	return out
}

// Tasks returns copies of all tasks in enqueue order.
func (q *Queue) Tasks() []protocol.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]protocol.Task, 0, len(q.order))
	for _, id := range q.order {
		if t, ok := q.tasks[id]; ok {
			out = append(out, *t)
		}
	}
	return out
}

// transitionLocked moves a task to status and maintains timestamps and
// counters. Callers hold the lock.
func (q *Queue) transitionLocked(t *protocol.Task, status protocol.TaskStatus) {
	q.decCountLocked(t.Status)
	t.Status = status
	q.counts[status.String()]++

	now := q.nowFunc().UTC()
	if status == protocol.TaskRunning && t.StartedAt == nil {
		started := now
		t.StartedAt = &started
	}
	if status.Terminal() && t.CompletedAt == nil {
		completed := now
		t.CompletedAt = &completed
	}
}

func (q *Queue) decCountLocked(status protocol.TaskStatus) {
	key := status.String()
	if c := q.counts[key]; c > 0 {
		q.counts[key] = c - 1
	}
}

// queueSnapshot is the persisted shape of the queue.
type queueSnapshot struct {
	Tasks []*protocol.Task `json:"tasks"`
}

func (q *Queue) snapshotLocked() []byte {
	snap := queueSnapshot{Tasks: make([]*protocol.Task, 0, len(q.order))}
	for _, id := range q.order {
		if t, ok := q.tasks[id]; ok {
			snap.Tasks = append(snap.Tasks, t)
		}
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return nil
	}
	return data
}

// Snapshot serializes the queue for persistence or inspection.
func (q *Queue) Snapshot() []byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshotLocked()
}

// RestoreSnapshot rebuilds the queue from a serialized snapshot. A
// malformed row is skipped and recorded rather than failing the whole
// restore; the return value is the number of tasks loaded.
func (q *Queue) RestoreSnapshot(ctx context.Context, data []byte) (int, error) {
	var snap queueSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return 0, &protocol.PersistenceError{Op: "restore_snapshot", Cause: err}
	}

	q.mu.Lock()
	q.tasks = make(map[uuid.UUID]*protocol.Task, len(snap.Tasks))
	q.order = q.order[:0]
	for k := range q.counts {
		q.counts[k] = 0
	}
	var skipped []uuid.UUID
	for _, t := range snap.Tasks {
		if t == nil || t.ID == uuid.Nil {
			skipped = append(skipped, uuid.Nil)
			continue
		}
		if !knownStatus(t.Status) {
			skipped = append(skipped, t.ID)
			continue
		}
		q.tasks[t.ID] = t
		q.order = append(q.order, t.ID)
		q.counts[t.Status.String()]++
	}
	loaded := len(q.tasks)
	q.mu.Unlock()

	for _, id := range skipped {
		q.recordMalformed(ctx, id)
	}
	return loaded, nil
}

func knownStatus(s protocol.TaskStatus) bool {
	for _, known := range protocol.TaskStatuses() {
		if s == known {
			return true
		}
	}
	return false
}

func (q *Queue) notify(t protocol.Task) {
	q.mu.Lock()
	observers := append([]Observer(nil), q.observers...)
	q.mu.Unlock()
	for _, fn := range observers {
		fn(t)
	}
}

// persistAsync hands the snapshot to the saver without blocking the
// caller. Failures are recorded, never retried.
func (q *Queue) persistAsync(ctx context.Context, snapshot []byte) {
	if q.saver == nil || snapshot == nil {
		return
	}
	go func() {
		if err := q.saver.Save(ctx, protocol.SnapshotTaskQueue, snapshot); err != nil {
			q.recordError(ctx, &protocol.PersistenceError{Op: "save_snapshot", Cause: err})
		}
	}()
}

func (q *Queue) record(ctx context.Context, evType string, t *protocol.Task) {
	if q.sink == nil {
		return
	}
	_ = q.sink.Record(ctx, protocol.Event{
		Type:    evType,
		Source:  "taskqueue",
		TopicID: t.TopicID(),
		TaskID:  t.ID.String(),
		Payload: fmt.Sprintf(`{"status":%q,"priority":%d}`, t.Status, t.Priority),
	})
}

func (q *Queue) recordMalformed(ctx context.Context, id uuid.UUID) {
	if q.sink == nil {
		return
	}
	_ = q.sink.Record(ctx, protocol.Event{
		Type:    protocol.EventMalformedTask,
		Source:  "taskqueue",
		TaskID:  id.String(),
		Payload: `{"op":"restore_snapshot"}`,
	})
}

func (q *Queue) recordError(ctx context.Context, err error) {
	if q.sink == nil {
		return
	}
	_ = q.sink.Record(ctx, protocol.Event{
		Type:    protocol.EventPersistFailed,
		Source:  "taskqueue",
		Payload: fmt.Sprintf(`{"error":%q}`, err.Error()),
	})
}
