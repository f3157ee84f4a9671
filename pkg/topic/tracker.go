// Package topic tracks groups of tasks working toward one artifact
// outcome: the version ledger of created/updated/deleted files, the
// creation counters, and the completion state machine.
package topic

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"loom/pkg/protocol"
)

// VersionLookup resolves a version id that is not held locally, for
// parent seeding and resource reads. Fetch returns nil with no error
// when the version simply does not exist.
type VersionLookup interface {
	Fetch(ctx context.Context, versionID, scopeID string) (*protocol.VersionMeta, error)
}

// CompletionFunc receives the topic id and owning scope id when a topic
// completes.
type CompletionFunc func(topicID, scopeID string)

// Config holds tracker tuning knobs.
type Config struct {
	// FetchTimeout bounds a single remote version lookup. Topic
	// creation falls back to an empty version when the fetch fails or
	// times out (default 5s).
	FetchTimeout time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	if out.FetchTimeout == 0 {
		out.FetchTimeout = 5 * time.Second
	}
	return out
}

// Tracker groups tasks by topic and detects completion. The topics map
// is guarded by one mutex; each topic carries its own lock so status
// updates on unrelated topics proceed in parallel.
type Tracker struct {
	cfg    Config
	lookup VersionLookup
	sink   protocol.EventSink

	mu        sync.Mutex
	topics    map[string]*state
	versions  map[string]*protocol.VersionMeta // completed or fetched versions by id
	callbacks []CompletionFunc
}

// Option configures optional tracker collaborators.
type Option func(*Tracker)

// WithVersionLookup sets the remote version collaborator.
func WithVersionLookup(l VersionLookup) Option { return func(t *Tracker) { t.lookup = l } }

// WithEventSink sets the lifecycle event recorder.
func WithEventSink(s protocol.EventSink) Option { return func(t *Tracker) { t.sink = s } }

// NewTracker creates an empty tracker.
func NewTracker(cfg Config, opts ...Option) *Tracker {
	t := &Tracker{
		cfg:      cfg.withDefaults(),
		topics:   make(map[string]*state),
		versions: make(map[string]*protocol.VersionMeta),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// OnCompletion registers a callback fired when any topic completes.
// Callbacks run in registration order, exactly once per topic, outside
// the topic lock.
func (t *Tracker) OnCompletion(fn CompletionFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callbacks = append(t.callbacks, fn)
}

// AddTask registers a task with its topic. Tasks without a topic id are
// ignored. The first task seen for a topic creates it, seeding the
// version from the declared parent: a locally known topic's current
// version, else a remote lookup, else empty. The task's artifact action
// is applied to the version lists immediately. Unparseable artifact
// metadata returns a MalformedTaskError, but the task is still a full
// topic member with only its version bookkeeping skipped, so the topic
// can complete once the task turns terminal.
func (t *Tracker) AddTask(ctx context.Context, task *protocol.Task) error {
	topicID := task.TopicID()
	if topicID == "" {
		return nil
	}

	st := t.getOrCreate(ctx, topicID, task)

	st.mu.Lock()
	defer st.mu.Unlock()

	st.info.TaskIDs = append(st.info.TaskIDs, task.ID)
	st.taskStatus[task.ID] = task.Status

	var malformed error
	if path := task.FilePath(); path != "" {
		action, err := task.Action()
		if err != nil {
			t.recordMalformed(ctx, topicID, task.ID.String(), err)
			malformed = err
		} else {
			storageID := task.StorageID()
			switch action {
			case protocol.ActionCreate, protocol.ActionUpdate:
				st.info.CurrentVersion.Upsert(path, storageID)
				if storageID == "" {
					st.pendingResolution[task.ID] = path
				}
			case protocol.ActionDelete:
				st.info.CurrentVersion.Delete(path, storageID)
			case protocol.ActionUnchange:
				// Recorded as a member task, lists untouched.
			}
		}
	}

	if n := task.ExpectedFileCount(); n > 0 {
		st.info.ExpectedCreations += n
	}
	if task.Type == protocol.TaskArtifactCreation {
		st.info.ActualCreations++
	}
	return malformed
}

// UpdateTaskStatus reacts to a task status change. On completion it
// resolves pending artifact storage ids from the task result, advances
// the completed-creation counter, and runs the completion check: done
// when the declared expected count is reached, or, for topics that
// never declared one, when every member task is terminal. Unknown
// topics and tasks are a no-op.
func (t *Tracker) UpdateTaskStatus(ctx context.Context, task *protocol.Task, status protocol.TaskStatus) {
	topicID := task.TopicID()
	if topicID == "" {
		return
	}
	t.mu.Lock()
	st, ok := t.topics[topicID]
	t.mu.Unlock()
	if !ok {
		return
	}

	st.mu.Lock()
	if _, member := st.taskStatus[task.ID]; !member {
		st.mu.Unlock()
		return
	}
	st.taskStatus[task.ID] = status

	if status == protocol.TaskCompleted {
		if path, pending := st.pendingResolution[task.ID]; pending {
			if sid := task.ResultStorageID(); sid != "" {
				st.info.CurrentVersion.ResolveStorageID(path, sid)
				delete(st.pendingResolution, task.ID)
			}
		}
		if task.Type == protocol.TaskArtifactCreation {
			st.info.CompletedCreations++
		}
	}

	completed := false
	if st.info.Status == StatusActive && status.Terminal() {
		if st.info.ExpectedCreations > 0 {
			completed = st.info.CompletedCreations >= st.info.ExpectedCreations
		} else {
			completed = st.allTerminal()
		}
	}

	var final Info
	if completed {
		st.info.Status = StatusCompleted
		final = st.snapshot()
	}
	st.mu.Unlock()

	if completed {
		t.finishTopic(ctx, final)
	}
}

// finishTopic publishes a completed topic: the final version enters the
// local version cache under the topic id, the completion event is
// recorded, and every registered callback fires in order.
func (t *Tracker) finishTopic(ctx context.Context, final Info) {
	t.mu.Lock()
	t.versions[final.ID] = final.CurrentVersion.Clone()
	callbacks := append([]CompletionFunc(nil), t.callbacks...)
	t.mu.Unlock()

	t.recordCompleted(ctx, final)
	for _, fn := range callbacks {
		fn(final.ID, final.ScopeID)
	}
}

// GetTopicInfo returns a copy of the topic's tracked state.
func (t *Tracker) GetTopicInfo(id string) (Info, error) {
	t.mu.Lock()
	st, ok := t.topics[id]
	t.mu.Unlock()
	if !ok {
		return Info{}, &protocol.NotFoundError{Kind: "topic", ID: id}
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.snapshot(), nil
}

// ResourcesByVersionIDs returns the current file set for each requested
// version id. Resolution is cache-aside: live topics first, then the
// local version cache, then the remote lookup. Ids that resolve nowhere
// are omitted from the result.
func (t *Tracker) ResourcesByVersionIDs(ctx context.Context, versionIDs []string, scopeID string) map[string][]protocol.FileEntry {
	out := make(map[string][]protocol.FileEntry, len(versionIDs))
	for _, id := range versionIDs {
		meta := t.resolveVersion(ctx, id, scopeID)
		if meta == nil {
			continue
		}
		out[id] = append([]protocol.FileEntry(nil), meta.CurrentFiles...)
	}
	return out
}

// resolveVersion finds a version by id: live topic, cache, then remote.
// Remote results are cached; failures are recorded and yield nil.
func (t *Tracker) resolveVersion(ctx context.Context, versionID, scopeID string) *protocol.VersionMeta {
	t.mu.Lock()
	if st, ok := t.topics[versionID]; ok {
		t.mu.Unlock()
		st.mu.Lock()
		meta := st.info.CurrentVersion.Clone()
		st.mu.Unlock()
		return meta
	}
	if meta, ok := t.versions[versionID]; ok {
		t.mu.Unlock()
		return meta.Clone()
	}
	lookup := t.lookup
	t.mu.Unlock()

	if lookup == nil {
		return nil
	}
	fetchCtx, cancel := context.WithTimeout(ctx, t.cfg.FetchTimeout)
	defer cancel()
	meta, err := lookup.Fetch(fetchCtx, versionID, scopeID)
	if err != nil {
		t.recordError(ctx, &protocol.PersistenceError{Op: "fetch_version", Cause: err})
		return nil
	}
	if meta == nil {
		return nil
	}
	t.mu.Lock()
	t.versions[versionID] = meta.Clone()
	t.mu.Unlock()
	return meta
}

// getOrCreate returns the topic state, creating and seeding it on first
// sight. Seeding never blocks topic creation past the fetch timeout.
func (t *Tracker) getOrCreate(ctx context.Context, topicID string, task *protocol.Task) *state {
	t.mu.Lock()
	if st, ok := t.topics[topicID]; ok {
		t.mu.Unlock()
		return st
	}
	t.mu.Unlock()

	// Seed outside the map lock: the parent may itself be a live topic
	// whose lock we must take, or a remote fetch that can take a while.
	st := newState(topicID, task.TopicType(), task.ScopeID())
	if parent := task.ParentVersionID(); parent != "" {
		if meta := t.resolveVersion(ctx, parent, task.ScopeID()); meta != nil {
			st.info.CurrentVersion = *meta
		} else {
			t.recordError(ctx, &protocol.PersistenceError{
				Op:    "seed_parent_version",
				Cause: fmt.Errorf("parent version %s unavailable, starting empty", parent),
			})
		}
		st.info.CurrentVersion.ParentVersion = parent
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.topics[topicID]; ok {
		// Lost the creation race; the winner's seeding stands.
		return existing
	}
	t.topics[topicID] = st
	return st
}

func (t *Tracker) recordCompleted(ctx context.Context, final Info) {
	if t.sink == nil {
		return
	}
	payload, err := json.Marshal(final.CurrentVersion)
	if err != nil {
		payload = []byte("{}")
	}
	_ = t.sink.Record(ctx, protocol.Event{
		Type:    protocol.EventTopicCompleted,
		Source:  "tracker",
		TopicID: final.ID,
		Payload: string(payload),
	})
}

func (t *Tracker) recordMalformed(ctx context.Context, topicID, taskID string, err error) {
	if t.sink == nil {
		return
	}
	_ = t.sink.Record(ctx, protocol.Event{
		Type:    protocol.EventMalformedTask,
		Source:  "tracker",
		TopicID: topicID,
		TaskID:  taskID,
		Payload: fmt.Sprintf(`{"error":%q}`, err.Error()),
	})
}

func (t *Tracker) recordError(ctx context.Context, err error) {
	if t.sink == nil {
		return
	}
	_ = t.sink.Record(ctx, protocol.Event{
		Type:    protocol.EventPersistFailed,
		Source:  "tracker",
		Payload: fmt.Sprintf(`{"error":%q}`, err.Error()),
	})
}
