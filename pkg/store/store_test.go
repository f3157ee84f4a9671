package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"loom/pkg/dialogue"
	"loom/pkg/protocol"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveSnapshotUpserts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Save(ctx, protocol.SnapshotTaskQueue, []byte(`{"tasks":[]}`)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Save(ctx, protocol.SnapshotTaskQueue, []byte(`{"tasks":[1]}`)); err != nil {
		t.Fatalf("Save (overwrite): %v", err)
	}

	got, err := s.LoadSnapshot(ctx, protocol.SnapshotTaskQueue)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if string(got) != `{"tasks":[1]}` {
		t.Errorf("snapshot = %s, want the second save", got)
	}
}

func TestLoadSnapshotMissing(t *testing.T) {
	s := newTestStore(t)
	got, err := s.LoadSnapshot(context.Background(), "never_saved")
	if err != nil || got != nil {
		t.Errorf("LoadSnapshot(missing) = %v, %v; want nil, nil", got, err)
	}
}

func TestRecordAndRecentEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, evType := range []string{protocol.EventTaskEnqueued, protocol.EventTaskClaimed, protocol.EventTopicCompleted} {
		if err := s.Record(ctx, protocol.Event{Type: evType, Source: "taskqueue", TaskID: "t1"}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	r := NewReader(s.DB())
	events, err := r.RecentEvents(ctx, 2)
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len = %d, want 2 (limited)", len(events))
	}
	if events[0].Type != protocol.EventTopicCompleted {
		t.Errorf("first event = %s, want newest first", events[0].Type)
	}
}

func TestVersionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	meta := &protocol.VersionMeta{
		ParentVersion: "v0",
		CurrentFiles:  []protocol.FileEntry{{Path: "index.html", StorageID: "blob-1"}},
	}
	if err := s.PutVersion(ctx, "v1", "scope-1", meta); err != nil {
		t.Fatalf("PutVersion: %v", err)
	}

	got, err := s.Fetch(ctx, "v1", "scope-1")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got == nil || got.ParentVersion != "v0" || len(got.CurrentFiles) != 1 {
		t.Fatalf("fetched = %+v", got)
	}

	// Overwrite is allowed: the last announcement wins.
	meta.CurrentFiles = append(meta.CurrentFiles, protocol.FileEntry{Path: "style.css", StorageID: "blob-2"})
	if err := s.PutVersion(ctx, "v1", "scope-1", meta); err != nil {
		t.Fatalf("PutVersion (overwrite): %v", err)
	}
	got, _ = s.Fetch(ctx, "v1", "scope-1")
	if len(got.CurrentFiles) != 2 {
		t.Errorf("current files = %d after overwrite, want 2", len(got.CurrentFiles))
	}
}

func TestFetchMissingVersion(t *testing.T) {
	s := newTestStore(t)
	got, err := s.Fetch(context.Background(), "nope", "scope-1")
	if err != nil || got != nil {
		t.Errorf("Fetch(missing) = %v, %v; want nil, nil", got, err)
	}
}

func TestFetchScopeIsolation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.PutVersion(ctx, "v1", "scope-a", &protocol.VersionMeta{}); err != nil {
		t.Fatalf("PutVersion: %v", err)
	}
	got, err := s.Fetch(ctx, "v1", "scope-b")
	if err != nil || got != nil {
		t.Errorf("Fetch(other scope) = %v, %v; want nil, nil", got, err)
	}
}

func TestArchiveAndSearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	items := []*dialogue.Item{
		dialogue.NewItem(1, "scope-1", "alice", "please generate the landing page"),
		dialogue.NewItem(2, "scope-1", "bob", "the deploy failed again"),
		dialogue.NewItem(3, "scope-1", "carol", "landing page looks great"),
	}
	for _, it := range items {
		if err := s.Archive(ctx, it, "expired"); err != nil {
			t.Fatalf("Archive: %v", err)
		}
	}

	hits, err := s.SearchArchive(ctx, "landing", 10)
	if err != nil {
		t.Fatalf("SearchArchive: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("hits = %d, want 2", len(hits))
	}
	for _, h := range hits {
		if h.DialogueIndex != 1 && h.DialogueIndex != 3 {
			t.Errorf("unexpected hit: %+v", h)
		}
		if h.Reason != "expired" {
			t.Errorf("reason = %q, want expired", h.Reason)
		}
	}

	none, err := s.SearchArchive(ctx, "kubernetes", 10)
	if err != nil {
		t.Fatalf("SearchArchive: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("hits = %d for an absent term, want 0", len(none))
	}
}

func TestReaderSummary(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := protocol.NewTask(protocol.TaskConversation, protocol.PriorityNormal, "x")
	queueSnap := `{"tasks":[{"id":"` + task.ID.String() + `","created_at":"` +
		time.Now().UTC().Format(time.RFC3339) + `","priority":2,"type":10,"status":1,"description":"x"}]}`
	if err := s.Save(ctx, protocol.SnapshotTaskQueue, []byte(queueSnap)); err != nil {
		t.Fatalf("Save queue: %v", err)
	}
	if err := s.Save(ctx, protocol.SnapshotDialoguePool, []byte(`{"items":[],"counts":{"pending":3}}`)); err != nil {
		t.Fatalf("Save pool: %v", err)
	}
	if err := s.Record(ctx, protocol.Event{Type: protocol.EventTaskEnqueued, Source: "taskqueue"}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	r := NewReader(s.DB())
	sum, err := r.Summary(ctx)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.TaskCounts["pending"] != 1 {
		t.Errorf("task counts = %v, want pending=1", sum.TaskCounts)
	}
	if sum.DialogueCounts["pending"] != 3 {
		t.Errorf("dialogue counts = %v, want pending=3", sum.DialogueCounts)
	}
	if sum.EventCount != 1 {
		t.Errorf("event count = %d, want 1", sum.EventCount)
	}
}

func TestReaderSummaryFreshDatabase(t *testing.T) {
	s := newTestStore(t)
	r := NewReader(s.DB())
	sum, err := r.Summary(context.Background())
	if err != nil {
		t.Fatalf("Summary on fresh db: %v", err)
	}
	if len(sum.TaskCounts) != 0 || len(sum.DialogueCounts) != 0 || sum.EventCount != 0 {
		t.Errorf("summary = %+v, want empty", sum)
	}
}

func TestRecentTopics(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Record(ctx, protocol.Event{Type: protocol.EventTopicCompleted, Source: "tracker", TopicID: "topic-1", Payload: "{}"}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := s.Record(ctx, protocol.Event{Type: protocol.EventTaskEnqueued, Source: "taskqueue"}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	r := NewReader(s.DB())
	topics, err := r.RecentTopics(ctx, 10)
	if err != nil {
		t.Fatalf("RecentTopics: %v", err)
	}
	if len(topics) != 1 || topics[0].TopicID != "topic-1" {
		t.Errorf("topics = %+v, want exactly topic-1", topics)
	}
}
