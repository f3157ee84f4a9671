package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"loom/pkg/dialogue"
	"loom/pkg/protocol"
	"loom/pkg/taskqueue"
	"loom/pkg/topic"
)

type cannedReasoner struct {
	intent *Intent
	err    error
}

func (r *cannedReasoner) Analyze(_ context.Context, _ *dialogue.Item) (*Intent, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.intent, nil
}

func newTestEngine(reasoner Reasoner) (*Engine, *dialogue.Pool, *taskqueue.Queue, *topic.Tracker) {
	pool := dialogue.NewPool(dialogue.Config{})
	queue := taskqueue.NewQueue()
	tracker := topic.NewTracker(topic.Config{})
	eng := New(Config{Workers: 2, PollInterval: 10 * time.Millisecond}, pool, queue, tracker, reasoner)
	return eng, pool, queue, tracker
}

func TestHandleDialogueTopicless(t *testing.T) {
	reasoner := &cannedReasoner{intent: &Intent{
		Description: "answer the question",
		Priority:    protocol.PriorityNormal,
		Type:        protocol.TaskConversation,
	}}
	eng, pool, queue, _ := newTestEngine(reasoner)

	item := dialogue.NewItem(1, "scope-1", "alice", "what time is it")
	if err := eng.HandleDialogue(context.Background(), item); err != nil {
		t.Fatalf("HandleDialogue: %v", err)
	}

	tasks := queue.Tasks()
	if len(tasks) != 1 {
		t.Fatalf("tasks = %d, want 1", len(tasks))
	}
	task := tasks[0]
	if task.Type != protocol.TaskConversation || task.ScopeID() != "scope-1" {
		t.Errorf("task = %+v", task)
	}
	if task.SourceDialogueIndex == nil || *task.SourceDialogueIndex != 1 {
		t.Errorf("source dialogue index = %v, want 1", task.SourceDialogueIndex)
	}

	got, _ := pool.Get(1)
	if got.Status != protocol.DialogueProcessing {
		t.Errorf("dialogue status = %s, want processing", got.Status)
	}
	if got.Analysis == nil || got.Analysis.Intent != "answer the question" {
		t.Errorf("analysis = %+v", got.Analysis)
	}
}

func TestHandleDialogueTopicIntent(t *testing.T) {
	reasoner := &cannedReasoner{intent: &Intent{
		Description:       "generate webpage",
		Priority:          protocol.PriorityHigh,
		Type:              protocol.TaskArtifactGeneration,
		TopicID:           "topic-1",
		TopicType:         "webpage",
		ExpectedFileCount: 2,
		Artifacts: []ArtifactDirective{
			{Path: "index.html", Action: protocol.ActionCreate},
			{Path: "style.css", Action: protocol.ActionCreate},
		},
	}}
	eng, _, queue, tracker := newTestEngine(reasoner)

	item := dialogue.NewItem(1, "scope-1", "alice", "build me a landing page")
	if err := eng.HandleDialogue(context.Background(), item); err != nil {
		t.Fatalf("HandleDialogue: %v", err)
	}

	tasks := queue.Tasks()
	if len(tasks) != 3 {
		t.Fatalf("tasks = %d, want 1 generation + 2 creation", len(tasks))
	}
	if tasks[0].Type != protocol.TaskArtifactGeneration || tasks[0].ExpectedFileCount() != 2 {
		t.Errorf("generation task = %+v", tasks[0])
	}
	for _, task := range tasks[1:] {
		if task.Type != protocol.TaskArtifactCreation || task.TopicID() != "topic-1" {
			t.Errorf("creation task = %+v", task)
		}
	}

	info, err := tracker.GetTopicInfo("topic-1")
	if err != nil {
		t.Fatalf("GetTopicInfo: %v", err)
	}
	if info.ExpectedCreations != 2 || info.ActualCreations != 2 {
		t.Errorf("counters = %+v", info)
	}
	if _, ok := info.CurrentVersion.Lookup("index.html"); !ok {
		t.Error("artifact paths must be applied to the version on add")
	}
}

func TestHandleDialogueAnalyzeFailure(t *testing.T) {
	reasoner := &cannedReasoner{err: errors.New("model offline")}
	eng, pool, queue, _ := newTestEngine(reasoner)

	item := dialogue.NewItem(1, "scope-1", "alice", "hello")
	if err := eng.HandleDialogue(context.Background(), item); err == nil {
		t.Fatal("HandleDialogue must surface the analysis error")
	}

	got, _ := pool.Get(1)
	if got.Status != protocol.DialogueFailed {
		t.Errorf("dialogue status = %s, want failed", got.Status)
	}
	if queue.Len() != 0 {
		t.Errorf("queue holds %d tasks after failed analysis, want 0", queue.Len())
	}
}

func TestRunExecutesTopicToCompletion(t *testing.T) {
	reasoner := &cannedReasoner{intent: &Intent{
		Description:       "generate webpage",
		Priority:          protocol.PriorityHigh,
		Type:              protocol.TaskArtifactGeneration,
		TopicID:           "topic-1",
		TopicType:         "webpage",
		ExpectedFileCount: 1,
		Artifacts:         []ArtifactDirective{{Path: "index.html", Action: protocol.ActionCreate}},
	}}
	eng, pool, _, tracker := newTestEngine(reasoner)

	eng.Register(protocol.TaskArtifactGeneration, func(_ context.Context, _ *protocol.Task) (map[string]any, error) {
		return nil, nil
	})
	eng.Register(protocol.TaskArtifactCreation, func(_ context.Context, task *protocol.Task) (map[string]any, error) {
		return map[string]any{protocol.ResultStorageIDKey: "blob-" + task.FilePath()}, nil
	})

	done := make(chan string, 1)
	tracker.OnCompletion(func(topicID, scopeID string) {
		done <- topicID + "/" + scopeID
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = eng.Run(ctx)
	}()

	item := dialogue.NewItem(1, "scope-1", "alice", "build me a landing page")
	if err := eng.HandleDialogue(ctx, item); err != nil {
		t.Fatalf("HandleDialogue: %v", err)
	}

	select {
	case got := <-done:
		if got != "topic-1/scope-1" {
			t.Errorf("completion = %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("topic never completed")
	}
	cancel()
	wg.Wait()

	info, _ := tracker.GetTopicInfo("topic-1")
	if info.Status != topic.StatusCompleted {
		t.Errorf("topic status = %s, want completed", info.Status)
	}
	entry, ok := info.CurrentVersion.Lookup("index.html")
	if !ok || entry.StorageID != "blob-index.html" {
		t.Errorf("resolved entry = %+v ok=%v", entry, ok)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, _ := pool.Get(1)
		if got.Status == protocol.DialogueCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("dialogue status = %s, want completed", got.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRunCompletesTopicDespiteBadArtifactAction(t *testing.T) {
	reasoner := &cannedReasoner{intent: &Intent{
		Description:       "generate webpage",
		Priority:          protocol.PriorityHigh,
		Type:              protocol.TaskArtifactGeneration,
		TopicID:           "topic-1",
		TopicType:         "webpage",
		ExpectedFileCount: 2,
		Artifacts: []ArtifactDirective{
			{Path: "index.html", Action: protocol.ActionCreate},
			{Path: "style.css", Action: protocol.ArtifactAction("bogus")},
		},
	}}
	eng, _, _, tracker := newTestEngine(reasoner)

	eng.Register(protocol.TaskArtifactGeneration, func(_ context.Context, _ *protocol.Task) (map[string]any, error) {
		return nil, nil
	})
	eng.Register(protocol.TaskArtifactCreation, func(_ context.Context, task *protocol.Task) (map[string]any, error) {
		return map[string]any{protocol.ResultStorageIDKey: "blob-" + task.FilePath()}, nil
	})

	done := make(chan string, 1)
	tracker.OnCompletion(func(topicID, scopeID string) {
		done <- topicID + "/" + scopeID
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = eng.Run(ctx)
	}()

	item := dialogue.NewItem(1, "scope-1", "alice", "build me a landing page")
	if err := eng.HandleDialogue(ctx, item); err != nil {
		t.Fatalf("HandleDialogue: %v", err)
	}

	select {
	case got := <-done:
		if got != "topic-1/scope-1" {
			t.Errorf("completion = %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("topic never completed, a bad action must not strand its topic")
	}
	cancel()
	wg.Wait()

	info, _ := tracker.GetTopicInfo("topic-1")
	if info.Status != topic.StatusCompleted {
		t.Errorf("topic status = %s, want completed", info.Status)
	}
	if _, ok := info.CurrentVersion.Lookup("index.html"); !ok {
		t.Error("valid artifact missing from the version")
	}
	if _, ok := info.CurrentVersion.Lookup("style.css"); ok {
		t.Error("bad-action artifact must stay out of the version lists")
	}
}

func TestExecuteUnknownHandlerFailsTask(t *testing.T) {
	reasoner := &cannedReasoner{intent: &Intent{
		Description: "mystery work",
		Priority:    protocol.PriorityNormal,
		Type:        protocol.TaskSystem,
	}}
	eng, pool, queue, _ := newTestEngine(reasoner)

	item := dialogue.NewItem(1, "scope-1", "alice", "do the thing")
	if err := eng.HandleDialogue(context.Background(), item); err != nil {
		t.Fatalf("HandleDialogue: %v", err)
	}

	task, ok := queue.ClaimNext(context.Background())
	if !ok {
		t.Fatal("expected a claimable task")
	}
	eng.execute(context.Background(), &task)

	got, _ := queue.Get(task.ID)
	if got.Status != protocol.TaskFailed || got.ErrorMessage == "" {
		t.Errorf("task = status %s err %q, want failed with a message", got.Status, got.ErrorMessage)
	}
	d, _ := pool.Get(1)
	if d.Status != protocol.DialogueFailed {
		t.Errorf("dialogue status = %s, want failed", d.Status)
	}
}

func TestExecuteSettlesDialogueAtIndexZero(t *testing.T) {
	reasoner := &cannedReasoner{intent: &Intent{
		Description: "talk",
		Priority:    protocol.PriorityNormal,
		Type:        protocol.TaskConversation,
	}}
	eng, pool, queue, _ := newTestEngine(reasoner)
	eng.Register(protocol.TaskConversation, func(_ context.Context, _ *protocol.Task) (map[string]any, error) {
		return nil, nil
	})

	item := dialogue.NewItem(0, "scope-1", "alice", "first message")
	if err := eng.HandleDialogue(context.Background(), item); err != nil {
		t.Fatalf("HandleDialogue: %v", err)
	}
	task, _ := queue.ClaimNext(context.Background())
	eng.execute(context.Background(), &task)

	d, _ := pool.Get(0)
	if d.Status != protocol.DialogueCompleted {
		t.Errorf("dialogue status = %s, want completed at index 0", d.Status)
	}
}

func TestExecuteHandlerError(t *testing.T) {
	reasoner := &cannedReasoner{intent: &Intent{
		Description: "talk",
		Priority:    protocol.PriorityNormal,
		Type:        protocol.TaskConversation,
	}}
	eng, _, queue, _ := newTestEngine(reasoner)
	eng.Register(protocol.TaskConversation, func(_ context.Context, _ *protocol.Task) (map[string]any, error) {
		return nil, errors.New("backend exploded")
	})

	item := dialogue.NewItem(1, "scope-1", "alice", "hi")
	if err := eng.HandleDialogue(context.Background(), item); err != nil {
		t.Fatalf("HandleDialogue: %v", err)
	}
	task, _ := queue.ClaimNext(context.Background())
	eng.execute(context.Background(), &task)

	got, _ := queue.Get(task.ID)
	if got.Status != protocol.TaskFailed || got.ErrorMessage != "backend exploded" {
		t.Errorf("task = %+v", got)
	}
}

func TestRunDrainsOnCancel(t *testing.T) {
	reasoner := &cannedReasoner{intent: &Intent{
		Description: "talk",
		Priority:    protocol.PriorityNormal,
		Type:        protocol.TaskConversation,
	}}
	eng, _, queue, _ := newTestEngine(reasoner)

	started := make(chan struct{})
	release := make(chan struct{})
	eng.Register(protocol.TaskConversation, func(_ context.Context, _ *protocol.Task) (map[string]any, error) {
		close(started)
		<-release
		return nil, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = eng.Run(ctx)
	}()

	item := dialogue.NewItem(1, "scope-1", "alice", "hi")
	if err := eng.HandleDialogue(ctx, item); err != nil {
		t.Fatalf("HandleDialogue: %v", err)
	}

	<-started
	cancel()
	close(release)
	wg.Wait()

	// The in-flight task finished despite cancellation.
	tasks := queue.Tasks()
	if len(tasks) != 1 || tasks[0].Status != protocol.TaskCompleted {
		t.Errorf("tasks = %+v, want the in-flight task completed", tasks)
	}
}
