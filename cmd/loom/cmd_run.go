package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"loom/pkg/config"
	"loom/pkg/dialogue"
	"loom/pkg/engine"
	"loom/pkg/protocol"
	"loom/pkg/store"
	"loom/pkg/taskqueue"
	"loom/pkg/topic"
)

// newRunCmd creates the "loom run" subcommand.
func newRunCmd() *cobra.Command {
	var rootDir string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the engine over JSON-lines dialogue events from stdin",
		Long: "Reads one JSON dialogue event per line from stdin, admits each to the\n" +
			"pool, and executes the resulting tasks until stdin closes and the\n" +
			"queue drains (or a signal arrives).",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(cmd, rootDir)
		},
	}
	cmd.Flags().StringVar(&rootDir, "root", ".", "project root holding .loom/")
	return cmd
}

// inboundEvent is one stdin line: the dialogue item plus, optionally,
// the upstream analyzer's intent for it. Events without an intent get a
// default conversation intent.
type inboundEvent struct {
	Index    int      `json:"index"`
	ScopeID  string   `json:"scope_id"`
	SenderID string   `json:"sender_id"`
	Content  string   `json:"content"`
	Tags     []string `json:"tags,omitempty"`

	Intent *intentSpec `json:"intent,omitempty"`
}

type intentSpec struct {
	Description       string         `json:"description"`
	Priority          int            `json:"priority"`
	Type              int            `json:"type"`
	TopicID           string         `json:"topic_id,omitempty"`
	TopicType         string         `json:"topic_type,omitempty"`
	ParentVersionID   string         `json:"parent_version_id,omitempty"`
	ExpectedFileCount int            `json:"expected_file_count,omitempty"`
	Artifacts         []artifactSpec `json:"artifacts,omitempty"`
}

type artifactSpec struct {
	Path      string `json:"path"`
	Action    string `json:"action"`
	StorageID string `json:"storage_id,omitempty"`
}

// envelopeReasoner serves intents that arrived embedded in the stdin
// events, falling back to a plain conversation intent.
type envelopeReasoner struct {
	mu      sync.Mutex
	intents map[int]*engine.Intent
}

func newEnvelopeReasoner() *envelopeReasoner {
	return &envelopeReasoner{intents: make(map[int]*engine.Intent)}
}

func (r *envelopeReasoner) put(index int, intent *engine.Intent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.intents[index] = intent
}

func (r *envelopeReasoner) Analyze(_ context.Context, item *dialogue.Item) (*engine.Intent, error) {
	r.mu.Lock()
	intent, ok := r.intents[item.Index]
	delete(r.intents, item.Index)
	r.mu.Unlock()
	if ok {
		return intent, nil
	}
	return &engine.Intent{
		Description: "conversation",
		Priority:    protocol.PriorityNormal,
		Type:        protocol.TaskConversation,
	}, nil
}

func runEngine(cmd *cobra.Command, rootDir string) error {
	cfg, err := config.Load(rootDir)
	if err != nil {
		return err
	}

	dbPath := cfg.DBPath
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(rootDir, dbPath)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	st, err := store.Open(dbPath)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	pool := dialogue.NewPool(cfg.PoolSettings(),
		dialogue.WithSaver(st), dialogue.WithArchiver(st), dialogue.WithEventSink(st))
	queue := taskqueue.NewQueue(taskqueue.WithSaver(st), taskqueue.WithEventSink(st))
	tracker := topic.NewTracker(cfg.TrackerSettings(),
		topic.WithVersionLookup(st), topic.WithEventSink(st))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Pick up where the last run left off.
	if snap, err := st.LoadSnapshot(ctx, protocol.SnapshotTaskQueue); err == nil && snap != nil {
		if n, err := queue.RestoreSnapshot(ctx, snap); err == nil && n > 0 {
			fmt.Fprintf(cmd.ErrOrStderr(), "restored %d tasks from snapshot\n", n)
		}
	}

	// Announce completed topic versions so later runs (and other
	// scopes) can seed from them.
	tracker.OnCompletion(func(topicID, scopeID string) {
		info, err := tracker.GetTopicInfo(topicID)
		if err != nil {
			return
		}
		_ = st.PutVersion(ctx, topicID, scopeID, &info.CurrentVersion)
		fmt.Fprintf(cmd.OutOrStdout(), "topic %s completed (%d files)\n", topicID, len(info.CurrentVersion.CurrentFiles))
	})

	reasoner := newEnvelopeReasoner()
	eng := engine.New(engine.Config{Workers: cfg.Queue.Workers},
		pool, queue, tracker, reasoner, engine.WithEventSink(st))
	registerHandlers(eng)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = eng.Run(runCtx)
	}()

	if err := feedEvents(ctx, cmd.InOrStdin(), cmd.ErrOrStderr(), reasoner, eng); err != nil {
		cancel()
		wg.Wait()
		return err
	}

	// Stdin closed: drain the queue, then stop the workers.
	for ctx.Err() == nil && queue.PendingCount()+queue.StatusCounts()[protocol.TaskRunning.String()] > 0 {
		time.Sleep(50 * time.Millisecond)
	}
	cancel()
	wg.Wait()
	return nil
}

// feedEvents parses stdin lines and hands each event to the engine. A
// malformed line is reported and skipped, not fatal.
func feedEvents(ctx context.Context, in io.Reader, errOut io.Writer, reasoner *envelopeReasoner, eng *engine.Engine) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		if ctx.Err() != nil {
			return nil
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev inboundEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			fmt.Fprintf(errOut, "line %d: %v\n", lineNo, err)
			continue
		}
		if ev.Index == 0 {
			ev.Index = lineNo
		}
		item := dialogue.NewItem(ev.Index, ev.ScopeID, ev.SenderID, ev.Content)
		item.Tags = ev.Tags
		if ev.Intent != nil {
			reasoner.put(ev.Index, toIntent(ev.Intent))
		}
		if err := eng.HandleDialogue(ctx, item); err != nil {
			fmt.Fprintf(errOut, "line %d: %v\n", lineNo, err)
		}
	}
	return scanner.Err()
}

func toIntent(spec *intentSpec) *engine.Intent {
	intent := &engine.Intent{
		Description:       spec.Description,
		Priority:          protocol.TaskPriority(spec.Priority),
		Type:              protocol.TaskType(spec.Type),
		TopicID:           spec.TopicID,
		TopicType:         spec.TopicType,
		ParentVersionID:   spec.ParentVersionID,
		ExpectedFileCount: spec.ExpectedFileCount,
	}
	if intent.Priority == 0 {
		intent.Priority = protocol.PriorityNormal
	}
	if intent.Type == 0 {
		intent.Type = protocol.TaskConversation
	}
	for _, a := range spec.Artifacts {
		action, err := protocol.ParseArtifactAction(a.Action)
		if err != nil {
			action = protocol.ActionCreate
		}
		intent.Artifacts = append(intent.Artifacts, engine.ArtifactDirective{
			Path:      a.Path,
			Action:    action,
			StorageID: a.StorageID,
		})
	}
	return intent
}

// registerHandlers installs the built-in task handlers. Conversation,
// analysis, callback, and system tasks acknowledge; generation tasks
// carry only bookkeeping; creation tasks allocate a storage id when the
// producer did not supply one.
func registerHandlers(eng *engine.Engine) {
	ack := func(_ context.Context, _ *protocol.Task) (map[string]any, error) {
		return nil, nil
	}
	eng.Register(protocol.TaskConversation, ack)
	eng.Register(protocol.TaskAnalysis, ack)
	eng.Register(protocol.TaskCallback, ack)
	eng.Register(protocol.TaskSystem, ack)
	eng.Register(protocol.TaskArtifactGeneration, ack)
	eng.Register(protocol.TaskArtifactCreation, func(_ context.Context, task *protocol.Task) (map[string]any, error) {
		sid := task.StorageID()
		if sid == "" {
			sid = uuid.NewString()
		}
		return map[string]any{protocol.ResultStorageIDKey: sid}, nil
	})
}
