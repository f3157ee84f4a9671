// Package engine ties the components together: inbound dialogue is
// admitted to the pool, analyzed into tasks, enqueued, and executed by
// a worker pool that feeds results back into the topic tracker.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"loom/pkg/dialogue"
	"loom/pkg/protocol"
	"loom/pkg/taskqueue"
	"loom/pkg/topic"
)

// ArtifactDirective is one file operation an intent asks for.
type ArtifactDirective struct {
	Path      string
	Action    protocol.ArtifactAction
	StorageID string // empty when the artifact is yet to be produced
}

// Intent is the reasoner's reading of one dialogue item: what kind of
// work it asks for and which artifacts it touches.
type Intent struct {
	Description string
	Priority    protocol.TaskPriority
	Type        protocol.TaskType

	// Topic routing. Empty TopicID means the work is topic-less.
	TopicID         string
	TopicType       string
	ParentVersionID string

	// ExpectedFileCount declares the total artifact count up front
	// when known; zero means unknown.
	ExpectedFileCount int
	Artifacts         []ArtifactDirective
}

// Reasoner turns a dialogue item into an intent. The production
// implementation calls a model; tests use canned intents.
type Reasoner interface {
	Analyze(ctx context.Context, item *dialogue.Item) (*Intent, error)
}

// HandlerFunc executes one task and returns its result payload.
type HandlerFunc func(ctx context.Context, task *protocol.Task) (map[string]any, error)

// Config holds engine tuning knobs.
type Config struct {
	Workers      int           // worker goroutines (default 4)
	PollInterval time.Duration // fallback poll when no wake signal arrives (default 500ms)
}

func (c Config) withDefaults() Config {
	out := c
	if out.Workers <= 0 {
		out.Workers = 4
	}
	if out.PollInterval == 0 {
		out.PollInterval = 500 * time.Millisecond
	}
	return out
}

// Engine orchestrates the pool, queue, and tracker.
type Engine struct {
	cfg      Config
	pool     *dialogue.Pool
	queue    *taskqueue.Queue
	tracker  *topic.Tracker
	reasoner Reasoner
	sink     protocol.EventSink

	mu       sync.Mutex
	handlers map[protocol.TaskType]HandlerFunc

	wake chan struct{}
}

// Option configures optional engine collaborators.
type Option func(*Engine)

// WithEventSink sets the lifecycle event recorder.
func WithEventSink(s protocol.EventSink) Option { return func(e *Engine) { e.sink = s } }

// New creates an engine over the given components.
func New(cfg Config, pool *dialogue.Pool, queue *taskqueue.Queue, tracker *topic.Tracker, reasoner Reasoner, opts ...Option) *Engine {
	e := &Engine{
		cfg:      cfg.withDefaults(),
		pool:     pool,
		queue:    queue,
		tracker:  tracker,
		reasoner: reasoner,
		handlers: make(map[protocol.TaskType]HandlerFunc),
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register installs the handler for a task type. Registering twice
// replaces the previous handler.
func (e *Engine) Register(typ protocol.TaskType, fn HandlerFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[typ] = fn
}

func (e *Engine) handler(typ protocol.TaskType) (HandlerFunc, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn, ok := e.handlers[typ]
	return fn, ok
}

// HandleDialogue runs the inbound path for one dialogue item: admit,
// analyze, build tasks, enqueue, register with the tracker. The item
// reaches processing status on success and failed status when analysis
// errors out.
func (e *Engine) HandleDialogue(ctx context.Context, item *dialogue.Item) error {
	e.pool.Add(ctx, item)

	intent, err := e.reasoner.Analyze(ctx, item)
	if err != nil {
		e.pool.UpdateStatus(ctx, item.Index, protocol.DialogueFailed)
		return fmt.Errorf("analyze dialogue %d: %w", item.Index, err)
	}

	e.pool.AttachAnalysis(item.Index, &dialogue.Analysis{
		Intent:   intent.Description,
		Priority: intent.Priority,
		TaskType: intent.Type,
	})
	e.pool.UpdateStatus(ctx, item.Index, protocol.DialogueProcessing)

	tasks := buildTasks(intent, item)
	e.queue.Enqueue(ctx, tasks...)
	for _, task := range tasks {
		// A malformed artifact directive skips that task's version
		// bookkeeping inside the tracker; the task itself still runs
		// and counts toward topic completion.
		_ = e.tracker.AddTask(ctx, task)
	}

	e.signal()
	return nil
}

// buildTasks expands an intent into queue tasks. A topic-bound intent
// with artifacts yields one generation task (carrying the expected
// count) plus one creation task per artifact; otherwise a single task
// of the intent's type.
func buildTasks(intent *Intent, item *dialogue.Item) []*protocol.Task {
	srcIdx := item.Index
	base := map[string]any{}
	if item.ScopeID != "" {
		base[protocol.ParamScopeID] = item.ScopeID
	}
	if intent.TopicID != "" {
		base[protocol.ParamTopicID] = intent.TopicID
		if intent.TopicType != "" {
			base[protocol.ParamTopicType] = intent.TopicType
		}
		if intent.ParentVersionID != "" {
			base[protocol.ParamParentVersionID] = intent.ParentVersionID
		}
	}

	params := func() map[string]any {
		p := make(map[string]any, len(base)+3)
		for k, v := range base {
			p[k] = v
		}
		return p
	}

	if intent.TopicID == "" || len(intent.Artifacts) == 0 {
		task := protocol.NewTask(intent.Type, intent.Priority, intent.Description)
		task.Params = params()
		task.SourceDialogueIndex = &srcIdx
		return []*protocol.Task{task}
	}

	var tasks []*protocol.Task

	gen := protocol.NewTask(protocol.TaskArtifactGeneration, intent.Priority, intent.Description)
	gen.Params = params()
	if intent.ExpectedFileCount > 0 {
		gen.Params[protocol.ParamExpectedCount] = intent.ExpectedFileCount
	}
	gen.SourceDialogueIndex = &srcIdx
	tasks = append(tasks, gen)

	for _, a := range intent.Artifacts {
		task := protocol.NewTask(protocol.TaskArtifactCreation, intent.Priority,
			fmt.Sprintf("%s %s", a.Action, a.Path))
		task.Params = params()
		task.Params[protocol.ParamFilePath] = a.Path
		task.Params[protocol.ParamAction] = string(a.Action)
		if a.StorageID != "" {
			task.Params[protocol.ParamStorageID] = a.StorageID
		}
		task.SourceDialogueIndex = &srcIdx
		tasks = append(tasks, task)
	}
	return tasks
}

// signal wakes one idle worker without blocking.
func (e *Engine) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}
