package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"loom/pkg/protocol"
)

// Run starts the worker pool and blocks until ctx is cancelled. Each
// worker finishes its in-flight task before exiting, so cancellation
// drains rather than aborts.
func (e *Engine) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < e.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.workerLoop(ctx)
		}()
	}
	wg.Wait()
	return nil
}

// workerLoop claims and executes tasks until cancellation. It wakes on
// the enqueue signal and falls back to polling as a safety net.
func (e *Engine) workerLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		e.drain(ctx)
		select {
		case <-ctx.Done():
			return
		case <-e.wake:
		case <-ticker.C:
		}
	}
}

// drain executes pending tasks until the queue is empty or ctx ends.
func (e *Engine) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		task, ok := e.queue.ClaimNext(ctx)
		if !ok {
			return
		}
		e.execute(ctx, &task)
	}
}

// execute dispatches one claimed task to its handler and propagates the
// outcome to the queue, the tracker, and the source dialogue item.
func (e *Engine) execute(ctx context.Context, task *protocol.Task) {
	fn, ok := e.handler(task.Type)
	if !ok {
		msg := fmt.Sprintf("no handler registered for task type %s", task.Type)
		_ = e.queue.Fail(ctx, task.ID, msg)
		e.recordMalformed(ctx, task, msg)
		e.tracker.UpdateTaskStatus(ctx, task, protocol.TaskFailed)
		e.finishDialogue(ctx, task, false)
		return
	}

	result, err := fn(ctx, task)
	if err != nil {
		_ = e.queue.Fail(ctx, task.ID, err.Error())
		e.tracker.UpdateTaskStatus(ctx, task, protocol.TaskFailed)
		e.finishDialogue(ctx, task, false)
		return
	}

	_ = e.queue.Complete(ctx, task.ID, result)
	task.Result = result
	e.tracker.UpdateTaskStatus(ctx, task, protocol.TaskCompleted)
	e.finishDialogue(ctx, task, true)
}

// finishDialogue reflects a task outcome onto the dialogue item that
// spawned it. Items that spawned several tasks settle on the last
// outcome to arrive.
func (e *Engine) finishDialogue(ctx context.Context, task *protocol.Task, ok bool) {
	if task.SourceDialogueIndex == nil {
		return
	}
	status := protocol.DialogueCompleted
	if !ok {
		status = protocol.DialogueFailed
	}
	e.pool.UpdateStatus(ctx, *task.SourceDialogueIndex, status)
}

func (e *Engine) recordMalformed(ctx context.Context, task *protocol.Task, msg string) {
	if e.sink == nil {
		return
	}
	_ = e.sink.Record(ctx, protocol.Event{
		Type:    protocol.EventMalformedTask,
		Source:  "engine",
		TopicID: task.TopicID(),
		TaskID:  task.ID.String(),
		Payload: fmt.Sprintf(`{"error":%q}`, msg),
	})
}
