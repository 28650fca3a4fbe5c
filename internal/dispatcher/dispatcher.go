// Package dispatcher fans queued tasks out to executor workers and owns task
// cancellation.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/madiyarbolatuly/browserd/internal/browser"
	"github.com/madiyarbolatuly/browserd/internal/executor"
)

// ErrAlreadyTerminal is returned when canceling a task that already finished.
var ErrAlreadyTerminal = errors.New("task already in a terminal state")

// Config controls the dispatcher.
type Config struct {
	Concurrency int
	Topic       string
}

// Dispatcher consumes the task queue with a fixed set of workers. It also
// tracks in-flight tasks so Cancel can reach them.
type Dispatcher struct {
	cfg       Config
	queue     browser.Queue
	exec      *executor.Executor
	store     browser.TaskStore
	publisher browser.Publisher
	clock     browser.Clock
	logger    *zap.Logger

	mu       sync.Mutex
	running  map[string]context.CancelFunc
	canceled map[string]struct{}
}

// New constructs a Dispatcher.
func New(
	cfg Config,
	queue browser.Queue,
	exec *executor.Executor,
	store browser.TaskStore,
	publisher browser.Publisher,
	clock browser.Clock,
	logger *zap.Logger,
) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		cfg:       cfg,
		queue:     queue,
		exec:      exec,
		store:     store,
		publisher: publisher,
		clock:     clock,
		logger:    logger,
	}
}

// Submit persists a new task record and enqueues the task. A full queue
// surfaces as an error to the caller; nothing is persisted as started.
func (d *Dispatcher) Submit(ctx context.Context, task browser.Task) error {
	rec := browser.TaskRecord{
		ID:        task.ID,
		Status:    browser.TaskStatusQueued,
		Submitted: d.clock.Now(),
		Task:      task,
	}
	if err := d.store.CreateTask(ctx, rec); err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	item := browser.QueueItem{Task: task, Submitted: rec.Submitted.UnixMilli()}
	if err := d.queue.Enqueue(ctx, item); err != nil {
		failErr := fmt.Sprintf("enqueue failed: %v", err)
		if uerr := d.store.UpdateTaskStatus(ctx, task.ID, browser.TaskStatusFailed, failErr); uerr != nil {
			d.logger.Warn("status update failed", zap.String("task_id", task.ID), zap.Error(uerr))
		}
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

// Cancel requests cancellation of a task. A queued task goes terminal
// immediately and never touches a browser; a running task has its context
// canceled and finishes through the executor.
func (d *Dispatcher) Cancel(ctx context.Context, taskID string) error {
	rec, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if rec.Status.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrAlreadyTerminal, rec.Status)
	}

	d.mu.Lock()
	if cancel, ok := d.running[taskID]; ok {
		d.mu.Unlock()
		cancel()
		return nil
	}
	if d.canceled == nil {
		d.canceled = make(map[string]struct{})
	}
	d.canceled[taskID] = struct{}{}
	d.mu.Unlock()

	const reason = "canceled before start"
	if err := d.store.UpdateTaskStatus(ctx, taskID, browser.TaskStatusCanceled, reason); err != nil {
		// The task went terminal between the check above and here; it will
		// never be dequeued, so the marker must not linger.
		d.mu.Lock()
		delete(d.canceled, taskID)
		d.mu.Unlock()
		return fmt.Errorf("cancel queued task: %w", err)
	}
	if err := d.store.RecordResult(ctx, browser.Result{
		TaskID:    taskID,
		Status:    browser.TaskStatusCanceled,
		ErrorText: reason,
	}); err != nil {
		d.logger.Warn("record canceled result failed", zap.String("task_id", taskID), zap.Error(err))
	}
	return nil
}

// Run blocks, consuming the queue with cfg.Concurrency workers until ctx
// finishes.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.worker(ctx)
		}()
	}
	<-ctx.Done()
	wg.Wait()
}

func (d *Dispatcher) worker(ctx context.Context) {
	for {
		item, err := d.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.Error("queue dequeue failed", zap.Error(err))
			return
		}
		d.process(ctx, item)
	}
}

func (d *Dispatcher) process(ctx context.Context, item browser.QueueItem) {
	taskID := item.Task.ID

	d.mu.Lock()
	if _, ok := d.canceled[taskID]; ok {
		// Canceled while queued; already terminal, nothing to run.
		delete(d.canceled, taskID)
		d.mu.Unlock()
		return
	}
	taskCtx, cancel := context.WithCancel(ctx)
	if d.running == nil {
		d.running = make(map[string]context.CancelFunc)
	}
	d.running[taskID] = cancel
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		delete(d.running, taskID)
		d.mu.Unlock()
		cancel()
	}()

	res := d.exec.Execute(taskCtx, item.Task)
	d.publish(ctx, item.Task, res)
}

// publish emits a completion event. Events are best effort; failures are
// logged, the stored result remains the source of truth.
func (d *Dispatcher) publish(ctx context.Context, task browser.Task, res browser.Result) {
	if d.publisher == nil || d.cfg.Topic == "" {
		return
	}
	// Completion events still go out when the task context was canceled.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	ctx = pubCtx
	event := map[string]any{
		"task_id":      res.TaskID,
		"kind":         string(task.Kind),
		"status":       string(res.Status),
		"artifact_uri": res.ArtifactURI,
		"content_hash": res.ContentHash,
		"duration_ms":  res.DurationMs,
		"finished_at":  d.clock.Now(),
	}
	if _, err := d.publisher.Publish(ctx, d.cfg.Topic, event); err != nil {
		d.logger.Warn("completion publish failed", zap.String("task_id", res.TaskID), zap.Error(err))
	}
}
