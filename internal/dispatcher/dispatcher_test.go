package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/madiyarbolatuly/browserd/internal/browser"
	"github.com/madiyarbolatuly/browserd/internal/executor"
	"github.com/madiyarbolatuly/browserd/internal/hash/sha256"
	"github.com/madiyarbolatuly/browserd/internal/pool"
	queuemem "github.com/madiyarbolatuly/browserd/internal/queue/memory"
	storemem "github.com/madiyarbolatuly/browserd/internal/store/memory"
)

type fakeDriver struct {
	execFn func(ctx context.Context, task browser.Task) (browser.ExecOutput, error)
}

func (d *fakeDriver) Start(ctx context.Context) error { return nil }

func (d *fakeDriver) Execute(ctx context.Context, task browser.Task) (browser.ExecOutput, error) {
	if d.execFn == nil {
		return browser.ExecOutput{Payload: []byte("rendered")}, nil
	}
	return d.execFn(ctx, task)
}

func (d *fakeDriver) HealthCheck(ctx context.Context) error { return nil }
func (d *fakeDriver) Stop(ctx context.Context) error        { return nil }

type fakeFactory struct {
	execFn func(ctx context.Context, task browser.Task) (browser.ExecOutput, error)

	mu sync.Mutex
	n  int
}

func (f *fakeFactory) NewDriver(id string) browser.Driver {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	return &fakeDriver{execFn: f.execFn}
}

func (f *fakeFactory) created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n
}

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) NewID() (string, error) { return fmt.Sprintf("h-%d", s.n.Add(1)), nil }

type sysClock struct{}

func (sysClock) Now() time.Time { return time.Now().UTC() }

type capturingPublisher struct {
	mu     sync.Mutex
	topics []string
	events []map[string]any
}

func (p *capturingPublisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	if m, ok := payload.(map[string]any); ok {
		p.events = append(p.events, m)
	}
	return fmt.Sprintf("msg-%d", len(p.topics)), nil
}

func (p *capturingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.topics)
}

type env struct {
	dispatcher *Dispatcher
	queue      *queuemem.Queue
	store      *storemem.TaskStore
	factory    *fakeFactory
	publisher  *capturingPublisher
}

func newEnv(t *testing.T, execFn func(ctx context.Context, task browser.Task) (browser.ExecOutput, error)) *env {
	t.Helper()
	factory := &fakeFactory{execFn: execFn}
	p, err := pool.New(pool.Config{
		Capacity:      2,
		StartTimeout:  time.Second,
		HealthTimeout: time.Second,
		StopGrace:     time.Second,
	}, factory, &seqIDs{}, sysClock{}, zap.NewNop())
	require.NoError(t, err)

	store := storemem.NewTaskStore(sysClock{})
	exec := executor.New(executor.Config{
		AcquireTimeout: time.Second,
		DefaultTimeout: 2 * time.Second,
		MaxTimeout:     5 * time.Second,
	}, p, store, sha256.New(), sysClock{}, zap.NewNop())

	queue := queuemem.NewQueue(16)
	publisher := &capturingPublisher{}
	d := New(Config{Concurrency: 2, Topic: "task-events"}, queue, exec, store, publisher, sysClock{}, zap.NewNop())
	return &env{dispatcher: d, queue: queue, store: store, factory: factory, publisher: publisher}
}

func TestSubmitPersistsAndEnqueues(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	task := browser.Task{ID: "t1", Kind: browser.TaskKindRender, URL: "https://example.com"}
	require.NoError(t, e.dispatcher.Submit(context.Background(), task))

	rec, err := e.store.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, browser.TaskStatusQueued, rec.Status)

	item, err := e.queue.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "t1", item.Task.ID)
}

func TestSubmitDuplicateIDRejected(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	task := browser.Task{ID: "t1", Kind: browser.TaskKindRender, URL: "https://example.com"}
	require.NoError(t, e.dispatcher.Submit(context.Background(), task))
	require.Error(t, e.dispatcher.Submit(context.Background(), task))
}

func TestRunExecutesAndPublishes(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.dispatcher.Run(ctx)
		close(done)
	}()

	task := browser.Task{ID: "t1", Kind: browser.TaskKindRender, URL: "https://example.com"}
	require.NoError(t, e.dispatcher.Submit(context.Background(), task))

	require.Eventually(t, func() bool {
		rec, err := e.store.GetTask(context.Background(), "t1")
		return err == nil && rec.Status == browser.TaskStatusSucceeded
	}, 3*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool { return e.publisher.count() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, "task-events", e.publisher.topics[0])
	assert.Equal(t, "succeeded", e.publisher.events[0]["status"])

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
}

func TestCancelQueuedTaskHasNoSideEffects(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	task := browser.Task{ID: "t1", Kind: browser.TaskKindRender, URL: "https://example.com"}
	require.NoError(t, e.dispatcher.Submit(context.Background(), task))

	require.NoError(t, e.dispatcher.Cancel(context.Background(), "t1"))

	rec, err := e.store.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, browser.TaskStatusCanceled, rec.Status)

	res, err := e.store.GetResult(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, browser.TaskStatusCanceled, res.Status)

	// Draining the queue afterwards must not run the task.
	ctx, cancel := context.WithCancel(context.Background())
	go e.dispatcher.Run(ctx)
	require.Eventually(t, func() bool { return e.queue.Len() == 0 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	cancel()

	assert.Equal(t, 0, e.factory.created(), "canceled queued task must never touch a browser")
}

func TestCancelRunningTask(t *testing.T) {
	t.Parallel()

	running := make(chan struct{})
	e := newEnv(t, func(ctx context.Context, task browser.Task) (browser.ExecOutput, error) {
		close(running)
		<-ctx.Done()
		return browser.ExecOutput{}, &browser.ExecutionError{Err: ctx.Err()}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.dispatcher.Run(ctx)

	task := browser.Task{ID: "t1", Kind: browser.TaskKindRender, URL: "https://example.com"}
	require.NoError(t, e.dispatcher.Submit(context.Background(), task))

	select {
	case <-running:
	case <-time.After(2 * time.Second):
		t.Fatal("task never started running")
	}

	require.NoError(t, e.dispatcher.Cancel(context.Background(), "t1"))

	require.Eventually(t, func() bool {
		rec, err := e.store.GetTask(context.Background(), "t1")
		return err == nil && rec.Status == browser.TaskStatusCanceled
	}, 3*time.Second, 5*time.Millisecond)
}

func TestCancelErrors(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)

	err := e.dispatcher.Cancel(context.Background(), "ghost")
	require.ErrorIs(t, err, browser.ErrTaskNotFound)

	task := browser.Task{ID: "t1", Kind: browser.TaskKindRender, URL: "https://example.com"}
	require.NoError(t, e.dispatcher.Submit(context.Background(), task))
	require.NoError(t, e.store.UpdateTaskStatus(context.Background(), "t1", browser.TaskStatusSucceeded, ""))

	err = e.dispatcher.Cancel(context.Background(), "t1")
	require.ErrorIs(t, err, ErrAlreadyTerminal)
}

// staleStatusStore reports tasks as still queued even after they went
// terminal underneath, recreating the window between Cancel's status check
// and its update.
type staleStatusStore struct {
	browser.TaskStore
}

func (s *staleStatusStore) GetTask(ctx context.Context, taskID string) (browser.TaskRecord, error) {
	rec, err := s.TaskStore.GetTask(ctx, taskID)
	if err != nil {
		return rec, err
	}
	rec.Status = browser.TaskStatusQueued
	return rec, nil
}

func TestCancelLosingRaceToTerminalLeavesNoMarker(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	d := New(Config{Concurrency: 1}, e.queue, e.dispatcher.exec, &staleStatusStore{TaskStore: e.store}, e.publisher, sysClock{}, zap.NewNop())

	task := browser.Task{ID: "t1", Kind: browser.TaskKindRender, URL: "https://example.com"}
	require.NoError(t, d.Submit(context.Background(), task))
	require.NoError(t, e.store.UpdateTaskStatus(context.Background(), "t1", browser.TaskStatusSucceeded, ""))

	err := d.Cancel(context.Background(), "t1")
	require.Error(t, err)

	d.mu.Lock()
	_, marked := d.canceled["t1"]
	d.mu.Unlock()
	assert.False(t, marked, "a task that finished first must not stay marked canceled")
}
