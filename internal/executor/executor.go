// Package executor runs one task from queued to terminal: acquire a handle,
// execute with a deadline, classify the outcome, persist the result.
package executor

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/madiyarbolatuly/browserd/internal/browser"
	"github.com/madiyarbolatuly/browserd/internal/metrics"
	"github.com/madiyarbolatuly/browserd/internal/pool"
	"github.com/madiyarbolatuly/browserd/internal/ratelimit"
	"github.com/madiyarbolatuly/browserd/internal/scrape"
)

// Config bounds executor behavior.
type Config struct {
	// AcquireTimeout bounds the wait for a pool handle. Zero means fail
	// immediately when no handle is free.
	AcquireTimeout time.Duration
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	ProbeTimeout   time.Duration
}

// Executor drives the task state machine. One Execute call produces exactly
// one terminal result; there are no retries.
type Executor struct {
	cfg    Config
	pool   *pool.Pool
	store  browser.TaskStore
	hasher browser.Hasher
	clock  browser.Clock
	logger *zap.Logger

	// Probe fast path, all optional. When set, render tasks without
	// force_browser first try a plain HTTP fetch.
	fetcher  browser.Fetcher
	detector browser.HeadlessDetector
	limiter  *ratelimit.Limiter

	// Optional outbound artifact store for pdf and csv outputs.
	artifacts browser.ArtifactStore
}

// New constructs an Executor.
func New(
	cfg Config,
	p *pool.Pool,
	store browser.TaskStore,
	hasher browser.Hasher,
	clock browser.Clock,
	logger *zap.Logger,
) *Executor {
	if cfg.AcquireTimeout < 0 {
		cfg.AcquireTimeout = 10 * time.Second
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = 2 * time.Minute
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 8 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		cfg:    cfg,
		pool:   p,
		store:  store,
		hasher: hasher,
		clock:  clock,
		logger: logger,
	}
}

// WithArtifacts enables outbound artifact persistence for pdf and csv
// outputs.
func (e *Executor) WithArtifacts(store browser.ArtifactStore) *Executor {
	e.artifacts = store
	return e
}

// WithProbe enables the no-browser fast path for render tasks.
func (e *Executor) WithProbe(fetcher browser.Fetcher, det browser.HeadlessDetector, limiter *ratelimit.Limiter) *Executor {
	e.fetcher = fetcher
	e.detector = det
	e.limiter = limiter
	return e
}

// Execute runs one task to a terminal state. The returned result is also
// persisted in the task store. Canceling ctx cancels the task.
func (e *Executor) Execute(ctx context.Context, task browser.Task) browser.Result {
	started := e.clock.Now()
	budget := e.clampBudget(task.Timeout)

	if out, ok := e.tryProbe(ctx, task); ok {
		res := browser.Result{
			TaskID:  task.ID,
			Status:  browser.TaskStatusSucceeded,
			Payload: out.Payload,
		}
		if hash, err := e.hasher.Hash(out.Payload); err == nil {
			res.ContentHash = hash
		}
		return e.finish(ctx, task, started, res)
	}

	e.setStatus(ctx, task.ID, browser.TaskStatusAcquiring, "")

	acquireCtx, cancelAcquire := context.WithTimeout(ctx, e.cfg.AcquireTimeout)
	h, err := e.pool.Acquire(acquireCtx)
	cancelAcquire()
	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, browser.ErrPoolDrained) {
			return e.finish(ctx, task, started, browser.Result{
				TaskID:    task.ID,
				Status:    browser.TaskStatusCanceled,
				ErrorText: "canceled while waiting for a browser",
			})
		}
		return e.finish(ctx, task, started, browser.Result{
			TaskID:    task.ID,
			Status:    browser.TaskStatusFailed,
			ErrorText: err.Error(),
		})
	}

	e.setStatus(ctx, task.ID, browser.TaskStatusRunning, "")

	runCtx, cancelRun := context.WithTimeout(ctx, budget)
	out, execErr := h.Execute(runCtx, task)
	runErr := runCtx.Err()
	cancelRun()

	switch {
	case execErr == nil:
		e.pool.Release(h, pool.OutcomeOK)
		res := browser.Result{
			TaskID:  task.ID,
			Status:  browser.TaskStatusSucceeded,
			Payload: out.Payload,
		}
		if hash, err := e.hasher.Hash(out.Payload); err == nil {
			res.ContentHash = hash
		}
		e.storeArtifact(ctx, task, out, &res)
		return e.finish(ctx, task, started, res)

	case errors.Is(runErr, context.DeadlineExceeded):
		// The budget elapsed. The browser process may be wedged mid
		// navigation, so the handle is discarded; teardown happens off the
		// task path.
		e.pool.Release(h, pool.OutcomeCrashed)
		return e.finish(ctx, task, started, browser.Result{
			TaskID:    task.ID,
			Status:    browser.TaskStatusTimedOut,
			ErrorText: browser.ErrExecutionTimeout.Error(),
		})

	case ctx.Err() != nil:
		e.pool.Release(h, pool.OutcomeCrashed)
		return e.finish(ctx, task, started, browser.Result{
			TaskID:    task.ID,
			Status:    browser.TaskStatusCanceled,
			ErrorText: "canceled while running",
		})

	default:
		e.pool.Release(h, pool.OutcomeOK)
		return e.finish(ctx, task, started, browser.Result{
			TaskID:    task.ID,
			Status:    browser.TaskStatusFailed,
			ErrorText: execErr.Error(),
		})
	}
}

// tryProbe attempts the no-browser fast path. It reports (output, true) only
// when the probe succeeded and the detector saw a complete page.
func (e *Executor) tryProbe(ctx context.Context, task browser.Task) (browser.ExecOutput, bool) {
	if e.fetcher == nil || e.detector == nil {
		return browser.ExecOutput{}, false
	}
	if task.Kind != browser.TaskKindRender || task.ForceBrowser || task.URL == "" {
		return browser.ExecOutput{}, false
	}

	probeCtx, cancel := context.WithTimeout(ctx, e.cfg.ProbeTimeout)
	defer cancel()

	if e.limiter != nil {
		if err := e.limiter.Wait(probeCtx, task.URL); err != nil {
			return browser.ExecOutput{}, false
		}
	}
	resp, err := e.fetcher.Fetch(probeCtx, task.URL, task.Headers)
	if err != nil {
		e.logger.Debug("probe failed, promoting to browser",
			zap.String("task_id", task.ID), zap.Error(err))
		return browser.ExecOutput{}, false
	}
	if e.detector.ShouldPromote(resp) {
		return browser.ExecOutput{}, false
	}
	return browser.ExecOutput{Payload: resp.Body, ContentType: "text/html", FinalURL: resp.URL}, true
}

// storeArtifact writes the outbound artifact when the task kind or output
// format asks for one. Artifact failures do not fail the task; the inline
// payload still carries the data.
func (e *Executor) storeArtifact(ctx context.Context, task browser.Task, out browser.ExecOutput, res *browser.Result) {
	if e.artifacts == nil {
		return
	}

	var (
		key         string
		contentType string
		data        []byte
	)
	switch {
	case task.Kind == browser.TaskKindPDF:
		key = task.ID + ".pdf"
		contentType = "application/pdf"
		data = out.Payload
	case task.Kind == browser.TaskKindScrape && strings.EqualFold(task.OutputFormat, "csv"):
		csvData, err := scrape.PayloadToCSV(out.Payload)
		if err != nil {
			e.logger.Warn("csv conversion failed", zap.String("task_id", task.ID), zap.Error(err))
			return
		}
		key = task.ID + ".csv"
		contentType = "text/csv"
		data = csvData
	default:
		return
	}

	uri, err := e.artifacts.Put(ctx, key, contentType, data)
	if err != nil {
		e.logger.Warn("artifact store failed", zap.String("task_id", task.ID), zap.Error(err))
		return
	}
	res.ArtifactURI = uri
	if task.Kind == browser.TaskKindPDF {
		// PDFs live in the artifact store only; results stay small.
		res.Payload = nil
	}
}

func (e *Executor) clampBudget(d time.Duration) time.Duration {
	if d <= 0 {
		return e.cfg.DefaultTimeout
	}
	if d > e.cfg.MaxTimeout {
		return e.cfg.MaxTimeout
	}
	return d
}

// finish stamps timing, persists and meters the terminal result.
func (e *Executor) finish(ctx context.Context, task browser.Task, started time.Time, res browser.Result) browser.Result {
	res.Duration = e.clock.Now().Sub(started)
	res.DurationMs = res.Duration.Milliseconds()

	// Persistence uses a detached context so a canceled task still records
	// its terminal state.
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.store.RecordResult(storeCtx, res); err != nil {
		e.logger.Warn("record result failed", zap.String("task_id", task.ID), zap.Error(err))
	}
	e.setStatus(storeCtx, task.ID, res.Status, res.ErrorText)

	metrics.ObserveTask(string(task.Kind), string(res.Status), res.Duration)
	e.logger.Info("task finished",
		zap.String("task_id", task.ID),
		zap.String("kind", string(task.Kind)),
		zap.String("status", string(res.Status)),
		zap.Duration("duration", res.Duration),
	)
	return res
}

func (e *Executor) setStatus(ctx context.Context, taskID string, status browser.TaskStatus, errText string) {
	if err := e.store.UpdateTaskStatus(ctx, taskID, status, errText); err != nil {
		e.logger.Warn("status update failed",
			zap.String("task_id", taskID), zap.String("status", string(status)), zap.Error(err))
	}
}
