// Package pool manages a bounded collection of browser driver handles,
// enforcing max concurrency, reuse and crash recovery.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/madiyarbolatuly/browserd/internal/browser"
	"github.com/madiyarbolatuly/browserd/internal/metrics"
)

// State is the lifecycle state of a handle. Only the pool mutates it.
type State string

// Handle states.
const (
	StateStarting    State = "starting"
	StateReady       State = "ready"
	StateBusy        State = "busy"
	StateCrashed     State = "crashed"
	StateTerminating State = "terminating"
)

// Outcome is the caller's verdict when releasing a handle.
type Outcome int

// Release outcomes.
const (
	// OutcomeOK means the task finished without suspecting the browser;
	// the pool still health-checks before reuse.
	OutcomeOK Outcome = iota
	// OutcomeCrashed means the browser is known or suspected dead
	// (execution timeout, navigation hang); the handle is discarded.
	OutcomeCrashed
)

// Handle wraps one driver owned by the pool.
type Handle struct {
	id      string
	driver  browser.Driver
	state   State
	lastUse time.Time
	crashes int
}

// ID returns the handle id.
func (h *Handle) ID() string {
	return h.id
}

// Execute forwards one task to the underlying driver.
func (h *Handle) Execute(ctx context.Context, task browser.Task) (browser.ExecOutput, error) {
	return h.driver.Execute(ctx, task)
}

// Config controls pool behavior.
type Config struct {
	Capacity      int
	StartTimeout  time.Duration
	HealthTimeout time.Duration
	StopGrace     time.Duration
	Prewarm       bool
}

// Pool is a bounded session pool. Acquire/Release are safe for concurrent use.
type Pool struct {
	cfg     Config
	factory browser.DriverFactory
	idGen   browser.IDGenerator
	clock   browser.Clock
	logger  *zap.Logger

	mu        sync.Mutex
	idle      []*Handle
	count     int // Starting + Ready + Busy; never exceeds Capacity
	starting  int
	waiters   []*waiter
	draining  bool
	drainDone chan struct{}
}

// grant delivers either a handle or a terminal error to a waiter. Each waiter
// token is completed exactly once, by grant, timeout or drain.
type grant struct {
	handle *Handle
	err    error
}

type waiter struct {
	ch   chan grant
	done bool
}

// New constructs a Pool.
func New(
	cfg Config,
	factory browser.DriverFactory,
	idGen browser.IDGenerator,
	clock browser.Clock,
	logger *zap.Logger,
) (*Pool, error) {
	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("pool capacity must be > 0")
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 20 * time.Second
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = 3 * time.Second
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		cfg:     cfg,
		factory: factory,
		idGen:   idGen,
		clock:   clock,
		logger:  logger,
	}, nil
}

// Acquire returns a Busy handle, reusing a Ready one, cold-starting below
// capacity, or waiting in FIFO order otherwise. The context bounds the whole
// wait; on expiry browser.ErrPoolExhausted is returned.
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	started := p.clock.Now()

	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return nil, browser.ErrPoolDrained
	}
	if h := p.popIdleLocked(); h != nil {
		h.state = StateBusy
		p.updateGaugesLocked()
		p.mu.Unlock()
		metrics.ObserveAcquireWait(p.clock.Now().Sub(started))
		return h, nil
	}
	if p.count < p.cfg.Capacity {
		p.count++ // reserve the slot before unlocking so capacity holds
		p.starting++
		p.updateGaugesLocked()
		p.mu.Unlock()

		h, err := p.startHandle(ctx)
		p.mu.Lock()
		p.starting--
		if err != nil {
			p.count--
			p.checkDrainLocked()
		} else {
			h.state = StateBusy
		}
		p.updateGaugesLocked()
		p.mu.Unlock()
		if err != nil {
			return nil, err
		}
		metrics.ObserveAcquireWait(p.clock.Now().Sub(started))
		return h, nil
	}

	w := &waiter{ch: make(chan grant, 1)}
	p.waiters = append(p.waiters, w)
	p.updateGaugesLocked()
	p.mu.Unlock()

	select {
	case g := <-w.ch:
		if g.err != nil {
			return nil, g.err
		}
		metrics.ObserveAcquireWait(p.clock.Now().Sub(started))
		return g.handle, nil
	case <-ctx.Done():
		p.mu.Lock()
		if w.done {
			// A grant raced the timeout; the handle is already in the
			// channel. Put it back for the next waiter.
			p.mu.Unlock()
			g := <-w.ch
			if g.err == nil {
				p.requeue(g.handle)
			}
			return nil, browser.ErrPoolExhausted
		}
		w.done = true
		p.removeWaiterLocked(w)
		p.updateGaugesLocked()
		p.mu.Unlock()
		return nil, browser.ErrPoolExhausted
	}
}

// Release returns a handle after task completion. A healthy outcome still
// passes through a health check before the handle is reused; anything else
// discards the handle and optionally pre-warms a replacement.
func (p *Pool) Release(h *Handle, outcome Outcome) {
	if outcome == OutcomeOK {
		hcCtx, cancel := context.WithTimeout(context.Background(), p.cfg.HealthTimeout)
		err := h.driver.HealthCheck(hcCtx)
		cancel()
		if err == nil {
			p.requeue(h)
			return
		}
		p.logger.Warn("health check failed on release", zap.String("handle_id", h.id), zap.Error(err))
	}
	p.discard(h)
}

// WarmUp starts up to n handles ahead of demand.
func (p *Pool) WarmUp(ctx context.Context, n int) error {
	for i := 0; i < n; i++ {
		p.mu.Lock()
		if p.draining || p.count >= p.cfg.Capacity {
			p.mu.Unlock()
			return nil
		}
		p.count++
		p.starting++
		p.updateGaugesLocked()
		p.mu.Unlock()

		h, err := p.startHandle(ctx)
		p.mu.Lock()
		p.starting--
		if err != nil {
			p.count--
			p.checkDrainLocked()
			p.updateGaugesLocked()
			p.mu.Unlock()
			return err
		}
		p.grantOrIdleLocked(h)
		p.updateGaugesLocked()
		p.mu.Unlock()
	}
	return nil
}

// Drain stops accepting acquisitions, fails queued waiters with
// browser.ErrPoolDrained, stops idle handles and waits for busy handles to be
// released, bounded by ctx.
func (p *Pool) Drain(ctx context.Context) error {
	p.mu.Lock()
	if p.draining {
		done := p.drainDone
		p.mu.Unlock()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("drain wait: %w", ctx.Err())
		}
	}
	p.draining = true
	for _, w := range p.waiters {
		if !w.done {
			w.done = true
			w.ch <- grant{err: browser.ErrPoolDrained}
		}
	}
	p.waiters = nil

	idle := p.idle
	p.idle = nil
	for _, h := range idle {
		h.state = StateTerminating
		p.count--
	}
	p.drainDone = make(chan struct{})
	if p.count == 0 {
		close(p.drainDone)
	}
	done := p.drainDone
	p.updateGaugesLocked()
	p.mu.Unlock()

	for _, h := range idle {
		p.stopDriver(h)
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain wait: %w", ctx.Err())
	}
}

// Stats is a point-in-time snapshot of pool occupancy.
type Stats struct {
	Capacity int  `json:"capacity"`
	Ready    int  `json:"ready"`
	Busy     int  `json:"busy"`
	Starting int  `json:"starting"`
	Waiters  int  `json:"waiters"`
	Draining bool `json:"draining"`
}

// Snapshot returns current occupancy for readiness and debugging endpoints.
func (p *Pool) Snapshot() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Capacity: p.cfg.Capacity,
		Ready:    len(p.idle),
		Busy:     p.count - len(p.idle) - p.starting,
		Starting: p.starting,
		Waiters:  len(p.waiters),
		Draining: p.draining,
	}
}

// requeue makes a healthy handle available again: handed to the first FIFO
// waiter, or parked Ready.
func (p *Pool) requeue(h *Handle) {
	p.mu.Lock()
	if p.draining {
		h.state = StateTerminating
		p.count--
		p.checkDrainLocked()
		p.updateGaugesLocked()
		p.mu.Unlock()
		p.stopDriver(h)
		return
	}
	h.lastUse = p.clock.Now()
	p.grantOrIdleLocked(h)
	p.updateGaugesLocked()
	p.mu.Unlock()
}

// discard removes a crashed or unhealthy handle and tears its process down in
// the background so callers never wait on browser teardown. The freed slot is
// restarted whenever a waiter is queued for it; with Prewarm set a
// replacement is started ahead of demand too.
func (p *Pool) discard(h *Handle) {
	metrics.ObserveHandleCrash()

	p.mu.Lock()
	h.state = StateTerminating
	h.crashes++
	p.count--
	replace := !p.draining && (len(p.waiters) > 0 || p.cfg.Prewarm)
	if replace {
		p.count++
		p.starting++
	}
	p.checkDrainLocked()
	p.updateGaugesLocked()
	p.mu.Unlock()

	p.logger.Info("discarding handle", zap.String("handle_id", h.id), zap.Int("crashes", h.crashes))
	go p.stopDriver(h)
	if replace {
		go p.warmReplacement()
	}
}

func (p *Pool) warmReplacement() {
	h, err := p.startHandle(context.Background())
	p.mu.Lock()
	p.starting--
	if err != nil {
		p.count--
		p.checkDrainLocked()
		p.updateGaugesLocked()
		p.mu.Unlock()
		p.logger.Warn("replacement handle launch failed", zap.Error(err))
		return
	}
	if p.draining {
		h.state = StateTerminating
		p.count--
		p.checkDrainLocked()
		p.updateGaugesLocked()
		p.mu.Unlock()
		p.stopDriver(h)
		return
	}
	p.grantOrIdleLocked(h)
	p.updateGaugesLocked()
	p.mu.Unlock()
}

// startHandle cold-starts a driver. The caller must have reserved a capacity
// slot already.
func (p *Pool) startHandle(ctx context.Context) (*Handle, error) {
	id, err := p.idGen.NewID()
	if err != nil {
		return nil, fmt.Errorf("handle id: %w", err)
	}
	d := p.factory.NewDriver(id)
	startCtx, cancel := context.WithTimeout(ctx, p.cfg.StartTimeout)
	defer cancel()
	if err := d.Start(startCtx); err != nil {
		metrics.ObserveHandleLaunch("error")
		if _, ok := asLaunchError(err); ok {
			return nil, err
		}
		return nil, &browser.LaunchError{Err: err}
	}
	metrics.ObserveHandleLaunch("ok")
	p.logger.Debug("handle started", zap.String("handle_id", id))
	return &Handle{id: id, driver: d, state: StateStarting, lastUse: p.clock.Now()}, nil
}

// grantOrIdleLocked hands a handle to the first waiter (it stays Busy) or
// parks it Ready. Caller holds p.mu.
func (p *Pool) grantOrIdleLocked(h *Handle) {
	for len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		if w.done {
			continue
		}
		w.done = true
		h.state = StateBusy
		w.ch <- grant{handle: h}
		return
	}
	h.state = StateReady
	p.idle = append(p.idle, h)
}

func (p *Pool) popIdleLocked() *Handle {
	if len(p.idle) == 0 {
		return nil
	}
	h := p.idle[0]
	p.idle = p.idle[1:]
	return h
}

func (p *Pool) removeWaiterLocked(target *waiter) {
	for i, w := range p.waiters {
		if w == target {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

func (p *Pool) checkDrainLocked() {
	if p.draining && p.count == 0 && p.drainDone != nil {
		select {
		case <-p.drainDone:
		default:
			close(p.drainDone)
		}
	}
}

func (p *Pool) updateGaugesLocked() {
	metrics.SetPoolHandles(string(StateReady), len(p.idle))
	metrics.SetPoolHandles(string(StateBusy), p.count-len(p.idle)-p.starting)
	metrics.SetPoolHandles(string(StateStarting), p.starting)
	metrics.SetPoolWaiters(len(p.waiters))
}

func (p *Pool) stopDriver(h *Handle) {
	stopCtx, cancel := context.WithTimeout(context.Background(), p.cfg.StopGrace)
	defer cancel()
	if err := h.driver.Stop(stopCtx); err != nil {
		p.logger.Warn("handle stop failed", zap.String("handle_id", h.id), zap.Error(err))
	}
}

func asLaunchError(err error) (*browser.LaunchError, bool) {
	var le *browser.LaunchError
	if errors.As(err, &le) {
		return le, true
	}
	return nil, false
}
