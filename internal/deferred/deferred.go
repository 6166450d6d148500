// Package deferred runs units of background work on one dedicated
// worker goroutine and hands out future-like handles. The scheduler
// submits task bodies here so the tick loop never blocks on a run.
package deferred

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const defaultQueueSize = 256

var (
	// ErrQueueFull is returned by Submit when the queue is saturated.
	ErrQueueFull = errors.New("deferred: queue full")
	// ErrResultTimeout is returned by Result when the work has not
	// settled within the timeout. Distinct from the work's own error.
	ErrResultTimeout = errors.New("deferred: result timeout")
	// ErrKilled is the settled error of killed work.
	ErrKilled = errors.New("deferred: killed")
	// ErrStopped is returned by Submit after the engine shut down, and
	// is the settled error of work drained without running.
	ErrStopped = errors.New("deferred: engine stopped")
)

// Fn is a unit of background work. It must honor ctx cancellation for
// Kill to take effect mid-run.
type Fn func(ctx context.Context) (any, error)

// Handle is the future for one submitted unit of work.
type Handle struct {
	done chan struct{}

	mu     sync.Mutex
	value  any
	err    error
	cancel context.CancelFunc

	killed atomic.Bool
}

// Done returns a channel that is closed once the work settles.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Ready reports whether the work has settled.
func (h *Handle) Ready() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Result blocks until the work settles or the timeout passes. A timeout
// returns ErrResultTimeout and leaves the work running.
func (h *Handle) Result(timeout time.Duration) (any, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.value, h.err
	case <-timer.C:
		return nil, ErrResultTimeout
	}
}

// Kill cancels the work. Not-yet-started work is skipped entirely;
// running work gets its context cancelled and settles with whatever the
// body returns, or ErrKilled if it returns cleanly after the cancel.
func (h *Handle) Kill() {
	h.killed.Store(true)
	h.mu.Lock()
	cancel := h.cancel
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (h *Handle) setCancel(cancel context.CancelFunc) {
	h.mu.Lock()
	h.cancel = cancel
	h.mu.Unlock()
}

func (h *Handle) settle(value any, err error) {
	h.mu.Lock()
	h.value = value
	h.err = err
	h.mu.Unlock()
	close(h.done)
}

type invocation struct {
	fn     Fn
	handle *Handle
}

// Engine owns the worker goroutine. The worker starts lazily on the
// first Submit and lives until Stop.
type Engine struct {
	logger *slog.Logger
	queue  chan *invocation

	startOnce sync.Once
	stopOnce  sync.Once
	stopped   atomic.Bool
	baseCtx   context.Context
	baseStop  context.CancelFunc
	wg        sync.WaitGroup
}

// New creates an engine. The worker is not started until the first Submit.
func New(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		logger:   logger,
		queue:    make(chan *invocation, defaultQueueSize),
		baseCtx:  ctx,
		baseStop: cancel,
	}
}

// Submit enqueues work and returns its handle without blocking.
func (e *Engine) Submit(fn Fn) (*Handle, error) {
	if e.stopped.Load() {
		return nil, ErrStopped
	}
	e.startOnce.Do(func() {
		e.wg.Add(1)
		go e.worker()
	})

	h := &Handle{done: make(chan struct{})}
	select {
	case e.queue <- &invocation{fn: fn, handle: h}:
		return h, nil
	default:
		return nil, ErrQueueFull
	}
}

// Stop shuts the engine down: the current unit finishes, queued units
// settle with ErrStopped, and the worker exits.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.stopped.Store(true)
		e.baseStop()
	})
	e.wg.Wait()
}

func (e *Engine) worker() {
	defer e.wg.Done()
	for {
		select {
		case <-e.baseCtx.Done():
			e.drain()
			return
		case inv := <-e.queue:
			e.run(inv)
		}
	}
}

func (e *Engine) drain() {
	for {
		select {
		case inv := <-e.queue:
			inv.handle.settle(nil, ErrStopped)
		default:
			return
		}
	}
}

// run executes one unit. Panics settle the handle instead of taking
// down the worker.
func (e *Engine) run(inv *invocation) {
	h := inv.handle
	if h.killed.Load() {
		h.settle(nil, ErrKilled)
		return
	}

	ctx, cancel := context.WithCancel(e.baseCtx)
	h.setCancel(cancel)
	defer cancel()

	var value any
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("deferred: panic: %v", r)
				e.logger.Error("background work panicked", "panic", r)
			}
		}()
		value, err = inv.fn(ctx)
	}()

	if h.killed.Load() && err == nil {
		err = ErrKilled
	}
	h.settle(value, err)
}
