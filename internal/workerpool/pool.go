package workerpool

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

var (
	ErrQueueFull = errors.New("workerpool: queue full")
	ErrClosed    = errors.New("workerpool: closed")
)

// Task is one unit of work. ctx is the pool's base context.
type Task func(ctx context.Context)

// Pool runs tasks on a fixed number of workers fed by a bounded queue.
// A panicking task is logged and does not take its worker down.
type Pool struct {
	ctx    context.Context
	logger *slog.Logger
	tasks  chan Task
	group  *errgroup.Group

	mu      sync.RWMutex
	closed  bool
	pending atomic.Int64
}

func New(ctx context.Context, workers, queueSize int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		ctx:    ctx,
		logger: logger,
		tasks:  make(chan Task, queueSize),
		group:  &errgroup.Group{},
	}
	for i := 0; i < workers; i++ {
		p.group.Go(func() error {
			for t := range p.tasks {
				p.run(t)
			}
			return nil
		})
	}
	return p
}

func (p *Pool) run(t Task) {
	defer p.pending.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker task panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	t(p.ctx)
}

// TrySubmit enqueues t without blocking.
func (p *Pool) TrySubmit(t Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	p.pending.Add(1)
	select {
	case p.tasks <- t:
		return nil
	default:
		p.pending.Add(-1)
		return ErrQueueFull
	}
}

// Submit enqueues t, waiting for queue space until ctx is done.
func (p *Pool) Submit(ctx context.Context, t Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	p.pending.Add(1)
	select {
	case p.tasks <- t:
		return nil
	case <-ctx.Done():
		p.pending.Add(-1)
		return ctx.Err()
	}
}

// Pending is the number of queued plus running tasks.
func (p *Pool) Pending() int64 {
	return p.pending.Load()
}

// QueueDepth is the number of tasks waiting for a worker.
func (p *Pool) QueueDepth() int {
	return len(p.tasks)
}

// Close stops accepting tasks and waits for queued ones to finish.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()
	return p.group.Wait()
}
