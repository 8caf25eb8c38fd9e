package correlation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const defaultTakeTimeout = 5 * time.Second

// Store keeps pending shares where every instance can reach them. Both
// methods must be atomic per key.
type Store interface {
	// PutPending stores p, open for consumption until expiresAt, and returns
	// the entry it replaced.
	PutPending(ctx context.Context, p Pending, expiresAt time.Time) (Pending, bool, error)
	// TakePending deletes and returns the entry for key. With a messageID it
	// takes only that share, expired or not; without one it takes only an
	// entry still open for consumption.
	TakePending(ctx context.Context, key Key, messageID string) (Pending, bool, error)
}

type handle struct {
	timer *time.Timer
}

// Shared is a correlator whose entries live in a Store, so a text handled by
// one instance can consume a share recorded by another. The recording
// instance keeps a local timer per share and, when it fires, takes the share
// back out of the store; the conditional take decides between the text and
// the expiry. Len counts only this instance's timers and callbacks.
type Shared struct {
	store       Store
	window      time.Duration
	takeTimeout time.Duration
	now         func() time.Time
	logger      *slog.Logger

	mu      sync.Mutex
	timers  map[*handle]struct{}
	running int
	closed  bool
}

func NewShared(store Store, window time.Duration, logger *slog.Logger) (*Shared, error) {
	if store == nil {
		return nil, errors.New("correlation: store must not be nil")
	}
	if window <= 0 {
		window = DefaultWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Shared{
		store:       store,
		window:      window,
		takeTimeout: defaultTakeTimeout,
		now:         time.Now,
		logger:      logger.With("component", "correlation"),
		timers:      make(map[*handle]struct{}),
	}, nil
}

// Record stores p and schedules its expiry. The replaced entry, if any, is
// returned; its own timer finds it gone and does nothing.
func (s *Shared) Record(ctx context.Context, p Pending, onExpire func(Pending)) (Pending, bool, error) {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return Pending{}, false, nil
	}

	superseded, replaced, err := s.store.PutPending(ctx, p, p.CreatedAt.Add(s.window))
	if err != nil {
		return Pending{}, false, fmt.Errorf("correlation: Record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		h := &handle{}
		h.timer = time.AfterFunc(s.window, func() { s.expire(h, p, onExpire) })
		s.timers[h] = struct{}{}
	}
	return superseded, replaced, nil
}

// Consume takes the open entry for key, wherever it was recorded.
func (s *Shared) Consume(ctx context.Context, key Key) (Pending, bool, error) {
	p, ok, err := s.store.TakePending(ctx, key, "")
	if err != nil {
		return Pending{}, false, fmt.Errorf("correlation: Consume: %w", err)
	}
	return p, ok, nil
}

func (s *Shared) expire(h *handle, p Pending, onExpire func(Pending)) {
	s.mu.Lock()
	if _, ok := s.timers[h]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.timers, h)
	s.running++
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running--
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.takeTimeout)
	defer cancel()
	taken, ok, err := s.store.TakePending(ctx, p.Key, p.MessageID)
	if err != nil {
		s.logger.Error("pending share not resolved", "tenant_id", p.TenantID, "sender_id", p.SenderID, "mid", p.MessageID, "err", err)
		return
	}
	if !ok {
		// consumed or superseded, possibly by another instance
		return
	}
	if onExpire != nil {
		onExpire(taken)
	}
}

// Len counts this instance's scheduled expiries plus callbacks still running.
func (s *Shared) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers) + s.running
}

// Close stops local timers. Entries already stored stay until their TTL.
func (s *Shared) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for h := range s.timers {
		h.timer.Stop()
		delete(s.timers, h)
	}
	s.closed = true
}
