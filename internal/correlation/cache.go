// Package correlation pairs a share event with the text event that follows it
// from the same sender, or resolves the share on its own after a fixed window.
package correlation

import (
	"context"
	"sync"
	"time"
)

const DefaultWindow = 2 * time.Second

// Key identifies one conversation.
type Key struct {
	TenantID string
	SenderID string
}

// Pending is a share waiting for a follow-up text.
type Pending struct {
	Key
	PageID    string
	ObjectID  string
	MessageID string
	CreatedAt time.Time
}

type entry struct {
	pending Pending
	timer   *time.Timer
}

// Cache is the in-process correlator. It holds at most one Pending per key.
// An entry leaves the cache exactly once, either through Consume or through
// expiry; whichever takes the lock first wins and the other observes absence.
// Pairing only works for events that reach the same process, so a deployment
// running many short-lived instances uses Shared instead.
type Cache struct {
	window time.Duration
	now    func() time.Time

	mu        sync.Mutex
	entries   map[Key]*entry
	resolving int
	closed    bool
}

func New(window time.Duration) *Cache {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Cache{
		window:  window,
		now:     time.Now,
		entries: make(map[Key]*entry),
	}
}

// Record stores p, replacing any unresolved entry for the same key, and
// schedules onExpire to run with p once the window elapses without a Consume.
// onExpire runs on its own goroutine. The replaced entry, if any, is returned
// and will never be resolved.
func (c *Cache) Record(_ context.Context, p Pending, onExpire func(Pending)) (Pending, bool, error) {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = c.now()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return Pending{}, false, nil
	}
	var superseded Pending
	old, replaced := c.entries[p.Key]
	if replaced {
		old.timer.Stop()
		superseded = old.pending
	}
	e := &entry{pending: p}
	e.timer = time.AfterFunc(c.window, func() { c.expire(e, onExpire) })
	c.entries[p.Key] = e
	return superseded, replaced, nil
}

// Consume removes and returns the entry for key.
func (c *Cache) Consume(_ context.Context, key Key) (Pending, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return Pending{}, false, nil
	}
	e.timer.Stop()
	delete(c.entries, key)
	return e.pending, true, nil
}

func (c *Cache) expire(e *entry, onExpire func(Pending)) {
	c.mu.Lock()
	if c.entries[e.pending.Key] != e {
		// consumed or superseded
		c.mu.Unlock()
		return
	}
	delete(c.entries, e.pending.Key)
	c.resolving++
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.resolving--
		c.mu.Unlock()
	}()
	if onExpire != nil {
		onExpire(e.pending)
	}
}

// Len counts waiting entries plus expiry callbacks still running.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries) + c.resolving
}

// Close stops all timers and drops unresolved entries.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		e.timer.Stop()
		delete(c.entries, k)
	}
	c.closed = true
}
