package correlation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type storedPending struct {
	p         Pending
	expiresAt time.Time
}

// memStore behaves like the DynamoDB pending item: one entry per key, put
// returns the old entry, takes are conditional.
type memStore struct {
	mu      sync.Mutex
	entries map[Key]storedPending
	now     func() time.Time
	putErr  error
	takeErr error
}

func newMemStore() *memStore {
	return &memStore{entries: map[Key]storedPending{}, now: time.Now}
}

func (m *memStore) PutPending(_ context.Context, p Pending, expiresAt time.Time) (Pending, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return Pending{}, false, m.putErr
	}
	old, ok := m.entries[p.Key]
	m.entries[p.Key] = storedPending{p: p, expiresAt: expiresAt}
	return old.p, ok, nil
}

func (m *memStore) TakePending(_ context.Context, key Key, messageID string) (Pending, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.takeErr != nil {
		return Pending{}, false, m.takeErr
	}
	e, ok := m.entries[key]
	if !ok {
		return Pending{}, false, nil
	}
	if messageID != "" && e.p.MessageID != messageID {
		return Pending{}, false, nil
	}
	if messageID == "" && !m.now().Before(e.expiresAt) {
		return Pending{}, false, nil
	}
	delete(m.entries, key)
	return e.p, true, nil
}

func (m *memStore) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func newShared(t *testing.T, store Store, window time.Duration) *Shared {
	t.Helper()
	s, err := NewShared(store, window, nil)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestShared_OtherInstanceConsumes(t *testing.T) {
	store := newMemStore()
	recorder := newShared(t, store, 30*time.Millisecond)
	consumer := newShared(t, store, 30*time.Millisecond)

	var expired atomic.Int32
	_, _, err := recorder.Record(ctx, Pending{Key: key, ObjectID: "post-1", MessageID: "s1"}, func(Pending) { expired.Add(1) })
	require.NoError(t, err)
	require.Equal(t, 1, recorder.Len())
	require.Zero(t, consumer.Len())

	p, ok, err := consumer.Consume(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "s1", p.MessageID)

	require.Eventually(t, func() bool { return recorder.Len() == 0 }, time.Second, time.Millisecond)
	require.Zero(t, expired.Load())
}

func TestShared_ExpiryTakesShareFromStore(t *testing.T) {
	store := newMemStore()
	s := newShared(t, store, 10*time.Millisecond)
	got := make(chan Pending, 1)
	_, _, err := s.Record(ctx, Pending{Key: key, ObjectID: "post-1", MessageID: "s1"}, func(p Pending) { got <- p })
	require.NoError(t, err)

	select {
	case p := <-got:
		require.Equal(t, "post-1", p.ObjectID)
	case <-time.After(time.Second):
		t.Fatal("expiry callback not called")
	}
	require.Zero(t, store.len())
	require.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, time.Millisecond)
}

func TestShared_SupersededShareNeverResolves(t *testing.T) {
	store := newMemStore()
	first := newShared(t, store, 20*time.Millisecond)
	second := newShared(t, store, 20*time.Millisecond)

	var mu sync.Mutex
	var resolved []string
	onExpire := func(p Pending) {
		mu.Lock()
		resolved = append(resolved, p.MessageID)
		mu.Unlock()
	}
	_, replaced, err := first.Record(ctx, Pending{Key: key, MessageID: "s1"}, onExpire)
	require.NoError(t, err)
	require.False(t, replaced)
	old, replaced, err := second.Record(ctx, Pending{Key: key, MessageID: "s2"}, onExpire)
	require.NoError(t, err)
	require.True(t, replaced)
	require.Equal(t, "s1", old.MessageID)

	require.Eventually(t, func() bool { return first.Len() == 0 && second.Len() == 0 }, time.Second, time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"s2"}, resolved)
}

func TestShared_ConsumeAfterWindowMisses(t *testing.T) {
	store := newMemStore()
	now := time.Now()
	store.now = func() time.Time { return now.Add(time.Hour) }
	s := newShared(t, store, time.Minute)
	_, _, err := s.Record(ctx, Pending{Key: key, MessageID: "s1", CreatedAt: now}, nil)
	require.NoError(t, err)

	_, ok, err := s.Consume(ctx, key)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestShared_StoreErrors(t *testing.T) {
	store := newMemStore()
	store.putErr = errors.New("throttled")
	s := newShared(t, store, 10*time.Millisecond)

	_, _, err := s.Record(ctx, Pending{Key: key, MessageID: "s1"}, nil)
	require.ErrorContains(t, err, "throttled")
	require.Zero(t, s.Len())

	store.putErr = nil
	store.takeErr = errors.New("timeout")
	_, _, err = s.Consume(ctx, key)
	require.ErrorContains(t, err, "timeout")

	var expired atomic.Int32
	_, _, err = s.Record(ctx, Pending{Key: key, MessageID: "s2"}, func(Pending) { expired.Add(1) })
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, time.Millisecond)
	require.Zero(t, expired.Load())
}

// A text on one instance and the expiry on another race for the same share;
// exactly one of them must get it.
func TestShared_ConsumeAndExpiryAreMutuallyExclusive(t *testing.T) {
	for i := 0; i < 100; i++ {
		store := newMemStore()
		recorder := newShared(t, store, time.Millisecond)
		consumer := newShared(t, store, time.Millisecond)
		var expired, consumed atomic.Int32
		_, _, err := recorder.Record(ctx, Pending{Key: key, MessageID: "s1"}, func(Pending) { expired.Add(1) })
		require.NoError(t, err)

		time.Sleep(time.Millisecond)
		if _, ok, _ := consumer.Consume(ctx, key); ok {
			consumed.Add(1)
		}

		require.Eventually(t, func() bool { return recorder.Len() == 0 }, time.Second, time.Millisecond)
		require.Equal(t, int32(1), expired.Load()+consumed.Load(), "iteration %d", i)
	}
}

func TestShared_CloseStopsTimers(t *testing.T) {
	store := newMemStore()
	s := newShared(t, store, 10*time.Millisecond)
	var expired atomic.Int32
	_, _, err := s.Record(ctx, Pending{Key: key, MessageID: "s1"}, func(Pending) { expired.Add(1) })
	require.NoError(t, err)
	s.Close()
	require.Zero(t, s.Len())
	time.Sleep(30 * time.Millisecond)
	require.Zero(t, expired.Load())
	require.Equal(t, 1, store.len())
}

func TestNewShared_NilStore(t *testing.T) {
	_, err := NewShared(nil, time.Second, nil)
	require.Error(t, err)
}
