package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"
)

// fakeCounters tracks counter mutations per universe in memory.
type fakeCounters struct {
	mu       sync.Mutex
	counts   map[int64]int64
	failNext bool
}

func newFakeCounters() *fakeCounters {
	return &fakeCounters{counts: make(map[int64]int64)}
}

func (f *fakeCounters) IncrementClients(ctx context.Context, universeID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return errors.New("store unavailable")
	}
	f.counts[universeID]++
	return nil
}

func (f *fakeCounters) DecrementClients(ctx context.Context, universeID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return errors.New("store unavailable")
	}
	if f.counts[universeID] > 0 {
		f.counts[universeID]--
	}
	return nil
}

func (f *fakeCounters) get(universeID int64) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[universeID]
}

// fakeTransport records sent frames.
type fakeTransport struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
	code   int
}

func (f *fakeTransport) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, data)
	return nil
}

func (f *fakeTransport) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.code = code
	return nil
}

func newTestRegistry(t *testing.T, universeID int64) (*Registry, *fakeCounters) {
	t.Helper()
	counters := newFakeCounters()
	return New(universeID, counters, zaptest.NewLogger(t)), counters
}

func TestRegistryAddIncrementsCounter(t *testing.T) {
	r, counters := newTestRegistry(t, 123)
	ctx := context.Background()

	id := r.Add(ctx, &fakeTransport{}, NewSession(123, "key"))
	assert.NotEmpty(t, id)
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, int64(1), counters.get(123))
}

func TestRegistryRemoveDecrementsOnce(t *testing.T) {
	r, counters := newTestRegistry(t, 123)
	ctx := context.Background()

	id := r.Add(ctx, &fakeTransport{}, NewSession(123, "key"))
	require.Equal(t, int64(1), counters.get(123))

	assert.True(t, r.Remove(ctx, id))
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, int64(0), counters.get(123))

	// Error-then-close double teardown must not decrement twice.
	assert.False(t, r.Remove(ctx, id))
	assert.Equal(t, int64(0), counters.get(123))
}

func TestRegistryRemoveMarksSessionQuit(t *testing.T) {
	r, _ := newTestRegistry(t, 123)
	ctx := context.Background()

	sess := NewSession(123, "key")
	id := r.Add(ctx, &fakeTransport{}, sess)
	require.False(t, sess.Quit())

	r.Remove(ctx, id)
	assert.True(t, sess.Quit())
}

func TestRegistryGet(t *testing.T) {
	r, _ := newTestRegistry(t, 123)
	ctx := context.Background()

	sess := NewSession(123, "key")
	id := r.Add(ctx, &fakeTransport{}, sess)

	got, ok := r.Get(id)
	require.True(t, ok)
	assert.Same(t, sess, got)

	_, ok = r.Get("unknown")
	assert.False(t, ok)
}

func TestRegistryFindByUniverseFilters(t *testing.T) {
	r, _ := newTestRegistry(t, 123)
	ctx := context.Background()

	t1 := &fakeTransport{}
	t2 := &fakeTransport{}
	r.Add(ctx, t1, NewSession(123, "key"))
	r.Add(ctx, t2, NewSession(123, "key"))

	var seen []Transport
	for tr := range r.FindByUniverse(123) {
		seen = append(seen, tr)
	}
	assert.Len(t, seen, 2)
	assert.Contains(t, seen, Transport(t1))
	assert.Contains(t, seen, Transport(t2))

	count := 0
	for range r.FindByUniverse(999) {
		count++
	}
	assert.Zero(t, count)
}

func TestRegistryFindByUniverseSkipsQuitting(t *testing.T) {
	r, _ := newTestRegistry(t, 123)
	ctx := context.Background()

	sess := NewSession(123, "key")
	r.Add(ctx, &fakeTransport{}, sess)
	sess.MarkQuit()

	count := 0
	for range r.FindByUniverse(123) {
		count++
	}
	assert.Zero(t, count)
}

func TestRegistryFindByUniverseSnapshot(t *testing.T) {
	r, _ := newTestRegistry(t, 123)
	ctx := context.Background()

	id := r.Add(ctx, &fakeTransport{}, NewSession(123, "key"))

	seq := r.FindByUniverse(123)

	// Mutations after the snapshot are not observed by this iteration.
	r.Add(ctx, &fakeTransport{}, NewSession(123, "key"))
	r.Remove(ctx, id)

	count := 0
	for range seq {
		count++
	}
	assert.Equal(t, 1, count)
}

func TestRegistryFindByUniverseEarlyStop(t *testing.T) {
	r, _ := newTestRegistry(t, 123)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		r.Add(ctx, &fakeTransport{}, NewSession(123, "key"))
	}

	count := 0
	for range r.FindByUniverse(123) {
		count++
		if count == 2 {
			break
		}
	}
	assert.Equal(t, 2, count)
}

func TestRegistryRehydrateDoesNotRecount(t *testing.T) {
	counters := newFakeCounters()
	ctx := context.Background()

	// First incarnation: two connects, both counted.
	r1 := New(123, counters, zaptest.NewLogger(t))
	t1 := &fakeTransport{}
	t2 := &fakeTransport{}
	s1 := NewSession(123, "key")
	s2 := NewSession(123, "key")
	r1.Add(ctx, t1, s1)
	r1.Add(ctx, t2, s2)
	require.Equal(t, int64(2), counters.get(123))

	// Restart: transports survived, sessions recovered from attachments.
	r2 := New(123, counters, zaptest.NewLogger(t))
	handles := r2.Rehydrate(ctx, []Hibernated{
		{Transport: t1, Session: s1},
		{Transport: t2, Session: s2},
	})

	assert.Equal(t, 2, r2.Len())
	assert.Equal(t, int64(2), counters.get(123), "rehydrate must not re-count")
	for _, h := range handles {
		assert.NotEmpty(t, h)
	}
}

func TestRegistryRehydrateSkipsQuitting(t *testing.T) {
	r, counters := newTestRegistry(t, 123)
	ctx := context.Background()

	quitting := NewSession(123, "key")
	quitting.MarkQuit()

	handles := r.Rehydrate(ctx, []Hibernated{
		{Transport: &fakeTransport{}, Session: quitting},
		{Transport: &fakeTransport{}, Session: nil},
		{Transport: &fakeTransport{}, Session: NewSession(123, "key")},
	})

	assert.Equal(t, 1, r.Len())
	assert.Equal(t, int64(0), counters.get(123))
	assert.Empty(t, handles[0])
	assert.Empty(t, handles[1])
	assert.NotEmpty(t, handles[2])
}

func TestRegistryCounterFailureDoesNotBlockHandshake(t *testing.T) {
	r, counters := newTestRegistry(t, 123)
	ctx := context.Background()

	counters.failNext = true
	id := r.Add(ctx, &fakeTransport{}, NewSession(123, "key"))
	assert.NotEmpty(t, id, "Add must succeed despite counter failure")
	assert.Equal(t, 1, r.Len())

	counters.failNext = true
	assert.True(t, r.Remove(ctx, id), "Remove must succeed despite counter failure")
	assert.Equal(t, 0, r.Len())
}

func TestRegistryConcurrentAddRemove(t *testing.T) {
	r, counters := newTestRegistry(t, 123)
	ctx := context.Background()
	const n = 100

	ids := make([]string, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			ids[i] = r.Add(ctx, &fakeTransport{}, NewSession(123, "key"))
		}(i)
	}
	wg.Wait()
	assert.Equal(t, n, r.Len())
	assert.Equal(t, int64(n), counters.get(123))

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			r.Remove(ctx, ids[i])
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, int64(0), counters.get(123))
}

func TestSessionAttachmentRoundTrip(t *testing.T) {
	sess := NewSession(123, "cloud-key")

	raw, err := json.Marshal(sess)
	require.NoError(t, err)
	assert.JSONEq(t, `{"universeId":123,"cloudKey":"cloud-key","quit":false}`, string(raw))

	var restored Session
	require.NoError(t, json.Unmarshal(raw, &restored))
	assert.Equal(t, int64(123), restored.UniverseID)
	assert.Equal(t, "cloud-key", restored.Credential)
	assert.False(t, restored.Quit())
}

func TestSessionMarkQuitExactlyOnce(t *testing.T) {
	sess := NewSession(1, "k")
	assert.True(t, sess.MarkQuit())
	assert.False(t, sess.MarkQuit())
	assert.True(t, sess.Quit())
}

// Property: for any interleaving of connects, disconnects, and duplicate
// disconnects - with a restart in the middle - the durable counter equals
// the number of live connections.
func TestPropertyCounterMatchesLiveConnections(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		counters := newFakeCounters()
		ctx := context.Background()
		logger := zap.NewNop()

		r := New(1, counters, logger)

		live := make(map[string]*Session)
		var removed []string

		steps := rapid.IntRange(1, 40).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			switch rapid.IntRange(0, 3).Draw(t, fmt.Sprintf("op%d", i)) {
			case 0, 1: // connect
				sess := NewSession(1, "key")
				id := r.Add(ctx, &fakeTransport{}, sess)
				live[id] = sess
			case 2: // disconnect a live connection
				for id := range live {
					r.Remove(ctx, id)
					delete(live, id)
					removed = append(removed, id)
					break
				}
			case 3: // duplicate disconnect
				if len(removed) > 0 {
					r.Remove(ctx, removed[0])
				}
			}
		}

		if got := counters.get(1); got != int64(len(live)) {
			t.Fatalf("counter = %d, live connections = %d", got, len(live))
		}

		// Restart: all live connections survive and are rehydrated.
		var hibernated []Hibernated
		for _, sess := range live {
			hibernated = append(hibernated, Hibernated{Transport: &fakeTransport{}, Session: sess})
		}
		r2 := New(1, counters, logger)
		r2.Rehydrate(ctx, hibernated)

		if got := counters.get(1); got != int64(len(live)) {
			t.Fatalf("counter after restart = %d, live connections = %d", got, len(live))
		}
		if r2.Len() != len(live) {
			t.Fatalf("registry after restart has %d connections, want %d", r2.Len(), len(live))
		}
	})
}
