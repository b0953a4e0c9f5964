// Package registry tracks the live relay connections of a single universe
// and keeps the durable live-client counter in step with them.
package registry

import (
	"context"
	"iter"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Transport is the duplex channel to one remote peer. Implementations must
// tolerate Send and Close being called after the peer is gone.
type Transport interface {
	// Send queues a frame for delivery.
	Send(data []byte) error
	// Close tears the channel down with a close code and reason.
	Close(code int, reason string) error
}

// CounterStore is the durable live-client counter surface the registry uses.
// Counter failures are logged and swallowed: an inconsistent counter is a
// visible degradation, never a reason to refuse a connection.
type CounterStore interface {
	IncrementClients(ctx context.Context, universeID int64) error
	DecrementClients(ctx context.Context, universeID int64) error
}

// Hibernated pairs a transport that outlived a registry restart with the
// session metadata that was attached to it before the restart.
type Hibernated struct {
	Transport Transport
	Session   *Session
}

type entry struct {
	transport Transport
	session   *Session
}

// Registry owns the authoritative in-memory connection set for one universe.
// All methods are safe for concurrent use.
type Registry struct {
	universeID int64
	counters   CounterStore
	logger     *zap.Logger

	mu    sync.RWMutex
	conns map[string]*entry
}

// New creates an empty Registry for the given universe.
//
// Precondition: counters and logger must be non-nil.
func New(universeID int64, counters CounterStore, logger *zap.Logger) *Registry {
	return &Registry{
		universeID: universeID,
		counters:   counters,
		logger:     logger.With(zap.Int64("universe_id", universeID)),
		conns:      make(map[string]*entry),
	}
}

// UniverseID returns the universe this registry serves.
func (r *Registry) UniverseID() int64 {
	return r.universeID
}

// Rehydrate re-inserts connections that survived a registry restart.
// The durable counter is NOT incremented: each connection was counted by its
// original Add, and the counter lives in durable storage precisely so a
// restart does not disturb it.
//
// Precondition: must be called once, before any Add or message dispatch.
// Postcondition: Returns the handle assigned to each hibernated connection,
// in input order. Entries already quitting are skipped and get an empty handle.
func (r *Registry) Rehydrate(ctx context.Context, conns []Hibernated) []string {
	handles := make([]string, len(conns))

	r.mu.Lock()
	for i, hc := range conns {
		if hc.Session == nil || hc.Session.Quit() {
			continue
		}
		id := uuid.NewString()
		r.conns[id] = &entry{transport: hc.Transport, session: hc.Session}
		handles[i] = id
	}
	recovered := len(r.conns)
	r.mu.Unlock()

	if recovered > 0 {
		r.logger.Info("rehydrated connections",
			zap.Int("count", recovered),
		)
	}
	return handles
}

// Add inserts a new connection produced by a successful connect handshake
// and increments the durable live-client counter.
//
// Precondition: sess must be non-nil and not quitting.
// Postcondition: Returns the opaque handle identifying the connection.
func (r *Registry) Add(ctx context.Context, t Transport, sess *Session) string {
	id := uuid.NewString()

	r.mu.Lock()
	r.conns[id] = &entry{transport: t, session: sess}
	total := len(r.conns)
	r.mu.Unlock()

	if err := r.counters.IncrementClients(ctx, sess.UniverseID); err != nil {
		r.logger.Warn("client counter increment failed",
			zap.Error(err),
		)
	}

	r.logger.Debug("connection added",
		zap.String("conn_id", id),
		zap.Int("connections", total),
	)
	return id
}

// Remove marks the connection as quitting, deletes it from the set, and
// decrements the durable counter. Removing an unknown handle is a no-op,
// so the decrement happens exactly once per successful Add.
//
// Postcondition: Returns true if the connection was present.
func (r *Registry) Remove(ctx context.Context, id string) bool {
	r.mu.Lock()
	e, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	e.session.MarkQuit()
	delete(r.conns, id)
	total := len(r.conns)
	r.mu.Unlock()

	if err := r.counters.DecrementClients(ctx, e.session.UniverseID); err != nil {
		r.logger.Warn("client counter decrement failed",
			zap.Error(err),
		)
	}

	r.logger.Debug("connection removed",
		zap.String("conn_id", id),
		zap.Int("connections", total),
	)
	return true
}

// Get returns the session for the given handle.
//
// Postcondition: Returns (session, true) if the connection is registered,
// or (nil, false) otherwise.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[id]
	if !ok {
		return nil, false
	}
	return e.session, true
}

// FindByUniverse yields the transports and sessions registered for the given
// universe at the moment of the call. The sequence is a point-in-time
// snapshot: connections added or removed while the caller iterates may or
// may not be observed, and quitting sessions are never yielded.
func (r *Registry) FindByUniverse(universeID int64) iter.Seq2[Transport, *Session] {
	r.mu.RLock()
	snapshot := make([]*entry, 0, len(r.conns))
	for _, e := range r.conns {
		if e.session.UniverseID == universeID && !e.session.Quit() {
			snapshot = append(snapshot, e)
		}
	}
	r.mu.RUnlock()

	return func(yield func(Transport, *Session) bool) {
		for _, e := range snapshot {
			if !yield(e.transport, e.session) {
				return
			}
		}
	}
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
