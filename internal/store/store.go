// Package store provides encrypted credential persistence for universes and
// the per-universe live-client counter namespace.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrUniverseNotFound is returned when a credential lookup yields no results.
var ErrUniverseNotFound = errors.New("universe does not exist")

// ErrUniverseExists is returned when attempting to register a duplicate universe.
var ErrUniverseExists = errors.New("universe already exists")

// Store persists publish credentials encrypted at rest, plus a plaintext
// live-client counter kept in a separate sub-namespace keyed by universe id.
//
// Counter mutations are best-effort from the caller's point of view: the
// registry never fails a connect or close handshake over a counter error.
type Store interface {
	// PutCredential writes (or overwrites) the credential for a universe.
	PutCredential(ctx context.Context, universeID int64, credential string) error
	// GetCredential returns the decrypted credential for a universe,
	// or ErrUniverseNotFound.
	GetCredential(ctx context.Context, universeID int64) (string, error)
	// DeleteCredential removes a universe's credential,
	// or returns ErrUniverseNotFound.
	DeleteCredential(ctx context.Context, universeID int64) error
	// ListUniverses returns the ids of all registered universes in ascending order.
	ListUniverses(ctx context.Context) ([]int64, error)

	// IncrementClients adds one to the universe's live-client counter,
	// creating it at 1 if absent.
	IncrementClients(ctx context.Context, universeID int64) error
	// DecrementClients subtracts one from the counter, clamping at zero.
	DecrementClients(ctx context.Context, universeID int64) error
	// GetClients returns the counter value, zero if absent.
	GetClients(ctx context.Context, universeID int64) (int64, error)

	// Health reports whether the backing store is reachable.
	Health(ctx context.Context, timeout time.Duration) error
	// Close releases store resources.
	Close()
}
