package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used for development and tests.
// Credentials are encrypted at rest exactly like the PostgreSQL backend;
// counters live beside them under "{universeId}:clients" keys.
// All methods are safe for concurrent use.
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[string][]byte
	cipher *Cipher
}

// NewMemoryStore creates an empty MemoryStore using the given cipher.
//
// Precondition: cipher must be non-nil.
func NewMemoryStore(cipher *Cipher) *MemoryStore {
	return &MemoryStore{
		data:   make(map[string][]byte),
		cipher: cipher,
	}
}

func credentialKey(universeID int64) string {
	return strconv.FormatInt(universeID, 10)
}

func clientsKey(universeID int64) string {
	return fmt.Sprintf("%d:clients", universeID)
}

// PutCredential encrypts and stores the credential for a universe.
func (s *MemoryStore) PutCredential(ctx context.Context, universeID int64, credential string) error {
	blob, err := s.cipher.Encrypt(credential)
	if err != nil {
		return fmt.Errorf("encrypting credential: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[credentialKey(universeID)] = blob
	return nil
}

// GetCredential returns the decrypted credential for a universe.
//
// Postcondition: Returns ErrUniverseNotFound if no credential is stored.
func (s *MemoryStore) GetCredential(ctx context.Context, universeID int64) (string, error) {
	s.mu.RLock()
	blob, ok := s.data[credentialKey(universeID)]
	s.mu.RUnlock()

	if !ok {
		return "", ErrUniverseNotFound
	}
	return s.cipher.Decrypt(blob)
}

// DeleteCredential removes a universe's credential.
//
// Postcondition: Returns ErrUniverseNotFound if no credential was stored.
func (s *MemoryStore) DeleteCredential(ctx context.Context, universeID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := credentialKey(universeID)
	if _, ok := s.data[key]; !ok {
		return ErrUniverseNotFound
	}
	delete(s.data, key)
	return nil
}

// ListUniverses returns all registered universe ids in ascending order.
// Counter keys are not universes and are excluded.
func (s *MemoryStore) ListUniverses(ctx context.Context) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]int64, 0, len(s.data))
	for key := range s.data {
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// IncrementClients adds one to the universe's live-client counter.
func (s *MemoryStore) IncrementClients(ctx context.Context, universeID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.readCounterLocked(universeID)
	s.data[clientsKey(universeID)] = []byte(strconv.FormatInt(n+1, 10))
	return nil
}

// DecrementClients subtracts one from the counter, clamping at zero.
func (s *MemoryStore) DecrementClients(ctx context.Context, universeID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.readCounterLocked(universeID)
	if n > 0 {
		n--
	}
	s.data[clientsKey(universeID)] = []byte(strconv.FormatInt(n, 10))
	return nil
}

// GetClients returns the counter value, zero if absent.
func (s *MemoryStore) GetClients(ctx context.Context, universeID int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readCounterLocked(universeID), nil
}

func (s *MemoryStore) readCounterLocked(universeID int64) int64 {
	raw, ok := s.data[clientsKey(universeID)]
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// Health always reports healthy for the in-memory backend.
func (s *MemoryStore) Health(ctx context.Context, timeout time.Duration) error {
	return nil
}

// Close is a no-op for the in-memory backend.
func (s *MemoryStore) Close() {}
