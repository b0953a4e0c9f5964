package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// PostgresStore persists universe credentials and client counters in
// PostgreSQL. Credentials are AES-256-GCM encrypted before they reach the
// database; counters are stored as plain integers in their own table.
type PostgresStore struct {
	pool   *Pool
	cipher *Cipher
}

// NewPostgresStore creates a PostgresStore backed by the given pool.
//
// Precondition: pool must be open; cipher must be non-nil.
func NewPostgresStore(pool *Pool, cipher *Cipher) *PostgresStore {
	return &PostgresStore{pool: pool, cipher: cipher}
}

// PutCredential encrypts and upserts the credential for a universe.
func (s *PostgresStore) PutCredential(ctx context.Context, universeID int64, credential string) error {
	blob, err := s.cipher.Encrypt(credential)
	if err != nil {
		return fmt.Errorf("encrypting credential: %w", err)
	}

	_, err = s.pool.DB().Exec(ctx,
		`INSERT INTO universes (universe_id, credential)
		 VALUES ($1, $2)
		 ON CONFLICT (universe_id)
		 DO UPDATE SET credential = EXCLUDED.credential, updated_at = now()`,
		universeID, blob,
	)
	if err != nil {
		return fmt.Errorf("upserting credential: %w", err)
	}
	return nil
}

// GetCredential returns the decrypted credential for a universe.
//
// Postcondition: Returns ErrUniverseNotFound if the universe is not registered.
func (s *PostgresStore) GetCredential(ctx context.Context, universeID int64) (string, error) {
	var blob []byte
	err := s.pool.DB().QueryRow(ctx,
		`SELECT credential FROM universes WHERE universe_id = $1`,
		universeID,
	).Scan(&blob)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrUniverseNotFound
		}
		return "", fmt.Errorf("querying credential: %w", err)
	}
	return s.cipher.Decrypt(blob)
}

// DeleteCredential removes a universe's credential. The counter row is kept;
// a re-registered universe resumes from its last counted value.
//
// Postcondition: Returns ErrUniverseNotFound if the universe was not registered.
func (s *PostgresStore) DeleteCredential(ctx context.Context, universeID int64) error {
	tag, err := s.pool.DB().Exec(ctx,
		`DELETE FROM universes WHERE universe_id = $1`,
		universeID,
	)
	if err != nil {
		return fmt.Errorf("deleting credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUniverseNotFound
	}
	return nil
}

// ListUniverses returns all registered universe ids in ascending order.
func (s *PostgresStore) ListUniverses(ctx context.Context) ([]int64, error) {
	rows, err := s.pool.DB().Query(ctx,
		`SELECT universe_id FROM universes ORDER BY universe_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing universes: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning universe id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating universes: %w", err)
	}
	return ids, nil
}

// IncrementClients adds one to the universe's live-client counter.
func (s *PostgresStore) IncrementClients(ctx context.Context, universeID int64) error {
	_, err := s.pool.DB().Exec(ctx,
		`INSERT INTO universe_clients (universe_id, clients)
		 VALUES ($1, 1)
		 ON CONFLICT (universe_id)
		 DO UPDATE SET clients = universe_clients.clients + 1`,
		universeID,
	)
	if err != nil {
		return fmt.Errorf("incrementing clients: %w", err)
	}
	return nil
}

// DecrementClients subtracts one from the counter, clamping at zero.
func (s *PostgresStore) DecrementClients(ctx context.Context, universeID int64) error {
	_, err := s.pool.DB().Exec(ctx,
		`UPDATE universe_clients
		 SET clients = GREATEST(clients - 1, 0)
		 WHERE universe_id = $1`,
		universeID,
	)
	if err != nil {
		return fmt.Errorf("decrementing clients: %w", err)
	}
	return nil
}

// GetClients returns the counter value, zero if the universe was never counted.
func (s *PostgresStore) GetClients(ctx context.Context, universeID int64) (int64, error) {
	var clients int64
	err := s.pool.DB().QueryRow(ctx,
		`SELECT clients FROM universe_clients WHERE universe_id = $1`,
		universeID,
	).Scan(&clients)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("querying clients: %w", err)
	}
	return clients, nil
}

// Health checks that the database is reachable within the given timeout.
func (s *PostgresStore) Health(ctx context.Context, timeout time.Duration) error {
	return s.pool.Health(ctx, timeout)
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}
