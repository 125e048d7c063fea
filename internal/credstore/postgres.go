package credstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS crm_credentials (
	account_id    TEXT PRIMARY KEY,
	access_token  TEXT NOT NULL,
	refresh_token TEXT NOT NULL,
	expires_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
)`

type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

// PostgresStore persists credential records in a single-row-per-account table.
type PostgresStore struct {
	db      pgxQuerier
	closeFn func() error
}

// NewPostgresStore creates a Postgres-backed credential store over a pgx pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	closeFn := func() error { return nil }
	if pool != nil {
		closeFn = func() error {
			pool.Close()
			return nil
		}
	}
	return newPostgresStoreFromQuerier(pool, closeFn)
}

func newPostgresStoreFromQuerier(db pgxQuerier, closeFn func() error) *PostgresStore {
	if closeFn == nil {
		closeFn = func() error { return nil }
	}
	return &PostgresStore{db: db, closeFn: closeFn}
}

// EnsureSchema creates the credentials table when it does not exist yet.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("postgres store is not initialized")
	}
	if _, err := s.db.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("create credentials table: %w", err)
	}
	return nil
}

// Get returns the record for an account id.
func (s *PostgresStore) Get(ctx context.Context, accountID string) (Record, error) {
	if s == nil || s.db == nil {
		return Record{}, fmt.Errorf("postgres store is not initialized")
	}

	row := s.db.QueryRow(
		ctx,
		`SELECT access_token, refresh_token, expires_at FROM crm_credentials WHERE account_id = $1`,
		strings.TrimSpace(accountID),
	)

	var record Record
	var expiresAt time.Time
	if err := row.Scan(&record.AccessToken, &record.RefreshToken, &expiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("read credential row: %w", err)
	}

	record.AccountID = strings.TrimSpace(accountID)
	record.ExpiresAt = expiresAt
	return record, nil
}

// Upsert inserts or updates the single row for the record's account id.
func (s *PostgresStore) Upsert(ctx context.Context, record Record) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("postgres store is not initialized")
	}
	if err := validateRecord(record); err != nil {
		return err
	}

	_, err := s.db.Exec(
		ctx,
		`INSERT INTO crm_credentials (account_id, access_token, refresh_token, expires_at, updated_at)
		 VALUES ($1, $2, $3, $4, now())
		 ON CONFLICT (account_id) DO UPDATE SET
		   access_token = EXCLUDED.access_token,
		   refresh_token = EXCLUDED.refresh_token,
		   expires_at = EXCLUDED.expires_at,
		   updated_at = now()`,
		strings.TrimSpace(record.AccountID),
		record.AccessToken,
		record.RefreshToken,
		record.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("upsert credential row: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("postgres store is not initialized")
	}
	if err := s.db.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close closes the underlying pool.
func (s *PostgresStore) Close() error {
	if s == nil || s.closeFn == nil {
		return nil
	}
	return s.closeFn()
}
