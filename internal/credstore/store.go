package credstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ErrNotFound is returned when no credential record exists for an account.
var ErrNotFound = errors.New("credential record not found")

// Record is the persisted OAuth token state for one CRM account.
type Record struct {
	AccountID    string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Store persists credential records keyed by account id. Upsert must never
// produce more than one record per account.
type Store interface {
	Get(ctx context.Context, accountID string) (Record, error)
	Upsert(ctx context.Context, record Record) error
	Ping(ctx context.Context) error
	Close() error
}

func validateRecord(record Record) error {
	if strings.TrimSpace(record.AccountID) == "" {
		return fmt.Errorf("account id is required")
	}
	if record.RefreshToken == "" {
		return fmt.Errorf("refresh token is required")
	}
	return nil
}

// MemoryStore is an in-memory credential store for tests and local runs.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStore creates a memory-backed credential store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// Get returns the record for an account id.
func (s *MemoryStore) Get(_ context.Context, accountID string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[strings.TrimSpace(accountID)]
	if !ok {
		return Record{}, ErrNotFound
	}
	return record, nil
}

// Upsert inserts or replaces the record for its account id.
func (s *MemoryStore) Upsert(_ context.Context, record Record) error {
	if err := validateRecord(record); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	record.AccountID = strings.TrimSpace(record.AccountID)
	s.records[record.AccountID] = record
	return nil
}

// Ping reports the store as always reachable.
func (s *MemoryStore) Ping(_ context.Context) error {
	return nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error {
	return nil
}
