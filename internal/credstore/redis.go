package credstore

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type redisCommander interface {
	HSet(ctx context.Context, key string, values ...any) *redis.IntCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// RedisStoreConfig configures the Redis-backed credential store.
type RedisStoreConfig struct {
	Namespace string
}

// RedisStore keeps one namespaced hash per account id.
type RedisStore struct {
	client    redisCommander
	closeFn   func() error
	namespace string
}

// NewRedisStore creates a Redis-backed credential store.
func NewRedisStore(client redis.UniversalClient, cfg RedisStoreConfig) *RedisStore {
	closeFn := func() error { return nil }
	if client != nil {
		closeFn = client.Close
	}
	return newRedisStoreFromCommander(client, closeFn, cfg)
}

func newRedisStoreFromCommander(client redisCommander, closeFn func() error, cfg RedisStoreConfig) *RedisStore {
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "crm-audit"
	}
	if closeFn == nil {
		closeFn = func() error { return nil }
	}

	return &RedisStore{
		client:    client,
		closeFn:   closeFn,
		namespace: namespace,
	}
}

// Get returns the record for an account id.
func (s *RedisStore) Get(ctx context.Context, accountID string) (Record, error) {
	if s == nil || s.client == nil {
		return Record{}, fmt.Errorf("redis store is not initialized")
	}

	fields, err := s.client.HGetAll(ctx, s.recordKey(accountID)).Result()
	if err != nil {
		return Record{}, fmt.Errorf("read credential hash: %w", err)
	}
	if len(fields) == 0 {
		return Record{}, ErrNotFound
	}

	record, ok := decodeRecord(accountID, fields)
	if !ok {
		return Record{}, fmt.Errorf("decode credential hash for account %q", accountID)
	}
	return record, nil
}

// Upsert writes the record hash for its account id. HSET overwrites field by
// field, so the account key stays single-valued.
func (s *RedisStore) Upsert(ctx context.Context, record Record) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("redis store is not initialized")
	}
	if err := validateRecord(record); err != nil {
		return err
	}

	fields := map[string]any{
		"access_token":  record.AccessToken,
		"refresh_token": record.RefreshToken,
		"expires_at":    strconv.FormatInt(record.ExpiresAt.UnixNano(), 10),
	}
	if err := s.client.HSet(ctx, s.recordKey(record.AccountID), fields).Err(); err != nil {
		return fmt.Errorf("write credential hash: %w", err)
	}
	return nil
}

// Ping verifies Redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("redis store is not initialized")
	}
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	if s == nil || s.closeFn == nil {
		return nil
	}
	return s.closeFn()
}

func (s *RedisStore) recordKey(accountID string) string {
	return s.namespace + ":credentials:" + strings.TrimSpace(accountID)
}

func decodeRecord(accountID string, fields map[string]string) (Record, bool) {
	refreshToken := fields["refresh_token"]
	if refreshToken == "" {
		return Record{}, false
	}

	expiresAtNanos, err := strconv.ParseInt(fields["expires_at"], 10, 64)
	if err != nil {
		return Record{}, false
	}

	return Record{
		AccountID:    strings.TrimSpace(accountID),
		AccessToken:  fields["access_token"],
		RefreshToken: refreshToken,
		ExpiresAt:    time.Unix(0, expiresAtNanos),
	}, true
}
