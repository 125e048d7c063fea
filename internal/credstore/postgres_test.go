package credstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakePgxRow struct {
	record Record
	err    error
}

func (r *fakePgxRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != 3 {
		return fmt.Errorf("unexpected scan destination count %d", len(dest))
	}
	*dest[0].(*string) = r.record.AccessToken
	*dest[1].(*string) = r.record.RefreshToken
	*dest[2].(*time.Time) = r.record.ExpiresAt
	return nil
}

type fakePgxQuerier struct {
	rows       map[string]Record
	schemaDone bool
	execErr    error
	pingErr    error
}

func newFakePgxQuerier() *fakePgxQuerier {
	return &fakePgxQuerier{rows: make(map[string]Record)}
}

func (f *fakePgxQuerier) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if f.execErr != nil {
		return pgconn.CommandTag{}, f.execErr
	}
	if strings.Contains(sql, "CREATE TABLE") {
		f.schemaDone = true
		return pgconn.NewCommandTag("CREATE TABLE"), nil
	}
	if len(args) != 4 {
		return pgconn.CommandTag{}, fmt.Errorf("unexpected upsert arg count %d", len(args))
	}
	f.rows[args[0].(string)] = Record{
		AccountID:    args[0].(string),
		AccessToken:  args[1].(string),
		RefreshToken: args[2].(string),
		ExpiresAt:    args[3].(time.Time),
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (f *fakePgxQuerier) QueryRow(_ context.Context, _ string, args ...any) pgx.Row {
	accountID, _ := args[0].(string)
	record, ok := f.rows[accountID]
	if !ok {
		return &fakePgxRow{err: pgx.ErrNoRows}
	}
	return &fakePgxRow{record: record}
}

func (f *fakePgxQuerier) Ping(_ context.Context) error {
	return f.pingErr
}

func TestPostgresStoreEnsureSchema(t *testing.T) {
	t.Parallel()

	querier := newFakePgxQuerier()
	store := newPostgresStoreFromQuerier(querier, nil)

	if err := store.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema() error = %v", err)
	}
	if !querier.schemaDone {
		t.Fatal("EnsureSchema() did not execute the create-table statement")
	}
}

func TestPostgresStoreRoundTrip(t *testing.T) {
	t.Parallel()

	store := newPostgresStoreFromQuerier(newFakePgxQuerier(), nil)

	expiry := time.Now().Add(time.Hour).Truncate(time.Microsecond)
	record := Record{
		AccountID:    "144899",
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    expiry,
	}
	if err := store.Upsert(context.Background(), record); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	got, err := store.Get(context.Background(), "144899")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != record {
		t.Fatalf("Get() = %+v, want %+v", got, record)
	}
}

func TestPostgresStoreGetMissing(t *testing.T) {
	t.Parallel()

	store := newPostgresStoreFromQuerier(newFakePgxQuerier(), nil)
	_, err := store.Get(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestPostgresStoreUpsertOverwrites(t *testing.T) {
	t.Parallel()

	store := newPostgresStoreFromQuerier(newFakePgxQuerier(), nil)
	now := time.Now()

	if err := store.Upsert(context.Background(), Record{AccountID: "1", AccessToken: "a1", RefreshToken: "r1", ExpiresAt: now}); err != nil {
		t.Fatalf("Upsert(first) error = %v", err)
	}
	if err := store.Upsert(context.Background(), Record{AccountID: "1", AccessToken: "a2", RefreshToken: "r2", ExpiresAt: now}); err != nil {
		t.Fatalf("Upsert(second) error = %v", err)
	}

	got, err := store.Get(context.Background(), "1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.AccessToken != "a2" {
		t.Fatalf("Get().AccessToken = %q, want %q", got.AccessToken, "a2")
	}
}

func TestPostgresStorePing(t *testing.T) {
	t.Parallel()

	querier := newFakePgxQuerier()
	store := newPostgresStoreFromQuerier(querier, nil)
	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}

	querier.pingErr = errors.New("connection refused")
	if err := store.Ping(context.Background()); err == nil {
		t.Fatal("Ping() with failing querier succeeded, want error")
	}
}
