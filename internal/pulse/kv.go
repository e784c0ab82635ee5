package pulse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

// KeyValueStore is the shared store behind the dedup cache and the
// subscription records. Set with a positive ttl expires the key after the
// window, matching SET key value EX seconds semantics; ttl <= 0 stores
// without expiry. Get is a presence+freshness check, never a sweep.
type KeyValueStore interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, bool, error)
	Delete(ctx context.Context, key string) error
	Close() error
}

const (
	postgresKVTableName        = "pulse_kv"
	postgresOperationTimeout   = 5 * time.Second
	postgresExpiredPurgeEvery  = time.Minute
	memoryStoreSweepInterval   = time.Minute
	memoryStoreMaxSweepEntries = 100000
)

type memoryKVEntry struct {
	value     string
	expiresAt time.Time
}

// MemoryKeyValueStore is the per-process fallback. Its correctness is
// only per-process: two workers each holding their own memory store can
// both miss a dedup check the shared store would have caught.
type MemoryKeyValueStore struct {
	mu        sync.Mutex
	entries   map[string]memoryKVEntry
	lastSweep time.Time
	now       func() time.Time
}

func NewMemoryKeyValueStore() *MemoryKeyValueStore {
	return &MemoryKeyValueStore{
		entries: map[string]memoryKVEntry{},
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryKeyValueStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_ = ctx
	if s == nil || strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	entry := memoryKVEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = now.Add(ttl)
	}
	s.entries[key] = entry
	s.sweepLocked(now)
	return nil
}

func (s *MemoryKeyValueStore) Get(ctx context.Context, key string) (string, bool, error) {
	_ = ctx
	if s == nil || strings.TrimSpace(key) == "" {
		return "", false, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok {
		return "", false, nil
	}
	if !entry.expiresAt.IsZero() && !s.now().Before(entry.expiresAt) {
		delete(s.entries, key)
		return "", false, nil
	}
	return entry.value, true, nil
}

func (s *MemoryKeyValueStore) Delete(ctx context.Context, key string) error {
	_ = ctx
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *MemoryKeyValueStore) Close() error {
	return nil
}

func (s *MemoryKeyValueStore) sweepLocked(now time.Time) {
	if now.Sub(s.lastSweep) < memoryStoreSweepInterval && len(s.entries) < memoryStoreMaxSweepEntries {
		return
	}
	s.lastSweep = now
	for key, entry := range s.entries {
		if !entry.expiresAt.IsZero() && !now.Before(entry.expiresAt) {
			delete(s.entries, key)
		}
	}
}

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresKeyValueStore backs the shared store with a single table and
// per-row expiry. The upsert is atomic per key, which is what keeps two
// concurrent dedup checks from both missing across worker processes.
type PostgresKeyValueStore struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB

	purgeMu   sync.Mutex
	lastPurge time.Time
}

func NewPostgresKeyValueStore(dsn string) (*PostgresKeyValueStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresKeyValueStore{
		dsn:       dsn,
		tableName: postgresKVTableName,
		openDB:    sql.Open,
	}, nil
}

func (s *PostgresKeyValueStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				kv_key TEXT PRIMARY KEY,
				kv_value TEXT NOT NULL,
				expires_at TIMESTAMPTZ,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(s.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresKeyValueStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if s == nil || strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	var expiresAt any
	if ttl > 0 {
		expiresAt = time.Now().UTC().Add(ttl)
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (kv_key, kv_value, expires_at, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (kv_key)
		DO UPDATE SET kv_value = EXCLUDED.kv_value, expires_at = EXCLUDED.expires_at, updated_at = NOW()`,
		postgresQuoteIdentifier(s.tableName))
	if _, err := s.db.ExecContext(opCtx, query, key, value, expiresAt); err != nil {
		return err
	}
	s.maybePurge()
	return nil
}

func (s *PostgresKeyValueStore) Get(ctx context.Context, key string) (string, bool, error) {
	if s == nil || strings.TrimSpace(key) == "" {
		return "", false, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return "", false, err
	}
	opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"SELECT kv_value FROM %s WHERE kv_key = $1 AND (expires_at IS NULL OR expires_at > NOW())",
		postgresQuoteIdentifier(s.tableName))
	var value string
	err := s.db.QueryRowContext(opCtx, query, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *PostgresKeyValueStore) Delete(ctx context.Context, key string) error {
	if s == nil || strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE kv_key = $1", postgresQuoteIdentifier(s.tableName))
	_, err := s.db.ExecContext(opCtx, query, key)
	return err
}

func (s *PostgresKeyValueStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresKeyValueStore) maybePurge() {
	s.purgeMu.Lock()
	now := time.Now().UTC()
	if now.Sub(s.lastPurge) < postgresExpiredPurgeEvery {
		s.purgeMu.Unlock()
		return
	}
	s.lastPurge = now
	s.purgeMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf("DELETE FROM %s WHERE expires_at IS NOT NULL AND expires_at <= NOW()",
		postgresQuoteIdentifier(s.tableName))
	_, _ = s.db.ExecContext(ctx, query)
}

// BuildKeyValueStoreFromDSN selects a shared-store implementation by DSN
// scheme. An empty DSN yields the per-process memory store.
func BuildKeyValueStoreFromDSN(dsn string) (KeyValueStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryKeyValueStore(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	switch scheme {
	case "", "memory", "mem", "inmem":
		return NewMemoryKeyValueStore(), nil
	case "postgres", "postgresql":
		return NewPostgresKeyValueStore(dsn)
	case "redis", "mysql", "sqlite":
		return nil, fmt.Errorf("%w: key-value store %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported key-value store scheme: %s", scheme)
	}
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
