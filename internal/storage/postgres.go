package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/antigravity/keypool/internal/models"
	"github.com/antigravity/keypool/internal/quota"
)

// PostgresConfig configures the Postgres connection pool.
type PostgresConfig struct {
	URL         string
	TablePrefix string
	MaxConns    int32
}

// ConnectPostgres opens a pgx pool and verifies it with a ping.
func ConnectPostgres(ctx context.Context, cfg PostgresConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("storage/postgres: parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage/postgres: create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage/postgres: ping: %w", err)
	}
	return pool, nil
}

// PostgresStore persists key records in one table, each key and its
// models as a JSONB document.
type PostgresStore struct {
	pool        *pgxpool.Pool
	tablePrefix string
}

var _ quota.Repository = (*PostgresStore)(nil)

// PostgresOption configures PostgresStore.
type PostgresOption func(*PostgresStore)

// WithTablePrefix sets the table name prefix (default "keypool_").
func WithTablePrefix(prefix string) PostgresOption {
	return func(s *PostgresStore) {
		if prefix != "" {
			s.tablePrefix = prefix
		}
	}
}

// NewPostgresStore creates a Postgres-backed key repository.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) *PostgresStore {
	s := &PostgresStore{
		pool:        pool,
		tablePrefix: "keypool_",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *PostgresStore) keysTable() string { return s.tablePrefix + "keys" }

// EnsureSchema creates the keys table if it does not exist. The check
// constraint keeps the tenant assignment consistent with the scope.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id TEXT PRIMARY KEY,
			scope TEXT NOT NULL,
			tenant_id TEXT,
			seq BIGINT NOT NULL DEFAULT 0,
			doc JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			CONSTRAINT %[2]s_scope_check CHECK (
				(scope = 'central' AND tenant_id IS NULL) OR
				(scope = 'tenant' AND tenant_id IS NOT NULL AND tenant_id <> '')
			)
		);
		CREATE INDEX IF NOT EXISTS %[2]s_scope_idx ON %[1]s (scope, tenant_id);
	`, s.keysTable(), s.tablePrefix+"keys")
	if _, err := s.pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("storage/postgres: ensure schema: %w", err)
	}
	return nil
}

// SaveKey upserts a key.
func (s *PostgresStore) SaveKey(ctx context.Context, key quota.KeySnapshot) error {
	doc, err := json.Marshal(EncodeKey(key))
	if err != nil {
		return fmt.Errorf("storage/postgres: marshal key: %w", err)
	}
	var tenant *string
	if key.Scope.TenantID != "" {
		tenant = &key.Scope.TenantID
	}
	_, err = s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, scope, tenant_id, seq, doc, updated_at)
			VALUES ($1, $2, $3, $4, $5, now())
			ON CONFLICT (id) DO UPDATE SET
				scope = EXCLUDED.scope,
				tenant_id = EXCLUDED.tenant_id,
				seq = EXCLUDED.seq,
				doc = EXCLUDED.doc,
				updated_at = now()`, s.keysTable()),
		key.ID, string(key.Scope.Kind), tenant, int64(key.Seq), doc,
	)
	if err != nil {
		return fmt.Errorf("storage/postgres: save key %s: %w", key.ID, err)
	}
	return nil
}

// LoadKey reads one key.
func (s *PostgresStore) LoadKey(ctx context.Context, id string) (quota.KeySnapshot, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT doc FROM %s WHERE id = $1`, s.keysTable()), id,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return quota.KeySnapshot{}, fmt.Errorf("%w: %s", quota.ErrKeyNotFound, id)
	}
	if err != nil {
		return quota.KeySnapshot{}, fmt.Errorf("storage/postgres: load key %s: %w", id, err)
	}
	return decodeRow(id, raw)
}

// LoadKeys reads every key in insertion order.
func (s *PostgresStore) LoadKeys(ctx context.Context) ([]quota.KeySnapshot, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT id, doc FROM %s ORDER BY seq, id`, s.keysTable()))
	if err != nil {
		return nil, fmt.Errorf("storage/postgres: load keys: %w", err)
	}
	defer rows.Close()

	var keys []quota.KeySnapshot
	for rows.Next() {
		var (
			id  string
			raw []byte
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("storage/postgres: scan key: %w", err)
		}
		key, err := decodeRow(id, raw)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage/postgres: load keys: %w", err)
	}
	return keys, nil
}

// DeleteKey removes a key. Deleting a missing key is not an error.
func (s *PostgresStore) DeleteKey(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.keysTable()), id)
	if err != nil {
		return fmt.Errorf("storage/postgres: delete key %s: %w", id, err)
	}
	return nil
}

func decodeRow(id string, raw []byte) (quota.KeySnapshot, error) {
	var doc models.KeyDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return quota.KeySnapshot{}, fmt.Errorf("%w: key %s: %v", ErrCorruptRecord, id, err)
	}
	key, err := DecodeKey(doc)
	if err != nil {
		return quota.KeySnapshot{}, fmt.Errorf("storage/postgres: %w", err)
	}
	return key, nil
}
