//go:build integration

package storage

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antigravity/keypool/internal/quota"
)

func newTestPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		dsn = "postgres://localhost:5432/keypool_test?sslmode=disable"
	}
	ctx := context.Background()
	pool, err := ConnectPostgres(ctx, PostgresConfig{URL: dsn, MaxConns: 4})
	if err != nil {
		t.Fatalf("postgres not available: %v", err)
	}
	t.Cleanup(pool.Close)

	prefix := fmt.Sprintf("test_%s_", strings.ToLower(t.Name()))
	store := NewPostgresStore(pool, WithTablePrefix(prefix))
	require.NoError(t, store.EnsureSchema(ctx))
	t.Cleanup(func() { dropTable(pool, prefix) })
	return store
}

func dropTable(pool *pgxpool.Pool, prefix string) {
	pool.Exec(context.Background(), fmt.Sprintf("DROP TABLE IF EXISTS %skeys", prefix))
}

func TestPostgresStore_SaveLoadDelete(t *testing.T) {
	store := newTestPostgres(t)
	ctx := context.Background()

	key := sampleKey()
	require.NoError(t, store.SaveKey(ctx, key))
	key.Priority = 7
	require.NoError(t, store.SaveKey(ctx, key))

	keys, err := store.LoadKeys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, key, keys[0])

	got, err := store.LoadKey(ctx, key.ID)
	require.NoError(t, err)
	assert.Equal(t, 7, got.Priority)

	require.NoError(t, store.DeleteKey(ctx, key.ID))
	_, err = store.LoadKey(ctx, key.ID)
	assert.ErrorIs(t, err, quota.ErrKeyNotFound)
}

func TestPostgresStore_ScopeConstraint(t *testing.T) {
	store := newTestPostgres(t)
	key := sampleKey()
	key.Scope = quota.Scope{Kind: quota.ScopeCentral, TenantID: "t1"}
	assert.Error(t, store.SaveKey(context.Background(), key))
}

func TestPostgresStore_BacksPool(t *testing.T) {
	store := newTestPostgres(t)
	ctx := context.Background()

	pool := quota.NewPool(nil, quota.WithRepository(store))
	k, err := pool.AddKey(ctx, quota.KeySpec{Secret: "sk-postgres-backed", Scope: quota.Tenant("t1")})
	require.NoError(t, err)
	added, err := pool.SeedModels(ctx, k.ID, quota.DefaultCatalog)
	require.NoError(t, err)

	reloaded := quota.NewPool(nil, quota.WithRepository(store))
	require.NoError(t, reloaded.Load(ctx))
	snap, err := reloaded.Key(ctx, k.ID)
	require.NoError(t, err)
	assert.Len(t, snap.Models, added)
}
