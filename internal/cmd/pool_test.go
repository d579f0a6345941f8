package cmd

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/antigravity/keypool/internal/config"
	"github.com/antigravity/keypool/internal/quota"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Storage: config.StorageConfig{
			Backend: config.BackendFile,
			KeysDir: filepath.Join(dir, "keys"),
		},
		Ledger: config.LedgerConfig{Backend: config.BackendMemory},
		Catalog: []config.CatalogEntry{
			{Model: "m1", Priority: 1, RPM: 2, RPH: 20, RPD: 200},
		},
		BootstrapKeys: []config.BootstrapKey{
			{Secret: "sk-central"},
			{Secret: "sk-tenant", TenantID: "t1"},
		},
	}
}

func TestBootstrapKeys_OnlyWhenEmpty(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	pool, closeBackends, err := openPool(ctx, cfg, zap.NewNop(), nil)
	require.NoError(t, err)
	defer closeBackends()

	require.NoError(t, bootstrapKeys(ctx, cfg, pool, zap.NewNop()))
	keys := pool.Keys(ctx, nil)
	require.Len(t, keys, 2)
	for _, k := range keys {
		require.Len(t, k.Models, 1)
		assert.Equal(t, "m1", k.Models[0].ID)
	}

	// A restart reloads the persisted keys and adds nothing.
	reopened, closeAgain, err := openPool(ctx, cfg, zap.NewNop(), nil)
	require.NoError(t, err)
	defer closeAgain()
	require.NoError(t, bootstrapKeys(ctx, cfg, reopened, zap.NewNop()))
	assert.Len(t, reopened.Keys(ctx, nil), 2)

	_, err = reopened.Acquire(ctx, quota.Tenant("t1"), "")
	assert.NoError(t, err)
}

func TestOpenPool_RedisLedger(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Ledger = config.LedgerConfig{
		Backend: config.BackendRedis,
		Redis:   config.RedisConfig{URL: "redis://" + mr.Addr() + "/0", KeyPrefix: "test:"},
	}

	pool, closeBackends, err := openPool(ctx, cfg, zap.NewNop(), nil)
	require.NoError(t, err)
	defer closeBackends()
	require.NoError(t, bootstrapKeys(ctx, cfg, pool, zap.NewNop()))

	for i := 0; i < 2; i++ {
		_, err := pool.Acquire(ctx, quota.Central(), "m1")
		require.NoError(t, err)
	}
	_, err = pool.Acquire(ctx, quota.Central(), "m1")
	assert.True(t, quota.IsExhausted(err))

	redisKeys := mr.Keys()
	assert.NotEmpty(t, redisKeys)
	assert.Contains(t, redisKeys[0], "test:")
}

func TestOpenPool_RedisUnreachable(t *testing.T) {
	cfg := testConfig(t)
	cfg.Ledger = config.LedgerConfig{
		Backend: config.BackendRedis,
		Redis:   config.RedisConfig{URL: "redis://127.0.0.1:1/0"},
	}

	_, _, err := openPool(context.Background(), cfg, zap.NewNop(), nil)
	assert.Error(t, err)
}
