package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antigravity/keypool/internal/quota"
)

func loadYAML(t *testing.T, body string) (*Config, error) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	viper.SetConfigFile(path)
	require.NoError(t, viper.ReadInConfig())
	return Load()
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := loadYAML(t, "server:\n  port: 9000\n")
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, BackendFile, cfg.Storage.Backend)
	assert.Equal(t, BackendMemory, cfg.Ledger.Backend)
	assert.Equal(t, 5*time.Second, cfg.Storage.FlushInterval)
	assert.Equal(t, "keypool_", cfg.Storage.Postgres.TablePrefix)
	assert.Len(t, cfg.Catalog, len(quota.DefaultCatalog))
	assert.Equal(t, quota.DefaultCatalog[0].Model, cfg.ModelSpecs()[0].Model)
}

func TestLoad_CatalogAndBootstrap(t *testing.T) {
	cfg, err := loadYAML(t, `
storage:
  backend: postgres
  flush_interval: 2s
  postgres:
    url: postgres://localhost/keypool
ledger:
  backend: redis
  redis:
    url: redis://localhost:6379/0
catalog:
  - model: m1
    priority: 1
    rpm: 2
    rph: 20
    rpd: 200
    limit: 150
bootstrap_keys:
  - secret: sk-one
  - secret: sk-two
    tenant_id: t1
    priority: 3
`)
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, cfg.Storage.FlushInterval)
	specs := cfg.ModelSpecs()
	require.Len(t, specs, 1)
	assert.Equal(t, quota.Limits{RPM: 2, RPH: 20, RPD: 200}, specs[0].Limits)
	assert.Equal(t, int64(150), specs[0].AggregateLimit)
	require.Len(t, cfg.BootstrapKeys, 2)
	assert.Equal(t, "t1", cfg.BootstrapKeys[1].TenantID)
}

func TestLoad_Rejects(t *testing.T) {
	cases := map[string]string{
		"port":             "server:\n  port: 70000\n",
		"storage backend":  "storage:\n  backend: sqlite\n",
		"postgres url":     "storage:\n  backend: postgres\n",
		"ledger backend":   "ledger:\n  backend: memcached\n",
		"redis url":        "ledger:\n  backend: redis\n",
		"negative limit":   "catalog:\n  - model: m\n    rpm: -1\n",
		"duplicate model":  "catalog:\n  - model: m\n  - model: m\n",
		"bootstrap secret": "bootstrap_keys:\n  - tenant_id: t1\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := loadYAML(t, body)
			assert.Error(t, err)
		})
	}
}
