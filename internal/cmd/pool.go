package cmd

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/antigravity/keypool/internal/config"
	"github.com/antigravity/keypool/internal/probe"
	"github.com/antigravity/keypool/internal/quota"
	"github.com/antigravity/keypool/internal/storage"
)

// openPool builds the pool on the configured repository and ledger and
// loads the persisted keys. The returned func releases the backends.
func openPool(ctx context.Context, cfg *config.Config, log *zap.Logger, rec quota.Recorder) (*quota.Pool, func(), error) {
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	opts := []quota.Option{}
	if rec != nil {
		opts = append(opts, quota.WithRecorder(rec))
	}

	switch cfg.Storage.Backend {
	case config.BackendPostgres:
		pg, err := storage.ConnectPostgres(ctx, storage.PostgresConfig{
			URL:         cfg.Storage.Postgres.URL,
			TablePrefix: cfg.Storage.Postgres.TablePrefix,
			MaxConns:    cfg.Storage.Postgres.MaxConns,
		})
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, pg.Close)
		store := storage.NewPostgresStore(pg, storage.WithTablePrefix(cfg.Storage.Postgres.TablePrefix))
		if err := store.EnsureSchema(ctx); err != nil {
			closeAll()
			return nil, nil, err
		}
		opts = append(opts, quota.WithRepository(store))
	default:
		opts = append(opts, quota.WithRepository(storage.NewKeyStore(cfg.Storage.KeysDir)))
	}

	if cfg.Ledger.Backend == config.BackendRedis {
		client := storage.NewRedisClient(storage.RedisConfig{
			URL:      cfg.Ledger.Redis.URL,
			DB:       cfg.Ledger.Redis.DB,
			PoolSize: cfg.Ledger.Redis.PoolSize,
		})
		closers = append(closers, func() { client.Close() })
		if err := storage.PingRedis(ctx, client); err != nil {
			closeAll()
			return nil, nil, err
		}
		opts = append(opts, quota.WithLedger(storage.NewRedisLedger(client, storage.WithKeyPrefix(cfg.Ledger.Redis.KeyPrefix))))
	}

	if cfg.Validation.Enabled {
		opts = append(opts, quota.WithValidator(probe.NewHTTPValidator(cfg.Validation.BaseURL, cfg.Validation.Timeout, log)))
	}

	pool := quota.NewPool(log, opts...)
	if err := pool.Load(ctx); err != nil {
		closeAll()
		return nil, nil, fmt.Errorf("failed to load key pool: %w", err)
	}
	return pool, closeAll, nil
}
