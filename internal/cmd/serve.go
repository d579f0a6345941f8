package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/antigravity/keypool/internal/config"
	"github.com/antigravity/keypool/internal/logger"
	"github.com/antigravity/keypool/internal/metrics"
	"github.com/antigravity/keypool/internal/quota"
	"github.com/antigravity/keypool/internal/server"
	"github.com/antigravity/keypool/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the key pool server",
	Long:  `Start the key pool admission and admin API`,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadOrCreate()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	if err := initDirectories(cfg); err != nil {
		log.Error("Failed to initialize directories", zap.Error(err))
		return err
	}

	log.Info("Starting key pool",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.String("storage", cfg.Storage.Backend),
		zap.String("ledger", cfg.Ledger.Backend),
	)

	if cfg.Security.APIKey != "" {
		log.Info("API key is set", zap.String("key_prefix", maskAPIKey(cfg.Security.APIKey)))
	} else {
		log.Warn("No API key set, the admission API is open")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := metrics.NewRecorder()
	pool, closeBackends, err := openPool(ctx, cfg, log, rec)
	if err != nil {
		log.Error("Failed to open key pool", zap.Error(err))
		return err
	}
	defer closeBackends()

	if err := bootstrapKeys(ctx, cfg, pool, log); err != nil {
		log.Error("Failed to add bootstrap keys", zap.Error(err))
		return err
	}

	pool.StartFlusher(ctx, cfg.Storage.FlushInterval)

	srv := server.New(cfg, log, server.Deps{
		Pool:    pool,
		Usage:   storage.NewUsageStore(cfg.Storage.UsageDir),
		Metrics: rec,
		Logs:    logger.GlobalBuffer,
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      srv.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info("Server started", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed", zap.Error(err))
		}
	}()

	<-stop
	log.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
		return err
	}

	cancel()
	if err := pool.Flush(shutdownCtx); err != nil {
		log.Error("Failed to flush key usage on shutdown", zap.Error(err))
	}

	log.Info("Server stopped gracefully")
	return nil
}

// bootstrapKeys adds the configured keys, seeded with the catalogue, when
// the pool has no keys at all.
func bootstrapKeys(ctx context.Context, cfg *config.Config, pool *quota.Pool, log *zap.Logger) error {
	if len(cfg.BootstrapKeys) == 0 || len(pool.Keys(ctx, nil)) > 0 {
		return nil
	}
	catalog := quota.CatalogOrDefault(cfg.ModelSpecs())
	for _, bk := range cfg.BootstrapKeys {
		snap, err := pool.AddKey(ctx, quota.KeySpec{
			Secret:   bk.Secret,
			Scope:    quota.ParseScope(bk.TenantID),
			Priority: bk.Priority,
		})
		if err != nil {
			return err
		}
		if _, err := pool.SeedModels(ctx, snap.ID, catalog); err != nil {
			return err
		}
	}
	log.Info("Added bootstrap keys", zap.Int("keys", len(cfg.BootstrapKeys)))
	return nil
}

func initDirectories(cfg *config.Config) error {
	dirs := []string{
		cfg.Storage.DataDir,
		cfg.Storage.UsageDir,
		cfg.Storage.LogsDir,
	}
	if cfg.Storage.Backend == config.BackendFile {
		dirs = append(dirs, cfg.Storage.KeysDir)
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

// maskAPIKey returns a masked version of the API key for logging
func maskAPIKey(key string) string {
	if len(key) <= 8 {
		return "***"
	}
	return key[:4] + "..." + key[len(key)-4:]
}
