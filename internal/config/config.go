package config

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/spf13/viper"

	"github.com/antigravity/keypool/internal/quota"
)

// Storage and ledger backends.
const (
	BackendFile     = "file"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
	BackendRedis    = "redis"
)

// Config represents the application configuration
type Config struct {
	Server        ServerConfig     `mapstructure:"server"`
	Security      SecurityConfig   `mapstructure:"security"`
	Logging       LoggingConfig    `mapstructure:"logging"`
	Storage       StorageConfig    `mapstructure:"storage"`
	Ledger        LedgerConfig     `mapstructure:"ledger"`
	Validation    ValidationConfig `mapstructure:"validation"`
	Catalog       []CatalogEntry   `mapstructure:"catalog"`
	BootstrapKeys []BootstrapKey   `mapstructure:"bootstrap_keys"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Mode         string        `mapstructure:"mode"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type SecurityConfig struct {
	AdminPassword  string   `mapstructure:"admin_password"`
	APIKey         string   `mapstructure:"api_key"`
	EnableCORS     bool     `mapstructure:"enable_cors"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type LoggingConfig struct {
	Level         string `mapstructure:"level"`
	Format        string `mapstructure:"format"`
	Output        string `mapstructure:"output"`
	ConsoleOutput bool   `mapstructure:"console_output"`
	MaxSize       int    `mapstructure:"max_size"`
	MaxBackups    int    `mapstructure:"max_backups"`
	MaxAge        int    `mapstructure:"max_age"`
	Compress      bool   `mapstructure:"compress"`
}

type StorageConfig struct {
	Backend       string         `mapstructure:"backend"`
	DataDir       string         `mapstructure:"data_dir"`
	KeysDir       string         `mapstructure:"keys_dir"`
	UsageDir      string         `mapstructure:"usage_dir"`
	LogsDir       string         `mapstructure:"logs_dir"`
	FlushInterval time.Duration  `mapstructure:"flush_interval"`
	Postgres      PostgresConfig `mapstructure:"postgres"`
}

type PostgresConfig struct {
	URL         string `mapstructure:"url"`
	TablePrefix string `mapstructure:"table_prefix"`
	MaxConns    int32  `mapstructure:"max_conns"`
}

// LedgerConfig selects where usage windows are counted.
type LedgerConfig struct {
	Backend string      `mapstructure:"backend"`
	Redis   RedisConfig `mapstructure:"redis"`
}

type RedisConfig struct {
	URL       string `mapstructure:"url"`
	DB        int    `mapstructure:"db"`
	PoolSize  int    `mapstructure:"pool_size"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// ValidationConfig controls the optimistic credential probe run when a
// key is added.
type ValidationConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// CatalogEntry is one model seeded under new keys.
type CatalogEntry struct {
	Model    string `mapstructure:"model" json:"model"`
	Priority int    `mapstructure:"priority" json:"priority"`
	RPM      int64  `mapstructure:"rpm" json:"rpm"`
	RPH      int64  `mapstructure:"rph" json:"rph"`
	RPD      int64  `mapstructure:"rpd" json:"rpd"`
	Limit    int64  `mapstructure:"limit" json:"limit,omitempty"`
}

// BootstrapKey is added at startup when the pool is empty.
type BootstrapKey struct {
	Secret   string `mapstructure:"secret"`
	TenantID string `mapstructure:"tenant_id"`
	Priority int    `mapstructure:"priority"`
}

// ModelSpecs converts the catalogue for seeding.
func (c *Config) ModelSpecs() []quota.ModelSpec {
	specs := make([]quota.ModelSpec, 0, len(c.Catalog))
	for _, e := range c.Catalog {
		specs = append(specs, quota.ModelSpec{
			Model:          e.Model,
			Priority:       e.Priority,
			Limits:         quota.Limits{RPM: e.RPM, RPH: e.RPH, RPD: e.RPD},
			AggregateLimit: e.Limit,
		})
	}
	return specs
}

// Load loads the configuration from file and environment
func Load() (*Config, error) {
	var cfg Config

	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// LoadOrCreate loads the config file, writing a default one with a
// generated admin password when none exists.
func LoadOrCreate() (*Config, error) {
	configFile := viper.ConfigFileUsed()
	if configFile == "" {
		configFile = "./config.yaml"
	}

	if _, err := os.Stat(configFile); err == nil {
		cfg, err := Load()
		if err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", configFile, err)
		}
		return cfg, nil
	}

	fmt.Println("\n⚠️  Config file not found, creating default config...")

	cfg := &Config{}
	setDefaults(cfg)

	password, err := generateRandomPassword(16)
	if err != nil {
		return nil, fmt.Errorf("failed to generate admin password: %w", err)
	}
	cfg.Security.AdminPassword = password
	fmt.Printf("\n🔑 Generated admin password: %s\n", password)
	fmt.Println("   ⚠️  IMPORTANT: Please save this password!")
	fmt.Println("   It is needed to log in to the /admin API")

	if err := SaveConfig(cfg); err != nil {
		fmt.Printf("\n⚠️  Warning: Failed to save config file: %v\n", err)
		fmt.Println("   Continuing with in-memory config...")
	} else {
		fmt.Println("\n✅ Config file created: config.yaml")
	}

	return cfg, nil
}

// SaveConfig writes the configurable sections to the config file.
func SaveConfig(cfg *Config) error {
	viper.Set("server", cfg.Server)
	viper.Set("security", cfg.Security)
	viper.Set("logging", cfg.Logging)
	viper.Set("storage", cfg.Storage)
	viper.Set("ledger", cfg.Ledger)
	viper.Set("validation", cfg.Validation)
	viper.Set("catalog", cfg.Catalog)

	configPath := viper.ConfigFileUsed()
	if configPath == "" {
		configPath = "./config.yaml"
	}
	return viper.WriteConfigAs(configPath)
}

func generateRandomPassword(length int) (string, error) {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, length)
	for i := range b {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			return "", err
		}
		b[i] = charset[n.Int64()]
	}
	return string(b), nil
}

func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8046
	}
	if cfg.Server.Mode == "" {
		cfg.Server.Mode = "release"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 30 * time.Second
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "logs/keypool.log"
	}
	// Console output enabled by default
	cfg.Logging.ConsoleOutput = true
	if cfg.Logging.MaxSize == 0 {
		cfg.Logging.MaxSize = 100
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 10
	}
	if cfg.Logging.MaxAge == 0 {
		cfg.Logging.MaxAge = 30
	}

	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = BackendFile
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "./data"
	}
	if cfg.Storage.KeysDir == "" {
		cfg.Storage.KeysDir = "./data/keys"
	}
	if cfg.Storage.UsageDir == "" {
		cfg.Storage.UsageDir = "./data/usage"
	}
	if cfg.Storage.LogsDir == "" {
		cfg.Storage.LogsDir = "./logs"
	}
	if cfg.Storage.FlushInterval == 0 {
		cfg.Storage.FlushInterval = 5 * time.Second
	}
	if cfg.Storage.Postgres.TablePrefix == "" {
		cfg.Storage.Postgres.TablePrefix = "keypool_"
	}

	if cfg.Ledger.Backend == "" {
		cfg.Ledger.Backend = BackendMemory
	}
	if cfg.Ledger.Redis.KeyPrefix == "" {
		cfg.Ledger.Redis.KeyPrefix = "keypool:usage:"
	}

	if cfg.Validation.BaseURL == "" {
		cfg.Validation.BaseURL = "https://generativelanguage.googleapis.com"
	}
	if cfg.Validation.Timeout == 0 {
		cfg.Validation.Timeout = 10 * time.Second
	}

	if len(cfg.Catalog) == 0 {
		for _, spec := range quota.DefaultCatalog {
			cfg.Catalog = append(cfg.Catalog, CatalogEntry{
				Model:    spec.Model,
				Priority: spec.Priority,
				RPM:      spec.RPM,
				RPH:      spec.RPH,
				RPD:      spec.RPD,
			})
		}
	}
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", cfg.Server.Port)
	}

	switch cfg.Storage.Backend {
	case BackendFile:
	case BackendPostgres:
		if cfg.Storage.Postgres.URL == "" {
			return fmt.Errorf("storage.postgres.url is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown storage backend: %q", cfg.Storage.Backend)
	}

	switch cfg.Ledger.Backend {
	case BackendMemory:
	case BackendRedis:
		if cfg.Ledger.Redis.URL == "" {
			return fmt.Errorf("ledger.redis.url is required for the redis ledger")
		}
	default:
		return fmt.Errorf("unknown ledger backend: %q", cfg.Ledger.Backend)
	}

	if cfg.Storage.FlushInterval < 0 {
		return fmt.Errorf("invalid flush interval: %s", cfg.Storage.FlushInterval)
	}

	seen := make(map[string]bool, len(cfg.Catalog))
	for _, e := range cfg.Catalog {
		if e.Model == "" {
			return fmt.Errorf("catalog entry without model")
		}
		if seen[e.Model] {
			return fmt.Errorf("duplicate catalog model: %s", e.Model)
		}
		seen[e.Model] = true
		if e.RPM < 0 || e.RPH < 0 || e.RPD < 0 || e.Limit < 0 || e.Priority < 0 {
			return fmt.Errorf("catalog model %s has negative values", e.Model)
		}
	}

	for i, k := range cfg.BootstrapKeys {
		if k.Secret == "" {
			return fmt.Errorf("bootstrap key %d has no secret", i)
		}
	}
	return nil
}
