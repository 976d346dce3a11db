// Package config loads store settings from a YAML file with SNAPSHOT_*
// environment overrides and maps them to snapshot options.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	snapshot "github.com/goliatone/go-snapshot"
	"github.com/goliatone/go-snapshot/pkg/state"
)

// EnvPrefix prefixes environment overrides, e.g. SNAPSHOT_STORE_NAME.
const EnvPrefix = "SNAPSHOT"

// Config is the file layout.
type Config struct {
	Store       StoreConfig       `mapstructure:"store"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Fixtures    FixturesConfig    `mapstructure:"fixtures"`
	Remote      RemoteConfig      `mapstructure:"remote"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

type StoreConfig struct {
	Name             string `mapstructure:"name"`
	HistoryLimit     int    `mapstructure:"history_limit"`
	EventLogLimit    int    `mapstructure:"event_log_limit"`
	BatchConcurrency int    `mapstructure:"batch_concurrency"`
	DuplicatePolicy  string `mapstructure:"duplicate_policy"`
	WriteThrough     bool   `mapstructure:"write_through"`
}

type PersistenceConfig struct {
	DatabaseURL          string `mapstructure:"database_url"`
	Namespace            string `mapstructure:"namespace"`
	Table                string `mapstructure:"table"`
	CompressionThreshold int    `mapstructure:"compression_threshold"`
}

type CacheConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	TTL      time.Duration `mapstructure:"ttl"`
	Negative bool          `mapstructure:"negative"`
}

type FixturesConfig struct {
	Dir     string `mapstructure:"dir"`
	Pattern string `mapstructure:"pattern"`
	Watch   bool   `mapstructure:"watch"`
}

type RemoteConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Token   string        `mapstructure:"token"`
	Retries uint64        `mapstructure:"retries"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	return Config{
		Store: StoreConfig{
			Name:             "default",
			HistoryLimit:     snapshot.DefaultHistoryLimit,
			EventLogLimit:    snapshot.DefaultEventLogLimit,
			BatchConcurrency: snapshot.DefaultBatchConcurrency,
			DuplicatePolicy:  "reject",
		},
		Persistence: PersistenceConfig{
			DatabaseURL:          "sqlite:file:snapshots.db?_pragma=busy_timeout(5000)",
			Namespace:            "default",
			Table:                "snapshot_records",
			CompressionThreshold: state.DefaultCompressionThreshold,
		},
		Cache: CacheConfig{
			TTL: 5 * time.Minute,
		},
		Fixtures: FixturesConfig{
			Pattern: "**/*.{yaml,yml}",
		},
		Remote: RemoteConfig{
			Retries: 3,
			Timeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads path and applies environment overrides. path may name a file
// or a directory holding snapshot.yaml. A missing file in a directory, or an
// empty path, leaves defaults and environment in place.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, Default())

	if path != "" {
		info, err := os.Stat(path)
		switch {
		case err != nil:
			return Config{}, fmt.Errorf("config: %w", err)
		case info.IsDir():
			v.SetConfigName("snapshot")
			v.AddConfigPath(path)
		default:
			v.SetConfigFile(path)
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("config: read %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// setDefaults registers every key so environment overrides reach Unmarshal.
func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("store.name", cfg.Store.Name)
	v.SetDefault("store.history_limit", cfg.Store.HistoryLimit)
	v.SetDefault("store.event_log_limit", cfg.Store.EventLogLimit)
	v.SetDefault("store.batch_concurrency", cfg.Store.BatchConcurrency)
	v.SetDefault("store.duplicate_policy", cfg.Store.DuplicatePolicy)
	v.SetDefault("store.write_through", cfg.Store.WriteThrough)
	v.SetDefault("persistence.database_url", cfg.Persistence.DatabaseURL)
	v.SetDefault("persistence.namespace", cfg.Persistence.Namespace)
	v.SetDefault("persistence.table", cfg.Persistence.Table)
	v.SetDefault("persistence.compression_threshold", cfg.Persistence.CompressionThreshold)
	v.SetDefault("cache.enabled", cfg.Cache.Enabled)
	v.SetDefault("cache.ttl", cfg.Cache.TTL)
	v.SetDefault("cache.negative", cfg.Cache.Negative)
	v.SetDefault("fixtures.dir", cfg.Fixtures.Dir)
	v.SetDefault("fixtures.pattern", cfg.Fixtures.Pattern)
	v.SetDefault("fixtures.watch", cfg.Fixtures.Watch)
	v.SetDefault("remote.base_url", cfg.Remote.BaseURL)
	v.SetDefault("remote.token", cfg.Remote.Token)
	v.SetDefault("remote.retries", cfg.Remote.Retries)
	v.SetDefault("remote.timeout", cfg.Remote.Timeout)
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.development", cfg.Logging.Development)
}

// Validate rejects settings the store cannot honour.
func (c Config) Validate() error {
	var errs []error
	switch strings.ToLower(c.Store.DuplicatePolicy) {
	case "", "reject", "overwrite":
	default:
		errs = append(errs, fmt.Errorf("store.duplicate_policy %q must be reject or overwrite", c.Store.DuplicatePolicy))
	}
	if c.Store.HistoryLimit < 0 {
		errs = append(errs, fmt.Errorf("store.history_limit must not be negative"))
	}
	if c.Store.BatchConcurrency < 0 {
		errs = append(errs, fmt.Errorf("store.batch_concurrency must not be negative"))
	}
	if c.Cache.Enabled && c.Cache.TTL <= 0 {
		errs = append(errs, fmt.Errorf("cache.ttl must be positive when the cache is enabled"))
	}
	if _, err := zapcore.ParseLevel(c.Logging.Level); c.Logging.Level != "" && err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// StoreOptions maps the store section onto snapshot options.
func (c Config) StoreOptions() []snapshot.Option {
	opts := []snapshot.Option{
		snapshot.WithName(c.Store.Name),
		snapshot.WithHistoryLimit(c.Store.HistoryLimit),
		snapshot.WithEventLogLimit(c.Store.EventLogLimit),
		snapshot.WithBatchConcurrency(c.Store.BatchConcurrency),
		snapshot.WithWriteThrough(c.Store.WriteThrough),
	}
	if strings.EqualFold(c.Store.DuplicatePolicy, "overwrite") {
		opts = append(opts, snapshot.WithDuplicatePolicy(snapshot.DuplicateOverwrite))
	}
	return opts
}

// Codec returns the persistence codec.
func (c Config) Codec() *state.Codec {
	return &state.Codec{Threshold: c.Persistence.CompressionThreshold}
}

// Logger builds the zap logger described by the logging section.
func (c Config) Logger() (*zap.SugaredLogger, error) {
	zc := zap.NewProductionConfig()
	if c.Logging.Development {
		zc = zap.NewDevelopmentConfig()
	}
	if c.Logging.Level != "" {
		level, err := zap.ParseAtomicLevel(c.Logging.Level)
		if err != nil {
			return nil, fmt.Errorf("config: logging level: %w", err)
		}
		zc.Level = level
	}
	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("config: build logger: %w", err)
	}
	return logger.Sugar(), nil
}
