// Package config loads mesctl settings from an optional YAML file and MES_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/viper"

	"github.com/animus-labs/animus-mes/internal/platform/objectstore"
	"github.com/animus-labs/animus-mes/internal/platform/postgres"
	"github.com/animus-labs/animus-mes/internal/platform/telemetry"
)

const EnvPrefix = "MES"

type Config struct {
	Database    postgres.Config    `mapstructure:"database"`
	ObjectStore objectstore.Config `mapstructure:"objectstore"`
	Metrics     telemetry.Config   `mapstructure:"metrics"`
	Log         struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`
	// CatalogFile seeds process definitions on `mesctl catalog apply` when no
	// file argument is given.
	CatalogFile string `mapstructure:"catalog_file"`
}

func setDefaults(v *viper.Viper) {
	db := postgres.DefaultConfig()
	v.SetDefault("database.url", db.URL)
	v.SetDefault("database.ping_timeout", db.PingTimeout)
	v.SetDefault("database.max_open_conns", db.MaxOpenConns)
	v.SetDefault("database.max_idle_conns", db.MaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", db.ConnMaxLifetime)
	v.SetDefault("database.conn_max_idle_time", db.ConnMaxIdleTime)

	v.SetDefault("objectstore.endpoint", "")
	v.SetDefault("objectstore.access_key", "")
	v.SetDefault("objectstore.secret_key", "")
	v.SetDefault("objectstore.region", "us-east-1")
	v.SetDefault("objectstore.use_ssl", false)
	v.SetDefault("objectstore.bucket", "traceability")

	metrics := telemetry.DefaultConfig()
	v.SetDefault("metrics.exporter", metrics.Exporter)
	v.SetDefault("metrics.interval", metrics.Interval)

	v.SetDefault("log.level", "info")
	v.SetDefault("catalog_file", "")
}

// Load reads path when set, otherwise mes.yaml from the working directory or
// ./config if present. Environment variables such as MES_DATABASE_URL
// override file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("mes")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c Config) Validate() error {
	if err := c.Database.Validate(); err != nil {
		return err
	}
	if c.ObjectStore.Enabled() {
		if err := c.ObjectStore.Validate(); err != nil {
			return fmt.Errorf("objectstore: %w", err)
		}
	}
	if err := c.Metrics.Validate(); err != nil {
		return err
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// ParseLevel maps a level name to slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}
