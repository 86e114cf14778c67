// Package config loads CloudBridge settings from a config file and
// CLOUDBRIDGE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/roach88/cloudbridge/internal/mapping"
)

// EnvPrefix prefixes every environment override: CLOUDBRIDGE_STORE_DSN
// sets store.dsn.
const EnvPrefix = "CLOUDBRIDGE"

// FileName is the config file looked up in the working directory when no
// explicit path is given.
const FileName = "cloudbridge"

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds every CloudBridge setting.
type Config struct {
	// Schema is a YAML or CUE schema file, or a CUE package directory.
	Schema     string      `mapstructure:"schema"`
	Store      StoreConfig `mapstructure:"store"`
	Mapping    string      `mapstructure:"mapping"`
	DateLayout string      `mapstructure:"date_layout"`
	Log        LogConfig   `mapstructure:"log"`
}

// StoreConfig selects the persistent store.
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// LogConfig controls logging. An empty File logs to stderr.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	return Config{
		Store:   StoreConfig{Driver: DriverMemory},
		Mapping: "underscored",
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("schema", d.Schema)
	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.dsn", d.Store.DSN)
	v.SetDefault("mapping", d.Mapping)
	v.SetDefault("date_layout", d.DateLayout)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
}

// Load reads path, or cloudbridge.{yaml,yml,json,toml} from the working
// directory when path is empty, and applies environment overrides. A
// missing default file is not an error; a missing explicit file is.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(FileName)
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks driver, mapping and log settings.
func (c Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for driver %q", c.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}
	if _, ok := mapping.ByName(c.Mapping); !ok {
		errs = append(errs, fmt.Errorf("unknown mapping %q", c.Mapping))
	}
	if _, err := c.Log.level(); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log.format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// PropertyMapping returns the configured mapping.
func (c Config) PropertyMapping() mapping.PropertyMapping {
	m, ok := mapping.ByName(c.Mapping)
	if !ok {
		return mapping.Identity{}
	}
	return m
}
