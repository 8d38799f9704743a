// Package config loads ledger settings from ledger.toml, a .env file and
// LEDGER_* environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. LEDGER_SERVER_URL.
const EnvPrefix = "LEDGER"

// FileName is the config file looked up in the data directory.
const FileName = "ledger.toml"

type DBConfig struct {
	Path          string `mapstructure:"path"`
	PoolSize      int    `mapstructure:"pool_size"`
	BulkChunkSize int    `mapstructure:"bulk_chunk_size"`
}

type ServerConfig struct {
	URL string `mapstructure:"url"`
}

type SyncConfig struct {
	BatchSize      int           `mapstructure:"batch_size"`
	PullChunkSize  int           `mapstructure:"pull_chunk_size"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	Interval       time.Duration `mapstructure:"interval"`
}

type DaemonConfig struct {
	StatusInterval time.Duration `mapstructure:"status_interval"`
	Debounce       time.Duration `mapstructure:"debounce"`
}

type DashboardConfig struct {
	Port int `mapstructure:"port"`
}

type KeyringConfig struct {
	Service string `mapstructure:"service"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

type LedgerConfig struct {
	Currency string `mapstructure:"currency"`
}

// Config is the full set of ledger settings.
type Config struct {
	DB        DBConfig        `mapstructure:"db"`
	Server    ServerConfig    `mapstructure:"server"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Daemon    DaemonConfig    `mapstructure:"daemon"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Keyring   KeyringConfig   `mapstructure:"keyring"`
	Log       LogConfig       `mapstructure:"log"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
}

// DataDir is where the store and config file live by default.
func DataDir() string {
	if dir := os.Getenv(EnvPrefix + "_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".jmnr-ledger"
	}
	return filepath.Join(home, ".jmnr-ledger")
}

// Default returns the built-in settings.
func Default() *Config {
	dir := DataDir()
	return &Config{
		DB: DBConfig{
			Path:          filepath.Join(dir, "ledger.db"),
			PoolSize:      3,
			BulkChunkSize: 100,
		},
		Server: ServerConfig{URL: "http://localhost:8080/api"},
		Sync: SyncConfig{
			BatchSize:      100,
			PullChunkSize:  50,
			RequestTimeout: 30 * time.Second,
			Interval:       5 * time.Minute,
		},
		Daemon: DaemonConfig{
			StatusInterval: 30 * time.Second,
			Debounce:       2 * time.Second,
		},
		Dashboard: DashboardConfig{Port: 8765},
		Keyring:   KeyringConfig{Service: "jmnr-ledger"},
		Log:       LogConfig{Level: "info"},
		Ledger:    LedgerConfig{Currency: "PKR"},
	}
}

// SetDefaults registers every key on v so env overrides apply to all of them.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("db.path", d.DB.Path)
	v.SetDefault("db.pool_size", d.DB.PoolSize)
	v.SetDefault("db.bulk_chunk_size", d.DB.BulkChunkSize)
	v.SetDefault("server.url", d.Server.URL)
	v.SetDefault("sync.batch_size", d.Sync.BatchSize)
	v.SetDefault("sync.pull_chunk_size", d.Sync.PullChunkSize)
	v.SetDefault("sync.request_timeout", d.Sync.RequestTimeout)
	v.SetDefault("sync.interval", d.Sync.Interval)
	v.SetDefault("daemon.status_interval", d.Daemon.StatusInterval)
	v.SetDefault("daemon.debounce", d.Daemon.Debounce)
	v.SetDefault("dashboard.port", d.Dashboard.Port)
	v.SetDefault("keyring.service", d.Keyring.Service)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("ledger.currency", d.Ledger.Currency)
}

// New returns a viper instance wired for ledger settings. An empty file
// means ledger.toml in the working directory or the data directory.
func New(file string) *viper.Viper {
	// A missing .env is normal.
	_ = godotenv.Load()

	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName(strings.TrimSuffix(FileName, filepath.Ext(FileName)))
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		v.AddConfigPath(DataDir())
	}
	return v
}

// Load reads settings. A missing config file is not an error; a malformed
// one is.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return Decode(v)
}

// Decode converts the current state of v without re-reading the file.
func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the ledger cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.DB.Path == "" {
		errs = append(errs, errors.New("db.path must be set"))
	}
	if c.DB.PoolSize < 1 {
		errs = append(errs, fmt.Errorf("db.pool_size must be at least 1, got %d", c.DB.PoolSize))
	}
	if c.Sync.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("sync.batch_size must be at least 1, got %d", c.Sync.BatchSize))
	}
	if c.Sync.Interval <= 0 {
		errs = append(errs, errors.New("sync.interval must be positive"))
	}
	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		errs = append(errs, fmt.Errorf("dashboard.port out of range: %d", c.Dashboard.Port))
	}
	return errors.Join(errs...)
}

// WriteDefault writes the built-in settings to path. It refuses to replace
// an existing file unless force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintln(f, "# Ledger settings. LEDGER_<SECTION>_<KEY> environment variables override these."); err != nil {
		return err
	}
	if err := toml.NewEncoder(f).Encode(Default().Sections()); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return f.Close()
}

// Watch calls fn with freshly decoded settings whenever the config file
// changes. Invalid edits are passed to onErr and the old settings stay in
// effect.
func Watch(v *viper.Viper, fn func(*Config), onErr func(error)) {
	v.OnConfigChange(func(fsnotify.Event) {
		cfg, err := Decode(v)
		if err != nil {
			if onErr != nil {
				onErr(err)
			}
			return
		}
		fn(cfg)
	})
	v.WatchConfig()
}

// Sections lays c out as TOML tables with durations in their string form,
// the form viper decodes back.
func (c *Config) Sections() map[string]map[string]any {
	return map[string]map[string]any{
		"db": {
			"path":            c.DB.Path,
			"pool_size":       c.DB.PoolSize,
			"bulk_chunk_size": c.DB.BulkChunkSize,
		},
		"server": {"url": c.Server.URL},
		"sync": {
			"batch_size":      c.Sync.BatchSize,
			"pull_chunk_size": c.Sync.PullChunkSize,
			"request_timeout": c.Sync.RequestTimeout.String(),
			"interval":        c.Sync.Interval.String(),
		},
		"daemon": {
			"status_interval": c.Daemon.StatusInterval.String(),
			"debounce":        c.Daemon.Debounce.String(),
		},
		"dashboard": {"port": c.Dashboard.Port},
		"keyring":   {"service": c.Keyring.Service},
		"log":       {"level": c.Log.Level, "file": c.Log.File},
		"ledger":    {"currency": c.Ledger.Currency},
	}
}
