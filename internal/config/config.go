// Package config loads the entsearch configuration.
//
// Configuration is applied in order of increasing precedence:
//  1. Hardcoded defaults
//  2. entsearch.yaml (or .yml) in the project directory
//  3. Environment variables (ENTSEARCH_*)
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lodeworks/entsearch/internal/entity"
	enterrors "github.com/lodeworks/entsearch/internal/errors"
	"github.com/lodeworks/entsearch/internal/index"
	"github.com/lodeworks/entsearch/internal/logging"
	"github.com/lodeworks/entsearch/internal/mass"
	"github.com/lodeworks/entsearch/internal/watch"
)

// Config is the complete entsearch configuration.
type Config struct {
	Store   StoreConfig    `yaml:"store"`
	Index   IndexConfig    `yaml:"index"`
	Session SessionConfig  `yaml:"session"`
	Mass    MassConfig     `yaml:"mass"`
	Watch   watch.Options  `yaml:"watch"`
	Log     logging.Config `yaml:"log"`
	Kinds   []*entity.Kind `yaml:"kinds"`
}

// StoreConfig configures the backing SQLite database.
type StoreConfig struct {
	// Path is the SQLite database file holding the entity tables.
	Path string `yaml:"path"`

	// ReadTimeout bounds each read query during scans.
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// BusyTimeout is the SQLite busy handler timeout.
	BusyTimeout time.Duration `yaml:"busy_timeout"`

	// CacheSizeMB is the SQLite page cache size in MB.
	CacheSizeMB int `yaml:"cache_size_mb"`
}

// IndexConfig configures the search index.
type IndexConfig struct {
	// Path is the index directory. Empty means in-memory (testing only).
	Path string `yaml:"path"`

	// Tuning holds the engine properties.
	Tuning index.Tuning `yaml:"tuning"`
}

// SessionConfig configures the mutation queue.
type SessionConfig struct {
	AutoFlushThreshold int `yaml:"auto_flush_threshold"`
	HashCacheSize      int `yaml:"hash_cache_size"`
}

// MassConfig configures mass indexing runs.
type MassConfig struct {
	// Factory selects the runner implementation; empty means the pooled
	// coordinator.
	Factory string `yaml:"factory"`

	// Options are the run defaults, overridable per run from the CLI.
	Options mass.Options `yaml:",inline"`
}

// New returns the configuration defaults.
func New() *Config {
	return &Config{
		Store: StoreConfig{
			Path:        "entsearch.db",
			ReadTimeout: 5 * time.Minute,
			BusyTimeout: 5 * time.Second,
			CacheSizeMB: 64,
		},
		Index: IndexConfig{
			Path:   ".entsearch/index",
			Tuning: index.DefaultTuning(),
		},
		Session: SessionConfig{
			AutoFlushThreshold: 1000,
			HashCacheSize:      16384,
		},
		Mass: MassConfig{
			Factory: mass.DefaultFactoryName,
			Options: massDefaults(),
		},
		Watch: watch.DefaultOptions(),
		Log: logging.Config{
			Level:         "info",
			WriteToStderr: true,
		},
	}
}

func massDefaults() mass.Options {
	o := mass.DefaultOptions()
	o.LockPath = ".entsearch/mass.lock"
	return o
}

// Load reads the configuration for a project directory.
func Load(dir string) (*Config, error) {
	cfg := New()

	if path, ok := findConfigFile(dir); ok {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, enterrors.New(enterrors.ErrCodeConfigNotFound,
				fmt.Sprintf("cannot read config file %s", path), err)
		}
		// Unmarshalling over the defaults keeps any key the file omits.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, enterrors.ConfigError(
				fmt.Sprintf("cannot parse config file %s", path), err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// findConfigFile looks for entsearch.yaml then entsearch.yml in dir.
func findConfigFile(dir string) (string, bool) {
	for _, name := range []string{"entsearch.yaml", "entsearch.yml"} {
		path := filepath.Join(dir, name)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, true
		}
	}
	return "", false
}

// applyEnvOverrides applies ENTSEARCH_* environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("ENTSEARCH_STORE_PATH"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("ENTSEARCH_INDEX_PATH"); v != "" {
		c.Index.Path = v
	}
	if v := os.Getenv("ENTSEARCH_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("ENTSEARCH_LOG_FILE"); v != "" {
		c.Log.FilePath = v
	}
	if v := os.Getenv("ENTSEARCH_MASS_FACTORY"); v != "" {
		c.Mass.Factory = v
	}
	if v := os.Getenv("ENTSEARCH_MASS_PARALLEL_KINDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Mass.Options.ParallelKinds = n
		}
	}
	if v := os.Getenv("ENTSEARCH_MASS_LOADER_THREADS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Mass.Options.LoaderThreads = n
		}
	}
	if v := os.Getenv("ENTSEARCH_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.Store.ReadTimeout = d
		}
	}
}

// Validate checks the final configuration.
func (c *Config) Validate() error {
	if c.Store.Path == "" {
		return enterrors.ConfigError("store.path is required", nil)
	}

	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return enterrors.ConfigError(
			fmt.Sprintf("log.level must be debug, info, warn, or error, got %q", c.Log.Level), nil)
	}

	if err := c.Mass.Options.Validate(); err != nil {
		return err
	}

	seen := make(map[string]bool, len(c.Kinds))
	for _, k := range c.Kinds {
		if err := k.Validate(); err != nil {
			return enterrors.ConfigError(err.Error(), err)
		}
		if seen[k.Name] {
			return enterrors.ConfigError(
				fmt.Sprintf("kind %s defined twice", k.Name), nil)
		}
		seen[k.Name] = true
	}

	return nil
}

// Registry builds the entity registry from the configured kinds.
func (c *Config) Registry() (*entity.Registry, error) {
	reg := entity.NewRegistry()
	for _, k := range c.Kinds {
		if err := reg.Register(k); err != nil {
			return nil, enterrors.ConfigError(err.Error(), err)
		}
	}
	return reg, nil
}

// WriteYAML writes the configuration to a file, used by `entsearch init`.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return enterrors.ConfigError("cannot marshal config", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return enterrors.ConfigError(fmt.Sprintf("cannot write %s", path), err)
	}
	return nil
}

// String renders the effective configuration for `entsearch status`,
// with one line per section.
func (c *Config) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "store: %s\n", c.Store.Path)
	fmt.Fprintf(&b, "index: %s\n", c.Index.Path)
	fmt.Fprintf(&b, "kinds: %d\n", len(c.Kinds))
	fmt.Fprintf(&b, "mass factory: %s\n", c.Mass.Factory)
	return b.String()
}
