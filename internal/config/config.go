// Package config loads service settings from YAML and SMARTSEARCH_* env vars.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix namespaces environment overrides, e.g. SMARTSEARCH_SERVER_ADDR.
const EnvPrefix = "SMARTSEARCH"

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Storage StorageConfig `mapstructure:"storage"`
	Search  SearchConfig  `mapstructure:"search"`
	Source  SourceConfig  `mapstructure:"source"`
	Cluster ClusterConfig `mapstructure:"cluster"`
	Log     LogConfig     `mapstructure:"log"`
}

type ServerConfig struct {
	Addr       string        `mapstructure:"addr"`
	WebDir     string        `mapstructure:"web_dir"`
	MetaFile   string        `mapstructure:"meta_file"`
	KeyFile    string        `mapstructure:"key_file"`
	SessionTTL time.Duration `mapstructure:"session_ttl"`
	// RateLimit is keystroke requests per second per server; zero disables.
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`
}

type StorageConfig struct {
	DataDir       string        `mapstructure:"data_dir"`
	Retention     time.Duration `mapstructure:"retention"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	CleanInterval time.Duration `mapstructure:"clean_interval"`
	KeepSnapshots int           `mapstructure:"keep_snapshots"`
}

type SearchConfig struct {
	// Timezone drives calendar-day matching and time chip labels.
	Timezone string `mapstructure:"timezone"`
}

type SourceConfig struct {
	Patterns  []string      `mapstructure:"patterns"`
	TaskPath  string        `mapstructure:"task_path"`
	Watch     bool          `mapstructure:"watch"`
	Debounce  time.Duration `mapstructure:"debounce"`
	StateFile string        `mapstructure:"state_file"`
}

type ClusterConfig struct {
	Peers     []string      `mapstructure:"peers"`
	PeerToken string        `mapstructure:"peer_token"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // text or json
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:       ":8088",
			MetaFile:   "data/meta.dat",
			KeyFile:    "data/master.key",
			SessionTTL: 24 * time.Hour,
			RateLimit:  50,
			RateBurst:  20,
		},
		Storage: StorageConfig{
			DataDir:       "data",
			Retention:     168 * time.Hour,
			FlushInterval: 30 * time.Second,
			CleanInterval: time.Hour,
			KeepSnapshots: 2,
		},
		Search: SearchConfig{Timezone: "Local"},
		Source: SourceConfig{
			TaskPath: "$[*]",
			Debounce: 500 * time.Millisecond,
		},
		Cluster: ClusterConfig{Timeout: 10 * time.Second},
		Log:     LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path (when non-empty) over the defaults and applies env
// overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, Default())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key so env overrides reach Unmarshal.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.web_dir", d.Server.WebDir)
	v.SetDefault("server.meta_file", d.Server.MetaFile)
	v.SetDefault("server.key_file", d.Server.KeyFile)
	v.SetDefault("server.session_ttl", d.Server.SessionTTL)
	v.SetDefault("server.rate_limit", d.Server.RateLimit)
	v.SetDefault("server.rate_burst", d.Server.RateBurst)

	v.SetDefault("storage.data_dir", d.Storage.DataDir)
	v.SetDefault("storage.retention", d.Storage.Retention)
	v.SetDefault("storage.flush_interval", d.Storage.FlushInterval)
	v.SetDefault("storage.clean_interval", d.Storage.CleanInterval)
	v.SetDefault("storage.keep_snapshots", d.Storage.KeepSnapshots)

	v.SetDefault("search.timezone", d.Search.Timezone)

	v.SetDefault("source.patterns", d.Source.Patterns)
	v.SetDefault("source.task_path", d.Source.TaskPath)
	v.SetDefault("source.watch", d.Source.Watch)
	v.SetDefault("source.debounce", d.Source.Debounce)
	v.SetDefault("source.state_file", d.Source.StateFile)

	v.SetDefault("cluster.peers", d.Cluster.Peers)
	v.SetDefault("cluster.peer_token", d.Cluster.PeerToken)
	v.SetDefault("cluster.timeout", d.Cluster.Timeout)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Storage.Retention < 0 {
		errs = append(errs, errors.New("storage.retention must not be negative"))
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, errors.New("server.rate_limit must not be negative"))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, fmt.Errorf("search.timezone: %w", err))
	}
	if _, err := c.LogLevel(); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if f := c.Log.Format; f != "text" && f != "json" {
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", f))
	}
	return errors.Join(errs...)
}

// Location resolves Search.Timezone; empty means local time.
func (c *Config) Location() (*time.Location, error) {
	if c.Search.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Search.Timezone)
}

// LogLevel parses Log.Level ("debug", "info", "warn", "error").
func (c *Config) LogLevel() (slog.Level, error) {
	var l slog.Level
	err := l.UnmarshalText([]byte(c.Log.Level))
	return l, err
}

// MarshalYAML renders durations as strings so written files stay
// readable and load back through Load.
func (c Config) MarshalYAML() (any, error) {
	return map[string]any{
		"server": map[string]any{
			"addr":        c.Server.Addr,
			"web_dir":     c.Server.WebDir,
			"meta_file":   c.Server.MetaFile,
			"key_file":    c.Server.KeyFile,
			"session_ttl": c.Server.SessionTTL.String(),
			"rate_limit":  c.Server.RateLimit,
			"rate_burst":  c.Server.RateBurst,
		},
		"storage": map[string]any{
			"data_dir":       c.Storage.DataDir,
			"retention":      c.Storage.Retention.String(),
			"flush_interval": c.Storage.FlushInterval.String(),
			"clean_interval": c.Storage.CleanInterval.String(),
			"keep_snapshots": c.Storage.KeepSnapshots,
		},
		"search": map[string]any{
			"timezone": c.Search.Timezone,
		},
		"source": map[string]any{
			"patterns":   nonNil(c.Source.Patterns),
			"task_path":  c.Source.TaskPath,
			"watch":      c.Source.Watch,
			"debounce":   c.Source.Debounce.String(),
			"state_file": c.Source.StateFile,
		},
		"cluster": map[string]any{
			"peers":      nonNil(c.Cluster.Peers),
			"peer_token": c.Cluster.PeerToken,
			"timeout":    c.Cluster.Timeout.String(),
		},
		"log": map[string]any{
			"level":  c.Log.Level,
			"format": c.Log.Format,
		},
	}, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// WriteDefault writes the default configuration to path. An existing
// file is only replaced when force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s: %w", path, os.ErrExist)
		}
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
