// Package config loads ytfs configuration from a YAML file, YTFS_*
// environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ogorbacheva/ytsaurus-sub001/internal/adapter"
	"github.com/ogorbacheva/ytsaurus-sub001/internal/attrcache"
	"github.com/ogorbacheva/ytsaurus-sub001/internal/fuse"
	"github.com/ogorbacheva/ytsaurus-sub001/internal/logging"
	"github.com/ogorbacheva/ytsaurus-sub001/internal/reader"
	"github.com/ogorbacheva/ytsaurus-sub001/internal/store/httpstore"
	"github.com/ogorbacheva/ytsaurus-sub001/internal/store/s3store"
	"github.com/ogorbacheva/ytsaurus-sub001/pkg/retry"
)

// EnvPrefix is the prefix of environment variable overrides.
// Example: YTFS_STORE_HTTP_PROXY=localhost:8000
const EnvPrefix = "YTFS"

// Config is the complete ytfs configuration.
//
// Precedence, highest first: bound command-line flags, YTFS_* environment
// variables, the config file, then defaults from ApplyDefaults.
type Config struct {
	// Logging controls log output.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Store selects and configures the remote store backend.
	Store StoreConfig `mapstructure:"store" yaml:"store"`

	// Cache bounds the attribute cache.
	Cache CacheConfig `mapstructure:"cache" yaml:"cache"`

	// Reader tunes remote fetch sizes.
	Reader ReaderConfig `mapstructure:"reader" yaml:"reader"`

	// Mount configures the kernel mount.
	Mount MountConfig `mapstructure:"mount" yaml:"mount"`

	// Metrics configures the Prometheus endpoint.
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Retry is the retry policy of remote store calls.
	Retry retry.Config `mapstructure:"retry" yaml:"retry"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level.
	// Valid values: debug, info, warn, error (case-insensitive)
	Level string `mapstructure:"level" yaml:"level" validate:"required,oneof=debug info warn error DEBUG INFO WARN ERROR"`

	// Format is the log encoding.
	// Valid values: json, console
	Format string `mapstructure:"format" yaml:"format" validate:"required,oneof=json console"`

	// Output is stdout, stderr, or a file path.
	Output string `mapstructure:"output" yaml:"output" validate:"required"`
}

// StoreConfig selects the remote store backend.
type StoreConfig struct {
	// Type is the backend.
	// Valid values: http, s3, memory
	Type string `mapstructure:"type" yaml:"type" validate:"required,oneof=http s3 memory"`

	// HTTP configures the HTTP proxy client. Used when Type is http.
	HTTP HTTPConfig `mapstructure:"http" yaml:"http"`

	// S3 configures the bucket view. Used when Type is s3.
	S3 s3store.Config `mapstructure:"s3" yaml:"s3"`
}

// HTTPConfig configures the HTTP proxy client.
type HTTPConfig struct {
	// Proxy is the proxy host[:port] or URL.
	Proxy string `mapstructure:"proxy" yaml:"proxy"`

	// Token is the OAuth token. When empty the token saved by
	// `ytfs login` is used.
	Token string `mapstructure:"token" yaml:"token"`

	// Timeout bounds a single HTTP request.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"gte=0"`
}

// CacheConfig bounds the attribute cache.
type CacheConfig struct {
	// MaxAge is how long an entry stays fresh.
	MaxAge time.Duration `mapstructure:"max_age" yaml:"max_age" validate:"gt=0"`

	// MaxEntries caps the number of cached entries.
	MaxEntries int `mapstructure:"max_entries" yaml:"max_entries" validate:"gt=0"`
}

// ReaderConfig tunes the file and table readers.
type ReaderConfig struct {
	// MinFetchSize is the smallest file fetch in bytes.
	MinFetchSize int64 `mapstructure:"min_fetch_size" yaml:"min_fetch_size" validate:"gt=0"`

	// TableGranularity is the number of rows per table fetch.
	TableGranularity int64 `mapstructure:"table_granularity" yaml:"table_granularity" validate:"gt=0"`

	// TableFormat is the row serialization format requested from the store.
	TableFormat string `mapstructure:"table_format" yaml:"table_format" validate:"required"`

	// TableMaxBuffered caps buffered table bytes below the read position.
	// Zero keeps everything.
	TableMaxBuffered int64 `mapstructure:"table_max_buffered" yaml:"table_max_buffered" validate:"gte=0"`
}

// MountConfig configures the kernel mount.
type MountConfig struct {
	AllowOther   bool          `mapstructure:"allow_other" yaml:"allow_other"`
	Debug        bool          `mapstructure:"debug" yaml:"debug"`
	AttrTimeout  time.Duration `mapstructure:"attr_timeout" yaml:"attr_timeout" validate:"gte=0"`
	EntryTimeout time.Duration `mapstructure:"entry_timeout" yaml:"entry_timeout" validate:"gte=0"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Addr is the listen address of /metrics. Empty disables it.
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// Load reads configuration from configPath (optional), the environment and
// any flags in flags that are bound to keys, then applies defaults and
// validates the result.
//
// A missing config file is not an error.
func Load(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	if flags != nil {
		if err := bindFlags(v, flags); err != nil {
			return nil, err
		}
	}

	if err := readConfigFile(v, configPath); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only applies to keys viper already knows about.
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	}
}

func readConfigFile(v *viper.Viper, configPath string) error {
	if configPath == "" {
		return nil
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// flagKeys maps command-line flags to configuration keys.
var flagKeys = map[string]string{
	"store":        "store.type",
	"proxy":        "store.http.proxy",
	"token":        "store.http.token",
	"log-level":    "logging.level",
	"log-format":   "logging.format",
	"metrics-addr": "metrics.addr",
	"allow-other":  "mount.allow_other",
	"debug":        "mount.debug",
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := flags.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag --%s: %w", name, err)
		}
	}
	return nil
}

var envKeys = []string{
	"logging.level", "logging.format", "logging.output",
	"store.type",
	"store.http.proxy", "store.http.token", "store.http.timeout",
	"store.s3.endpoint", "store.s3.bucket", "store.s3.prefix", "store.s3.region",
	"store.s3.access_key", "store.s3.secret_key", "store.s3.use_path_style",
	"cache.max_age", "cache.max_entries",
	"reader.min_fetch_size", "reader.table_granularity", "reader.table_format", "reader.table_max_buffered",
	"mount.allow_other", "mount.debug", "mount.attr_timeout", "mount.entry_timeout",
	"metrics.addr",
	"retry.max_attempts", "retry.initial_wait", "retry.max_wait", "retry.multiplier", "retry.jitter",
}

// LoggingOptions converts the logging section for logging.Init.
func (c *Config) LoggingOptions() logging.Config {
	return logging.Config{
		Level:      strings.ToLower(c.Logging.Level),
		Format:     c.Logging.Format,
		OutputPath: c.Logging.Output,
	}
}

// AdapterOptions converts the cache and reader sections for adapter.New.
func (c *Config) AdapterOptions() adapter.Config {
	return adapter.Config{
		Cache: attrcache.Config{
			MaxAge:     c.Cache.MaxAge,
			MaxEntries: c.Cache.MaxEntries,
		},
		Reader: reader.Config{
			MinFetchSize:     c.Reader.MinFetchSize,
			TableGranularity: c.Reader.TableGranularity,
			TableFormat:      c.Reader.TableFormat,
			TableMaxBuffered: c.Reader.TableMaxBuffered,
		},
	}
}

// MountOptions converts the mount section for fuse.Mount.
func (c *Config) MountOptions() fuse.Config {
	return fuse.Config{
		AllowOther:   c.Mount.AllowOther,
		Debug:        c.Mount.Debug,
		AttrTimeout:  c.Mount.AttrTimeout,
		EntryTimeout: c.Mount.EntryTimeout,
	}
}

// HTTPOptions converts the HTTP store section for httpstore.New.
func (c *Config) HTTPOptions() httpstore.Config {
	return httpstore.Config{
		Proxy:       c.Store.HTTP.Proxy,
		Token:       c.Store.HTTP.Token,
		Timeout:     c.Store.HTTP.Timeout,
		RetryConfig: c.Retry,
	}
}
