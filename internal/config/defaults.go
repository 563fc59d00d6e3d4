package config

import (
	"strings"
	"time"

	"github.com/ogorbacheva/ytsaurus-sub001/internal/attrcache"
	"github.com/ogorbacheva/ytsaurus-sub001/internal/reader"
	"github.com/ogorbacheva/ytsaurus-sub001/pkg/retry"
)

// ApplyDefaults fills zero-valued fields. Explicit values are preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyStoreDefaults(&cfg.Store)
	applyCacheDefaults(&cfg.Cache)
	applyReaderDefaults(&cfg.Reader)
	applyMountDefaults(&cfg.Mount)
	applyRetryDefaults(&cfg.Retry)
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	cfg.Level = strings.ToLower(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "console"
	}
	if cfg.Output == "" {
		cfg.Output = "stderr"
	}
}

func applyStoreDefaults(cfg *StoreConfig) {
	if cfg.Type == "" {
		cfg.Type = "http"
	}
	if cfg.HTTP.Timeout == 0 {
		cfg.HTTP.Timeout = 60 * time.Second
	}
	if cfg.S3.Region == "" {
		cfg.S3.Region = "us-east-1"
	}
}

func applyCacheDefaults(cfg *CacheConfig) {
	def := attrcache.DefaultConfig()
	if cfg.MaxAge == 0 {
		cfg.MaxAge = def.MaxAge
	}
	if cfg.MaxEntries == 0 {
		cfg.MaxEntries = def.MaxEntries
	}
}

func applyReaderDefaults(cfg *ReaderConfig) {
	def := reader.DefaultConfig()
	if cfg.MinFetchSize == 0 {
		cfg.MinFetchSize = def.MinFetchSize
	}
	if cfg.TableGranularity == 0 {
		cfg.TableGranularity = def.TableGranularity
	}
	if cfg.TableFormat == "" {
		cfg.TableFormat = def.TableFormat
	}
	if cfg.TableMaxBuffered == 0 {
		cfg.TableMaxBuffered = def.TableMaxBuffered
	}
}

func applyMountDefaults(cfg *MountConfig) {
	if cfg.AttrTimeout == 0 {
		cfg.AttrTimeout = time.Second
	}
	if cfg.EntryTimeout == 0 {
		cfg.EntryTimeout = time.Second
	}
}

func applyRetryDefaults(cfg *retry.Config) {
	def := retry.DefaultConfig()
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialWait == 0 {
		cfg.InitialWait = def.InitialWait
	}
	if cfg.MaxWait == 0 {
		cfg.MaxWait = def.MaxWait
	}
	if cfg.Multiplier == 0 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.Jitter == 0 {
		cfg.Jitter = def.Jitter
	}
}
