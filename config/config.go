// Package config holds the runtime configuration surface of the
// message lifecycle engine and its TOML file loading.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Defaults applied by FixupAndValidate for unset fields.
const (
	DefaultMaximumProcessingAttempts = 1000
	DefaultProcessingRetryDelay      = 60000 // milliseconds
	DefaultMaxMessageSize            = 40000 // bytes
	DefaultMaxPartSize               = 40000 // bytes
	DefaultDownloadBatchSize         = 3
	DefaultSweepInterval             = 30000 // milliseconds
)

// Config is the engine configuration. MasterKey is the only field
// without a default: a missing or undecodable master key is a fatal
// configuration error at service construction, never a per-call error.
type Config struct {
	// MasterKey is the base64-encoded AES master key all per-device
	// keys are derived from. Required; must decode to 16, 24, or 32
	// bytes.
	MasterKey string

	// MaximumProcessingAttempts caps processing retries before a
	// message is moved to Failed.
	MaximumProcessingAttempts int

	// ProcessingRetryDelay is the minimum wait in milliseconds before a
	// failed message becomes eligible for processing again.
	ProcessingRetryDelay int

	// MaxMessageSize is the largest payload in bytes accepted for
	// asynchronous processing without part splitting.
	MaxMessageSize int

	// MaxPartSize is the largest data size in bytes of a single part.
	MaxPartSize int

	// DownloadBatchSize bounds how many rows one download response may
	// carry.
	DownloadBatchSize int

	// SweepInterval is the period in milliseconds of the background
	// sweeps that rediscover queued work missed by triggers.
	SweepInterval int

	// DataDir is where the bolt database lives. Empty selects the
	// in-memory store.
	DataDir string
}

// DefaultConfig returns a config with every default applied and no
// master key; callers must still set MasterKey before use.
func DefaultConfig() *Config {
	cfg := new(Config)
	cfg.applyDefaults()
	return cfg
}

func (cfg *Config) applyDefaults() {
	if cfg.MaximumProcessingAttempts == 0 {
		cfg.MaximumProcessingAttempts = DefaultMaximumProcessingAttempts
	}
	if cfg.ProcessingRetryDelay == 0 {
		cfg.ProcessingRetryDelay = DefaultProcessingRetryDelay
	}
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	if cfg.MaxPartSize == 0 {
		cfg.MaxPartSize = DefaultMaxPartSize
	}
	if cfg.DownloadBatchSize == 0 {
		cfg.DownloadBatchSize = DefaultDownloadBatchSize
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
}

// FixupAndValidate applies defaults and validates the configuration.
func (cfg *Config) FixupAndValidate() error {
	cfg.applyDefaults()

	if cfg.MasterKey == "" {
		return errors.New("config: MasterKey is required")
	}
	key, err := base64.StdEncoding.DecodeString(cfg.MasterKey)
	if err != nil {
		return fmt.Errorf("config: MasterKey is not valid base64: %w", err)
	}
	switch len(key) {
	case 16, 24, 32:
	default:
		return fmt.Errorf("config: MasterKey decodes to %d bytes, want 16, 24, or 32", len(key))
	}

	if cfg.MaximumProcessingAttempts < 1 {
		return fmt.Errorf("config: MaximumProcessingAttempts %d must be positive", cfg.MaximumProcessingAttempts)
	}
	if cfg.ProcessingRetryDelay < 0 {
		return fmt.Errorf("config: ProcessingRetryDelay %d must not be negative", cfg.ProcessingRetryDelay)
	}
	if cfg.MaxMessageSize < 1 {
		return fmt.Errorf("config: MaxMessageSize %d must be positive", cfg.MaxMessageSize)
	}
	if cfg.MaxPartSize < 1 {
		return fmt.Errorf("config: MaxPartSize %d must be positive", cfg.MaxPartSize)
	}
	if cfg.DownloadBatchSize < 1 {
		return fmt.Errorf("config: DownloadBatchSize %d must be positive", cfg.DownloadBatchSize)
	}
	if cfg.SweepInterval < 1 {
		return fmt.Errorf("config: SweepInterval %d must be positive", cfg.SweepInterval)
	}
	return nil
}

// MasterKeyBytes decodes the master key. Call after FixupAndValidate.
func (cfg *Config) MasterKeyBytes() ([]byte, error) {
	return base64.StdEncoding.DecodeString(cfg.MasterKey)
}

// RetryDelay returns ProcessingRetryDelay as a duration.
func (cfg *Config) RetryDelay() time.Duration {
	return time.Duration(cfg.ProcessingRetryDelay) * time.Millisecond
}

// Sweep returns SweepInterval as a duration.
func (cfg *Config) Sweep() time.Duration {
	return time.Duration(cfg.SweepInterval) * time.Millisecond
}

// Load parses and validates a TOML config document.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing: %w", err)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads, parses, and validates a TOML config file.
func LoadFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	return Load(b)
}
