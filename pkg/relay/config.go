package relay

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/zap/zapcore"
)

// Default values for Config
const (
	DefaultName              = "logrelay"
	DefaultMaxBatchSize      = 10
	DefaultMaxRetryAttempts  = 3
	DefaultAccumulateWait    = 5 * time.Second
	DefaultFlushPollInterval = 2 * time.Second
	DefaultRetryMinBackoff   = 100 * time.Millisecond
	DefaultRetryMaxBackoff   = 2 * time.Second
	DefaultSyncTimeout       = 10 * time.Second
	DefaultFailureBuffer     = 64
)

// Config holds the tunables shared by Client and Dispatcher.
//
// Level is the one field WithDefaults leaves alone: its zero value is
// zapcore.InfoLevel, so Config{} drops debug records while DefaultConfig and
// LoadConfig accept them. Start from DefaultConfig to relay everything.
type Config struct {
	Name              string            `env:"LOGRELAY_NAME"                envDefault:"logrelay"` // Relay name, used in logs, metrics and errors
	Level             zapcore.Level     `env:"LOGRELAY_LEVEL"               envDefault:"debug"`    // Minimum level accepted by the relay
	GlobalExtra       map[string]string `env:"LOGRELAY_GLOBAL_EXTRA"`                              // Fields merged into every record (k1:v1,k2:v2)
	MaxBatchSize      int               `env:"LOGRELAY_MAX_BATCH_SIZE"      envDefault:"10"`       // Messages per Deliverer batch call
	MaxRetryAttempts  int               `env:"LOGRELAY_MAX_RETRY_ATTEMPTS"  envDefault:"3"`        // Deliverer calls per batch before it is dropped
	AccumulateWait    time.Duration     `env:"LOGRELAY_ACCUMULATE_WAIT"     envDefault:"5s"`       // Bounded wait of each buffer pop
	FlushPollInterval time.Duration     `env:"LOGRELAY_FLUSH_POLL_INTERVAL" envDefault:"2s"`       // Interval at which Flush re-checks the buffer
	RetryMinBackoff   time.Duration     `env:"LOGRELAY_RETRY_MIN_BACKOFF"   envDefault:"100ms"`    // First delay between delivery attempts
	RetryMaxBackoff   time.Duration     `env:"LOGRELAY_RETRY_MAX_BACKOFF"   envDefault:"2s"`       // Upper bound of the delay between attempts
	SyncTimeout       time.Duration     `env:"LOGRELAY_SYNC_TIMEOUT"        envDefault:"10s"`      // Bound of zap Sync and synchronous writes
}

// DefaultConfig returns a Config with every field set to its default.
func DefaultConfig() Config {
	return Config{
		Name:              DefaultName,
		Level:             zapcore.DebugLevel,
		MaxBatchSize:      DefaultMaxBatchSize,
		MaxRetryAttempts:  DefaultMaxRetryAttempts,
		AccumulateWait:    DefaultAccumulateWait,
		FlushPollInterval: DefaultFlushPollInterval,
		RetryMinBackoff:   DefaultRetryMinBackoff,
		RetryMaxBackoff:   DefaultRetryMaxBackoff,
		SyncTimeout:       DefaultSyncTimeout,
	}
}

// LoadConfig loads the relay configuration from environment variables.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse relay config: %w", err)
	}
	return cfg, nil
}

// WithDefaults returns a copy of the config with zero-valued fields replaced by
// their defaults. Level is kept as is, since its zero value is a valid level.
// The original config is not modified.
func (c Config) WithDefaults() Config {
	if c.Name == "" {
		c.Name = DefaultName
	}
	if c.MaxBatchSize == 0 {
		c.MaxBatchSize = DefaultMaxBatchSize
	}
	if c.MaxRetryAttempts == 0 {
		c.MaxRetryAttempts = DefaultMaxRetryAttempts
	}
	if c.AccumulateWait == 0 {
		c.AccumulateWait = DefaultAccumulateWait
	}
	if c.FlushPollInterval == 0 {
		c.FlushPollInterval = DefaultFlushPollInterval
	}
	if c.RetryMinBackoff == 0 {
		c.RetryMinBackoff = DefaultRetryMinBackoff
	}
	if c.RetryMaxBackoff == 0 {
		c.RetryMaxBackoff = DefaultRetryMaxBackoff
	}
	if c.SyncTimeout == 0 {
		c.SyncTimeout = DefaultSyncTimeout
	}
	return c
}

// Validate checks that every field holds a usable value.
func (c Config) Validate() error {
	var errs []error
	if c.MaxBatchSize < 1 {
		errs = append(errs, fmt.Errorf("max batch size must be > 0, got %d", c.MaxBatchSize))
	}
	if c.MaxRetryAttempts < 1 {
		errs = append(errs, fmt.Errorf("max retry attempts must be > 0, got %d", c.MaxRetryAttempts))
	}
	if c.AccumulateWait <= 0 {
		errs = append(errs, fmt.Errorf("accumulate wait must be > 0, got %s", c.AccumulateWait))
	}
	if c.FlushPollInterval <= 0 {
		errs = append(errs, fmt.Errorf("flush poll interval must be > 0, got %s", c.FlushPollInterval))
	}
	if c.RetryMinBackoff < 0 {
		errs = append(errs, fmt.Errorf("retry min backoff must be >= 0, got %s", c.RetryMinBackoff))
	}
	if c.RetryMaxBackoff < c.RetryMinBackoff {
		errs = append(errs, fmt.Errorf("retry max backoff %s is below min backoff %s", c.RetryMaxBackoff, c.RetryMinBackoff))
	}
	if c.SyncTimeout <= 0 {
		errs = append(errs, fmt.Errorf("sync timeout must be > 0, got %s", c.SyncTimeout))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}
