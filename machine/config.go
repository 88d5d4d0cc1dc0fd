package machine

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v2"
)

// Config carries the executor's tuning knobs: the response cache
// bound per session and the reference leak grace window.
type Config struct {
	// ID tags this executor in logs.
	ID uint64 `yaml:"id" env:"COPYCAT_ID"`

	// ResponseCacheSize bounds each session's cached responses.
	ResponseCacheSize int `yaml:"response_cache_size" env:"COPYCAT_RESPONSE_CACHE_SIZE"`

	// LeakGrace is how long a commit may stay unreleased before the
	// watchdog reports it as a stall.
	LeakGrace time.Duration `yaml:"leak_grace" env:"COPYCAT_LEAK_GRACE"`

	// LeakTickMillis is the watchdog period. Zero disables the
	// watchdog entirely.
	LeakTickMillis int `yaml:"leak_tick_millis" env:"COPYCAT_LEAK_TICK_MILLIS"`
}

// DefaultConfig return the defaults every loader starts from.
func DefaultConfig() Config {
	return Config{
		ResponseCacheSize: 128,
		LeakGrace:         10 * time.Second,
		LeakTickMillis:    1000,
	}
}

// ParseConfig overlay a YAML blob on the defaults.
func ParseConfig(in []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(in, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.verify(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ConfigFromEnv overlay COPYCAT_* environment variables on the
// defaults.
func ConfigFromEnv() (*Config, error) {
	cfg := DefaultConfig()
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.verify(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) verify() error {
	if cfg.ResponseCacheSize <= 0 {
		return fmt.Errorf("response cache size must be positive: %d",
			cfg.ResponseCacheSize)
	}
	if cfg.LeakGrace <= 0 {
		return fmt.Errorf("leak grace must be positive: %v", cfg.LeakGrace)
	}
	if cfg.LeakTickMillis < 0 {
		return fmt.Errorf("leak tick must not be negative: %d",
			cfg.LeakTickMillis)
	}
	return nil
}
