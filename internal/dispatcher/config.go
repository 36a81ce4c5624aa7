package dispatcher

import (
	"time"

	"batchdriver/internal/config"
)

// MemoryConfig holds configuration for the in-memory dispatcher.
type MemoryConfig struct {
	BufferSize  int           // pending callbacks buffer (default: 10000)
	Workers     int           // concurrent delivery goroutines (default: 10)
	HTTPTimeout time.Duration // per-delivery timeout (default: 60s)
	MaxAttempts int           // attempts per callback (default: 1, i.e. never retried)

	BreakerThreshold int           // consecutive failures per host before skipping it (default: 5)
	BreakerCooldown  time.Duration // how long a failing host is skipped (default: 30s)
}

// LoadConfigFromEnv loads dispatcher configuration from environment variables.
func LoadConfigFromEnv() MemoryConfig {
	cfg := MemoryConfig{
		BufferSize:       config.GetIntEnv("CALLBACK_BUFFER_SIZE", 10000),
		Workers:          config.GetIntEnv("CALLBACK_WORKERS", 10),
		HTTPTimeout:      config.GetDurationEnv("CALLBACK_TIMEOUT", 60*time.Second),
		MaxAttempts:      config.GetIntEnv("CALLBACK_MAX_ATTEMPTS", 1),
		BreakerThreshold: config.GetIntEnv("CALLBACK_BREAKER_THRESHOLD", 5),
		BreakerCooldown:  config.GetDurationEnv("CALLBACK_BREAKER_COOLDOWN", 30*time.Second),
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c MemoryConfig) withDefaults() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 10000
	}
	if c.Workers <= 0 {
		c.Workers = 10
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 60 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	return c
}
