package cache

import (
	"errors"
	"time"
)

// Config configures a Cache.
type Config struct {
	Prefix           string
	DefaultTTL       time.Duration
	MaxEntryBytes    int
	TagVersionTTL    time.Duration
	OperationTimeout time.Duration
	// ScanCount is the COUNT hint for pattern invalidation.
	ScanCount int64
	// OnError observes advisory failures swallowed by GetOrLoad.
	OnError func(op string, err error)
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Prefix:           "gc",
		DefaultTTL:       60 * time.Second,
		MaxEntryBytes:    1 << 20,
		TagVersionTTL:    24 * time.Hour,
		OperationTimeout: 150 * time.Millisecond,
		ScanCount:        500,
	}
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	if c.Prefix == "" {
		return errors.New("cache: prefix must not be empty")
	}
	if c.DefaultTTL < time.Millisecond {
		return errors.New("cache: default ttl must be >= 1ms")
	}
	if c.MaxEntryBytes <= 0 {
		return errors.New("cache: max entry bytes must be > 0")
	}
	if c.TagVersionTTL <= 0 {
		return errors.New("cache: tag version ttl must be > 0")
	}
	if c.OperationTimeout < 0 {
		return errors.New("cache: operation timeout must be >= 0")
	}
	if c.ScanCount <= 0 {
		return errors.New("cache: scan count must be > 0")
	}
	return nil
}
