package cache

import "time"

// Config holds the configuration for the schema cache.
type Config struct {
	// Capacity is the maximum number of cached relations; 0 means unbounded.
	Capacity int
	// TTL marks entries stale after this age; 0 disables expiry.
	TTL time.Duration
	// EnableStats enables cache statistics collection.
	EnableStats bool
}

// DefaultConfig returns a default cache configuration.
func DefaultConfig() *Config {
	return &Config{
		Capacity:    0,
		TTL:         0,
		EnableStats: true,
	}
}

// WithCapacity sets the maximum number of entries.
func (c *Config) WithCapacity(n int) *Config {
	c.Capacity = n
	return c
}

// WithTTL sets the time-to-live for cache entries.
func (c *Config) WithTTL(ttl time.Duration) *Config {
	c.TTL = ttl
	return c
}

// WithStats enables or disables cache statistics.
func (c *Config) WithStats(enable bool) *Config {
	c.EnableStats = enable
	return c
}
