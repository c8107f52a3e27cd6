package cache

import (
	"time"

	"github.com/Aidin1998/leaguecore/internal/database"
)

// Config holds the tier bounds and remote-tier behaviour of a Manager.
type Config struct {
	// KeyPrefix namespaces every remote key and the invalidation channel.
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix"`

	// Hot tier
	HotMaxEntries int           `yaml:"hot_max_entries" json:"hot_max_entries"`
	HotMaxTTL     time.Duration `yaml:"hot_max_ttl" json:"hot_max_ttl"`

	// Memory tier
	MemoryMaxEntries int           `yaml:"memory_max_entries" json:"memory_max_entries"`
	MemoryMaxBytes   int64         `yaml:"memory_max_bytes" json:"memory_max_bytes"`
	MemoryMaxTTL     time.Duration `yaml:"memory_max_ttl" json:"memory_max_ttl"`
	SweepInterval    time.Duration `yaml:"sweep_interval" json:"sweep_interval"`

	// Remote tier
	Compression           bool          `yaml:"compression" json:"compression"`
	CompressionThreshold  int           `yaml:"compression_threshold" json:"compression_threshold"`
	HealthInterval        time.Duration `yaml:"health_interval" json:"health_interval"`
	RemoteTimeout         time.Duration `yaml:"remote_timeout" json:"remote_timeout"`
	InvalidationBroadcast bool          `yaml:"invalidation_broadcast" json:"invalidation_broadcast"`
	Breaker               database.BreakerConfig
}

// DefaultConfig returns the default cache configuration. Compression is off;
// production deployments turn it on through configuration.
func DefaultConfig() Config {
	return Config{
		KeyPrefix:            "leaguecore:",
		HotMaxEntries:        1000,
		HotMaxTTL:            time.Minute,
		MemoryMaxEntries:     10000,
		MemoryMaxBytes:       64 * 1024 * 1024, // 64MB
		MemoryMaxTTL:         10 * time.Minute,
		SweepInterval:        time.Second,
		CompressionThreshold: 1024,
		HealthInterval:       30 * time.Second,
		RemoteTimeout:        500 * time.Millisecond,
		Breaker:              database.DefaultBreakerConfig(),
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.HotMaxEntries <= 0 {
		c.HotMaxEntries = def.HotMaxEntries
	}
	if c.HotMaxTTL <= 0 {
		c.HotMaxTTL = def.HotMaxTTL
	}
	if c.MemoryMaxEntries <= 0 {
		c.MemoryMaxEntries = def.MemoryMaxEntries
	}
	if c.MemoryMaxBytes <= 0 {
		c.MemoryMaxBytes = def.MemoryMaxBytes
	}
	if c.MemoryMaxTTL <= 0 {
		c.MemoryMaxTTL = def.MemoryMaxTTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	if c.CompressionThreshold <= 0 {
		c.CompressionThreshold = def.CompressionThreshold
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = def.HealthInterval
	}
	if c.RemoteTimeout <= 0 {
		c.RemoteTimeout = def.RemoteTimeout
	}
	return c
}

// clampTTL bounds a requested TTL by a tier maximum. A non-positive request
// takes the maximum.
func clampTTL(requested, max time.Duration) time.Duration {
	if requested <= 0 || requested > max {
		return max
	}
	return requested
}
