// Package config holds the validated tunables of the SMMU model:
// queue bounds, TLB cache sizing, address-space limits, and resource
// limits. Configurations round-trip through a line-oriented key=value
// text format and through YAML files.
package config

import (
	"fmt"
	"runtime"

	"github.com/mohae/deepcopy"
)

// Reserved identifiers for integrators. The model itself never reads
// files or environment variables; these name the conventional places.
const (
	DefaultConfigFile = "smmu_config.txt"
	BackupConfigFile  = "smmu_config.backup.txt"
	ConfigVersion     = "1.0"

	EnvConfigFile  = "SMMU_CONFIG_FILE"
	EnvQueueSize   = "SMMU_QUEUE_SIZE"
	EnvCacheSize   = "SMMU_CACHE_SIZE"
	EnvMemoryLimit = "SMMU_MEMORY_LIMIT"
)

// Validated ranges.
const (
	MinQueueSize = 16
	MaxQueueSize = 65536

	MinCacheSize = 64
	MaxCacheSize = 1 << 20
	MinCacheAge  = 100     // milliseconds
	MaxCacheAge  = 3600000 // one hour

	MinAddressBits = 32
	MaxAddressBits = 52

	MinStreamCount = 1
	MaxStreamCount = 1 << 20
	MinPASIDCount  = 1
	MaxPASIDCount  = 1 << 20

	MinMemoryUsage = 1 << 20  // 1 MiB
	MaxMemoryUsage = 64 << 30 // 64 GiB
	MinThreadCount = 1
	MaxThreadCount = 256
	MinTimeoutMs   = 10
	MaxTimeoutMs   = 300000 // five minutes
)

// Defaults.
const (
	DefaultEventQueueSize   = 512
	DefaultCommandQueueSize = 256
	DefaultPRIQueueSize     = 128

	DefaultTLBCacheSize = 1024
	DefaultCacheMaxAge  = 5000 // milliseconds

	DefaultMaxIOVABits   = 48
	DefaultMaxPABits     = 52
	DefaultStreamCount   = 65536
	DefaultPASIDCount    = 1 << 20
	DefaultMaxMemory     = 1 << 30 // 1 GiB
	DefaultTimeoutMs     = 1000
	fallbackThreadCount  = 8
)

// Queue bounds the three ordered queues.
type Queue struct {
	EventQueueSize   uint64 `yaml:"event_queue_size"`
	CommandQueueSize uint64 `yaml:"command_queue_size"`
	PRIQueueSize     uint64 `yaml:"pri_queue_size"`
}

// Valid reports whether every queue bound is in range.
func (q Queue) Valid() bool {
	for _, size := range []uint64{q.EventQueueSize, q.CommandQueueSize, q.PRIQueueSize} {
		if size < MinQueueSize || size > MaxQueueSize {
			return false
		}
	}
	return true
}

// Cache configures the TLB cache.
type Cache struct {
	TLBCacheSize uint64 `yaml:"tlb_cache_size"`
	// CacheMaxAge is the freshness bound in milliseconds.
	CacheMaxAge   uint32 `yaml:"cache_max_age"`
	EnableCaching bool   `yaml:"enable_caching"`
}

// Valid reports whether the cache settings are in range.
func (c Cache) Valid() bool {
	return c.TLBCacheSize >= MinCacheSize && c.TLBCacheSize <= MaxCacheSize &&
		c.CacheMaxAge >= MinCacheAge && c.CacheMaxAge <= MaxCacheAge
}

// Address bounds the identifier and address spaces.
type Address struct {
	MaxIOVASize    uint64 `yaml:"max_iova_size"` // bits
	MaxPASize      uint64 `yaml:"max_pa_size"`   // bits
	MaxStreamCount uint32 `yaml:"max_stream_count"`
	MaxPASIDCount  uint32 `yaml:"max_pasid_count"`

	// PASID0Reserved marks PASID 0 invalid. The architecture treats
	// PASID 0 as a valid kernel/hypervisor context, so this defaults
	// to false; it exists for integrators that reserve it.
	PASID0Reserved bool `yaml:"pasid0_reserved"`
}

// Valid reports whether the address settings are in range.
func (a Address) Valid() bool {
	return a.MaxIOVASize >= MinAddressBits && a.MaxIOVASize <= MaxAddressBits &&
		a.MaxPASize >= MinAddressBits && a.MaxPASize <= MaxAddressBits &&
		a.MaxStreamCount >= MinStreamCount && a.MaxStreamCount <= MaxStreamCount &&
		a.MaxPASIDCount >= MinPASIDCount && a.MaxPASIDCount <= MaxPASIDCount
}

// Resource bounds the model's resource usage.
type Resource struct {
	MaxMemoryUsage         uint64 `yaml:"max_memory_usage"` // bytes
	MaxThreadCount         uint32 `yaml:"max_thread_count"`
	TimeoutMs              uint32 `yaml:"timeout_ms"`
	EnableResourceTracking bool   `yaml:"enable_resource_tracking"`
}

// Valid reports whether the resource limits are in range.
func (r Resource) Valid() bool {
	return r.MaxMemoryUsage >= MinMemoryUsage && r.MaxMemoryUsage <= MaxMemoryUsage &&
		r.MaxThreadCount >= MinThreadCount && r.MaxThreadCount <= MaxThreadCount &&
		r.TimeoutMs >= MinTimeoutMs && r.TimeoutMs <= MaxTimeoutMs
}

// Config is the full SMMU configuration.
type Config struct {
	Queue    Queue    `yaml:"queue"`
	Cache    Cache    `yaml:"cache"`
	Address  Address  `yaml:"address"`
	Resource Resource `yaml:"resource"`
}

// Default returns the default configuration. The thread bound follows
// the host's CPU count.
func Default() Config {
	threads := uint32(runtime.NumCPU())
	if threads == 0 {
		threads = fallbackThreadCount
	}
	if threads > MaxThreadCount {
		threads = MaxThreadCount
	}
	return Config{
		Queue: Queue{
			EventQueueSize:   DefaultEventQueueSize,
			CommandQueueSize: DefaultCommandQueueSize,
			PRIQueueSize:     DefaultPRIQueueSize,
		},
		Cache: Cache{
			TLBCacheSize:  DefaultTLBCacheSize,
			CacheMaxAge:   DefaultCacheMaxAge,
			EnableCaching: true,
		},
		Address: Address{
			MaxIOVASize:    DefaultMaxIOVABits,
			MaxPASize:      DefaultMaxPABits,
			MaxStreamCount: DefaultStreamCount,
			MaxPASIDCount:  DefaultPASIDCount,
		},
		Resource: Resource{
			MaxMemoryUsage:         DefaultMaxMemory,
			MaxThreadCount:         threads,
			TimeoutMs:              DefaultTimeoutMs,
			EnableResourceTracking: true,
		},
	}
}

// HighPerformance returns a profile with large queues and a large,
// long-lived cache.
func HighPerformance() Config {
	return Config{
		Queue:    Queue{EventQueueSize: 2048, CommandQueueSize: 1024, PRIQueueSize: 512},
		Cache:    Cache{TLBCacheSize: 8192, CacheMaxAge: 10000, EnableCaching: true},
		Address:  Address{MaxIOVASize: 52, MaxPASize: 52, MaxStreamCount: 1 << 20, MaxPASIDCount: 1 << 20},
		Resource: Resource{MaxMemoryUsage: 4 << 30, MaxThreadCount: 16, TimeoutMs: 5000, EnableResourceTracking: true},
	}
}

// LowMemory returns a profile with small queues and a small cache.
func LowMemory() Config {
	return Config{
		Queue:    Queue{EventQueueSize: 128, CommandQueueSize: 64, PRIQueueSize: 32},
		Cache:    Cache{TLBCacheSize: 256, CacheMaxAge: 2000, EnableCaching: true},
		Address:  Address{MaxIOVASize: 40, MaxPASize: 40, MaxStreamCount: 4096, MaxPASIDCount: 256},
		Resource: Resource{MaxMemoryUsage: 128 << 20, MaxThreadCount: 2, TimeoutMs: 500},
	}
}

// Minimal returns the smallest valid profile.
func Minimal() Config {
	return Config{
		Queue:    Queue{EventQueueSize: 64, CommandQueueSize: 32, PRIQueueSize: 16},
		Cache:    Cache{TLBCacheSize: 128, CacheMaxAge: 1000, EnableCaching: true},
		Address:  Address{MaxIOVASize: 32, MaxPASize: 32, MaxStreamCount: 256, MaxPASIDCount: 64},
		Resource: Resource{MaxMemoryUsage: 32 << 20, MaxThreadCount: 1, TimeoutMs: 100},
	}
}

// Server returns a high-throughput profile.
func Server() Config {
	return Config{
		Queue:    Queue{EventQueueSize: 4096, CommandQueueSize: 2048, PRIQueueSize: 1024},
		Cache:    Cache{TLBCacheSize: 16384, CacheMaxAge: 30000, EnableCaching: true},
		Address:  Address{MaxIOVASize: 52, MaxPASize: 52, MaxStreamCount: 1 << 20, MaxPASIDCount: 1 << 20},
		Resource: Resource{MaxMemoryUsage: 8 << 30, MaxThreadCount: 32, TimeoutMs: 10000, EnableResourceTracking: true},
	}
}

// Embedded returns a constrained-device profile.
func Embedded() Config {
	return Config{
		Queue:    Queue{EventQueueSize: 256, CommandQueueSize: 128, PRIQueueSize: 64},
		Cache:    Cache{TLBCacheSize: 512, CacheMaxAge: 3000, EnableCaching: true},
		Address:  Address{MaxIOVASize: 40, MaxPASize: 40, MaxStreamCount: 1024, MaxPASIDCount: 256},
		Resource: Resource{MaxMemoryUsage: 256 << 20, MaxThreadCount: 4, TimeoutMs: 1000},
	}
}

// Development returns a debug-friendly profile with long retention and
// a generous timeout.
func Development() Config {
	return Config{
		Queue:    Queue{EventQueueSize: 1024, CommandQueueSize: 512, PRIQueueSize: 256},
		Cache:    Cache{TLBCacheSize: 2048, CacheMaxAge: 15000, EnableCaching: true},
		Address:  Address{MaxIOVASize: 48, MaxPASize: 48, MaxStreamCount: 65536, MaxPASIDCount: 65536},
		Resource: Resource{MaxMemoryUsage: 2 << 30, MaxThreadCount: 8, TimeoutMs: 30000, EnableResourceTracking: true},
	}
}

// Valid reports whether every section is in range.
func (c Config) Valid() bool {
	return c.Queue.Valid() && c.Cache.Valid() && c.Address.Valid() && c.Resource.Valid()
}

// ValidationResult carries the outcome of a detailed validation.
type ValidationResult struct {
	Valid    bool
	Errors   []string
	Warnings []string
}

// Validate runs a detailed validation, reporting per-field errors and
// warnings for settings that are legal but likely suboptimal.
func (c Config) Validate() ValidationResult {
	result := ValidationResult{Valid: true}

	fail := func(format string, args ...any) {
		result.Valid = false
		result.Errors = append(result.Errors, fmt.Sprintf(format, args...))
	}
	warn := func(format string, args ...any) {
		result.Warnings = append(result.Warnings, fmt.Sprintf(format, args...))
	}

	if !c.Queue.Valid() {
		fail("queue configuration validation failed")
		if c.Queue.EventQueueSize < MinQueueSize || c.Queue.EventQueueSize > MaxQueueSize {
			fail("event queue size out of range [%d, %d]", MinQueueSize, MaxQueueSize)
		}
		if c.Queue.CommandQueueSize < MinQueueSize || c.Queue.CommandQueueSize > MaxQueueSize {
			fail("command queue size out of range [%d, %d]", MinQueueSize, MaxQueueSize)
		}
		if c.Queue.PRIQueueSize < MinQueueSize || c.Queue.PRIQueueSize > MaxQueueSize {
			fail("pri queue size out of range [%d, %d]", MinQueueSize, MaxQueueSize)
		}
	}

	if !c.Cache.Valid() {
		fail("cache configuration validation failed")
		if c.Cache.TLBCacheSize < MinCacheSize || c.Cache.TLBCacheSize > MaxCacheSize {
			fail("tlb cache size out of range [%d, %d]", MinCacheSize, MaxCacheSize)
		}
		if c.Cache.CacheMaxAge < MinCacheAge || c.Cache.CacheMaxAge > MaxCacheAge {
			fail("cache max age out of range [%dms, %dms]", MinCacheAge, MaxCacheAge)
		}
	}

	if !c.Address.Valid() {
		fail("address configuration validation failed")
		if c.Address.MaxIOVASize < MinAddressBits || c.Address.MaxIOVASize > MaxAddressBits {
			fail("max iova size out of range [%d, %d] bits", MinAddressBits, MaxAddressBits)
		}
		if c.Address.MaxPASize < MinAddressBits || c.Address.MaxPASize > MaxAddressBits {
			fail("max pa size out of range [%d, %d] bits", MinAddressBits, MaxAddressBits)
		}
		if c.Address.MaxStreamCount < MinStreamCount || c.Address.MaxStreamCount > MaxStreamCount {
			fail("max stream count out of range [%d, %d]", MinStreamCount, MaxStreamCount)
		}
		if c.Address.MaxPASIDCount < MinPASIDCount || c.Address.MaxPASIDCount > MaxPASIDCount {
			fail("max pasid count out of range [%d, %d]", MinPASIDCount, MaxPASIDCount)
		}
	}

	if !c.Resource.Valid() {
		fail("resource limits validation failed")
		if c.Resource.MaxMemoryUsage < MinMemoryUsage || c.Resource.MaxMemoryUsage > MaxMemoryUsage {
			fail("max memory usage out of range [1MB, 64GB]")
		}
		if c.Resource.MaxThreadCount < MinThreadCount || c.Resource.MaxThreadCount > MaxThreadCount {
			fail("max thread count out of range [%d, %d]", MinThreadCount, MaxThreadCount)
		}
		if c.Resource.TimeoutMs < MinTimeoutMs || c.Resource.TimeoutMs > MaxTimeoutMs {
			fail("timeout out of range [10ms, 5min]")
		}
	}

	if c.Cache.TLBCacheSize > 4096 {
		warn("large tlb cache size may consume significant memory")
	}
	if c.Resource.TimeoutMs > 10000 {
		warn("long timeout may affect system responsiveness")
	}
	if c.Queue.EventQueueSize > 2048 {
		warn("large event queue may consume significant memory")
	}

	return result
}

// Clone returns a deep copy of the configuration.
func (c Config) Clone() Config {
	return deepcopy.Copy(c).(Config)
}

// Equal reports whether two configurations match field for field.
func (c Config) Equal(other Config) bool {
	return c == other
}

// Merge overlays a validated configuration onto this one.
func (c *Config) Merge(other Config) error {
	if !other.Valid() {
		return ErrInvalidConfiguration
	}
	*c = other
	return nil
}

// Reset restores the defaults.
func (c *Config) Reset() {
	*c = Default()
}

// SetQueue replaces the queue section after validation.
func (c *Config) SetQueue(q Queue) error {
	if !q.Valid() {
		return ErrInvalidConfiguration
	}
	c.Queue = q
	return nil
}

// SetCache replaces the cache section after validation.
func (c *Config) SetCache(cache Cache) error {
	if !cache.Valid() {
		return ErrInvalidConfiguration
	}
	c.Cache = cache
	return nil
}

// SetAddress replaces the address section after validation.
func (c *Config) SetAddress(a Address) error {
	if !a.Valid() {
		return ErrInvalidConfiguration
	}
	c.Address = a
	return nil
}

// SetResource replaces the resource section after validation.
func (c *Config) SetResource(r Resource) error {
	if !r.Valid() {
		return ErrInvalidConfiguration
	}
	c.Resource = r
	return nil
}

// UpdateQueueSizes replaces the queue bounds.
func (c *Config) UpdateQueueSizes(event, command, pri uint64) error {
	return c.SetQueue(Queue{EventQueueSize: event, CommandQueueSize: command, PRIQueueSize: pri})
}

// UpdateCacheSettings replaces the cache settings.
func (c *Config) UpdateCacheSettings(size uint64, maxAgeMs uint32, enable bool) error {
	return c.SetCache(Cache{TLBCacheSize: size, CacheMaxAge: maxAgeMs, EnableCaching: enable})
}

// UpdateAddressLimits replaces the address limits, preserving the
// PASID 0 policy.
func (c *Config) UpdateAddressLimits(iovaBits, paBits uint64, streams, pasids uint32) error {
	return c.SetAddress(Address{
		MaxIOVASize:    iovaBits,
		MaxPASize:      paBits,
		MaxStreamCount: streams,
		MaxPASIDCount:  pasids,
		PASID0Reserved: c.Address.PASID0Reserved,
	})
}

// UpdateResourceLimits replaces the resource limits, preserving the
// tracking flag.
func (c *Config) UpdateResourceLimits(memory uint64, threads, timeoutMs uint32) error {
	return c.SetResource(Resource{
		MaxMemoryUsage:         memory,
		MaxThreadCount:         threads,
		TimeoutMs:              timeoutMs,
		EnableResourceTracking: c.Resource.EnableResourceTracking,
	})
}
