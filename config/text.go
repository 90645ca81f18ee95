package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Sentinel errors reported by the configuration layer.
var (
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrParseError           = errors.New("parse error")
)

// FromString parses the line-oriented key=value text format. Blank
// lines and lines starting with '#' are ignored, whitespace around
// keys and values is trimmed, and unknown keys are skipped. Keys that
// are absent keep their default values. The resulting configuration
// must validate.
func FromString(text string) (Config, error) {
	cfg := Default()

	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}

		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		if err := cfg.applyKey(key, value); err != nil {
			return Config{}, fmt.Errorf("%w: key %q: %v", ErrParseError, key, err)
		}
	}

	if !cfg.Valid() {
		return Config{}, ErrInvalidConfiguration
	}
	return cfg, nil
}

// String renders the configuration in the key=value text format.
// FromString(cfg.String()) reproduces cfg exactly.
func (c Config) String() string {
	var b strings.Builder

	fmt.Fprintf(&b, "event_queue_size=%d\n", c.Queue.EventQueueSize)
	fmt.Fprintf(&b, "command_queue_size=%d\n", c.Queue.CommandQueueSize)
	fmt.Fprintf(&b, "pri_queue_size=%d\n", c.Queue.PRIQueueSize)

	fmt.Fprintf(&b, "tlb_cache_size=%d\n", c.Cache.TLBCacheSize)
	fmt.Fprintf(&b, "cache_max_age=%d\n", c.Cache.CacheMaxAge)
	fmt.Fprintf(&b, "enable_caching=%s\n", formatBool(c.Cache.EnableCaching))

	fmt.Fprintf(&b, "max_iova_size=%d\n", c.Address.MaxIOVASize)
	fmt.Fprintf(&b, "max_pa_size=%d\n", c.Address.MaxPASize)
	fmt.Fprintf(&b, "max_stream_count=%d\n", c.Address.MaxStreamCount)
	fmt.Fprintf(&b, "max_pasid_count=%d\n", c.Address.MaxPASIDCount)
	fmt.Fprintf(&b, "pasid0_reserved=%s\n", formatBool(c.Address.PASID0Reserved))

	fmt.Fprintf(&b, "max_memory_usage=%d\n", c.Resource.MaxMemoryUsage)
	fmt.Fprintf(&b, "max_thread_count=%d\n", c.Resource.MaxThreadCount)
	fmt.Fprintf(&b, "timeout_ms=%d\n", c.Resource.TimeoutMs)
	fmt.Fprintf(&b, "enable_resource_tracking=%s\n", formatBool(c.Resource.EnableResourceTracking))

	return b.String()
}

// applyKey applies one key=value pair; unknown keys are ignored.
func (c *Config) applyKey(key, value string) error {
	switch key {
	case "event_queue_size":
		return parseUint64(value, &c.Queue.EventQueueSize)
	case "command_queue_size":
		return parseUint64(value, &c.Queue.CommandQueueSize)
	case "pri_queue_size":
		return parseUint64(value, &c.Queue.PRIQueueSize)
	case "tlb_cache_size":
		return parseUint64(value, &c.Cache.TLBCacheSize)
	case "cache_max_age":
		return parseUint32(value, &c.Cache.CacheMaxAge)
	case "enable_caching":
		c.Cache.EnableCaching = parseBool(value)
	case "max_iova_size":
		return parseUint64(value, &c.Address.MaxIOVASize)
	case "max_pa_size":
		return parseUint64(value, &c.Address.MaxPASize)
	case "max_stream_count":
		return parseUint32(value, &c.Address.MaxStreamCount)
	case "max_pasid_count":
		return parseUint32(value, &c.Address.MaxPASIDCount)
	case "pasid0_reserved":
		c.Address.PASID0Reserved = parseBool(value)
	case "max_memory_usage":
		return parseUint64(value, &c.Resource.MaxMemoryUsage)
	case "max_thread_count":
		return parseUint32(value, &c.Resource.MaxThreadCount)
	case "timeout_ms":
		return parseUint32(value, &c.Resource.TimeoutMs)
	case "enable_resource_tracking":
		c.Resource.EnableResourceTracking = parseBool(value)
	}
	return nil
}

// parseBool accepts true|1|yes|on case-insensitively; everything else
// is false.
func parseBool(value string) bool {
	switch strings.ToLower(value) {
	case "true", "1", "yes", "on":
		return true
	}
	return false
}

func formatBool(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

func parseUint64(value string, out *uint64) error {
	v, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return err
	}
	*out = v
	return nil
}

func parseUint32(value string, out *uint32) error {
	v, err := strconv.ParseUint(value, 10, 32)
	if err != nil {
		return err
	}
	*out = uint32(v)
	return nil
}
