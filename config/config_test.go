package config

import (
	"errors"
	"testing"
)

func profiles() map[string]Config {
	return map[string]Config{
		"default":         Default(),
		"highperformance": HighPerformance(),
		"lowmemory":       LowMemory(),
		"minimal":         Minimal(),
		"server":          Server(),
		"embedded":        Embedded(),
		"development":     Development(),
	}
}

func TestProfilesAreValid(t *testing.T) {
	for name, cfg := range profiles() {
		if !cfg.Valid() {
			t.Fatalf("profile %s is invalid: %+v", name, cfg)
		}
		result := cfg.Validate()
		if !result.Valid {
			t.Fatalf("profile %s detailed validation failed: %v", name, result.Errors)
		}
	}
}

func TestDefaultValues(t *testing.T) {
	cfg := Default()

	if cfg.Queue.EventQueueSize != 512 || cfg.Queue.CommandQueueSize != 256 || cfg.Queue.PRIQueueSize != 128 {
		t.Fatalf("default queue sizes: %+v", cfg.Queue)
	}
	if cfg.Cache.TLBCacheSize != 1024 || !cfg.Cache.EnableCaching {
		t.Fatalf("default cache: %+v", cfg.Cache)
	}
	if cfg.Address.MaxIOVASize != 48 || cfg.Address.MaxPASize != 52 {
		t.Fatalf("default address widths: %+v", cfg.Address)
	}
	if cfg.Address.PASID0Reserved {
		t.Fatalf("pasid 0 reserved by default")
	}
	if cfg.Resource.MaxThreadCount < MinThreadCount || cfg.Resource.MaxThreadCount > MaxThreadCount {
		t.Fatalf("default thread count out of range: %d", cfg.Resource.MaxThreadCount)
	}
}

func TestValidationErrors(t *testing.T) {
	cfg := Default()
	cfg.Queue.EventQueueSize = 4
	cfg.Cache.CacheMaxAge = 1
	cfg.Address.MaxIOVASize = 64
	cfg.Resource.TimeoutMs = 1

	if cfg.Valid() {
		t.Fatalf("invalid configuration passed Valid")
	}
	result := cfg.Validate()
	if result.Valid {
		t.Fatalf("invalid configuration passed Validate")
	}
	if len(result.Errors) < 4 {
		t.Fatalf("expected per-field errors, got %v", result.Errors)
	}
}

func TestValidationWarnings(t *testing.T) {
	cfg := Server()
	result := cfg.Validate()
	if !result.Valid {
		t.Fatalf("server profile invalid: %v", result.Errors)
	}
	if len(result.Warnings) == 0 {
		t.Fatalf("server profile should warn about large settings")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	cfg := Default()
	clone := cfg.Clone()

	clone.Cache.TLBCacheSize = 77777
	if cfg.Cache.TLBCacheSize == 77777 {
		t.Fatalf("clone shares state with the original")
	}
	if !cfg.Clone().Equal(cfg) {
		t.Fatalf("clone does not compare equal")
	}
}

func TestMerge(t *testing.T) {
	cfg := Default()

	if err := cfg.Merge(Config{}); !errors.Is(err, ErrInvalidConfiguration) {
		t.Fatalf("merging an invalid configuration: %v", err)
	}

	if err := cfg.Merge(Minimal()); err != nil {
		t.Fatalf("merge: %v", err)
	}
	if !cfg.Equal(Minimal()) {
		t.Fatalf("merge did not overlay the configuration")
	}

	cfg.Reset()
	if !cfg.Equal(Default()) {
		t.Fatalf("reset did not restore defaults")
	}
}

func TestSectionSetters(t *testing.T) {
	cfg := Default()

	if err := cfg.SetQueue(Queue{EventQueueSize: 4}); !errors.Is(err, ErrInvalidConfiguration) {
		t.Fatalf("undersized queue accepted: %v", err)
	}
	if err := cfg.SetQueue(Queue{EventQueueSize: 32, CommandQueueSize: 32, PRIQueueSize: 32}); err != nil {
		t.Fatalf("set queue: %v", err)
	}
	if cfg.Queue.EventQueueSize != 32 {
		t.Fatalf("queue not applied: %+v", cfg.Queue)
	}

	if err := cfg.UpdateCacheSettings(2048, 1000, false); err != nil {
		t.Fatalf("update cache settings: %v", err)
	}
	if cfg.Cache.EnableCaching {
		t.Fatalf("cache enable flag not applied")
	}

	if err := cfg.UpdateAddressLimits(40, 40, 1024, 512); err != nil {
		t.Fatalf("update address limits: %v", err)
	}
	if err := cfg.UpdateAddressLimits(8, 40, 1024, 512); !errors.Is(err, ErrInvalidConfiguration) {
		t.Fatalf("bad iova width accepted: %v", err)
	}

	if err := cfg.UpdateResourceLimits(MinMemoryUsage, 4, 250); err != nil {
		t.Fatalf("update resource limits: %v", err)
	}
	if cfg.Resource.MaxThreadCount != 4 || cfg.Resource.TimeoutMs != 250 {
		t.Fatalf("resource limits not applied: %+v", cfg.Resource)
	}

	if err := cfg.UpdateQueueSizes(64, 64, 64); err != nil {
		t.Fatalf("update queue sizes: %v", err)
	}
}

func TestUpdatePreservesFlags(t *testing.T) {
	cfg := Default()
	cfg.Address.PASID0Reserved = true
	cfg.Resource.EnableResourceTracking = true

	if err := cfg.UpdateAddressLimits(40, 40, 1024, 512); err != nil {
		t.Fatalf("update address limits: %v", err)
	}
	if !cfg.Address.PASID0Reserved {
		t.Fatalf("pasid 0 policy lost on update")
	}

	if err := cfg.UpdateResourceLimits(MinMemoryUsage, 2, 100); err != nil {
		t.Fatalf("update resource limits: %v", err)
	}
	if !cfg.Resource.EnableResourceTracking {
		t.Fatalf("tracking flag lost on update")
	}
}
