//go:build integration
// +build integration

package testhelpers

import (
	"os"
	"testing"
	"time"

	"github.com/kjstillabower/nook-weather-service/internal/cache"
	"github.com/kjstillabower/nook-weather-service/internal/config"
	"github.com/kjstillabower/nook-weather-service/internal/registry"
	"github.com/kjstillabower/nook-weather-service/internal/service"
)

// IntegrationTestConfig holds configuration for tests that call live providers.
type IntegrationTestConfig struct {
	Providers     []config.ProviderConfig
	CacheBackend  string // "", "in_memory" or "memcached"
	MemcachedAddr string
}

// GetIntegrationConfig reads the live provider list from the environment.
// NWS needs no key, so it is used when INTEGRATION_PROVIDER is unset.
// Skips unless INTEGRATION_LIVE=1.
func GetIntegrationConfig(t *testing.T) IntegrationTestConfig {
	t.Helper()
	if os.Getenv("INTEGRATION_LIVE") != "1" {
		t.Skip("INTEGRATION_LIVE not set, skipping live provider test")
	}

	name := os.Getenv("INTEGRATION_PROVIDER")
	if name == "" {
		name = "nws"
	}
	memcachedAddr := os.Getenv("MEMCACHED_ADDRS")
	if memcachedAddr == "" {
		memcachedAddr = "localhost:11211"
	}

	return IntegrationTestConfig{
		Providers:     []config.ProviderConfig{{Name: name, Key: os.Getenv("INTEGRATION_PROVIDER_KEY")}},
		CacheBackend:  os.Getenv("INTEGRATION_CACHE_BACKEND"),
		MemcachedAddr: memcachedAddr,
	}
}

// SetupIntegrationAggregator builds the registry and aggregator the way main does.
// Returns the aggregator, the registry and a cleanup function.
func SetupIntegrationAggregator(t *testing.T, cfg IntegrationTestConfig) (*service.Aggregator, *registry.Registry, func()) {
	t.Helper()

	var payloads cache.Cache
	cleanup := func() {}
	mode := "off"
	switch cfg.CacheBackend {
	case "memcached":
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddr, 500*time.Millisecond, 2)
		if err != nil {
			t.Logf("Memcached not available (%v), recording in memory", err)
			payloads = cache.NewInMemoryCache()
		} else {
			payloads = mc
			cleanup = func() { mc.Close() }
		}
		mode = "record"
	case "in_memory":
		payloads = cache.NewInMemoryCache()
		mode = "record"
	}

	appCfg := &config.Config{
		ProviderTimeout:         10 * time.Second,
		RetryAttempts:           2,
		RetryBaseDelay:          200 * time.Millisecond,
		RetryMaxDelay:           2 * time.Second,
		BreakerFailureThreshold: 5,
		BreakerSuccessThreshold: 2,
		BreakerTimeout:          30 * time.Second,
		PayloadCacheMode:        mode,
		PayloadCacheTTL:         time.Hour,
	}
	reg, err := registry.Build(cfg.Providers, registry.Deps{Config: appCfg, Payloads: payloads})
	if err != nil {
		cleanup()
		t.Fatalf("registry.Build() error = %v", err)
	}
	agg, err := service.NewAggregator(reg.Providers(), service.Options{
		RefreshInterval: time.Minute,
		RefreshTimeout:  20 * time.Second,
	})
	if err != nil {
		cleanup()
		t.Fatalf("NewAggregator() error = %v", err)
	}
	return agg, reg, cleanup
}
