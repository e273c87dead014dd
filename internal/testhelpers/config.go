package testhelpers

import (
	"time"

	"github.com/nexatrade/chain-rpc-router/internal/config"
	"github.com/nexatrade/chain-rpc-router/internal/registry"
)

// NewTestConfig returns a minimal valid configuration for orchestrator
// tests. Callers override fields as needed.
func NewTestConfig() *config.Config {
	retries := 2
	cfg := &config.Config{
		Server: config.ServerConfig{Port: 8080},
		Providers: []config.ProviderConfig{
			{
				ID:          "p1",
				Name:        "Primary",
				Chain:       "ethereum",
				Tier:        "premium",
				URL:         "https://rpc1.example.com",
				RateLimit:   600,
				CostPerCall: 0.001,
				Priority:    100,
			},
			{
				ID:          "p2",
				Name:        "Secondary",
				Chain:       "ethereum",
				Tier:        "standard",
				URL:         "https://rpc2.example.com",
				RateLimit:   600,
				CostPerCall: 0.0005,
				Priority:    50,
			},
		},
		Retry: config.RetryConfig{
			MaxRetries: &retries,
			Delay:      config.Duration(time.Millisecond),
		},
	}
	cfg.Normalize()
	return cfg
}

// NewTestProvider returns a valid provider descriptor for registry and
// pool tests.
func NewTestProvider(id, chain string, tier registry.Tier) registry.Provider {
	return registry.Provider{
		ID:          id,
		Name:        id,
		Chain:       chain,
		Tier:        tier,
		URL:         "https://" + id + ".example.com",
		RateLimit:   600,
		CostPerCall: 0.001,
		Timeout:     time.Second,
	}
}
