package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML configs can use human-readable
// strings like "30s" or "5m".
type Duration time.Duration

// UnmarshalYAML parses a duration string into a Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Providers  []ProviderConfig `yaml:"providers"`
	Retry      RetryConfig      `yaml:"retry"`
	Health     HealthConfig     `yaml:"health"`
	Budget     BudgetConfig     `yaml:"budget"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Pool       PoolConfig       `yaml:"pool"`
	Cache      CacheConfig      `yaml:"cache"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

type ServerConfig struct {
	Port         int    `yaml:"port"`
	LoggingLevel string `yaml:"logging_level"`
	LogJSON      bool   `yaml:"log_json"`
}

type ProviderConfig struct {
	ID             string   `yaml:"id"`
	Name           string   `yaml:"name"`
	Chain          string   `yaml:"chain"`
	Tier           string   `yaml:"tier"`
	URL            string   `yaml:"url"`
	WSURL          string   `yaml:"ws_url"`
	RateLimit      int      `yaml:"rate_limit"` // requests per minute
	CostPerCall    float64  `yaml:"cost_per_call"`
	Priority       int      `yaml:"priority"`
	Timeout        Duration `yaml:"timeout"`
	MaxConnections int      `yaml:"max_connections"`
	DailyBudget    float64  `yaml:"daily_budget"` // 0 = use budget.daily_default
}

type RetryConfig struct {
	// MaxRetries is a pointer so an explicit 0 (no retries) survives
	// normalization; nil means unset and takes the default.
	MaxRetries *int     `yaml:"max_retries"`
	Delay      Duration `yaml:"delay"`
	// JSON-RPC error codes that are treated as transient and retried.
	RetryableCodes []int `yaml:"retryable_codes"`
}

type HealthConfig struct {
	CheckInterval     Duration `yaml:"check_interval"`
	BlacklistDuration Duration `yaml:"blacklist_duration"`
	ProbeMethod       string   `yaml:"probe_method"`
	MinSamples        int      `yaml:"min_samples"`
}

type BudgetConfig struct {
	DailyDefault float64 `yaml:"daily_default"`
}

type DispatchConfig struct {
	TickInterval  Duration `yaml:"tick_interval"`
	MaxQueueDepth int      `yaml:"max_queue_depth"`
}

type PoolConfig struct {
	MinConnections   int      `yaml:"min_connections"`
	MaxConnections   int      `yaml:"max_connections"`
	MaxPerProvider   int      `yaml:"max_per_provider"`
	IdleTimeout      Duration `yaml:"idle_timeout"`
	MaxAge           Duration `yaml:"max_age"`
	AcquireTimeout   Duration `yaml:"acquire_timeout"`
	HealthInterval   Duration `yaml:"health_interval"`
	ScaleInterval    Duration `yaml:"scale_interval"`
	CleanupInterval  Duration `yaml:"cleanup_interval"`
	HighWater        float64  `yaml:"high_water"`
	LowWater         float64  `yaml:"low_water"`
	FailureThreshold int      `yaml:"failure_threshold"`
	Strategy         string   `yaml:"strategy"`
}

type CacheConfig struct {
	TTL     Duration `yaml:"ttl"`
	Size    int      `yaml:"size"`
	Methods []string `yaml:"methods"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.Normalize()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

var validTiers = map[string]bool{"premium": true, "standard": true, "fallback": true}

var validStrategies = map[string]bool{
	"round_robin":    true,
	"least_requests": true,
	"weighted":       true,
	"latency":        true,
}

// Normalize fills in defaults for optional values.
func (c *Config) Normalize() {
	if c.Server.LoggingLevel == "" {
		c.Server.LoggingLevel = "info"
	}
	if c.Retry.MaxRetries == nil {
		defaultRetries := 3
		c.Retry.MaxRetries = &defaultRetries
	}
	if c.Retry.Delay == 0 {
		c.Retry.Delay = Duration(time.Second)
	}
	if len(c.Retry.RetryableCodes) == 0 {
		// -32005 is the conventional "limit exceeded" code, -32603 an
		// internal server error; both are worth another attempt elsewhere.
		c.Retry.RetryableCodes = []int{-32005, -32603}
	}
	if c.Health.CheckInterval == 0 {
		c.Health.CheckInterval = Duration(60 * time.Second)
	}
	if c.Health.BlacklistDuration == 0 {
		c.Health.BlacklistDuration = Duration(5 * time.Minute)
	}
	if c.Health.ProbeMethod == "" {
		c.Health.ProbeMethod = "eth_blockNumber"
	}
	if c.Health.MinSamples == 0 {
		c.Health.MinSamples = 5
	}
	if c.Budget.DailyDefault == 0 {
		c.Budget.DailyDefault = 100
	}
	if c.Dispatch.TickInterval == 0 {
		c.Dispatch.TickInterval = Duration(time.Second)
	}
	if c.Dispatch.MaxQueueDepth == 0 {
		c.Dispatch.MaxQueueDepth = 1000
	}
	if c.Pool.MaxConnections == 0 {
		c.Pool.MaxConnections = 50
	}
	if c.Pool.MaxPerProvider == 0 {
		c.Pool.MaxPerProvider = 10
	}
	if c.Pool.IdleTimeout == 0 {
		c.Pool.IdleTimeout = Duration(5 * time.Minute)
	}
	if c.Pool.MaxAge == 0 {
		c.Pool.MaxAge = Duration(30 * time.Minute)
	}
	if c.Pool.AcquireTimeout == 0 {
		c.Pool.AcquireTimeout = Duration(10 * time.Second)
	}
	if c.Pool.HealthInterval == 0 {
		c.Pool.HealthInterval = Duration(30 * time.Second)
	}
	if c.Pool.ScaleInterval == 0 {
		c.Pool.ScaleInterval = Duration(15 * time.Second)
	}
	if c.Pool.CleanupInterval == 0 {
		c.Pool.CleanupInterval = Duration(time.Minute)
	}
	if c.Pool.HighWater == 0 {
		c.Pool.HighWater = 0.8
	}
	if c.Pool.LowWater == 0 {
		c.Pool.LowWater = 0.2
	}
	if c.Pool.FailureThreshold == 0 {
		c.Pool.FailureThreshold = 3
	}
	if c.Pool.Strategy == "" {
		c.Pool.Strategy = "round_robin"
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = Duration(2 * time.Second)
	}
	if c.Cache.Size == 0 {
		c.Cache.Size = 1024
	}
	for i := range c.Providers {
		if c.Providers[i].Timeout == 0 {
			c.Providers[i].Timeout = Duration(10 * time.Second)
		}
		if c.Providers[i].MaxConnections == 0 {
			c.Providers[i].MaxConnections = c.Pool.MaxPerProvider
		}
		if c.Providers[i].DailyBudget == 0 {
			c.Providers[i].DailyBudget = c.Budget.DailyDefault
		}
	}
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}

	validLevels := map[string]bool{"info": true, "debug": true, "error": true}
	if !validLevels[c.Server.LoggingLevel] {
		return fmt.Errorf("invalid logging_level: %s (must be info, debug, or error)", c.Server.LoggingLevel)
	}

	if len(c.Providers) == 0 {
		return fmt.Errorf("no providers configured")
	}

	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("provider %d: id is required", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("provider %s: duplicate id", p.ID)
		}
		seen[p.ID] = true
		if p.Chain == "" {
			return fmt.Errorf("provider %s: chain is required", p.ID)
		}
		if !validTiers[p.Tier] {
			return fmt.Errorf("provider %s: invalid tier: %s", p.ID, p.Tier)
		}
		if err := validateURL(p.ID, "url", p.URL, "http", "https"); err != nil {
			return err
		}
		if p.WSURL != "" {
			if err := validateURL(p.ID, "ws_url", p.WSURL, "ws", "wss"); err != nil {
				return err
			}
		}
		if p.RateLimit <= 0 {
			return fmt.Errorf("provider %s: invalid rate_limit: %d", p.ID, p.RateLimit)
		}
		if p.CostPerCall < 0 {
			return fmt.Errorf("provider %s: invalid cost_per_call: %f", p.ID, p.CostPerCall)
		}
	}

	if c.Retry.MaxRetries != nil && *c.Retry.MaxRetries < 0 {
		return fmt.Errorf("invalid max_retries: %d", *c.Retry.MaxRetries)
	}

	if !validStrategies[c.Pool.Strategy] {
		return fmt.Errorf("invalid pool strategy: %s", c.Pool.Strategy)
	}
	if c.Pool.MinConnections > c.Pool.MaxConnections {
		return fmt.Errorf("pool min_connections (%d) exceeds max_connections (%d)",
			c.Pool.MinConnections, c.Pool.MaxConnections)
	}
	if c.Pool.HighWater <= c.Pool.LowWater {
		return fmt.Errorf("pool high_water (%f) must exceed low_water (%f)",
			c.Pool.HighWater, c.Pool.LowWater)
	}

	return nil
}

func validateURL(providerID, field, raw string, schemes ...string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("provider %s: invalid %s: %w", providerID, field, err)
	}
	allowed := false
	for _, s := range schemes {
		if parsed.Scheme == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("provider %s: %s must use %s scheme, got: %s",
			providerID, field, strings.Join(schemes, " or "), parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("provider %s: %s must have a host", providerID, field)
	}
	return nil
}
