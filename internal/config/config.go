// Package config provides configuration management for the ThreatINSIGHT relay.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all relay configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Redis     RedisConfig     `yaml:"redis"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Relay     RelayConfig     `yaml:"relay"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RedisConfig holds Redis connection settings. An empty Addr disables
// everything backed by Redis.
type RedisConfig struct {
	Addr        string `yaml:"addr"`
	PasswordEnv string `yaml:"password_env"`
	DB          int    `yaml:"db"`
	PoolSize    int    `yaml:"pool_size"`
	KeyPrefix   string `yaml:"key_prefix"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// TelemetryConfig holds metrics and tracing settings.
type TelemetryConfig struct {
	ServiceName    string  `yaml:"service_name"`
	Environment    string  `yaml:"environment"`
	MetricsEnabled bool    `yaml:"metrics_enabled"`
	TracingEnabled bool    `yaml:"tracing_enabled"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint"`
	SamplingRate   float64 `yaml:"sampling_rate"`
}

// UpstreamConfig holds ThreatINSIGHT API settings.
type UpstreamConfig struct {
	// FamilyURLs maps an API family (detection, event, entity) to its base URL.
	FamilyURLs map[string]string `yaml:"family_urls"`
	UserAgent  string            `yaml:"user_agent"`
	Timeout    time.Duration     `yaml:"timeout"`
	VerifySSL  bool              `yaml:"verify_ssl"`
	TestEntity string            `yaml:"test_entity"`
}

// API families.
const (
	FamilyDetection = "detection"
	FamilyEvent     = "event"
	FamilyEntity    = "entity"
)

// Entity search modes.
const (
	SearchModeLimit  = "limit"
	SearchModeWindow = "window"
)

// RelayConfig holds aggregation and output settings.
type RelayConfig struct {
	EntitiesLimitDefault int `yaml:"entities_limit_default"`
	EntitiesLimitMax     int `yaml:"entities_limit_max"`
	EntitiesLimit        int `yaml:"entities_limit"`

	// ObservableTypes maps a supported observable type to its display name.
	ObservableTypes map[string]string `yaml:"observable_types"`

	SearchMode string `yaml:"search_mode"` // limit, window
	DayRange   int    `yaml:"day_range"`
	Workers    int    `yaml:"workers"`

	TestAccounts             []string `yaml:"test_accounts"`
	AllowTestAccountsDefault bool     `yaml:"allow_test_accounts_default"`

	UIRuleURL        string `yaml:"ui_rule_url"`
	UIRuleAccountURL string `yaml:"ui_rule_account_url"`
	UISearchURL      string `yaml:"ui_search_url"`
}

// AuthConfig holds bearer token verification settings.
type AuthConfig struct {
	JWKSCacheSize int           `yaml:"jwks_cache_size"`
	JWKSCacheTTL  time.Duration `yaml:"jwks_cache_ttl"`
	// JWKSHostSuffix restricts which hosts may serve signing keys. Empty allows any.
	JWKSHostSuffix string `yaml:"jwks_host_suffix"`
}

// RateLimitConfig holds per-credential rate limiting settings.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	IncludeHeaders    bool `yaml:"include_headers"`
}

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Redis: RedisConfig{
			PasswordEnv: "REDIS_PASSWORD",
			PoolSize:    10,
			KeyPrefix:   "gti-relay",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "gti-relay",
			Environment:    "production",
			MetricsEnabled: true,
			SamplingRate:   0.1,
		},
		Upstream: UpstreamConfig{
			FamilyURLs: map[string]string{
				FamilyDetection: "https://detections.icebrg.io/v1/",
				FamilyEvent:     "https://events.icebrg.io/v2/",
				FamilyEntity:    "https://entity.icebrg.io/v2/",
			},
			UserAgent:  "SecureX Threat Response Integrations <tr-integrations-support@cisco.com>",
			Timeout:    30 * time.Second,
			VerifySSL:  true,
			TestEntity: "8.8.8.8",
		},
		Relay: RelayConfig{
			EntitiesLimitDefault: 100,
			EntitiesLimitMax:     1000,
			EntitiesLimit:        100,
			ObservableTypes: map[string]string{
				"ip":     "IP",
				"domain": "domain",
				"md5":    "MD5",
				"sha1":   "SHA1",
				"sha256": "SHA256",
			},
			SearchMode: SearchModeLimit,
			DayRange:   7,
			Workers:    runtime.GOMAXPROCS(0) * 5,
			TestAccounts: []string{
				"dmo", "6bc3d2f1-af77-4236-a9db-17dacd06e4d9", // Demo
				"chg", "f6f6f836-8bcd-4f5d-bd61-68d303c4f634", // Training
			},
			AllowTestAccountsDefault: false,
			UIRuleURL:                "https://portal.icebrg.io/detections/rules/{rule_uuid}",
			UIRuleAccountURL:         "https://portal.icebrg.io/detections/rules/{rule_uuid}?account_uuid={account_uuid}",
			UISearchURL:              "https://portal.icebrg.io/search?query={query}",
		},
		Auth: AuthConfig{
			JWKSCacheSize: 16,
			JWKSCacheTTL:  10 * time.Minute,
		},
		RateLimit: RateLimitConfig{
			Enabled:           false,
			RequestsPerMinute: 120,
			IncludeHeaders:    true,
		},
	}
}

// ApplyEnv overrides selected settings from the environment. Malformed values
// are ignored and the configured value is kept.
func (c *Config) ApplyEnv() {
	if v, ok := envInt("CTR_ENTITIES_LIMIT"); ok {
		c.Relay.EntitiesLimit = v
	}
	if v, ok := envInt("GTI_ALLOW_TEST_ACCOUNTS"); ok && (v == 0 || v == 1) {
		c.Relay.AllowTestAccountsDefault = v == 1
	}
	if v, ok := envInt("GTI_DAY_RANGE"); ok && v > 0 {
		c.Relay.DayRange = v
	}
	if v := strings.TrimSpace(os.Getenv("GTI_SEARCH_MODE")); v != "" {
		c.Relay.SearchMode = v
	}
	if v := strings.TrimSpace(os.Getenv("REDIS_ADDR")); v != "" {
		c.Redis.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv("LOG_LEVEL")); v != "" {
		c.Logging.Level = v
	}

	c.Relay.EntitiesLimit = c.Relay.ClampLimit(c.Relay.EntitiesLimit)
}

// Validate checks settings that have no usable fallback.
func (c *Config) Validate() error {
	for _, family := range []string{FamilyDetection, FamilyEvent, FamilyEntity} {
		if strings.TrimSpace(c.Upstream.FamilyURLs[family]) == "" {
			return fmt.Errorf("upstream.family_urls.%s is required", family)
		}
	}
	switch c.Relay.SearchMode {
	case SearchModeLimit, SearchModeWindow:
	default:
		return fmt.Errorf("relay.search_mode must be %q or %q, got %q", SearchModeLimit, SearchModeWindow, c.Relay.SearchMode)
	}
	if len(c.Relay.ObservableTypes) == 0 {
		return fmt.Errorf("relay.observable_types must not be empty")
	}
	return nil
}

// ClampLimit bounds a requested entity limit. Non-positive values fall back to
// the default.
func (r RelayConfig) ClampLimit(n int) int {
	if n <= 0 {
		n = r.EntitiesLimitDefault
	}
	if r.EntitiesLimitMax > 0 && n > r.EntitiesLimitMax {
		n = r.EntitiesLimitMax
	}
	return n
}

// IsTestAccount reports whether account belongs to a demo or training tenant.
func (r RelayConfig) IsTestAccount(account string) bool {
	for _, a := range r.TestAccounts {
		if a == account {
			return true
		}
	}
	return false
}

func envInt(name string) (int, bool) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}
