// Package config loads the process-wide configuration from a YAML file
// with environment variable expansion.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/palaverhq/palaver/internal/ratelimit"
)

// Config is the main configuration structure for Palaver.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Storage       StorageConfig       `yaml:"storage"`
	Auth          AuthConfig          `yaml:"auth"`
	Access        AccessConfig        `yaml:"access"`
	RateLimit     ratelimit.Config    `yaml:"rate_limit"`
	Gateway       GatewayConfig       `yaml:"gateway"`
	Agent         AgentConfig         `yaml:"agent"`
	Tools         ToolsConfig         `yaml:"tools"`
	LLM           LLMConfig           `yaml:"llm"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ServerConfig struct {
	Host        string `yaml:"host"`
	HTTPPort    int    `yaml:"http_port"`
	MetricsPort int    `yaml:"metrics_port"`
}

// Addr returns the listen address for the main HTTP server.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.HTTPPort)
}

// MetricsAddr returns the listen address for the metrics endpoint.
func (c ServerConfig) MetricsAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.MetricsPort)
}

type StorageConfig struct {
	// Driver selects the backend: "sqlite" or "memory".
	Driver string `yaml:"driver"`
	// Path is the SQLite database file. Empty means in-memory.
	Path string `yaml:"path"`
}

type AuthConfig struct {
	JWKSURL          string   `yaml:"jwks_url"`
	VerifyIssuer     bool     `yaml:"verify_issuer"`
	ExpectedIssuer   string   `yaml:"expected_issuer"`
	VerifyAudience   bool     `yaml:"verify_audience"`
	ExpectedAudience []string `yaml:"expected_audience"`

	TokenExchange TokenExchangeConfig `yaml:"token_exchange"`
}

type TokenExchangeConfig struct {
	TokenURL     string `yaml:"token_url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`

	// Audience is the upstream service the exchanged token targets.
	Audience string `yaml:"audience"`

	// CacheBufferSeconds is the freshness margin for cached tokens.
	CacheBufferSeconds int `yaml:"cache_buffer_seconds"`

	BreakerFailureThreshold       int `yaml:"breaker_failure_threshold"`
	BreakerRecoveryTimeoutSeconds int `yaml:"breaker_recovery_timeout_seconds"`
}

// BreakerRecoveryTimeout returns the breaker recovery window.
func (c TokenExchangeConfig) BreakerRecoveryTimeout() time.Duration {
	return time.Duration(c.BreakerRecoveryTimeoutSeconds) * time.Second
}

type AccessConfig struct {
	// CacheTTLSeconds bounds how long a resolved group set is reused.
	CacheTTLSeconds int `yaml:"cache_ttl_seconds"`
}

// CacheTTL returns the resolver cache TTL.
func (c AccessConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

type GatewayConfig struct {
	PingIntervalSeconds int `yaml:"ping_interval_seconds"`
	MaxMissedPongs      int `yaml:"max_missed_pongs"`
	ChunkSize           int `yaml:"chunk_size"`
}

// PingInterval returns the heartbeat interval.
func (c GatewayConfig) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalSeconds) * time.Second
}

type AgentConfig struct {
	MaxIterations            int  `yaml:"max_iterations"`
	MaxToolCallsPerIteration int  `yaml:"max_tool_calls_per_iteration"`
	TimeoutSeconds           int  `yaml:"timeout_seconds"`
	MaxTokens                int  `yaml:"max_tokens"`
	StopOnError              bool `yaml:"stop_on_error"`

	// MaxRetries is the retry budget for failed tool calls.
	MaxRetries int `yaml:"max_retries"`
}

// Timeout returns the whole-run wall clock bound.
func (c AgentConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

type ToolsConfig struct {
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the per-request bound for tool service calls.
func (c ToolsConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

type LLMConfig struct {
	DefaultProvider string                       `yaml:"default_provider"`
	DefaultModel    string                       `yaml:"default_model"`
	Providers       map[string]LLMProviderConfig `yaml:"providers"`
}

type LLMProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type ObservabilityConfig struct {
	TracingEnabled bool   `yaml:"tracing_enabled"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	ServiceName    string `yaml:"service_name"`
}

// Load reads and parses the configuration file. Environment variable
// references in the file are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	decoder := yaml.NewDecoder(strings.NewReader(expanded))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with all defaults applied and no
// endpoints set.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8080
	}
	if cfg.Server.MetricsPort == 0 {
		cfg.Server.MetricsPort = 9090
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Auth.TokenExchange.CacheBufferSeconds == 0 {
		cfg.Auth.TokenExchange.CacheBufferSeconds = 60
	}
	if cfg.Auth.TokenExchange.BreakerFailureThreshold == 0 {
		cfg.Auth.TokenExchange.BreakerFailureThreshold = 5
	}
	if cfg.Auth.TokenExchange.BreakerRecoveryTimeoutSeconds == 0 {
		cfg.Auth.TokenExchange.BreakerRecoveryTimeoutSeconds = 30
	}
	if cfg.Access.CacheTTLSeconds == 0 {
		cfg.Access.CacheTTLSeconds = 300
	}
	if cfg.RateLimit.Limits == nil {
		cfg.RateLimit = ratelimit.DefaultConfig()
	}
	if cfg.Gateway.PingIntervalSeconds == 0 {
		cfg.Gateway.PingIntervalSeconds = 30
	}
	if cfg.Gateway.MaxMissedPongs == 0 {
		cfg.Gateway.MaxMissedPongs = 2
	}
	if cfg.Gateway.ChunkSize == 0 {
		cfg.Gateway.ChunkSize = 50
	}
	if cfg.Agent.MaxIterations == 0 {
		cfg.Agent.MaxIterations = 10
	}
	if cfg.Agent.MaxToolCallsPerIteration == 0 {
		cfg.Agent.MaxToolCallsPerIteration = 5
	}
	if cfg.Agent.TimeoutSeconds == 0 {
		cfg.Agent.TimeoutSeconds = 300
	}
	if cfg.Agent.MaxTokens == 0 {
		cfg.Agent.MaxTokens = 4096
	}
	if cfg.Agent.MaxRetries == 0 {
		cfg.Agent.MaxRetries = 2
	}
	if cfg.Tools.TimeoutSeconds == 0 {
		cfg.Tools.TimeoutSeconds = 30
	}
	if cfg.LLM.DefaultProvider == "" {
		cfg.LLM.DefaultProvider = "openai"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "palaver"
	}
}

// Validate rejects configurations that would fail at runtime.
func (c *Config) Validate() error {
	if c.Storage.Driver != "sqlite" && c.Storage.Driver != "memory" {
		return fmt.Errorf("storage.driver must be \"sqlite\" or \"memory\", got %q", c.Storage.Driver)
	}
	if c.Auth.VerifyIssuer && c.Auth.ExpectedIssuer == "" {
		return fmt.Errorf("auth.verify_issuer requires auth.expected_issuer")
	}
	if c.Auth.VerifyAudience && len(c.Auth.ExpectedAudience) == 0 {
		return fmt.Errorf("auth.verify_audience requires auth.expected_audience")
	}
	for msgType, limit := range c.RateLimit.Limits {
		if limit.MaxRequests <= 0 || limit.WindowSeconds <= 0 {
			return fmt.Errorf("rate_limit.limits[%s]: max_requests and window_seconds must be positive", msgType)
		}
	}
	if _, ok := c.LLM.Providers[c.LLM.DefaultProvider]; !ok && len(c.LLM.Providers) > 0 {
		return fmt.Errorf("llm.default_provider %q has no entry in llm.providers", c.LLM.DefaultProvider)
	}
	if c.Observability.TracingEnabled && c.Observability.OTLPEndpoint == "" {
		return fmt.Errorf("observability.tracing_enabled requires observability.otlp_endpoint")
	}
	return nil
}
