package gateway

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bastion-ai/bastion/internal/policy"
)

// Config is the gateway's YAML configuration: which upstream providers
// are reachable, how requests are attributed to agents, and the
// operational limits around the proxy pipeline.
type Config struct {
	// Providers maps provider names (openai, anthropic, gemini,
	// cerebras, zhipu) to their upstream settings.
	Providers map[string]ProviderConfig `yaml:"providers"`

	// AgentHeader identifies the calling client when no agent ID is in
	// the request path. A default agent is created per distinct value.
	AgentHeader string `yaml:"agent_header"`

	RateLimits RateLimitConfig     `yaml:"rate_limits"`
	Timeouts   TimeoutsConfig      `yaml:"timeouts"`
	Quarantine QuarantineConfig    `yaml:"quarantine"`
	Access     policy.AccessConfig `yaml:"access"`
	Retention  RetentionConfig     `yaml:"retention"`
}

// ProviderConfig configures one upstream provider.
type ProviderConfig struct {
	Enabled bool   `yaml:"enabled"`
	BaseURL string `yaml:"base_url"`
	// APIKeyEnv names the environment variable consulted when the
	// secrets vault has no key for this provider.
	APIKeyEnv string `yaml:"api_key_env"`
}

// RateLimitConfig configures the token-bucket limits.
type RateLimitConfig struct {
	GlobalRequestsPerMin   int `yaml:"global_requests_per_min"`
	PerAgentRequestsPerMin int `yaml:"per_agent_requests_per_min"`
}

// TimeoutsConfig holds duration strings, parsed by ParseTimeouts.
type TimeoutsConfig struct {
	ConnectTimeout    string `yaml:"connect_timeout"`
	RequestTimeout    string `yaml:"request_timeout"`
	StreamIdleTimeout string `yaml:"stream_idle_timeout"`
}

// ParsedTimeouts is TimeoutsConfig with durations parsed.
type ParsedTimeouts struct {
	ConnectTimeout    time.Duration
	RequestTimeout    time.Duration
	StreamIdleTimeout time.Duration
}

// QuarantineConfig selects the LLM clients used by the dual-LLM
// sanitization loop. Main and quarantined agents may use different
// providers; by default both use the same one.
type QuarantineConfig struct {
	Provider            string `yaml:"provider"`
	Model               string `yaml:"model"`
	QuarantinedProvider string `yaml:"quarantined_provider"`
	QuarantinedModel    string `yaml:"quarantined_model"`
	MaxRounds           int    `yaml:"max_rounds"`
}

// RetentionConfig controls the interaction pruning job. A zero MaxAgeDays
// disables pruning.
type RetentionConfig struct {
	MaxAgeDays int    `yaml:"max_age_days"`
	Schedule   string `yaml:"schedule"`
}

const (
	DefaultAgentHeader       = "X-Bastion-Client"
	DefaultGlobalRPM         = 300
	DefaultPerAgentRPM       = 60
	DefaultConnectTimeout    = "10s"
	DefaultRequestTimeout    = "120s"
	DefaultStreamIdleTimeout = "60s"
	DefaultRetentionSchedule = "0 3 * * *"
)

// defaultBaseURLs are used when a provider block omits base_url. The
// OpenAI-compatible providers include their path prefix so upstream
// request paths can be appended verbatim.
var defaultBaseURLs = map[string]string{
	"openai":    "https://api.openai.com/v1",
	"anthropic": "https://api.anthropic.com",
	"gemini":    "https://generativelanguage.googleapis.com",
	"cerebras":  "https://api.cerebras.ai/v1",
	"zhipu":     "https://open.bigmodel.cn/api/paas/v4",
}

// defaultAPIKeyEnvs are the conventional environment variables consulted
// when the vault holds no key and api_key_env is unset.
var defaultAPIKeyEnvs = map[string]string{
	"openai":    "OPENAI_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
	"gemini":    "GEMINI_API_KEY",
	"cerebras":  "CEREBRAS_API_KEY",
	"zhipu":     "ZHIPU_API_KEY",
}

// knownProviders is the set of providers the adapter layer understands.
var knownProviders = map[string]bool{
	"openai":    true,
	"anthropic": true,
	"gemini":    true,
	"cerebras":  true,
	"zhipu":     true,
}

// LoadConfig loads gateway configuration from a YAML file. If the file
// has a top-level "gateway" key, that subtree is unmarshaled; otherwise
// the whole file is the Config.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading gateway config %s: %w", path, err)
	}

	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing gateway config: %w", err)
	}

	var cfg Config
	if g, ok := raw["gateway"]; ok {
		sub, _ := yaml.Marshal(g)
		if err := yaml.Unmarshal(sub, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshaling gateway block: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshaling gateway config: %w", err)
		}
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults sets default values for missing fields.
func (c *Config) ApplyDefaults() {
	if c.Providers == nil {
		c.Providers = make(map[string]ProviderConfig)
	}
	for name, p := range c.Providers {
		if p.BaseURL == "" {
			p.BaseURL = defaultBaseURLs[name]
		}
		if p.APIKeyEnv == "" {
			p.APIKeyEnv = defaultAPIKeyEnvs[name]
		}
		c.Providers[name] = p
	}
	if c.AgentHeader == "" {
		c.AgentHeader = DefaultAgentHeader
	}
	if c.RateLimits.GlobalRequestsPerMin == 0 {
		c.RateLimits.GlobalRequestsPerMin = DefaultGlobalRPM
	}
	if c.RateLimits.PerAgentRequestsPerMin == 0 {
		c.RateLimits.PerAgentRequestsPerMin = DefaultPerAgentRPM
	}
	if c.Timeouts.ConnectTimeout == "" {
		c.Timeouts.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Timeouts.RequestTimeout == "" {
		c.Timeouts.RequestTimeout = DefaultRequestTimeout
	}
	if c.Timeouts.StreamIdleTimeout == "" {
		c.Timeouts.StreamIdleTimeout = DefaultStreamIdleTimeout
	}
	if c.Quarantine.Provider == "" {
		c.Quarantine.Provider = "openai"
	}
	if c.Quarantine.Model == "" {
		c.Quarantine.Model = "gpt-4o-mini"
	}
	if c.Quarantine.QuarantinedProvider == "" {
		c.Quarantine.QuarantinedProvider = c.Quarantine.Provider
	}
	if c.Quarantine.QuarantinedModel == "" {
		c.Quarantine.QuarantinedModel = c.Quarantine.Model
	}
	if c.Retention.Schedule == "" {
		c.Retention.Schedule = DefaultRetentionSchedule
	}
}

// Validate checks that the configuration is coherent.
func (c *Config) Validate() error {
	for name, p := range c.Providers {
		if !knownProviders[name] {
			return fmt.Errorf("gateway provider %q is not supported", name)
		}
		if p.Enabled && p.BaseURL == "" {
			return fmt.Errorf("gateway provider %q: base_url is required", name)
		}
	}
	if !knownProviders[c.Quarantine.Provider] && c.Quarantine.Provider != "ollama" {
		return fmt.Errorf("quarantine provider %q is not supported", c.Quarantine.Provider)
	}
	if c.Quarantine.MaxRounds < 0 {
		return fmt.Errorf("quarantine max_rounds must not be negative")
	}
	if c.Retention.MaxAgeDays < 0 {
		return fmt.Errorf("retention max_age_days must not be negative")
	}
	if _, err := c.ParseTimeouts(); err != nil {
		return err
	}
	return nil
}

// ParseTimeouts returns parsed time.Duration values for the configured
// timeout strings.
func (c *Config) ParseTimeouts() (ParsedTimeouts, error) {
	var pt ParsedTimeouts
	var err error
	pt.ConnectTimeout, err = time.ParseDuration(c.Timeouts.ConnectTimeout)
	if err != nil {
		return pt, fmt.Errorf("connect_timeout %q: %w", c.Timeouts.ConnectTimeout, err)
	}
	pt.RequestTimeout, err = time.ParseDuration(c.Timeouts.RequestTimeout)
	if err != nil {
		return pt, fmt.Errorf("request_timeout %q: %w", c.Timeouts.RequestTimeout, err)
	}
	pt.StreamIdleTimeout, err = time.ParseDuration(c.Timeouts.StreamIdleTimeout)
	if err != nil {
		return pt, fmt.Errorf("stream_idle_timeout %q: %w", c.Timeouts.StreamIdleTimeout, err)
	}
	return pt, nil
}

// Provider returns the provider config for the given name.
func (c *Config) Provider(name string) (ProviderConfig, bool) {
	p, ok := c.Providers[name]
	return p, ok
}
