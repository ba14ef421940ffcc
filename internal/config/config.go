// Package config handles Quarry configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override variable.
const EnvPrefix = "QUARRY_"

// DefaultSearchPaths returns the config file search order.
// An explicit path (from --config) is checked first.
// Then: ./config.yaml, ~/.config/quarry/config.yaml, /etc/quarry/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "quarry", "config.yaml"))
	}

	paths = append(paths, "/etc/quarry/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Quarry configuration.
type Config struct {
	Listen     ListenConfig            `yaml:"listen"`
	Models     ModelsConfig            `yaml:"models"`
	Anthropic  ProviderConfig          `yaml:"anthropic" envPrefix:"ANTHROPIC_"`
	OpenAI     ProviderConfig          `yaml:"openai" envPrefix:"OPENAI_"`
	Pricing    map[string]PricingEntry `yaml:"pricing"`
	Personas   []string                `yaml:"personas"`
	Tools      []ToolConfig            `yaml:"tools"`
	Responders []ResponderConfig       `yaml:"responders"`
	Agent      AgentConfig             `yaml:"agent" envPrefix:"AGENT_"`
	Memory     MemoryConfig            `yaml:"memory" envPrefix:"MEMORY_"`
	Cache      CacheConfig             `yaml:"cache" envPrefix:"CACHE_"`
	Ledger     LedgerConfig            `yaml:"ledger" envPrefix:"LEDGER_"`
	Sessions   SessionsConfig          `yaml:"sessions" envPrefix:"SESSIONS_"`
	Router     RouterConfig            `yaml:"router"`
	Policy     PolicyConfig            `yaml:"policy" envPrefix:"POLICY_"`
	MQTT       MQTTConfig              `yaml:"mqtt" envPrefix:"MQTT_"`
	DataDir    string                  `yaml:"data_dir" env:"DATA_DIR"`
	LogLevel   string                  `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat  string                  `yaml:"log_format" env:"LOG_FORMAT"` // text or json
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address" env:"LISTEN_ADDRESS"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port" env:"LISTEN_PORT"`
}

// ModelsConfig defines which provider serves which model.
type ModelsConfig struct {
	Default   string        `yaml:"default" env:"MODELS_DEFAULT"`
	OllamaURL string        `yaml:"ollama_url" env:"OLLAMA_URL"`
	Available []ModelConfig `yaml:"available"`
}

// ModelConfig binds a model name to a provider.
type ModelConfig struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"` // ollama, anthropic, openai
}

// ProviderConfig holds credentials and client-side limits for a hosted
// model provider.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key" env:"API_KEY"`
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// RequestsPerSecond throttles outbound calls. Zero disables throttling.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// Configured reports whether the provider has credentials.
func (p ProviderConfig) Configured() bool {
	return p.APIKey != ""
}

// PricingEntry is the cost per million tokens for a model, in USD.
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// ToolConfig declares a tool backed by an HTTP endpoint.
type ToolConfig struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Schema      map[string]any `yaml:"schema"`
	Endpoint    string         `yaml:"endpoint"`
	Timeout     time.Duration  `yaml:"timeout"`
	// CostPerCall is the service cost charged to the ledger for each
	// invocation, in USD.
	CostPerCall float64 `yaml:"cost_per_call"`
}

// ResponderConfig declares one responder bound to a persona.
type ResponderConfig struct {
	Name          string        `yaml:"name"`
	Persona       string        `yaml:"persona"`
	Kind          string        `yaml:"kind"` // query or specialist
	SystemPrompt  string        `yaml:"system_prompt"`
	Model         string        `yaml:"model"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxIterations int           `yaml:"max_iterations"`
	MaxTokens     int           `yaml:"max_tokens"`
	Tools         []string      `yaml:"tools"`
	Disabled      bool          `yaml:"disabled"`
}

// AgentConfig holds loop defaults applied to responders that leave the
// corresponding field unset.
type AgentConfig struct {
	MaxIterations    int           `yaml:"max_iterations" env:"MAX_ITERATIONS"`
	MaxTokens        int           `yaml:"max_tokens" env:"MAX_TOKENS"`
	Timeout          time.Duration `yaml:"timeout" env:"TIMEOUT"`
	MaxParallelTools int           `yaml:"max_parallel_tools" env:"MAX_PARALLEL_TOOLS"`
	Retry            RetryConfig   `yaml:"retry" envPrefix:"RETRY_"`
}

// RetryConfig controls retries of transient model errors.
type RetryConfig struct {
	Attempts  int           `yaml:"attempts" env:"ATTEMPTS"`
	BaseDelay time.Duration `yaml:"base_delay" env:"BASE_DELAY"`
	MaxDelay  time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
}

// MemoryConfig sizes the per-session conversation window.
type MemoryConfig struct {
	Window int `yaml:"window" env:"WINDOW"`
}

// CacheConfig controls the query result cache.
type CacheConfig struct {
	MaxEntries    int           `yaml:"max_entries" env:"MAX_ENTRIES"`
	DefaultTTL    time.Duration `yaml:"default_ttl" env:"DEFAULT_TTL"`
	SummaryTTL    time.Duration `yaml:"summary_ttl" env:"SUMMARY_TTL"`
	SweepInterval time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
	// SummaryPatterns are case-insensitive substrings identifying
	// summary or dashboard queries, which get SummaryTTL.
	SummaryPatterns []string `yaml:"summary_patterns"`
}

// LedgerConfig controls cost accounting persistence.
type LedgerConfig struct {
	// Journal enables the SQLite write-through journal.
	Journal bool   `yaml:"journal" env:"JOURNAL"`
	DBPath  string `yaml:"db_path" env:"DB_PATH"`
}

// SessionsConfig controls session lifetime.
type SessionsConfig struct {
	Inactivity time.Duration `yaml:"inactivity" env:"INACTIVITY"`
	Persist    bool          `yaml:"persist" env:"PERSIST"`
	DBPath     string        `yaml:"db_path" env:"DB_PATH"`
}

// RouterConfig tunes the keyword intent classifier.
type RouterConfig struct {
	QueryKeywords      []string `yaml:"query_keywords"`
	SpecialistKeywords []string `yaml:"specialist_keywords"`
	HybridKeywords     []string `yaml:"hybrid_keywords"`
	MaxAuditLog        int      `yaml:"max_audit_log"`
}

// PolicyConfig points at a Rego policy gating tool calls.
type PolicyConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	File    string `yaml:"file" env:"FILE"`
}

// MQTTConfig configures telemetry publishing.
type MQTTConfig struct {
	Broker          string        `yaml:"broker" env:"BROKER"`
	Username        string        `yaml:"username" env:"USERNAME"`
	Password        string        `yaml:"password" env:"PASSWORD"`
	DeviceName      string        `yaml:"device_name"`
	DiscoveryPrefix string        `yaml:"discovery_prefix"`
	PublishInterval time.Duration `yaml:"publish_interval"`
}

// Configured reports whether MQTT publishing is enabled.
func (m MQTTConfig) Configured() bool {
	return m.Broker != ""
}

// Load reads configuration from a YAML file, expands ${VAR} references,
// applies QUARRY_* environment overrides, and fills defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}

	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyDefaults fills zero-valued fields with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.Models.OllamaURL == "" {
		c.Models.OllamaURL = "http://localhost:11434"
	}
	if c.Agent.MaxIterations <= 0 {
		c.Agent.MaxIterations = 10
	}
	if c.Agent.MaxTokens <= 0 {
		c.Agent.MaxTokens = 25000
	}
	if c.Agent.Timeout <= 0 {
		c.Agent.Timeout = 90 * time.Second
	}
	if c.Agent.MaxParallelTools <= 0 {
		c.Agent.MaxParallelTools = 4
	}
	if c.Agent.Retry.Attempts <= 0 {
		c.Agent.Retry.Attempts = 3
	}
	if c.Agent.Retry.BaseDelay <= 0 {
		c.Agent.Retry.BaseDelay = 500 * time.Millisecond
	}
	if c.Agent.Retry.MaxDelay <= 0 {
		c.Agent.Retry.MaxDelay = 8 * time.Second
	}
	if c.Memory.Window <= 0 {
		c.Memory.Window = 10
	}
	if c.Cache.MaxEntries <= 0 {
		c.Cache.MaxEntries = 1000
	}
	if c.Cache.DefaultTTL <= 0 {
		c.Cache.DefaultTTL = 5 * time.Minute
	}
	if c.Cache.SummaryTTL <= 0 {
		c.Cache.SummaryTTL = 30 * time.Minute
	}
	if c.Cache.SweepInterval <= 0 {
		c.Cache.SweepInterval = time.Minute
	}
	if len(c.Cache.SummaryPatterns) == 0 {
		c.Cache.SummaryPatterns = []string{"summary", "summarize", "dashboard", "overview", "kpi"}
	}
	if c.DataDir == "" {
		c.DataDir = "./db"
	}
	if c.Ledger.DBPath == "" {
		c.Ledger.DBPath = filepath.Join(c.DataDir, "ledger.db")
	}
	if c.Sessions.Inactivity <= 0 {
		c.Sessions.Inactivity = 30 * time.Minute
	}
	if c.Sessions.DBPath == "" {
		c.Sessions.DBPath = filepath.Join(c.DataDir, "sessions.db")
	}
	if c.Router.MaxAuditLog <= 0 {
		c.Router.MaxAuditLog = 1000
	}
	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = "quarry"
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.MQTT.PublishInterval <= 0 {
		c.MQTT.PublishInterval = time.Minute
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
}

// Validate checks cross-references between personas, responders and
// tools. It does not check reachability of any external service.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat)
	}

	personas := make(map[string]bool, len(c.Personas))
	for _, p := range c.Personas {
		if p == "" {
			return fmt.Errorf("personas: empty persona name")
		}
		if personas[p] {
			return fmt.Errorf("personas: %q listed twice", p)
		}
		personas[p] = true
	}

	toolNames := make(map[string]bool, len(c.Tools))
	for i, t := range c.Tools {
		if t.Name == "" {
			return fmt.Errorf("tools[%d]: name is required", i)
		}
		if t.Endpoint == "" {
			return fmt.Errorf("tools[%d] %s: endpoint is required", i, t.Name)
		}
		toolNames[t.Name] = true
	}

	names := make(map[string]bool, len(c.Responders))
	for i, r := range c.Responders {
		if r.Name == "" {
			return fmt.Errorf("responders[%d]: name is required", i)
		}
		if names[r.Name] {
			return fmt.Errorf("responders[%d]: duplicate name %q", i, r.Name)
		}
		names[r.Name] = true
		if r.Disabled {
			continue
		}
		if !personas[r.Persona] {
			return fmt.Errorf("responder %s: persona %q is not configured", r.Name, r.Persona)
		}
		if r.Kind != "query" && r.Kind != "specialist" {
			return fmt.Errorf("responder %s: kind must be query or specialist, got %q", r.Name, r.Kind)
		}
	}

	return nil
}

// Default returns a configuration suitable for local development
// against Ollama, with no tools configured.
func Default() *Config {
	cfg := &Config{
		Models: ModelsConfig{
			Default: "qwen3:4b",
			Available: []ModelConfig{
				{Name: "qwen3:4b", Provider: "ollama"},
			},
		},
		Personas: []string{"warehouse_manager", "logistics_coordinator", "procurement_analyst"},
	}
	for _, p := range cfg.Personas {
		cfg.Responders = append(cfg.Responders, ResponderConfig{
			Name:    p + "_query",
			Persona: p,
			Kind:    "query",
			Model:   "qwen3:4b",
		})
	}
	cfg.ApplyDefaults()
	return cfg
}
