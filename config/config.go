package config

import (
	"fmt"
	"os"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// AnthropicConfig represents configuration for the Anthropic LLM provider.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key,omitempty"` // Anthropic API key
	Model  string `yaml:"model,omitempty"`   // Default model name
}

// OpenAIConfig represents configuration for the OpenAI LLM provider.
type OpenAIConfig struct {
	APIKey         string `yaml:"api_key,omitempty"`         // OpenAI API key
	BaseURL        string `yaml:"base_url,omitempty"`        // Custom base URL (default: official API)
	Model          string `yaml:"model,omitempty"`           // Default chat model name
	EmbeddingModel string `yaml:"embedding_model,omitempty"` // Embedding model name
}

// OllamaConfig represents configuration for a local Ollama instance.
type OllamaConfig struct {
	Host           string `yaml:"host,omitempty"`            // Ollama host (default: "http://localhost:11434")
	EmbeddingModel string `yaml:"embedding_model,omitempty"` // Embedding model name
}

// LLMPreference represents a single LLM provider/model preference for an agent.
// Agents can specify multiple preferences in order, and the system will use
// the first available provider from the preference list.
type LLMPreference struct {
	Provider    string   `yaml:"provider" json:"provider"` // Required: "anthropic" or "openai"
	Model       string   `yaml:"model,omitempty" json:"model,omitempty"`
	Temperature *float64 `yaml:"temperature,omitempty" json:"temperature,omitempty"`
}

// AgentConfig represents the configuration for a single agent.
type AgentConfig struct {
	ID        string          `yaml:"id" json:"id"`
	Name      string          `yaml:"name" json:"name"`
	System    string          `yaml:"system_prompt" json:"system"`
	MaxTokens int64           `yaml:"max_tokens" json:"max_tokens"`
	Tools     []string        `yaml:"tools" json:"tools"`
	Disabled  bool            `yaml:"disabled" json:"disabled"`
	LLM       []LLMPreference `yaml:"llm,omitempty" json:"llm,omitempty"`
}

// MemoryConfig controls per-agent memory retention and decay.
type MemoryConfig struct {
	CeilingPerAgent int     `yaml:"ceiling_per_agent,omitempty"` // Max items per agent before eviction
	DecayFactor     float64 `yaml:"decay_factor,omitempty"`      // Multiplier applied per decay pass
	DecayFloor      float64 `yaml:"decay_floor,omitempty"`       // Importance never decays below this
	RecencyHalfLife string  `yaml:"recency_half_life,omitempty"` // Half-life for the eviction recency weight
	HighValueMin    float64 `yaml:"high_value_min,omitempty"`    // Importance floor for "high-value only" queries
	HighValueMaxAge string  `yaml:"high_value_max_age,omitempty"`
}

// RecencyHalfLifeDuration parses the configured half-life, defaulting to 7 days.
func (m MemoryConfig) RecencyHalfLifeDuration() time.Duration {
	if d, err := time.ParseDuration(m.RecencyHalfLife); err == nil && d > 0 {
		return d
	}
	return 7 * 24 * time.Hour
}

// HighValueMaxAgeDuration parses the configured max age, defaulting to 30 days.
func (m MemoryConfig) HighValueMaxAgeDuration() time.Duration {
	if d, err := time.ParseDuration(m.HighValueMaxAge); err == nil && d > 0 {
		return d
	}
	return 30 * 24 * time.Hour
}

// ContextConfig controls context assembly.
type ContextConfig struct {
	MaxTokens           int     `yaml:"max_tokens,omitempty"`
	ReservedForResponse int     `yaml:"reserved_for_response,omitempty"`
	RecentMessages      int     `yaml:"recent_messages,omitempty"` // Session turns pulled as raw context
	TopK                int     `yaml:"top_k,omitempty"`           // Vector index candidates
	Alpha               float64 `yaml:"alpha,omitempty"`           // Similarity/importance blend weight
	FactImportanceMin   float64 `yaml:"fact_importance_min,omitempty"`
}

// ApprovalConfig controls the approval gate.
type ApprovalConfig struct {
	Timeout        string   `yaml:"timeout,omitempty"`         // Pending approvals older than this expire
	SensitiveTools []string `yaml:"sensitive_tools,omitempty"` // Additions to the built-in classification list
}

// TimeoutDuration parses the configured approval timeout, defaulting to 30 minutes.
func (a ApprovalConfig) TimeoutDuration() time.Duration {
	if d, err := time.ParseDuration(a.Timeout); err == nil && d > 0 {
		return d
	}
	return 30 * time.Minute
}

// MaintenanceConfig controls the background sweep cadence. Schedules accept
// cron expressions or @every descriptors.
type MaintenanceConfig struct {
	DecaySchedule  string `yaml:"decay_schedule,omitempty"`  // Importance decay and eviction sweep
	ExpirySchedule string `yaml:"expiry_schedule,omitempty"` // Stale approval expiry sweep
}

// Config is the root daemon configuration.
type Config struct {
	Server struct {
		Addr string `yaml:"addr,omitempty"` // HTTP listen address (default: localhost:8720)
	} `yaml:"server,omitempty"`

	DatabasePath   string `yaml:"database_path,omitempty"`
	MigrationsPath string `yaml:"migrations_path,omitempty"`

	Anthropic AnthropicConfig `yaml:"anthropic,omitempty"`
	OpenAI    OpenAIConfig    `yaml:"openai,omitempty"`
	Ollama    OllamaConfig    `yaml:"ollama,omitempty"`

	Agents map[string]*AgentConfig `yaml:"agents,omitempty"`

	Memory      MemoryConfig      `yaml:"memory,omitempty"`
	Context     ContextConfig     `yaml:"context,omitempty"`
	Approvals   ApprovalConfig    `yaml:"approvals,omitempty"`
	Maintenance MaintenanceConfig `yaml:"maintenance,omitempty"`

	ModelTimeout string `yaml:"model_timeout,omitempty"` // Deadline for a single model invocation
	ToolTimeout  string `yaml:"tool_timeout,omitempty"`  // Deadline for a single tool execution
}

// ModelTimeoutDuration parses the model deadline, defaulting to 2 minutes.
func (c *Config) ModelTimeoutDuration() time.Duration {
	if d, err := time.ParseDuration(c.ModelTimeout); err == nil && d > 0 {
		return d
	}
	return 2 * time.Minute
}

// ToolTimeoutDuration parses the tool deadline, defaulting to 1 minute.
func (c *Config) ToolTimeoutDuration() time.Duration {
	if d, err := time.ParseDuration(c.ToolTimeout); err == nil && d > 0 {
		return d
	}
	return time.Minute
}

// Defaults returns the baseline configuration that user files are merged over.
func Defaults() *Config {
	cfg := &Config{
		DatabasePath:   "agentd.db",
		MigrationsPath: "migrations",
		Memory: MemoryConfig{
			CeilingPerAgent: 2000,
			DecayFactor:     0.98,
			DecayFloor:      0.05,
			HighValueMin:    0.7,
		},
		Maintenance: MaintenanceConfig{
			DecaySchedule:  "@hourly",
			ExpirySchedule: "@every 5m",
		},
		Context: ContextConfig{
			MaxTokens:           8192,
			ReservedForResponse: 1024,
			RecentMessages:      6,
			TopK:                8,
			Alpha:               0.7,
			FactImportanceMin:   0.7,
		},
	}
	cfg.Server.Addr = "localhost:8720"
	return cfg
}

// Load reads the YAML config at path and merges it over Defaults.
// A missing file is not an error; defaults are returned as-is.
// Uses mergo so nested structures merge properly, with file values taking precedence.
func Load(path string) (*Config, error) {
	defaults := Defaults()

	data, err := os.ReadFile(path) //nolint:gosec // G304: user-specified config path is intentional
	if err != nil {
		if os.IsNotExist(err) {
			return defaults, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var fileCfg Config
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := mergo.Merge(defaults, fileCfg, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("merge config: %w", err)
	}

	for id, agent := range defaults.Agents {
		if agent.ID == "" {
			agent.ID = id
		}
		if agent.MaxTokens == 0 {
			agent.MaxTokens = 4096
		}
	}

	return defaults, nil
}
