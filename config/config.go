package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// AnthropicConfig represents configuration for Anthropic LLM provider.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key,omitempty"` // Anthropic API key
	Model  string `yaml:"model,omitempty"`   // Default model name
}

// OllamaConfig represents configuration for Ollama LLM provider.
type OllamaConfig struct {
	Host       string `yaml:"host,omitempty"`        // Ollama host (default: "http://localhost:11434")
	Model      string `yaml:"model,omitempty"`       // Default chat model name
	EmbedModel string `yaml:"embed_model,omitempty"` // Embedding model name
}

// OpenAIConfig represents configuration for OpenAI LLM provider.
type OpenAIConfig struct {
	APIKey       string `yaml:"api_key,omitempty"`      // OpenAI API key
	BaseURL      string `yaml:"base_url,omitempty"`     // Custom base URL (default: official API)
	Model        string `yaml:"model,omitempty"`        // Default model name
	Organization string `yaml:"organization,omitempty"` // Organization ID
}

// RankingConfig tunes the similarity/feedback blend.
type RankingConfig struct {
	Alpha        float64 `yaml:"alpha,omitempty"`         // Similarity weight in the blend
	ConfidenceZ  float64 `yaml:"confidence_z,omitempty"`  // Normal quantile for the confidence interval
	NeutralScore float64 `yaml:"neutral_score,omitempty"` // Confidence term for records with no feedback
}

// RetrievalConfig tunes the search gateway.
type RetrievalConfig struct {
	TopK            int  `yaml:"top_k,omitempty"`            // Results returned per search
	OverfetchFactor int  `yaml:"overfetch_factor,omitempty"` // Index over-fetch multiplier
	DisableBoosts   bool `yaml:"disable_boosts,omitempty"`   // Turn off attribute boost rules
}

// SessionConfig tunes conversation lifecycle.
type SessionConfig struct {
	MaxContextChars int    `yaml:"max_context_chars,omitempty"` // Compression trigger
	KeepRecentTurns int    `yaml:"keep_recent_turns,omitempty"` // Turns kept verbatim through compression
	TTL             string `yaml:"ttl,omitempty"`               // Idle expiry, e.g. "30m"
	RejectWhenBusy  bool   `yaml:"reject_when_busy,omitempty"`  // Reject concurrent queries instead of queueing
	SweepInterval   string `yaml:"sweep_interval,omitempty"`    // How often idle sessions are swept
}

// AgentConfig tunes the reasoning loop.
type AgentConfig struct {
	StepBudget  int    `yaml:"step_budget,omitempty"`  // Max reasoning steps per query
	ToolTimeout string `yaml:"tool_timeout,omitempty"` // Per-tool deadline, e.g. "20s"
}

// IndexConfig tunes the prospect index.
type IndexConfig struct {
	ListingsPath    string `yaml:"listings_path,omitempty"`    // JSON listings file for rebuilds
	RebuildSchedule string `yaml:"rebuild_schedule,omitempty"` // Cron expression or Go duration
}

// WebSearchConfig configures the external lookup tool.
type WebSearchConfig struct {
	Endpoint string `yaml:"endpoint,omitempty"` // Search endpoint accepting ?q=
}

// Config is the full daemon configuration.
type Config struct {
	DBPath  string `yaml:"db_path,omitempty"` // sqlite database path
	LogFile string `yaml:"log_file,omitempty"`

	LLMProviders []string        `yaml:"llm_providers,omitempty"` // Ordered provider preference
	Anthropic    AnthropicConfig `yaml:"anthropic,omitempty"`
	Ollama       OllamaConfig    `yaml:"ollama,omitempty"`
	OpenAI       OpenAIConfig    `yaml:"openai,omitempty"`

	Ranking   RankingConfig   `yaml:"ranking,omitempty"`
	Retrieval RetrievalConfig `yaml:"retrieval,omitempty"`
	Session   SessionConfig   `yaml:"session,omitempty"`
	Agent     AgentConfig     `yaml:"agent,omitempty"`
	Index     IndexConfig     `yaml:"index,omitempty"`
	WebSearch WebSearchConfig `yaml:"web_search,omitempty"`
}

// GetConfigPath returns the default config file path.
// Can be overridden via PROSPECT_CONFIG_PATH environment variable.
func GetConfigPath() string {
	if envPath := os.Getenv("PROSPECT_CONFIG_PATH"); envPath != "" {
		return expandPath(envPath)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "./.prospectd/config.yaml"
	}
	return filepath.Join(homeDir, ".prospectd", "config.yaml")
}

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// Defaults returns the baseline configuration before any file is merged.
func Defaults() Config {
	return Config{
		DBPath:       "prospectd.db",
		LogFile:      "prospectd.log",
		LLMProviders: []string{"anthropic", "ollama"},
		Ollama: OllamaConfig{
			Host:       "http://localhost:11434",
			EmbedModel: "mxbai-embed-large",
		},
		Ranking: RankingConfig{
			Alpha:        0.7,
			ConfidenceZ:  1.96,
			NeutralScore: 0.5,
		},
		Retrieval: RetrievalConfig{
			TopK:            5,
			OverfetchFactor: 3,
		},
		Session: SessionConfig{
			MaxContextChars: 8000,
			KeepRecentTurns: 4,
			TTL:             "30m",
			SweepInterval:   "1m",
		},
		Agent: AgentConfig{
			StepBudget:  6,
			ToolTimeout: "20s",
		},
		Index: IndexConfig{
			ListingsPath:    "listings.json",
			RebuildSchedule: "0 3 * * 0",
		},
	}
}

// Load reads the config file at path (if it exists) and merges it over the
// defaults. A missing file is not an error; a malformed one is.
func Load(path string) (*Config, error) {
	defaults := Defaults()

	expandedPath := expandPath(path)
	if _, err := os.Stat(expandedPath); err != nil {
		return &defaults, nil
	}

	configYAML, err := os.ReadFile(expandedPath) //#nosec 304 -- intentional file read for config
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %q: %w", expandedPath, err)
	}

	var fileConfig Config
	if err := yaml.Unmarshal(configYAML, &fileConfig); err != nil {
		return nil, fmt.Errorf("failed to parse config file %q: %w", expandedPath, err)
	}

	if err := mergo.Merge(&defaults, fileConfig, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("failed to merge config: %w", err)
	}

	return &defaults, nil
}

// Save writes the configuration to the specified path.
func Save(cfg *Config, path string) error {
	expandedPath := expandPath(path)

	dir := filepath.Dir(expandedPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(expandedPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
