// Package config handles AL service configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/al/config.yaml, /etc/al/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "al", "config.yaml"))
	}

	paths = append(paths, "/etc/al/config.yaml")
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

// Config holds all AL service configuration.
type Config struct {
	Listen    ListenConfig            `yaml:"listen"`
	Auth      AuthConfig              `yaml:"auth"`
	Assistant AssistantConfig         `yaml:"assistant"`
	Providers []ProviderConfig        `yaml:"providers"`
	Catalog   CatalogConfig           `yaml:"catalog"`
	Pricing   map[string]PricingEntry `yaml:"pricing"`
	DataDir   string                  `yaml:"data_dir"`
	LogLevel  string                  `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// AuthConfig defines how bearer tokens are resolved to user ids.
// Tokens maps token → user_id for the built-in static verifier. Real
// deployments point the service at the account platform instead; the
// static map exists for development and tests.
type AuthConfig struct {
	Tokens map[string]string `yaml:"tokens"`
}

// AssistantConfig holds the turn-policy parameters. Everything here is
// configuration rather than a constant: caps, budgets, and cost ceilings
// are product decisions that change without a deploy.
type AssistantConfig struct {
	Model string `yaml:"model"` // default model name sent to providers

	// DailyQueryCap is the maximum turns per UTC day for non-unlimited
	// accounts. Zero disables the cap.
	DailyQueryCap int `yaml:"daily_query_cap"`

	// ReserveCents is the pre-turn balance requirement. A turn is refused
	// before any provider call if the account balance is below this.
	ReserveCents int64 `yaml:"reserve_cents"`

	// MaxRounds bounds model-call/tool-invocation iterations per turn.
	MaxRounds int `yaml:"max_rounds"`

	TurnTimeoutSec int `yaml:"turn_timeout_sec"`
	ToolTimeoutSec int `yaml:"tool_timeout_sec"`

	// HistoryMessageLimit is the newest-N window of stored messages fed to
	// the model. HistoryTokenBudget further trims that window by estimated
	// token count.
	HistoryMessageLimit int `yaml:"history_message_limit"`
	HistoryTokenBudget  int `yaml:"history_token_budget"`

	// ToolResultMaxBytes caps how much of a tool result is persisted with
	// the assistant message.
	ToolResultMaxBytes int `yaml:"tool_result_max_bytes"`
}

// ProviderConfig defines one model provider in fallback priority order.
type ProviderConfig struct {
	Name    string `yaml:"name"`
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"` // overrides assistant.model for this provider

	// FailureThreshold consecutive failures open the circuit breaker;
	// CooldownSec is the wait before a half-open trial call.
	FailureThreshold int `yaml:"failure_threshold"`
	CooldownSec      int `yaml:"cooldown_sec"`
}

// CatalogConfig defines the catalog/search service connection.
type CatalogConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// PricingEntry defines per-model costs in cents per million tokens.
type PricingEntry struct {
	InputCentsPerMillion  float64 `yaml:"input_cents_per_million"`
	OutputCentsPerMillion float64 `yaml:"output_cents_per_million"`
}

// Load reads configuration from a YAML file. Environment variables in the
// file body ($VAR or ${VAR}) are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8080},
		Assistant: AssistantConfig{
			Model:               "gpt-4o-mini",
			DailyQueryCap:       50,
			ReserveCents:        10,
			MaxRounds:           5,
			TurnTimeoutSec:      120,
			ToolTimeoutSec:      15,
			HistoryMessageLimit: 40,
			HistoryTokenBudget:  6000,
			ToolResultMaxBytes:  4096,
		},
		DataDir: ".",
	}
}

// TurnTimeout returns the per-turn wall-clock bound as a duration.
func (a AssistantConfig) TurnTimeout() time.Duration {
	if a.TurnTimeoutSec <= 0 {
		return 2 * time.Minute
	}
	return time.Duration(a.TurnTimeoutSec) * time.Second
}

// ToolTimeout returns the per-tool-call deadline as a duration.
func (a AssistantConfig) ToolTimeout() time.Duration {
	if a.ToolTimeoutSec <= 0 {
		return 15 * time.Second
	}
	return time.Duration(a.ToolTimeoutSec) * time.Second
}
