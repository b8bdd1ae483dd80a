package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

// Config is the daemon's YAML configuration.
type Config struct {
	// Listen is the HTTP listen address, e.g. ":8080".
	Listen string `yaml:"listen"`

	// DataDir holds the Badger database. Empty means in-memory storage,
	// useful for local development only.
	DataDir string `yaml:"data_dir"`

	// Provider selects the upstream model API: "openai" or "gemini".
	Provider string `yaml:"provider"`

	// Model is the model name passed to the provider.
	Model string `yaml:"model"`

	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`

	// AuthTokens maps bearer tokens to user ids.
	AuthTokens map[string]string `yaml:"auth_tokens"`

	ReplayTTL   time.Duration `yaml:"replay_ttl"`
	LiveTimeout time.Duration `yaml:"live_timeout"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := &Config{
		Listen:   ":8080",
		Provider: "openai",
		LogLevel: "info",
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("config: model is required")
	}
	if cfg.Provider != "openai" && cfg.Provider != "gemini" {
		return nil, fmt.Errorf("config: unknown provider %q", cfg.Provider)
	}
	if len(cfg.AuthTokens) == 0 {
		return nil, fmt.Errorf("config: auth_tokens must not be empty")
	}
	return cfg, nil
}
