// Package config loads host configuration for the cortex runner:
// defaults -> TOML file -> env vars (env wins).
package config

import (
	"os"

	"github.com/BurntSushi/toml"
)

type Config struct {
	LLM      LLMConfig      `toml:"llm"`
	Store    StoreConfig    `toml:"store"`
	Engine   EngineConfig   `toml:"engine"`
	Observer ObserverConfig `toml:"observer"`
}

type LLMConfig struct {
	Model       string  `toml:"model"`
	BaseURL     string  `toml:"base_url"`
	APIKey      string  `toml:"api_key"`
	Temperature float64 `toml:"temperature"`
}

type StoreConfig struct {
	// Driver selects the event log backend: "sqlite" or "postgres".
	Driver      string `toml:"driver"`
	Path        string `toml:"path"`
	PostgresURL string `toml:"postgres_url"`
}

type EngineConfig struct {
	MaxIterations int `toml:"max_iterations"`
	MaxTokens     int `toml:"max_tokens"`
}

type ObserverConfig struct {
	Enabled     bool   `toml:"enabled"`
	ServiceName string `toml:"service_name"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		LLM:      LLMConfig{Model: "gpt-4o-mini", BaseURL: "https://api.openai.com/v1", Temperature: 0.2},
		Store:    StoreConfig{Driver: "sqlite", Path: "cortex.db"},
		Engine:   EngineConfig{MaxIterations: 10},
		Observer: ObserverConfig{ServiceName: "cortex"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "cortex.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("CORTEX_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("CORTEX_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("CORTEX_LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("CORTEX_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("CORTEX_POSTGRES_URL"); v != "" {
		cfg.Store.Driver = "postgres"
		cfg.Store.PostgresURL = v
	}
	if v := os.Getenv("CORTEX_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}

	return cfg
}
