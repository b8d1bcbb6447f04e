// Package config handles agentd configuration loading.
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
// Then: ./config.yaml, ~/.config/agentd/config.yaml, /etc/agentd/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "agentd", "config.yaml"))
	}

	paths = append(paths, "/etc/agentd/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
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

// Config holds all agentd configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Models    ModelsConfig    `yaml:"models"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Loop      LoopConfig      `yaml:"loop"`
	DataDir   string          `yaml:"data_dir"`
	Ephemeral bool            `yaml:"ephemeral"`
	LogLevel  string          `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ModelsConfig defines model routing settings.
type ModelsConfig struct {
	Default   string        `yaml:"default"`
	OllamaURL string        `yaml:"ollama_url"`
	Available []ModelConfig `yaml:"available"`
}

// ModelConfig defines a single model and the provider that serves it.
type ModelConfig struct {
	Name          string `yaml:"name"`
	Provider      string `yaml:"provider"` // ollama, anthropic, openai
	SupportsTools bool   `yaml:"supports_tools"`
	ContextWindow int    `yaml:"context_window"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// OpenAIConfig defines OpenAI API settings. BaseURL allows pointing at
// an OpenAI-compatible endpoint.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// LoopConfig bounds a single turn of the tool loop.
type LoopConfig struct {
	// MaxIterations caps the number of model calls per turn (default 8).
	MaxIterations int `yaml:"max_iterations"`
	// DeadlineSec caps the wall-clock duration of a turn in seconds
	// (default 300).
	DeadlineSec int `yaml:"deadline_sec"`
	// MaxConcurrentTools caps parallel tool executions within one
	// model response (default 4).
	MaxConcurrentTools int `yaml:"max_concurrent_tools"`
}

// Deadline returns the configured turn deadline as a duration.
func (c LoopConfig) Deadline() time.Duration {
	return time.Duration(c.DeadlineSec) * time.Second
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{
		Listen: ListenConfig{Port: 8080},
	}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8080},
		Models: ModelsConfig{
			Default: "qwen3:8b",
			Available: []ModelConfig{
				{
					Name:          "qwen3:8b",
					Provider:      "ollama",
					SupportsTools: true,
					ContextWindow: 32768,
				},
			},
		},
		Loop: LoopConfig{
			MaxIterations:      8,
			DeadlineSec:        300,
			MaxConcurrentTools: 4,
		},
		DataDir: "data",
	}
}
