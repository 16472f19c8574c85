// Package config handles Valet configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/valet/config.yaml, /etc/valet/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "valet", "config.yaml"))
	}

	paths = append(paths, "/etc/valet/config.yaml")
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

// Config holds all Valet configuration.
type Config struct {
	Listen   ListenConfig   `yaml:"listen"`
	Models   ModelsConfig   `yaml:"models"`
	Tasks    BridgeConfig   `yaml:"tasks"`
	Calendar BridgeConfig   `yaml:"calendar"`
	Approval ApprovalConfig `yaml:"approval"`
	DataDir  string         `yaml:"data_dir"`
	LogLevel string         `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ModelsConfig defines LLM provider settings.
type ModelsConfig struct {
	Default         string `yaml:"default"`
	Provider        string `yaml:"provider"` // ollama or anthropic
	OllamaURL       string `yaml:"ollama_url"`
	AnthropicAPIKey string `yaml:"anthropic_api_key"`
}

// BridgeConfig defines a connection to an external system of record
// (the task manager or calendar bridge service).
type BridgeConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// ApprovalConfig partitions the tool catalog into actions that run
// immediately and actions that require operator confirmation. The
// partition is configuration so that deployments can tighten it without
// a rebuild; every tool must appear in exactly one list.
type ApprovalConfig struct {
	Auto    []string `yaml:"auto"`
	Confirm []string `yaml:"confirm"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
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
		Listen:  ListenConfig{Port: 8080},
		DataDir: ".",
		Models: ModelsConfig{
			Default:   "qwen3:4b",
			Provider:  "ollama",
			OllamaURL: "http://localhost:11434",
		},
		Approval: ApprovalConfig{
			Auto: []string{"list_tasks", "list_events", "find_free_blocks"},
			Confirm: []string{
				"create_task", "update_task", "delete_task",
				"complete_task", "create_event",
			},
		},
	}
}
