package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds all recall configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Chunking  ChunkingConfig  `yaml:"chunking"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
}

type ServerConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type EmbeddingConfig struct {
	Provider   string `yaml:"provider"` // "ollama", "mock", "none"
	OllamaURL  string `yaml:"ollama_url"`
	Model      string `yaml:"model"` // e.g. "nomic-embed-text"
	Dimensions int    `yaml:"dimensions"`
}

type ChunkingConfig struct {
	TargetTokens    int     `yaml:"target_tokens"`
	OverlapFraction float64 `yaml:"overlap_fraction"`
}

type HeartbeatConfig struct {
	Enabled         bool   `yaml:"enabled"`
	DefaultInterval int    `yaml:"default_interval"` // seconds
	WakeURL         string `yaml:"wake_url"`         // webhook that wakes the agent
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 37707,
		},
		Database: DatabaseConfig{
			Path: "", // resolved at runtime via store.DefaultDBPath()
		},
		Embedding: EmbeddingConfig{
			Provider:  "ollama",
			OllamaURL: "http://localhost:11434",
			Model:     "nomic-embed-text",
		},
		Chunking: ChunkingConfig{
			TargetTokens:    800,
			OverlapFraction: 0.15,
		},
		Heartbeat: HeartbeatConfig{
			Enabled:         true,
			DefaultInterval: 1800,
		},
	}
}

// Load reads a YAML config file over the defaults. A missing file is not
// an error; the defaults stand.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	if cfg.Chunking.TargetTokens <= 0 {
		return cfg, fmt.Errorf("chunking.target_tokens must be positive")
	}
	if cfg.Chunking.OverlapFraction < 0 || cfg.Chunking.OverlapFraction >= 1 {
		return cfg, fmt.Errorf("chunking.overlap_fraction must be in [0, 1)")
	}
	if cfg.Heartbeat.DefaultInterval <= 0 {
		return cfg, fmt.Errorf("heartbeat.default_interval must be positive")
	}
	return cfg, nil
}

// DefaultPath returns the standard config location: ~/.recall/config.yaml
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".recall", "config.yaml"), nil
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}
