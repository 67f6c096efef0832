package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Storage     StorageConfig     `json:"storage"`
	Memory      MemoryConfig      `json:"memory"`
	Embedder    EmbedderConfig    `json:"embedder"`
	Maintenance MaintenanceConfig `json:"maintenance"`
	Log         LogConfig         `json:"log"`
}

type StorageConfig struct {
	Dir string `json:"dir" env:"REPOBUTLER_STORAGE_DIR"`
}

type MemoryConfig struct {
	HistoryLimit      int `json:"history_limit" env:"REPOBUTLER_MEMORY_HISTORY_LIMIT"`
	SessionWindow     int `json:"session_window" env:"REPOBUTLER_MEMORY_SESSION_WINDOW"`
	SessionTTLMinutes int `json:"session_ttl_minutes" env:"REPOBUTLER_MEMORY_SESSION_TTL_MINUTES"`
	EmbedTimeoutSecs  int `json:"embed_timeout_seconds" env:"REPOBUTLER_MEMORY_EMBED_TIMEOUT_SECONDS"`
}

// EmbedderConfig selects the embedding provider. Provider "none" disables
// vector recall; semantic search then falls back to keyword scoring.
type EmbedderConfig struct {
	Provider    string `json:"provider" env:"REPOBUTLER_EMBEDDER_PROVIDER"` // none | chargram | hash | ollama
	OllamaURL   string `json:"ollama_url" env:"REPOBUTLER_EMBEDDER_OLLAMA_URL"`
	OllamaModel string `json:"ollama_model" env:"REPOBUTLER_EMBEDDER_OLLAMA_MODEL"`
}

type MaintenanceConfig struct {
	Enabled bool   `json:"enabled" env:"REPOBUTLER_MAINTENANCE_ENABLED"`
	Cron    string `json:"cron" env:"REPOBUTLER_MAINTENANCE_CRON"`
}

type LogConfig struct {
	Debug bool `json:"debug" env:"REPOBUTLER_LOG_DEBUG"`
	JSON  bool `json:"json" env:"REPOBUTLER_LOG_JSON"`
	// File, when set, additionally appends JSON logs to this path while
	// the terminal keeps its configured handler.
	File string `json:"file" env:"REPOBUTLER_LOG_FILE"`
}

func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Dir: "~/.repobutler/data",
		},
		Memory: MemoryConfig{
			HistoryLimit:      100,
			SessionWindow:     20,
			SessionTTLMinutes: 30,
			EmbedTimeoutSecs:  10,
		},
		Embedder: EmbedderConfig{
			Provider:    "chargram",
			OllamaURL:   "http://localhost:11434",
			OllamaModel: "nomic-embed-text",
		},
		Maintenance: MaintenanceConfig{
			Enabled: true,
			Cron:    "0 * * * *", // hourly
		},
		Log: LogConfig{},
	}
}

// LoadConfig reads path over the defaults, then applies environment
// overrides. A missing file is not an error; env still applies.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// StoragePath returns the storage directory with ~ expanded.
func (c *Config) StoragePath() string {
	return expandHome(c.Storage.Dir)
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
