// Package config loads loomkb configuration from a JSON file backend
// with environment variable overrides.
package config

import (
	"os"
	"path/filepath"
)

type Config struct {
	Server    ServerConfig
	Ollama    OllamaConfig
	Storage   StorageConfig
	Registry  RegistryConfig
	Retrieval RetrievalConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port int
}

type OllamaConfig struct {
	BaseURL      string
	EmbedModel   string
	EmbedVersion string
}

type StorageConfig struct {
	DataDir string
}

type RegistryConfig struct {
	AutoCreateProjects bool
}

type RetrievalConfig struct {
	TopK           int
	Depth          int
	SemanticWeight float64
	GraphWeight    float64
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4000,
		},
		Ollama: OllamaConfig{
			BaseURL:      "http://localhost:11434",
			EmbedModel:   "nomic-embed-text",
			EmbedVersion: "v1",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Registry: RegistryConfig{
			AutoCreateProjects: true,
		},
		Retrieval: RetrievalConfig{
			TopK:           10,
			Depth:          1,
			SemanticWeight: 0.7,
			GraphWeight:    0.3,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the file backend at
// $XDG_CONFIG_HOME/loomkb/config.json, then applies LOOMKB_*
// environment variable overrides.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()))
}

func loadWith(b Backend) (Config, error) {
	cfg := defaults()
	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "loomkb", "config.json")
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "loomkb-data"
		}
	}
	return filepath.Join(dir, "loomkb")
}
