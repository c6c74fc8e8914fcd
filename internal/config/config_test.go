package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, data map[string]any) string {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func clearEnvOverrides(t *testing.T) {
	t.Helper()
	for _, s := range specs {
		t.Setenv(s.env, "")
	}
}

func TestDefaults(t *testing.T) {
	clearEnvOverrides(t)
	path := filepath.Join(t.TempDir(), "missing.json")

	cfg, err := loadWith(newFileBackend(path))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4000 {
		t.Errorf("Server.Port = %d, want 4000", cfg.Server.Port)
	}
	if cfg.Ollama.BaseURL != "http://localhost:11434" {
		t.Errorf("Ollama.BaseURL = %q", cfg.Ollama.BaseURL)
	}
	if cfg.Ollama.EmbedModel != "nomic-embed-text" {
		t.Errorf("Ollama.EmbedModel = %q", cfg.Ollama.EmbedModel)
	}
	if !cfg.Registry.AutoCreateProjects {
		t.Error("Registry.AutoCreateProjects = false, want true")
	}
	if cfg.Retrieval.TopK != 10 {
		t.Errorf("Retrieval.TopK = %d, want 10", cfg.Retrieval.TopK)
	}
	if cfg.Retrieval.SemanticWeight != 0.7 || cfg.Retrieval.GraphWeight != 0.3 {
		t.Errorf("weights = %v/%v, want 0.7/0.3", cfg.Retrieval.SemanticWeight, cfg.Retrieval.GraphWeight)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want info", cfg.Log.Level)
	}
}

func TestFileValues(t *testing.T) {
	clearEnvOverrides(t)
	path := writeTempConfig(t, map[string]any{
		"server.port":                   5000,
		"ollama.base_url":               "http://custom:11434",
		"ollama.embed_model":            "custom-embed",
		"ollama.embed_version":          "v3",
		"storage.data_dir":              "/tmp/loomkb-test",
		"registry.auto_create_projects": "false",
		"retrieval.top_k":               25,
		"retrieval.semantic_weight":     "0.5",
	})

	cfg, err := loadWith(newFileBackend(path))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 5000 {
		t.Errorf("Server.Port = %d, want 5000", cfg.Server.Port)
	}
	if cfg.Ollama.BaseURL != "http://custom:11434" {
		t.Errorf("Ollama.BaseURL = %q", cfg.Ollama.BaseURL)
	}
	if cfg.Ollama.EmbedModel != "custom-embed" || cfg.Ollama.EmbedVersion != "v3" {
		t.Errorf("embed = %s@%s", cfg.Ollama.EmbedModel, cfg.Ollama.EmbedVersion)
	}
	if cfg.Storage.DataDir != "/tmp/loomkb-test" {
		t.Errorf("Storage.DataDir = %q", cfg.Storage.DataDir)
	}
	if cfg.Registry.AutoCreateProjects {
		t.Error("Registry.AutoCreateProjects = true, want false")
	}
	if cfg.Retrieval.TopK != 25 {
		t.Errorf("Retrieval.TopK = %d, want 25", cfg.Retrieval.TopK)
	}
	if cfg.Retrieval.SemanticWeight != 0.5 {
		t.Errorf("Retrieval.SemanticWeight = %v, want 0.5", cfg.Retrieval.SemanticWeight)
	}
	// Unset keys keep their defaults.
	if cfg.Retrieval.GraphWeight != 0.3 {
		t.Errorf("Retrieval.GraphWeight = %v, want 0.3", cfg.Retrieval.GraphWeight)
	}
}

func TestEnvOverride(t *testing.T) {
	clearEnvOverrides(t)
	path := writeTempConfig(t, map[string]any{
		"ollama.embed_model": "file-model",
		"server.port":        5000,
	})

	t.Setenv("LOOMKB_OLLAMA_EMBED_MODEL", "env-model")
	t.Setenv("LOOMKB_SERVER_PORT", "6000")

	cfg, err := loadWith(newFileBackend(path))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Ollama.EmbedModel != "env-model" {
		t.Errorf("Ollama.EmbedModel = %q, want env-model", cfg.Ollama.EmbedModel)
	}
	if cfg.Server.Port != 6000 {
		t.Errorf("Server.Port = %d, want 6000", cfg.Server.Port)
	}
}

func TestMalformedValuesKeepDefaults(t *testing.T) {
	clearEnvOverrides(t)
	path := writeTempConfig(t, map[string]any{
		"retrieval.semantic_weight":     "not-a-number",
		"registry.auto_create_projects": "maybe",
	})

	t.Setenv("LOOMKB_SERVER_PORT", "not-an-int")

	cfg, err := loadWith(newFileBackend(path))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Retrieval.SemanticWeight != 0.7 {
		t.Errorf("Retrieval.SemanticWeight = %v, want default 0.7", cfg.Retrieval.SemanticWeight)
	}
	if !cfg.Registry.AutoCreateProjects {
		t.Error("Registry.AutoCreateProjects changed by malformed value")
	}
	if cfg.Server.Port != 4000 {
		t.Errorf("Server.Port = %d, want default 4000", cfg.Server.Port)
	}
}

func TestBackendRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	b := newFileBackend(path)

	if err := b.SetInt("server.port", 7000); err != nil {
		t.Fatal(err)
	}
	if err := b.SetString("ollama.embed_model", "saved-model"); err != nil {
		t.Fatal(err)
	}

	// A fresh backend reads back the persisted values.
	b2 := newFileBackend(path)
	port, ok, err := b2.GetInt("server.port")
	if err != nil || !ok || port != 7000 {
		t.Errorf("GetInt = %d %v %v, want 7000 true nil", port, ok, err)
	}
	model, ok, err := b2.GetString("ollama.embed_model")
	if err != nil || !ok || model != "saved-model" {
		t.Errorf("GetString = %q %v %v", model, ok, err)
	}

	if err := b2.Delete("server.port"); err != nil {
		t.Fatal(err)
	}
	b3 := newFileBackend(path)
	if _, ok, _ := b3.GetInt("server.port"); ok {
		t.Error("deleted key still present")
	}
}
