package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_AppliesDefaultsAndValidates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("base_url: ws://localhost:8080\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Tenant != "public" || cfg.Namespace != "default" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.MaxQueueSize != 1000 {
		t.Fatalf("MaxQueueSize default = %d, want 1000", cfg.MaxQueueSize)
	}
	if cfg.MetricsAddr != "127.0.0.1:9090" {
		t.Fatalf("MetricsAddr default = %q", cfg.MetricsAddr)
	}
}

func TestLoad_MissingBaseURLFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("tenant: public\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for missing base_url")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg := &Config{
		BaseURL:      "ws://localhost:8080",
		Tenant:       "public",
		Namespace:    "default",
		MaxQueueSize: 50,
	}
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.BaseURL != cfg.BaseURL || got.MaxQueueSize != 50 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}
