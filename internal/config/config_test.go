package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != 8090 {
		t.Errorf("Port = %d, want 8090", cfg.Port)
	}
	if cfg.Factory.MaxConcurrentTenants != 3 {
		t.Errorf("MaxConcurrentTenants = %d, want 3", cfg.Factory.MaxConcurrentTenants)
	}
	if len(cfg.Providers) != 3 {
		t.Errorf("Providers = %d, want 3 defaults", len(cfg.Providers))
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "factory.yaml")
	data := []byte(`
port: 9000
factory:
  max_concurrent_tenants: 7
providers:
  - name: stub
    kind: static
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SF_CONFIG_FILE", path)
	t.Setenv("SF_PORT", "9100")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != 9100 {
		t.Errorf("Port = %d, want env override 9100", cfg.Port)
	}
	if cfg.Factory.MaxConcurrentTenants != 7 {
		t.Errorf("MaxConcurrentTenants = %d, want file value 7", cfg.Factory.MaxConcurrentTenants)
	}
	if len(cfg.Providers) != 1 || cfg.Providers[0].Name != "stub" {
		t.Errorf("Providers = %+v, want the file's stub provider", cfg.Providers)
	}
}

func TestBadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	os.WriteFile(path, []byte("port: [not an int"), 0o644)
	t.Setenv("SF_CONFIG_FILE", path)

	if _, err := Load(); err == nil {
		t.Error("Load() with malformed YAML succeeded, want error")
	}
}
