package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

const minimalYAML = `
logging:
  level: info
  console: true
storage:
  driver: file
  path: ./relay_store
destinations:
  - name: main
    base_url: https://example.social
    access_token_env: RELAY_MAIN_TOKEN
`

func TestParseYAML(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.yaml", minimalYAML)

	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Destinations) != 1 {
		t.Fatalf("expected 1 destination, got %d", len(cfg.Destinations))
	}
	if cfg.Destinations[0].Name != "main" {
		t.Fatalf("unexpected destination name %q", cfg.Destinations[0].Name)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get() should return the committed config")
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.yaml", minimalYAML+"\nnot_a_key: 1\n")
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestParseRejectsTrailingJSON(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.json", `{"logging":{"console":true},"storage":{"driver":"file","path":"x"},"destinations":[]}{}`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("expected error for trailing data")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	base := func() *Config {
		return &Config{
			Storage: StorageConfig{Driver: "file", Path: "x"},
			Destinations: []DestinationConfig{
				{Name: "a", BaseURL: "https://a.social", AccessTokenEnv: "A_TOKEN"},
			},
		}
	}

	if err := Validate(base()); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no destinations", func(c *Config) { c.Destinations = nil }},
		{"missing base_url", func(c *Config) { c.Destinations[0].BaseURL = "" }},
		{"missing token env", func(c *Config) { c.Destinations[0].AccessTokenEnv = "" }},
		{"duplicate name", func(c *Config) {
			c.Destinations = append(c.Destinations, c.Destinations[0])
		}},
		{"bad duration", func(c *Config) { c.Retry.PauseWindow = "fifteen minutes" }},
		{"bad delay", func(c *Config) { c.Retry.Delays = []string{"60s", "oops"} }},
		{"model without name", func(c *Config) {
			c.AltText.Models = []AltModelConfig{{Cooldown: "1h"}}
		}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			if err := Validate(cfg); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationOrDefault("x", "", 42)
	if err != nil || d != 42 {
		t.Fatalf("empty should default: d=%v err=%v", d, err)
	}
	d, err = ParseDurationOrDefault("x", "90s", 42)
	if err != nil || d.Seconds() != 90 {
		t.Fatalf("parse failed: d=%v err=%v", d, err)
	}
	if _, err := ParseDurationField("x", "-5s"); err == nil {
		t.Fatal("negative duration should error")
	}
}
