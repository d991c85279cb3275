package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if cfg.Channels.Capacity != 1000 {
		t.Fatalf("capacity = %d", cfg.Channels.Capacity)
	}
	if cfg.Engine.MaxParallelTools != 4 {
		t.Fatalf("max parallel = %d", cfg.Engine.MaxParallelTools)
	}
	if !cfg.Agents.Watch {
		t.Fatalf("roster watch should default on")
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "convoke.yaml")
	doc := `
model:
  default: test/model
  app_name: convoke-test
agents:
  file: /etc/convoke/agents.yaml
  default: d
channels:
  capacity: 50
logging:
  level: debug
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Model.Default != "test/model" || cfg.Channels.Capacity != 50 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	// Untouched sections keep their defaults.
	if cfg.Engine.MaxParallelTools != 4 {
		t.Fatalf("defaults lost on partial file: %+v", cfg.Engine)
	}
}

func TestEnvExpansion(t *testing.T) {
	t.Setenv("CONVOKE_TEST_KEY", "sk-secret")
	path := filepath.Join(t.TempDir(), "convoke.yaml")
	doc := "model:\n  api_key: ${CONVOKE_TEST_KEY}\n"
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Model.APIKey != "sk-secret" {
		t.Fatalf("api key = %q", cfg.Model.APIKey)
	}
}

func TestUnknownFieldRejected(t *testing.T) {
	cfg := Default()
	if err := ParseInto(cfg, []byte("modle:\n  default: x\n")); err == nil {
		t.Fatalf("typoed section accepted")
	}
}

func TestMissingFileErrors(t *testing.T) {
	if _, err := Load("/nonexistent/convoke.yaml"); err == nil {
		t.Fatalf("missing file accepted")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"negative capacity", func(c *Config) { c.Channels.Capacity = -1 }, "capacity"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"ok", func(c *Config) {}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err = %v, want %q", err, tc.wantErr)
			}
		})
	}
}
