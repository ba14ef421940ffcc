package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFindConfig_Explicit(t *testing.T) {
	path := writeConfig(t, "listen:\n  port: 9999\n")

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("listen:\n  port: 8080\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Chdir(dir)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("QUARRY_TEST_ANTHROPIC_KEY", "sk-ant-123")
	path := writeConfig(t, "anthropic:\n  api_key: ${QUARRY_TEST_ANTHROPIC_KEY}\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Anthropic.APIKey != "sk-ant-123" {
		t.Errorf("api_key = %q, want %q", cfg.Anthropic.APIKey, "sk-ant-123")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("QUARRY_MEMORY_WINDOW", "25")
	t.Setenv("QUARRY_CACHE_DEFAULT_TTL", "90s")
	t.Setenv("QUARRY_LISTEN_PORT", "9191")
	path := writeConfig(t, "memory:\n  window: 5\nlisten:\n  port: 8081\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Memory.Window != 25 {
		t.Errorf("memory.window = %d, want 25", cfg.Memory.Window)
	}
	if cfg.Cache.DefaultTTL != 90*time.Second {
		t.Errorf("cache.default_ttl = %v, want 90s", cfg.Cache.DefaultTTL)
	}
	if cfg.Listen.Port != 9191 {
		t.Errorf("listen.port = %d, want 9191", cfg.Listen.Port)
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "personas: [warehouse_manager]\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"agent.max_iterations", cfg.Agent.MaxIterations, 10},
		{"memory.window", cfg.Memory.Window, 10},
		{"cache.max_entries", cfg.Cache.MaxEntries, 1000},
		{"cache.default_ttl", cfg.Cache.DefaultTTL, 5 * time.Minute},
		{"cache.summary_ttl", cfg.Cache.SummaryTTL, 30 * time.Minute},
		{"agent.retry.attempts", cfg.Agent.Retry.Attempts, 3},
		{"listen.port", cfg.Listen.Port, 8080},
		{"log_format", cfg.LogFormat, "text"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestLoad_Durations(t *testing.T) {
	path := writeConfig(t, `
responders:
  - name: wm_query
    persona: warehouse_manager
    kind: query
    timeout: 45s
    tools: [inventory_lookup]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if len(cfg.Responders) != 1 {
		t.Fatalf("responders = %d, want 1", len(cfg.Responders))
	}
	if got := cfg.Responders[0].Timeout; got != 45*time.Second {
		t.Errorf("timeout = %v, want 45s", got)
	}
	if got := cfg.Responders[0].Tools; len(got) != 1 || got[0] != "inventory_lookup" {
		t.Errorf("tools = %v, want [inventory_lookup]", got)
	}
}

func TestLoad_RouterKeywords(t *testing.T) {
	path := writeConfig(t, "router:\n  query_keywords: [tally, count]\n  specialist_keywords: [assess]\n  hybrid_keywords: [and assess]\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if got := strings.Join(cfg.Router.QueryKeywords, ","); got != "tally,count" {
		t.Errorf("router.query_keywords = %q, want %q", got, "tally,count")
	}
	if got := strings.Join(cfg.Router.SpecialistKeywords, ","); got != "assess" {
		t.Errorf("router.specialist_keywords = %q", got)
	}
	if got := strings.Join(cfg.Router.HybridKeywords, ","); got != "and assess" {
		t.Errorf("router.hybrid_keywords = %q", got)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := Default()
		cfg.Tools = []ToolConfig{{Name: "inventory_lookup", Endpoint: "http://tools.local/inventory"}}
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"default is valid", func(*Config) {}, ""},
		{"unknown persona", func(c *Config) {
			c.Responders[0].Persona = "night_auditor"
		}, "not configured"},
		{"bad kind", func(c *Config) {
			c.Responders[0].Kind = "oracle"
		}, "kind must be"},
		{"disabled responder skips persona check", func(c *Config) {
			c.Responders[0].Persona = "night_auditor"
			c.Responders[0].Disabled = true
		}, ""},
		{"duplicate responder", func(c *Config) {
			c.Responders[1].Name = c.Responders[0].Name
		}, "duplicate name"},
		{"tool without endpoint", func(c *Config) {
			c.Tools[0].Endpoint = ""
		}, "endpoint is required"},
		{"duplicate persona", func(c *Config) {
			c.Personas = append(c.Personas, c.Personas[0])
		}, "listed twice"},
		{"bad log level", func(c *Config) {
			c.LogLevel = "loud"
		}, "unknown log level"},
		{"bad log format", func(c *Config) {
			c.LogFormat = "xml"
		}, "unknown log_format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"TRACE", LevelTrace, false},
		{" debug ", slog.LevelDebug, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestReplaceLogLevelNames(t *testing.T) {
	a := ReplaceLogLevelNames(nil, slog.Any(slog.LevelKey, LevelTrace))
	if got := a.Value.String(); got != "TRACE" {
		t.Errorf("level = %q, want TRACE", got)
	}
	a = ReplaceLogLevelNames(nil, slog.Any(slog.LevelKey, slog.LevelInfo))
	if got := a.Value.Any().(slog.Level); got != slog.LevelInfo {
		t.Errorf("level = %v, want INFO", got)
	}
}
