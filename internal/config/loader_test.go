package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("TEST_VAR", "hello")

	tests := []struct {
		input    string
		expected string
	}{
		{"${TEST_VAR}", "hello"},
		{"${TEST_VAR:default}", "hello"},
		{"${UNSET_VAR:fallback}", "fallback"},
		{"${UNSET_VAR}", ""},
		{"no vars here", "no vars here"},
		{"prefix-${TEST_VAR}-suffix", "prefix-hello-suffix"},
	}

	for _, tt := range tests {
		got := expandEnvVars(tt.input)
		if got != tt.expected {
			t.Errorf("expandEnvVars(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadFile_WithEnvVars(t *testing.T) {
	t.Setenv("TEST_PORT", "7777")
	dir := t.TempDir()
	writeFile(t, dir, "gateway.yaml", `
server:
  host: "${TEST_HOST:127.0.0.1}"
  port: ${TEST_PORT}
retry:
  max_retries: 3
  base_backoff: 250ms
`)

	cfg := DefaultConfig()
	if err := LoadFile(filepath.Join(dir, "gateway.yaml"), cfg); err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("expected host 127.0.0.1 (default), got %s", cfg.Server.Host)
	}
	if cfg.Server.Port != 7777 {
		t.Errorf("expected port 7777, got %d", cfg.Server.Port)
	}
	if cfg.Retry.MaxRetries != 3 || cfg.Retry.BaseBackoff != 250*time.Millisecond {
		t.Errorf("unexpected retry config: %+v", cfg.Retry)
	}
	if cfg.Quota.MonthlyLimit != 500000 {
		t.Errorf("expected default monthly limit to survive, got %d", cfg.Quota.MonthlyLimit)
	}
}

func TestLoadFile_Missing(t *testing.T) {
	var cfg Config
	if err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"), &cfg); err == nil {
		t.Fatal("expected error for missing file")
	}
}

const testProviders = `
providers:
  gemini:
    type: gemini
    base_url: https://generativelanguage.googleapis.com/v1beta
    default_model: gemini-2.5-flash
    require_allow_list: true
    allowed_models: [gemini-2.5-flash, gemini-2.5-pro]
`

const testRoutes = `
candidates:
  - name: gemini-primary
    provider: gemini
    key_env: [GEMINI_API_KEY]
`

func TestLoader_Load(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "gateway.yaml", "quota:\n  backend: redis\n")
	writeFile(t, dir, "providers.yaml", testProviders)
	writeFile(t, dir, "routes.yaml", testRoutes)

	l := NewLoader(dir, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := l.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if l.Config().Quota.Backend != "redis" {
		t.Errorf("expected redis backend, got %s", l.Config().Quota.Backend)
	}
	if got := l.Providers().Providers["gemini"].DefaultModel; got != "gemini-2.5-flash" {
		t.Errorf("unexpected default model %q", got)
	}
	if len(l.Routes().Candidates) != 1 {
		t.Errorf("expected 1 candidate, got %d", len(l.Routes().Candidates))
	}
	if got := l.Providers().Providers["gemini"].Timeout; got != 60*time.Second {
		t.Errorf("expected routing default timeout to apply, got %s", got)
	}
}

func TestLoader_LoadRejectsUnknownProvider(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "gateway.yaml", "")
	writeFile(t, dir, "providers.yaml", testProviders)
	writeFile(t, dir, "routes.yaml", `
candidates:
  - name: orphan
    provider: missing
    key_env: [X]
`)

	l := NewLoader(dir, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := l.Load(); err == nil {
		t.Fatal("expected validation error")
	}
	if l.Routes() != nil {
		t.Error("failed load must not publish partial config")
	}
}

func TestRoutesValidate(t *testing.T) {
	providers := &ProvidersConfig{Providers: map[string]ProviderConfig{"gemini": {Type: "gemini"}}}

	tests := []struct {
		name    string
		routes  RoutesConfig
		wantErr bool
	}{
		{"empty", RoutesConfig{}, true},
		{"ok", RoutesConfig{Candidates: []CandidateConfig{{Name: "a", Provider: "gemini", KeyEnv: []string{"K"}}}}, false},
		{"no name", RoutesConfig{Candidates: []CandidateConfig{{Provider: "gemini", KeyEnv: []string{"K"}}}}, true},
		{"duplicate", RoutesConfig{Candidates: []CandidateConfig{
			{Name: "a", Provider: "gemini", KeyEnv: []string{"K"}},
			{Name: "a", Provider: "gemini", KeyEnv: []string{"K"}},
		}}, true},
		{"no keys", RoutesConfig{Candidates: []CandidateConfig{{Name: "a", Provider: "gemini"}}}, true},
	}

	for _, tt := range tests {
		err := tt.routes.Validate(providers)
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: Validate() err = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
	}
}

func TestProviderAllows(t *testing.T) {
	strict := ProviderConfig{RequireAllowList: true, AllowedModels: []string{"gemini-2.5-flash"}}
	open := ProviderConfig{}
	listed := ProviderConfig{AllowedModels: []string{"a"}}

	if !strict.Allows("gemini-2.5-flash") {
		t.Error("expected listed model to be allowed")
	}
	if strict.Allows("gemini-ultra") {
		t.Error("expected unlisted model to be rejected")
	}
	if !open.Allows("anything") {
		t.Error("provider without allow-list should pass models through")
	}
	if listed.Allows("b") {
		t.Error("a non-empty allow-list restricts even when not required")
	}
}

func TestDatabaseDSN(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: 5433, Name: "aigw", User: "u", Password: "p"}
	want := "postgres://u:p@db:5433/aigw?sslmode=disable"
	if got := d.DSN(); got != want {
		t.Errorf("DSN() = %q, want %q", got, want)
	}
}
