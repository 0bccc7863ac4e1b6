package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// memBackend is an in-memory ConfigBackend.
type memBackend struct {
	strings map[string]string
	ints    map[string]int
}

func newMemBackend() *memBackend {
	return &memBackend{strings: map[string]string{}, ints: map[string]int{}}
}

func (m *memBackend) GetString(key string) (string, bool, error) {
	v, ok := m.strings[key]
	return v, ok, nil
}

func (m *memBackend) GetInt(key string) (int, bool, error) {
	v, ok := m.ints[key]
	return v, ok, nil
}

func (m *memBackend) SetString(key, val string) error  { m.strings[key] = val; return nil }
func (m *memBackend) SetInt(key string, val int) error { m.ints[key] = val; return nil }
func (m *memBackend) Delete(key string) error {
	delete(m.strings, key)
	delete(m.ints, key)
	return nil
}

// clearEnv unsets every DATEDOCS_* variable for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, s := range specs {
		t.Setenv(s.env, "")
	}
}

// TestDefaults verifies all default values are applied with an empty backend.
func TestDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := loadWith(newMemBackend())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want 4100", cfg.Server.Port)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "text" {
		t.Errorf("Log = %+v", cfg.Log)
	}
	if got := cfg.ContentTypes(); len(got) != 2 || got[0] != "post" || got[1] != "page" {
		t.Errorf("ContentTypes() = %v", got)
	}
	if got := cfg.ContentStatuses(); len(got) != 1 || got[0] != "published" {
		t.Errorf("ContentStatuses() = %v", got)
	}
	if cfg.Generation.ImmediateThreshold != 10 {
		t.Errorf("ImmediateThreshold = %d, want 10", cfg.Generation.ImmediateThreshold)
	}
	if cfg.Generation.StaggerInterval != 5*time.Second {
		t.Errorf("StaggerInterval = %v, want 5s", cfg.Generation.StaggerInterval)
	}
	if cfg.Generation.CheckInterval != time.Hour || cfg.Generation.JobLease != 10*time.Minute {
		t.Errorf("Generation = %+v", cfg.Generation)
	}
	if cfg.Worker.PollInterval != 500*time.Millisecond {
		t.Errorf("PollInterval = %v", cfg.Worker.PollInterval)
	}
	if cfg.Render.Format != "json" {
		t.Errorf("Render.Format = %q", cfg.Render.Format)
	}
	if cfg.Storage.DataDir == "" {
		t.Error("Storage.DataDir is empty")
	}
}

// TestBackendOverridesDefaults verifies stored values replace defaults.
func TestBackendOverridesDefaults(t *testing.T) {
	clearEnv(t)
	b := newMemBackend()
	b.ints["server.port"] = 5100
	b.strings["content.types"] = "post"
	b.strings["generation.stagger_interval"] = "2s"

	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 5100 {
		t.Errorf("Server.Port = %d, want 5100", cfg.Server.Port)
	}
	if got := cfg.ContentTypes(); len(got) != 1 || got[0] != "post" {
		t.Errorf("ContentTypes() = %v", got)
	}
	if cfg.Generation.StaggerInterval != 2*time.Second {
		t.Errorf("StaggerInterval = %v, want 2s", cfg.Generation.StaggerInterval)
	}
}

// TestEnvOverride verifies that environment variables override backend values.
func TestEnvOverride(t *testing.T) {
	clearEnv(t)
	b := newMemBackend()
	b.ints["server.port"] = 5100

	t.Setenv("DATEDOCS_SERVER_PORT", "6100")
	t.Setenv("DATEDOCS_API_TOKEN", "env-token")
	t.Setenv("DATEDOCS_GENERATION_CHECK_INTERVAL", "15m")

	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 6100 {
		t.Errorf("Server.Port = %d, want 6100", cfg.Server.Port)
	}
	if cfg.Server.APIToken != "env-token" {
		t.Errorf("APIToken = %q, want env-token", cfg.Server.APIToken)
	}
	if cfg.Generation.CheckInterval != 15*time.Minute {
		t.Errorf("CheckInterval = %v, want 15m", cfg.Generation.CheckInterval)
	}
}

// TestInvalidEnvIgnored verifies unparsable env values keep the previous value.
func TestInvalidEnvIgnored(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATEDOCS_SERVER_PORT", "not-a-port")
	t.Setenv("DATEDOCS_WORKER_POLL_INTERVAL", "soon")

	cfg, err := loadWith(newMemBackend())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want default 4100", cfg.Server.Port)
	}
	if cfg.Worker.PollInterval != 500*time.Millisecond {
		t.Errorf("PollInterval = %v, want default", cfg.Worker.PollInterval)
	}
}

func TestEmptyContentTypesDisablesGeneration(t *testing.T) {
	clearEnv(t)
	b := newMemBackend()
	b.strings["content.types"] = " , "

	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := cfg.ContentTypes(); len(got) != 0 {
		t.Errorf("ContentTypes() = %v, want none", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"port", func(c *Config) { c.Server.Port = 70000 }},
		{"log level", func(c *Config) { c.Log.Level = "loud" }},
		{"log format", func(c *Config) { c.Log.Format = "xml" }},
		{"stagger", func(c *Config) { c.Generation.StaggerInterval = 0 }},
		{"threshold", func(c *Config) { c.Generation.ImmediateThreshold = -1 }},
		{"data dir", func(c *Config) { c.Storage.DataDir = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaults()
			tt.modify(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
	if err := defaults().Validate(); err != nil {
		t.Errorf("defaults invalid: %v", err)
	}
}

func TestFileBackendRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "datedocs", "config.yaml")

	b := newFileBackend(path)
	if err := setKeyIn(b, "server.port", "4200"); err != nil {
		t.Fatalf("setKeyIn: %v", err)
	}
	if err := setKeyIn(b, "generation.stagger_interval", "1s"); err != nil {
		t.Fatalf("setKeyIn: %v", err)
	}
	if err := setKeyIn(b, "content.types", "post"); err != nil {
		t.Fatalf("setKeyIn: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), "server.port: 4200") {
		t.Errorf("config file = %q", data)
	}

	clearEnv(t)
	cfg, err := loadWith(newFileBackend(path))
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Server.Port != 4200 || cfg.Generation.StaggerInterval != time.Second || cfg.Content.Types != "post" {
		t.Errorf("reloaded config = %+v", cfg)
	}
}

func TestSetKeyRejects(t *testing.T) {
	b := newMemBackend()
	if err := setKeyIn(b, "server.api_token", "x"); err == nil {
		t.Error("expected error setting a secret")
	}
	if err := setKeyIn(b, "server.port", "abc"); err == nil {
		t.Error("expected error for non-integer port")
	}
	if err := setKeyIn(b, "worker.poll_interval", "fast"); err == nil {
		t.Error("expected error for bad duration")
	}
	if err := setKeyIn(b, "no.such.key", "1"); err == nil {
		t.Error("expected error for unknown key")
	}
}

func TestShowAllHidesSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Server.APIToken = "hunter2"
	for _, k := range ShowAll(cfg) {
		if k.Key == "server.api_token" || k.Value == "hunter2" {
			t.Errorf("secret exposed: %+v", k)
		}
		if k.Key == "generation.stagger_interval" && k.Value != "5s" {
			t.Errorf("stagger_interval shown as %q", k.Value)
		}
	}
	if len(ShowAll(cfg)) != len(ValidKeys()) {
		t.Error("ShowAll and ValidKeys disagree")
	}
}

func TestAPIToken_GeneratedOnceAndPersisted(t *testing.T) {
	cfg := defaults()
	cfg.Storage.DataDir = filepath.Join(t.TempDir(), "data")

	first, err := APIToken(cfg)
	if err != nil {
		t.Fatalf("APIToken: %v", err)
	}
	if first == "" {
		t.Fatal("empty token")
	}
	second, err := APIToken(cfg)
	if err != nil {
		t.Fatalf("APIToken: %v", err)
	}
	if first != second {
		t.Errorf("token changed between calls: %q -> %q", first, second)
	}

	info, err := os.Stat(filepath.Join(cfg.Storage.DataDir, tokenFileName))
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("token file mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestAPIToken_EnvWins(t *testing.T) {
	cfg := defaults()
	cfg.Storage.DataDir = t.TempDir()
	cfg.Server.APIToken = "from-env"

	tok, err := APIToken(cfg)
	if err != nil || tok != "from-env" {
		t.Errorf("APIToken = %q, %v", tok, err)
	}
	if _, err := os.Stat(filepath.Join(cfg.Storage.DataDir, tokenFileName)); !os.IsNotExist(err) {
		t.Error("token file written although env token was set")
	}
}
