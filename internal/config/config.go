package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type Config struct {
	Server     ServerConfig
	Storage    StorageConfig
	Log        LogConfig
	Content    ContentConfig
	Generation GenerationConfig
	Worker     WorkerConfig
	Render     RenderConfig
}

type ServerConfig struct {
	Port     int
	APIToken string
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level  string
	Format string
}

// ContentConfig selects eligible content. Both fields are comma separated.
type ContentConfig struct {
	Types    string
	Statuses string
}

type GenerationConfig struct {
	ImmediateThreshold int
	StaggerInterval    time.Duration
	CheckInterval      time.Duration
	JobLease           time.Duration
}

type WorkerConfig struct {
	PollInterval time.Duration
}

type RenderConfig struct {
	Format string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Content: ContentConfig{
			Types:    "post,page",
			Statuses: "published",
		},
		Generation: GenerationConfig{
			ImmediateThreshold: 10,
			StaggerInterval:    5 * time.Second,
			CheckInterval:      time.Hour,
			JobLease:           10 * time.Minute,
		},
		Worker: WorkerConfig{
			PollInterval: 500 * time.Millisecond,
		},
		Render: RenderConfig{
			Format: "json",
		},
	}
}

// Load reads configuration from the YAML file at
// $XDG_CONFIG_HOME/datedocs/config.yaml and the environment.
//
// Environment variables (DATEDOCS_*) override file values, which override
// defaults.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()))
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values the daemon cannot run with.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir must not be empty")
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	if c.Generation.ImmediateThreshold < 0 {
		return fmt.Errorf("generation.immediate_threshold must not be negative")
	}
	if c.Generation.StaggerInterval <= 0 {
		return fmt.Errorf("generation.stagger_interval must be positive")
	}
	return nil
}

// SlogLevel parses Log.Level.
func (c Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return lvl, nil
}

// ContentTypes returns the enabled content types. An empty list disables
// generation.
func (c Config) ContentTypes() []string {
	return splitList(c.Content.Types)
}

func (c Config) ContentStatuses() []string {
	return splitList(c.Content.Statuses)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "datedocs-data"
		}
	}
	return filepath.Join(dir, "datedocs")
}
