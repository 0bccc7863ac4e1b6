package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "DATEDOCS_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "DATEDOCS_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "storage.data_dir", typ: kString, env: "DATEDOCS_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "DATEDOCS_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.format", typ: kString, env: "DATEDOCS_LOG_FORMAT",
		apply:   func(cfg *Config, v any) { cfg.Log.Format = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Format },
	},
	{
		key: "content.types", typ: kString, env: "DATEDOCS_CONTENT_TYPES",
		apply:   func(cfg *Config, v any) { cfg.Content.Types = v.(string) },
		extract: func(cfg Config) any { return cfg.Content.Types },
	},
	{
		key: "content.statuses", typ: kString, env: "DATEDOCS_CONTENT_STATUSES",
		apply:   func(cfg *Config, v any) { cfg.Content.Statuses = v.(string) },
		extract: func(cfg Config) any { return cfg.Content.Statuses },
	},
	{
		key: "generation.immediate_threshold", typ: kInt, env: "DATEDOCS_GENERATION_IMMEDIATE_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Generation.ImmediateThreshold = v.(int) },
		extract: func(cfg Config) any { return cfg.Generation.ImmediateThreshold },
	},
	{
		key: "generation.stagger_interval", typ: kDuration, env: "DATEDOCS_GENERATION_STAGGER_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Generation.StaggerInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Generation.StaggerInterval },
	},
	{
		key: "generation.check_interval", typ: kDuration, env: "DATEDOCS_GENERATION_CHECK_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Generation.CheckInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Generation.CheckInterval },
	},
	{
		key: "generation.job_lease", typ: kDuration, env: "DATEDOCS_GENERATION_JOB_LEASE",
		apply:   func(cfg *Config, v any) { cfg.Generation.JobLease = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Generation.JobLease },
	},
	{
		key: "worker.poll_interval", typ: kDuration, env: "DATEDOCS_WORKER_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Worker.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Worker.PollInterval },
	},
	{
		key: "render.format", typ: kString, env: "DATEDOCS_RENDER_FORMAT",
		apply:   func(cfg *Config, v any) { cfg.Render.Format = v.(string) },
		extract: func(cfg Config) any { return cfg.Render.Format },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kDuration:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if d, err := time.ParseDuration(v); err == nil {
					s.apply(cfg, d)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kDuration:
			if d, err := time.ParseDuration(raw); err == nil {
				s.apply(cfg, d)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
