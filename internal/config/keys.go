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
		key: "server.host", typ: kString, env: "FRONTDESK_SERVER_HOST",
		apply:   func(cfg *Config, v any) { cfg.Server.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Host },
	},
	{
		key: "server.port", typ: kInt, env: "FRONTDESK_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.data_dir", typ: kString, env: "FRONTDESK_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "notify.url", typ: kString, env: "FRONTDESK_NOTIFY_URL",
		apply:   func(cfg *Config, v any) { cfg.Notify.URL = v.(string) },
		extract: func(cfg Config) any { return cfg.Notify.URL },
	},
	{
		key: "notify.caller_url", typ: kString, env: "FRONTDESK_NOTIFY_CALLER_URL",
		apply:   func(cfg *Config, v any) { cfg.Notify.CallerURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Notify.CallerURL },
	},
	{
		key: "notify.timeout", typ: kDuration, env: "FRONTDESK_NOTIFY_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Notify.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Notify.Timeout },
	},
	{
		key: "notify.max_attempts", typ: kInt, env: "FRONTDESK_NOTIFY_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Notify.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Notify.MaxAttempts },
	},
	{
		key: "escalation.timeout_seconds", typ: kInt, env: "FRONTDESK_ESCALATION_TIMEOUT_SECONDS",
		apply:   func(cfg *Config, v any) { cfg.Escalation.TimeoutSeconds = v.(int) },
		extract: func(cfg Config) any { return cfg.Escalation.TimeoutSeconds },
	},
	{
		key: "escalation.sweep_interval_seconds", typ: kInt, env: "FRONTDESK_ESCALATION_SWEEP_INTERVAL_SECONDS",
		apply:   func(cfg *Config, v any) { cfg.Escalation.SweepIntervalSeconds = v.(int) },
		extract: func(cfg Config) any { return cfg.Escalation.SweepIntervalSeconds },
	},
	{
		key: "agent.token", typ: kString, env: "FRONTDESK_AGENT_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Agent.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Agent.Token },
	},
	{
		key: "log.level", typ: kString, env: "FRONTDESK_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.format", typ: kString, env: "FRONTDESK_LOG_FORMAT",
		apply:   func(cfg *Config, v any) { cfg.Log.Format = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Format },
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
