package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server     ServerConfig
	Storage    StorageConfig
	Notify     NotifyConfig
	Escalation EscalationConfig
	Agent      AgentConfig
	Log        LogConfig
}

type ServerConfig struct {
	Host string
	Port int
}

// Addr is the host:port the HTTP server listens on.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// BaseURL is the URL local clients use to reach the server.
func (s ServerConfig) BaseURL() string {
	return "http://" + s.Addr()
}

type StorageConfig struct {
	DataDir string
}

type NotifyConfig struct {
	URL         string
	CallerURL   string
	Timeout     time.Duration
	MaxAttempts int
}

type EscalationConfig struct {
	TimeoutSeconds       int
	SweepIntervalSeconds int
}

// Threshold is the age after which a Pending request is expired.
func (e EscalationConfig) Threshold() time.Duration {
	return time.Duration(e.TimeoutSeconds) * time.Second
}

// SweepInterval is the time between sweeper ticks.
func (e EscalationConfig) SweepInterval() time.Duration {
	return time.Duration(e.SweepIntervalSeconds) * time.Second
}

type AgentConfig struct {
	// Token, when set, is required as a bearer token on the inbound webhook.
	Token string
}

type LogConfig struct {
	Level  string
	Format string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 5000,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Notify: NotifyConfig{
			Timeout:     2 * time.Second,
			MaxAttempts: 3,
		},
		Escalation: EscalationConfig{
			TimeoutSeconds:       90,
			SweepIntervalSeconds: 5,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from the YAML file at
// $XDG_CONFIG_HOME/frontdesk/config.yaml, then applies FRONTDESK_*
// environment overrides. Secrets are read from the environment only.
//
// When notify.url is unset it points at the server's own
// /simulate_notification endpoint.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()))
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Notify.URL == "" {
		cfg.Notify.URL = cfg.Server.BaseURL() + "/simulate_notification"
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Storage.DataDir == "" {
		errs = append(errs, errors.New("storage.data_dir must not be empty"))
	}
	for key, raw := range map[string]string{"notify.url": c.Notify.URL, "notify.caller_url": c.Notify.CallerURL} {
		if raw == "" && key == "notify.caller_url" {
			continue
		}
		if u, err := url.Parse(raw); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s must be an absolute http(s) URL, got %q", key, raw))
		}
	}
	if c.Notify.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("notify.timeout must be positive, got %s", c.Notify.Timeout))
	}
	if c.Notify.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("notify.max_attempts must be at least 1, got %d", c.Notify.MaxAttempts))
	}
	if c.Escalation.TimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("escalation.timeout_seconds must be positive, got %d", c.Escalation.TimeoutSeconds))
	}
	if c.Escalation.SweepIntervalSeconds <= 0 {
		errs = append(errs, fmt.Errorf("escalation.sweep_interval_seconds must be positive, got %d", c.Escalation.SweepIntervalSeconds))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level must be one of debug, info, warn, error, got %q", c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
