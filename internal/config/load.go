package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables that override file and default settings
const (
	EnvHTTPPort       = "HTTP_PORT"
	EnvGRPCPort       = "GRPC_PORT"
	EnvRuntimeDir     = "SESSIONBRIDGE_RUNTIME_DIR"
	EnvMaxPerOwner    = "SESSION_MAX_PER_OWNER"
	EnvIdleTimeout    = "SESSION_IDLE_TIMEOUT"
	EnvReapInterval   = "REAPER_INTERVAL"
	EnvAllowedOwner   = "SESSION_ALLOWED_OWNER"
	EnvNATSURL        = "NATS_URL"
	EnvDefaultProfile = "SESSION_DEFAULT_PROFILE"
)

// Load builds a configuration from defaults, an optional YAML file and the
// process environment, in that order, and validates the result.
func Load(path string) (Config, error) {
	return load(path, os.Getenv)
}

func load(path string, getenv func(string) string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg, getenv); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	if v := getenv(EnvHTTPPort); v != "" {
		cfg.Server.HTTPPort = v
	}
	if v := getenv(EnvGRPCPort); v != "" {
		cfg.Server.GRPCPort = v
	}
	if v := getenv(EnvRuntimeDir); v != "" {
		cfg.Server.RuntimeDir = v
	}
	if v := getenv(EnvNATSURL); v != "" {
		cfg.Delivery.NATSURL = v
	}
	if v := getenv(EnvAllowedOwner); v != "" {
		cfg.Auth.AllowedOwners = append(cfg.Auth.AllowedOwners, v)
	}
	if v := getenv(EnvDefaultProfile); v != "" {
		cfg.Sessions.DefaultProfile = v
	}
	if v := getenv(EnvMaxPerOwner); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvMaxPerOwner, err)
		}
		cfg.Sessions.MaxPerOwner = n
	}
	if v := getenv(EnvIdleTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvIdleTimeout, err)
		}
		cfg.Sessions.IdleTimeout = d
	}
	if v := getenv(EnvReapInterval); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvReapInterval, err)
		}
		cfg.Reaper.Interval = d
	}
	return nil
}
