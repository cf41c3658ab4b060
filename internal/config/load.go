package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML config file and validates it. Unknown keys
// are fatal, with "did you mean?" suggestions.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns
// a Config populated with all default values.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolve applies the override chain defaults -> config file -> environment
// -> CLI flags and fills in default paths. The result is validated,
// including the backend URL, which has no default.
func Resolve(env EnvOverrides, cli CLIOverrides) (*Config, string, error) {
	cfgPath := DefaultConfigPath()
	if env.ConfigPath != "" {
		cfgPath = env.ConfigPath
	}

	if cli.ConfigPath != "" {
		cfgPath = cli.ConfigPath
	}

	cfg, err := LoadOrDefault(cfgPath)
	if err != nil {
		return nil, cfgPath, err
	}

	if env.BackendURL != "" {
		cfg.Backend.URL = env.BackendURL
	}

	if env.AnonKey != "" {
		cfg.Backend.AnonKey = env.AnonKey
	}

	if cli.BackendURL != nil {
		cfg.Backend.URL = *cli.BackendURL
	}

	if cli.MetricsListen != nil {
		cfg.Metrics.Listen = *cli.MetricsListen
	}

	fillPaths(cfg)

	if err := Validate(cfg); err != nil {
		return nil, cfgPath, fmt.Errorf("config validation: %w", err)
	}

	if err := ValidateResolved(cfg); err != nil {
		return nil, cfgPath, fmt.Errorf("config validation: %w", err)
	}

	return cfg, cfgPath, nil
}

func fillPaths(cfg *Config) {
	if cfg.Queue.DBPath == "" {
		cfg.Queue.DBPath = DefaultDBPath()
	} else {
		cfg.Queue.DBPath = expandTilde(cfg.Queue.DBPath)
	}

	if cfg.Backend.SessionPath == "" {
		cfg.Backend.SessionPath = DefaultSessionPath()
	} else {
		cfg.Backend.SessionPath = expandTilde(cfg.Backend.SessionPath)
	}
}
