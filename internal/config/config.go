// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for sectorsync. Values resolve through
// four layers: defaults -> config file -> environment -> CLI flags.
package config

import "time"

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	Backend    BackendConfig    `toml:"backend"`
	Monitor    MonitorConfig    `toml:"monitor"`
	Queue      QueueConfig      `toml:"queue"`
	CycleCount CycleCountConfig `toml:"cyclecount"`
	Logging    LoggingConfig    `toml:"logging"`
	Network    NetworkConfig    `toml:"network"`
	Metrics    MetricsConfig    `toml:"metrics"`
}

// BackendConfig locates the hosted backend.
type BackendConfig struct {
	URL              string `toml:"url"`
	AnonKey          string `toml:"anon_key"`
	InternetProbeURL string `toml:"internet_probe_url"`
	SessionPath      string `toml:"session_path"`
}

// MonitorConfig controls health polling and token refresh. Durations use
// Go duration syntax ("30s", "5m").
type MonitorConfig struct {
	PollInterval      string `toml:"poll_interval"`
	ReconnectInterval string `toml:"reconnect_interval"`
	ExpiryThreshold   string `toml:"expiry_threshold"`
	RefreshMinGap     string `toml:"refresh_min_gap"`
	RefreshRetries    int    `toml:"refresh_retries"`
	AuthMaxRetries    int    `toml:"auth_max_retries"`
}

// QueueConfig locates the offline queue database.
type QueueConfig struct {
	DBPath string `toml:"db_path"`
}

// CycleCountConfig bounds cycle-count collision retries.
type CycleCountConfig struct {
	MaxAttempts int    `toml:"max_attempts"`
	BaseDelay   string `toml:"base_delay"`
	MaxDelay    string `toml:"max_delay"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

// NetworkConfig controls HTTP client behavior.
type NetworkConfig struct {
	RequestTimeout string `toml:"request_timeout"`
	UserAgent      string `toml:"user_agent"`
}

// MetricsConfig enables the Prometheus endpoint served by "watch".
// An empty Listen disables it.
type MetricsConfig struct {
	Listen string `toml:"listen"`
}

// CLIOverrides holds values from CLI flags. Pointer fields distinguish "not
// specified" (nil) from "explicitly set".
type CLIOverrides struct {
	ConfigPath    string  // --config flag (empty = use default)
	BackendURL    *string // --backend-url flag
	MetricsListen *string // watch --metrics flag
}

// Duration parses a validated duration field. Invalid input yields zero,
// which downstream components replace with their defaults.
func Duration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}

	return d
}
