package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"
)

// Validation range constants.
const (
	minPollInterval      = 5 * time.Second
	minReconnectInterval = 5 * time.Second
	minRefreshMinGap     = time.Second
	minRequestTimeout    = time.Second
	minBaseDelay         = time.Millisecond
	maxRefreshRetries    = 10
	maxAuthRetries       = 10
	maxCycleAttempts     = 50
)

// Validate checks all configuration values and returns all errors found.
// It accumulates every error so users can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateBackend(&cfg.Backend)...)
	errs = append(errs, validateMonitor(&cfg.Monitor)...)
	errs = append(errs, validateCycleCount(&cfg.CycleCount)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)
	errs = append(errs, validateNetwork(&cfg.Network)...)
	errs = append(errs, validateMetrics(&cfg.Metrics)...)

	return errors.Join(errs...)
}

// ValidateResolved checks constraints on the final merged configuration
// that a single layer cannot satisfy alone.
func ValidateResolved(cfg *Config) error {
	var errs []error

	if cfg.Backend.URL == "" {
		errs = append(errs, fmt.Errorf("backend.url: required (set it in the config file or %s)", EnvBackendURL))
	}

	if cfg.Queue.DBPath == "" {
		errs = append(errs, errors.New("queue.db_path: could not determine a default location"))
	}

	if cfg.Backend.SessionPath == "" {
		errs = append(errs, errors.New("backend.session_path: could not determine a default location"))
	}

	return errors.Join(errs...)
}

func validateBackend(b *BackendConfig) []error {
	var errs []error

	if b.URL != "" {
		errs = append(errs, validateHTTPURL("backend.url", b.URL)...)
	}

	if b.InternetProbeURL != "" {
		errs = append(errs, validateHTTPURL("backend.internet_probe_url", b.InternetProbeURL)...)
	}

	return errs
}

func validateHTTPURL(field, raw string) []error {
	u, err := url.Parse(raw)
	if err != nil {
		return []error{fmt.Errorf("%s: %w", field, err)}
	}

	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return []error{fmt.Errorf("%s: must be an http(s) URL, got %q", field, raw)}
	}

	return nil
}

func validateMonitor(m *MonitorConfig) []error {
	var errs []error

	errs = append(errs, validateDurationMin("monitor.poll_interval", m.PollInterval, minPollInterval)...)
	errs = append(errs, validateDurationMin("monitor.reconnect_interval", m.ReconnectInterval, minReconnectInterval)...)
	errs = append(errs, validateDurationMin("monitor.expiry_threshold", m.ExpiryThreshold, 0)...)
	errs = append(errs, validateDurationMin("monitor.refresh_min_gap", m.RefreshMinGap, minRefreshMinGap)...)

	if m.RefreshRetries < 0 || m.RefreshRetries > maxRefreshRetries {
		errs = append(errs, fmt.Errorf("monitor.refresh_retries: must be between 0 and %d, got %d",
			maxRefreshRetries, m.RefreshRetries))
	}

	if m.AuthMaxRetries < 1 || m.AuthMaxRetries > maxAuthRetries {
		errs = append(errs, fmt.Errorf("monitor.auth_max_retries: must be between 1 and %d, got %d",
			maxAuthRetries, m.AuthMaxRetries))
	}

	return errs
}

func validateCycleCount(c *CycleCountConfig) []error {
	var errs []error

	if c.MaxAttempts < 1 || c.MaxAttempts > maxCycleAttempts {
		errs = append(errs, fmt.Errorf("cyclecount.max_attempts: must be between 1 and %d, got %d",
			maxCycleAttempts, c.MaxAttempts))
	}

	baseErrs := validateDurationMin("cyclecount.base_delay", c.BaseDelay, minBaseDelay)
	maxErrs := validateDurationMin("cyclecount.max_delay", c.MaxDelay, minBaseDelay)
	errs = append(errs, baseErrs...)
	errs = append(errs, maxErrs...)

	if len(baseErrs) == 0 && len(maxErrs) == 0 && Duration(c.MaxDelay) < Duration(c.BaseDelay) {
		errs = append(errs, fmt.Errorf("cyclecount.max_delay: must be >= base_delay (%s), got %s",
			c.BaseDelay, c.MaxDelay))
	}

	return errs
}

func validateDurationMin(field, value string, minimum time.Duration) []error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid duration %q", field, value)}
	}

	if d < minimum {
		return []error{fmt.Errorf("%s: must be >= %s, got %s", field, minimum, value)}
	}

	return nil
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	errs = append(errs, validateLogLevel(l.LogLevel)...)
	errs = append(errs, validateLogFormat(l.LogFormat)...)

	return errs
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

func validateLogLevel(level string) []error {
	if !validLogLevels[level] {
		return []error{fmt.Errorf("logging.log_level: must be one of debug, info, warn, error; got %q", level)}
	}

	return nil
}

var validLogFormats = map[string]bool{
	"auto": true,
	"text": true,
	"json": true,
}

func validateLogFormat(format string) []error {
	if !validLogFormats[format] {
		return []error{fmt.Errorf("logging.log_format: must be one of auto, text, json; got %q", format)}
	}

	return nil
}

func validateNetwork(n *NetworkConfig) []error {
	return validateDurationMin("network.request_timeout", n.RequestTimeout, minRequestTimeout)
}

func validateMetrics(m *MetricsConfig) []error {
	if m.Listen == "" {
		return nil
	}

	if _, _, err := net.SplitHostPort(m.Listen); err != nil {
		return []error{fmt.Errorf("metrics.listen: must be host:port, got %q", m.Listen)}
	}

	return nil
}
