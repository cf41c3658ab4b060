package config

import (
	"fmt"
	"io"
)

// RenderEffective writes the resolved configuration as TOML-like text to w.
// The anon key is masked.
func RenderEffective(cfg *Config, path string, w io.Writer) error {
	ew := &errWriter{w: w}

	ew.printf("# Effective configuration (file: %s)\n\n", path)

	ew.printf("[backend]\n")
	ew.printf("  url                = %q\n", cfg.Backend.URL)
	ew.printf("  anon_key           = %q\n", mask(cfg.Backend.AnonKey))
	ew.printf("  internet_probe_url = %q\n", cfg.Backend.InternetProbeURL)
	ew.printf("  session_path       = %q\n\n", cfg.Backend.SessionPath)

	ew.printf("[monitor]\n")
	ew.printf("  poll_interval      = %q\n", cfg.Monitor.PollInterval)
	ew.printf("  reconnect_interval = %q\n", cfg.Monitor.ReconnectInterval)
	ew.printf("  expiry_threshold   = %q\n", cfg.Monitor.ExpiryThreshold)
	ew.printf("  refresh_min_gap    = %q\n", cfg.Monitor.RefreshMinGap)
	ew.printf("  refresh_retries    = %d\n", cfg.Monitor.RefreshRetries)
	ew.printf("  auth_max_retries   = %d\n\n", cfg.Monitor.AuthMaxRetries)

	ew.printf("[queue]\n")
	ew.printf("  db_path = %q\n\n", cfg.Queue.DBPath)

	ew.printf("[cyclecount]\n")
	ew.printf("  max_attempts = %d\n", cfg.CycleCount.MaxAttempts)
	ew.printf("  base_delay   = %q\n", cfg.CycleCount.BaseDelay)
	ew.printf("  max_delay    = %q\n\n", cfg.CycleCount.MaxDelay)

	ew.printf("[logging]\n")
	ew.printf("  log_level  = %q\n", cfg.Logging.LogLevel)
	ew.printf("  log_format = %q\n\n", cfg.Logging.LogFormat)

	ew.printf("[network]\n")
	ew.printf("  request_timeout = %q\n", cfg.Network.RequestTimeout)
	ew.printf("  user_agent      = %q\n\n", cfg.Network.UserAgent)

	ew.printf("[metrics]\n")
	ew.printf("  listen = %q\n", cfg.Metrics.Listen)

	return ew.err
}

func mask(secret string) string {
	const visible = 4

	if len(secret) <= visible {
		if secret == "" {
			return ""
		}

		return "****"
	}

	return secret[:visible] + "****"
}

// errWriter wraps an io.Writer and captures the first write error.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}
