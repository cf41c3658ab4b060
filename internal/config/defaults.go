package config

// Default values for configuration options, the first layer of the
// override chain.
const (
	defaultInternetProbeURL  = "https://clients3.google.com/generate_204"
	defaultPollInterval      = "30s"
	defaultReconnectInterval = "10s"
	defaultExpiryThreshold   = "5m"
	defaultRefreshMinGap     = "30s"
	defaultRefreshRetries    = 3
	defaultAuthMaxRetries    = 2
	defaultMaxAttempts       = 15
	defaultBaseDelay         = "500ms"
	defaultMaxDelay          = "30s"
	defaultLogLevel          = "info"
	defaultLogFormat         = "auto"
	defaultRequestTimeout    = "30s"
)

// DefaultConfig returns a Config populated with all default values. It is
// the starting point for TOML decoding so unset fields keep their defaults.
// Path fields stay empty until Resolve fills them in.
func DefaultConfig() *Config {
	return &Config{
		Backend: BackendConfig{
			InternetProbeURL: defaultInternetProbeURL,
		},
		Monitor: MonitorConfig{
			PollInterval:      defaultPollInterval,
			ReconnectInterval: defaultReconnectInterval,
			ExpiryThreshold:   defaultExpiryThreshold,
			RefreshMinGap:     defaultRefreshMinGap,
			RefreshRetries:    defaultRefreshRetries,
			AuthMaxRetries:    defaultAuthMaxRetries,
		},
		CycleCount: CycleCountConfig{
			MaxAttempts: defaultMaxAttempts,
			BaseDelay:   defaultBaseDelay,
			MaxDelay:    defaultMaxDelay,
		},
		Logging: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
		Network: NetworkConfig{
			RequestTimeout: defaultRequestTimeout,
		},
	}
}
