package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig     = "SECTORSYNC_CONFIG"
	EnvBackendURL = "SECTORSYNC_BACKEND_URL"
	EnvAnonKey    = "SECTORSYNC_ANON_KEY"
	EnvPassword   = "SECTORSYNC_PASSWORD" // read by "login" only, never stored
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath string
	BackendURL string
	AnonKey    string
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		BackendURL: os.Getenv(EnvBackendURL),
		AnonKey:    os.Getenv(EnvAnonKey),
	}
}
