package health

import "fmt"

// Status is the consolidated reachability of the device and backend.
type Status int

const (
	StatusChecking Status = iota // no check has completed yet
	StatusOnline
	StatusOffline
)

func (s Status) String() string {
	switch s {
	case StatusChecking:
		return "checking"
	case StatusOnline:
		return "online"
	case StatusOffline:
		return "offline"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// MarshalText lets Status appear as its name in JSON output.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var allStatuses = []string{"checking", "online", "offline"}

// SessionState describes the usability of the saved authentication token.
type SessionState int

const (
	SessionUnknown SessionState = iota
	SessionValid
	SessionInvalid
	SessionExpiring // valid, but expires within the configured threshold
)

func (s SessionState) String() string {
	switch s {
	case SessionUnknown:
		return "unknown"
	case SessionValid:
		return "valid"
	case SessionInvalid:
		return "invalid"
	case SessionExpiring:
		return "expiring"
	default:
		return fmt.Sprintf("session(%d)", int(s))
	}
}

func (s SessionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Usable reports whether requests made with the token are expected to be
// accepted.
func (s SessionState) Usable() bool {
	return s == SessionValid || s == SessionExpiring
}

var allSessionStates = []string{"unknown", "valid", "invalid", "expiring"}
