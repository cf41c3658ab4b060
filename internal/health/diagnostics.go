package health

import (
	"context"
	"log/slog"
	"time"

	"github.com/filtertrack/sectorsync/internal/notice"
)

// Diagnostics is the result of ForceAuthCheck.
type Diagnostics struct {
	Internet      bool         `json:"internet"`
	InternetError string       `json:"internet_error,omitempty"`
	Backend       bool         `json:"backend"`
	BackendError  string       `json:"backend_error,omitempty"`
	Status        Status       `json:"status"`
	Session       SessionState `json:"session"`
	UserID        string       `json:"user_id,omitempty"`
	Email         string       `json:"email,omitempty"`
	ExpiresAt     time.Time    `json:"expires_at,omitzero"`
	Refreshed     bool         `json:"refreshed"`
	Healthy       bool         `json:"healthy"`
	CheckedAt     time.Time    `json:"checked_at"`
}

// ForceAuthCheck runs every check unconditionally: internet, backend and
// token. With no user it asks for a login; with a user whose token is not
// valid it tries one refresh before giving up.
func (m *Monitor) ForceAuthCheck(ctx context.Context) Diagnostics {
	d := Diagnostics{CheckedAt: m.nowFunc()}

	if err := m.prober.PingInternet(ctx); err != nil {
		d.InternetError = err.Error()
	} else {
		d.Internet = true

		if err := m.prober.PingBackend(ctx); err != nil {
			d.BackendError = err.Error()
		} else {
			d.Backend = true
		}
	}

	d.Status = StatusOffline
	if d.Internet && d.Backend {
		d.Status = StatusOnline
	}

	m.mu.Lock()
	m.lastCheckedAt = d.CheckedAt
	m.mu.Unlock()
	m.setStatus(d.Status)

	d.UserID = m.sessions.UserID()
	if d.UserID == "" {
		d.Session = SessionInvalid
		m.setSession(SessionInvalid)
		m.notifier.Notify(notice.Warn("Not logged in.").WithAction(notice.ActionLogin))

		return d
	}

	d.Session = m.CheckSession(ctx)

	if d.Session != SessionValid && d.Status == StatusOnline {
		if err := m.refreshOnce(ctx); err != nil {
			m.logger.Warn("health: refresh during auth check failed", slog.String("error", err.Error()))
		} else {
			d.Refreshed = true
		}

		d.Session = m.CheckSession(ctx)
	}

	if s, err := m.sessions.Session(ctx); err == nil && s != nil {
		d.Email = s.Email
		d.ExpiresAt = s.ExpiresAt
	}

	if !d.Session.Usable() {
		m.notifier.Notify(notice.Error("Your session is no longer valid. Please log in again.").
			WithAction(notice.ActionLogin))
	}

	d.Healthy = d.Status == StatusOnline && d.Session == SessionValid

	return d
}
