package health

import (
	"context"
	"log/slog"
	"time"
)

// refreshRetryUnit scales the delay before each refresh retry: 1s, 2s, 3s.
const refreshRetryUnit = time.Second

// RefreshToken renews the session token and reports whether the session is
// usable afterwards. A call within the minimum gap of the previous attempt
// reports true without contacting the backend, and concurrent callers share
// one attempt. A failed refresh is retried with growing delays; once retries
// are spent the session is re-checked and that verdict is returned.
func (m *Monitor) RefreshToken(ctx context.Context) bool {
	v, _, _ := m.refresh.Do("refresh", func() (any, error) {
		return m.refreshToken(ctx), nil
	})

	return v.(bool) //nolint:forcetypeassert // only bool is stored
}

func (m *Monitor) refreshToken(ctx context.Context) bool {
	m.mu.Lock()
	now := m.nowFunc()

	if !m.lastRefresh.IsZero() && now.Sub(m.lastRefresh) < m.cfg.RefreshMinGap {
		m.mu.Unlock()
		m.metrics.TokenRefresh("throttled")
		m.logger.Debug("health: refresh skipped, attempted recently",
			slog.Time("last_refresh", m.lastRefresh),
		)

		return true
	}

	m.lastRefresh = now
	m.refreshing = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.refreshing = false
		m.mu.Unlock()
	}()

	var err error

	for attempt := 0; attempt <= m.cfg.RefreshRetries; attempt++ {
		if attempt > 0 {
			if sleepErr := m.sleepFunc(ctx, time.Duration(attempt)*refreshRetryUnit); sleepErr != nil {
				return false
			}
		}

		if err = m.sessions.Refresh(ctx); err == nil {
			m.metrics.TokenRefresh("success")
			m.setSession(SessionValid)
			m.logger.Info("health: token refreshed", slog.Int("attempt", attempt+1))

			return true
		}

		m.metrics.TokenRefresh("failure")
		m.logger.Warn("health: token refresh failed",
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)

		if ctx.Err() != nil {
			return false
		}
	}

	state := m.CheckSession(ctx)
	m.logger.Warn("health: token refresh retries exhausted",
		slog.String("session", state.String()),
	)

	return state.Usable()
}

// refreshOnce performs a single refresh without the gap check or retries.
func (m *Monitor) refreshOnce(ctx context.Context) error {
	m.mu.Lock()
	m.lastRefresh = m.nowFunc()
	m.refreshing = true
	m.mu.Unlock()

	err := m.sessions.Refresh(ctx)

	m.mu.Lock()
	m.refreshing = false
	m.mu.Unlock()

	if err != nil {
		m.metrics.TokenRefresh("failure")
		return err
	}

	m.metrics.TokenRefresh("success")
	m.setSession(SessionValid)

	return nil
}

func (m *Monitor) setSession(state SessionState) {
	m.mu.Lock()
	changed := m.session != state
	m.session = state
	m.mu.Unlock()

	if changed {
		m.metrics.SetSession(state.String(), allSessionStates)
	}
}
