package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/filtertrack/sectorsync/internal/backend"
	"github.com/filtertrack/sectorsync/internal/notice"
)

// ErrAuthRequired is returned when an operation kept failing authentication
// and the session could not be renewed. The user must log in again.
var ErrAuthRequired = errors.New("health: authentication required")

// AuthOptions tunes ExecuteWithAuthCheck.
type AuthOptions struct {
	// MaxRetries is the number of retries after an auth failure.
	// Zero uses the monitor's configured value.
	MaxRetries int
	// Silent suppresses the "log in again" notice.
	Silent bool
}

// ExecuteWithAuthCheck runs op and, when it fails with an authentication
// error, refreshes the token and runs it again, up to MaxRetries more times.
// Any other error is returned unchanged without a refresh.
func ExecuteWithAuthCheck[T any](ctx context.Context, m *Monitor, op func(context.Context) (T, error), opts AuthOptions) (T, error) {
	var zero T

	retries := opts.MaxRetries
	if retries <= 0 {
		retries = m.cfg.AuthMaxRetries
	}

	for attempt := 0; ; attempt++ {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}

		if !backend.IsAuth(err) {
			return zero, err
		}

		if attempt >= retries {
			m.logger.Warn("health: auth retries exhausted", slog.Int("retries", retries))
			m.authRequired(opts)

			return zero, fmt.Errorf("%w: %w", ErrAuthRequired, err)
		}

		m.metrics.AuthRetry()
		m.logger.Info("health: auth failure, refreshing token",
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)

		if !m.RefreshToken(ctx) {
			m.authRequired(opts)
			return zero, fmt.Errorf("%w: token refresh failed: %w", ErrAuthRequired, err)
		}
	}
}

func (m *Monitor) authRequired(opts AuthOptions) {
	m.setSession(SessionInvalid)

	if opts.Silent {
		return
	}

	m.notifier.Notify(notice.Error("Your session has expired. Please log in again.").
		WithAction(notice.ActionLogin))
}
