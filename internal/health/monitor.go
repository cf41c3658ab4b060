// Package health tracks whether the backend can be used right now: network
// and backend reachability, and the validity of the saved session. Failures
// never escape as errors; they are folded into Status and SessionState.
//
// A Monitor is owned by one scope. Run is its single background task and
// stops when the context passed to it is canceled.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/filtertrack/sectorsync/internal/backend"
	"github.com/filtertrack/sectorsync/internal/metrics"
	"github.com/filtertrack/sectorsync/internal/notice"
)

// Prober checks reachability. *backend.Client implements it.
type Prober interface {
	PingInternet(ctx context.Context) error
	PingBackend(ctx context.Context) error
}

// SessionSource exposes the saved session. *backend.Auth implements it.
type SessionSource interface {
	Session(ctx context.Context) (*backend.Session, error)
	Refresh(ctx context.Context) error
	UserID() string
}

// Config holds the monitor timings.
type Config struct {
	PollInterval      time.Duration // between checks while online
	ReconnectInterval time.Duration // minimum gap between probes while offline
	ExpiryThreshold   time.Duration // remaining lifetime below which a session is expiring
	RefreshMinGap     time.Duration
	RefreshRetries    int
	AuthMaxRetries    int
}

// DefaultConfig returns the default timings.
func DefaultConfig() Config {
	return Config{
		PollInterval:      30 * time.Second,
		ReconnectInterval: 10 * time.Second,
		ExpiryThreshold:   300_000 * time.Millisecond,
		RefreshMinGap:     30 * time.Second,
		RefreshRetries:    3,
		AuthMaxRetries:    2,
	}
}

// Options carries the monitor's optional collaborators.
type Options struct {
	Notifier notice.Notifier
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// StatusListener is called after the status changes.
type StatusListener func(old, current Status)

// Monitor is the connection and session health monitor.
type Monitor struct {
	prober   Prober
	sessions SessionSource
	cfg      Config
	notifier notice.Notifier
	logger   *slog.Logger
	metrics  *metrics.Metrics

	nowFunc   func() time.Time
	sleepFunc func(ctx context.Context, d time.Duration) error

	limiter *rate.Limiter
	refresh singleflight.Group

	mu                    sync.Mutex
	status                Status
	session               SessionState
	checking              bool
	refreshing            bool
	lastCheckedAt         time.Time
	lastConnectionAttempt time.Time
	lastRefresh           time.Time
	listeners             []StatusListener
}

// New creates a Monitor in the checking state. Zero fields in cfg take
// their defaults.
func New(prober Prober, sessions SessionSource, cfg Config, opts Options) *Monitor {
	cfg = withDefaults(cfg)

	if opts.Notifier == nil {
		opts.Notifier = notice.Discard
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	m := &Monitor{
		prober:    prober,
		sessions:  sessions,
		cfg:       cfg,
		notifier:  opts.Notifier,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		nowFunc:   time.Now,
		sleepFunc: timeSleep,
		limiter:   rate.NewLimiter(rate.Every(cfg.ReconnectInterval), 1),
	}

	m.metrics.SetConnection(StatusChecking.String(), allStatuses)
	m.metrics.SetSession(SessionUnknown.String(), allSessionStates)

	return m
}

func withDefaults(cfg Config) Config {
	def := DefaultConfig()

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}

	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = def.ReconnectInterval
	}

	if cfg.ExpiryThreshold <= 0 {
		cfg.ExpiryThreshold = def.ExpiryThreshold
	}

	if cfg.RefreshMinGap <= 0 {
		cfg.RefreshMinGap = def.RefreshMinGap
	}

	if cfg.RefreshRetries < 0 {
		cfg.RefreshRetries = 0
	}

	if cfg.AuthMaxRetries <= 0 {
		cfg.AuthMaxRetries = def.AuthMaxRetries
	}

	return cfg
}

// OnStatusChange registers fn to run after every status transition. fn runs
// on the goroutine that observed the change and must not block.
func (m *Monitor) OnStatusChange(fn StatusListener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Status returns the last observed connection status.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.status
}

// Session returns the last observed session state.
func (m *Monitor) Session() SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.session
}

// IsRefreshing reports whether a token refresh is in flight.
func (m *Monitor) IsRefreshing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.refreshing
}

// LastCheckedAt returns when the last connection check completed.
func (m *Monitor) LastCheckedAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.lastCheckedAt
}

// CheckConnection probes the internet and then the backend. While a check
// is already running, or while offline and the reconnect interval has not
// elapsed since the last probe, it returns the current status unprobed.
func (m *Monitor) CheckConnection(ctx context.Context) Status {
	return m.checkConnection(ctx, true)
}

func (m *Monitor) checkConnection(ctx context.Context, gated bool) Status {
	m.mu.Lock()

	if m.checking {
		s := m.status
		m.mu.Unlock()

		return s
	}

	now := m.nowFunc()
	allowed := m.limiter.AllowN(now, 1)

	if gated && m.status == StatusOffline && !allowed {
		s := m.status
		m.mu.Unlock()
		m.logger.Debug("health: reconnect probe throttled")

		return s
	}

	m.checking = true
	m.lastConnectionAttempt = now
	m.mu.Unlock()

	next := m.probe(ctx)

	m.mu.Lock()
	m.checking = false
	m.lastCheckedAt = m.nowFunc()
	m.mu.Unlock()

	m.setStatus(next)

	return next
}

func (m *Monitor) probe(ctx context.Context) Status {
	if err := m.prober.PingInternet(ctx); err != nil {
		m.logger.Debug("health: internet unreachable", slog.String("error", err.Error()))
		return StatusOffline
	}

	if err := m.prober.PingBackend(ctx); err != nil {
		m.logger.Debug("health: backend unreachable", slog.String("error", err.Error()))
		return StatusOffline
	}

	return StatusOnline
}

// MarkOffline records an observed network failure without probing. Callers
// use it when a backend request failed with a network error.
func (m *Monitor) MarkOffline() {
	m.setStatus(StatusOffline)
}

func (m *Monitor) setStatus(next Status) {
	m.mu.Lock()
	old := m.status
	m.status = next
	listeners := append([]StatusListener(nil), m.listeners...)
	m.mu.Unlock()

	if old == next {
		return
	}

	m.metrics.SetConnection(next.String(), allStatuses)
	m.logger.Info("health: connection status changed",
		slog.String("from", old.String()),
		slog.String("to", next.String()),
	)

	for _, fn := range listeners {
		fn(old, next)
	}
}

// CheckSession classifies the saved session. A lookup error is treated as
// valid when a user id is still known and invalid otherwise.
func (m *Monitor) CheckSession(ctx context.Context) SessionState {
	state := m.lookupSession(ctx)
	m.setSession(state)

	return state
}

func (m *Monitor) lookupSession(ctx context.Context) SessionState {
	s, err := m.sessions.Session(ctx)
	if err != nil {
		if m.sessions.UserID() != "" {
			m.logger.Warn("health: session lookup failed, assuming valid",
				slog.String("error", err.Error()),
			)

			return SessionValid
		}

		m.logger.Warn("health: session lookup failed", slog.String("error", err.Error()))

		return SessionInvalid
	}

	if s == nil {
		return SessionInvalid
	}

	if !s.ExpiresAt.IsZero() && s.ExpiresAt.Sub(m.nowFunc()) <= m.cfg.ExpiryThreshold {
		return SessionExpiring
	}

	return SessionValid
}

// Run checks connection and session once, then again every poll interval
// while online and every reconnect interval otherwise. An expiring session
// is refreshed. Run returns nil when ctx is canceled.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("health: monitor started",
		slog.Duration("poll_interval", m.cfg.PollInterval),
		slog.Duration("reconnect_interval", m.cfg.ReconnectInterval),
	)

	for {
		status := m.checkConnection(ctx, false)

		wait := m.cfg.ReconnectInterval
		if status == StatusOnline {
			wait = m.cfg.PollInterval

			if m.CheckSession(ctx) == SessionExpiring {
				m.RefreshToken(ctx)
			}
		}

		if err := m.sleepFunc(ctx, wait); err != nil {
			m.logger.Info("health: monitor stopped")
			return nil
		}
	}
}

func timeSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
