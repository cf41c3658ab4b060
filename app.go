package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/filtertrack/sectorsync/internal/backend"
	"github.com/filtertrack/sectorsync/internal/config"
	"github.com/filtertrack/sectorsync/internal/cyclecount"
	"github.com/filtertrack/sectorsync/internal/health"
	"github.com/filtertrack/sectorsync/internal/localstore"
	"github.com/filtertrack/sectorsync/internal/metrics"
	"github.com/filtertrack/sectorsync/internal/notice"
	"github.com/filtertrack/sectorsync/internal/queue"
	"github.com/filtertrack/sectorsync/internal/tracker"
)

// app is the fully wired client used by every command that talks to the
// backend or the offline queue.
type app struct {
	auth     *backend.Auth
	monitor  *health.Monitor
	tracker  *tracker.Tracker
	queue    *queue.Queue
	store    *localstore.Store
	registry *prometheus.Registry
}

// newApp builds the component graph from the resolved config. The caller
// must Close the app.
func newApp(ctx context.Context, cc *CLIContext) (*app, error) {
	cfg := cc.Cfg
	logger := cc.Logger

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m, err := metrics.New(reg)
	if err != nil {
		return nil, err
	}

	api, auth := newBackend(cc)

	if err := os.MkdirAll(filepath.Dir(cfg.Queue.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	store, err := localstore.Open(ctx, cfg.Queue.DBPath, logger)
	if err != nil {
		return nil, err
	}

	notifier := notice.NewWriter(os.Stderr, cc.Flags.Quiet)

	mon := health.New(api, auth, monitorConfig(cfg.Monitor), health.Options{
		Notifier: notifier,
		Logger:   logger,
		Metrics:  m,
	})

	w := tracker.NewWriter(api, newAllocator(cfg.CycleCount, cc, m), logger)
	tr := tracker.New(w, mon, nil, logger)

	q := queue.Open(ctx, store, tr, queue.Options{
		Notifier: notifier,
		Logger:   logger,
		Metrics:  m,
	})
	tr.SetQueue(q)

	return &app{
		auth:     auth,
		monitor:  mon,
		tracker:  tr,
		queue:    q,
		store:    store,
		registry: reg,
	}, nil
}

// Close releases the local database.
func (a *app) Close() error {
	return a.store.Close()
}

// newBackend returns the authenticated backend client and the session
// owner that feeds it tokens.
func newBackend(cc *CLIContext) (*backend.Client, *backend.Auth) {
	cfg := cc.Cfg

	anon := backend.NewClient(cfg.Backend.URL, nil, backend.Options{
		APIKey:           cfg.Backend.AnonKey,
		InternetProbeURL: cfg.Backend.InternetProbeURL,
		HTTPClient:       &http.Client{Timeout: config.Duration(cfg.Network.RequestTimeout)},
		UserAgent:        userAgent(cfg),
		Logger:           cc.Logger,
	})
	auth := backend.NewAuth(anon, cfg.Backend.SessionPath, cc.Logger)

	return anon.WithToken(auth), auth
}

func userAgent(cfg *config.Config) string {
	if cfg.Network.UserAgent != "" {
		return cfg.Network.UserAgent
	}

	return "sectorsync/" + version
}

// monitorConfig converts the validated [monitor] section. Zero values are
// replaced by health's defaults.
func monitorConfig(m config.MonitorConfig) health.Config {
	return health.Config{
		PollInterval:      config.Duration(m.PollInterval),
		ReconnectInterval: config.Duration(m.ReconnectInterval),
		ExpiryThreshold:   config.Duration(m.ExpiryThreshold),
		RefreshMinGap:     config.Duration(m.RefreshMinGap),
		RefreshRetries:    m.RefreshRetries,
		AuthMaxRetries:    m.AuthMaxRetries,
	}
}

func newAllocator(c config.CycleCountConfig, cc *CLIContext, m *metrics.Metrics) *cyclecount.Allocator {
	alloc := cyclecount.NewAllocator(cyclecount.NewGenerator(), cc.Logger, m)

	if c.MaxAttempts > 0 {
		alloc.MaxAttempts = c.MaxAttempts
	}

	if d := config.Duration(c.BaseDelay); d > 0 {
		alloc.BaseDelay = d
	}

	if d := config.Duration(c.MaxDelay); d > 0 {
		alloc.MaxDelay = d
	}

	return alloc
}

// withApp builds the app for the duration of fn.
func withApp(ctx context.Context, cc *CLIContext, fn func(a *app) error) error {
	a, err := newApp(ctx, cc)
	if err != nil {
		return err
	}

	defer func() {
		if err := a.Close(); err != nil {
			cc.Logger.Warn("closing local storage failed", slog.String("error", err.Error()))
		}
	}()

	return fn(a)
}
