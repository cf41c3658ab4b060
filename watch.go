package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/filtertrack/sectorsync/internal/agent"
	"github.com/filtertrack/sectorsync/internal/health"
	"github.com/filtertrack/sectorsync/internal/queue"
)

const metricsShutdownTimeout = 5 * time.Second

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Monitor connectivity and sync queued operations in the foreground",
		Long: `Run the health monitor until interrupted. Whenever the connection comes
back online, operations queued while offline are sent to the backend.
Only one watch may run per queue database; other sectorsync commands signal
it after queuing so it picks their operations up.

Press Ctrl-C to stop; press it again to force exit.`,
		RunE: runWatch,
	}

	cmd.Flags().String("metrics", "", "serve Prometheus metrics on this address (e.g. :9464)")

	return cmd
}

func runWatch(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx, stop := shutdownContext(cmd.Context(), cc.Logger)
	defer stop()

	unlock, err := acquireWatchLock(watchPIDPath(cc.Cfg.Queue.DBPath))
	if err != nil {
		return err
	}
	defer unlock()

	return withApp(ctx, cc, func(a *app) error {
		ag := agent.New(a.monitor, a.queue, cc.Logger)
		ag.OnFlush(func(res queue.SyncResult) {
			cc.Statusf("Synced %d of %d queued operation(s).\n", res.Succeeded, res.Attempted)
		})

		// The first successful check flushes what an earlier run left behind.
		if a.queue.HasPending() {
			cc.Statusf("%d operation(s) waiting for the connection.\n", a.queue.Len())
		}

		g, gctx := errgroup.WithContext(ctx)

		g.Go(func() error {
			return ag.Run(gctx)
		})

		g.Go(func() error {
			reloadOnHangup(gctx, a, ag, cc.Logger)
			return nil
		})

		if listen := cc.Cfg.Metrics.Listen; listen != "" {
			g.Go(func() error {
				return serveMetrics(gctx, listen, a.registry, cc.Logger)
			})
		}

		cc.Statusf("Watching. Press Ctrl-C to stop.\n")

		if err := g.Wait(); err != nil {
			return err
		}

		cc.Statusf("Stopped.\n")

		return nil
	})
}

// reloadOnHangup merges operations queued by other sectorsync processes on
// every SIGHUP and flushes them when the connection is up.
func reloadOnHangup(ctx context.Context, a *app, ag *agent.Agent, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			n := a.queue.Reload(ctx)
			logger.Info("watch: reloaded queue", slog.Int("pending", n))

			if n > 0 && a.monitor.Status() == health.StatusOnline {
				ag.Trigger()
			}
		}
	}
}

// serveMetrics serves reg on /metrics until ctx is canceled.
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics: listening on %s: %w", addr, err)
	}

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: metricsShutdownTimeout}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics: shutdown failed", slog.String("error", err.Error()))
		}
	}()

	logger.Info("metrics: serving", slog.String("addr", ln.Addr().String()))

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics: serving: %w", err)
	}

	return nil
}
