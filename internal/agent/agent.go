// Package agent runs the background side of the client: the health monitor
// loop and the offline queue flush that follows every return to online.
package agent

import (
	"context"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/filtertrack/sectorsync/internal/health"
	"github.com/filtertrack/sectorsync/internal/queue"
)

// Monitor is the part of *health.Monitor the agent drives.
type Monitor interface {
	Run(ctx context.Context) error
	OnStatusChange(fn health.StatusListener)
}

// Flusher is the part of *queue.Queue the agent drives.
type Flusher interface {
	Sync(ctx context.Context) queue.SyncResult
	HasPending() bool
	IsSyncing() bool
}

// Agent owns the monitor loop and the flush loop.
type Agent struct {
	monitor Monitor
	queue   Flusher
	logger  *slog.Logger
	trigger chan struct{}
	onFlush func(queue.SyncResult)

	// missed is set when the status became online during a flush.
	missed atomic.Bool
}

// New wires the flush trigger into m. A flush is requested whenever the
// status becomes online while q holds operations and is not already syncing.
// A transition seen during a flush is honored once that flush ends.
func New(m Monitor, q Flusher, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}

	a := &Agent{
		monitor: m,
		queue:   q,
		logger:  logger,
		trigger: make(chan struct{}, 1),
	}

	m.OnStatusChange(func(_, current health.Status) {
		if current != health.StatusOnline {
			return
		}

		if !q.HasPending() {
			return
		}

		if q.IsSyncing() {
			a.missed.Store(true)
			return
		}

		a.Trigger()
	})

	return a
}

// Trigger requests a flush. Requests made while one is pending coalesce.
func (a *Agent) Trigger() {
	select {
	case a.trigger <- struct{}{}:
	default:
	}
}

// OnFlush registers fn to receive every flush result. Must be called
// before Run.
func (a *Agent) OnFlush(fn func(queue.SyncResult)) {
	a.onFlush = fn
}

// Run blocks until ctx is canceled or a loop fails.
func (a *Agent) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.monitor.Run(gctx)
	})

	g.Go(func() error {
		return a.flushLoop(gctx)
	})

	return g.Wait()
}

func (a *Agent) flushLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-a.trigger:
			a.logger.Info("agent: connection restored, syncing queued operations")

			res := a.queue.Sync(ctx)
			if res.Skipped {
				continue
			}

			if a.onFlush != nil {
				a.onFlush(res)
			}

			if a.missed.Swap(false) && a.queue.HasPending() {
				a.Trigger()
			}
		}
	}
}
