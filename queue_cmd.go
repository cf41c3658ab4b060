package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/filtertrack/sectorsync/internal/health"
	"github.com/filtertrack/sectorsync/internal/queue"
)

var errStillOffline = errors.New("backend unreachable, queued operations kept")

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and flush operations saved while offline",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List queued operations, oldest first",
		Args:  cobra.NoArgs,
		RunE:  runQueueList,
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "sync",
		Short: "Send queued operations now if the backend is reachable",
		Args:  cobra.NoArgs,
		RunE:  runQueueSync,
	})

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Discard every queued operation",
		Long: `Discard every queued operation without sending it.

Discarded operations are lost. Pass --yes to confirm.`,
		Args: cobra.NoArgs,
		RunE: runQueueClear,
	}
	clearCmd.Flags().Bool("yes", false, "confirm discarding queued operations")

	cmd.AddCommand(clearCmd)

	return cmd
}

// queueEntry is the JSON schema for "queue list --json".
type queueEntry struct {
	ID         string          `json:"id"`
	Operation  queue.Operation `json:"operation"`
	EntityType string          `json:"entity_type"`
	QueuedAt   time.Time       `json:"queued_at"`
}

func runQueueList(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	return withApp(cmd.Context(), cc, func(a *app) error {
		ops := a.queue.Pending()

		if cc.Flags.JSON {
			entries := make([]queueEntry, 0, len(ops))
			for _, op := range ops {
				entries = append(entries, queueEntry{
					ID:         op.ID,
					Operation:  op.Operation,
					EntityType: string(op.EntityType),
					QueuedAt:   time.UnixMilli(op.Timestamp).UTC(),
				})
			}

			return printJSON(cmd.OutOrStdout(), entries)
		}

		if len(ops) == 0 {
			cc.Statusf("No queued operations.\n")
			return nil
		}

		printQueue(cmd.OutOrStdout(), ops)

		return nil
	})
}

func printQueue(w io.Writer, ops []queue.PendingOperation) {
	rows := make([][]string, 0, len(ops))
	for _, op := range ops {
		rows = append(rows, []string{
			formatTime(time.UnixMilli(op.Timestamp).Local()),
			string(op.Operation),
			string(op.EntityType),
			op.ID,
		})
	}

	printTable(w, []string{"QUEUED", "OPERATION", "ENTITY", "ID"}, rows)
}

func runQueueSync(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	return withApp(cmd.Context(), cc, func(a *app) error {
		if !a.queue.HasPending() {
			cc.Statusf("No queued operations.\n")
			return nil
		}

		// A running watcher owns the flush; two flushers would replay twice.
		if err := nudgeWatcher(watchPIDPath(cc.Cfg.Queue.DBPath)); err == nil {
			cc.Statusf("Asked the running watch to sync %d operation(s).\n", a.queue.Len())
			return nil
		} else if !errors.Is(err, errNoWatcher) {
			return err
		}

		if status := a.monitor.CheckConnection(cmd.Context()); status != health.StatusOnline {
			return fmt.Errorf("%d operation(s) waiting: %w", a.queue.Len(), errStillOffline)
		}

		res := a.queue.Sync(cmd.Context())

		if cc.Flags.JSON {
			return printJSON(cmd.OutOrStdout(), res)
		}

		if res.Failed > 0 {
			return fmt.Errorf("%d of %d operation(s) failed and stay queued", res.Failed, res.Attempted)
		}

		return nil
	})
}

func runQueueClear(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	if yes, _ := cmd.Flags().GetBool("yes"); !yes {
		return errors.New("refusing to discard queued operations without --yes")
	}

	if _, err := runningWatcher(watchPIDPath(cc.Cfg.Queue.DBPath)); err == nil {
		return errors.New("a watch is running on this queue; stop it before clearing")
	}

	return withApp(cmd.Context(), cc, func(a *app) error {
		n := a.queue.Clear(cmd.Context())
		cc.Statusf("Discarded %d queued operation(s).\n", n)

		return nil
	})
}
