package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/filtertrack/sectorsync/internal/tracker"
)

func newCycleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cycle",
		Short: "Record recovery cycles",
	}

	record := &cobra.Command{
		Use:   "record <sector-id>",
		Short: "Record a recovery cycle for a sector",
		Args:  cobra.ExactArgs(1),
		RunE:  runCycleRecord,
	}

	record.Flags().Int("number", 0, "cycle number, starting at 1 (required)")
	record.Flags().String("started", "", "start time, RFC 3339 (default now)")
	record.Flags().String("finished", "", "finish time, RFC 3339")
	record.Flags().String("outcome", "", "cycle outcome")
	_ = record.MarkFlagRequired("number")

	cmd.AddCommand(record)

	return cmd
}

func newServiceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Record repair services performed during a cycle",
	}

	record := &cobra.Command{
		Use:   "record <cycle-id>",
		Short: "Record a service for a cycle",
		Args:  cobra.ExactArgs(1),
		RunE:  runServiceRecord,
	}

	record.Flags().String("type", "", "service type (required)")
	record.Flags().String("description", "", "what was done")
	record.Flags().Bool("done", false, "mark the service as completed")
	_ = record.MarkFlagRequired("type")

	del := &cobra.Command{
		Use:   "delete <service-id>",
		Short: "Delete a service record",
		Args:  cobra.ExactArgs(1),
		RunE:  runServiceDelete,
	}

	cmd.AddCommand(record, del)

	return cmd
}

func runCycleRecord(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())

	number, _ := cmd.Flags().GetInt("number")
	outcome, _ := cmd.Flags().GetString("outcome")

	in := tracker.CycleInput{SectorID: args[0], CycleNumber: number, Outcome: outcome}

	if raw, _ := cmd.Flags().GetString("started"); raw != "" {
		t, err := parseTimeFlag("started", raw)
		if err != nil {
			return err
		}

		in.StartedAt = t
	}

	if raw, _ := cmd.Flags().GetString("finished"); raw != "" {
		t, err := parseTimeFlag("finished", raw)
		if err != nil {
			return err
		}

		in.FinishedAt = &t
	}

	return withApp(cmd.Context(), cc, func(a *app) error {
		res, err := a.tracker.RecordCycle(cmd.Context(), in)
		if err != nil {
			return &actionError{err: err}
		}

		return printResult(cc, cmd.OutOrStdout(), "cycle", "recorded", res)
	})
}

func runServiceRecord(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())

	serviceType, _ := cmd.Flags().GetString("type")
	description, _ := cmd.Flags().GetString("description")
	done, _ := cmd.Flags().GetBool("done")

	return withApp(cmd.Context(), cc, func(a *app) error {
		res, err := a.tracker.RecordService(cmd.Context(), tracker.ServiceInput{
			CycleID:     args[0],
			ServiceType: serviceType,
			Description: description,
			Done:        done,
		})
		if err != nil {
			return &actionError{err: err}
		}

		return printResult(cc, cmd.OutOrStdout(), "service", "recorded", res)
	})
}

func runServiceDelete(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())

	return withApp(cmd.Context(), cc, func(a *app) error {
		res, err := a.tracker.DeleteService(cmd.Context(), args[0])
		if err != nil {
			return &actionError{err: err}
		}

		return printResult(cc, cmd.OutOrStdout(), "service", "deleted", res)
	})
}

func parseTimeFlag(name, raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s: expected RFC 3339 time (e.g. 2026-01-02T15:04:05Z): %w", name, err)
	}

	return t.UTC(), nil
}
