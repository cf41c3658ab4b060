package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/filtertrack/sectorsync/internal/health"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check connectivity, session and offline queue",
		Long: `Run every health check unconditionally: internet reachability, backend
reachability and the saved session. An expiring or invalid session is
refreshed once when the backend is reachable.`,
		RunE: runStatus,
	}
}

// statusOutput is the JSON schema for "status --json".
type statusOutput struct {
	health.Diagnostics
	Pending int `json:"pending_operations"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	return withApp(cmd.Context(), cc, func(a *app) error {
		out := statusOutput{
			Diagnostics: a.monitor.ForceAuthCheck(cmd.Context()),
			Pending:     a.queue.Len(),
		}

		if cc.Flags.JSON {
			return printJSON(cmd.OutOrStdout(), out)
		}

		printStatusText(cmd.OutOrStdout(), out)

		return nil
	})
}

func printStatusText(w io.Writer, out statusOutput) {
	fmt.Fprintf(w, "Internet:   %s\n", checkResult(out.Internet, out.InternetError))
	fmt.Fprintf(w, "Backend:    %s\n", checkResult(out.Backend, out.BackendError))
	fmt.Fprintf(w, "Connection: %s\n", out.Status)

	session := out.Session.String()
	if out.Email != "" {
		session += " (" + out.Email + ")"
	}

	if !out.ExpiresAt.IsZero() {
		session += ", expires " + formatTime(out.ExpiresAt.Local())
	}

	if out.Refreshed {
		session += ", refreshed"
	}

	fmt.Fprintf(w, "Session:    %s\n", session)
	fmt.Fprintf(w, "Pending:    %d operation(s)\n", out.Pending)

	if out.Healthy {
		fmt.Fprintln(w, "Healthy.")
	}
}

func checkResult(ok bool, errText string) string {
	switch {
	case ok:
		return "ok"
	case errText != "":
		return "unreachable: " + errText
	default:
		return "not checked"
	}
}
