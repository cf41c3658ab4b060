package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/filtertrack/sectorsync/internal/tracker"
)

func newSectorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sector",
		Short: "Create, change and advance filter sectors",
	}

	cmd.AddCommand(newSectorCreateCmd())
	cmd.AddCommand(newSectorShowCmd())
	cmd.AddCommand(newSectorUpdateCmd())
	cmd.AddCommand(newSectorAdvanceCmd())
	cmd.AddCommand(newSectorDeleteCmd())

	return cmd
}

func newSectorCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a sector in the peritagem stage",
		Args:  cobra.NoArgs,
		RunE:  runSectorCreate,
	}

	cmd.Flags().String("tag", "", "sector tag (required)")
	cmd.Flags().String("notes", "", "free-form notes")
	cmd.Flags().StringArray("photo", nil, "photo as [stage=]path; repeatable")
	_ = cmd.MarkFlagRequired("tag")

	return cmd
}

func newSectorShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a sector as stored on the backend",
		Args:  cobra.ExactArgs(1),
		RunE:  runSectorShow,
	}
}

func newSectorUpdateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Change a sector's tag or notes, or attach photos",
		Long: `Change a sector's tag or notes, or attach photos.

Tag and notes changes are queued when the backend cannot be reached.
Attaching photos reads the sector first and therefore needs a connection.`,
		Args: cobra.ExactArgs(1),
		RunE: runSectorUpdate,
	}

	cmd.Flags().String("tag", "", "new tag")
	cmd.Flags().String("notes", "", "new notes")
	cmd.Flags().StringArray("photo", nil, "photo as [stage=]path; repeatable")

	return cmd
}

func newSectorAdvanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "advance <id> <stage>",
		Short: "Move a sector to its next stage",
		Long: `Move a sector to another stage.

Stages: peritagem -> execucao -> checagem -> conclusao. Any open stage may
move to sucateamento. Leaving a stage other than by scrapping requires a
photo for that stage, either already on the sector or given with --photo.`,
		Args: cobra.ExactArgs(2),
		RunE: runSectorAdvance,
	}

	cmd.Flags().StringArray("photo", nil, "photo as [stage=]path; repeatable (stage defaults to the current one)")

	return cmd
}

func newSectorDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a sector",
		Args:  cobra.ExactArgs(1),
		RunE:  runSectorDelete,
	}
}

func runSectorCreate(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	tag, _ := cmd.Flags().GetString("tag")
	notes, _ := cmd.Flags().GetString("notes")
	rawPhotos, _ := cmd.Flags().GetStringArray("photo")

	photos, err := parsePhotos(rawPhotos, tracker.StagePeritagem)
	if err != nil {
		return err
	}

	return withApp(cmd.Context(), cc, func(a *app) error {
		res, err := a.tracker.CreateSector(cmd.Context(), tracker.SectorInput{
			Tag:    tag,
			Notes:  notes,
			Photos: photos,
		})
		if err != nil {
			return &actionError{err: err}
		}

		return printResult(cc, cmd.OutOrStdout(), "sector", "created", res)
	})
}

func runSectorShow(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())

	return withApp(cmd.Context(), cc, func(a *app) error {
		s, err := a.tracker.GetSector(cmd.Context(), args[0])
		if err != nil {
			return &actionError{err: err}
		}

		if cc.Flags.JSON {
			return printJSON(cmd.OutOrStdout(), s)
		}

		printSector(cmd.OutOrStdout(), s)

		return nil
	})
}

func runSectorUpdate(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	id := args[0]

	var patch tracker.SectorPatch

	if cmd.Flags().Changed("tag") {
		tag, _ := cmd.Flags().GetString("tag")
		patch.Tag = &tag
	}

	if cmd.Flags().Changed("notes") {
		notes, _ := cmd.Flags().GetString("notes")
		patch.Notes = &notes
	}

	rawPhotos, _ := cmd.Flags().GetStringArray("photo")

	return withApp(cmd.Context(), cc, func(a *app) error {
		var existing []tracker.Photo

		if len(rawPhotos) > 0 {
			current, err := a.tracker.GetSector(cmd.Context(), id)
			if err != nil {
				return &actionError{err: err}
			}

			existing = current.Photos

			if patch.Photos, err = parsePhotos(rawPhotos, current.Stage); err != nil {
				return err
			}
		}

		res, err := a.tracker.UpdateSector(cmd.Context(), id, existing, patch)
		if err != nil {
			return &actionError{err: err}
		}

		return printResult(cc, cmd.OutOrStdout(), "sector", "updated", res)
	})
}

func runSectorAdvance(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())

	to, err := tracker.ParseStage(args[1])
	if err != nil {
		return err
	}

	rawPhotos, _ := cmd.Flags().GetStringArray("photo")

	return withApp(cmd.Context(), cc, func(a *app) error {
		current, err := a.tracker.GetSector(cmd.Context(), args[0])
		if err != nil {
			return &actionError{err: err}
		}

		photos, err := parsePhotos(rawPhotos, current.Stage)
		if err != nil {
			return err
		}

		res, err := a.tracker.AdvanceStage(cmd.Context(), current, to, photos)
		if err != nil {
			return &actionError{err: err}
		}

		return printResult(cc, cmd.OutOrStdout(), "sector", "moved to "+string(to), res)
	})
}

func runSectorDelete(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())

	return withApp(cmd.Context(), cc, func(a *app) error {
		res, err := a.tracker.DeleteSector(cmd.Context(), args[0])
		if err != nil {
			return &actionError{err: err}
		}

		return printResult(cc, cmd.OutOrStdout(), "sector", "deleted", res)
	})
}

// parsePhotos parses "[stage=]path" values. A value without a stage is
// attached to def.
func parsePhotos(values []string, def tracker.Stage) ([]tracker.Photo, error) {
	photos := make([]tracker.Photo, 0, len(values))

	for _, v := range values {
		stage, path, found := strings.Cut(v, "=")
		if !found {
			photos = append(photos, tracker.Photo{Stage: def, Path: v})
			continue
		}

		s, err := tracker.ParseStage(stage)
		if err != nil {
			return nil, fmt.Errorf("--photo %q: %w", v, err)
		}

		photos = append(photos, tracker.Photo{Stage: s, Path: path})
	}

	return photos, nil
}

// resultOutput is the JSON schema for mutating commands.
type resultOutput struct {
	Entity string `json:"entity"`
	ID     string `json:"id"`
	Queued bool   `json:"queued"`
}

// printResult prints the id of the affected row on stdout and a status line
// on stderr. A queued result wakes a running watcher so it picks the
// operation up; the queue itself tells the user it was saved offline.
func printResult(cc *CLIContext, w io.Writer, entity, verb string, res tracker.Result) error {
	if res.Queued {
		if err := nudgeWatcher(watchPIDPath(cc.Cfg.Queue.DBPath)); err != nil && !errors.Is(err, errNoWatcher) {
			cc.Logger.Debug("could not signal watcher", slog.String("error", err.Error()))
		}
	}

	if cc.Flags.JSON {
		return printJSON(w, resultOutput{Entity: entity, ID: res.ID, Queued: res.Queued})
	}

	fmt.Fprintln(w, res.ID)

	if !res.Queued {
		cc.Statusf("%s %s.\n", capitalize(entity), verb)
	}

	return nil
}

func printSector(w io.Writer, s tracker.Sector) {
	fmt.Fprintf(w, "ID:          %s\n", s.ID)
	fmt.Fprintf(w, "Tag:         %s\n", s.Tag)
	fmt.Fprintf(w, "Cycle count: %s\n", strconv.FormatInt(s.CycleCount, 10))
	fmt.Fprintf(w, "Stage:       %s\n", s.Stage)

	if s.Notes != "" {
		fmt.Fprintf(w, "Notes:       %s\n", s.Notes)
	}

	if !s.UpdatedAt.IsZero() {
		fmt.Fprintf(w, "Updated:     %s\n", formatTime(s.UpdatedAt.Local()))
	}

	if len(s.Photos) == 0 {
		return
	}

	fmt.Fprintln(w)

	rows := make([][]string, 0, len(s.Photos))
	for _, p := range s.Photos {
		rows = append(rows, []string{string(p.Stage), p.Path})
	}

	printTable(w, []string{"STAGE", "PHOTO"}, rows)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding JSON output: %w", err)
	}

	return nil
}

func capitalize(s string) string {
	if s == "" {
		return s
	}

	return strings.ToUpper(s[:1]) + s[1:]
}
