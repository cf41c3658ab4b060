package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"
)

const (
	timeLayoutThisYear  = "Jan _2 15:04"
	timeLayoutOtherYear = "Jan _2  2006"
)

// statusf prints a status message to stderr unless quiet mode is set.
func statusf(quiet bool, format string, args ...any) {
	if !quiet {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}

// Statusf is statusf bound to the command's --quiet flag.
func (cc *CLIContext) Statusf(format string, args ...any) {
	statusf(cc.Flags.Quiet, format, args...)
}

// formatTime shows the clock time for this year's timestamps and the year
// for older ones, like ls -l.
func formatTime(t time.Time) string {
	if t.Year() == time.Now().Year() {
		return t.Format(timeLayoutThisYear)
	}

	return t.Format(timeLayoutOtherYear)
}

// printTable writes headers and rows as columns separated by two spaces.
func printTable(w io.Writer, headers []string, rows [][]string) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	fmt.Fprintln(tw, strings.Join(headers, "\t"))

	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}

	tw.Flush()
}
