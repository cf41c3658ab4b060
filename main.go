package main

import (
	"errors"
	"os"

	"github.com/filtertrack/sectorsync/internal/notice"
	"github.com/filtertrack/sectorsync/internal/tracker"
)

// actionError marks a failed workflow action. main prints it as a notice
// instead of a raw error chain.
type actionError struct {
	err error
}

func (e *actionError) Error() string { return e.err.Error() }

func (e *actionError) Unwrap() error { return e.err }

func main() {
	if err := newRootCmd().Execute(); err != nil {
		var ae *actionError
		if errors.As(err, &ae) {
			notice.NewWriter(os.Stderr, false).Notify(tracker.Describe(ae.err))
			os.Exit(1)
		}

		exitOnError(err)
	}
}
