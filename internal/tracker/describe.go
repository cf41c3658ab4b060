package tracker

import (
	"errors"

	"github.com/filtertrack/sectorsync/internal/backend"
	"github.com/filtertrack/sectorsync/internal/cyclecount"
	"github.com/filtertrack/sectorsync/internal/health"
	"github.com/filtertrack/sectorsync/internal/notice"
)

// Describe turns an action error into the notice shown to the user.
func Describe(err error) notice.Notice {
	switch {
	case err == nil:
		return notice.Info("Done.")
	case errors.Is(err, ErrInvalid):
		return notice.Warn(err.Error())
	case errors.Is(err, health.ErrAuthRequired):
		return notice.Error("Your session has expired. Please log in again.").WithAction(notice.ActionLogin)
	case errors.Is(err, cyclecount.ErrExhausted):
		return notice.Error("Could not save the sector: another record keeps using the same cycle count.").
			WithAction(notice.ActionRetry)
	}

	switch backend.KindOf(err) {
	case backend.KindNetwork:
		return notice.Error("The server could not be reached.").WithAction(notice.ActionRetry)
	case backend.KindAuth:
		return notice.Error("You are not allowed to do that. Please log in again.").WithAction(notice.ActionLogin)
	case backend.KindValidation:
		return notice.Warn("The server rejected the data: " + err.Error())
	case backend.KindNotFound:
		return notice.Warn("Record not found.")
	case backend.KindDuplicate:
		return notice.Warn("A record with the same values already exists.")
	default:
		return notice.Error("Something went wrong: " + err.Error()).WithAction(notice.ActionRetry)
	}
}
