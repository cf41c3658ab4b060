package tracker

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// ErrInvalid marks input rejected before any backend call.
var ErrInvalid = errors.New("tracker: invalid input")

const maxTagLen = 64

// NormalizeTag trims tag and converts it to Unicode NFC so that the same
// visible tag typed on different devices compares equal.
func NormalizeTag(tag string) string {
	return norm.NFC.String(strings.TrimSpace(tag))
}

func invalid(problems []error) error {
	if len(problems) == 0 {
		return nil
	}

	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(problems...))
}

func tagProblems(tag string) []error {
	var problems []error

	switch {
	case tag == "":
		problems = append(problems, errors.New("tag is required"))
	case utf8.RuneCountInString(tag) > maxTagLen:
		problems = append(problems, fmt.Errorf("tag longer than %d characters", maxTagLen))
	}

	return problems
}

func photoProblems(photos []Photo) []error {
	var problems []error

	for i, p := range photos {
		if !p.Stage.Valid() {
			problems = append(problems, fmt.Errorf("photo %d: unknown stage %q", i+1, p.Stage))
		}

		if strings.TrimSpace(p.Path) == "" {
			problems = append(problems, fmt.Errorf("photo %d: path is required", i+1))
		}
	}

	return problems
}

func validateNewSector(in SectorInput) error {
	problems := tagProblems(NormalizeTag(in.Tag))
	problems = append(problems, photoProblems(in.Photos)...)

	for _, p := range in.Photos {
		if p.Stage != StagePeritagem {
			problems = append(problems, fmt.Errorf("new sector photos must be for stage %s", StagePeritagem))
			break
		}
	}

	return invalid(problems)
}

func validatePatch(p SectorPatch) error {
	var problems []error

	if p.Tag != nil {
		problems = append(problems, tagProblems(NormalizeTag(*p.Tag))...)
	}

	problems = append(problems, photoProblems(p.Photos)...)

	if p.Tag == nil && p.Notes == nil && len(p.Photos) == 0 {
		problems = append(problems, errors.New("nothing to update"))
	}

	return invalid(problems)
}

// validateAdvance checks a stage transition. Leaving a workflow stage
// requires at least one photo recorded for it.
func validateAdvance(s Sector, to Stage, added []Photo) error {
	var problems []error

	if !to.Valid() {
		problems = append(problems, fmt.Errorf("unknown target stage %q", to))
	} else if !CanTransition(s.Stage, to) {
		problems = append(problems, fmt.Errorf("cannot move from %s to %s", s.Stage, to))
	}

	problems = append(problems, photoProblems(added)...)

	withAdded := s
	withAdded.Photos = append(append([]Photo(nil), s.Photos...), added...)

	if to != StageSucateamento && !withAdded.HasPhoto(s.Stage) {
		problems = append(problems, fmt.Errorf("a photo for stage %s is required", s.Stage))
	}

	return invalid(problems)
}

func validateCycle(in CycleInput) error {
	var problems []error

	if in.SectorID == "" {
		problems = append(problems, errors.New("sector id is required"))
	}

	if in.CycleNumber < 1 {
		problems = append(problems, errors.New("cycle number must be positive"))
	}

	if in.FinishedAt != nil && !in.StartedAt.IsZero() && in.FinishedAt.Before(in.StartedAt) {
		problems = append(problems, errors.New("cycle cannot finish before it starts"))
	}

	return invalid(problems)
}

func validateService(in ServiceInput) error {
	var problems []error

	if in.CycleID == "" {
		problems = append(problems, errors.New("cycle id is required"))
	}

	if strings.TrimSpace(in.ServiceType) == "" {
		problems = append(problems, errors.New("service type is required"))
	}

	return invalid(problems)
}
