package tracker

import (
	"fmt"
	"time"
)

// Stage is a step of the recovery workflow.
type Stage string

const (
	StagePeritagem    Stage = "peritagem" // inspection
	StageExecucao     Stage = "execucao"  // repair
	StageChecagem     Stage = "checagem"  // final check
	StageConclusao    Stage = "conclusao"
	StageSucateamento Stage = "sucateamento" // scrapped
)

// workflow lists the stages in order, excluding sucateamento.
var workflow = []Stage{StagePeritagem, StageExecucao, StageChecagem, StageConclusao}

// ParseStage accepts a stage name, with or without Portuguese accents.
func ParseStage(s string) (Stage, error) {
	switch s {
	case "peritagem":
		return StagePeritagem, nil
	case "execucao", "execução":
		return StageExecucao, nil
	case "checagem":
		return StageChecagem, nil
	case "conclusao", "conclusão":
		return StageConclusao, nil
	case "sucateamento":
		return StageSucateamento, nil
	default:
		return "", fmt.Errorf("tracker: unknown stage %q", s)
	}
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	switch s {
	case StagePeritagem, StageExecucao, StageChecagem, StageConclusao, StageSucateamento:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition is possible from s.
func (s Stage) Terminal() bool {
	return s == StageConclusao || s == StageSucateamento
}

// Next returns the stage that follows s in the normal workflow.
func (s Stage) Next() (Stage, bool) {
	for i, st := range workflow[:len(workflow)-1] {
		if st == s {
			return workflow[i+1], true
		}
	}

	return "", false
}

// CanTransition reports whether a sector may move from one stage to another:
// one step forward along the workflow, or to sucateamento from any
// non-terminal stage.
func CanTransition(from, to Stage) bool {
	if from.Terminal() {
		return false
	}

	if to == StageSucateamento {
		return true
	}

	next, ok := from.Next()

	return ok && next == to
}

// Photo is evidence attached to a sector for one stage. Path points into the
// backend's object storage.
type Photo struct {
	Stage Stage  `json:"stage"`
	Path  string `json:"path"`
}

// Sector is a filter unit tracked through the workflow.
type Sector struct {
	ID         string    `json:"id"`
	Tag        string    `json:"tag"`
	CycleCount int64     `json:"cycle_count"`
	Stage      Stage     `json:"stage"`
	Notes      string    `json:"notes,omitempty"`
	Photos     []Photo   `json:"photos,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// HasPhoto reports whether s carries at least one photo for stage.
func (s Sector) HasPhoto(stage Stage) bool {
	for _, p := range s.Photos {
		if p.Stage == stage {
			return true
		}
	}

	return false
}

// Cycle is one pass of a sector through the workflow.
type Cycle struct {
	ID          string     `json:"id"`
	SectorID    string     `json:"sector_id"`
	CycleNumber int        `json:"cycle_number"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Outcome     string     `json:"outcome,omitempty"`
}

// Service is a repair service performed during a cycle.
type Service struct {
	ID          string `json:"id"`
	CycleID     string `json:"cycle_id"`
	ServiceType string `json:"service_type"`
	Description string `json:"description,omitempty"`
	Done        bool   `json:"done"`
}
