// Package tracker implements the sector workflow actions. Every mutating
// action is validated first, then sent to the backend through the health
// monitor's auth-retry wrapper; when the backend cannot be reached the
// action is stored in the offline queue instead.
package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/filtertrack/sectorsync/internal/backend"
	"github.com/filtertrack/sectorsync/internal/health"
	"github.com/filtertrack/sectorsync/internal/queue"
)

// Enqueuer stores operations for later replay. *queue.Queue implements it.
type Enqueuer interface {
	Add(ctx context.Context, op queue.PendingOperation) bool
}

// Result reports the outcome of a mutating action that did not fail.
type Result struct {
	ID     string
	Queued bool // stored offline, not yet on the backend
}

// SectorInput is the data for a new sector.
type SectorInput struct {
	Tag    string
	Notes  string
	Photos []Photo
}

// SectorPatch changes selected sector fields. Nil fields are left alone;
// Photos are appended.
type SectorPatch struct {
	Tag    *string
	Notes  *string
	Photos []Photo
}

// CycleInput is the data for a new cycle.
type CycleInput struct {
	SectorID    string
	CycleNumber int
	StartedAt   time.Time
	FinishedAt  *time.Time
	Outcome     string
}

// ServiceInput is the data for a new service record.
type ServiceInput struct {
	CycleID     string
	ServiceType string
	Description string
	Done        bool
}

// Tracker runs workflow actions.
type Tracker struct {
	writer  *Writer
	monitor *health.Monitor
	queue   Enqueuer
	logger  *slog.Logger
	nowFunc func() time.Time
	newID   func() string
}

// New returns a Tracker. q may be nil, in which case network failures are
// returned as errors instead of being queued.
func New(w *Writer, m *health.Monitor, q Enqueuer, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}

	return &Tracker{
		writer:  w,
		monitor: m,
		queue:   q,
		logger:  logger,
		nowFunc: time.Now,
		newID:   uuid.NewString,
	}
}

// SetQueue attaches the offline queue. The queue replays through the
// tracker, so it can only be opened after the tracker exists.
func (t *Tracker) SetQueue(q Enqueuer) {
	t.queue = q
}

// Apply replays a queued operation. It implements queue.Writer.
// Authentication failures go through the refresh-and-retry wrapper and a
// notice is raised when the user must log in again. A network failure marks
// the monitor offline, so the next successful check is a transition to
// online and triggers another flush.
func (t *Tracker) Apply(ctx context.Context, op queue.PendingOperation) error {
	_, err := health.ExecuteWithAuthCheck(ctx, t.monitor, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, t.writer.Apply(ctx, op)
	}, health.AuthOptions{})

	if backend.IsNetwork(err) && ctx.Err() == nil {
		t.monitor.MarkOffline()
	}

	return err
}

// CreateSector registers a new sector in the peritagem stage.
func (t *Tracker) CreateSector(ctx context.Context, in SectorInput) (Result, error) {
	if err := validateNewSector(in); err != nil {
		return Result{}, err
	}

	s := Sector{
		ID:        t.newID(),
		Tag:       NormalizeTag(in.Tag),
		Stage:     StagePeritagem,
		Notes:     in.Notes,
		Photos:    in.Photos,
		UpdatedAt: t.nowFunc().UTC(),
	}

	return t.submit(ctx, s.ID, queue.OpCreate, queue.EntitySector, s)
}

// UpdateSector applies patch to sector id. existing is the sector's current
// photo list, used to append patch.Photos; it may be nil.
func (t *Tracker) UpdateSector(ctx context.Context, id string, existing []Photo, patch SectorPatch) (Result, error) {
	if err := validatePatch(patch); err != nil {
		return Result{}, err
	}

	fields := map[string]any{"updated_at": t.nowFunc().UTC()}

	if patch.Tag != nil {
		fields["tag"] = NormalizeTag(*patch.Tag)
	}

	if patch.Notes != nil {
		fields["notes"] = *patch.Notes
	}

	if len(patch.Photos) > 0 {
		fields["photos"] = append(append([]Photo(nil), existing...), patch.Photos...)
	}

	return t.submit(ctx, id, queue.OpUpdate, queue.EntitySector, fields)
}

// AdvanceStage moves s to stage to, attaching photos.
func (t *Tracker) AdvanceStage(ctx context.Context, s Sector, to Stage, photos []Photo) (Result, error) {
	if err := validateAdvance(s, to, photos); err != nil {
		return Result{}, err
	}

	fields := map[string]any{
		"stage":      to,
		"updated_at": t.nowFunc().UTC(),
	}

	if len(photos) > 0 {
		fields["photos"] = append(append([]Photo(nil), s.Photos...), photos...)
	}

	t.logger.Info("tracker: advancing sector",
		slog.String("id", s.ID),
		slog.String("from", string(s.Stage)),
		slog.String("to", string(to)),
	)

	return t.submit(ctx, s.ID, queue.OpUpdate, queue.EntitySector, fields)
}

// DeleteSector removes a sector.
func (t *Tracker) DeleteSector(ctx context.Context, id string) (Result, error) {
	if id == "" {
		return Result{}, fmt.Errorf("%w: sector id is required", ErrInvalid)
	}

	return t.submit(ctx, id, queue.OpDelete, queue.EntitySector, nil)
}

// RecordCycle creates a cycle for a sector.
func (t *Tracker) RecordCycle(ctx context.Context, in CycleInput) (Result, error) {
	if err := validateCycle(in); err != nil {
		return Result{}, err
	}

	c := Cycle{
		ID:          t.newID(),
		SectorID:    in.SectorID,
		CycleNumber: in.CycleNumber,
		StartedAt:   in.StartedAt,
		FinishedAt:  in.FinishedAt,
		Outcome:     in.Outcome,
	}

	if c.StartedAt.IsZero() {
		c.StartedAt = t.nowFunc().UTC()
	}

	return t.submit(ctx, c.ID, queue.OpCreate, queue.EntityCycle, c)
}

// RecordService creates a service record for a cycle.
func (t *Tracker) RecordService(ctx context.Context, in ServiceInput) (Result, error) {
	if err := validateService(in); err != nil {
		return Result{}, err
	}

	s := Service{
		ID:          t.newID(),
		CycleID:     in.CycleID,
		ServiceType: in.ServiceType,
		Description: in.Description,
		Done:        in.Done,
	}

	return t.submit(ctx, s.ID, queue.OpCreate, queue.EntityService, s)
}

// DeleteService removes a service record.
func (t *Tracker) DeleteService(ctx context.Context, id string) (Result, error) {
	if id == "" {
		return Result{}, fmt.Errorf("%w: service id is required", ErrInvalid)
	}

	return t.submit(ctx, id, queue.OpDelete, queue.EntityService, nil)
}

// GetSector reads a sector through the auth-retry wrapper.
func (t *Tracker) GetSector(ctx context.Context, id string) (Sector, error) {
	return health.ExecuteWithAuthCheck(ctx, t.monitor, func(ctx context.Context) (Sector, error) {
		return t.writer.GetSector(ctx, id)
	}, health.AuthOptions{Silent: true})
}

// submit sends the operation, or queues it when the backend is unreachable.
// While the monitor already reports offline the direct attempt is skipped.
func (t *Tracker) submit(ctx context.Context, id string, op queue.Operation, entity queue.EntityType, data any) (Result, error) {
	pending, err := queue.NewOperation(id, op, entity, data)
	if err != nil {
		return Result{}, err
	}

	if t.monitor.Status() == health.StatusOffline {
		return t.enqueue(ctx, pending, nil)
	}

	_, err = health.ExecuteWithAuthCheck(ctx, t.monitor, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, t.writer.Apply(ctx, pending)
	}, health.AuthOptions{Silent: true})

	switch {
	case err == nil:
		return Result{ID: id}, nil
	case backend.IsNetwork(err) && ctx.Err() == nil:
		t.monitor.MarkOffline()
		return t.enqueue(ctx, pending, err)
	default:
		return Result{}, fmt.Errorf("tracker: %s %s %s: %w", op, entity, id, err)
	}
}

func (t *Tracker) enqueue(ctx context.Context, op queue.PendingOperation, cause error) (Result, error) {
	if t.queue == nil {
		if cause == nil {
			cause = backend.ErrUnreachable
		}

		return Result{}, fmt.Errorf("tracker: %s %s %s: %w", op.Operation, op.EntityType, op.ID, cause)
	}

	attrs := []any{slog.String("key", op.Key().String())}
	if cause != nil {
		attrs = append(attrs, slog.String("cause", cause.Error()))
	}

	t.logger.Info("tracker: backend unreachable, queuing operation", attrs...)
	t.queue.Add(ctx, op)

	return Result{ID: op.ID, Queued: true}, nil
}
