package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/filtertrack/sectorsync/internal/backend"
	"github.com/filtertrack/sectorsync/internal/cyclecount"
	"github.com/filtertrack/sectorsync/internal/queue"
)

// Backend is the table API the tracker writes through. *backend.Client
// implements it.
type Backend interface {
	Insert(ctx context.Context, table string, row any) error
	Update(ctx context.Context, table, id string, patch any) error
	Delete(ctx context.Context, table, id string) error
	Select(ctx context.Context, table string, query url.Values, out any) error
}

// Writer turns a pending operation into backend writes. The same code path
// serves direct calls and queue replay.
type Writer struct {
	backend Backend
	alloc   *cyclecount.Allocator
	logger  *slog.Logger
}

// NewWriter returns a Writer. alloc picks cycle counts for sector writes.
func NewWriter(b Backend, alloc *cyclecount.Allocator, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}

	return &Writer{backend: b, alloc: alloc, logger: logger}
}

// errAlreadyApplied stops allocation when the row itself already exists.
var errAlreadyApplied = errors.New("tracker: row already exists")

var entityTables = map[queue.EntityType]string{
	queue.EntitySector:  backend.TableSectors,
	queue.EntityCycle:   backend.TableCycles,
	queue.EntityService: backend.TableServices,
}

// Apply performs op against the backend.
func (w *Writer) Apply(ctx context.Context, op queue.PendingOperation) error {
	table, ok := entityTables[op.EntityType]
	if !ok {
		return fmt.Errorf("tracker: unknown entity type %q", op.EntityType)
	}

	switch {
	case op.Operation == queue.OpDelete:
		return w.backend.Delete(ctx, table, op.ID)
	case op.EntityType == queue.EntitySector && op.Operation == queue.OpCreate:
		return w.createSector(ctx, op)
	case op.EntityType == queue.EntitySector && op.Operation == queue.OpUpdate:
		return w.updateSector(ctx, op)
	case op.Operation == queue.OpCreate:
		return w.insertOnce(ctx, table, op)
	case op.Operation == queue.OpUpdate:
		return w.backend.Update(ctx, table, op.ID, op.Data)
	default:
		return fmt.Errorf("tracker: unknown operation %q", op.Operation)
	}
}

// createSector inserts the sector with a freshly allocated cycle count.
func (w *Writer) createSector(ctx context.Context, op queue.PendingOperation) error {
	var s Sector
	if err := json.Unmarshal(op.Data, &s); err != nil {
		return fmt.Errorf("tracker: decoding sector %s: %w", op.ID, err)
	}

	n, err := w.alloc.Allocate(ctx, func(ctx context.Context, candidate int64) error {
		s.CycleCount = candidate

		err := w.backend.Insert(ctx, backend.TableSectors, s)
		if backend.IsPrimaryKeyDuplicate(err) {
			return errAlreadyApplied
		}

		return err
	})
	if errors.Is(err, errAlreadyApplied) {
		w.logger.Info("tracker: sector already on the backend, treating create as applied",
			slog.String("id", s.ID),
		)

		return nil
	}

	if err != nil {
		return err
	}

	w.logger.Debug("tracker: sector created",
		slog.String("id", s.ID),
		slog.String("tag", s.Tag),
		slog.Int64("cycle_count", n),
	)

	return nil
}

// updateSector patches the sector. A patch that collides on (tag,
// cycle_count) is retried with newly allocated cycle counts.
func (w *Writer) updateSector(ctx context.Context, op queue.PendingOperation) error {
	err := w.backend.Update(ctx, backend.TableSectors, op.ID, op.Data)
	if !backend.IsDuplicate(err) || backend.IsPrimaryKeyDuplicate(err) {
		return err
	}

	var patch map[string]any
	if err := json.Unmarshal(op.Data, &patch); err != nil {
		return fmt.Errorf("tracker: decoding sector %s patch: %w", op.ID, err)
	}

	w.logger.Info("tracker: sector update collided, allocating new cycle count",
		slog.String("id", op.ID),
	)

	_, err = w.alloc.Allocate(ctx, func(ctx context.Context, candidate int64) error {
		patch["cycle_count"] = candidate
		return w.backend.Update(ctx, backend.TableSectors, op.ID, patch)
	})

	return err
}

// insertOnce inserts op's row. A replay whose earlier insert committed
// without the response arriving finds its own id taken; that counts as done.
func (w *Writer) insertOnce(ctx context.Context, table string, op queue.PendingOperation) error {
	err := w.backend.Insert(ctx, table, op.Data)
	if backend.IsPrimaryKeyDuplicate(err) {
		w.logger.Info("tracker: row already on the backend, treating create as applied",
			slog.String("table", table),
			slog.String("id", op.ID),
		)

		return nil
	}

	return err
}

// GetSector reads a sector by id.
func (w *Writer) GetSector(ctx context.Context, id string) (Sector, error) {
	var rows []Sector

	q := url.Values{"id": {backend.Eq(id)}}
	if err := w.backend.Select(ctx, backend.TableSectors, q, &rows); err != nil {
		return Sector{}, err
	}

	if len(rows) == 0 {
		return Sector{}, &backend.Error{Kind: backend.KindNotFound, StatusCode: 404,
			Message: fmt.Sprintf("sector %s not found", id), Err: backend.ErrNotFound}
	}

	return rows[0], nil
}
