// Package queue buffers mutating operations that could not reach the
// backend and replays them, oldest first, when connectivity returns.
//
// The queue holds at most one operation per (id, entityType): adding a new
// operation for the same key replaces the old one without merging fields.
// Every change is mirrored to durable storage as one JSON array under
// StorageKey; an empty queue removes the key. Failed operations stay queued
// for the next flush with no retry limit, so this is best-effort delivery,
// not a guaranteed-delivery log.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/filtertrack/sectorsync/internal/metrics"
	"github.com/filtertrack/sectorsync/internal/notice"
)

// StorageKey is the storage key holding the persisted queue.
const StorageKey = "pendingOperations"

// Storage is the durable key/value store the queue mirrors itself into.
type Storage interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
}

// Writer sends one pending operation to the backend.
type Writer interface {
	Apply(ctx context.Context, op PendingOperation) error
}

// Options carries the queue's optional collaborators.
type Options struct {
	Notifier notice.Notifier
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// Queue is the offline operation queue. Safe for concurrent use.
type Queue struct {
	store    Storage
	writer   Writer
	notifier notice.Notifier
	logger   *slog.Logger
	metrics  *metrics.Metrics
	nowFunc  func() time.Time

	mu      sync.Mutex
	ops     []PendingOperation // insertion order
	syncing bool
}

// Open loads the persisted queue from store. A missing or unreadable value
// yields an empty queue rather than an error.
func Open(ctx context.Context, store Storage, writer Writer, opts Options) *Queue {
	if opts.Notifier == nil {
		opts.Notifier = notice.Discard
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	q := &Queue{
		store:    store,
		writer:   writer,
		notifier: opts.Notifier,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		nowFunc:  time.Now,
	}

	q.ops = q.load(ctx)
	q.metrics.SetQueueDepth(len(q.ops))

	return q
}

func (q *Queue) load(ctx context.Context) []PendingOperation {
	raw, ok, err := q.store.Get(ctx, StorageKey)
	if err != nil {
		q.logger.Warn("queue: reading persisted operations failed, starting empty",
			slog.String("error", err.Error()),
		)

		return nil
	}

	if !ok {
		return nil
	}

	var ops []PendingOperation
	if err := json.Unmarshal(raw, &ops); err != nil {
		q.logger.Warn("queue: persisted operations unparsable, starting empty",
			slog.String("error", err.Error()),
		)

		return nil
	}

	// Collapse duplicates a damaged store may hold, keeping the newest.
	out := make([]PendingOperation, 0, len(ops))
	for _, op := range ops {
		out = upsert(out, op)
	}

	q.logger.Info("queue: loaded pending operations", slog.Int("count", len(out)))

	return out
}

// Add upserts op by (id, entityType) and persists the queue. A zero
// timestamp is stamped with the current time. Add always reports true: a
// storage failure is logged and the operation is still held in memory.
func (q *Queue) Add(ctx context.Context, op PendingOperation) bool {
	if op.Timestamp == 0 {
		op.Timestamp = q.nowFunc().UnixMilli()
	}

	q.mu.Lock()
	q.ops = upsert(q.ops, op)
	depth := len(q.ops)
	q.persistLocked(ctx)
	q.mu.Unlock()

	q.metrics.SetQueueDepth(depth)
	q.logger.Info("queue: operation stored for later sync",
		slog.String("key", op.Key().String()),
		slog.String("operation", string(op.Operation)),
		slog.Int("pending", depth),
	)
	q.notifier.Notify(notice.Info(fmt.Sprintf(
		"Offline: %s %s saved on this device and will be sent when the connection returns.",
		op.EntityType, op.Operation)))

	return true
}

// upsert replaces the entry sharing op's key, moving it to the end.
func upsert(ops []PendingOperation, op PendingOperation) []PendingOperation {
	k := op.Key()
	ops = slices.DeleteFunc(ops, func(o PendingOperation) bool { return o.Key() == k })

	return append(ops, op)
}

// Sync flushes the queue oldest-first. Only one flush runs at a time; a
// call made while another is in progress returns immediately with Skipped
// set. Successful operations are removed together once the flush ends.
// Operations added during the flush are left for the next one.
func (q *Queue) Sync(ctx context.Context) SyncResult {
	q.mu.Lock()

	if q.syncing {
		q.mu.Unlock()
		q.logger.Debug("queue: sync already running, skipping")

		return SyncResult{Skipped: true}
	}

	if len(q.ops) == 0 {
		q.mu.Unlock()
		return SyncResult{}
	}

	q.syncing = true
	batch := slices.Clone(q.ops)
	q.mu.Unlock()

	sort.SliceStable(batch, func(i, j int) bool { return batch[i].Timestamp < batch[j].Timestamp })

	q.logger.Info("queue: syncing pending operations", slog.Int("count", len(batch)))

	var res SyncResult

	done := make(map[Key]int64, len(batch))

	for _, op := range batch {
		if ctx.Err() != nil {
			break
		}

		res.Attempted++

		if err := q.writer.Apply(ctx, op); err != nil {
			res.Failed++
			q.logger.Warn("queue: operation sync failed, keeping for retry",
				slog.String("key", op.Key().String()),
				slog.String("operation", string(op.Operation)),
				slog.String("error", err.Error()),
			)

			continue
		}

		res.Succeeded++
		done[op.Key()] = op.Timestamp
	}

	sent := func(o PendingOperation) bool {
		ts, ok := done[o.Key()]
		return ok && ts == o.Timestamp
	}

	q.mu.Lock()
	// An entry replaced during the flush carries a newer timestamp and stays.
	q.ops = slices.DeleteFunc(q.ops, sent)

	if res.Succeeded > 0 {
		persistCtx := context.WithoutCancel(ctx)
		// Another process may have queued operations since the batch was taken.
		q.mergeStoredLocked(persistCtx, sent)
		q.persistLocked(persistCtx)
	}

	depth := len(q.ops)

	q.syncing = false
	q.mu.Unlock()

	q.metrics.SetQueueDepth(depth)
	q.metrics.AddSynced(res.Succeeded, res.Failed)
	q.report(res)

	return res
}

func (q *Queue) report(res SyncResult) {
	q.logger.Info("queue: sync finished",
		slog.Int("attempted", res.Attempted),
		slog.Int("succeeded", res.Succeeded),
		slog.Int("failed", res.Failed),
	)

	switch {
	case res.Attempted == 0:
		return
	case res.Failed == 0:
		q.notifier.Notify(notice.Info(fmt.Sprintf("Synced %d pending operation(s).", res.Succeeded)))
	case res.Succeeded > 0:
		q.notifier.Notify(notice.Warn(fmt.Sprintf(
			"Synced %d of %d pending operations; %d will be retried.",
			res.Succeeded, res.Attempted, res.Failed)))
	default:
		q.notifier.Notify(notice.Error(fmt.Sprintf(
			"Could not sync %d pending operation(s); they stay queued.", res.Failed)).
			WithAction(notice.ActionRetry))
	}
}

// persistLocked mirrors q.ops to storage. Must hold q.mu.
func (q *Queue) persistLocked(ctx context.Context) {
	if len(q.ops) == 0 {
		if err := q.store.Remove(ctx, StorageKey); err != nil {
			q.logger.Error("queue: clearing persisted operations failed", slog.String("error", err.Error()))
		}

		return
	}

	data, err := json.Marshal(q.ops)
	if err != nil {
		q.logger.Error("queue: encoding operations failed", slog.String("error", err.Error()))
		return
	}

	if err := q.store.Set(ctx, StorageKey, data); err != nil {
		q.logger.Error("queue: persisting operations failed", slog.String("error", err.Error()))
	}
}

// Reload merges the persisted queue into memory after another process has
// written to the same storage. Per key the entry with the newer timestamp
// wins; entries only held in memory are kept. A reload during a flush is
// skipped. It returns the resulting queue length.
func (q *Queue) Reload(ctx context.Context) int {
	q.mu.Lock()

	if q.syncing {
		n := len(q.ops)
		q.mu.Unlock()

		return n
	}

	if q.mergeStoredLocked(ctx, nil) {
		q.persistLocked(ctx)
	}

	depth := len(q.ops)
	q.mu.Unlock()

	q.metrics.SetQueueDepth(depth)

	return depth
}

// mergeStoredLocked upserts every stored entry that is newer than its
// in-memory counterpart, ignoring those skip matches. It reports whether
// q.ops changed. Must hold q.mu.
func (q *Queue) mergeStoredLocked(ctx context.Context, skip func(PendingOperation) bool) bool {
	changed := false

	for _, stored := range q.load(ctx) {
		if skip != nil && skip(stored) {
			continue
		}

		i := slices.IndexFunc(q.ops, func(o PendingOperation) bool { return o.Key() == stored.Key() })
		if i >= 0 && q.ops[i].Timestamp >= stored.Timestamp {
			continue
		}

		q.ops = upsert(q.ops, stored)
		changed = true
	}

	return changed
}

// Pending returns a snapshot of the queued operations, oldest first.
func (q *Queue) Pending() []PendingOperation {
	q.mu.Lock()
	out := slices.Clone(q.ops)
	q.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })

	return out
}

// Len returns the number of queued operations.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.ops)
}

// HasPending reports whether any operation is queued.
func (q *Queue) HasPending() bool {
	return q.Len() > 0
}

// IsSyncing reports whether a flush is in progress.
func (q *Queue) IsSyncing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.syncing
}

// Clear drops every queued operation and removes the persisted key.
// It returns the number of operations discarded.
func (q *Queue) Clear(ctx context.Context) int {
	q.mu.Lock()
	n := len(q.ops)
	q.ops = nil
	q.persistLocked(ctx)
	q.mu.Unlock()

	q.metrics.SetQueueDepth(0)
	q.logger.Warn("queue: cleared pending operations", slog.Int("discarded", n))

	return n
}
