package agent

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/filtertrack/sectorsync/internal/backend"
	"github.com/filtertrack/sectorsync/internal/cyclecount"
	"github.com/filtertrack/sectorsync/internal/health"
	"github.com/filtertrack/sectorsync/internal/queue"
	"github.com/filtertrack/sectorsync/internal/tracker"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// scriptedMonitor lets a test drive status transitions by hand.
type scriptedMonitor struct {
	mu        sync.Mutex
	listeners []health.StatusListener
	status    health.Status
	running   chan struct{}
}

func newScriptedMonitor(initial health.Status) *scriptedMonitor {
	return &scriptedMonitor{status: initial, running: make(chan struct{})}
}

func (m *scriptedMonitor) Run(ctx context.Context) error {
	close(m.running)
	<-ctx.Done()

	return nil
}

func (m *scriptedMonitor) OnStatusChange(fn health.StatusListener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

func (m *scriptedMonitor) set(next health.Status) {
	m.mu.Lock()
	old := m.status
	m.status = next
	listeners := append([]health.StatusListener(nil), m.listeners...)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(old, next)
	}
}

type memStorage struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (s *memStorage) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.data[key]

	return v, ok, nil
}

func (s *memStorage) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[key] = value

	return nil
}

func (s *memStorage) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, key)

	return nil
}

func (s *memStorage) has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.data[key]

	return ok
}

type okWriter struct {
	mu      sync.Mutex
	applied []queue.PendingOperation
}

func (w *okWriter) Apply(_ context.Context, op queue.PendingOperation) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.applied = append(w.applied, op)

	return nil
}

func startAgent(t *testing.T, a *Agent) (cancel func()) {
	t.Helper()

	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- a.Run(ctx) }()

	return func() {
		stop()

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("agent did not stop")
		}
	}
}

func TestAgent_OfflineToOnlineFlushesQueue(t *testing.T) {
	ctx := context.Background()
	store := &memStorage{data: map[string][]byte{}}
	w := &okWriter{}
	q := queue.Open(ctx, store, w, queue.Options{Logger: testLogger()})
	mon := newScriptedMonitor(health.StatusOffline)

	a := New(mon, q, testLogger())

	flushed := make(chan queue.SyncResult, 1)
	a.OnFlush(func(res queue.SyncResult) { flushed <- res })

	stop := startAgent(t, a)
	defer stop()

	<-mon.running

	op, err := queue.NewOperation("s1", queue.OpUpdate, queue.EntitySector, map[string]string{"tag": "X"})
	require.NoError(t, err)
	require.True(t, q.Add(ctx, op))
	assert.Equal(t, 1, q.Len())
	assert.True(t, store.has(queue.StorageKey))

	mon.set(health.StatusOnline)

	select {
	case res := <-flushed:
		assert.Equal(t, 1, res.Succeeded)
	case <-time.After(2 * time.Second):
		t.Fatal("queue was not flushed after going online")
	}

	assert.Equal(t, 0, q.Len())
	assert.False(t, store.has(queue.StorageKey))
	require.Len(t, w.applied, 1)
	assert.Equal(t, "s1", w.applied[0].ID)
}

func TestAgent_NoTriggerWhenEmptyOrOffline(t *testing.T) {
	ctx := context.Background()
	q := queue.Open(ctx, &memStorage{data: map[string][]byte{}}, &okWriter{}, queue.Options{Logger: testLogger()})
	mon := newScriptedMonitor(health.StatusChecking)
	a := New(mon, q, testLogger())

	mon.set(health.StatusOnline)
	assert.Empty(t, a.trigger, "empty queue")

	op, err := queue.NewOperation("s1", queue.OpDelete, queue.EntitySector, nil)
	require.NoError(t, err)
	q.Add(ctx, op)

	mon.set(health.StatusOffline)
	assert.Empty(t, a.trigger, "offline")

	mon.set(health.StatusOnline)
	assert.Len(t, a.trigger, 1)

	a.Trigger()
	assert.Len(t, a.trigger, 1, "requests coalesce")
}

type toggleProber struct {
	mu   sync.Mutex
	down bool
}

func (p *toggleProber) PingInternet(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.down {
		return errors.New("network is unreachable")
	}

	return nil
}

func (p *toggleProber) PingBackend(context.Context) error { return nil }

type validSession struct{}

func (validSession) Session(context.Context) (*backend.Session, error) {
	return &backend.Session{UserID: "u-1", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (validSession) Refresh(context.Context) error { return nil }
func (validSession) UserID() string               { return "u-1" }

func TestAgent_RealMonitorFlushesOnStartup(t *testing.T) {
	ctx := context.Background()
	store := &memStorage{data: map[string][]byte{}}
	w := &okWriter{}
	q := queue.Open(ctx, store, w, queue.Options{Logger: testLogger()})

	op, err := queue.NewOperation("c1", queue.OpCreate, queue.EntityCycle, map[string]int{"cycle_number": 1})
	require.NoError(t, err)
	q.Add(ctx, op)

	mon := health.New(&toggleProber{}, validSession{}, health.DefaultConfig(), health.Options{Logger: testLogger()})
	a := New(mon, q, testLogger())

	stop := startAgent(t, a)
	defer stop()

	require.Eventually(t, func() bool { return q.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, health.StatusOnline, mon.Status())
	assert.False(t, store.has(queue.StorageKey))
}

// dropFirstInsert is a tracker backend whose first insert fails as if the
// connection dropped.
type dropFirstInsert struct {
	mu      sync.Mutex
	inserts int
}

func (b *dropFirstInsert) Insert(context.Context, string, any) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.inserts++
	if b.inserts == 1 {
		return &backend.Error{Kind: backend.KindNetwork, Message: "connection reset by peer", Err: backend.ErrUnreachable}
	}

	return nil
}

func (b *dropFirstInsert) Update(context.Context, string, string, any) error { return nil }
func (b *dropFirstInsert) Delete(context.Context, string, string) error      { return nil }

func (b *dropFirstInsert) Select(context.Context, string, url.Values, any) error { return nil }

func (b *dropFirstInsert) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.inserts
}

func TestAgent_ReplayNetworkFailureRetriedOnNextPoll(t *testing.T) {
	ctx := context.Background()
	api := &dropFirstInsert{}

	cfg := health.DefaultConfig()
	cfg.PollInterval = 5 * time.Millisecond
	cfg.ReconnectInterval = 5 * time.Millisecond
	mon := health.New(&toggleProber{}, validSession{}, cfg, health.Options{Logger: testLogger()})

	tr := tracker.New(tracker.NewWriter(api, cyclecount.NewAllocator(nil, testLogger(), nil), testLogger()),
		mon, nil, testLogger())
	store := &memStorage{data: map[string][]byte{}}
	q := queue.Open(ctx, store, tr, queue.Options{Logger: testLogger()})
	tr.SetQueue(q)

	op, err := queue.NewOperation("c1", queue.OpCreate, queue.EntityCycle, map[string]any{"id": "c1", "cycle_number": 1})
	require.NoError(t, err)
	q.Add(ctx, op)

	stop := startAgent(t, New(mon, q, testLogger()))
	defer stop()

	require.Eventually(t, func() bool { return q.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, api.count())
	assert.False(t, store.has(queue.StorageKey))
}

// gatedWriter fails its first Apply once release is closed and accepts the
// rest.
type gatedWriter struct {
	started chan struct{}
	release chan struct{}

	mu    sync.Mutex
	calls int
}

func (w *gatedWriter) Apply(ctx context.Context, _ queue.PendingOperation) error {
	w.mu.Lock()
	w.calls++
	first := w.calls == 1
	w.mu.Unlock()

	if !first {
		return nil
	}

	close(w.started)

	select {
	case <-w.release:
		return errors.New("connection reset by peer")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestAgent_OnlineDuringFlushTriggersAnother(t *testing.T) {
	ctx := context.Background()
	w := &gatedWriter{started: make(chan struct{}), release: make(chan struct{})}
	q := queue.Open(ctx, &memStorage{data: map[string][]byte{}}, w, queue.Options{Logger: testLogger()})
	mon := newScriptedMonitor(health.StatusOffline)
	a := New(mon, q, testLogger())

	flushed := make(chan queue.SyncResult, 2)
	a.OnFlush(func(res queue.SyncResult) { flushed <- res })

	stop := startAgent(t, a)
	defer stop()

	<-mon.running

	op, err := queue.NewOperation("s1", queue.OpDelete, queue.EntitySector, nil)
	require.NoError(t, err)
	q.Add(ctx, op)

	mon.set(health.StatusOnline)
	<-w.started

	// The connection drops and returns while the first flush is still running.
	mon.set(health.StatusOffline)
	mon.set(health.StatusOnline)
	close(w.release)

	for _, want := range []queue.SyncResult{{Attempted: 1, Failed: 1}, {Attempted: 1, Succeeded: 1}} {
		select {
		case res := <-flushed:
			assert.Equal(t, want, res)
		case <-time.After(2 * time.Second):
			t.Fatal("expected another flush after the mid-flush reconnect")
		}
	}

	assert.Equal(t, 0, q.Len())
}
