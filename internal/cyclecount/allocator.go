package cyclecount

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/filtertrack/sectorsync/internal/backend"
	"github.com/filtertrack/sectorsync/internal/metrics"
)

// Defaults for Allocator.
const (
	DefaultMaxAttempts = 15
	DefaultBaseDelay   = 500 * time.Millisecond
	DefaultMaxDelay    = 30 * time.Second
)

// ErrExhausted is returned when every attempt collided.
var ErrExhausted = errors.New("cyclecount: no unique cycle count found")

// WriteFunc performs the write with the given candidate. It must return an
// error classified as backend.KindDuplicate when the candidate collides.
type WriteFunc func(ctx context.Context, cycleCount int64) error

// Allocator drives a WriteFunc through candidates until one is accepted.
type Allocator struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	gen       *Generator
	logger    *slog.Logger
	metrics   *metrics.Metrics
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewAllocator returns an Allocator with default limits. gen may be nil.
func NewAllocator(gen *Generator, logger *slog.Logger, m *metrics.Metrics) *Allocator {
	if gen == nil {
		gen = NewGenerator()
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Allocator{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		gen:         gen,
		logger:      logger,
		metrics:     m,
		sleepFunc:   timeSleep,
	}
}

// Allocate calls write with successive candidates and returns the one that
// was accepted. A duplicate-key error moves on to the next candidate after a
// doubling delay; any other error is returned at once.
func (a *Allocator) Allocate(ctx context.Context, write WriteFunc) (int64, error) {
	attempts := a.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}

	var lastErr error

	for attempt := range attempts {
		candidate := a.gen.Candidate(attempt)

		err := write(ctx, candidate)
		if err == nil {
			a.metrics.CycleCountAttempts(attempt + 1)

			if attempt > 0 {
				a.logger.Info("cyclecount: allocated after collisions",
					slog.Int("attempts", attempt+1),
					slog.Int64("cycle_count", candidate),
				)
			}

			return candidate, nil
		}

		if !backend.IsDuplicate(err) {
			return 0, fmt.Errorf("cyclecount: write failed on attempt %d: %w", attempt+1, err)
		}

		lastErr = err

		a.logger.Debug("cyclecount: candidate collided",
			slog.Int("attempt", attempt+1),
			slog.Int64("cycle_count", candidate),
		)

		if attempt == attempts-1 {
			break
		}

		if sleepErr := a.sleepFunc(ctx, a.delay(attempt)); sleepErr != nil {
			return 0, fmt.Errorf("cyclecount: allocation canceled: %w", sleepErr)
		}
	}

	a.metrics.CycleCountAttempts(attempts)

	return 0, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, lastErr)
}

// delay is the wait after the given zero-based failed attempt.
func (a *Allocator) delay(attempt int) time.Duration {
	base := a.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}

	d := base
	for range attempt {
		d *= 2

		if a.MaxDelay > 0 && d >= a.MaxDelay {
			return a.MaxDelay
		}
	}

	if a.MaxDelay > 0 && d > a.MaxDelay {
		return a.MaxDelay
	}

	return d
}

func timeSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
