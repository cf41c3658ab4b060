// Package cyclecount picks cycle-count values for sector writes that must be
// unique per (tag, cycle_count). Candidates are random and only make
// collisions unlikely; the Allocator retries when the backend reports one.
package cyclecount

import (
	"encoding/binary"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
)

// uuidStage is the first attempt index that draws from a random UUID.
const uuidStage = 6

// maxSafeInt keeps candidates within 53 bits so JSON consumers using
// float64 numbers read them back exactly.
const maxSafeInt = 1<<53 - 1

// Generator produces candidate cycle counts. The zero value is not usable;
// call NewGenerator.
type Generator struct {
	nowFunc func() time.Time
	randInt func(n int64) int64 // uniform in [0, n)
	newUUID func() uuid.UUID
}

// NewGenerator returns a Generator backed by the wall clock and math/rand.
func NewGenerator() *Generator {
	return &Generator{
		nowFunc: time.Now,
		randInt: rand.Int64N,
		newUUID: uuid.New,
	}
}

// Candidate returns the cycle count to try on the given zero-based attempt.
// Attempt 0 is the current time in milliseconds plus up to a second of
// jitter; attempts 1 to 5 widen the jitter tenfold each; later attempts use
// 53 bits of a random UUID.
func (g *Generator) Candidate(attempt int) int64 {
	if attempt >= uuidStage {
		id := g.newUUID()
		v := int64(binary.BigEndian.Uint64(id[:8]) & maxSafeInt)

		if v == 0 {
			v = 1
		}

		return v
	}

	span := int64(1000)
	for range max(attempt, 0) {
		span *= 10
	}

	return g.nowFunc().UnixMilli() + g.randInt(span)
}
