// Package scheduler implements the tick-based coordination core.
//
// A single loop wakes on a fixed tick and evaluates due-predicates against
// an injected clock: daily summarization, the retention sweep, drawing and
// firing randomized post slots, and the optional auto-comment sweep. All
// external calls run on worker goroutines so one slow call never delays the
// other due checks. Durable bookkeeping lives in the schedule state row and
// is written before an action is considered done.
//
// Clock injection: the engine accepts a clock interface so tests can advance
// time precisely without relying on wall-clock sleeps.
package scheduler

import (
	"math/rand"
	"sync"
	"time"
)

// Clock is an interface over time.Now and time.After, allowing tests to
// substitute a controlled fake clock that advances on demand.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// realClock delegates to the standard library.
type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// lockedRand serialises access to a rand.Rand so draws from worker
// goroutines and the tick loop stay race-free while remaining reproducible
// under a fixed seed.
type lockedRand struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func newLockedRand(rng *rand.Rand) *lockedRand {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &lockedRand{rng: rng}
}

func (l *lockedRand) Int63n(n int64) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rng.Int63n(n)
}

func (l *lockedRand) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rng.Float64()
}
