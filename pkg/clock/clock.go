// Package clock provides the time source used by routing and peer state.
//
// Components receive a Clock rather than calling time.Now directly so tests
// can replay exact sequences of timestamps. A Switch is live until Mock is
// called; while the returned Guard is held, every read pops a pre-seeded
// sample and running out of samples panics.
package clock

import (
	"sync"
	"time"
)

const (
	errNotMocked  = "use clock.Switch.Mock in tests"
	errExhausted  = "mock clock ran out of samples"
	defaultQueueN = 16
)

type Clock interface {
	// Now returns wall-clock time in UTC.
	Now() time.Time
	// Instant returns a reading suitable for measuring elapsed time.
	Instant() time.Time
}

var _ Clock = Live{}

type Live struct{}

func (Live) Now() time.Time { return time.Now().UTC() }

func (Live) Instant() time.Time { return time.Now() }

var _ Clock = (*Switch)(nil)

type Switch struct {
	base             time.Time
	utc              []time.Time
	durations        []time.Duration
	utcCallCount     uint64
	instantCallCount uint64
	mu               sync.Mutex
	mocked           bool
}

func NewSwitch() *Switch {
	return &Switch{}
}

type Guard struct {
	sw   *Switch
	once sync.Once
}

// Mock puts the switch into mock mode until the returned guard is released.
func (s *Switch) Mock() *Guard {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.resetLocked()
	s.mocked = true
	s.base = time.Now()
	return &Guard{sw: s}
}

// Release restores live mode and drops any unconsumed samples. Safe to call
// more than once.
func (g *Guard) Release() {
	g.once.Do(func() {
		g.sw.mu.Lock()
		defer g.sw.mu.Unlock()
		g.sw.resetLocked()
	})
}

func (s *Switch) resetLocked() {
	s.utc = make([]time.Time, 0, defaultQueueN)
	s.durations = make([]time.Duration, 0, defaultQueueN)
	s.utcCallCount = 0
	s.instantCallCount = 0
	s.base = time.Time{}
	s.mocked = false
}

func (s *Switch) AddUTC(ts ...time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.mocked {
		panic(errNotMocked)
	}
	for _, t := range ts {
		s.utc = append(s.utc, t.UTC())
	}
}

// AddInstant queues readings expressed as offsets from the moment Mock was
// called.
func (s *Switch) AddInstant(ds ...time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.mocked {
		panic(errNotMocked)
	}
	s.durations = append(s.durations, ds...)
}

func (s *Switch) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.mocked {
		return time.Now().UTC()
	}

	s.utcCallCount++
	if len(s.utc) == 0 {
		panic(errExhausted)
	}
	t := s.utc[0]
	s.utc = s.utc[1:]
	return t
}

func (s *Switch) Instant() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.mocked {
		return time.Now()
	}

	s.instantCallCount++
	if len(s.durations) == 0 {
		panic(errExhausted)
	}
	d := s.durations[0]
	s.durations = s.durations[1:]
	return s.base.Add(d)
}

func (s *Switch) UTCCallCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.utcCallCount
}

func (s *Switch) InstantCallCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.instantCallCount
}

// ToTimestamp encodes t as unix nanoseconds. Times before the epoch clamp to 0.
func ToTimestamp(t time.Time) uint64 {
	n := t.UnixNano()
	if n < 0 {
		return 0
	}
	return uint64(n)
}

func FromTimestamp(ts uint64) time.Time {
	return time.Unix(0, int64(ts)).UTC() //nolint:gosec
}
