package clock

import (
	"sync"
	"time"
)

var _ Clock = (*Manual)(nil)

// Manual only moves when told to. Now and Instant report the same reading.
type Manual struct {
	now time.Time
	mu  sync.Mutex
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Instant() time.Time {
	return m.Now()
}

func (m *Manual) Advance(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
	return m.now
}

func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t.UTC()
}
