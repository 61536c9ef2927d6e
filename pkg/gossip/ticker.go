package gossip

import (
	"context"
	"math/rand/v2"
	"time"
)

const jitterScale = 2

// ticker fires roughly every base, spread by ±percent. Poke fires it early.
type ticker struct {
	C    <-chan time.Time
	poke chan struct{}
	stop context.CancelFunc
}

func newTicker(ctx context.Context, base time.Duration, percent float64) *ticker {
	tickCh := make(chan time.Time)
	poke := make(chan struct{}, 1)
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		defer close(tickCh)
		timer := time.NewTimer(jitter(base, percent))
		defer timer.Stop()
		for {
			var t time.Time
			select {
			case <-ctx.Done():
				return
			case <-poke:
				t = time.Now()
			case t = <-timer.C:
			}
			select {
			case <-ctx.Done():
				return
			case tickCh <- t:
			}
			timer.Reset(jitter(base, percent))
		}
	}()
	return &ticker{C: tickCh, poke: poke, stop: cancel}
}

func (t *ticker) Poke() {
	select {
	case t.poke <- struct{}{}:
	default:
	}
}

func (t *ticker) Stop() {
	t.stop()
}

func jitter(d time.Duration, percent float64) time.Duration {
	if percent <= 0 {
		return d
	}
	delta := time.Duration(float64(d) * percent)
	if delta <= 0 {
		return d
	}
	n := int64(delta)*jitterScale + 1
	offset := time.Duration(rand.N(n)) - delta //nolint:gosec
	return d + offset
}
