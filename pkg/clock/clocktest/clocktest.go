// Package clocktest holds test helpers for clock.Switch.
package clocktest

import (
	"testing"

	"github.com/sambigeara/meshroute/pkg/clock"
)

// MockFor mocks sw for the lifetime of t.
func MockFor(t testing.TB, sw *clock.Switch) *clock.Guard {
	t.Helper()
	g := sw.Mock()
	t.Cleanup(g.Release)
	return g
}
