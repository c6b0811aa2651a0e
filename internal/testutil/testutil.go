// Package testutil provides shared test fixtures: a deterministic
// clock and a throwaway workspace with an open artifact store.
package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loomrun/loom/internal/artifact"
	"github.com/loomrun/loom/internal/runstore"
)

// TickingClock is a thread-safe fake time source. Each call to Now
// advances by a fixed step, so timestamps in test output are distinct,
// ordered, and reproducible.
type TickingClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

// NewTickingClock starts a clock at the given instant, advancing one
// second per Now call.
func NewTickingClock(start time.Time) *TickingClock {
	return &TickingClock{now: start, step: time.Second}
}

// Now returns the current instant and advances the clock.
func (c *TickingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

// NewWorkspaceRun creates a run in a temp workspace and binds an
// artifact store to it. The index is closed on test cleanup.
func NewWorkspaceRun(t *testing.T) (runstore.Run, *artifact.Store) {
	t.Helper()
	ws := t.TempDir()
	run, err := runstore.Create(ws)
	require.NoError(t, err)
	index, err := artifact.OpenIndex(runstore.IndexPath(ws))
	require.NoError(t, err)
	t.Cleanup(func() { index.Close() })
	return run, artifact.NewStore(run, index)
}
