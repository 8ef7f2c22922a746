package capture

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/vincentbai/domspy-agent/internal/buffers"
	"github.com/vincentbai/domspy-agent/internal/redaction"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.UnixMilli(1_700_000_000_000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func setupTestRecorder(t *testing.T) (*Recorder, *buffers.Store, *fakeClock) {
	t.Helper()
	store := buffers.NewStore(buffers.Capacities{Events: 100, Network: 100, Mutations: 100})
	clock := newFakeClock()
	var mu sync.Mutex
	n := 0
	ids := func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("id-%d", n)
	}
	rec := NewRecorder(store, redaction.New(nil), WithClock(clock.Now), WithIDs(ids))
	return rec, store, clock
}
