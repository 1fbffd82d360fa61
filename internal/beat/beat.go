// Package beat keeps the node's own logical clock.
//
// The counter is free running: a ticker goroutine advances it once per
// interval and every nonce draw advances it as well, so values never repeat
// within a process and never depend on wall-clock time or on how long the
// main loop was blocked.
package beat

import (
	"context"
	"sync/atomic"
	"time"
)

// DefaultInterval is the tick rate of the free-running clock.
const DefaultInterval = time.Second

// Counter is a monotonic logical clock. The zero value is ready to use.
type Counter struct {
	n atomic.Uint64
}

// NewCounter starts the clock at start.
func NewCounter(start uint64) *Counter {
	c := &Counter{}
	c.n.Store(start)
	return c
}

// Now returns the current beat without advancing it.
func (c *Counter) Now() uint64 {
	return c.n.Load()
}

// Next advances the clock and returns the new value. Two calls never return
// the same value.
func (c *Counter) Next() uint64 {
	return c.n.Add(1)
}

// Run ticks the clock until ctx is done.
func (c *Counter) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.n.Add(1)
		}
	}
}
