package beat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/acnode/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func TestNextNeverRepeatsUnderConcurrency(t *testing.T) {
	testlog.Start(t)
	c := NewCounter(10)

	const workers, draws = 8, 500
	seen := make(chan uint64, workers*draws)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < draws; j++ {
				seen <- c.Next()
			}
		}()
	}
	wg.Wait()
	close(seen)

	uniq := make(map[uint64]struct{}, workers*draws)
	for v := range seen {
		require.Greater(t, v, uint64(10))
		_, dup := uniq[v]
		require.False(t, dup, "duplicate beat %d", v)
		uniq[v] = struct{}{}
	}
	require.Equal(t, uint64(10+workers*draws), c.Now())
}

func TestRunAdvancesUntilCancelled(t *testing.T) {
	testlog.Start(t)
	var c Counter
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx, time.Millisecond)
		close(done)
	}()
	require.Eventually(t, func() bool { return c.Now() >= 3 }, time.Second, time.Millisecond)
	cancel()
	<-done
	stopped := c.Now()
	time.Sleep(5 * time.Millisecond)
	require.Equal(t, stopped, c.Now())
}
