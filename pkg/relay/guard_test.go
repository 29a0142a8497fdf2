package relay

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuard_TryEnterExit(t *testing.T) {
	t.Parallel()
	var g Guard

	require.False(t, g.Engaged())
	require.True(t, g.TryEnter())
	require.True(t, g.Engaged())
	require.False(t, g.TryEnter(), "second entry must be denied")

	g.Exit()
	require.False(t, g.Engaged())
	require.True(t, g.TryEnter())
	g.Exit()
}

func TestGuard_Do_NestedCallSkipped(t *testing.T) {
	t.Parallel()
	var g Guard

	var outer, inner bool
	ran := g.Do(func() {
		outer = true
		inner = g.Do(func() {
			t.Fatal("nested call must not run")
		})
	})

	assert.True(t, ran)
	assert.True(t, outer)
	assert.False(t, inner)
	assert.False(t, g.Engaged())
}

func TestGuard_Do_ReleasesOnPanic(t *testing.T) {
	t.Parallel()
	var g Guard

	require.Panics(t, func() {
		g.Do(func() { panic("boom") })
	})
	assert.False(t, g.Engaged())
	assert.True(t, g.Do(func() {}))
}

func TestGuard_ConcurrentEntry_SingleHolder(t *testing.T) {
	t.Parallel()
	var g Guard

	const goroutines = 32
	var (
		holders atomic.Int32
		maxSeen atomic.Int32
		wg      sync.WaitGroup
	)

	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				g.Do(func() {
					n := holders.Add(1)
					if n > maxSeen.Load() {
						maxSeen.Store(n)
					}
					holders.Add(-1)
				})
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxSeen.Load())
	assert.False(t, g.Engaged())
}
