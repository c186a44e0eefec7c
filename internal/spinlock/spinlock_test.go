package spinlock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpinLock_Basic(t *testing.T) {
	l := New("bcache")
	assert.Equal(t, "bcache", l.Name())
	assert.False(t, l.Locked())

	l.Lock()
	assert.True(t, l.Locked())
	assert.False(t, l.TryLock())

	l.Unlock()
	assert.False(t, l.Locked())
	require.True(t, l.TryLock())
	l.Unlock()
}

func TestSpinLock_UnlockUnlockedPanics(t *testing.T) {
	var l SpinLock
	l.Init("kmem_CPU0")
	assert.PanicsWithValue(t, "spinlock: unlock of unlocked lock kmem_CPU0", l.Unlock)
}

func TestSpinLock_MutualExclusion(t *testing.T) {
	var l SpinLock
	counter := 0

	const goroutines = 16
	const iters = 2000

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for range goroutines {
		go func() {
			defer wg.Done()
			for range iters {
				l.Lock()
				counter++
				l.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, goroutines*iters, counter)
}
