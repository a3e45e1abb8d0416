package xmutex

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kestrel-robotics/robocore/internal/semset"
)

func newTestMutex(t *testing.T) *Mutex {
	t.Helper()
	sem, err := semset.New(semset.Options{N: 8, Multiprocess: false})
	require.NoError(t, err)
	m, err := New(sem, zeroLog())
	require.NoError(t, err)
	return m
}

func TestRecursion(t *testing.T) {
	m := newTestMutex(t)
	m.Lock(1, 1)
	require.Equal(t, 1, m.Depth())
	m.Lock(1, 1)
	require.Equal(t, 2, m.Depth())
	m.Lock(1, 1)
	require.Equal(t, 3, m.Depth())

	m.Unlock(1, 1)
	require.Equal(t, 2, m.Depth())
	m.Unlock(1, 1)
	m.Unlock(1, 1)
	require.Equal(t, 0, m.Depth())
}

func TestMutualExclusion(t *testing.T) {
	m := newTestMutex(t)
	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup

	m.Lock(1, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.Lock(2, 1)
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
		m.Unlock(2, 1)
	}()

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	order = append(order, 1)
	mu.Unlock()
	m.Unlock(1, 1)
	wg.Wait()

	require.Equal(t, []int{1, 2}, order)
}

func TestUnlockByNonOwnerIsNoOp(t *testing.T) {
	m := newTestMutex(t)
	m.Lock(1, 1)
	m.Unlock(2, 1) // different pid: should be a logged no-op, not a panic
	require.Equal(t, 1, m.Depth())
	m.Unlock(1, 1)
}

func TestTryLock(t *testing.T) {
	m := newTestMutex(t)
	require.True(t, m.TryLock(1, 1))
	require.False(t, m.TryLock(2, 1))
	m.Unlock(1, 1)
	require.True(t, m.TryLock(2, 1))
	m.Unlock(2, 1)
}
