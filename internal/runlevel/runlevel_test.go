package runlevel_test

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-robotics/robocore/internal/region"
	"github.com/kestrel-robotics/robocore/internal/runlevel"
	"github.com/kestrel-robotics/robocore/internal/semset"
	"github.com/kestrel-robotics/robocore/internal/xmutex"
)

func newTestBarrier(t *testing.T, pid int32) *runlevel.Barrier {
	t.Helper()
	sem, err := semset.New(semset.Options{N: 8, Multiprocess: false})
	require.NoError(t, err)
	lock, err := xmutex.New(sem, zerolog.Nop())
	require.NoError(t, err)
	rm := region.NewManager(false, 0, zerolog.Nop())
	r, err := rm.CreateBySize(runlevel.RegionSize)
	require.NoError(t, err)
	return runlevel.New(r, lock, pid, 1, zerolog.Nop())
}

func TestAdvanceMustBeMonotonic(t *testing.T) {
	b := newTestBarrier(t, 1)
	require.NoError(t, b.Advance(runlevel.Created))
	require.NoError(t, b.Advance(runlevel.Constructing))
	require.ErrorIs(t, b.Advance(runlevel.Created), runlevel.ErrNotMonotonic)
}

func TestWaitForBlocksUntilAllPeersCatchUp(t *testing.T) {
	sem, err := semset.New(semset.Options{N: 8, Multiprocess: false})
	require.NoError(t, err)
	lock, err := xmutex.New(sem, zerolog.Nop())
	require.NoError(t, err)
	rm := region.NewManager(false, 0, zerolog.Nop())
	r, err := rm.CreateBySize(runlevel.RegionSize)
	require.NoError(t, err)

	b1 := runlevel.New(r, lock, 1, 1, zerolog.Nop())
	b2 := runlevel.New(r, lock, 2, 1, zerolog.Nop())

	b1.PreIncrementCreated()
	b2.PreIncrementCreated()
	b1.AdvancePastCreated()
	b2.AdvancePastCreated()

	require.NoError(t, b1.Advance(runlevel.Constructing))

	done := make(chan struct{})
	go func() {
		b1.WaitFor(runlevel.Constructing)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("WaitFor returned before peer advanced")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, b2.Advance(runlevel.Constructing))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitFor did not unblock after peer advanced")
	}
}

func TestPreIncrementCreatedIsConcurrencySafe(t *testing.T) {
	sem, err := semset.New(semset.Options{N: 8, Multiprocess: false})
	require.NoError(t, err)
	lock, err := xmutex.New(sem, zerolog.Nop())
	require.NoError(t, err)
	rm := region.NewManager(false, 0, zerolog.Nop())
	r, err := rm.CreateBySize(runlevel.RegionSize)
	require.NoError(t, err)

	b := runlevel.New(r, lock, 1, 1, zerolog.Nop())
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.PreIncrementCreated()
		}()
	}
	wg.Wait()
	require.EqualValues(t, 10, b.Count(runlevel.Created))
}
