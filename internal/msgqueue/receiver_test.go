package msgqueue_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/kestrel-robotics/robocore/internal/msgqueue"
	"github.com/kestrel-robotics/robocore/internal/region"
)

func TestReceiverDispatchesInOrder(t *testing.T) {
	q, rm := newTestQueue(t, 8, 4, 4, msgqueue.DropOldest)

	var mu sync.Mutex
	var got []uint64
	rc, err := msgqueue.NewReceiver(q, func(r *region.Region, sn uint64) bool {
		mu.Lock()
		got = append(got, sn)
		mu.Unlock()
		return true
	}, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var g errgroup.Group
	g.Go(func() error { return rc.Run(ctx) })

	for i := 0; i < 5; i++ {
		r, err := rm.CreateBySize(4)
		require.NoError(t, err)
		_, err = q.SendMessage(r, true)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 5
	}, time.Second, time.Millisecond)

	rc.Stop()
	cancel()
	require.NoError(t, g.Wait())

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []uint64{0, 1, 2, 3, 4}, got)
}

func TestReceiverFinishDrainsSynchronously(t *testing.T) {
	q, rm := newTestQueue(t, 8, 4, 4, msgqueue.DropOldest)

	var got []uint64
	rc, err := msgqueue.NewReceiver(q, func(r *region.Region, sn uint64) bool {
		got = append(got, sn)
		return true
	}, zerolog.Nop())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		r, err := rm.CreateBySize(4)
		require.NoError(t, err)
		_, err = q.SendMessage(r, true)
		require.NoError(t, err)
	}

	rc.Finish()
	require.Equal(t, []uint64{0, 1, 2}, got)

	_, retired := q.Stats()
	require.EqualValues(t, 3, retired)
}

func TestReceiverInspectOnlyDoesNotMarkRead(t *testing.T) {
	q, rm := newTestQueue(t, 8, 4, 4, msgqueue.DropOldest)

	var calls int
	rc, err := msgqueue.NewReceiver(q, func(r *region.Region, sn uint64) bool {
		calls++
		return false // inspect only
	}, zerolog.Nop())
	require.NoError(t, err)

	r, err := rm.CreateBySize(4)
	require.NoError(t, err)
	_, err = q.SendMessage(r, true)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var g errgroup.Group
	g.Go(func() error { return rc.Run(ctx) })

	require.Eventually(t, func() bool { return calls >= 1 }, time.Second, time.Millisecond)

	_, retired := q.Stats()
	require.EqualValues(t, 0, retired)

	rc.Stop()
	cancel()
	require.NoError(t, g.Wait())
}
