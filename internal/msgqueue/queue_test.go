package msgqueue_test

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-robotics/robocore/internal/msgqueue"
	"github.com/kestrel-robotics/robocore/internal/region"
	"github.com/kestrel-robotics/robocore/internal/semset"
	"github.com/kestrel-robotics/robocore/internal/xmutex"
)

func newTestQueue(t *testing.T, capacity, maxRecv, maxListen int, policy msgqueue.OverflowPolicy) (*msgqueue.Queue, *region.Manager) {
	t.Helper()
	sem, err := semset.New(semset.Options{N: 32, Multiprocess: false})
	require.NoError(t, err)
	lock, err := xmutex.New(sem, zerolog.Nop())
	require.NoError(t, err)
	q, err := msgqueue.New(msgqueue.Options{
		Sem:             sem,
		Lock:            lock,
		Capacity:        capacity,
		MaxReceivers:    maxRecv,
		MaxStatusListen: maxListen,
		Policy:          policy,
		Log:             zerolog.Nop(),
	})
	require.NoError(t, err)
	rm := region.NewManager(false, 0, zerolog.Nop())
	return q, rm
}

func TestSendMessageNoReceiversRetiresImmediately(t *testing.T) {
	q, rm := newTestQueue(t, 4, 4, 4, msgqueue.DropOldest)
	r, err := rm.CreateBySize(8)
	require.NoError(t, err)

	sn, err := q.SendMessage(r, true)
	require.NoError(t, err)
	require.EqualValues(t, 0, sn)

	posted, retired := q.Stats()
	require.EqualValues(t, 1, posted)
	require.EqualValues(t, 1, retired)
}

func TestFIFOSingleSenderSingleReceiver(t *testing.T) {
	q, rm := newTestQueue(t, 4, 4, 4, msgqueue.DropOldest)
	recvID, err := q.AddReceiver()
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		r, err := rm.CreateBySize(4)
		require.NoError(t, err)
		_, err = q.SendMessage(r, true)
		require.NoError(t, err)
	}

	idx := q.Oldest()
	var sns []uint64
	for !q.IsEnd(idx) {
		sn, ok := q.GetMessageSN(idx)
		require.True(t, ok)
		sns = append(sns, sn)
		next := q.Newer(idx)
		_, err := q.ReadMessage(idx, recvID)
		require.NoError(t, err)
		idx = next
	}
	require.Equal(t, []uint64{0, 1, 2}, sns)

	posted, retired := q.Stats()
	require.EqualValues(t, 3, posted)
	require.EqualValues(t, 3, retired)
}

func TestDropOldestUnderPressure(t *testing.T) {
	q, rm := newTestQueue(t, 4, 4, 4, msgqueue.DropOldest)
	_, err := q.AddReceiver() // registered but never drains
	require.NoError(t, err)

	for i := 0; i < 7; i++ {
		r, err := rm.CreateBySize(4)
		require.NoError(t, err)
		_, err = q.SendMessage(r, true)
		require.NoError(t, err)
	}

	var sns []uint64
	for idx := q.Oldest(); !q.IsEnd(idx); idx = q.Newer(idx) {
		sn, _ := q.GetMessageSN(idx)
		sns = append(sns, sn)
	}
	require.Equal(t, []uint64{3, 4, 5, 6}, sns)

	posted, retired := q.Stats()
	require.EqualValues(t, 7, posted)
	require.EqualValues(t, 3, retired)
}

func TestDropNewestDropsIncoming(t *testing.T) {
	q, rm := newTestQueue(t, 2, 4, 4, msgqueue.DropNewest)
	_, err := q.AddReceiver()
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		r, err := rm.CreateBySize(4)
		require.NoError(t, err)
		_, err = q.SendMessage(r, true)
		require.NoError(t, err)
	}

	var sns []uint64
	for idx := q.Oldest(); !q.IsEnd(idx); idx = q.Newer(idx) {
		sn, _ := q.GetMessageSN(idx)
		sns = append(sns, sn)
	}
	require.Equal(t, []uint64{0, 1}, sns)
}

func TestThrowBadAllocWhenFull(t *testing.T) {
	q, rm := newTestQueue(t, 1, 4, 4, msgqueue.ThrowBadAlloc)
	_, err := q.AddReceiver()
	require.NoError(t, err)

	r1, err := rm.CreateBySize(4)
	require.NoError(t, err)
	_, err = q.SendMessage(r1, true)
	require.NoError(t, err)

	r2, err := rm.CreateBySize(4)
	require.NoError(t, err)
	_, err = q.SendMessage(r2, true)
	require.ErrorIs(t, err, msgqueue.ErrBadAlloc)
}

func TestRemoveReceiverForgivesAndRetires(t *testing.T) {
	q, rm := newTestQueue(t, 4, 4, 4, msgqueue.DropOldest)
	r1ID, err := q.AddReceiver()
	require.NoError(t, err)
	r2ID, err := q.AddReceiver()
	require.NoError(t, err)

	r, err := rm.CreateBySize(4)
	require.NoError(t, err)
	_, err = q.SendMessage(r, true)
	require.NoError(t, err)

	idx := q.Oldest()
	_, err = q.ReadMessage(idx, r1ID)
	require.NoError(t, err)

	_, retiredBefore := q.Stats()
	require.EqualValues(t, 0, retiredBefore)

	require.NoError(t, q.RemoveReceiver(r2ID))

	_, retiredAfter := q.Stats()
	require.EqualValues(t, 1, retiredAfter)
}

func TestRemoveReceiverDoesNotRetireEntryUnreadByRemainingReceiver(t *testing.T) {
	q, rm := newTestQueue(t, 4, 4, 4, msgqueue.DropOldest)
	r1ID, err := q.AddReceiver()
	require.NoError(t, err)
	r2ID, err := q.AddReceiver()
	require.NoError(t, err)

	r, err := rm.CreateBySize(4)
	require.NoError(t, err)
	_, err = q.SendMessage(r, true)
	require.NoError(t, err)

	// Neither receiver has read the message yet.
	require.NoError(t, q.RemoveReceiver(r2ID))

	_, retired := q.Stats()
	require.EqualValues(t, 0, retired, "removing an unread receiver must not retire a message the surviving receiver hasn't read")

	idx := q.Oldest()
	_, err = q.ReadMessage(idx, r1ID)
	require.NoError(t, err, "surviving receiver must still be able to observe the message")
}

func TestReadAfterRetirementReturnsNoSuchEntry(t *testing.T) {
	q, rm := newTestQueue(t, 4, 4, 4, msgqueue.DropOldest)
	recvID, err := q.AddReceiver()
	require.NoError(t, err)
	r, err := rm.CreateBySize(4)
	require.NoError(t, err)
	_, err = q.SendMessage(r, true)
	require.NoError(t, err)

	idx := q.Oldest()
	_, err = q.ReadMessage(idx, recvID)
	require.NoError(t, err)
	// Entry retired after the single receiver's first read; a second read
	// now targets a gone index and must error, not panic.
	_, err = q.ReadMessage(idx, recvID)
	require.ErrorIs(t, err, msgqueue.ErrNoSuchEntry)
}

func TestReceiverCapacityExhausted(t *testing.T) {
	q, _ := newTestQueue(t, 4, 1, 4, msgqueue.DropOldest)
	_, err := q.AddReceiver()
	require.NoError(t, err)
	_, err = q.AddReceiver()
	require.ErrorIs(t, err, msgqueue.ErrReceiverCapacity)
}

func TestCloseRejectsSends(t *testing.T) {
	q, rm := newTestQueue(t, 4, 4, 4, msgqueue.DropOldest)
	q.Close()
	r, err := rm.CreateBySize(4)
	require.NoError(t, err)
	_, err = q.SendMessage(r, true)
	require.ErrorIs(t, err, msgqueue.ErrQueueClosed)
}
