package eventtranslator_test

import (
	"encoding/binary"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-robotics/robocore/internal/eventtranslator"
	"github.com/kestrel-robotics/robocore/internal/msgqueue"
	"github.com/kestrel-robotics/robocore/internal/region"
	"github.com/kestrel-robotics/robocore/internal/semset"
	"github.com/kestrel-robotics/robocore/internal/xmutex"
)

type fakeEvent struct {
	id      eventtranslator.ClassID
	payload []byte
}

func (e fakeEvent) ClassID() eventtranslator.ClassID { return e.id }
func (e fakeEvent) Marshal() ([]byte, error)         { return e.payload, nil }

func TestNoopTranslatorRoutesDirectly(t *testing.T) {
	var got eventtranslator.Event
	tr := eventtranslator.NewNoopTranslator(func(ev eventtranslator.Event) { got = ev })

	ev := fakeEvent{id: 7, payload: []byte("hi")}
	require.NoError(t, tr.Encode(ev, false))
	require.Equal(t, ev, got)
}

func newTestQueue(t *testing.T) (*msgqueue.Queue, *region.Manager) {
	t.Helper()
	sem, err := semset.New(semset.Options{N: 16, Multiprocess: false})
	require.NoError(t, err)
	lock, err := xmutex.New(sem, zerolog.Nop())
	require.NoError(t, err)
	q, err := msgqueue.New(msgqueue.Options{
		Sem: sem, Lock: lock, Capacity: 4, MaxReceivers: 4, MaxStatusListen: 4,
		Policy: msgqueue.DropOldest, Log: zerolog.Nop(),
	})
	require.NoError(t, err)
	rm := region.NewManager(false, 0, zerolog.Nop())
	return q, rm
}

func TestIPCTranslatorEncodesAndDecodes(t *testing.T) {
	q, rm := newTestQueue(t)
	recvID, err := q.AddReceiver()
	require.NoError(t, err)

	tr := eventtranslator.NewIPCTranslator(rm, q, zerolog.Nop())
	reg := eventtranslator.NewRegistry()
	reg.Register(7, func(payload []byte) (eventtranslator.Event, error) {
		return fakeEvent{id: 7, payload: payload}, nil
	})

	require.NoError(t, tr.Encode(fakeEvent{id: 7, payload: []byte("hello")}, false))

	idx := q.Oldest()
	require.False(t, q.IsEnd(idx))
	r, err := q.ReadMessage(idx, recvID)
	require.NoError(t, err)

	ev, err := reg.Decode(r.Base())
	require.NoError(t, err)
	require.Equal(t, fakeEvent{id: 7, payload: []byte("hello")}, ev)
}

func TestDecodeUnregisteredClassID(t *testing.T) {
	reg := eventtranslator.NewRegistry()
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, 99)
	_, err := reg.Decode(buf)
	require.ErrorIs(t, err, eventtranslator.ErrClassNotRegistered)
}

func TestDecodeMalformedPayload(t *testing.T) {
	reg := eventtranslator.NewRegistry()
	_, err := reg.Decode([]byte{1, 2})
	require.ErrorIs(t, err, eventtranslator.ErrMalformedPayload)
}

func TestOnlyReadySkipsBacklogged(t *testing.T) {
	q, rm := newTestQueue(t)
	recvID, err := q.AddReceiver()
	require.NoError(t, err)

	tr := eventtranslator.NewIPCTranslator(rm, q, zerolog.Nop())
	require.NoError(t, tr.Encode(fakeEvent{id: 1, payload: []byte("a")}, false))

	// Receiver hasn't read yet, so it is backlogged; onlyReady should skip.
	require.NoError(t, tr.Encode(fakeEvent{id: 1, payload: []byte("b")}, true))
	posted, _ := q.Stats()
	require.EqualValues(t, 1, posted)

	idx := q.Oldest()
	_, err = q.ReadMessage(idx, recvID)
	require.NoError(t, err)

	require.NoError(t, tr.Encode(fakeEvent{id: 1, payload: []byte("c")}, true))
	posted, _ = q.Stats()
	require.EqualValues(t, 2, posted)
}
