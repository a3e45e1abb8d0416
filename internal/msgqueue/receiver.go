package msgqueue

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/kestrel-robotics/robocore/internal/logx"
	"github.com/kestrel-robotics/robocore/internal/region"
	"github.com/kestrel-robotics/robocore/internal/semset"
)

// Callback is invoked once per dispatched entry. Returning true means
// "consume" (the entry is marked read under the receiver's slot);
// returning false means "inspect only" and leaves the entry unmarked.
type Callback func(r *region.Region, sn uint64) bool

// Receiver is the dedicated wait/dispatch loop of spec.md §4.G: it lowers
// its queue-assigned semaphore and, on wake, walks the queue from its
// cursor forward, dispatching each live entry to cb.
//
// Grounded on the original IPC/MessageReceiver.{h,cc} and the teacher's
// eventloop goroutine-per-loop pattern; Run is designed to be launched
// under golang.org/x/sync/errgroup, matching how the teacher supervises
// its own background loops.
type Receiver struct {
	q     *Queue
	semID semset.SemID
	cb    Callback
	log   zerolog.Logger

	started        bool
	currentIdx     EntryIndex
	nextExpectedSN uint64
	cancel         atomic.Bool
}

// NewReceiver registers a new receiver on q and returns a Receiver ready
// to Run.
func NewReceiver(q *Queue, cb Callback, log zerolog.Logger) (*Receiver, error) {
	id, err := q.AddReceiver()
	if err != nil {
		return nil, err
	}
	return &Receiver{
		q:     q,
		semID: id,
		cb:    cb,
		log:   logx.Component(log, "msgqueue.receiver"),
	}, nil
}

// locateStart reconstructs the cursor position per spec.md §4.G: scan
// from newest backward to the first entry with serial < nextExpected,
// then forward to the first with serial >= nextExpected. This correctly
// handles missed wakeups (e.g. a receiver registered well before it
// starts consuming).
func (rc *Receiver) locateStart() EntryIndex {
	idx := rc.q.Newest()
	if rc.q.IsEnd(idx) {
		return idx
	}
	for !rc.q.IsEnd(idx) {
		sn, ok := rc.q.GetMessageSN(idx)
		if !ok {
			break
		}
		if sn < rc.nextExpectedSN {
			break
		}
		idx = rc.q.Older(idx)
	}
	if rc.q.IsEnd(idx) {
		return rc.q.Oldest()
	}
	return rc.q.Newer(idx)
}

// tick dispatches exactly one entry (the one at the receiver's cursor),
// advances the cursor, and — per spec.md §4.G — self-raises the wake
// semaphore if the entry was consumed and more entries are pending, so
// the next Run iteration continues without waiting on a new send.
func (rc *Receiver) tick() {
	idx := rc.currentIdx
	if !rc.started || rc.q.IsEnd(idx) {
		// First wake, or the cursor ran off the end on an earlier wake:
		// find the first entry at or after nextExpectedSN.
		idx = rc.locateStart()
		rc.started = true
	}
	if rc.q.IsEnd(idx) {
		rc.currentIdx = idx
		return
	}
	next := rc.q.Newer(idx)
	sn, ok := rc.q.GetMessageSN(idx)
	if !ok {
		rc.currentIdx = next
		return
	}
	r, err := rc.q.PeekMessage(idx)
	if err != nil {
		rc.currentIdx = next
		return
	}
	consume := rc.cb(r, sn)
	r.RemoveReference()
	rc.nextExpectedSN = sn + 1

	if consume {
		if err := rc.q.MarkRead(idx, rc.semID); err != nil {
			rc.log.Warn().Err(err).Uint64("sn", sn).Msg("msgqueue: receiver mark-read failed")
		}
		if !rc.q.IsEnd(next) {
			rc.q.Sem().Raise(rc.semID, 1)
		}
	}
	rc.currentIdx = next
}

// Run blocks on the receiver's semaphore, dispatching entries until the
// caller cancels ctx or calls Stop. On return it deregisters the receiver
// from the queue.
func (rc *Receiver) Run(ctx context.Context) error {
	defer rc.q.RemoveReceiver(rc.semID)
	for {
		if rc.cancel.Load() || ctx.Err() != nil {
			return nil
		}
		if !rc.q.Sem().Lower(rc.semID, 1, true) {
			// faulted set or interrupted past its policy's retry: treat as
			// a clean shutdown signal rather than a crash.
			return nil
		}
		if rc.cancel.Load() {
			return nil
		}
		rc.tick()
	}
}

// Stop requests the receiver loop to exit, waking it if it is currently
// blocked in Lower.
func (rc *Receiver) Stop() {
	rc.cancel.Store(true)
	rc.q.Sem().Raise(rc.semID, 1)
}

// Finish drains all remaining entries synchronously (without waiting on
// the semaphore) and then deregisters the receiver. Used for an orderly
// shutdown where any already-posted messages must still be observed.
func (rc *Receiver) Finish() {
	rc.cancel.Store(true)
	if !rc.started {
		rc.currentIdx = rc.locateStart()
		rc.started = true
	}
	for !rc.q.IsEnd(rc.currentIdx) {
		rc.tick()
	}
	rc.q.RemoveReceiver(rc.semID)
}
