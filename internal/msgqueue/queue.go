// Package msgqueue implements the bounded, multi-receiver message queue of
// spec.md §4.F: senders publish a shared region, every registered receiver
// observes it exactly once, and the region's shared reference is released
// once the last receiver has acknowledged.
//
// Grounded on the original Tekkotsu IPC/MessageQueue.h contract and the
// teacher's eventloop ingress queue style, adapted from an unbounded
// linked chunk list to a fixed-capacity internal/freelist-backed entry
// table (the spec requires a hard capacity; the teacher's ingress queue
// does not).
package msgqueue

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/kestrel-robotics/robocore/internal/logx"
	"github.com/kestrel-robotics/robocore/internal/region"
	"github.com/kestrel-robotics/robocore/internal/semset"
	"github.com/kestrel-robotics/robocore/internal/xmutex"
)

// OverflowPolicy selects what sendMessage does when the queue is at
// capacity (spec.md §4.F).
type OverflowPolicy int

const (
	DropOldest OverflowPolicy = iota
	DropNewest
	Wait
	ThrowBadAlloc
)

// WaitPollInterval is how long sendMessage sleeps between retries under
// the Wait overflow policy while the lock is voluntarily released.
const WaitPollInterval = 2 * time.Millisecond

// EntryIndex identifies a live entry within a Queue; obtained from
// navigation calls (Oldest, Newer, ...) and passed back into ReadMessage,
// PeekMessage, and MarkRead.
type EntryIndex = uint32

var (
	// ErrReceiverCapacity is returned by AddReceiver when R receiver slots
	// are already in use.
	ErrReceiverCapacity = errors.New("msgqueue: receiver capacity reached")
	// ErrListenerCapacity is returned by AddReadStatusListener when S
	// listener slots are already in use.
	ErrListenerCapacity = errors.New("msgqueue: status listener capacity reached")
	// ErrQueueClosed is returned by SendMessage once Close has been
	// called.
	ErrQueueClosed = errors.New("msgqueue: queue is closed")
	// ErrBadAlloc is returned by SendMessage under the ThrowBadAlloc
	// policy when the queue is full.
	ErrBadAlloc = errors.New("msgqueue: queue full (throw-bad-alloc policy)")
	// ErrNoSuchEntry is returned when an EntryIndex no longer refers to a
	// live entry.
	ErrNoSuchEntry = errors.New("msgqueue: no such entry")
	// ErrUnknownReceiver is returned when a SemID does not correspond to
	// a currently registered receiver.
	ErrUnknownReceiver = errors.New("msgqueue: unknown receiver")
)

type receiverSlot struct {
	used  bool
	semID semset.SemID
}

type entryData struct {
	r       *region.Region
	sn      uint64
	readBy  []bool
	numRead int
}

// Queue is a bounded, cross-process-safe message queue of shared regions.
type Queue struct {
	sem       *semset.Manager
	lock      *xmutex.Mutex
	log       zerolog.Logger
	pid       int32
	gid       uint64
	cap       int
	maxRecv   int
	maxStatus int

	entries    *freelistRing
	receivers  []receiverSlot
	numRecv    int
	listeners  []receiverSlot
	numListen  int
	policy     OverflowPolicy
	reportDrop bool
	closed     bool
	posted     uint64
	retired    uint64
	filter     func(*region.Region) bool
}

// Options configure Queue construction.
type Options struct {
	Sem              *semset.Manager
	Lock             *xmutex.Mutex
	Capacity         int // max in-flight entries
	MaxReceivers     int // R
	MaxStatusListen  int // S
	Policy           OverflowPolicy
	OwnerPID         int32 // identity used for the queue's own internal Lock calls
	OwnerGID         uint64
	Log              zerolog.Logger
}

// New constructs a Queue. Lock must be a mutex already allocated on Sem
// (typically shared with the region holding the queue's metadata in
// multiprocess deployments); robocore keeps the queue's bookkeeping as an
// ordinary in-process Go struct guarded by that mutex, since unlike
// RegionRegistry's name table the queue is always owned and driven by
// exactly one process (the orchestrator) even though receivers across
// processes pull from it via their own semaphores.
func New(opts Options) (*Queue, error) {
	if opts.Capacity <= 0 {
		return nil, fmt.Errorf("msgqueue: capacity must be positive")
	}
	q := &Queue{
		sem:       opts.Sem,
		lock:      opts.Lock,
		log:       logx.Component(opts.Log, "msgqueue"),
		pid:       opts.OwnerPID,
		gid:       opts.OwnerGID,
		cap:       opts.Capacity,
		maxRecv:   opts.MaxReceivers,
		maxStatus: opts.MaxStatusListen,
		entries:   newFreelistRing(opts.Capacity),
		receivers: make([]receiverSlot, opts.MaxReceivers),
		listeners: make([]receiverSlot, opts.MaxStatusListen),
		policy:    opts.Policy,
	}
	return q, nil
}

func (q *Queue) withLock(fn func()) {
	q.lock.Lock(q.pid, q.gid)
	defer q.lock.Unlock(q.pid, q.gid)
	fn()
}

// SetFilter installs a per-process predicate consulted before every send;
// returning false drops the message as if it had no receivers.
func (q *Queue) SetFilter(f func(*region.Region) bool) {
	q.withLock(func() { q.filter = f })
}

// SetOverflowPolicy changes the policy applied when the queue is full.
func (q *Queue) SetOverflowPolicy(p OverflowPolicy) {
	q.withLock(func() { q.policy = p })
}

// SetReportDroppings toggles whether dropped entries are logged.
func (q *Queue) SetReportDroppings(report bool) {
	q.withLock(func() { q.reportDrop = report })
}

// AddReceiver registers a new receiver, returning the semaphore id it
// should lower() on to wait for new entries. The returned id also
// identifies the receiver in ReadMessage/MarkRead/RemoveReceiver.
func (q *Queue) AddReceiver() (semset.SemID, error) {
	var id semset.SemID
	var err error
	q.withLock(func() {
		if q.numRecv >= q.maxRecv {
			err = ErrReceiverCapacity
			return
		}
		slot := -1
		for i := range q.receivers {
			if !q.receivers[i].used {
				slot = i
				break
			}
		}
		if slot < 0 {
			err = ErrReceiverCapacity
			return
		}
		sid, aerr := q.sem.Allocate()
		if aerr != nil {
			err = fmt.Errorf("msgqueue: addReceiver: %w", aerr)
			return
		}
		q.receivers[slot] = receiverSlot{used: true, semID: sid}
		q.numRecv++
		// Existing entries were initialised before this receiver existed;
		// a new receiver only observes entries posted after it joins.
		id = sid
	})
	return id, err
}

func (q *Queue) slotForSemID(id semset.SemID) int {
	for i := range q.receivers {
		if q.receivers[i].used && q.receivers[i].semID == id {
			return i
		}
	}
	return -1
}

// RemoveReceiver deregisters a receiver, clearing its read-flag on every
// entry (spec.md §4.F): entries the remaining receivers have already all
// read retire immediately, firing status-listener notifications. An
// entry no other receiver has read yet is left in place — a departing
// receiver must never cause an unread message to retire out from under
// the receivers still waiting on it.
func (q *Queue) RemoveReceiver(id semset.SemID) error {
	var outerr error
	q.withLock(func() {
		slot := q.slotForSemID(id)
		if slot < 0 {
			outerr = ErrUnknownReceiver
			return
		}
		q.sem.Free(q.receivers[slot].semID)
		q.receivers[slot] = receiverSlot{}
		q.numRecv--

		q.entries.forEach(func(idx EntryIndex, e *entryData) {
			if slot < len(e.readBy) && e.readBy[slot] {
				e.readBy[slot] = false
				e.numRead--
			}
		})
		// Sweep for newly-fully-read entries (numRead counts against the
		// receiver count as it stood when each entry was posted; removing
		// a receiver lowers the bar to the current receiver count, so
		// recompute against q.numRecv).
		var toRetire []EntryIndex
		q.entries.forEach(func(idx EntryIndex, e *entryData) {
			if e.readCountAgainst(q.numRecv) {
				toRetire = append(toRetire, idx)
			}
		})
		for _, idx := range toRetire {
			q.retireLocked(idx)
		}
	})
	return outerr
}

// readCountAgainst reports whether every currently-registered receiver
// slot (by position, up to len(readBy)) has read this entry.
func (e *entryData) readCountAgainst(numRecv int) bool {
	if numRecv == 0 {
		return true
	}
	seen := 0
	for _, v := range e.readBy {
		if v {
			seen++
		}
	}
	return seen >= numRecv
}

// AddReadStatusListener registers a semaphore to be raised on every
// retirement (used by senders under WAIT policy to know when space
// frees).
func (q *Queue) AddReadStatusListener() (semset.SemID, error) {
	var id semset.SemID
	var err error
	q.withLock(func() {
		if q.numListen >= q.maxStatus {
			err = ErrListenerCapacity
			return
		}
		slot := -1
		for i := range q.listeners {
			if !q.listeners[i].used {
				slot = i
				break
			}
		}
		if slot < 0 {
			err = ErrListenerCapacity
			return
		}
		sid, aerr := q.sem.Allocate()
		if aerr != nil {
			err = fmt.Errorf("msgqueue: addReadStatusListener: %w", aerr)
			return
		}
		q.listeners[slot] = receiverSlot{used: true, semID: sid}
		q.numListen++
		id = sid
	})
	return id, err
}

// RemoveReadStatusListener deregisters a previously added listener.
func (q *Queue) RemoveReadStatusListener(id semset.SemID) {
	q.withLock(func() {
		for i := range q.listeners {
			if q.listeners[i].used && q.listeners[i].semID == id {
				q.sem.Free(q.listeners[i].semID)
				q.listeners[i] = receiverSlot{}
				q.numListen--
				return
			}
		}
	})
}

func (q *Queue) notifyListenersLocked() {
	for i := range q.listeners {
		if q.listeners[i].used {
			q.sem.Raise(q.listeners[i].semID, 1)
		}
	}
}

func (q *Queue) notifyReceiversLocked() {
	for i := range q.receivers {
		if q.receivers[i].used {
			q.sem.Raise(q.receivers[i].semID, 1)
		}
	}
}

// retireLocked erases the entry, releases its queue-held shared region
// reference, bumps the retired count, and notifies status listeners. Must
// be called with the queue lock held.
func (q *Queue) retireLocked(idx EntryIndex) {
	e, ok := q.entries.get(idx)
	if !ok {
		return
	}
	e.r.RemoveSharedReference()
	q.entries.erase(idx)
	q.retired++
	q.notifyListenersLocked()
}

// SendMessage publishes r. If autoDeref is true, the sender's own local
// reference is released once the queue has taken (or declined) its own.
func (q *Queue) SendMessage(r *region.Region, autoDeref bool) (sn uint64, err error) {
	for {
		var retry bool
		q.withLock(func() {
			if q.closed {
				err = ErrQueueClosed
				return
			}
			if q.filter != nil && !q.filter(r) {
				// treated identically to "no receivers": immediately retired
				sn = q.posted
				q.posted++
				q.retired++
				q.notifyListenersLocked()
				if autoDeref {
					r.RemoveReference()
				}
				return
			}
			if q.numRecv == 0 {
				sn = q.posted
				q.posted++
				q.retired++
				q.notifyListenersLocked()
				if autoDeref {
					r.RemoveReference()
				}
				return
			}
			if q.entries.size() >= q.cap {
				switch q.policy {
				case DropOldest:
					if oldest, ok := q.entries.oldest(); ok {
						if q.reportDrop {
							q.log.Warn().Msg("msgqueue: dropping oldest entry under pressure")
						}
						q.retireLocked(oldest)
					}
				case DropNewest:
					sn = q.posted
					q.posted++
					if q.reportDrop {
						q.log.Warn().Msg("msgqueue: dropping newest (incoming) entry")
					}
					if autoDeref {
						r.RemoveReference()
					}
					return
				case Wait:
					retry = true
					return
				case ThrowBadAlloc:
					err = ErrBadAlloc
					return
				}
			}

			r.AddSharedReference()
			e := entryData{r: r, sn: q.posted, readBy: make([]bool, q.maxRecv)}
			q.posted++
			sn = e.sn
			q.entries.pushBack(e)
			q.notifyReceiversLocked()
			if autoDeref {
				r.RemoveReference()
			}
		})
		if retry {
			time.Sleep(WaitPollInterval)
			continue
		}
		return sn, err
	}
}

// ReadMessage marks entry idx read by receiver id and returns its region
// with a shared reference retained for the caller. If the receiver has
// already read this entry, it is a logged no-op that still returns the
// region (no additional state change).
func (q *Queue) ReadMessage(idx EntryIndex, id semset.SemID) (*region.Region, error) {
	var r *region.Region
	var err error
	q.withLock(func() {
		slot := q.slotForSemID(id)
		if slot < 0 {
			err = ErrUnknownReceiver
			return
		}
		e, ok := q.entries.get(idx)
		if !ok {
			err = ErrNoSuchEntry
			return
		}
		r = e.r
		r.AddSharedReference()
		if e.readBy[slot] {
			q.log.Warn().Uint64("sn", e.sn).Msg("msgqueue: receiver re-read an already-read entry")
			return
		}
		e.readBy[slot] = true
		e.numRead++
		if e.numRead >= q.numRecv {
			q.retireLocked(idx)
		}
	})
	return r, err
}

// PeekMessage returns entry idx's region without marking it read. The
// caller inherits one local (in-process) reference.
func (q *Queue) PeekMessage(idx EntryIndex) (*region.Region, error) {
	var r *region.Region
	var err error
	q.withLock(func() {
		e, ok := q.entries.get(idx)
		if !ok {
			err = ErrNoSuchEntry
			return
		}
		r = e.r
		r.AddReference()
	})
	return r, err
}

// MarkRead behaves like ReadMessage but does not return the region.
func (q *Queue) MarkRead(idx EntryIndex, id semset.SemID) error {
	var err error
	q.withLock(func() {
		slot := q.slotForSemID(id)
		if slot < 0 {
			err = ErrUnknownReceiver
			return
		}
		e, ok := q.entries.get(idx)
		if !ok {
			err = ErrNoSuchEntry
			return
		}
		if e.readBy[slot] {
			q.log.Warn().Uint64("sn", e.sn).Msg("msgqueue: receiver re-read an already-read entry")
			return
		}
		e.readBy[slot] = true
		e.numRead++
		if e.numRead >= q.numRecv {
			q.retireLocked(idx)
		}
	})
	return err
}

// Oldest returns the index of the oldest live entry, or End if empty.
func (q *Queue) Oldest() EntryIndex {
	var idx EntryIndex
	q.withLock(func() { idx = q.entries.oldestOrEnd() })
	return idx
}

// Newest returns the index of the newest live entry, or End if empty.
func (q *Queue) Newest() EntryIndex {
	var idx EntryIndex
	q.withLock(func() { idx = q.entries.newestOrEnd() })
	return idx
}

// Newer returns the entry after idx, or End.
func (q *Queue) Newer(idx EntryIndex) EntryIndex {
	var out EntryIndex
	q.withLock(func() { out = q.entries.next(idx) })
	return out
}

// Older returns the entry before idx, or End.
func (q *Queue) Older(idx EntryIndex) EntryIndex {
	var out EntryIndex
	q.withLock(func() { out = q.entries.prev(idx) })
	return out
}

// End returns the sentinel "no such entry" index.
func (q *Queue) End() EntryIndex { return q.entries.end() }

// IsEnd reports whether idx is the End sentinel.
func (q *Queue) IsEnd(idx EntryIndex) bool { return idx == q.End() }

// GetMessageSN returns entry idx's stable serial number, suitable for
// receiver-side de-duplication.
func (q *Queue) GetMessageSN(idx EntryIndex) (uint64, bool) {
	var sn uint64
	var ok bool
	q.withLock(func() {
		e, found := q.entries.get(idx)
		if found {
			sn, ok = e.sn, true
		}
	})
	return sn, ok
}

// ReceiversSnapshot returns the semaphore ids of every currently
// registered receiver, for backpressure checks like EventTranslator's
// onlyReady (spec.md §4.H).
func (q *Queue) ReceiversSnapshot() []semset.SemID {
	var ids []semset.SemID
	q.withLock(func() {
		for i := range q.receivers {
			if q.receivers[i].used {
				ids = append(ids, q.receivers[i].semID)
			}
		}
	})
	return ids
}

// Sem returns the semaphore manager backing this queue's receiver and
// listener wake-up counters, for use by Receiver's blocking wait loop.
func (q *Queue) Sem() *semset.Manager { return q.sem }

// Close rejects all subsequent sends.
func (q *Queue) Close() {
	q.withLock(func() { q.closed = true })
}

// Stats returns the posted and retired counters (spec.md §8 scenario
// assertions key off these directly).
func (q *Queue) Stats() (posted, retired uint64) {
	q.withLock(func() { posted, retired = q.posted, q.retired })
	return
}

// OnlyReadyFor reports whether receiver id's read cursor is caught up to
// the queue's newest entry — used by EventTranslator's onlyReady
// backpressure check (spec.md §4.H).
func (q *Queue) OnlyReadyFor(id semset.SemID) bool {
	ready := true
	q.withLock(func() {
		slot := q.slotForSemID(id)
		if slot < 0 {
			ready = false
			return
		}
		q.entries.forEach(func(idx EntryIndex, e *entryData) {
			if !e.readBy[slot] {
				ready = false
			}
		})
	})
	return ready
}
