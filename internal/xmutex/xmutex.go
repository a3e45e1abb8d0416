// Package xmutex implements the recursive cross-process mutex of
// spec.md §4.C: a lock built on a single semset counter, tracking owner
// process id, owner goroutine, and recursion depth. The counter reads 1
// while the mutex is held, whatever the depth; the depth is kept only in
// the Mutex's own in-process bookkeeping.
//
// Grounded on the original Tekkotsu IPC/MutexLock.{h,cc}. Go has no
// pthread-style "disable cancellation" scope, so the no-cancel-scope
// requirement (spec.md §4.C, §5 "Cancellation") is approximated: instead of
// disabling goroutine preemption (which Go does not expose), callers that
// must not be cancelled mid-critical-section — internal/msgqueue's
// receiver loop is the one place this matters — defer checking their
// cancel flag until after Unlock returns. See DESIGN.md.
package xmutex

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/kestrel-robotics/robocore/internal/logx"
	"github.com/kestrel-robotics/robocore/internal/semset"
)

// NoOwner is the sentinel owner-process-id value when unlocked.
const NoOwner int32 = -1

// Mutex is a recursive lock shared across processes (or goroutines, in
// single-process mode) via one semset counter.
type Mutex struct {
	sem *semset.Manager
	id  semset.SemID

	mu          sync.Mutex // protects the fields below; local bookkeeping only
	ownerPID    int32
	ownerGID    uint64 // goroutine id surrogate: a per-goroutine token the caller supplies
	depth       int
	noCancel    int // diagnostic: count of no-cancel scopes pushed, should be 0 at thread exit
	log         zerolog.Logger
}

// New creates a mutex backed by a freshly allocated counter on sem,
// initialised to zero (unlocked).
func New(sem *semset.Manager, log zerolog.Logger) (*Mutex, error) {
	id, err := sem.Allocate()
	if err != nil {
		return nil, fmt.Errorf("xmutex: allocating counter: %w", err)
	}
	if err := sem.Set(id, 0); err != nil {
		return nil, fmt.Errorf("xmutex: initializing counter: %w", err)
	}
	return &Mutex{
		sem:      sem,
		id:       id,
		ownerPID: NoOwner,
		log:      logx.Component(log, "xmutex"),
	}, nil
}

// Lock blocks while a different owner holds the mutex, then takes (or
// recursively extends) ownership for (pid, gid).
func (m *Mutex) Lock(pid int32, gid uint64) {
	if m.sem.HadFault() {
		m.log.Warn().Msg("xmutex: lock on faulted set, degrading to diagnostic no-op")
		return
	}
	m.mu.Lock()
	if m.ownerPID == pid && m.ownerGID == gid && m.depth > 0 {
		m.depth++
		m.noCancel++
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.lockAcquireLoop(pid, gid)
}

// lockAcquireLoop performs the actual acquire: raise by 1, and if we are
// not the sole holder (counter != 1), release and retry. This mirrors the
// original's try_lock pattern used as the basis for blocking lock too,
// since a single semset counter can't both gate "is it free" and "how deep
// is recursion" without a compare-and-raise idiom.
func (m *Mutex) lockAcquireLoop(pid int32, gid uint64) {
	for {
		m.sem.Raise(m.id, 1)
		v := m.sem.Get(m.id)
		if v == 1 {
			m.mu.Lock()
			m.ownerPID = pid
			m.ownerGID = gid
			m.depth = 1
			m.noCancel = 1
			m.mu.Unlock()
			return
		}
		// someone else holds it (or raced us); undo our speculative raise
		// and wait for it to drop before retrying.
		m.sem.Raise(m.id, -1)
		m.sem.TestZero(m.id, true)
	}
}

// TryLock attempts a non-blocking acquire. It speculatively raises the
// counter, and if it turns out not to be the sole owner, cleanly undoes the
// raise (spec.md §4.C: "careful ordering so the speculative raise is either
// consumed or cleanly undone").
func (m *Mutex) TryLock(pid int32, gid uint64) bool {
	if m.sem.HadFault() {
		return false
	}
	m.mu.Lock()
	if m.ownerPID == pid && m.ownerGID == gid && m.depth > 0 {
		m.depth++
		m.noCancel++
		m.mu.Unlock()
		return true
	}
	m.mu.Unlock()

	m.sem.Raise(m.id, 1)
	v := m.sem.Get(m.id)
	if v != 1 {
		m.sem.Raise(m.id, -1)
		return false
	}
	m.mu.Lock()
	m.ownerPID = pid
	m.ownerGID = gid
	m.depth = 1
	m.noCancel = 1
	m.mu.Unlock()
	return true
}

// Unlock decrements recursion depth by one, releasing ownership entirely
// when it reaches zero. Unlock by a non-owner is a programmer-misuse
// condition (spec.md §7.2): logged and treated as a safe no-op.
func (m *Mutex) Unlock(pid int32, gid uint64) {
	if m.sem.HadFault() {
		m.log.Warn().Msg("xmutex: unlock on faulted set, diagnostic no-op")
		return
	}
	m.mu.Lock()
	if m.depth == 0 || m.ownerPID != pid || m.ownerGID != gid {
		m.mu.Unlock()
		m.log.Error().Int32("pid", pid).Str("stack", logx.Stack()).Msg("xmutex: unlock by non-owner or while unlocked")
		return
	}
	m.depth--
	if m.noCancel > 0 {
		m.noCancel--
	}
	unlocking := m.depth == 0
	if unlocking {
		m.ownerPID = NoOwner
		m.ownerGID = 0
	}
	m.mu.Unlock()

	if unlocking {
		m.sem.Raise(m.id, -1)
	}
}

// ReleaseAll drains all recursion depth held by (pid, gid) in one call —
// used during forced cleanup (e.g. a process exiting with a leaked lock).
func (m *Mutex) ReleaseAll(pid int32, gid uint64) {
	m.mu.Lock()
	for m.depth > 0 && m.ownerPID == pid && m.ownerGID == gid {
		m.mu.Unlock()
		m.Unlock(pid, gid)
		m.mu.Lock()
	}
	m.mu.Unlock()
}

// Depth returns the current recursion depth (0 when unlocked). Exposed for
// the no-cancel-scope leak diagnostic (spec.md §5).
func (m *Mutex) Depth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.depth
}

// NoCancelDepth returns the count of pushed-but-unpopped no-cancel scopes,
// which should be zero whenever the owning goroutine is not mid-critical-
// section; a nonzero reading at goroutine exit indicates a leaked lock.
func (m *Mutex) NoCancelDepth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.noCancel
}
