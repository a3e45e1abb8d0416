// Package semset implements the semaphore-set manager of spec.md §4.B: one
// OS semaphore set of N counters, handed out with a configurable
// per-counter interrupt policy, shared across processes (or, in
// single-process/thread-group mode, across goroutines within one process).
//
// Grounded on the original Tekkotsu IPC/SemaphoreManager.{h,cc} and, for
// the registry-of-sets-by-key shape, the gVisor SysV semaphore
// implementation (other_examples/...gvisor...semaphore.go). The batched
// multi-op primitives (testZero_add, add_testZero, add_testZero_add) use
// golang.org/x/sys/unix's Semop, which accepts a slice of Sembuf executed
// as one atomic kernel operation — the same guarantee gVisor's ExecuteOps
// documents.
package semset

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/kestrel-robotics/robocore/internal/logx"
	"github.com/kestrel-robotics/robocore/internal/shmseg"
)

// MaxCounters is the compile-time cap on counters in one set (spec.md §3:
// "N ≤ a compile-time cap, typically 250").
const MaxCounters = 250

// reserved counter indices (spec.md §3).
const (
	allocLockCounter = 0
	setRefCounter    = 1
	firstUserCounter = 2
)

// Policy selects how a blocking operation on a given counter behaves when
// interrupted (spec.md §3, §4.B, §7.3).
type Policy int

const (
	PolicyRetry Policy = iota
	PolicyRetryVerbose
	PolicyCancel
	PolicyCancelVerbose
	PolicyThrow
	PolicyThrowVerbose
	PolicyExit
)

// SemID identifies one counter within a Manager's set.
type SemID int

// InvalidSemID is the sentinel returned when allocation fails.
const InvalidSemID SemID = -1

// ErrSetExhausted is returned by Allocate when no free counter remains.
var ErrSetExhausted = fmt.Errorf("semset: counter set exhausted")

// ErrFault is returned by any operation once the set has observed a fault
// (OS set removed externally, or our own signal-driven shutdown ran).
var ErrFault = fmt.Errorf("semset: set has faulted")

// backing is the OS-level primitive surface a Manager drives. Implemented
// by a real SysV semaphore set (linux) and by an in-process fallback used
// for single-process/thread-group mode on any platform.
type backing interface {
	raise(num int, x int) error
	lower(num int, x int, blocking bool) (ok bool, err error)
	set(num int, v int) error
	get(num int) (int, error)
	testZero(num int, blocking bool) (ok bool, err error)
	testZeroAdd(num int, x int, blocking bool) (ok bool, err error)
	addTestZero(num int, x int, blocking bool) (ok bool, err error)
	addTestZeroAdd(num int, x1, x2 int, blocking bool) (ok bool, err error)
	destroy() error
}

// Manager owns one semaphore set of N counters. Copying a Manager by value
// is not supported — share a *Manager instead; cross-process sharing
// happens by every logical process calling New with the same Options.Key.
type Manager struct {
	mu       sync.Mutex
	n        int
	key      int
	backing  backing
	bitmap   *shmseg.Segment // 1 byte per counter, 0=free/1=allocated; shared across processes
	policies []Policy
	invalid  atomic.Bool
	log      zerolog.Logger
}

// Options configure Manager construction.
type Options struct {
	// N is the requested counter count, including the 2 reserved counters.
	N int
	// Multiprocess selects a real SysV-backed set (true) vs. an
	// in-process fallback (false). Fixed for the lifetime of the Manager.
	Multiprocess bool
	// Key identifies the SysV set across processes; ignored when
	// Multiprocess is false.
	Key int
	Log zerolog.Logger
}

// New allocates a fresh semaphore set. If n exceeds the system limit, it
// binary-searches the largest feasible N (spec.md §4.B).
func New(opts Options) (*Manager, error) {
	n := opts.N
	if n <= firstUserCounter {
		n = firstUserCounter + 1
	}
	if n > MaxCounters {
		n = MaxCounters
	}
	log := logx.Component(opts.Log, "semset")

	var bk backing
	var err error
	lo, hi := firstUserCounter+1, n
	best := 0
	for lo <= hi {
		mid := (lo + hi) / 2
		bk, err = newBacking(opts.Multiprocess, opts.Key, mid)
		if err == nil {
			bk.destroy() // superseded by a later, larger probe below
			best = mid
			lo = mid + 1
			continue
		}
		hi = mid - 1
	}
	if best == 0 {
		return nil, fmt.Errorf("semset: unable to allocate any counters (last error: %w)", err)
	}
	if best != n {
		log.Warn().Int("requested", n).Int("allocated", best).Msg("semset: fell back to smaller counter set")
	}
	bk, err = newBacking(opts.Multiprocess, opts.Key, best)
	if err != nil {
		return nil, err
	}

	var bitmap *shmseg.Segment
	if opts.Multiprocess {
		bitmap, err = shmseg.CreateNamed(opts.Key+1, best)
	} else {
		bitmap, err = shmseg.CreateAnon(best)
	}
	if err != nil {
		bk.destroy()
		return nil, fmt.Errorf("semset: allocation bitmap: %w", err)
	}
	bitmap.Bytes[allocLockCounter] = 1
	bitmap.Bytes[setRefCounter] = 1

	m := &Manager{
		n:        best,
		key:      opts.Key,
		backing:  bk,
		bitmap:   bitmap,
		policies: make([]Policy, best),
		log:      log,
	}
	for i := range m.policies {
		m.policies[i] = PolicyRetry
	}
	return m, nil
}

// N returns the number of counters actually available (may be less than
// requested — see New).
func (m *Manager) N() int { return m.n }

// HadFault reports whether this set has observed a fault (spec.md §7.4).
func (m *Manager) HadFault() bool { return m.invalid.Load() }

// FaultShutdown is the async-signal-safe shutdown path: it flips the
// invalid flag and unconditionally releases the OS set. Intended to be
// called only from a signal handler (spec.md §4.B, §5 "Signal safety") —
// it performs no logging and no allocation.
func (m *Manager) FaultShutdown() {
	m.invalid.Store(true)
	m.backing.destroy()
}

// SetPolicy sets the interrupt policy for counter id.
func (m *Manager) SetPolicy(id SemID, p Policy) {
	if int(id) < 0 || int(id) >= m.n {
		return
	}
	m.policies[id] = p
}

// Allocate reserves the next free user counter (indices ≥ firstUserCounter)
// under the allocation-lock counter, so concurrent allocators across
// processes serialize correctly. Returns InvalidSemID if exhausted.
func (m *Manager) Allocate() (SemID, error) {
	if m.HadFault() {
		return InvalidSemID, ErrFault
	}
	// The allocation lock reads 0 when free and 1 when held.
	if _, err := m.backing.testZeroAdd(allocLockCounter, 1, true); err != nil {
		return InvalidSemID, fmt.Errorf("semset: allocate: acquiring alloc lock: %w", err)
	}
	defer m.backing.raise(allocLockCounter, -1)

	for i := firstUserCounter; i < m.n; i++ {
		if m.bitmap.Bytes[i] == 0 {
			m.bitmap.Bytes[i] = 1
			if err := m.backing.set(i, 0); err != nil {
				return InvalidSemID, fmt.Errorf("semset: allocate: reset counter %d: %w", i, err)
			}
			return SemID(i), nil
		}
	}
	return InvalidSemID, ErrSetExhausted
}

// Free releases a previously allocated counter back to the pool.
func (m *Manager) Free(id SemID) {
	if m.HadFault() || int(id) < firstUserCounter || int(id) >= m.n {
		return
	}
	if _, err := m.backing.testZeroAdd(allocLockCounter, 1, true); err != nil {
		return
	}
	defer m.backing.raise(allocLockCounter, -1)
	m.bitmap.Bytes[id] = 0
}

// AboutToSpawn pre-increments the set's own reference counter so a peer
// process the caller is about to launch (via os/exec, not fork — see
// shmseg's doc comment) is a legitimate holder before it even starts.
func (m *Manager) AboutToSpawn() error {
	return m.backing.raise(setRefCounter, 1)
}

// Close releases this holder's reference on the set. The set's own
// reference counter (counter 1) counts the holders added by AboutToSpawn
// beyond the creator; a Close that finds it at zero is the last holder's,
// and destroys the backing OS set.
func (m *Manager) Close() error {
	v, err := m.backing.get(setRefCounter)
	if err != nil {
		return err
	}
	if v <= 0 {
		return m.backing.destroy()
	}
	return m.backing.raise(setRefCounter, -1)
}

func (m *Manager) checkFault() error {
	if m.invalid.Load() {
		return ErrFault
	}
	return nil
}

func (m *Manager) applyPolicy(id SemID, err error) error {
	if err == nil {
		return nil
	}
	if !isInterrupted(err) {
		return err
	}
	policy := PolicyRetry
	if int(id) >= 0 && int(id) < len(m.policies) {
		policy = m.policies[id]
	}
	verbose := policy == PolicyRetryVerbose || policy == PolicyCancelVerbose || policy == PolicyThrowVerbose
	if verbose {
		m.log.Warn().Int("sem_id", int(id)).Str("policy", policyName(policy)).Msg("semset: blocking op interrupted by signal")
	}
	switch policy {
	case PolicyThrow, PolicyThrowVerbose:
		return fmt.Errorf("semset: interrupted (throw policy), sem_id=%d: %w", id, err)
	case PolicyExit:
		m.log.Fatal().Int("sem_id", int(id)).Msg("semset: interrupted with exit policy")
	}
	// Cancel and Retry policies: the caller's own retry loop handles it;
	// we signal "retry" by returning nil here with a false result, the
	// public methods loop on EINTR internally (see ops below).
	return nil
}

func policyName(p Policy) string {
	switch p {
	case PolicyRetry:
		return "retry"
	case PolicyRetryVerbose:
		return "retry-verbose"
	case PolicyCancel:
		return "cancel"
	case PolicyCancelVerbose:
		return "cancel-verbose"
	case PolicyThrow:
		return "throw"
	case PolicyThrowVerbose:
		return "throw-verbose"
	case PolicyExit:
		return "exit"
	default:
		return "unknown"
	}
}

// Raise adds x to counter id, non-blocking (spec.md §4.B).
func (m *Manager) Raise(id SemID, x int) error {
	if err := m.checkFault(); err != nil {
		return nil // faulted sets degrade to no-ops (§7.4)
	}
	return m.backing.raise(int(id), x)
}

// Lower subtracts x from counter id; if blocking, waits until available.
// Honors id's interrupt policy on signal interruption.
func (m *Manager) Lower(id SemID, x int, blocking bool) bool {
	if err := m.checkFault(); err != nil {
		return false
	}
	for {
		ok, err := m.backing.lower(int(id), x, blocking)
		if err == nil {
			return ok
		}
		if perr := m.applyPolicy(id, err); perr != nil {
			return false
		}
		if !isInterrupted(err) {
			return false
		}
		// retry/cancel policies: loop again
	}
}

// Set assigns counter id's value directly.
func (m *Manager) Set(id SemID, v int) error {
	if err := m.checkFault(); err != nil {
		return nil
	}
	return m.backing.set(int(id), v)
}

// Get reads counter id's current value.
func (m *Manager) Get(id SemID) int {
	if err := m.checkFault(); err != nil {
		return 0
	}
	v, _ := m.backing.get(int(id))
	return v
}

// TestZero blocks (if requested) until counter id reads zero.
func (m *Manager) TestZero(id SemID, blocking bool) bool {
	if err := m.checkFault(); err != nil {
		return false
	}
	for {
		ok, err := m.backing.testZero(int(id), blocking)
		if err == nil {
			return ok
		}
		if perr := m.applyPolicy(id, err); perr != nil {
			return false
		}
	}
}

// TestZeroAdd atomically waits for zero then adds x, as one kernel op.
// It never rolls the add back itself, and no caller in this module wraps
// it in a rollback on cancellation.
func (m *Manager) TestZeroAdd(id SemID, x int, blocking bool) bool {
	if err := m.checkFault(); err != nil {
		return false
	}
	for {
		ok, err := m.backing.testZeroAdd(int(id), x, blocking)
		if err == nil {
			return ok
		}
		if perr := m.applyPolicy(id, err); perr != nil {
			return false
		}
	}
}

// AddTestZero atomically adds x then waits for zero.
func (m *Manager) AddTestZero(id SemID, x int, blocking bool) bool {
	if err := m.checkFault(); err != nil {
		return false
	}
	for {
		ok, err := m.backing.addTestZero(int(id), x, blocking)
		if err == nil {
			return ok
		}
		if perr := m.applyPolicy(id, err); perr != nil {
			return false
		}
	}
}

// AddTestZeroAdd atomically adds x1, waits for zero, then adds x2.
func (m *Manager) AddTestZeroAdd(id SemID, x1, x2 int, blocking bool) bool {
	if err := m.checkFault(); err != nil {
		return false
	}
	for {
		ok, err := m.backing.addTestZeroAdd(int(id), x1, x2, blocking)
		if err == nil {
			return ok
		}
		if perr := m.applyPolicy(id, err); perr != nil {
			return false
		}
	}
}
