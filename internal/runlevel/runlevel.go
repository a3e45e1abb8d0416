// Package runlevel implements the startup/shutdown phase barrier of
// spec.md §4.J: every process advances monotonically through seven
// ordered levels, and can wait until every process that will ever exist
// at this generation has reached a given level.
//
// Grounded on the original local/tekkotsu/Process.{h,cc} lifecycle state
// machine. The counters live in a shared region (internal/region) and are
// mutated only under the process-wide global lock instance of
// internal/xmutex, per spec.md §4.J ("incremented under the global lock").
package runlevel

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/rs/zerolog"

	"github.com/kestrel-robotics/robocore/internal/logx"
	"github.com/kestrel-robotics/robocore/internal/region"
	"github.com/kestrel-robotics/robocore/internal/xmutex"
)

// Level is one of the seven ordered lifecycle phases every process
// progresses through (spec.md §7 GLOSSARY "Runlevel").
type Level int

const (
	Created Level = iota
	Constructing
	Starting
	Running
	Stopping
	Destructing
	Destructed

	numLevels = int(Destructed) + 1
)

func (l Level) String() string {
	switch l {
	case Created:
		return "CREATED"
	case Constructing:
		return "CONSTRUCTING"
	case Starting:
		return "STARTING"
	case Running:
		return "RUNNING"
	case Stopping:
		return "STOPPING"
	case Destructing:
		return "DESTRUCTING"
	case Destructed:
		return "DESTRUCTED"
	default:
		return fmt.Sprintf("Level(%d)", int(l))
	}
}

// RegionSize is the number of region bytes Barrier requires: one int64
// counter per level.
const RegionSize = numLevels * 8

// PollInterval is the coarse sleep used while busy-waiting for peers to
// catch up (spec.md §4.J "busy-waits (coarse sleep)").
const PollInterval = 5 * time.Millisecond

// ErrNotMonotonic is returned by Advance when level does not strictly
// follow the process's own last-reached level.
var ErrNotMonotonic = errors.New("runlevel: level must advance monotonically")

// Barrier counts, across every process sharing it, how many have reached
// each level.
type Barrier struct {
	reg  *region.Region
	lock *xmutex.Mutex
	pid  int32
	gid  uint64
	log  zerolog.Logger

	current Level // this process's own last-reached level; not shared
	started bool
}

// New wraps a region of at least RegionSize bytes as a Barrier. pid/gid
// identify this process to lock's ownership tracking (matching
// xmutex.Mutex's Lock signature).
func New(r *region.Region, lock *xmutex.Mutex, pid int32, gid uint64, log zerolog.Logger) *Barrier {
	return &Barrier{
		reg:     r,
		lock:    lock,
		pid:     pid,
		gid:     gid,
		log:     logx.Component(log, "runlevel"),
		current: Created - 1,
	}
}

func (b *Barrier) ptr(l Level) *int64 {
	return (*int64)(unsafe.Pointer(&b.reg.Base()[int(l)*8]))
}

// Count returns how many processes have reached level.
func (b *Barrier) Count(l Level) int64 {
	return atomic.LoadInt64(b.ptr(l))
}

// PreIncrementCreated increments the CREATED counter on behalf of a peer
// process about to be spawned (spec.md §4.J: "pre-incremented before
// spawning a process so peers know to wait for it"), before that peer has
// had a chance to increment it itself.
func (b *Barrier) PreIncrementCreated() {
	b.lock.Lock(b.pid, b.gid)
	defer b.lock.Unlock(b.pid, b.gid)
	atomic.AddInt64(b.ptr(Created), 1)
}

// Advance moves this process to level, incrementing its shared counter.
// level must be later than the process's own last-reached level; levels
// may be skipped, and any level is accepted as the first call. A process
// whose CREATED slot was already pre-incremented by a spawner should call
// AdvancePastCreated rather than Advance(Created).
func (b *Barrier) Advance(level Level) error {
	if level <= b.current {
		return fmt.Errorf("%w: at %s, requested %s", ErrNotMonotonic, b.current, level)
	}
	b.lock.Lock(b.pid, b.gid)
	atomic.AddInt64(b.ptr(level), 1)
	b.lock.Unlock(b.pid, b.gid)
	b.current = level
	return nil
}

// AdvancePastCreated records that this process has reached Created
// without re-incrementing the counter (a spawning parent already did that
// via PreIncrementCreated). Must be the first call on a freshly spawned
// peer.
func (b *Barrier) AdvancePastCreated() {
	b.current = Created
}

// WaitFor busy-waits, in PollInterval steps, until level's counter equals
// the CREATED counter — the point at which every process that will exist
// this generation has reached level.
func (b *Barrier) WaitFor(level Level) {
	for {
		created := b.Count(Created)
		if b.Count(level) >= created {
			return
		}
		time.Sleep(PollInterval)
	}
}

// Current returns the level this process last advanced to.
func (b *Barrier) Current() Level { return b.current }
