// Package clock implements the simulator's shared clock, spec.md §4.I:
// a single indirection for "what time is it" that every component reads,
// and only the simulator controller writes.
//
// Grounded on the original Tekkotsu Shared/TimeET.h and
// local/tekkotsu/SharedGlobals.* for the "small shared struct of plain
// fields, mutated under atomics rather than a lock" shape — the same
// pattern internal/region uses for its header, reused here since the
// clock is exactly this kind of tiny hot-path shared value.
package clock

import (
	"sync/atomic"
	"unsafe"

	"github.com/rs/zerolog"

	"github.com/kestrel-robotics/robocore/internal/logx"
	"github.com/kestrel-robotics/robocore/internal/region"
)

// fields, as byte offsets into the backing region (8 bytes each, atomic
// int64 access via unsafe.Pointer casts over real shared memory).
const (
	offScale         = 0
	offOffset        = 8
	offFrozen        = 16
	offSimulatorTime = 24
	offAutoPause     = 32
	offPrevScale     = 40
	offPrevPrevScale = 48
	offLastTime      = 56

	// RegionSize is the number of region bytes New requires.
	RegionSize = 64
)

// noAutoPause is the sentinel "no pending auto-pause" value.
const noAutoPause = int64(1<<63 - 1)

// Clock reads and writes the simulator's notion of elapsed time. Regimes,
// selected by the signed Scale:
//   - Scale > 0: time = wall-clock age * Scale − offset (running, scaled).
//   - Scale == 0: time is frozen at its last computed value.
//   - Scale < 0: time is the explicit SimulatorTime field, advanced by the
//     controller rather than wall-clock (stepped / full-speed mode).
type Clock struct {
	reg         *region.Region
	now         func() int64 // wall-clock age in ms since process start
	onAutoPause func(clamped int64)
	log         zerolog.Logger
}

// New wraps a region of at least RegionSize bytes as a Clock. now returns
// elapsed wall-clock milliseconds; onAutoPause (optional) is called
// in-process exactly once per auto-pause clamp event — cross-process
// notification is the controller's job, via a control command posted
// through its own MessageQueue, not this package's concern.
func New(r *region.Region, now func() int64, onAutoPause func(clamped int64), log zerolog.Logger) *Clock {
	c := &Clock{reg: r, now: now, onAutoPause: onAutoPause, log: logx.Component(log, "clock")}
	if atomic.LoadInt64(c.ptr(offAutoPause)) == 0 {
		atomic.StoreInt64(c.ptr(offAutoPause), noAutoPause)
	}
	return c
}

func (c *Clock) ptr(off int) *int64 {
	return (*int64)(unsafe.Pointer(&c.reg.Base()[off]))
}

// SetInitialTime seeds the clock's frozen/simulator value before any
// reader has called GetTime (e.g. from config's InitialTime).
func (c *Clock) SetInitialTime(t int64) {
	atomic.StoreInt64(c.ptr(offFrozen), t)
	atomic.StoreInt64(c.ptr(offSimulatorTime), t)
	atomic.StoreInt64(c.ptr(offLastTime), t)
}

// SetScale commands a new time-scale regime. The actual offset/frozen
// recomputation needed to avoid a visible jump happens lazily, the next
// time any reader calls GetTime (spec.md §4.I: "transitions ... are
// detected inside getTime()").
func (c *Clock) SetScale(scale int64) {
	atomic.StoreInt64(c.ptr(offScale), scale)
}

// Scale returns the currently commanded time-scale.
func (c *Clock) Scale() int64 { return atomic.LoadInt64(c.ptr(offScale)) }

// SetSimulatorTime advances the explicit stepped-mode clock value. Only
// meaningful while Scale() < 0; the controller alone calls this.
func (c *Clock) SetSimulatorTime(t int64) {
	atomic.StoreInt64(c.ptr(offSimulatorTime), t)
}

// SetAutoPauseTime arms a clamp-and-pause at t. Passing a value ≤ the
// current time has no retroactive effect; it simply won't have fired yet
// the next time GetTime is polled.
func (c *Clock) SetAutoPauseTime(t int64) {
	atomic.StoreInt64(c.ptr(offAutoPause), t)
}

// ClearAutoPauseTime disarms any pending auto-pause.
func (c *Clock) ClearAutoPauseTime() {
	atomic.StoreInt64(c.ptr(offAutoPause), noAutoPause)
}

// GetTime returns the simulator's current time in milliseconds, handling
// regime transitions and the auto-pause clamp. Polled, not scheduled:
// concurrent readers inside a just-clamped window observe the same
// clamped value (spec.md §4.I), since the clamp is applied before
// returning and before the next lastTime is published.
func (c *Clock) GetTime() int64 {
	scale := atomic.LoadInt64(c.ptr(offScale))
	prev := atomic.LoadInt64(c.ptr(offPrevScale))

	if scale != prev {
		c.onTransition(scale, prev)
	}

	var t int64
	switch {
	case scale > 0:
		offset := atomic.LoadInt64(c.ptr(offOffset))
		t = c.now()*scale - offset
	case scale == 0:
		t = atomic.LoadInt64(c.ptr(offFrozen))
	default:
		t = atomic.LoadInt64(c.ptr(offSimulatorTime))
	}

	if scale > 0 {
		if ap := atomic.LoadInt64(c.ptr(offAutoPause)); ap != noAutoPause && t >= ap {
			t = ap
			if atomic.CompareAndSwapInt64(c.ptr(offScale), scale, 0) {
				// We won the race to fire the clamp: commit the frozen
				// value and notify exactly once. Losers simply observe
				// scale==0 on their own next read.
				atomic.StoreInt64(c.ptr(offFrozen), ap)
				atomic.StoreInt64(c.ptr(offPrevPrevScale), prev)
				atomic.StoreInt64(c.ptr(offPrevScale), scale)
				if c.onAutoPause != nil {
					c.onAutoPause(ap)
				}
			}
		}
	}

	atomic.StoreInt64(c.ptr(offLastTime), t)
	return t
}

// onTransition recomputes the field backing the new regime so time
// continues from its last published value rather than jumping. Only
// prevScale is consulted to detect a transition; prevPrevScale is recorded
// alongside it but nothing reads it, so there is no two-sample hysteresis.
// A second auto-pause notification for the same clamp is prevented solely
// by the compare-and-swap on the scale in GetTime.
func (c *Clock) onTransition(scale, prev int64) {
	last := atomic.LoadInt64(c.ptr(offLastTime))
	switch {
	case scale > 0:
		age := c.now()
		if age != 0 {
			atomic.StoreInt64(c.ptr(offOffset), age*scale-last)
		}
	case scale == 0:
		atomic.StoreInt64(c.ptr(offFrozen), last)
	default:
		// Keep a stepped value the controller has already moved forward;
		// only an older one is brought up to the last published time.
		if atomic.LoadInt64(c.ptr(offSimulatorTime)) < last {
			atomic.StoreInt64(c.ptr(offSimulatorTime), last)
		}
	}
	atomic.StoreInt64(c.ptr(offPrevPrevScale), prev)
	atomic.StoreInt64(c.ptr(offPrevScale), scale)
}
