// Package motion implements the periodic motion tick of spec.md §4.K: a
// fixed-rate thread that computes an output-buffer frame, dispatches it
// to motion hooks, and applies delayed posture feedback back into sensor
// state.
//
// Grounded on the original MotionExecThread.{h,cc} for the six-step tick
// algorithm, and catrate/ring.go for the feedback-delay ring's generic
// index-arithmetic style (internal/motion/ring.go).
package motion

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/kestrel-robotics/robocore/internal/clock"
	"github.com/kestrel-robotics/robocore/internal/logx"
)

// pollGranularity bounds how long Run sleeps between re-checking the
// clock's time-scale, so a scale change or cancellation takes effect
// promptly rather than only at the end of a (possibly long, at low
// scales) tick period.
const pollGranularity = 20 * time.Millisecond

// PIDUpdate is one output's updated PID gains, as collected from a tick's
// fill step and published into sensor state (spec.md §4.K step 5).
type PIDUpdate struct {
	OutputIndex uint32
	P, I, D     float32
}

// Limit clamps a posture-feedback output to its mechanical range
// (spec.md §4.K step 6, §6 "Motion.FeedbackRangeLimits").
type Limit struct{ Min, Max float32 }

// SensorState is the collaborator holding current target/sensor values,
// mutated under its own internal lock.
type SensorState interface {
	// SnapshotTargets returns the current per-output target positions and,
	// per output, whether a driver is already supplying that output's
	// sensor value this tick.
	SnapshotTargets() (targets []float32, driverProvided []bool)
	// ApplyPIDUpdates publishes updated PID gains.
	ApplyPIDUpdates(updates []PIDUpdate)
	// ApplyPostureFeedback writes computed posture feedback for outputs
	// whose driver is not already providing values, unless overrideAll.
	ApplyPostureFeedback(values []float32, driverProvided []bool, overrideAll bool)
}

// Filler is the external motion-manager collaborator that computes one
// tick's output buffer (spec.md §4.K step 3).
type Filler interface {
	Fill(buf []float32, targets []float32, numFrames, numOutputs int) []PIDUpdate
}

// Hook receives the filled output buffer each tick (spec.md §4.K step 4).
type Hook interface {
	Dispatch(buf []float32, numFrames, numOutputs int)
}

// Config fixes the executor's frame geometry and feedback behaviour.
type Config struct {
	NumFrames       int
	NumOutputs      int
	FrameTimeMS     float64
	FeedbackDelayMS float64 // < 0 disables feedback entirely (open-loop)
	OverrideSensors bool
	RangeLimits     []Limit // len == NumOutputs, or nil to disable clamping
}

func (c Config) period() time.Duration {
	return time.Duration(float64(c.NumFrames) * c.FrameTimeMS * float64(time.Millisecond))
}

// Executor is the periodic motion tick thread.
type Executor struct {
	cfg     Config
	clk     *clock.Clock
	sensors SensorState
	filler  Filler
	log     zerolog.Logger

	mu    sync.Mutex
	hooks []Hook

	ring     *frameRing[uint32]
	lastPoll time.Time
	cancel   atomic.Bool
}

// New constructs an Executor. clk supplies the time-scale that paces the
// tick loop; hooks may be appended after construction via AddHook.
func New(cfg Config, clk *clock.Clock, sensors SensorState, filler Filler, log zerolog.Logger) *Executor {
	period := cfg.period()
	depth := 1
	if cfg.FeedbackDelayMS >= 0 && period > 0 {
		depth = int(math.Ceil(cfg.FeedbackDelayMS/float64(period.Milliseconds()))) + 1
	}
	return &Executor{
		cfg:     cfg,
		clk:     clk,
		sensors: sensors,
		filler:  filler,
		log:     logx.Component(log, "motion"),
		ring:    newFrameRing[uint32](depth, cfg.NumFrames*cfg.NumOutputs),
	}
}

// AddHook registers a motion hook to receive every tick's filled buffer.
func (e *Executor) AddHook(h Hook) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hooks = append(e.hooks, h)
}

// Tick executes one pass of the six-step algorithm (spec.md §4.K),
// exposed directly so tests and the stepped (timeScale<0) simulator loop
// can drive it without a real-time goroutine.
func (e *Executor) Tick(now time.Time) {
	targets, driverProvided := e.sensors.SnapshotTargets()

	period := e.cfg.period()
	elapsed := now.Sub(e.lastPoll)
	dropped := !e.lastPoll.IsZero() && period > 0 && elapsed > 2*period

	// A dropped tick advances the ring by however many periods were
	// actually missed, copying the last-known frame into every skipped
	// slot, rather than just one (spec.md §8 scenario 6).
	missed := 1
	if dropped {
		missed = int(elapsed / period)
		if missed < 1 {
			missed = 1
		}
	}
	for i := 0; i < missed; i++ {
		e.ring.advance()
	}
	buf := e.ring.current()

	if dropped {
		e.log.Warn().Dur("elapsed", elapsed).Int("missed", missed).Msg("motion: dropped frame, reusing previous buffer")
	} else {
		updates := e.filler.Fill(buf, targets, e.cfg.NumFrames, e.cfg.NumOutputs)
		if len(updates) > 0 {
			e.sensors.ApplyPIDUpdates(updates)
		}
	}
	e.lastPoll = now

	e.mu.Lock()
	hooks := append([]Hook(nil), e.hooks...)
	e.mu.Unlock()
	for _, h := range hooks {
		h.Dispatch(buf, e.cfg.NumFrames, e.cfg.NumOutputs)
	}

	if e.cfg.FeedbackDelayMS < 0 {
		return // open-loop: no posture feedback
	}
	delayFrames := 0
	if period > 0 {
		delayFrames = int(math.Ceil(e.cfg.FeedbackDelayMS / float64(period.Milliseconds())))
	}
	feedback := append([]float32(nil), e.ring.at(delayFrames)...)
	if e.cfg.RangeLimits != nil {
		clamp(feedback, e.cfg.RangeLimits, e.cfg.NumFrames, e.cfg.NumOutputs)
	}
	e.sensors.ApplyPostureFeedback(feedback, driverProvided, e.cfg.OverrideSensors)
}

func clamp(buf []float32, limits []Limit, numFrames, numOutputs int) {
	for f := 0; f < numFrames; f++ {
		for o := 0; o < numOutputs && o < len(limits); o++ {
			i := f*numOutputs + o
			if buf[i] < limits[o].Min {
				buf[i] = limits[o].Min
			} else if buf[i] > limits[o].Max {
				buf[i] = limits[o].Max
			}
		}
	}
}

// Stop requests the Run loop to exit at its next poll.
func (e *Executor) Stop() { e.cancel.Store(true) }

// Run drives Tick at NumFrames × FrameTime, scaled by the clock's
// time-scale. It stops — without error — whenever the time-scale is ≤ 0
// (spec.md §4.K "Cancellation") or ctx is cancelled, and re-reads the
// scale every pollGranularity so a scale change takes effect promptly.
func (e *Executor) Run(ctx context.Context) error {
	period := e.cfg.period()
	for {
		if e.cancel.Load() || ctx.Err() != nil {
			return nil
		}
		scale := e.clk.Scale()
		if scale <= 0 {
			return nil
		}
		wallInterval := time.Duration(float64(period) / float64(scale))
		if !e.sleepInterruptible(ctx, wallInterval) {
			return nil
		}
		e.Tick(time.Now())
	}
}

// sleepInterruptible sleeps for d in pollGranularity steps so Stop/ctx
// cancellation and time-scale changes are observed promptly; returns
// false if interrupted before d elapsed.
func (e *Executor) sleepInterruptible(ctx context.Context, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		if e.cancel.Load() || ctx.Err() != nil {
			return false
		}
		if e.clk.Scale() <= 0 {
			return false
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return true
		}
		step := pollGranularity
		if remaining < step {
			step = remaining
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(step):
		}
	}
}
