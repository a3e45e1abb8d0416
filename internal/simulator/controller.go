// Package simulator implements the top-level orchestrator of spec.md
// §4.L: SimulatorController owns every shared queue, steps data sources
// and the clock each frame, dispatches motion hooks across runlevel
// transitions, and serves the command REPL (repl.go).
//
// Grounded on the original local/tekkotsu/Simulator.{h,cc} frame loop and
// sim.cc's command table, and on the teacher's eventloop.Loop for the
// single-owner tick-and-dispatch shape.
package simulator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/kestrel-robotics/robocore/internal/clock"
	"github.com/kestrel-robotics/robocore/internal/logx"
	"github.com/kestrel-robotics/robocore/internal/motion"
	"github.com/kestrel-robotics/robocore/internal/msgqueue"
	"github.com/kestrel-robotics/robocore/internal/region"
	"github.com/kestrel-robotics/robocore/internal/runlevel"
	"github.com/kestrel-robotics/robocore/internal/semset"
	"github.com/kestrel-robotics/robocore/internal/xmutex"
)

// watchdogThreshold is how long a motion hook may go uncalled before the
// watchdog reports it as possibly stuck (spec.md §4.L).
const watchdogThreshold = time.Second

// watchdogPollInterval is how often the watchdog goroutine checks.
const watchdogPollInterval = 250 * time.Millisecond

// SourceKind distinguishes the four categories of per-frame data source
// (spec.md §4.L "nextVision, nextSensor, nextTimer, nextMotion").
type SourceKind int

const (
	VisionSource SourceKind = iota
	SensorSource
	TimerSource
	MotionSource
)

// DataSource is one registered producer the controller steps each frame.
type DataSource interface {
	Name() string
	Kind() SourceKind
	// NextEventTime returns the absolute simulator time (ms) this source
	// is next due, or -1 if nothing is pending.
	NextEventTime() int64
	// Advance moves the source up to simTime, reporting whether it
	// produced new data ("dirty").
	Advance(simTime int64) (dirty bool, err error)
	// HeartbeatPeriod is the interval (ms) this source must post even
	// when not dirty; <= 0 disables heartbeating. Only consulted for
	// SensorSource kind, per spec.md §4.L.
	HeartbeatPeriod() int64
	// Region packages the source's current data for posting.
	Region(rm *region.Manager) (*region.Region, error)
}

// MotionHook receives dispatched motion buffers and runlevel/realtime
// transition notifications (spec.md §4.K step 4, §4.L).
type MotionHook interface {
	motion.Hook
	MotionStarting()
	MotionStopping()
	EnteringRealtime()
	LeavingRealtime()
}

// Queues bundles every shared queue the controller registers at
// construction (spec.md §4.L).
type Queues struct {
	CameraFrame  *msgqueue.Queue
	SensorFrame  *msgqueue.Queue
	TimerWake    *msgqueue.Queue
	MotionWake   *msgqueue.Queue
	Status       *msgqueue.Queue
	Command      *msgqueue.Queue
	Event        *msgqueue.Queue
	MotionOut    *msgqueue.Queue
	MotionOutPID *msgqueue.Queue
}

// Config configures queue capacities; zero fields fall back to sane
// defaults for a single simulated robot.
type Config struct {
	WakeCapacity    int // camera-frame, sensor-frame, timer-wake, motion-wake
	StatusCapacity  int // status, command
	EventCapacity   int // event, motion-out, motion-out-pid
	MaxReceivers    int
	MaxStatusListen int
}

func (c *Config) setDefaults() {
	if c.WakeCapacity <= 0 {
		c.WakeCapacity = 8
	}
	if c.StatusCapacity <= 0 {
		c.StatusCapacity = 64
	}
	if c.EventCapacity <= 0 {
		c.EventCapacity = 32
	}
	if c.MaxReceivers <= 0 {
		c.MaxReceivers = 4
	}
	if c.MaxStatusListen <= 0 {
		c.MaxStatusListen = 2
	}
}

// CommandHandler processes one decoded command-queue region (repl.go
// posts commands through the same queue the controller's command
// receiver reads from).
type CommandHandler func(ctx context.Context, c *Controller, line string) error

// Controller is the simulator's top-level orchestrator.
type Controller struct {
	rm      *region.Manager
	sem     *semset.Manager
	lock    *xmutex.Mutex
	clk     *clock.Clock
	barrier *runlevel.Barrier
	log     zerolog.Logger
	pid     int32
	gid     uint64

	Queues Queues

	mu       sync.Mutex
	sources  []DataSource
	lastSent map[string]int64
	hooks    []MotionHook

	lastHookCall atomic.Int64 // unix nano; 0 means never called
	prevScale    int64
	cmdHandler   CommandHandler

	cancel atomic.Bool
}

// New constructs a Controller and registers its nine shared queues.
func New(rm *region.Manager, sem *semset.Manager, lock *xmutex.Mutex, clk *clock.Clock, barrier *runlevel.Barrier, pid int32, gid uint64, cfg Config, log zerolog.Logger) (*Controller, error) {
	cfg.setDefaults()
	log = logx.Component(log, "simulator")

	c := &Controller{
		rm: rm, sem: sem, lock: lock, clk: clk, barrier: barrier,
		log: log, pid: pid, gid: gid,
		lastSent: make(map[string]int64),
	}

	build := func(name string, capacity int, policy msgqueue.OverflowPolicy) (*msgqueue.Queue, error) {
		q, err := msgqueue.New(msgqueue.Options{
			Sem: sem, Lock: lock, Capacity: capacity,
			MaxReceivers: cfg.MaxReceivers, MaxStatusListen: cfg.MaxStatusListen,
			Policy: policy, OwnerPID: pid, OwnerGID: gid, Log: log,
		})
		if err != nil {
			return nil, fmt.Errorf("simulator: registering %s queue: %w", name, err)
		}
		return q, nil
	}

	var err error
	if c.Queues.CameraFrame, err = build("camera-frame", cfg.WakeCapacity, msgqueue.DropOldest); err != nil {
		return nil, err
	}
	if c.Queues.SensorFrame, err = build("sensor-frame", cfg.WakeCapacity, msgqueue.DropOldest); err != nil {
		return nil, err
	}
	if c.Queues.TimerWake, err = build("timer-wake", cfg.WakeCapacity, msgqueue.DropOldest); err != nil {
		return nil, err
	}
	if c.Queues.MotionWake, err = build("motion-wake", cfg.WakeCapacity, msgqueue.DropOldest); err != nil {
		return nil, err
	}
	if c.Queues.Status, err = build("status", cfg.StatusCapacity, msgqueue.Wait); err != nil {
		return nil, err
	}
	if c.Queues.Command, err = build("command", cfg.StatusCapacity, msgqueue.Wait); err != nil {
		return nil, err
	}
	// event, motion-out, motion-out-pid are streamed diagnostics/results:
	// the spec names only wake queues and status/command explicitly for
	// policy, so these follow the wake queues' DropOldest (a slow
	// consumer should see the latest state, not backpressure the sim).
	if c.Queues.Event, err = build("event", cfg.EventCapacity, msgqueue.DropOldest); err != nil {
		return nil, err
	}
	if c.Queues.MotionOut, err = build("motion-out", cfg.EventCapacity, msgqueue.DropOldest); err != nil {
		return nil, err
	}
	if c.Queues.MotionOutPID, err = build("motion-out-pid", cfg.EventCapacity, msgqueue.DropOldest); err != nil {
		return nil, err
	}

	return c, nil
}

// AddSource registers a per-frame data source.
func (c *Controller) AddSource(s DataSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources = append(c.sources, s)
}

// AddMotionHook registers a motion hook for runlevel/realtime transition
// notification. Dispatch calls the same hooks MotionExecutor drives
// directly; the controller only needs the lifecycle methods, but the
// watchdog timestamps every call including Dispatch, so AddMotionHook
// wraps and forwards.
func (c *Controller) AddMotionHook(h MotionHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, h)
}

// SetCommandHandler installs the REPL's command dispatcher.
func (c *Controller) SetCommandHandler(h CommandHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cmdHandler = h
}

// touchWatchdog records that a motion hook was just invoked.
func (c *Controller) touchWatchdog() {
	c.lastHookCall.Store(time.Now().UnixNano())
}

// Dispatch fans a motion-executor tick buffer out to every registered
// hook (implements motion.Hook so Controller can be handed straight to
// motion.Executor.AddHook), timestamping the watchdog per call.
func (c *Controller) Dispatch(buf []float32, numFrames, numOutputs int) {
	c.mu.Lock()
	hooks := append([]MotionHook(nil), c.hooks...)
	c.mu.Unlock()
	c.touchWatchdog()
	for _, h := range hooks {
		h.Dispatch(buf, numFrames, numOutputs)
	}
}

// OnRunlevelTransition fires MotionStarting/MotionStopping on every
// registered hook as the process crosses into Starting or Stopping
// (spec.md §4.L).
func (c *Controller) OnRunlevelTransition(to runlevel.Level) {
	c.mu.Lock()
	hooks := append([]MotionHook(nil), c.hooks...)
	c.mu.Unlock()
	c.touchWatchdog()
	switch to {
	case runlevel.Starting:
		for _, h := range hooks {
			h.MotionStarting()
		}
	case runlevel.Stopping:
		for _, h := range hooks {
			h.MotionStopping()
		}
	}
}

// checkRealtimeTransition fires EnteringRealtime/LeavingRealtime as the
// clock's scale crosses zero between ticks.
func (c *Controller) checkRealtimeTransition() {
	scale := c.clk.Scale()
	prev := c.prevScale
	c.prevScale = scale
	if prev <= 0 && scale > 0 {
		c.mu.Lock()
		hooks := append([]MotionHook(nil), c.hooks...)
		c.mu.Unlock()
		c.touchWatchdog()
		for _, h := range hooks {
			h.EnteringRealtime()
		}
	} else if prev > 0 && scale <= 0 {
		c.mu.Lock()
		hooks := append([]MotionHook(nil), c.hooks...)
		c.mu.Unlock()
		c.touchWatchdog()
		for _, h := range hooks {
			h.LeavingRealtime()
		}
	}
}

// Frame executes one pass of the per-frame loop (spec.md §4.L): compute
// the next due event time across every source, in stepped mode advance
// simulator time to it, advance and post whichever sources are due.
func (c *Controller) Frame() error {
	c.checkRealtimeTransition()

	c.mu.Lock()
	sources := append([]DataSource(nil), c.sources...)
	c.mu.Unlock()

	next := int64(-1)
	for _, s := range sources {
		t := s.NextEventTime()
		if t < 0 {
			continue
		}
		if next < 0 || t < next {
			next = t
		}
	}
	if next < 0 {
		return nil // nothing pending this frame
	}

	if c.clk.Scale() < 0 {
		c.clk.SetSimulatorTime(next)
	}
	now := c.clk.GetTime()

	for _, s := range sources {
		due := s.NextEventTime()
		if due < 0 || due > now {
			continue
		}
		dirty, err := s.Advance(now)
		if err != nil {
			c.log.Error().Err(err).Str("source", s.Name()).Msg("simulator: data source advance failed")
			continue
		}

		send := dirty
		if !send && s.Kind() == SensorSource {
			hb := s.HeartbeatPeriod()
			if hb > 0 && now-c.lastSentFor(s.Name()) >= hb {
				send = true
			}
		}
		if !send {
			continue
		}

		r, err := s.Region(c.rm)
		if err != nil {
			c.log.Error().Err(err).Str("source", s.Name()).Msg("simulator: packaging source region failed")
			continue
		}
		q := c.queueFor(s.Kind())
		if _, err := q.SendMessage(r, true); err != nil {
			c.log.Error().Err(err).Str("source", s.Name()).Msg("simulator: posting source region failed")
		}
		c.setLastSentFor(s.Name(), now)
	}

	return nil
}

func (c *Controller) lastSentFor(name string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSent[name]
}

func (c *Controller) setLastSentFor(name string, t int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSent[name] = t
}

// decodeNulTerminated trims a command region's payload at its first NUL
// byte, or returns the whole buffer if none is present.
func decodeNulTerminated(buf []byte) string {
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i])
		}
	}
	return string(buf)
}

func (c *Controller) queueFor(k SourceKind) *msgqueue.Queue {
	switch k {
	case VisionSource:
		return c.Queues.CameraFrame
	case SensorSource:
		return c.Queues.SensorFrame
	case TimerSource:
		return c.Queues.TimerWake
	default:
		return c.Queues.MotionWake
	}
}

// PostCommand packages line as a null-terminated UTF-8 region and posts
// it to the command queue (spec.md §6 "Command: null-terminated UTF-8
// text"), matching how repl.go's Repl delivers user input.
func (c *Controller) PostCommand(line string) (uint64, error) {
	r, err := c.rm.CreateBySize(len(line) + 1)
	if err != nil {
		return 0, fmt.Errorf("simulator: allocating command region: %w", err)
	}
	copy(r.Base(), line)
	return c.Queues.Command.SendMessage(r, true)
}

// StartCommandReceiver registers the queue receiver that decodes each
// posted command-queue region as a UTF-8 line and hands it to the
// installed CommandHandler (spec.md §4.L "one receiver, the simulator
// controller, consumes them").
func (c *Controller) StartCommandReceiver(ctx context.Context, log zerolog.Logger) (*msgqueue.Receiver, error) {
	return msgqueue.NewReceiver(c.Queues.Command, func(r *region.Region, sn uint64) bool {
		line := decodeNulTerminated(r.Base())
		c.mu.Lock()
		handler := c.cmdHandler
		c.mu.Unlock()
		if handler == nil {
			return true
		}
		if err := handler(ctx, c, line); err != nil {
			c.log.Error().Err(err).Str("command", line).Msg("simulator: command handler failed")
		}
		return true
	}, log)
}

// Stop requests Run to exit at its next loop iteration.
func (c *Controller) Stop() { c.cancel.Store(true) }

// Run drives Frame in a loop, at a pace tied to the clock's time-scale
// when running in realtime (> 0), or as fast as sources have pending
// work in stepped mode (< 0). It also starts the motion-hook watchdog.
func (c *Controller) Run(ctx context.Context) error {
	watchdogDone := make(chan struct{})
	go func() {
		defer close(watchdogDone)
		c.runWatchdog(ctx)
	}()
	defer func() { <-watchdogDone }()

	for {
		if c.cancel.Load() || ctx.Err() != nil {
			return nil
		}
		if err := c.Frame(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.frameInterval()):
		}
	}
}

// frameInterval paces the loop: stepped mode free-runs (bounded only by
// a minimal yield), realtime mode ticks at a coarse fixed rate scaled by
// the clock — fine source-specific pacing is each DataSource's own
// responsibility via NextEventTime.
func (c *Controller) frameInterval() time.Duration {
	scale := c.clk.Scale()
	if scale < 0 {
		return time.Millisecond
	}
	if scale == 0 {
		return watchdogPollInterval
	}
	base := 10 * time.Millisecond
	return time.Duration(float64(base) / float64(scale))
}

func (c *Controller) runWatchdog(ctx context.Context) {
	ticker := time.NewTicker(watchdogPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.cancel.Load() {
				return
			}
			last := c.lastHookCall.Load()
			if last == 0 {
				continue
			}
			if since := time.Since(time.Unix(0, last)); since > watchdogThreshold {
				c.log.Warn().Dur("since_last_call", since).Msg("simulator: motion hook appears stuck")
			}
		}
	}
}
