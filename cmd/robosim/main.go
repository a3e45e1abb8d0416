// Command robosim is the entrypoint binary: it loads configuration,
// selects a process identity, wires the IPC substrate (semaphore set,
// shared regions, message queues), and runs the simulator controller's
// frame loop alongside its command REPL until shutdown.
//
// Grounded on the original sim.cc / Simulator main() startup sequence,
// and the teacher's signal-handling shape for releasing OS-owned
// resources on interrupt.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/kestrel-robotics/robocore/internal/clock"
	"github.com/kestrel-robotics/robocore/internal/config"
	"github.com/kestrel-robotics/robocore/internal/logx"
	"github.com/kestrel-robotics/robocore/internal/region"
	"github.com/kestrel-robotics/robocore/internal/runlevel"
	"github.com/kestrel-robotics/robocore/internal/semset"
	"github.com/kestrel-robotics/robocore/internal/simulator"
	"github.com/kestrel-robotics/robocore/internal/xmutex"
)

// Exit codes per spec.md §6.
const (
	exitClean          = 0
	exitStartupFailure = 1
	exitArgParseFailure = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("robosim", flag.ContinueOnError)
	configPath := fs.String("config", "robocore.yaml", "path to the configuration document")
	pid := fs.Int("pid", 1, "logical process id for this launch (multiprocess mode forks per process id)")
	verbose := fs.Bool("verbose", false, "enable debug-level logging")
	pretty := fs.Bool("pretty", true, "use the human-readable console log writer")
	baseShmKey := fs.Int("shm-key-base", 0x524F424F, "base SysV IPC key for named shared memory in multiprocess mode")
	if err := fs.Parse(args); err != nil {
		return exitArgParseFailure
	}

	cfg, err := config.Load(*configPath, fs.Args())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitArgParseFailure
	}

	log := logx.New(os.Stderr, *verbose, *pretty)
	log = logx.Component(log, "robosim")

	if err := start(cfg, int32(*pid), *baseShmKey, log); err != nil {
		log.Error().Err(err).Msg("robosim: startup failed")
		return exitStartupFailure
	}
	return exitClean
}

func start(cfg *config.Config, pid int32, baseShmKey int, log zerolog.Logger) error {
	sem, err := semset.New(semset.Options{
		N: 64, Multiprocess: cfg.Multiprocess, Key: baseShmKey, Log: log,
	})
	if err != nil {
		return fmt.Errorf("allocating semaphore set: %w", err)
	}
	defer func() {
		if err := sem.Close(); err != nil {
			log.Error().Err(err).Msg("robosim: releasing semaphore set")
		}
	}()

	lock, err := xmutex.New(sem, log)
	if err != nil {
		return fmt.Errorf("constructing global mutex: %w", err)
	}

	rm := region.NewManager(cfg.Multiprocess, baseShmKey, log)
	gid := uint64(os.Getpid())

	// registryKey is the well-known bootstrap key every process in a
	// multiprocess deployment agrees on without prior rendezvous: the
	// primary process (pid 1) creates it, every other process attaches
	// it directly, then looks up the regions it needs by name rather
	// than having to agree on allocation order (spec.md §4.E). CreateBySize
	// never hands out key 0 itself, so reserving it here is safe.
	const registryKey = region.Key(0)
	const registryCapacity = 8

	var registryRegion *region.Region
	if pid == 1 {
		registryRegion, err = rm.CreateNamed(registryKey, region.RegistrySize(registryCapacity))
	} else {
		registryRegion, err = rm.Attach(registryKey)
	}
	if err != nil {
		return fmt.Errorf("attaching region registry: %w", err)
	}
	registry := region.NewRegistry(registryRegion, lock)

	clockRegion, err := attachNamedRegion(rm, registry, pid, gid, "clock", clock.RegionSize)
	if err != nil {
		return err
	}
	clk := clock.New(clockRegion, func() int64 { return time.Now().UnixMilli() }, func(clamped int64) {
		log.Warn().Int64("time", clamped).Msg("robosim: auto-pause reached")
	}, log)
	clk.SetInitialTime(cfg.InitialTime)
	clk.SetScale(int64(cfg.Speed))

	barrierRegion, err := attachNamedRegion(rm, registry, pid, gid, "runlevel", runlevel.RegionSize)
	if err != nil {
		return err
	}
	barrier := runlevel.New(barrierRegion, lock, pid, gid, log)
	if err := barrier.Advance(runlevel.Created); err != nil {
		return fmt.Errorf("advancing to CREATED: %w", err)
	}
	if err := barrier.Advance(runlevel.Constructing); err != nil {
		return fmt.Errorf("advancing to CONSTRUCTING: %w", err)
	}

	ctrl, err := simulator.New(rm, sem, lock, clk, barrier, pid, gid, simulator.Config{}, log)
	if err != nil {
		return fmt.Errorf("constructing simulator controller: %w", err)
	}
	ctrl.SetCommandHandler(simulator.DefaultCommandHandler(os.Stdout))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// A second interrupt/term while a graceful shutdown is already under
	// way means the caller has given up waiting for it: take the
	// async-signal-safe fault path directly rather than continuing to
	// wait on the errgroup (spec.md §7.4, §5 "Signal safety").
	forceQuit := make(chan os.Signal, 1)
	signal.Notify(forceQuit, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		<-forceQuit
		log.Warn().Msg("robosim: second interrupt received, forcing fault shutdown")
		sem.FaultShutdown()
	}()
	defer signal.Stop(forceQuit)

	if err := barrier.Advance(runlevel.Starting); err != nil {
		return fmt.Errorf("advancing to STARTING: %w", err)
	}
	ctrl.OnRunlevelTransition(runlevel.Starting)
	if err := barrier.Advance(runlevel.Running); err != nil {
		return fmt.Errorf("advancing to RUNNING: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	cmdReceiver, err := ctrl.StartCommandReceiver(gctx, log)
	if err != nil {
		return fmt.Errorf("starting command receiver: %w", err)
	}
	g.Go(func() error { return cmdReceiver.Run(gctx) })
	g.Go(func() error { return ctrl.Run(gctx) })
	if cfg.WaitForSensors {
		barrier.WaitFor(runlevel.Running)
	}

	repl := simulator.NewRepl(ctrl, os.Stdin, os.Stdout, log)
	g.Go(func() error { return repl.Run(gctx) })

	err = g.Wait()

	if advErr := barrier.Advance(runlevel.Stopping); advErr != nil {
		log.Warn().Err(advErr).Msg("robosim: advancing to STOPPING during shutdown")
	} else {
		ctrl.OnRunlevelTransition(runlevel.Stopping)
	}
	if advErr := barrier.Advance(runlevel.Destructing); advErr != nil {
		log.Warn().Err(advErr).Msg("robosim: advancing to DESTRUCTING during shutdown")
	}
	if advErr := barrier.Advance(runlevel.Destructed); advErr != nil {
		log.Warn().Err(advErr).Msg("robosim: advancing to DESTRUCTED during shutdown")
	}

	return err
}

// attachNamedRegion resolves a region by name through reg: the primary
// process creates and registers it, any other process looks up the name
// and attaches the key it finds (spec.md §4.E late-arriving-process
// discovery).
func attachNamedRegion(rm *region.Manager, reg *region.Registry, pid int32, gid uint64, name string, size int) (*region.Region, error) {
	if pid == 1 {
		r, err := rm.CreateBySize(size)
		if err != nil {
			return nil, fmt.Errorf("creating %s region: %w", name, err)
		}
		if err := reg.RegisterRegion(pid, gid, name, r.ID()); err != nil {
			return nil, fmt.Errorf("registering %s region: %w", name, err)
		}
		return r, nil
	}
	key, ok := reg.Find(pid, gid, name)
	if !ok {
		return nil, fmt.Errorf("region %q not yet registered by the primary process", name)
	}
	r, err := rm.Attach(key)
	if err != nil {
		return nil, fmt.Errorf("attaching %s region: %w", name, err)
	}
	return r, nil
}
