package simulator

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/kestrel-robotics/robocore/internal/logx"
	"github.com/kestrel-robotics/robocore/internal/msgqueue"
)

// ErrUnknownCommand is returned by DefaultCommandHandler for a verb not
// in the spec.md §4.L command surface.
var ErrUnknownCommand = fmt.Errorf("simulator: unknown command")

// ErrNotSupported marks a verb that is recognized but cannot be carried
// out without application-specific wiring this package does not own
// (source factories for new/delete, a config serializer for load/save).
var ErrNotSupported = fmt.Errorf("simulator: command not supported in this build")

// verbs is the full command surface of spec.md §4.L.
var verbs = []string{
	"run", "pause", "step", "runto", "runfor", "advance", "freeze", "unfreeze",
	"reset", "load", "save", "print", "set", "status", "new", "delete", "post",
	"msg", "help", "quit",
}

// Repl is the interactive textual front-end: it reads command lines and
// posts each one onto the controller's command queue rather than
// mutating controller state directly, so remote operators and the local
// terminal share exactly one code path (spec.md §4.L).
type Repl struct {
	ctrl *Controller
	in   *bufio.Scanner
	out  io.Writer
	log  zerolog.Logger
}

// NewRepl wraps r/w as the REPL's line source and output sink.
func NewRepl(ctrl *Controller, r io.Reader, w io.Writer, log zerolog.Logger) *Repl {
	return &Repl{
		ctrl: ctrl,
		in:   bufio.NewScanner(r),
		out:  w,
		log:  logx.Component(log, "simulator.repl"),
	}
}

// Run reads lines until EOF, ctx cancellation, or a "quit" command,
// posting each non-blank line to the command queue.
func (rl *Repl) Run(ctx context.Context) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		for rl.in.Scan() {
			select {
			case lines <- rl.in.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- rl.in.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if _, err := rl.ctrl.PostCommand(line); err != nil {
				fmt.Fprintf(rl.out, "error: %v\n", err)
				continue
			}
			if strings.Fields(line)[0] == "quit" {
				return nil
			}
		}
	}
}

// DefaultCommandHandler implements the spec.md §4.L verb table directly
// against Controller state. Installed via Controller.SetCommandHandler;
// callers needing richer new/delete/load/save behaviour can wrap or
// replace it.
func DefaultCommandHandler(out io.Writer) CommandHandler {
	return func(ctx context.Context, c *Controller, line string) error {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			return nil
		}
		verb, args := fields[0], fields[1:]
		switch verb {
		case "run":
			c.clk.SetScale(1)
		case "pause", "freeze":
			c.clk.SetScale(0)
		case "unfreeze":
			c.clk.SetScale(1)
		case "step":
			return c.Frame()
		case "runto":
			t, err := parseInt(args)
			if err != nil {
				return err
			}
			return c.runUntil(t)
		case "runfor":
			d, err := parseInt(args)
			if err != nil {
				return err
			}
			return c.runUntil(c.clk.GetTime() + d)
		case "advance":
			d, err := parseInt(args)
			if err != nil {
				return err
			}
			c.clk.SetSimulatorTime(c.clk.GetTime() + d)
		case "reset":
			c.mu.Lock()
			c.lastSent = make(map[string]int64)
			c.mu.Unlock()
		case "status":
			fmt.Fprintf(out, "runlevel=%s scale=%d time=%d\n", c.barrier.Current(), c.clk.Scale(), c.clk.GetTime())
		case "print":
			if len(args) == 0 {
				return fmt.Errorf("print: missing key")
			}
			fmt.Fprintf(out, "%s=%s\n", args[0], c.printKey(args[0]))
		case "set":
			if len(args) < 2 {
				return fmt.Errorf("set: usage: set <key> <value>")
			}
			return c.setKey(args[0], args[1])
		case "post":
			if len(args) < 1 {
				return fmt.Errorf("post: usage: post <queue> [payload]")
			}
			return c.postToNamedQueue(args[0], strings.Join(args[1:], " "))
		case "msg":
			if len(args) < 1 {
				return fmt.Errorf("msg: usage: msg <queue>")
			}
			return c.printLatest(out, args[0])
		case "load", "save", "new", "delete":
			return ErrNotSupported
		case "help":
			fmt.Fprintf(out, "commands: %s\n", strings.Join(verbs, ", "))
		case "quit":
			c.Stop()
		default:
			return fmt.Errorf("%w: %s", ErrUnknownCommand, verb)
		}
		return nil
	}
}

func parseInt(args []string) (int64, error) {
	if len(args) == 0 {
		return 0, fmt.Errorf("missing numeric argument")
	}
	return strconv.ParseInt(args[0], 10, 64)
}

// runUntil busy-drives Frame in stepped mode until simulator time
// reaches target, matching runto/runfor's "advance to an absolute or
// relative time" semantics.
func (c *Controller) runUntil(target int64) error {
	c.clk.SetScale(-1)
	for c.clk.GetTime() < target {
		c.clk.SetSimulatorTime(min64(target, c.clk.GetTime()+1))
		if err := c.Frame(); err != nil {
			return err
		}
	}
	return nil
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func (c *Controller) printKey(key string) string {
	switch key {
	case "scale":
		return strconv.FormatInt(c.clk.Scale(), 10)
	case "time":
		return strconv.FormatInt(c.clk.GetTime(), 10)
	case "runlevel":
		return c.barrier.Current().String()
	default:
		return "<unknown key>"
	}
}

func (c *Controller) setKey(key, value string) error {
	switch key {
	case "scale":
		v, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		c.clk.SetScale(v)
	case "time":
		v, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		c.clk.SetSimulatorTime(v)
	default:
		return fmt.Errorf("set: unknown key %q", key)
	}
	return nil
}

func (c *Controller) queueByName(name string) (*msgqueue.Queue, bool) {
	switch name {
	case "camera-frame":
		return c.Queues.CameraFrame, true
	case "sensor-frame":
		return c.Queues.SensorFrame, true
	case "timer-wake":
		return c.Queues.TimerWake, true
	case "motion-wake":
		return c.Queues.MotionWake, true
	case "status":
		return c.Queues.Status, true
	case "command":
		return c.Queues.Command, true
	case "event":
		return c.Queues.Event, true
	case "motion-out":
		return c.Queues.MotionOut, true
	case "motion-out-pid":
		return c.Queues.MotionOutPID, true
	default:
		return nil, false
	}
}

func (c *Controller) postToNamedQueue(name, payload string) error {
	q, ok := c.queueByName(name)
	if !ok {
		return fmt.Errorf("post: unknown queue %q", name)
	}
	size := len(payload)
	if size == 0 {
		size = 1
	}
	r, err := c.rm.CreateBySize(size)
	if err != nil {
		return err
	}
	copy(r.Base(), payload)
	_, err = q.SendMessage(r, true)
	return err
}

func (c *Controller) printLatest(out io.Writer, name string) error {
	q, ok := c.queueByName(name)
	if !ok {
		return fmt.Errorf("msg: unknown queue %q", name)
	}
	idx := q.Newest()
	if q.IsEnd(idx) {
		fmt.Fprintf(out, "%s: empty\n", name)
		return nil
	}
	r, err := q.PeekMessage(idx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s: %q\n", name, string(r.Base()))
	return nil
}
