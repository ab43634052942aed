package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"autoprbot/internal/eventbus"
	"autoprbot/internal/relay"
	rtsup "autoprbot/internal/runtime/supervisor"
	logx "autoprbot/pkg/logx"
)

// Controller owns the lifecycle of at most one background loop plus any
// number of independent one-shot runs.
type Controller struct {
	mu     sync.Mutex
	state  State
	cur    *loopRun // non-nil while state != StateIdle
	last   *loopRun // most recent loop instance, for Snapshot/Done
	closed bool

	base context.Context
	sup  *rtsup.Supervisor
	out  relay.Emitter
	log  logx.Logger
	bus  eventbus.Bus

	onceInFlight atomic.Int64
	onceRuns     atomic.Uint64
	onceFailures atomic.Uint64
}

// loopRun is one StartLoop instance. Its stop channel is the cancellation
// signal; it is closed at most once, under Controller.mu.
type loopRun struct {
	id       string
	interval time.Duration
	started  time.Time
	stop     chan struct{}
	done     chan struct{}

	iterations atomic.Uint64
	failures   atomic.Uint64

	mu        sync.Mutex
	lastRunAt time.Time
	lastErr   string
}

func (r *loopRun) stopped() bool {
	select {
	case <-r.stop:
		return true
	default:
		return false
	}
}

// New creates an idle controller. ctx bounds the lifetime of every job
// execution (process shutdown); out receives progress lines.
func New(ctx context.Context, out relay.Emitter, log logx.Logger, bus eventbus.Bus) *Controller {
	if ctx == nil {
		ctx = context.Background()
	}
	if out == nil {
		out = relay.Func(nil)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Controller{
		base: ctx,
		sup:  rtsup.New(ctx, rtsup.WithLogger(log)),
		out:  out,
		log:  log,
		bus:  bus,
	}
}

// State reports the current loop state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsRunning reports whether a loop goroutine exists (running or draining).
func (c *Controller) IsRunning() bool { return c.State() != StateIdle }

// RunOnce executes job on its own goroutine and returns immediately.
// One-shot runs share nothing with the loop and with each other.
func (c *Controller) RunOnce(job Job) error {
	if job == nil {
		return ErrNilJob
	}
	c.onceInFlight.Add(1)
	go func() {
		defer c.onceInFlight.Add(-1)
		c.onceRuns.Add(1)
		start := time.Now()
		err := c.execute(c.base, job)
		if err != nil {
			c.onceFailures.Add(1)
			c.out.Emit(errorPrefix + err.Error())
			c.log.Warn("run once failed", logx.Err(err), logx.Duration("took", time.Since(start)))
		} else {
			c.log.Debug("run once finished", logx.Duration("took", time.Since(start)))
		}
		c.publish(EventJobFinished, JobEvent{Mode: "once", Started: start, Duration: time.Since(start), Error: errString(err)})
	}()
	return nil
}

// StartLoop spawns the loop goroutine. It returns ErrAlreadyRunning, without
// touching the existing loop, unless the controller is idle.
func (c *Controller) StartLoop(job Job, interval time.Duration) error {
	if job == nil {
		return ErrNilJob
	}
	if interval <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidInterval, interval)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	run := &loopRun{
		id:       uuid.NewString(),
		interval: interval,
		started:  time.Now(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	c.state = StateRunning
	c.cur = run
	c.last = run
	c.mu.Unlock()

	c.log.Info("loop started", logx.String("loop", run.id), logx.Duration("interval", interval))
	c.publish(EventLoopStarted, LoopEvent{LoopID: run.id, Interval: interval})

	c.sup.Go("loop", func(ctx context.Context) error {
		return c.loop(ctx, run, job)
	})
	return nil
}

// StopLoop signals the running loop to stop at its next iteration boundary
// and returns immediately. It reports whether a stop was actually requested;
// calling it while idle or already stopping is a no-op.
func (c *Controller) StopLoop() bool {
	run, ok := c.requestStop()
	if !ok {
		return false
	}
	c.out.Emit(StopAck)
	c.log.Info("loop stop requested", logx.String("loop", run.id))
	c.publish(EventLoopStopping, LoopEvent{LoopID: run.id, Interval: run.interval, Iterations: run.iterations.Load()})
	return true
}

func (c *Controller) requestStop() (*loopRun, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateRunning || c.cur == nil {
		return nil, false
	}
	c.state = StateStopRequested
	close(c.cur.stop)
	return c.cur, true
}

// Done returns a channel closed when the current (or most recent) loop
// instance has exited. With no loop ever started it is already closed.
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.last.done
}

// Close stops the loop and waits for it up to ctx. After Close, StartLoop
// fails with ErrClosed. If ctx expires first the loop is abandoned: its
// context is canceled and Close returns ctx.Err().
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	if run, ok := c.requestStop(); ok {
		c.log.Info("loop stop requested (shutdown)", logx.String("loop", run.id))
	}
	select {
	case <-c.Done():
		c.sup.Cancel()
		return nil
	case <-ctx.Done():
		c.sup.Cancel()
		c.log.Warn("loop did not stop in time; abandoning", logx.Err(ctx.Err()))
		return ctx.Err()
	}
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	snap := Snapshot{State: c.state}
	run := c.last
	c.mu.Unlock()

	if run != nil {
		snap.LoopID = run.id
		snap.Interval = run.interval
		snap.StartedAt = run.started
		snap.Iterations = run.iterations.Load()
		snap.Failures = run.failures.Load()
		run.mu.Lock()
		snap.LastRunAt = run.lastRunAt
		snap.LastError = run.lastErr
		run.mu.Unlock()
	}
	snap.OnceInFlight = c.onceInFlight.Load()
	snap.OnceRuns = c.onceRuns.Load()
	snap.OnceFailures = c.onceFailures.Load()
	return snap
}

// loop is the body of the loop goroutine. The stop channel is checked before
// each execution and raced against the interval wait, so a stop lands at the
// next iteration boundary.
func (c *Controller) loop(ctx context.Context, run *loopRun, job Job) error {
	defer c.finish(run)

	for {
		if run.stopped() || ctx.Err() != nil {
			return nil
		}

		n := run.iterations.Add(1)
		start := time.Now()
		err := c.execute(ctx, job)
		run.mu.Lock()
		run.lastRunAt = start
		run.lastErr = errString(err)
		run.mu.Unlock()
		if err != nil {
			run.failures.Add(1)
			c.out.Emit(errorPrefix + err.Error())
			c.log.Warn("loop iteration failed", logx.String("loop", run.id), logx.Uint64("iteration", n), logx.Err(err))
		} else {
			c.log.Debug("loop iteration finished", logx.String("loop", run.id), logx.Uint64("iteration", n), logx.Duration("took", time.Since(start)))
		}
		c.publish(EventJobFinished, JobEvent{Mode: "loop", LoopID: run.id, Iteration: n, Started: start, Duration: time.Since(start), Error: errString(err)})

		t := time.NewTimer(run.interval)
		select {
		case <-run.stop:
			t.Stop()
			return nil
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// finish is the only place a loop returns the controller to idle.
func (c *Controller) finish(run *loopRun) {
	c.mu.Lock()
	if c.cur == run {
		c.state = StateIdle
		c.cur = nil
	}
	close(run.done)
	c.mu.Unlock()

	c.log.Info("loop stopped", logx.String("loop", run.id), logx.Uint64("iterations", run.iterations.Load()), logx.Uint64("failures", run.failures.Load()))
	c.publish(EventLoopStopped, LoopEvent{LoopID: run.id, Interval: run.interval, Iterations: run.iterations.Load()})
}

// execute runs job, converting a panic into an error.
func (c *Controller) execute(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			c.log.Error("job panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return job.Execute(ctx)
}

func (c *Controller) publish(typ string, data any) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(eventbus.Event{Type: typ, Data: data})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
