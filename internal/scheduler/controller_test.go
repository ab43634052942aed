package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"autoprbot/internal/eventbus"
	"autoprbot/internal/relay"
	logx "autoprbot/pkg/logx"
)

// unit is the test time unit standing in for "one second".
const unit = 40 * time.Millisecond

type lines struct {
	mu  sync.Mutex
	all []string
}

func (l *lines) add(s string) {
	l.mu.Lock()
	l.all = append(l.all, s)
	l.mu.Unlock()
}

func (l *lines) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.all...)
}

func (l *lines) count(s string) int {
	n := 0
	for _, x := range l.get() {
		if x == s {
			n++
		}
	}
	return n
}

func (l *lines) countPrefix(p string) int {
	n := 0
	for _, x := range l.get() {
		if strings.HasPrefix(x, p) {
			n++
		}
	}
	return n
}

// newTestController wires a controller to a pumped relay and returns the
// observed lines.
func newTestController(t *testing.T) (*Controller, *relay.Relay, *lines) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	r := relay.New()
	got := &lines{}
	r.Subscribe(got.add)
	go func() { _ = r.Run(ctx) }()

	c := New(ctx, r, logx.Nop(), nil)
	t.Cleanup(func() {
		cctx, ccancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer ccancel()
		_ = c.Close(cctx)
		cancel()
	})
	return c, r, got
}

func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out: %s", msg)
}

func waitDone(t *testing.T, done <-chan struct{}, within time.Duration) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(within):
		t.Fatalf("loop did not exit within %s", within)
	}
}

func TestStateString(t *testing.T) {
	t.Parallel()
	tests := map[State]string{
		StateIdle:          "idle",
		StateRunning:       "running",
		StateStopRequested: "stop_requested",
		State(42):          "unknown",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Fatalf("%d.String() = %q, want %q", s, got, want)
		}
	}
}

func TestRunOnceReportsError(t *testing.T) {
	t.Parallel()
	c, _, got := newTestController(t)

	if err := c.RunOnce(JobFunc(func(context.Context) error { return errors.New("X") })); err != nil {
		t.Fatalf("RunOnce err = %v", err)
	}
	eventually(t, 2*time.Second, func() bool { return len(got.get()) == 1 }, "error line")
	if l := got.get(); l[0] != "Error: X" {
		t.Fatalf("line = %q, want %q", l[0], "Error: X")
	}
	if c.State() != StateIdle {
		t.Fatalf("RunOnce must not touch loop state, got %s", c.State())
	}

	// A prior one-shot failure does not affect StartLoop.
	var ran atomic.Int32
	if err := c.StartLoop(JobFunc(func(context.Context) error { ran.Add(1); return nil }), unit); err != nil {
		t.Fatalf("StartLoop err = %v", err)
	}
	eventually(t, 2*time.Second, func() bool { return ran.Load() >= 1 }, "loop iteration")
	c.StopLoop()
	waitDone(t, c.Done(), 2*time.Second)

	if n := got.countPrefix("Error: "); n != 1 {
		t.Fatalf("error lines = %d, want 1: %v", n, got.get())
	}
}

func TestRunOnceRecoversPanic(t *testing.T) {
	t.Parallel()
	c, _, got := newTestController(t)

	_ = c.RunOnce(JobFunc(func(context.Context) error { panic("boom") }))
	eventually(t, 2*time.Second, func() bool { return len(got.get()) == 1 }, "panic line")
	if l := got.get()[0]; l != "Error: panic: boom" {
		t.Fatalf("line = %q", l)
	}
	eventually(t, time.Second, func() bool { return c.Snapshot().OnceFailures == 1 }, "once failure counted")
}

func TestRunOnceCallsAreIndependent(t *testing.T) {
	t.Parallel()
	c, _, _ := newTestController(t)

	release := make(chan struct{})
	var concurrent, peak atomic.Int32
	job := JobFunc(func(context.Context) error {
		n := concurrent.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		concurrent.Add(-1)
		return nil
	})
	for i := 0; i < 3; i++ {
		if err := c.RunOnce(job); err != nil {
			t.Fatalf("RunOnce err = %v", err)
		}
	}
	eventually(t, 2*time.Second, func() bool { return peak.Load() == 3 }, "three concurrent one-shot runs")
	if got := c.Snapshot().OnceInFlight; got != 3 {
		t.Fatalf("OnceInFlight = %d, want 3", got)
	}
	close(release)
	eventually(t, 2*time.Second, func() bool { return c.Snapshot().OnceInFlight == 0 }, "runs finished")
}

func TestNilJobAndInvalidInterval(t *testing.T) {
	t.Parallel()
	c, _, got := newTestController(t)

	if err := c.RunOnce(nil); !errors.Is(err, ErrNilJob) {
		t.Fatalf("RunOnce(nil) err = %v", err)
	}
	if err := c.StartLoop(nil, unit); !errors.Is(err, ErrNilJob) {
		t.Fatalf("StartLoop(nil) err = %v", err)
	}
	for _, d := range []time.Duration{0, -time.Second} {
		if err := c.StartLoop(JobFunc(func(context.Context) error { return nil }), d); !errors.Is(err, ErrInvalidInterval) {
			t.Fatalf("StartLoop(%s) err = %v", d, err)
		}
	}
	if c.State() != StateIdle {
		t.Fatalf("state = %s, want idle", c.State())
	}
	if l := got.get(); len(l) != 0 {
		t.Fatalf("pre-flight errors must not be relayed: %v", l)
	}
}

func TestStopLoopWhenIdleIsNoop(t *testing.T) {
	t.Parallel()
	c, r, got := newTestController(t)

	if c.StopLoop() {
		t.Fatal("StopLoop on a fresh controller should report false")
	}
	select {
	case <-c.Done():
	default:
		t.Fatal("Done should be closed when no loop was ever started")
	}

	_ = c.StartLoop(JobFunc(func(context.Context) error { return nil }), unit)
	c.StopLoop()
	waitDone(t, c.Done(), 2*time.Second)
	if c.StopLoop() {
		t.Fatal("StopLoop after the loop exited should report false")
	}
	r.Flush()
	if n := got.count(StopAck); n != 1 {
		t.Fatalf("stop acks = %d, want 1", n)
	}
}

func TestStartLoopTwiceKeepsOneLoop(t *testing.T) {
	t.Parallel()
	c, _, _ := newTestController(t)

	var concurrent, peak, calls atomic.Int32
	job := JobFunc(func(context.Context) error {
		calls.Add(1)
		n := concurrent.Add(1)
		if n > peak.Load() {
			peak.Store(n)
		}
		time.Sleep(unit / 4)
		concurrent.Add(-1)
		return nil
	})

	if err := c.StartLoop(job, unit); err != nil {
		t.Fatalf("first StartLoop err = %v", err)
	}
	first := c.Snapshot()
	if err := c.StartLoop(job, 10*unit); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second StartLoop err = %v, want ErrAlreadyRunning", err)
	}
	second := c.Snapshot()
	if second.LoopID != first.LoopID || second.Interval != unit {
		t.Fatalf("second StartLoop changed the running loop: %+v -> %+v", first, second)
	}

	eventually(t, 2*time.Second, func() bool { return calls.Load() >= 3 }, "iterations")
	if p := peak.Load(); p != 1 {
		t.Fatalf("peak concurrent executions = %d, want 1", p)
	}

	// Rejected while draining too, and the pending stop is not reset.
	done := c.Done()
	c.StopLoop()
	if err := c.StartLoop(job, unit); err != nil && !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("StartLoop while stopping err = %v", err)
	}
	waitDone(t, done, 2*time.Second)
}

func TestBoundedCancellationLatency(t *testing.T) {
	t.Parallel()
	for _, interval := range []time.Duration{unit, 5 * unit, time.Minute} {
		interval := interval
		t.Run(interval.String(), func(t *testing.T) {
			t.Parallel()
			c, _, _ := newTestController(t)
			var ran atomic.Int32
			if err := c.StartLoop(JobFunc(func(context.Context) error { ran.Add(1); return nil }), interval); err != nil {
				t.Fatalf("StartLoop err = %v", err)
			}
			eventually(t, 2*time.Second, func() bool { return ran.Load() >= 1 }, "first iteration")

			start := time.Now()
			if !c.StopLoop() {
				t.Fatal("StopLoop should report true while running")
			}
			// The interval wait is interruptible: exit does not wait out the interval.
			waitDone(t, c.Done(), unit+500*time.Millisecond)
			if took := time.Since(start); took > unit+500*time.Millisecond {
				t.Fatalf("stop latency %s", took)
			}
			if c.State() != StateIdle {
				t.Fatalf("state = %s, want idle", c.State())
			}
		})
	}
}

func TestStopDuringExecutionDoesNotInterrupt(t *testing.T) {
	t.Parallel()
	c, _, _ := newTestController(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	var ctxErr atomic.Value
	job := JobFunc(func(ctx context.Context) error {
		if calls.Add(1) == 1 {
			close(entered)
			<-release
			if err := ctx.Err(); err != nil {
				ctxErr.Store(err)
			}
		}
		return nil
	})
	if err := c.StartLoop(job, unit); err != nil {
		t.Fatalf("StartLoop err = %v", err)
	}
	<-entered
	c.StopLoop()
	if c.State() != StateStopRequested {
		t.Fatalf("state = %s, want stop_requested", c.State())
	}
	select {
	case <-c.Done():
		t.Fatal("loop exited while the job was still executing")
	case <-time.After(2 * unit):
	}
	close(release)
	waitDone(t, c.Done(), 2*time.Second)

	if v := ctxErr.Load(); v != nil {
		t.Fatalf("job context was canceled by StopLoop: %v", v)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("calls = %d, want 1 (no iteration after stop)", n)
	}
}

func TestFailureIsolation(t *testing.T) {
	t.Parallel()
	c, _, got := newTestController(t)

	var calls atomic.Int32
	job := JobFunc(func(context.Context) error {
		switch n := calls.Add(1); n {
		case 2:
			return errors.New("iteration 2 failed")
		case 4:
			panic("iteration 4 exploded")
		default:
			return nil
		}
	})
	if err := c.StartLoop(job, unit/4); err != nil {
		t.Fatalf("StartLoop err = %v", err)
	}
	eventually(t, 2*time.Second, func() bool { return calls.Load() >= 6 }, "iterations after failures")
	if c.State() != StateRunning {
		t.Fatalf("state = %s, want running", c.State())
	}
	c.StopLoop()
	waitDone(t, c.Done(), 2*time.Second)

	eventually(t, time.Second, func() bool { return got.countPrefix("Error: ") == 2 }, "two error lines")
	if got.count("Error: iteration 2 failed") != 1 || got.count("Error: panic: iteration 4 exploded") != 1 {
		t.Fatalf("unexpected lines: %v", got.get())
	}
	if snap := c.Snapshot(); snap.Failures != 2 {
		t.Fatalf("Failures = %d, want 2", snap.Failures)
	}
}

func TestLoopScenarioThreeAndAHalfUnits(t *testing.T) {
	t.Parallel()
	c, r, got := newTestController(t)

	const interval = 50 * time.Millisecond
	job := JobFunc(func(context.Context) error {
		r.Emit("run ok")
		return nil
	})
	if err := c.StartLoop(job, interval); err != nil {
		t.Fatalf("StartLoop err = %v", err)
	}
	time.Sleep(interval*3 + interval/2)
	done := c.Done()
	c.StopLoop()
	waitDone(t, done, interval+500*time.Millisecond)
	r.Flush()

	if n := got.count("run ok"); n < 3 {
		t.Fatalf("successful runs = %d, want >= 3: %v", n, got.get())
	}
	if n := got.count(StopAck); n != 1 {
		t.Fatalf("stop acks = %d, want 1", n)
	}
}

func TestStopTargetsItsOwnLoopInstance(t *testing.T) {
	t.Parallel()
	c, _, _ := newTestController(t)
	job := JobFunc(func(context.Context) error { return nil })

	if err := c.StartLoop(job, unit); err != nil {
		t.Fatalf("StartLoop A err = %v", err)
	}
	a := c.Snapshot().LoopID
	doneA := c.Done()
	c.StopLoop()
	waitDone(t, doneA, 2*time.Second)

	if err := c.StartLoop(job, unit); err != nil {
		t.Fatalf("StartLoop B err = %v", err)
	}
	b := c.Snapshot().LoopID
	if a == b {
		t.Fatal("each StartLoop must create a fresh loop instance")
	}
	// B starts with a fresh cancellation signal.
	time.Sleep(3 * unit)
	if c.State() != StateRunning {
		t.Fatalf("loop B state = %s, want running", c.State())
	}
	c.StopLoop()
	waitDone(t, c.Done(), 2*time.Second)
}

func TestCloseAbandonsHungJob(t *testing.T) {
	t.Parallel()
	c, _, _ := newTestController(t)

	entered := make(chan struct{})
	canceled := make(chan struct{})
	job := JobFunc(func(ctx context.Context) error {
		close(entered)
		<-ctx.Done()
		close(canceled)
		return ctx.Err()
	})
	if err := c.StartLoop(job, unit); err != nil {
		t.Fatalf("StartLoop err = %v", err)
	}
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 2*unit)
	defer cancel()
	if err := c.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Close err = %v, want deadline exceeded", err)
	}
	select {
	case <-canceled:
	case <-time.After(2 * time.Second):
		t.Fatal("abandoned job context was not canceled")
	}
	if err := c.StartLoop(job, unit); !errors.Is(err, ErrClosed) {
		t.Fatalf("StartLoop after Close err = %v, want ErrClosed", err)
	}
}

func TestLifecycleEvents(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(32)
	defer unsub()

	c := New(context.Background(), relay.Func(nil), logx.Nop(), bus)
	if err := c.StartLoop(JobFunc(func(context.Context) error { return nil }), unit); err != nil {
		t.Fatalf("StartLoop err = %v", err)
	}
	done := c.Done()
	time.Sleep(unit / 2)
	c.StopLoop()
	waitDone(t, done, 2*time.Second)

	var types []string
	timeout := time.After(2 * time.Second)
	for len(types) == 0 || types[len(types)-1] != EventLoopStopped {
		select {
		case e := <-ch:
			types = append(types, e.Type)
		case <-timeout:
			t.Fatalf("events = %v, want ... %s", types, EventLoopStopped)
		}
	}
	want := []string{EventLoopStarted, EventJobFinished, EventLoopStopping, EventLoopStopped}
	if strings.Join(types, ",") != strings.Join(want, ",") {
		t.Fatalf("events = %v, want %v", types, want)
	}
}

func TestLoopSkipsJobWhenContextAlreadyCanceled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := relay.New()
	got := &lines{}
	r.Subscribe(got.add)
	c := New(ctx, r, logx.Nop(), nil)

	var calls atomic.Int32
	job := JobFunc(func(ctx context.Context) error {
		calls.Add(1)
		return ctx.Err()
	})
	if err := c.StartLoop(job, unit); err != nil {
		t.Fatalf("StartLoop: %v", err)
	}
	waitDone(t, c.Done(), 2*time.Second)
	r.Flush()

	if n := calls.Load(); n != 0 {
		t.Fatalf("job ran %d time(s) on a canceled context", n)
	}
	if n := got.countPrefix(errorPrefix); n != 0 {
		t.Fatalf("relayed %d error line(s): %q", n, got.get())
	}
	if c.IsRunning() {
		t.Fatal("controller still running")
	}
}
