package control

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"autoprbot/internal/config"
	"autoprbot/internal/relay"
	"autoprbot/internal/runtime/supervisor"
	"autoprbot/internal/scheduler"
	logx "autoprbot/pkg/logx"
)

type staticConfig struct{ cfg *config.Config }

func (s staticConfig) Get() *config.Config { return s.cfg }

type recorder struct {
	mu    sync.Mutex
	lines []string
}

func (r *recorder) observe(line string) {
	r.mu.Lock()
	r.lines = append(r.lines, line)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

func newService(t *testing.T, cfg *config.Config, factory JobFactory) (*Service, *scheduler.Controller, *relay.Relay, *recorder) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	r := relay.New()
	rec := &recorder{}
	r.Subscribe(rec.observe)

	ctrl := scheduler.New(ctx, r, logx.Nop(), nil)
	t.Cleanup(func() {
		closeCtx, c := context.WithTimeout(context.Background(), time.Second)
		defer c()
		_ = ctrl.Close(closeCtx)
		cancel()
	})
	return NewService(ctrl, staticConfig{cfg}, r, factory, logx.Nop()), ctrl, r, rec
}

func okFactory(calls *int) JobFactory {
	return func(*config.Config, relay.Emitter) (scheduler.Job, error) {
		*calls++
		return scheduler.JobFunc(func(context.Context) error { return nil }), nil
	}
}

func TestStartStopNotices(t *testing.T) {
	t.Parallel()
	calls := 0
	svc, ctrl, r, rec := newService(t, &config.Config{}, okFactory(&calls))

	if _, err := svc.Stop(); !errors.Is(err, NoticeNotRunning) {
		t.Fatalf("Stop while idle: %v", err)
	}
	reply, err := svc.Start("30")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if reply != "Loop started (every 30s)." {
		t.Fatalf("reply = %q", reply)
	}
	if _, err := svc.Start(""); !errors.Is(err, NoticeAlreadyRunning) || !IsNotice(err) {
		t.Fatalf("second Start: %v", err)
	}
	if calls != 1 {
		t.Fatalf("job built %d times; a rejected start must not build a job", calls)
	}
	if _, err := svc.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-ctrl.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}
	r.Flush()
	if got := rec.snapshot(); len(got) != 1 || got[0] != scheduler.StopAck {
		t.Fatalf("relayed = %q", got)
	}
}

func TestConfigErrorsAreNotRelayed(t *testing.T) {
	t.Parallel()
	factory := func(*config.Config, relay.Emitter) (scheduler.Job, error) { return nil, config.ErrTokenRequired }
	svc, ctrl, r, rec := newService(t, &config.Config{}, factory)

	if _, err := svc.Once(); !errors.Is(err, config.ErrTokenRequired) {
		t.Fatalf("Once: %v", err)
	}
	if _, err := svc.Start(""); !errors.Is(err, config.ErrTokenRequired) {
		t.Fatalf("Start: %v", err)
	}
	if _, err := svc.Start("nonsense"); err == nil || IsNotice(err) {
		t.Fatalf("bad interval: %v", err)
	}
	if ctrl.IsRunning() {
		t.Fatal("controller must stay idle")
	}
	r.Flush()
	if got := rec.snapshot(); len(got) != 0 {
		t.Fatalf("relayed = %q", got)
	}
}

func TestStartUsesConfiguredInterval(t *testing.T) {
	t.Parallel()
	calls := 0
	cfg := &config.Config{GitHub: config.GitHubConfig{Interval: "@every 2m"}}
	svc, ctrl, _, _ := newService(t, cfg, okFactory(&calls))

	if _, err := svc.Start(""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := ctrl.Snapshot().Interval; got != 2*time.Minute {
		t.Fatalf("interval = %s", got)
	}
}

func TestDispatch(t *testing.T) {
	t.Parallel()
	calls := 0
	svc, _, _, _ := newService(t, &config.Config{}, okFactory(&calls))
	reg := NewRegistry(Standard(svc)...)

	ctx := context.Background()
	if _, err := reg.Dispatch(ctx, "frobnicate"); !errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("unknown: %v", err)
	}
	if reply, err := reg.Dispatch(ctx, "   "); reply != "" || err != nil {
		t.Fatalf("blank line = %q, %v", reply, err)
	}
	reply, err := reg.Dispatch(ctx, `/start_loop@autoprbot "@every 90s"`)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !strings.Contains(reply, "1m30s") {
		t.Fatalf("reply = %q", reply)
	}
	status, err := reg.Dispatch(ctx, "STATUS")
	if err != nil || !strings.HasPrefix(status, "State: running") {
		t.Fatalf("status = %q, %v", status, err)
	}

	help := reg.Help("/")
	for _, name := range []string{"/once", "/start [interval]", "/stop", "/status"} {
		if !strings.Contains(help, name) {
			t.Fatalf("help lacks %s:\n%s", name, help)
		}
	}
}

func TestTokenizeCommandLine(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"once", []string{"once"}},
		{"start  90s", []string{"start", "90s"}},
		{`start "@every 2m"`, []string{"start", "@every 2m"}},
		{`start '01:30'`, []string{"start", "01:30"}},
		{`a\ b c`, []string{"a b", "c"}},
	}
	for _, tt := range tests {
		if got := tokenizeCommandLine(tt.in); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("tokenize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatSnapshot(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	idle := FormatSnapshot(scheduler.Snapshot{State: scheduler.StateIdle, OnceRuns: 2}, now)
	if !strings.HasPrefix(idle, "State: idle") || strings.Contains(idle, "Loop:") {
		t.Fatalf("idle = %q", idle)
	}
	running := FormatSnapshot(scheduler.Snapshot{
		State:      scheduler.StateRunning,
		Interval:   time.Minute,
		StartedAt:  now.Add(-5 * time.Minute),
		Iterations: 5,
		Failures:   1,
		LastRunAt:  now.Add(-10 * time.Second),
		LastError:  "boom",
	}, now)
	for _, want := range []string{"every 1m0s", "5 iteration(s)", "1 failure(s)", "up 5m0s", "10s ago", "error: boom"} {
		if !strings.Contains(running, want) {
			t.Fatalf("running snapshot %q lacks %q", running, want)
		}
	}
}

func TestFormatRuntime(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		snap supervisor.Snapshot
		want []string
		not  []string
	}{
		{
			name: "healthy",
			snap: supervisor.Snapshot{
				Counters:   supervisor.Counters{Active: 3, Started: 4},
				Goroutines: []supervisor.GoroutineStats{{Name: "relay.pump", Active: 1, Started: 1}},
			},
			want: []string{"Runtime: 3 goroutine(s) active, 4 started, 0 restart(s), 0 panic(s)"},
			not:  []string{"relay.pump", "First error"},
		},
		{
			name: "restarted and failed",
			snap: supervisor.Snapshot{
				Counters:   supervisor.Counters{Active: 2, Started: 6},
				FirstError: "telegram.forward: boom",
				Goroutines: []supervisor.GoroutineStats{
					{Name: "telegram.poll", Active: 1, Started: 3, Restarts: 2, Panics: 1, LastErr: "telegram.poll: exited"},
					{Name: "console", Active: 1, Started: 1},
				},
			},
			want: []string{
				"2 restart(s), 1 panic(s)",
				"telegram.poll: 2 restart(s), 1 panic(s), last error: telegram.poll: exited",
				"First error: telegram.forward: boom",
			},
			not: []string{"console:"},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := FormatRuntime(tt.snap)
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Fatalf("FormatRuntime = %q, lacks %q", got, w)
				}
			}
			for _, n := range tt.not {
				if strings.Contains(got, n) {
					t.Fatalf("FormatRuntime = %q, should not contain %q", got, n)
				}
			}
		})
	}
}

func TestStatusReportsSupervisedGoroutines(t *testing.T) {
	t.Parallel()
	sup := supervisor.New(context.Background(), supervisor.WithLogger(logx.Nop()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = sup.Stop(ctx)
	})

	ctx, cancel := context.WithCancel(context.Background())
	ctrl := scheduler.New(ctx, relay.New(), logx.Nop(), nil)
	t.Cleanup(func() {
		closeCtx, c := context.WithTimeout(context.Background(), time.Second)
		defer c()
		_ = ctrl.Close(closeCtx)
		cancel()
	})
	calls := 0
	svc := NewService(ctrl, staticConfig{&config.Config{}}, relay.New(), okFactory(&calls), logx.Nop(), WithRuntime(sup))

	if got := svc.Status(); !strings.Contains(got, "Runtime: 0 goroutine(s) active") {
		t.Fatalf("status before any goroutine = %q", got)
	}

	// A clean return still counts as a failure when clean exits restart.
	sup.GoRestart("flaky", func(context.Context) error { return nil },
		supervisor.WithRestartBackoff(time.Millisecond, time.Millisecond),
		supervisor.WithStopOnCleanExit(false),
		supervisor.WithMaxRestarts(1),
	)
	deadline := time.Now().Add(3 * time.Second)
	for sup.Counters().Active != 0 || !strings.Contains(svc.Status(), "flaky: 1 restart(s)") {
		if time.Now().After(deadline) {
			t.Fatalf("status = %q", svc.Status())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := svc.Status(); !strings.Contains(got, "last error: flaky: exited") {
		t.Fatalf("status = %q", got)
	}

	plain := NewService(ctrl, staticConfig{&config.Config{}}, relay.New(), okFactory(&calls), logx.Nop())
	if strings.Contains(plain.Status(), "Runtime:") {
		t.Fatalf("status without runtime source = %q", plain.Status())
	}
}
