package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"autoprbot/internal/autopr"
	"autoprbot/internal/config"
	"autoprbot/internal/console"
	"autoprbot/internal/control"
	"autoprbot/internal/eventbus"
	"autoprbot/internal/relay"
	"autoprbot/internal/runtime/supervisor"
	"autoprbot/internal/scheduler"
	"autoprbot/internal/telegram"
	logx "autoprbot/pkg/logx"
	"autoprbot/pkg/systemd"
)

const (
	defaultStopGrace = 5 * time.Second
	defaultGitHubRPS = 5.0
	defaultPrompt    = "> "
)

type Option func(*App)

// WithStdio replaces stdin/stdout for the console surface.
func WithStdio(in io.Reader, out io.Writer) Option {
	return func(a *App) {
		a.in = in
		a.out = out
	}
}

// WithJobFactory replaces the GitHub job, mostly for tests.
func WithJobFactory(f control.JobFactory) Option {
	return func(a *App) { a.newJob = f }
}

// WithStopGrace bounds how long Stop waits for an in-flight loop iteration.
func WithStopGrace(d time.Duration) Option {
	return func(a *App) {
		if d > 0 {
			a.stopGrace = d
		}
	}
}

type App struct {
	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger
	bus  eventbus.Bus

	relay     *relay.Relay
	ghLimiter *rate.Limiter
	sd        *systemd.Notifier

	in        io.Reader
	out       io.Writer
	newJob    control.JobFactory
	stopGrace time.Duration

	sup       *supervisor.Supervisor
	jobCancel context.CancelFunc
	ctrl      *scheduler.Controller
	svc       *control.Service

	quitOnce sync.Once
	quit     chan struct{}
	reason   StopReason
}

// NewApp loads the config file and builds the logging, event and relay
// plumbing. Nothing is started until Start.
func NewApp(cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(logConfig(cfg.Logging))

	a := &App{
		cfgm:      cfgm,
		logs:      logs,
		log:       log.With(logx.String("comp", "app")),
		bus:       eventbus.New(),
		relay:     relay.New(relay.WithLogger(log.With(logx.String("comp", "relay")))),
		ghLimiter: rate.NewLimiter(githubRate(cfg), 1),
		sd:        systemd.NewNotifier(log),
		in:        os.Stdin,
		out:       logx.Stdout(),
		stopGrace: defaultStopGrace,
		quit:      make(chan struct{}),
	}
	a.newJob = a.buildJob
	for _, o := range opts {
		o(a)
	}
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	return a, nil
}

func logConfig(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File: logx.FileConfig{
			Enabled: c.File.Enabled,
			Path:    c.File.Path,
		},
	}
}

func githubRate(cfg *config.Config) rate.Limit {
	if cfg.GitHub.RatePerSec > 0 {
		return rate.Limit(cfg.GitHub.RatePerSec)
	}
	return rate.Limit(defaultGitHubRPS)
}

// buildJob is the default JobFactory: a fresh GitHub bot from the current
// config, sharing one API limiter across bots.
func (a *App) buildJob(cfg *config.Config, out relay.Emitter) (scheduler.Job, error) {
	bot, err := autopr.New(cfg.GitHub, out,
		autopr.WithLogger(a.log.With(logx.String("comp", "job"))),
		autopr.WithLimiter(a.ghLimiter),
	)
	if err != nil {
		return nil, err
	}
	return bot, nil
}

// Controller exposes the scheduler; nil before Start.
func (a *App) Controller() *scheduler.Controller { return a.ctrl }

// Relay exposes the progress relay.
func (a *App) Relay() *relay.Relay { return a.relay }

// Done is closed when the operator quits from the console or a supervised
// goroutine fails fatally.
func (a *App) Done() <-chan struct{} { return a.quit }

// Reason reports why Done was closed.
func (a *App) Reason() StopReason {
	select {
	case <-a.quit:
		return a.reason
	default:
		return StopUnknown
	}
}

func (a *App) requestQuit(r StopReason) {
	a.quitOnce.Do(func() {
		a.reason = r
		close(a.quit)
	})
}

// Start launches the surfaces and background goroutines. The goroutines are
// detached from ctx cancellation so Stop can drain them in order.
func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()

	a.sup = supervisor.New(context.WithoutCancel(ctx),
		supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true),
	)
	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.jobCancel = cancel
	a.ctrl = scheduler.New(jobCtx, a.relay, a.log.With(logx.String("comp", "scheduler")), a.bus)
	a.svc = control.NewService(a.ctrl, a.cfgm, a.relay, a.newJob, a.log, control.WithRuntime(a.sup))

	a.sup.Go("relay.pump", a.relay.Run)

	if cfg.Telegram.Enabled {
		if err := a.startTelegram(cfg.Telegram); err != nil {
			a.sup.Cancel()
			cancel()
			return fmt.Errorf("telegram: %w", err)
		}
	}

	if cfg.ConsoleEnabled() {
		prompt := defaultPrompt
		if cfg.Console != nil && cfg.Console.Prompt != "" {
			prompt = cfg.Console.Prompt
		}
		con := console.New(a.in, a.out, prompt, a.svc, a.log)
		con.Attach(a.relay)
		a.sup.Go("console", func(c context.Context) error {
			if err := con.Run(c); errors.Is(err, control.ErrQuit) {
				a.requestQuit(StopQuit)
			}
			return nil
		})
	}

	a.sup.Go0("eventbus.log", a.logEvents)
	a.sup.Go0("config.reload", a.applyReloads)
	// Hot reload is optional; give up on a broken watcher instead of failing the app.
	a.sup.GoRestart("config.watch", a.cfgm.Watch,
		supervisor.WithRestartBackoff(time.Second, 30*time.Second),
		supervisor.WithMaxRestarts(5),
	)
	a.sup.Go("systemd.watchdog", a.sd.Watchdog)

	go func() {
		<-a.sup.Context().Done()
		if a.sup.Err() != nil {
			a.log.Error("fatal error", logx.Err(a.sup.Err()))
			a.requestQuit(StopFatalError)
		}
	}()

	a.sd.Ready()
	a.sd.Status("idle")
	a.log.Info("app started",
		logx.String("config", a.cfgm.Path()),
		logx.Bool("console", cfg.ConsoleEnabled()),
		logx.Bool("telegram", cfg.Telegram.Enabled),
	)
	return nil
}

func (a *App) startTelegram(tc config.TelegramConfig) error {
	tg, err := telegram.New(tc, a.svc, a.log)
	if err != nil {
		return err
	}
	a.sup.GoRestart("telegram.poll", tg.Run,
		supervisor.WithRestartBackoff(time.Second, 30*time.Second),
		supervisor.WithStopOnCleanExit(false),
	)

	if tc.ChatID != 0 {
		fwd := telegram.NewForwarder(tc.ChatID, tg,
			telegram.WithRate(tc.RatePerSec),
			telegram.WithForwarderLogger(a.log),
		)
		a.relay.Subscribe(fwd.Observe)
		a.sup.Go("telegram.forward", fwd.Run)
	}
	return nil
}

func (a *App) logEvents(ctx context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
			switch e.Type {
			case scheduler.EventLoopStarted:
				a.sd.Status("loop running")
			case scheduler.EventLoopStopped:
				a.sd.Status("idle")
			}
		}
	}
}

// applyReloads applies what can change at runtime: logging and the GitHub
// rate. GitHub settings are read again on every request anyway.
func (a *App) applyReloads(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			sections, fields := config.SummarizeChange(last, cfg)
			last = cfg
			if len(sections) == 0 {
				a.log.Debug("config reload received, but no effective changes detected")
				continue
			}
			a.logs.Apply(logConfig(cfg.Logging))
			a.ghLimiter.SetLimit(githubRate(cfg))
			for _, s := range sections {
				if s == "telegram" || s == "console" {
					a.log.Warn(s + " config changed; restart required for changes to take effect")
				}
			}
			a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, fields...)...)
		}
	}
}

// Stop shuts down in order: the loop first (bounded by the stop grace), then
// the supervised goroutines, then any relay lines still queued.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.sd.Stopping()
	a.log.Info("stopping", logx.String("reason", string(reason)))

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			return
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	step("scheduler", a.stopGrace, a.ctrl.Close)
	a.jobCancel()
	step("supervisor", 2*time.Second, a.sup.Stop)
	a.relay.Flush()

	emitted, delivered := a.relay.Stats()
	a.log.Info("stopped", logx.Uint64("lines_emitted", emitted), logx.Uint64("lines_delivered", delivered))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
