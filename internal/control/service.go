// Package control turns operator commands into scheduler transitions. Both
// the console and the Telegram surface dispatch through it.
package control

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"autoprbot/internal/config"
	"autoprbot/internal/relay"
	"autoprbot/internal/runtime/supervisor"
	"autoprbot/internal/scheduler"
	logx "autoprbot/pkg/logx"
)

// Notice is a benign result that is shown to the operator directly and never
// relayed (e.g. "Loop is already running").
type Notice string

func (n Notice) Error() string { return string(n) }

const (
	NoticeAlreadyRunning Notice = "Loop is already running"
	NoticeNotRunning     Notice = "Loop is not running"
)

// IsNotice reports whether err is a Notice rather than a failure.
func IsNotice(err error) bool {
	var n Notice
	return errors.As(err, &n)
}

// JobFactory builds a job from the current configuration. Errors are
// configuration errors.
type JobFactory func(cfg *config.Config, out relay.Emitter) (scheduler.Job, error)

// ConfigSource is the subset of config.Manager the service needs.
type ConfigSource interface {
	Get() *config.Config
}

// RuntimeSource reports the state of the process's supervised goroutines.
// *supervisor.Supervisor implements it.
type RuntimeSource interface {
	Snapshot() supervisor.Snapshot
}

type Option func(*Service)

// WithRuntime adds a goroutine summary to Status.
func WithRuntime(r RuntimeSource) Option {
	return func(s *Service) { s.runtime = r }
}

type Service struct {
	ctrl    *scheduler.Controller
	cfgs    ConfigSource
	out     relay.Emitter
	newJob  JobFactory
	runtime RuntimeSource
	log     logx.Logger
}

func NewService(ctrl *scheduler.Controller, cfgs ConfigSource, out relay.Emitter, newJob JobFactory, log logx.Logger, opts ...Option) *Service {
	s := &Service{
		ctrl:   ctrl,
		cfgs:   cfgs,
		out:    out,
		newJob: newJob,
		log:    log.With(logx.String("comp", "control")),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) config() *config.Config {
	if cfg := s.cfgs.Get(); cfg != nil {
		return cfg
	}
	return &config.Config{}
}

// Once builds the job from the current config and starts one run in the
// background.
func (s *Service) Once() (string, error) {
	job, err := s.newJob(s.config(), s.out)
	if err != nil {
		return "", err
	}
	if err := s.ctrl.RunOnce(job); err != nil {
		return "", err
	}
	s.log.Info("run once requested")
	return "Run started.", nil
}

// Start begins the loop. rawInterval overrides the configured interval when
// non-empty.
func (s *Service) Start(rawInterval string) (string, error) {
	if s.ctrl.IsRunning() {
		return "", NoticeAlreadyRunning
	}
	cfg := s.config()
	if strings.TrimSpace(rawInterval) == "" {
		rawInterval = string(cfg.GitHub.Interval)
	}
	interval, err := config.ParseInterval(rawInterval)
	if err != nil {
		return "", err
	}
	job, err := s.newJob(cfg, s.out)
	if err != nil {
		return "", err
	}
	if err := s.ctrl.StartLoop(job, interval); err != nil {
		if errors.Is(err, scheduler.ErrAlreadyRunning) {
			return "", NoticeAlreadyRunning
		}
		return "", err
	}
	s.log.Info("loop start requested", logx.Duration("interval", interval))
	return fmt.Sprintf("Loop started (every %s).", interval), nil
}

// Stop requests the loop to stop. The acknowledgement itself travels
// through the relay.
func (s *Service) Stop() (string, error) {
	if !s.ctrl.StopLoop() {
		return "", NoticeNotRunning
	}
	s.log.Info("loop stop requested")
	return "", nil
}

func (s *Service) Status() string {
	out := FormatSnapshot(s.ctrl.Snapshot(), time.Now())
	if s.runtime != nil {
		out += "\n" + FormatRuntime(s.runtime.Snapshot())
	}
	return out
}

// FormatSnapshot renders a scheduler snapshot as a few plain lines.
func FormatSnapshot(snap scheduler.Snapshot, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "State: %s", snap.State)
	if snap.State != scheduler.StateIdle {
		fmt.Fprintf(&b, "\nLoop: every %s, %d iteration(s), %d failure(s), up %s",
			snap.Interval, snap.Iterations, snap.Failures, now.Sub(snap.StartedAt).Truncate(time.Second))
	}
	if !snap.LastRunAt.IsZero() {
		fmt.Fprintf(&b, "\nLast run: %s ago", now.Sub(snap.LastRunAt).Truncate(time.Second))
		if snap.LastError != "" {
			fmt.Fprintf(&b, " (error: %s)", snap.LastError)
		}
	}
	fmt.Fprintf(&b, "\nOne-off runs: %d total, %d failed, %d in flight", snap.OnceRuns, snap.OnceFailures, snap.OnceInFlight)
	return b.String()
}

// FormatRuntime summarizes supervised goroutines. Goroutines that restarted,
// panicked or failed get a line of their own.
func FormatRuntime(snap supervisor.Snapshot) string {
	var restarts, panics uint64
	for _, g := range snap.Goroutines {
		restarts += g.Restarts
		panics += g.Panics
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Runtime: %d goroutine(s) active, %d started, %d restart(s), %d panic(s)",
		snap.Counters.Active, snap.Counters.Started, restarts, panics)
	for _, g := range snap.Goroutines {
		if g.Restarts == 0 && g.Panics == 0 && g.LastErr == "" {
			continue
		}
		fmt.Fprintf(&b, "\n  %s: %d restart(s), %d panic(s)", g.Name, g.Restarts, g.Panics)
		if g.LastErr != "" {
			fmt.Fprintf(&b, ", last error: %s", g.LastErr)
		}
	}
	if snap.FirstError != "" {
		fmt.Fprintf(&b, "\nFirst error: %s", snap.FirstError)
	}
	return b.String()
}
