package scheduler

import (
	"context"
	"errors"
	"time"
)

type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopRequested
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopRequested:
		return "stop_requested"
	default:
		return "unknown"
	}
}

var (
	ErrAlreadyRunning  = errors.New("loop is already running")
	ErrInvalidInterval = errors.New("interval must be positive")
	ErrNilJob          = errors.New("job is nil")
	ErrClosed          = errors.New("scheduler closed")
)

// Job is one unit of side-effecting work. Execute may block; it is never
// preempted by StopLoop, only by process shutdown via ctx.
type Job interface {
	Execute(ctx context.Context) error
}

// JobFunc adapts a function to Job.
type JobFunc func(ctx context.Context) error

func (f JobFunc) Execute(ctx context.Context) error { return f(ctx) }

const (
	// StopAck is relayed once for every accepted StopLoop.
	StopAck = "Stop requested."

	errorPrefix = "Error: "
)

// Event types published on the event bus.
const (
	EventLoopStarted  = "loop.started"
	EventLoopStopping = "loop.stopping"
	EventLoopStopped  = "loop.stopped"
	EventJobFinished  = "job.finished"
)

// JobEvent is the payload of EventJobFinished.
type JobEvent struct {
	Mode      string        `json:"mode"` // "once" or "loop"
	LoopID    string        `json:"loop_id,omitempty"`
	Iteration uint64        `json:"iteration,omitempty"`
	Started   time.Time     `json:"started"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
}

// LoopEvent is the payload of the loop.* events.
type LoopEvent struct {
	LoopID     string        `json:"loop_id"`
	Interval   time.Duration `json:"interval"`
	Iterations uint64        `json:"iterations"`
}

// Snapshot is a point-in-time view for status output.
type Snapshot struct {
	State State

	LoopID     string
	Interval   time.Duration
	StartedAt  time.Time
	Iterations uint64
	Failures   uint64
	LastRunAt  time.Time
	LastError  string

	OnceInFlight int64
	OnceRuns     uint64
	OnceFailures uint64
}
