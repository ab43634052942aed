// Package relay hands progress lines from any goroutine to the observers of
// the presentation side, in emission order and without blocking the emitter.
//
// Emit only appends to an unbounded FIFO and signals a one-slot wake channel.
// Observers run exclusively on the goroutine pumping the relay (Run or Flush),
// so observer-owned state is never touched from worker goroutines.
package relay

import (
	"context"
	"sync"

	"github.com/gammazero/deque"

	logx "autoprbot/pkg/logx"
)

// Emitter accepts progress lines from any goroutine.
type Emitter interface {
	Emit(line string)
}

// Func adapts a plain function to Emitter.
type Func func(line string)

func (f Func) Emit(line string) {
	if f != nil {
		f(line)
	}
}

// Observer receives relayed lines on the pumping goroutine.
type Observer func(line string)

const defaultBatch = 64

type Option func(*Relay)

// WithLogger mirrors every delivered line to log at debug level.
func WithLogger(log logx.Logger) Option {
	return func(r *Relay) { r.log = log }
}

// WithBatch caps how many lines one pump step delivers before re-checking ctx.
func WithBatch(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.batch = n
		}
	}
}

type Relay struct {
	mu    sync.Mutex
	queue deque.Deque[string]
	wake  chan struct{}

	// pumpMu serializes deliveries so Run and Flush never interleave batches.
	pumpMu sync.Mutex

	obsMu  sync.RWMutex
	obs    []registered
	obsSeq uint64

	log   logx.Logger
	batch int

	emitted   uint64
	delivered uint64
}

type registered struct {
	id uint64
	fn Observer
}

func New(opts ...Option) *Relay {
	r := &Relay{
		wake:  make(chan struct{}, 1),
		batch: defaultBatch,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Emit queues line for delivery. It never blocks on observers and never drops.
func (r *Relay) Emit(line string) {
	r.mu.Lock()
	r.queue.PushBack(line)
	r.emitted++
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
		// a wake-up is already pending
	}
}

// Subscribe registers obs and returns a func that removes it.
func (r *Relay) Subscribe(obs Observer) func() {
	if obs == nil {
		return func() {}
	}
	r.obsMu.Lock()
	r.obsSeq++
	id := r.obsSeq
	r.obs = append(r.obs, registered{id: id, fn: obs})
	r.obsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.obsMu.Lock()
			defer r.obsMu.Unlock()
			for i, o := range r.obs {
				if o.id == id {
					r.obs = append(r.obs[:i:i], r.obs[i+1:]...)
					return
				}
			}
		})
	}
}

// Pending reports how many lines are queued but not yet delivered.
func (r *Relay) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queue.Len()
}

// Stats returns the total number of emitted and delivered lines.
func (r *Relay) Stats() (emitted, delivered uint64) {
	r.mu.Lock()
	emitted = r.emitted
	r.mu.Unlock()
	r.pumpMu.Lock()
	delivered = r.delivered
	r.pumpMu.Unlock()
	return emitted, delivered
}

// Flush delivers everything queued so far on the calling goroutine and
// returns the number of lines delivered.
func (r *Relay) Flush() int {
	total := 0
	for {
		n := r.pump(r.batch)
		total += n
		if n == 0 {
			return total
		}
	}
}

// Run is the observer event loop. It delivers lines as they arrive until ctx
// is done, then drains what is left and returns nil.
func (r *Relay) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			r.Flush()
			return nil
		case <-r.wake:
		}
		for {
			if r.pump(r.batch) < r.batch {
				break
			}
			if ctx.Err() != nil {
				break
			}
		}
	}
}

// pump pops up to max lines and delivers them in FIFO order.
func (r *Relay) pump(max int) int {
	r.pumpMu.Lock()
	defer r.pumpMu.Unlock()

	r.mu.Lock()
	n := r.queue.Len()
	if n > max {
		n = max
	}
	lines := make([]string, n)
	for i := range lines {
		lines[i] = r.queue.PopFront()
	}
	r.mu.Unlock()
	if n == 0 {
		return 0
	}

	r.obsMu.RLock()
	obs := append([]registered(nil), r.obs...)
	r.obsMu.RUnlock()

	for _, line := range lines {
		r.log.Debug("relay", logx.String("line", line))
		for _, o := range obs {
			r.deliver(o.fn, line)
		}
	}
	r.delivered += uint64(n)
	return n
}

// deliver isolates observer panics so one bad observer cannot stop the pump.
func (r *Relay) deliver(fn Observer, line string) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("relay observer panicked", logx.Any("panic", p))
		}
	}()
	fn(line)
}
