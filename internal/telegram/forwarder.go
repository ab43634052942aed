package telegram

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	logx "autoprbot/pkg/logx"
)

const (
	// maxMessageLen is Telegram's limit for one text message.
	maxMessageLen = 4096

	defaultQueueSize  = 512
	defaultFlushDelay = time.Second
	defaultRatePerSec = 1.0
	sendRetries       = 2
)

// Sender delivers one text message to a chat.
type Sender interface {
	SendText(ctx context.Context, chatID int64, text string) error
}

type ForwarderOption func(*Forwarder)

func WithQueueSize(n int) ForwarderOption {
	return func(f *Forwarder) {
		if n > 0 {
			f.queue = make(chan string, n)
		}
	}
}

func WithFlushDelay(d time.Duration) ForwarderOption {
	return func(f *Forwarder) {
		if d > 0 {
			f.flushDelay = d
		}
	}
}

// WithRate paces outgoing messages; rps <= 0 keeps the default.
func WithRate(rps float64) ForwarderOption {
	return func(f *Forwarder) {
		if rps > 0 {
			f.limiter = rate.NewLimiter(rate.Limit(rps), 1)
		}
	}
}

func WithForwarderLogger(log logx.Logger) ForwarderOption {
	return func(f *Forwarder) { f.log = log }
}

// Forwarder batches relay lines and sends them to one chat. Observe never
// blocks: when the queue is full the line is dropped and counted, and the
// next batch reports how many were lost.
type Forwarder struct {
	chatID     int64
	sender     Sender
	queue      chan string
	flushDelay time.Duration
	limiter    *rate.Limiter
	log        logx.Logger

	dropped     atomic.Uint64
	unreported  atomic.Uint64
	sent        atomic.Uint64
	sendFailure atomic.Uint64
}

func NewForwarder(chatID int64, sender Sender, opts ...ForwarderOption) *Forwarder {
	f := &Forwarder{
		chatID:     chatID,
		sender:     sender,
		queue:      make(chan string, defaultQueueSize),
		flushDelay: defaultFlushDelay,
		limiter:    rate.NewLimiter(rate.Limit(defaultRatePerSec), 1),
	}
	for _, o := range opts {
		o(f)
	}
	f.log = f.log.With(logx.String("comp", "telegram.forwarder"), logx.Int64("chat_id", chatID))
	return f
}

// Observe is a relay observer.
func (f *Forwarder) Observe(line string) {
	select {
	case f.queue <- line:
	default:
		f.dropped.Add(1)
		f.unreported.Add(1)
	}
}

// Stats returns sent messages, failed sends and dropped lines.
func (f *Forwarder) Stats() (sent, failed, dropped uint64) {
	return f.sent.Load(), f.sendFailure.Load(), f.dropped.Load()
}

// Run sends batches until ctx is done. Lines still queued at that point are
// discarded.
func (f *Forwarder) Run(ctx context.Context) error {
	var batch []string
	timer := time.NewTimer(f.flushDelay)
	if !timer.Stop() {
		<-timer.C
	}
	armed := false

	flush := func() {
		if n := f.unreported.Swap(0); n > 0 {
			batch = append(batch, fmt.Sprintf("(%d line(s) dropped)", n))
		}
		if len(batch) == 0 {
			return
		}
		for _, msg := range chunk(batch, maxMessageLen) {
			f.send(ctx, msg)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			if n := f.dropped.Load(); n > 0 {
				f.log.Warn("forwarder stopped with dropped lines", logx.Uint64("dropped", n))
			}
			return nil
		case line := <-f.queue:
			batch = append(batch, line)
			if !armed {
				timer.Reset(f.flushDelay)
				armed = true
			}
		case <-timer.C:
			armed = false
			flush()
		}
	}
}

func (f *Forwarder) send(ctx context.Context, text string) {
	var last error
	for attempt := 0; attempt <= sendRetries; attempt++ {
		if err := f.limiter.Wait(ctx); err != nil {
			return
		}
		if last = f.sender.SendText(ctx, f.chatID, text); last == nil {
			f.sent.Add(1)
			return
		}
		f.log.Debug("send retry", logx.Int("attempt", attempt+1), logx.Err(last))
	}
	f.sendFailure.Add(1)
	f.log.Warn("send failed", logx.Err(last))
}

// chunk joins lines with newlines into messages of at most limit runes,
// which is how Telegram counts. A single longer line is split on rune
// boundaries.
func chunk(lines []string, limit int) []string {
	var (
		out []string
		b   strings.Builder
		n   int
	)
	flush := func() {
		if b.Len() > 0 {
			out = append(out, b.String())
			b.Reset()
			n = 0
		}
	}
	for _, l := range lines {
		ln := utf8.RuneCountInString(l)
		for ln > limit {
			flush()
			cut := runeOffset(l, limit)
			out = append(out, l[:cut])
			l = l[cut:]
			ln -= limit
		}
		if n > 0 && n+1+ln > limit {
			flush()
		}
		if n > 0 {
			b.WriteByte('\n')
			n++
		}
		b.WriteString(l)
		n += ln
	}
	flush()
	return out
}

// runeOffset returns the byte offset just past the first k runes of s.
func runeOffset(s string, k int) int {
	for i := range s {
		if k == 0 {
			return i
		}
		k--
	}
	return len(s)
}
