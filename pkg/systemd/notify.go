// Package systemd sends sd_notify(3) state updates when the process runs as a
// systemd service. Outside systemd every call is a no-op.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "autoprbot/pkg/logx"
)

// Notifier wraps daemon.SdNotify. The zero value is usable.
type Notifier struct {
	log    logx.Logger
	notify func(state string) (bool, error)
}

func NewNotifier(log logx.Logger) *Notifier {
	return &Notifier{log: log.With(logx.String("comp", "systemd"))}
}

func (n *Notifier) send(state string) bool {
	fn := n.notify
	if fn == nil {
		fn = func(s string) (bool, error) { return daemon.SdNotify(false, s) }
	}
	ok, err := fn(state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return false
	}
	if ok {
		n.log.Debug("sd_notify sent", logx.String("state", state))
	}
	return ok
}

func (n *Notifier) Ready() bool    { return n.send(daemon.SdNotifyReady) }
func (n *Notifier) Stopping() bool { return n.send(daemon.SdNotifyStopping) }

// Status sets the free-form status line shown by systemctl status.
func (n *Notifier) Status(msg string) bool { return n.send("STATUS=" + msg) }

// Watchdog pings the service watchdog at half its interval until ctx is done.
// It returns immediately when the watchdog is not enabled for this unit.
func (n *Notifier) Watchdog(ctx context.Context) error {
	every, err := daemon.SdWatchdogEnabled(false)
	if err != nil || every <= 0 {
		return err
	}
	t := time.NewTicker(every / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}
