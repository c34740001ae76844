// Package sdnotify reports daemon state to systemd. Outside a systemd unit
// (no NOTIFY_SOCKET) every call is a no-op.
package sdnotify

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"medtime/pkg/logx"
)

type Notifier struct {
	log    logx.Logger
	notify func(unset bool, state string) (bool, error)
	wdog   func(unset bool) (time.Duration, error)
}

func New(log logx.Logger) *Notifier {
	return &Notifier{log: log.Component("systemd"), notify: daemon.SdNotify, wdog: daemon.SdWatchdogEnabled}
}

func (n *Notifier) send(state string) {
	ok, err := n.notify(false, state)
	switch {
	case err != nil:
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
	case ok:
		n.log.Debug("sd_notify sent", logx.String("state", state))
	}
}

func (n *Notifier) Ready()    { n.send(daemon.SdNotifyReady) }
func (n *Notifier) Stopping() { n.send(daemon.SdNotifyStopping) }

// Status sets the free-form status line shown by systemctl status.
func (n *Notifier) Status(text string) { n.send("STATUS=" + text) }

// Watchdog pings at half the WatchdogSec interval until ctx ends. It returns
// immediately when the unit has no watchdog.
func (n *Notifier) Watchdog(ctx context.Context) error {
	every, err := n.wdog(false)
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
