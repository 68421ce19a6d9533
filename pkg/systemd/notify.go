// Package systemd reports service state to systemd through sd_notify.
// Every call is a no-op when the process is not run by systemd.
package systemd

import (
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "slotbot/pkg/logx"
)

// Notifier sends readiness and watchdog pings.
type Notifier struct {
	log logx.Logger
}

func NewNotifier(log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{log: log}
}

func (n *Notifier) Ready()    { n.send(daemon.SdNotifyReady) }
func (n *Notifier) Watchdog() { n.send(daemon.SdNotifyWatchdog) }
func (n *Notifier) Stopping() { n.send(daemon.SdNotifyStopping) }

// WatchdogInterval returns the interval configured by WatchdogSec, or 0 when disabled.
func (n *Notifier) WatchdogInterval() time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		n.log.Debug("watchdog check failed", logx.Err(err))
		return 0
	}
	return d
}

func (n *Notifier) send(state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		n.log.Debug("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		n.log.Debug("sd_notify sent", logx.String("state", state))
	}
}
