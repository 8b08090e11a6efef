// Package systemd integrates with the service manager: readiness and watchdog
// notifications over sd_notify, and a cached unit-state probe over D-Bus.
//
// Every notify call is a no-op when the process was not started by systemd
// with Type=notify (NOTIFY_SOCKET unset).
package systemd

import (
	"context"
	"time"

	logx "spidersched/pkg/logx"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Notifier sends state changes to systemd.
type Notifier struct {
	log logx.Logger
}

func NewNotifier(log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{log: log}
}

func (n *Notifier) send(state string) bool {
	ok, err := daemon.SdNotify(false, state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return false
	}
	return ok
}

// Ready reports startup completion.
func (n *Notifier) Ready() {
	if n.send(daemon.SdNotifyReady) {
		n.log.Debug("sd_notify ready sent")
	}
}

// Reloading brackets a config reload; call Ready when done.
func (n *Notifier) Reloading() { n.send(daemon.SdNotifyReloading) }

func (n *Notifier) Stopping() { n.send(daemon.SdNotifyStopping) }

// Status sets the free-form status line shown by systemctl status.
func (n *Notifier) Status(msg string) { n.send("STATUS=" + msg) }

// WatchdogInterval returns how often to ping, or 0 when the watchdog is off.
// Pings go out at half the configured WatchdogSec.
func WatchdogInterval() time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil || d <= 0 {
		return 0
	}
	return d / 2
}

// RunWatchdog pings systemd until ctx is done. healthy gates each ping so a
// wedged process stops feeding the watchdog and gets restarted.
func (n *Notifier) RunWatchdog(ctx context.Context, every time.Duration, healthy func() bool) {
	if every <= 0 {
		return
	}
	n.log.Info("systemd watchdog enabled", logx.Duration("every", every))
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if healthy != nil && !healthy() {
				n.log.Warn("watchdog ping withheld: unhealthy")
				continue
			}
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}
