// Package sdnotify reports service state to systemd (Type=notify units).
//
// Watchdog pings are routed through the UI loop: a loop stuck inside a work
// item stops pinging and systemd restarts the service.
package sdnotify

import (
	"context"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"golang.org/x/time/rate"

	logx "treebuild/pkg/logx"
)

type Notifier struct {
	enabled bool
	log     logx.Logger

	notify   func(state string) (bool, error)
	watchdog func() (time.Duration, error)

	warn rate.Sometimes

	mu         sync.Mutex
	lastStatus string
}

func New(enabled bool, log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{
		enabled:  enabled,
		log:      log,
		notify:   func(state string) (bool, error) { return daemon.SdNotify(false, state) },
		watchdog: func() (time.Duration, error) { return daemon.SdWatchdogEnabled(false) },
		warn:     rate.Sometimes{First: 1, Interval: time.Minute},
	}
}

func (n *Notifier) send(state string) {
	if !n.enabled {
		return
	}
	sent, err := n.notify(state)
	if err != nil {
		n.warn.Do(func() { n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err)) })
		return
	}
	if !sent {
		n.log.Trace("sd_notify skipped (no NOTIFY_SOCKET)", logx.String("state", state))
	}
}

func (n *Notifier) Ready()    { n.send(daemon.SdNotifyReady) }
func (n *Notifier) Stopping() { n.send(daemon.SdNotifyStopping) }

// Status sets the free-form status line shown by systemctl status. Repeated
// identical lines are not resent.
func (n *Notifier) Status(line string) {
	n.mu.Lock()
	same := line == n.lastStatus
	n.lastStatus = line
	n.mu.Unlock()
	if !same {
		n.send("STATUS=" + line)
	}
}

// RunWatchdog pings the systemd watchdog at half the configured interval
// until ctx is done. Each ping is handed to post, which must run it on the
// goroutine whose liveness is being watched. It returns immediately when no
// watchdog is configured.
func (n *Notifier) RunWatchdog(ctx context.Context, post func(func()) error) error {
	if !n.enabled {
		return nil
	}
	interval, err := n.watchdog()
	if err != nil {
		n.log.Warn("watchdog config invalid", logx.Err(err))
		return nil
	}
	if interval <= 0 {
		return nil
	}
	every := interval / 2
	n.log.Info("watchdog enabled", logx.Duration("interval", interval), logx.Duration("ping_every", every))

	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := post(func() { n.send(daemon.SdNotifyWatchdog) }); err != nil {
				n.warn.Do(func() { n.log.Warn("watchdog ping not posted", logx.Err(err)) })
			}
		}
	}
}
