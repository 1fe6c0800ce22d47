// Package systemd reports service state to the systemd manager. Every
// call is a no-op when the process was not started by systemd.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Ready tells systemd startup finished (Type=notify units).
func Ready() (bool, error) { return daemon.SdNotify(false, daemon.SdNotifyReady) }

// Stopping tells systemd shutdown began.
func Stopping() (bool, error) { return daemon.SdNotify(false, daemon.SdNotifyStopping) }

// Reloading brackets a config reload; call Ready when it is applied.
func Reloading() (bool, error) { return daemon.SdNotify(false, daemon.SdNotifyReloading) }

// Status sets the free-form status line shown by systemctl status.
func Status(s string) (bool, error) { return daemon.SdNotify(false, "STATUS="+s) }

// Watchdog pings the systemd watchdog at half its interval until ctx ends.
// It returns immediately when WatchdogSec is not configured.
func Watchdog(ctx context.Context) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return err
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}
