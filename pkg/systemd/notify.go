// Package systemd reports service state to systemd when running under a
// Type=notify unit. Outside systemd every call is a no-op.
package systemd

import (
	"fmt"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Ready tells systemd startup finished. It reports whether a notification
// socket was found.
func Ready() (bool, error) { return notify(daemon.SdNotifyReady) }

// Stopping tells systemd shutdown began.
func Stopping() (bool, error) { return notify(daemon.SdNotifyStopping) }

// Status sets the free-form status line shown by systemctl status.
func Status(format string, args ...any) (bool, error) {
	return notify("STATUS=" + fmt.Sprintf(format, args...))
}

func notify(state string) (bool, error) {
	return daemon.SdNotify(false, state)
}
