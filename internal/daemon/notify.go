// Package daemon integrates with systemd service supervision.
//
// Outside systemd (NOTIFY_SOCKET unset) every call is a silent no-op, so the
// scheduler behaves identically when started from a plain shell.
package daemon

import (
	sd "github.com/coreos/go-systemd/v22/daemon"

	logx "taskq/pkg/logx"
)

// NotifyReady tells systemd the dispatcher loop is entered.
func NotifyReady(log logx.Logger) {
	notify(log, sd.SdNotifyReady)
}

// NotifyStopping tells systemd the dispatcher is draining.
func NotifyStopping(log logx.Logger) {
	notify(log, sd.SdNotifyStopping)
}

func notify(log logx.Logger, state string) {
	sent, err := sd.SdNotify(false, state)
	if err != nil {
		log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		log.Debug("sd_notify sent", logx.String("state", state))
	}
}
