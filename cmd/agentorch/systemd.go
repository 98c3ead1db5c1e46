package main

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// The sd_notify helpers are no-ops when NOTIFY_SOCKET is unset, so serve
// behaves the same outside systemd.

func notifyReady() { _, _ = daemon.SdNotify(false, daemon.SdNotifyReady) }

func notifyStopping() { _, _ = daemon.SdNotify(false, daemon.SdNotifyStopping) }

// startWatchdog pings the systemd watchdog at half its interval until ctx is
// done or the returned stop func is called.
func startWatchdog(ctx context.Context) func() {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	}()
	return cancel
}
