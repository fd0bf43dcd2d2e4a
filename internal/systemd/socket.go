// Package systemd integrates the daemon with systemd: socket activation,
// readiness notification and the service watchdog. Every call is a no-op
// when not running under systemd.
package systemd

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/coder/quartz"
	"github.com/coreos/go-systemd/v22/activation"
	"github.com/coreos/go-systemd/v22/daemon"
)

// Socket names expected from FileDescriptorName= in kbudget.socket.
const (
	SocketAPI     = "api"
	SocketMetrics = "metrics"
	SocketDNSUDP  = "dns-udp"
	SocketDNSTCP  = "dns-tcp"
)

// Listeners holds all systemd-activated listeners
type Listeners struct {
	API       net.Listener
	Metrics   net.Listener
	DNSUdp    net.PacketConn
	DNSTcp    net.Listener
	Activated bool
}

// GetListeners retrieves systemd socket-activated file descriptors.
// Returns empty listeners if not running under socket activation.
func GetListeners() (*Listeners, error) {
	listeners := &Listeners{}

	files := activation.Files(true)
	if len(files) == 0 {
		return listeners, nil
	}
	listeners.Activated = true

	for _, f := range files {
		if err := listeners.assign(f); err != nil {
			return nil, err
		}
	}
	return listeners, nil
}

func (l *Listeners) assign(f *os.File) error {
	defer f.Close()

	switch f.Name() {
	case SocketDNSUDP:
		pc, err := net.FilePacketConn(f)
		if err != nil {
			return fmt.Errorf("systemd socket %s: %w", f.Name(), err)
		}
		l.DNSUdp = pc
		return nil
	case SocketAPI, SocketMetrics, SocketDNSTCP:
		ln, err := net.FileListener(f)
		if err != nil {
			return fmt.Errorf("systemd socket %s: %w", f.Name(), err)
		}
		switch f.Name() {
		case SocketAPI:
			l.API = ln
		case SocketMetrics:
			l.Metrics = ln
		default:
			l.DNSTcp = ln
		}
		return nil
	default:
		// Unnamed or unknown sockets are left alone.
		return nil
	}
}

// NotifyReady sends READY=1 notification to systemd
func NotifyReady() error {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		return fmt.Errorf("failed to send sd_notify: %w", err)
	}
	return nil
}

// NotifyStopping sends STOPPING=1 notification to systemd
func NotifyStopping() error {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		return fmt.Errorf("failed to send sd_notify stopping: %w", err)
	}
	return nil
}

// NotifyReloading sends RELOADING=1 while configuration is reloaded.
func NotifyReloading() error {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReloading); err != nil {
		return fmt.Errorf("failed to send sd_notify reloading: %w", err)
	}
	return nil
}

// NotifyWatchdog sends WATCHDOG=1 notification to systemd
func NotifyWatchdog() error {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
		return fmt.Errorf("failed to send sd_notify watchdog: %w", err)
	}
	return nil
}

// IsSystemdService returns true if running as a systemd service
func IsSystemdService() bool {
	return os.Getenv("NOTIFY_SOCKET") != ""
}

// RunWatchdog pings the watchdog at half its configured interval until ctx
// is cancelled. It returns immediately when the watchdog is not enabled.
func RunWatchdog(ctx context.Context, clock quartz.Clock) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return fmt.Errorf("watchdog: %w", err)
	}
	if interval == 0 {
		return nil
	}
	tick := interval / 2
	if tick < time.Second {
		tick = time.Second
	}
	tkr := clock.TickerFunc(ctx, tick, NotifyWatchdog, "systemd", "watchdog")
	err = tkr.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}
