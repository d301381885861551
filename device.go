package main

import (
	"context"
	"log"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/jonboulle/clockwork"
)

// Device wires the components of one wake cycle together.  There is exactly
// one per process; nothing is kept in package variables.
type Device struct {
	Config  Config
	CycleID string
	BootID  string
	Clock   clockwork.Clock

	Store       CredentialStore
	Board       *Board
	Radio       *ConnectivityManager
	Watchdog    *WatchdogSupervisor
	Power       *PowerController
	Provisioner *ProvisioningServer
	Notifiers   []StateNotifier
	Metrics     *Metrics
	Events      *EventLogger
}

// NewDevice builds the device from its hardware parts.  clock may be nil for
// the real clock.
func NewDevice(cfg Config, cycleID string, store CredentialStore, board *Board,
	sta Station, ap AccessPoint, platform Platform, clock clockwork.Clock) *Device {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	d := &Device{
		Config:      cfg,
		CycleID:     cycleID,
		BootID:      bootID(),
		Clock:       clock,
		Store:       store,
		Board:       board,
		Radio:       NewConnectivityManager(sta, ap),
		Provisioner: NewProvisioningServer(cfg.ProvisionAddr, cfg.ContactDeadline.D()),
		Notifiers:   initNotifiers(cfg, cycleID),
		Metrics:     NewMetrics(),
		Events:      NewEventLogger(cfg.EventLogFile, cycleID),
	}
	d.Power = NewPowerController(cfg, platform, store, board, clock, d.Events)
	d.Watchdog = NewWatchdogSupervisor(clock, d.Power, cfg.WatchdogGrace.D(), cfg.WatchdogDevice)
	d.Power.watchdog = d.Watchdog

	d.Watchdog.OnFeed = func() {
		d.Metrics.feed()
		// Keeps systemd's WatchdogSec= in step when the unit sets it.
		_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
	}
	d.Radio.OnOutcome = d.Metrics.connect

	// Release everything that holds a socket or a file before the device
	// goes down, then leave the metrics of this cycle behind.
	d.Power.BeforeSleep(func(ctx context.Context) { d.Radio.Shutdown(ctx) })
	d.Power.BeforeSleep(func(context.Context) { closeNotifiers(d.Notifiers) })
	d.Power.BeforeSleep(func(context.Context) { d.Metrics.WriteTextfile(cfg.MetricsTextfile) })
	return d
}

// Close releases the device on a regular shutdown, when the process is
// stopped instead of put to sleep.
func (d *Device) Close(ctx context.Context) {
	d.Watchdog.Stop()
	d.Radio.Shutdown(ctx)
	closeNotifiers(d.Notifiers)
	d.Metrics.WriteTextfile(d.Config.MetricsTextfile)
	if err := d.Board.Close(); err != nil {
		log.Printf("board close: %v", err)
	}
	// The next start is a restart on request, not a crash.
	d.Power.persist(ResetSoft, WakeNone)
	d.Events.Log("shutdown")
}
