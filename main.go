package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Entry point for the gate monitor.  Every wake cycle starts here: deep
// sleep and resets restart the process instead of resuming it.
func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfgMgr := NewConfigManager("")
	if err := cfgMgr.Load(); err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	cfg := cfgMgr.Get()

	cycleID := uuid.NewString()[:8]
	log.SetPrefix("[" + cycleID + "] ")

	store, err := OpenFileStore(cfg.StorePath)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	indicator, wake, err := openPins(cfg.IndicatorPin, cfg.WakePin)
	if err != nil {
		log.Fatalf("failed to open pins: %v", err)
	}
	clock := clockwork.NewRealClock()
	board, err := NewBoard(indicator, wake, cfg.WakePolarity, clock)
	if err != nil {
		log.Fatalf("initialisation error: %v", err)
	}
	sta, ap, platform := newPlatform(cfg)
	dev := NewDevice(cfg, cycleID, store, board, sta, ap, platform, clock)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go board.WatchWake(ctx)

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Printf("sd_notify: %v", err)
	}
	machine := NewMachine(dev)
	err = machine.Run(ctx)
	log.Printf("stopped in %s: %v", machine.State(), err)

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	dev.Close(closeCtx)
}
