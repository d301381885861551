package main

import (
	"context"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
)

// Platform is the operating system side of power management.
type Platform interface {
	// Suspend programs a timer wake alarm d from now, suspends the system
	// and returns once it has resumed.
	Suspend(ctx context.Context, d time.Duration) error
	// Restart replaces the running process with a fresh copy.  It never
	// returns.
	Restart()
	// Reboot resets the whole device.  It never returns.
	Reboot()
}

// PowerController puts the device to sleep and resets it.  Neither
// operation returns: all cleanup runs before the platform takes over, and
// execution resumes in BOOT with the reset and wake causes read back from
// the store.
type PowerController struct {
	platform Platform
	store    CredentialStore
	board    *Board
	clock    clockwork.Clock
	events   *EventLogger

	// watchdog is set by the device once the supervisor exists, since the
	// supervisor resets through this controller.
	watchdog *WatchdogSupervisor

	sleepBase      time.Duration
	sleepIncrement time.Duration
	sleepMax       time.Duration
	blink          time.Duration

	cleanup []func(ctx context.Context)
}

// NewPowerController returns a controller using the sleep settings of cfg.
func NewPowerController(cfg Config, platform Platform, store CredentialStore, board *Board,
	clock clockwork.Clock, events *EventLogger) *PowerController {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &PowerController{
		platform:       platform,
		store:          store,
		board:          board,
		clock:          clock,
		events:         events,
		sleepBase:      cfg.SleepBase.D(),
		sleepIncrement: cfg.SleepIncrement.D(),
		sleepMax:       cfg.SleepMax.D(),
		blink:          cfg.BlinkBeforeSleep.D(),
	}
}

// BeforeSleep registers fn to run right before the device sleeps or resets.
// Hooks run in registration order.
func (p *PowerController) BeforeSleep(fn func(ctx context.Context)) {
	p.cleanup = append(p.cleanup, fn)
}

// ComputeBackoff returns the sleep duration after n failed sessions:
// SleepBase plus n increments, capped at SleepMax.
func (p *PowerController) ComputeBackoff(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	d := p.sleepBase + time.Duration(n)*p.sleepIncrement
	if p.sleepMax > 0 && (d > p.sleepMax || d < p.sleepBase) {
		d = p.sleepMax
	}
	return d
}

// SleepBackOff returns the sleep schedule as a backoff.BackOff, starting at
// n failed sessions.
func (p *PowerController) SleepBackOff(n int) backoff.BackOff {
	return &linearBackOff{p: p, n: n, start: n}
}

// linearBackOff grows linearly up to the cap and never gives up: a sleeping
// device always wakes again.
type linearBackOff struct {
	p        *PowerController
	n, start int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	d := b.p.ComputeBackoff(b.n)
	b.n++
	return d
}

func (b *linearBackOff) Reset() { b.n = b.start }

// DeepSleep stops the watchdog, blinks the indicator, runs the cleanup hooks,
// records the sleep in the store and suspends for d.  The wake sources
// decide whether a change of the wake input counts as a reason to wake.
// After resuming the process is restarted; DeepSleep never returns.
func (p *PowerController) DeepSleep(ctx context.Context, d time.Duration, wake ...WakeSource) {
	if p.watchdog != nil {
		p.watchdog.Stop()
	}
	log.Printf("going to deepsleep for %s and then restart", d)
	p.events.Log("sleep %s", d)

	// The context may already be cancelled when sleep is the way out of an
	// error; the last steps must still run.
	ctx = context.WithoutCancel(ctx)
	if p.board != nil {
		p.board.Blink(ctx, 200*time.Millisecond, p.blink)
	}
	p.runCleanup(ctx)

	before := p.level()
	p.persist(ResetDeepSleep, WakeTimer)

	if err := p.platform.Suspend(ctx, d); err != nil {
		log.Printf("suspend: %v, waiting in process", err)
		p.waitAwake(d, wake)
	}

	cause := p.wakeCause(before, wake)
	log.Printf("woke up: %s", cause)
	p.persist(ResetDeepSleep, cause)
	p.platform.Restart()
}

// Reset records cause and reboots the device.  It never returns.
func (p *PowerController) Reset(cause ResetCause) {
	log.Printf("resetting device (%s)", cause)
	p.events.Log("reset %s", cause)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	p.runCleanup(ctx)
	cancel()
	p.persist(cause, WakeNone)
	p.platform.Reboot()
}

func (p *PowerController) runCleanup(ctx context.Context) {
	for _, fn := range p.cleanup {
		fn(ctx)
	}
}

func (p *PowerController) persist(reset ResetCause, wake WakeCause) {
	if err := p.store.Set(nsSystem, keyResetCause, []byte(reset)); err != nil {
		log.Printf("store reset cause: %v", err)
	}
	if err := p.store.Set(nsSystem, keyWakeCause, []byte(wake)); err != nil {
		log.Printf("store wake cause: %v", err)
	}
	if err := p.store.Commit(); err != nil {
		log.Printf("store commit: %v", err)
	}
}

func (p *PowerController) level() bool {
	if p.board == nil {
		return false
	}
	return p.board.SignalLevel()
}

// waitAwake is the fallback when the platform cannot suspend: the process
// stays up for d, or until an edge of the wake input if it is a wake source.
func (p *PowerController) waitAwake(d time.Duration, wake []WakeSource) {
	signal := wakesOnSignal(wake) && p.board != nil
	if signal {
		p.board.TakeWake()
	}
	deadline := p.clock.After(d)
	tick := p.clock.NewTicker(edgePollInterval)
	defer tick.Stop()
	for {
		select {
		case <-deadline:
			return
		case <-tick.Chan():
			if signal && p.board.TakeWake() {
				return
			}
		}
	}
}

// wakeCause compares the wake input with its level before sleeping.  A
// change on an enabled signal source means the signal woke the device.
func (p *PowerController) wakeCause(before bool, wake []WakeSource) WakeCause {
	if p.board == nil {
		return WakeTimer
	}
	after := p.board.SignalLevel()
	if after == before {
		return WakeTimer
	}
	for _, w := range wake {
		if (w == WakeOnSignalHigh && after) || (w == WakeOnSignalLow && !after) {
			return wakeCauseFor(after)
		}
	}
	return WakeTimer
}

func wakesOnSignal(wake []WakeSource) bool {
	for _, w := range wake {
		if w == WakeOnSignalHigh || w == WakeOnSignalLow {
			return true
		}
	}
	return false
}

// markRunning records that a cycle is in progress.  Every orderly way out
// replaces the marker, so finding it at the next start within the same
// kernel boot means the process was stopped from outside.
func markRunning(s CredentialStore, bootID string) {
	if err := s.Set(nsSystem, keyResetCause, []byte(ResetHard)); err != nil {
		log.Printf("store reset cause: %v", err)
	}
	if err := s.Set(nsSystem, keyBootID, []byte(bootID)); err != nil {
		log.Printf("store boot id: %v", err)
	}
	if err := s.Commit(); err != nil {
		log.Printf("store commit: %v", err)
	}
}

// consumeBootCauses reads the reset and wake causes left by the previous
// run and clears them.  No marker reads as power-on, and so does a run
// marker left behind by an earlier kernel boot.
func consumeBootCauses(s CredentialStore, bootID string) (ResetCause, WakeCause) {
	reset := ResetPowerOn
	if v, err := getString(s, nsSystem, keyResetCause); err == nil && v != "" {
		reset = ResetCause(v)
	}
	if reset == ResetHard {
		if prev, _ := getString(s, nsSystem, keyBootID); prev != "" && bootID != "" && prev != bootID {
			reset = ResetPowerOn
		}
	}
	var wake WakeCause
	if v, err := getString(s, nsSystem, keyWakeCause); err == nil {
		wake = WakeCause(v)
	}
	if reset != ResetDeepSleep {
		wake = WakeNone
	}
	if err := s.Set(nsSystem, keyResetCause, nil); err != nil {
		log.Printf("clear reset cause: %v", err)
	}
	if err := s.Set(nsSystem, keyWakeCause, nil); err != nil {
		log.Printf("clear wake cause: %v", err)
	}
	if err := s.Commit(); err != nil {
		log.Printf("store commit: %v", err)
	}
	return reset, wake
}
