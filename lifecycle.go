package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// State is a state of the lifecycle machine.
type State int

const (
	StateBoot State = iota
	StateCheckSetupFlag
	StateWifiConnect
	StateProvision
	StateMonitor
	StateSleepAndRestart
)

var stateNames = [...]string{
	StateBoot:            "BOOT",
	StateCheckSetupFlag:  "CHECK_SETUP_FLAG",
	StateWifiConnect:     "WIFI_CONNECT",
	StateProvision:       "PROVISION",
	StateMonitor:         "MONITOR",
	StateSleepAndRestart: "SLEEP_AND_RESTART",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// errSleepReturned is returned by Run if the platform failed to restart the
// process after sleeping.
var errSleepReturned = errors.New("deep sleep returned")

// Machine is the lifecycle state machine.  Every error path ends in either
// another Wi-Fi attempt or SLEEP_AND_RESTART, from which the process starts
// over in BOOT.
type Machine struct {
	dev   *Device
	cfg   Config
	state State

	resetCause ResetCause
	wakeCause  WakeCause

	// setupRequested is set when the setup flag asked for provisioning; the
	// next PROVISION waits indefinitely and consumes the flag.
	setupRequested bool
	// sessions counts provisioning windows that timed out in this cycle.
	sessions int
	// reconnects counts link drops during monitoring since the last good
	// tick.
	reconnects int
	sleepFor   time.Duration

	monitor *RemoteStateMonitor
	cadence *cadence

	// OnTransition, when set, is called after every transition.
	OnTransition func(from, to State)
}

// NewMachine returns a machine in BOOT.
func NewMachine(dev *Device) *Machine {
	return &Machine{dev: dev, cfg: dev.Config, state: StateBoot}
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Run drives the machine until ctx is done, returning its error.  Reaching
// SLEEP_AND_RESTART suspends the device and restarts the process, so in
// production Run does not return from there.
func (m *Machine) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if m.state == StateSleepAndRestart {
			m.sleep(ctx)
			return errSleepReturned
		}
		next, err := m.step(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("%s: %v", m.state, err)
			m.dev.Events.Log("error in %s: %v", m.state, err)
			next = StateSleepAndRestart
		}
		m.transition(next)
	}
}

func (m *Machine) step(ctx context.Context) (State, error) {
	switch m.state {
	case StateBoot:
		return m.boot()
	case StateCheckSetupFlag:
		return m.checkSetupFlag(ctx)
	case StateWifiConnect:
		return m.connect(ctx)
	case StateProvision:
		return m.provision(ctx)
	case StateMonitor:
		return m.watch(ctx)
	}
	return StateSleepAndRestart, fmt.Errorf("no step for state %s", m.state)
}

func (m *Machine) transition(next State) {
	from := m.state
	m.state = next
	log.Printf("state %s -> %s", from, next)
	m.dev.Metrics.transition(from, next)
	m.dev.Events.Log("%s -> %s", from, next)
	if _, err := daemon.SdNotify(false, "STATUS="+next.String()); err != nil {
		log.Printf("sd_notify: %v", err)
	}
	if m.OnTransition != nil {
		m.OnTransition(from, next)
	}
}

func (m *Machine) boot() (State, error) {
	m.resetCause, m.wakeCause = consumeBootCauses(m.dev.Store, m.dev.BootID)
	markRunning(m.dev.Store, m.dev.BootID)
	if m.wakeCause != WakeNone {
		log.Printf("reset cause: %s (wake: %s)", m.resetCause, m.wakeCause)
	} else {
		log.Printf("reset cause: %s", m.resetCause)
	}
	m.dev.Events.Log("boot, reset cause %s", m.resetCause)

	if seeded, err := SeedStore(m.dev.Store, m.cfg.InitialCredentials); err != nil {
		log.Printf("seed store: %v", err)
	} else if seeded {
		log.Printf("initial credentials stored")
	}
	m.dev.Watchdog.Start(m.cfg.BootWatchdog.D())
	return StateCheckSetupFlag, nil
}

func (m *Machine) checkSetupFlag(ctx context.Context) (State, error) {
	if m.resetCause == ResetDeepSleep {
		return StateWifiConnect, nil
	}
	flag, err := advanceSetupFlag(m.dev.Store, EventBoot)
	if err != nil {
		return StateSleepAndRestart, err
	}
	if flag.WantsProvisioning() {
		log.Printf("wifi setup requested")
		m.setupRequested = true
		return StateProvision, nil
	}

	log.Printf("reset within %s to enter wifi setup", m.cfg.ArmingWindow.D())
	m.dev.Board.Blink(ctx, 200*time.Millisecond, m.cfg.ArmingWindow.D())
	if err := ctx.Err(); err != nil {
		return m.state, err
	}
	if _, err := advanceSetupFlag(m.dev.Store, EventWindowElapsed); err != nil {
		return StateSleepAndRestart, err
	}
	return StateWifiConnect, nil
}

func (m *Machine) connect(ctx context.Context) (State, error) {
	creds, err := LoadWifi(m.dev.Store)
	if errors.Is(err, ErrStorageMiss) {
		log.Printf("no wifi credentials stored")
		return m.provisionOrSleep()
	}
	if err != nil {
		return StateSleepAndRestart, fmt.Errorf("load credentials: %w", err)
	}

	m.dev.Watchdog.Feed()
	out := m.dev.Radio.Connect(ctx, creds, m.cfg.ConnectAttempts, m.cfg.ConnectInterval.D())
	if err := ctx.Err(); err != nil {
		return m.state, err
	}
	if out.Status != Connected {
		log.Printf("wifi %s: %v", out.Status, out.Reason)
		m.dev.Events.Log("wifi %q %s", creds.SSID, out.Status)
		return m.provisionOrSleep()
	}

	m.dev.Events.Log("wifi %q connected (%s)", creds.SSID, out.Network)
	m.sessions = 0
	if loadCount(m.dev.Store, nsSystem, keyProvFailure) != 0 {
		if err := storeCount(m.dev.Store, nsSystem, keyProvFailure, 0); err != nil {
			log.Printf("store: %v", err)
		}
	}
	return StateMonitor, nil
}

// provisionOrSleep opens another provisioning window unless this cycle
// already had enough of them time out.  Each cycle that ends that way sleeps
// longer than the one before.
func (m *Machine) provisionOrSleep() (State, error) {
	limit := m.cfg.ProvisionSessionsBeforeSleep
	if limit <= 0 || m.sessions < limit {
		return StateProvision, nil
	}
	n := loadCount(m.dev.Store, nsSystem, keyProvFailure)
	m.sleepFor = m.dev.Power.SleepBackOff(n).NextBackOff()
	if err := storeCount(m.dev.Store, nsSystem, keyProvFailure, n+1); err != nil {
		log.Printf("store: %v", err)
	}
	log.Printf("%d provisioning windows unused, sleeping %s", m.sessions, m.sleepFor)
	return StateSleepAndRestart, nil
}

// window returns the provisioning window for the next session.  The first
// power-on gets a longer grace than any other reset.
func (m *Machine) window() ProvisioningWindow {
	if m.setupRequested {
		return ProvisioningWindow{}
	}
	if m.resetCause == ResetPowerOn {
		return ProvisioningWindow{Deadline: m.cfg.PowerOnWindow.D()}
	}
	return ProvisioningWindow{Deadline: m.cfg.ResetWindow.D()}
}

func (m *Machine) provision(ctx context.Context) (State, error) {
	// Provisioning may block far longer than any watchdog timeout.
	m.dev.Watchdog.Stop()
	window := m.window()
	if m.setupRequested {
		if _, err := advanceSetupFlag(m.dev.Store, EventProvisionEntered); err != nil {
			log.Printf("setup flag: %v", err)
		}
		m.setupRequested = false
	}

	m.dev.Board.StartBlinking(time.Second)
	defer m.dev.Board.StopBlinking()
	if err := m.dev.Radio.StartAccessPoint(ctx, m.cfg.AccessPoint); err != nil {
		return StateSleepAndRestart, err
	}
	creds, ok, err := m.dev.Provisioner.Serve(ctx, window)
	if stopErr := m.dev.Radio.StopAccessPoint(context.WithoutCancel(ctx)); stopErr != nil {
		log.Printf("%v", stopErr)
	}
	if err != nil {
		return StateSleepAndRestart, err
	}
	m.dev.Watchdog.Start(m.cfg.BootWatchdog.D())

	if !ok {
		m.sessions++
		m.dev.Metrics.provisioned("timed_out")
		m.dev.Events.Log("provisioning window %s elapsed", describeWindow(window))
		return StateWifiConnect, nil
	}
	if err := StoreWifi(m.dev.Store, creds); err != nil {
		return StateSleepAndRestart, fmt.Errorf("store credentials: %w", err)
	}
	m.sessions = 0
	m.dev.Metrics.provisioned("submitted")
	m.dev.Events.Log("credentials for %q stored", creds.SSID)
	return StateWifiConnect, nil
}

func (m *Machine) watchdogTimeout(p Phase) time.Duration {
	if p == PhaseSlow {
		return m.cfg.SlowWatchdog.D()
	}
	return m.cfg.FastWatchdog.D()
}

// watch runs the monitoring loop.  It returns WIFI_CONNECT when the link
// drops and may be recovered, and SLEEP_AND_RESTART when the remote failures
// exceed the ceiling or the link is lost for good.
func (m *Machine) watch(ctx context.Context) (State, error) {
	clock := m.dev.Clock
	push := m.cfg.Mode == "push"
	if m.monitor == nil {
		endpoint, err := LoadURL(m.dev.Store)
		if err != nil {
			return StateSleepAndRestart, fmt.Errorf("remote url: %w", err)
		}
		m.monitor = NewRemoteStateMonitor(endpoint, m.cfg.RequestTimeout.D(), m.cfg.FailureCeiling,
			m.dev.Board, m.dev.Notifiers, m.dev.Events, m.dev.Metrics)
		m.cadence = newCadence(m.cfg, clock.Now())
	}
	if push {
		// Report the current input once, whatever happened while the
		// device was not monitoring.
		m.dev.Board.RaiseWake()
	}

	phase := PhaseFast
	if !push {
		phase = m.cadence.Phase(clock.Now())
	}
	m.dev.Watchdog.Start(m.watchdogTimeout(phase))
	for {
		up, err := m.dev.Radio.LinkUp(ctx)
		if err != nil || !up {
			if err == nil {
				err = errLinkDown
			}
			return m.linkLost(err)
		}

		var changed bool
		if push {
			_, changed, err = m.monitor.Report(ctx)
		} else {
			_, changed, err = m.monitor.Check(ctx)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return m.state, ctxErr
		}
		if m.monitor.Tripped() {
			log.Printf("%d consecutive failures, giving up", m.monitor.Failures())
			m.sleepFor = m.dev.Power.ComputeBackoff(0)
			return StateSleepAndRestart, nil
		}
		if err == nil {
			m.reconnects = 0
		}

		now := clock.Now()
		if changed {
			m.cadence.Changed(now)
		}
		m.dev.Watchdog.Feed()

		interval := m.cfg.FastInterval.D()
		if !push {
			if p := m.cadence.Phase(now); p != phase {
				phase = p
				log.Printf("switching to %s polling", phase)
				m.dev.Watchdog.Start(m.watchdogTimeout(phase))
			}
			interval = m.cadence.Interval(now)
		}
		select {
		case <-ctx.Done():
			return m.state, ctx.Err()
		case <-clock.After(interval):
		}
	}
}

func (m *Machine) linkLost(cause error) (State, error) {
	m.reconnects++
	rerr := &RadioError{Op: "monitor", Err: cause}
	log.Printf("%v (drop %d)", rerr, m.reconnects)
	m.dev.Events.Log("link lost: %v", cause)
	if m.cfg.OnLinkLoss == "sleep" || m.reconnects > m.cfg.MaxReconnects {
		m.sleepFor = m.dev.Power.ComputeBackoff(0)
		return StateSleepAndRestart, nil
	}
	m.dev.Watchdog.Start(m.cfg.BootWatchdog.D())
	return StateWifiConnect, nil
}

func (m *Machine) sleep(ctx context.Context) {
	d := m.sleepFor
	if d <= 0 {
		d = m.dev.Power.ComputeBackoff(0)
	}
	wake := []WakeSource{WakeOnTimer}
	if m.cfg.Mode == "push" {
		wake = append(wake, WakeOnSignalHigh, WakeOnSignalLow)
	}
	m.dev.Power.DeepSleep(ctx, d, wake...)
}
