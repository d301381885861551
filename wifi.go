package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Station is the radio in station mode.
type Station interface {
	SetActive(ctx context.Context, on bool) error
	// Associate issues the association request and returns without waiting
	// for the link.
	Associate(ctx context.Context, creds WifiCredentials) error
	LinkUp(ctx context.Context) (bool, error)
	Network(ctx context.Context) (NetworkInfo, error)
}

// AccessPoint is the radio in access-point mode.
type AccessPoint interface {
	SetActive(ctx context.Context, on bool) error
	Configure(ctx context.Context, cfg APConfig) error
}

var errLinkDown = errors.New("link down")

// ConnectivityManager drives the two radio roles and keeps them mutually
// exclusive: bringing one up always takes the other down first.
type ConnectivityManager struct {
	sta Station
	ap  AccessPoint

	// mu guards mode, which a watchdog reset also writes while shutting the
	// radio down.
	mu   sync.Mutex
	mode RadioMode

	// OnOutcome, when set, is called with the status of every Connect.
	OnOutcome func(ConnectionStatus)
}

// NewConnectivityManager returns a manager with both radios assumed off.
func NewConnectivityManager(sta Station, ap AccessPoint) *ConnectivityManager {
	return &ConnectivityManager{sta: sta, ap: ap}
}

// Mode returns the active radio role.
func (m *ConnectivityManager) Mode() RadioMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

func (m *ConnectivityManager) setMode(mode RadioMode) {
	m.mu.Lock()
	m.mode = mode
	m.mu.Unlock()
}

// Connect joins the network described by creds.  It disables the access
// point, resets the station, associates and then polls the link every
// interval, at most maxAttempts times.  It never blocks longer than
// maxAttempts*interval plus the time the radio calls take.
func (m *ConnectivityManager) Connect(ctx context.Context, creds WifiCredentials, maxAttempts int, interval time.Duration) ConnectionOutcome {
	out := m.connect(ctx, creds, maxAttempts, interval)
	if m.OnOutcome != nil {
		m.OnOutcome(out.Status)
	}
	return out
}

func (m *ConnectivityManager) connect(ctx context.Context, creds WifiCredentials, maxAttempts int, interval time.Duration) ConnectionOutcome {
	if creds.Absent() {
		return ConnectionOutcome{Status: Failed, Reason: ErrStorageMiss}
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if err := m.ap.SetActive(ctx, false); err != nil {
		return ConnectionOutcome{Status: Failed, Reason: &RadioError{Op: "ap off", Err: err}}
	}
	m.setMode(RadioOff)
	// Reset the station so a half-open association from a previous attempt
	// does not linger.
	if err := m.sta.SetActive(ctx, false); err != nil {
		return ConnectionOutcome{Status: Failed, Reason: &RadioError{Op: "station off", Err: err}}
	}
	if err := m.sta.SetActive(ctx, true); err != nil {
		return ConnectionOutcome{Status: Failed, Reason: &RadioError{Op: "station on", Err: err}}
	}
	m.setMode(RadioStation)

	log.Printf("connecting to network %q..", creds.SSID)
	if err := m.sta.Associate(ctx, creds); err != nil {
		return ConnectionOutcome{Status: Failed, Reason: &RadioError{Op: "associate", Err: err}}
	}

	polls := 0
	poll := func() error {
		polls++
		up, err := m.sta.LinkUp(ctx)
		if err != nil {
			return err
		}
		if !up {
			return errLinkDown
		}
		return nil
	}
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), uint64(maxAttempts-1)),
		ctx,
	)
	err := backoff.RetryNotify(poll, b, func(err error, _ time.Duration) {
		log.Printf("waiting.. (%d/%d: %v)", polls, maxAttempts, err)
	})
	if err != nil {
		if ctx.Err() != nil {
			log.Printf("connect to %q timed out after %d polls", creds.SSID, polls)
			return ConnectionOutcome{Status: TimedOut, Reason: &RadioError{Op: "associate", Err: ctx.Err()}}
		}
		log.Printf("connect to %q failed after %d polls", creds.SSID, polls)
		return ConnectionOutcome{
			Status: Failed,
			Reason: &RadioError{Op: "associate", Err: fmt.Errorf("no link after %d polls: %w", polls, err)},
		}
	}

	info, err := m.sta.Network(ctx)
	if err != nil {
		// The link is up; a missing address report is not worth failing for.
		log.Printf("network info: %v", err)
	}
	log.Printf("connected, network config: %s", info)
	return ConnectionOutcome{Status: Connected, Network: info}
}

// LinkUp reports whether the station is associated.  It is false whenever
// the radio is not in station mode.
func (m *ConnectivityManager) LinkUp(ctx context.Context) (bool, error) {
	if m.Mode() != RadioStation {
		return false, nil
	}
	return m.sta.LinkUp(ctx)
}

// StartAccessPoint disables the station and brings up the access point with
// cfg.  When the access point is already up it is reconfigured in place.
func (m *ConnectivityManager) StartAccessPoint(ctx context.Context, cfg APConfig) error {
	if m.Mode() == RadioAccessPoint {
		if err := m.ap.Configure(ctx, cfg); err != nil {
			return &RadioError{Op: "ap configure", Err: err}
		}
		log.Printf("access point reconfigured: SSID %q", cfg.ESSID)
		return nil
	}
	if err := m.sta.SetActive(ctx, false); err != nil {
		return &RadioError{Op: "station off", Err: err}
	}
	m.setMode(RadioOff)
	if err := m.ap.SetActive(ctx, false); err != nil {
		return &RadioError{Op: "ap reset", Err: err}
	}
	if err := m.ap.Configure(ctx, cfg); err != nil {
		return &RadioError{Op: "ap configure", Err: err}
	}
	if err := m.ap.SetActive(ctx, true); err != nil {
		return &RadioError{Op: "ap on", Err: err}
	}
	m.setMode(RadioAccessPoint)
	log.Printf("created wifi access point: SSID %q PWD %q channel %d", cfg.ESSID, cfg.Password, cfg.Channel)
	return nil
}

// StopAccessPoint takes the access point down.
func (m *ConnectivityManager) StopAccessPoint(ctx context.Context) error {
	if err := m.ap.SetActive(ctx, false); err != nil {
		return &RadioError{Op: "ap off", Err: err}
	}
	m.mu.Lock()
	if m.mode == RadioAccessPoint {
		m.mode = RadioOff
	}
	m.mu.Unlock()
	return nil
}

// Shutdown turns both radios off.  Errors are logged; it runs right before
// sleep where nothing else can be done about them.
func (m *ConnectivityManager) Shutdown(ctx context.Context) {
	if err := m.ap.SetActive(ctx, false); err != nil {
		log.Printf("ap off: %v", err)
	}
	if err := m.sta.SetActive(ctx, false); err != nil {
		log.Printf("station off: %v", err)
	}
	m.setMode(RadioOff)
}
