package main

import (
	"fmt"
	"net"
	"time"
)

// WifiCredentials identifies the network the station should join.  An empty
// SSID means that no credentials are stored.  The controller only ever holds
// a transient copy per connection attempt; the CredentialStore owns them.
type WifiCredentials struct {
	SSID     string `json:"ssid"`
	Password string `json:"pwd"`
}

// Absent reports whether the credentials are missing.
func (c WifiCredentials) Absent() bool { return c.SSID == "" }

// ConnectionStatus tags a ConnectionOutcome.
type ConnectionStatus int

const (
	Connected ConnectionStatus = iota
	Failed
	TimedOut
)

func (s ConnectionStatus) String() string {
	switch s {
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	case TimedOut:
		return "timed_out"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// NetworkInfo is the configuration the station was assigned after
// association: interface name and its addresses.
type NetworkInfo struct {
	Interface string
	Addrs     []net.IPNet
}

func (n NetworkInfo) String() string {
	if len(n.Addrs) == 0 {
		return n.Interface
	}
	return fmt.Sprintf("%s %s", n.Interface, n.Addrs[0].String())
}

// ConnectionOutcome is the result of one ConnectivityManager.Connect call.
// Network is only meaningful for Connected; Reason is set for Failed and
// TimedOut.
type ConnectionOutcome struct {
	Status  ConnectionStatus
	Network NetworkInfo
	Reason  error
}

// RemoteState is the last observed state of the gate.  The zero value is
// Unknown, which is what the monitor reports until a poll succeeds.
type RemoteState struct {
	Known bool
	Open  bool
}

// Unknown is the state before the first successful poll.
var Unknown = RemoteState{}

// StateOf builds a known state.
func StateOf(open bool) RemoteState { return RemoteState{Known: true, Open: open} }

func (s RemoteState) String() string {
	switch {
	case !s.Known:
		return "unknown"
	case s.Open:
		return "open"
	default:
		return "closed"
	}
}

// ProvisioningWindow bounds how long the provisioning server waits for a
// first contact.  A zero Deadline waits indefinitely for a human.
type ProvisioningWindow struct {
	Deadline time.Duration
}

// Indefinite reports whether the window has no deadline.
func (w ProvisioningWindow) Indefinite() bool { return w.Deadline <= 0 }

// ResetCause is read once at boot and logged.  It decides the length of the
// provisioning window and whether the setup flag is checked.
type ResetCause string

const (
	ResetPowerOn   ResetCause = "power-on"
	ResetHard      ResetCause = "hard"
	ResetWatchdog  ResetCause = "watchdog"
	ResetDeepSleep ResetCause = "deep-sleep"
	ResetSoft      ResetCause = "soft"
)

// WakeCause tells a deep-sleep wake from the timer apart from one caused by
// the external signal changing.
type WakeCause string

const (
	WakeNone       WakeCause = ""
	WakeTimer      WakeCause = "timer"
	WakeSignalHigh WakeCause = "signal-high"
	WakeSignalLow  WakeCause = "signal-low"
)

// WakeSource is a condition allowed to resume the processor from deep sleep.
type WakeSource int

const (
	WakeOnTimer WakeSource = iota
	WakeOnSignalHigh
	WakeOnSignalLow
)

// RadioMode records which radio role is active.  Station and access point
// are mutually exclusive.
type RadioMode int

const (
	RadioOff RadioMode = iota
	RadioStation
	RadioAccessPoint
)

func (m RadioMode) String() string {
	switch m {
	case RadioStation:
		return "station"
	case RadioAccessPoint:
		return "access-point"
	default:
		return "off"
	}
}

// APConfig is the fixed configuration of the provisioning access point.
type APConfig struct {
	ESSID    string `json:"essid"`
	Password string `json:"password"`
	Channel  int    `json:"channel"`
}
