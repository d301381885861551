package main

import (
	"context"
	"net"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
)

// fakeRadio backs both radio roles and records whether they were ever up
// at the same time.
type fakeRadio struct {
	mu         sync.Mutex
	staOn      bool
	apOn       bool
	overlap    bool
	reachable  bool
	upAfter    int
	dropped    bool
	polls      int
	associated []WifiCredentials
	apConfigs  []APConfig

	// onConfigure runs outside the lock each time the access point is
	// configured.
	onConfigure func(APConfig)
}

func (r *fakeRadio) station() Station { return fakeStation{r} }
func (r *fakeRadio) accessPoint() AccessPoint { return fakeAP{r} }

func (r *fakeRadio) setDropped(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropped = v
}

func (r *fakeRadio) pollCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.polls
}

func (r *fakeRadio) overlapped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.overlap
}

type fakeStation struct{ r *fakeRadio }

func (s fakeStation) SetActive(_ context.Context, on bool) error {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	s.r.staOn = on
	if on && s.r.apOn {
		s.r.overlap = true
	}
	return nil
}

func (s fakeStation) Associate(_ context.Context, creds WifiCredentials) error {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	s.r.associated = append(s.r.associated, creds)
	s.r.polls = 0
	return nil
}

func (s fakeStation) LinkUp(context.Context) (bool, error) {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	s.r.polls++
	return s.r.staOn && s.r.reachable && !s.r.dropped && s.r.polls > s.r.upAfter, nil
}

func (s fakeStation) Network(context.Context) (NetworkInfo, error) {
	return NetworkInfo{
		Interface: "wlan0",
		Addrs:     []net.IPNet{{IP: net.IPv4(192, 168, 1, 23), Mask: net.CIDRMask(24, 32)}},
	}, nil
}

type fakeAP struct{ r *fakeRadio }

func (a fakeAP) SetActive(_ context.Context, on bool) error {
	a.r.mu.Lock()
	defer a.r.mu.Unlock()
	a.r.apOn = on
	if on && a.r.staOn {
		a.r.overlap = true
	}
	return nil
}

func (a fakeAP) Configure(_ context.Context, cfg APConfig) error {
	a.r.mu.Lock()
	a.r.apConfigs = append(a.r.apConfigs, cfg)
	hook := a.r.onConfigure
	a.r.mu.Unlock()
	if hook != nil {
		hook(cfg)
	}
	return nil
}

// fakePlatform records sleeps and resets.  Restart and Reboot end the
// calling goroutine, which is how "never returns" looks from a test.
type fakePlatform struct {
	suspended chan time.Duration
	restarts  chan struct{}
	reboots   chan struct{}

	suspendErr error
	// onSuspend runs inside Suspend, e.g. to change the wake input.
	onSuspend func()
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		suspended: make(chan time.Duration, 4),
		restarts:  make(chan struct{}, 4),
		reboots:   make(chan struct{}, 4),
	}
}

func (p *fakePlatform) Suspend(_ context.Context, d time.Duration) error {
	p.suspended <- d
	if p.onSuspend != nil {
		p.onSuspend()
	}
	return p.suspendErr
}

func (p *fakePlatform) Restart() {
	p.restarts <- struct{}{}
	runtime.Goexit()
}

func (p *fakePlatform) Reboot() {
	p.reboots <- struct{}{}
	runtime.Goexit()
}

// newTestBoard returns a board on gpiotest pins and the pins themselves.
func newTestBoard(t *testing.T, clock clockwork.Clock) (*Board, *gpiotest.Pin, *gpiotest.Pin) {
	t.Helper()
	indicator := &gpiotest.Pin{N: "GPIO2", Num: 2, Clock: clock}
	wake := &gpiotest.Pin{N: "GPIO14", Num: 14, Clock: clock, EdgesChan: make(chan gpio.Level, 4)}
	b, err := NewBoard(indicator, wake, "high", clock)
	if err != nil {
		t.Fatalf("NewBoard: %v", err)
	}
	return b, indicator, wake
}

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := OpenFileStore(filepath.Join(t.TempDir(), "nvs.json"))
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	return s
}

// testConfig shrinks every interval so a whole lifecycle runs in well under
// a second.
func testConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.StorePath = filepath.Join(dir, "nvs.json")
	cfg.EventLogFile = filepath.Join(dir, "events.log")
	cfg.ProvisionAddr = freeAddr(t)
	cfg.PowerOnWindow = Duration(5 * time.Second)
	cfg.ResetWindow = Duration(5 * time.Second)
	cfg.ContactDeadline = Duration(10 * time.Second)
	cfg.ConnectAttempts = 3
	cfg.ConnectInterval = Duration(5 * time.Millisecond)
	cfg.FastInterval = Duration(10 * time.Millisecond)
	cfg.SlowInterval = Duration(20 * time.Millisecond)
	cfg.FastWindow = Duration(time.Hour)
	cfg.RequestTimeout = Duration(2 * time.Second)
	cfg.BootWatchdog = Duration(time.Minute)
	cfg.FastWatchdog = Duration(time.Minute)
	cfg.SlowWatchdog = Duration(time.Minute)
	cfg.WatchdogGrace = 0
	cfg.ArmingWindow = Duration(10 * time.Millisecond)
	cfg.BlinkBeforeSleep = 0
	return cfg
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

// recordingNotifier captures every notified state.
type recordingNotifier struct {
	mu     sync.Mutex
	states []RemoteState
	onCall func(RemoteState)
}

func (n *recordingNotifier) Name() string { return "recording" }

func (n *recordingNotifier) Notify(_ context.Context, s RemoteState, _ *EventLogger) error {
	n.mu.Lock()
	n.states = append(n.states, s)
	n.mu.Unlock()
	if n.onCall != nil {
		n.onCall(s)
	}
	return nil
}

func (n *recordingNotifier) seen() []RemoteState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]RemoteState(nil), n.states...)
}
