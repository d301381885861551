package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

type recordingResetter chan ResetCause

func (r recordingResetter) Reset(cause ResetCause) { r <- cause }

func expectNoReset(t *testing.T, r recordingResetter) {
	t.Helper()
	select {
	case cause := <-r:
		t.Fatalf("unexpected reset (%s)", cause)
	case <-time.After(50 * time.Millisecond):
	}
}

func expectReset(t *testing.T, r recordingResetter) {
	t.Helper()
	select {
	case cause := <-r:
		if cause != ResetWatchdog {
			t.Errorf("cause = %s, want watchdog", cause)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog did not fire")
	}
}

func TestWatchdogFeedRearmsFromLastFeed(t *testing.T) {
	clock := clockwork.NewFakeClock()
	resets := make(recordingResetter, 4)
	w := NewWatchdogSupervisor(clock, resets, 0, "")
	feeds := 0
	w.OnFeed = func() { feeds++ }

	w.Start(10 * time.Second)
	clock.Advance(3 * time.Second)
	w.Feed()
	clock.Advance(3 * time.Second)
	w.Feed()
	// Ten seconds after the first feed, but only nine after the second.
	clock.Advance(9 * time.Second)
	expectNoReset(t, resets)

	clock.Advance(time.Second)
	expectReset(t, resets)
	if w.Armed() {
		t.Error("still armed after expiry")
	}
	if feeds != 2 {
		t.Errorf("OnFeed called %d times", feeds)
	}
	// The replaced deadlines must never fire.
	clock.Advance(time.Minute)
	expectNoReset(t, resets)
}

func TestWatchdogStop(t *testing.T) {
	clock := clockwork.NewFakeClock()
	resets := make(recordingResetter, 4)
	w := NewWatchdogSupervisor(clock, resets, 0, "")

	w.Start(time.Second)
	if !w.Armed() || w.Timeout() != time.Second {
		t.Fatalf("armed=%v timeout=%s", w.Armed(), w.Timeout())
	}
	w.Stop()
	clock.Advance(time.Hour)
	expectNoReset(t, resets)

	// Feeding a stopped watchdog does not arm it.
	w.Feed()
	if w.Armed() {
		t.Error("Feed armed a stopped watchdog")
	}
}

func TestWatchdogRestartReplacesDeadline(t *testing.T) {
	clock := clockwork.NewFakeClock()
	resets := make(recordingResetter, 4)
	w := NewWatchdogSupervisor(clock, resets, 0, "")

	w.Start(2 * time.Minute)
	w.Start(5 * time.Minute)
	clock.Advance(3 * time.Minute)
	expectNoReset(t, resets)
	clock.Advance(2 * time.Minute)
	expectReset(t, resets)
}

func TestHardwareWatchdogMagicClose(t *testing.T) {
	dev := filepath.Join(t.TempDir(), "watchdog")
	if err := os.WriteFile(dev, nil, 0600); err != nil {
		t.Fatal(err)
	}
	w := NewWatchdogSupervisor(clockwork.NewFakeClock(), make(recordingResetter, 1), 0, dev)
	w.Start(time.Minute)
	w.Feed()
	w.Stop()

	data, err := os.ReadFile(dev)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "\x00V" {
		t.Errorf("device saw %q, want a feed and the magic close", data)
	}
}

func newHardwareSupervisor(t *testing.T, clock clockwork.Clock, accept func(secs int) int) (*WatchdogSupervisor, string, *[]int) {
	t.Helper()
	dev := filepath.Join(t.TempDir(), "watchdog")
	if err := os.WriteFile(dev, nil, 0600); err != nil {
		t.Fatal(err)
	}
	w := NewWatchdogSupervisor(clock, make(recordingResetter, 1), 0, dev)
	var mu sync.Mutex
	requested := &[]int{}
	w.hw.setTimeout = func(_ *os.File, secs int) (int, error) {
		mu.Lock()
		defer mu.Unlock()
		*requested = append(*requested, secs)
		return accept(secs), nil
	}
	return w, dev, requested
}

func TestHardwareWatchdogProgramsTimeout(t *testing.T) {
	w, dev, requested := newHardwareSupervisor(t, clockwork.NewFakeClock(), func(secs int) int { return secs })

	w.Start(15 * time.Minute)
	w.Start(90*time.Second + time.Millisecond)
	w.Stop()
	if fmt.Sprint(*requested) != "[900 91]" {
		t.Errorf("requested heartbeats = %v, want [900 91]", *requested)
	}
	// The driver accepted the timeout, so nothing but the magic close was
	// written.
	if data, _ := os.ReadFile(dev); string(data) != "V" {
		t.Errorf("device saw %q", data)
	}
}

func TestHardwareWatchdogKeepsAliveWhenCapped(t *testing.T) {
	clock := clockwork.NewFakeClock()
	w, dev, _ := newHardwareSupervisor(t, clock, func(int) int { return 2 })

	w.Start(time.Minute)
	// The software deadline and the keepalive ticker.
	clock.BlockUntil(2)
	clock.Advance(time.Second)
	if !eventually(t, 2*time.Second, func() bool {
		data, _ := os.ReadFile(dev)
		return string(data) == "\x00"
	}) {
		data, _ := os.ReadFile(dev)
		t.Fatalf("device saw %q, want a keepalive within the capped heartbeat", data)
	}
	w.Stop()
	clock.Advance(time.Minute)
	if data, _ := os.ReadFile(dev); string(data) != "\x00V" {
		t.Errorf("device saw %q after stop", data)
	}
}
