package main

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestConnectUnreachableFailsAfterExactlyMaxAttempts(t *testing.T) {
	for _, attempts := range []int{1, 3, 7} {
		radio := &fakeRadio{reachable: false}
		m := NewConnectivityManager(radio.station(), radio.accessPoint())
		start := time.Now()
		out := m.Connect(context.Background(), WifiCredentials{SSID: "Nowhere"}, attempts, time.Millisecond)
		if out.Status != Failed {
			t.Errorf("attempts=%d: status %s, want failed", attempts, out.Status)
		}
		if got := radio.pollCount(); got != attempts {
			t.Errorf("attempts=%d: polled %d times", attempts, got)
		}
		var re *RadioError
		if !errors.As(out.Reason, &re) {
			t.Errorf("reason %v is not a RadioError", out.Reason)
		}
		if elapsed := time.Since(start); elapsed > 2*time.Second {
			t.Errorf("attempts=%d: took %s", attempts, elapsed)
		}
	}
}

func TestConnectSucceedsOnceLinkIsUp(t *testing.T) {
	radio := &fakeRadio{reachable: true, upAfter: 2}
	m := NewConnectivityManager(radio.station(), radio.accessPoint())
	var outcomes []ConnectionStatus
	m.OnOutcome = func(s ConnectionStatus) { outcomes = append(outcomes, s) }

	out := m.Connect(context.Background(), WifiCredentials{SSID: "Home", Password: "pw"}, 10, time.Millisecond)
	if out.Status != Connected {
		t.Fatalf("status %s (%v)", out.Status, out.Reason)
	}
	if got := radio.pollCount(); got != 3 {
		t.Errorf("polled %d times, want 3", got)
	}
	if out.Network.Interface != "wlan0" || len(out.Network.Addrs) != 1 {
		t.Errorf("network = %s", out.Network)
	}
	if m.Mode() != RadioStation {
		t.Errorf("mode = %s", m.Mode())
	}
	if len(outcomes) != 1 || outcomes[0] != Connected {
		t.Errorf("outcomes = %v", outcomes)
	}
	if len(radio.associated) != 1 || radio.associated[0].SSID != "Home" {
		t.Errorf("associated = %+v", radio.associated)
	}
}

func TestConnectAbsentCredentials(t *testing.T) {
	radio := &fakeRadio{reachable: true}
	m := NewConnectivityManager(radio.station(), radio.accessPoint())
	out := m.Connect(context.Background(), WifiCredentials{}, 3, time.Millisecond)
	if out.Status != Failed || !errors.Is(out.Reason, ErrStorageMiss) {
		t.Errorf("outcome = %s, %v", out.Status, out.Reason)
	}
	if radio.pollCount() != 0 {
		t.Error("radio polled without credentials")
	}
}

func TestConnectContextDeadlineTimesOut(t *testing.T) {
	radio := &fakeRadio{reachable: false}
	m := NewConnectivityManager(radio.station(), radio.accessPoint())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	out := m.Connect(ctx, WifiCredentials{SSID: "Slow"}, 1000, 10*time.Millisecond)
	if out.Status != TimedOut {
		t.Errorf("status %s, want timed_out", out.Status)
	}
}

func TestRadioModesAreExclusive(t *testing.T) {
	radio := &fakeRadio{reachable: true}
	m := NewConnectivityManager(radio.station(), radio.accessPoint())
	ctx := context.Background()
	cfg := APConfig{ESSID: "gatewatch", Password: "open the gate please", Channel: 8}

	if out := m.Connect(ctx, WifiCredentials{SSID: "Home"}, 3, time.Millisecond); out.Status != Connected {
		t.Fatalf("connect: %s", out.Status)
	}
	if err := m.StartAccessPoint(ctx, cfg); err != nil {
		t.Fatal(err)
	}
	if m.Mode() != RadioAccessPoint {
		t.Errorf("mode = %s", m.Mode())
	}
	if up, _ := m.LinkUp(ctx); up {
		t.Error("link reported up in access point mode")
	}

	// Starting again reconfigures in place.
	cfg.Channel = 11
	if err := m.StartAccessPoint(ctx, cfg); err != nil {
		t.Fatal(err)
	}
	if n := len(radio.apConfigs); n != 2 || radio.apConfigs[1].Channel != 11 {
		t.Errorf("ap configs = %+v", radio.apConfigs)
	}

	if out := m.Connect(ctx, WifiCredentials{SSID: "Home"}, 3, time.Millisecond); out.Status != Connected {
		t.Fatalf("reconnect: %s", out.Status)
	}
	if radio.overlapped() {
		t.Error("station and access point were active together")
	}
	if err := m.StopAccessPoint(ctx); err != nil {
		t.Fatal(err)
	}
	if m.Mode() != RadioStation {
		t.Errorf("StopAccessPoint changed station mode to %s", m.Mode())
	}
	m.Shutdown(ctx)
	if m.Mode() != RadioOff {
		t.Errorf("mode after shutdown = %s", m.Mode())
	}
}

// A watchdog reset shuts the radio down from its own goroutine while the
// lifecycle may still be connecting.
func TestShutdownWhileConnecting(t *testing.T) {
	radio := &fakeRadio{reachable: true, upAfter: 20}
	m := NewConnectivityManager(radio.station(), radio.accessPoint())
	ctx := context.Background()

	done := make(chan ConnectionOutcome, 1)
	go func() {
		done <- m.Connect(ctx, WifiCredentials{SSID: "Home"}, 50, time.Millisecond)
	}()
	for i := 0; i < 5; i++ {
		m.Shutdown(ctx)
		_ = m.Mode()
		time.Sleep(2 * time.Millisecond)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Connect did not return")
	}
	m.Shutdown(ctx)
	if m.Mode() != RadioOff {
		t.Errorf("mode after shutdown = %s", m.Mode())
	}
}
