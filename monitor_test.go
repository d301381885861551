package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMonitor(t *testing.T, url string, ceiling int) (*RemoteStateMonitor, *Board, *Metrics) {
	t.Helper()
	board, _, _ := newTestBoard(t, clockwork.NewRealClock())
	metrics := NewMetrics()
	m := NewRemoteStateMonitor(url, time.Second, ceiling, board, nil, nil, metrics)
	return m, board, metrics
}

func serveBody(status int, body string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}))
}

func TestPollClassifiesBody(t *testing.T) {
	tests := []struct {
		status   int
		body     string
		want     RemoteState
		protocol bool
	}{
		{http.StatusOK, "True", StateOf(true), false},
		{http.StatusOK, "False", StateOf(false), false},
		{http.StatusOK, "maybe", Unknown, true},
		{http.StatusOK, "true", Unknown, true},
		{http.StatusOK, "True\n", Unknown, true},
		{http.StatusOK, "", Unknown, true},
	}
	for _, tt := range tests {
		srv := serveBody(tt.status, tt.body)
		m, _, _ := newTestMonitor(t, srv.URL, 5)
		got, err := m.Poll(context.Background())
		srv.Close()

		var pe *ProtocolError
		if tt.protocol != errors.As(err, &pe) {
			t.Errorf("body %q: err = %v, protocol error expected %v", tt.body, err, tt.protocol)
		}
		if got != tt.want {
			t.Errorf("body %q: state = %s, want %s", tt.body, got, tt.want)
		}
	}
}

func TestPollErrorStatusDoesNotParseBody(t *testing.T) {
	srv := serveBody(http.StatusInternalServerError, "True")
	defer srv.Close()
	m, _, _ := newTestMonitor(t, srv.URL, 5)

	state, err := m.Poll(context.Background())
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want ProtocolError", err)
	}
	if pe.StatusCode != http.StatusInternalServerError || pe.Body != "" {
		t.Errorf("ProtocolError = %+v, want status only", pe)
	}
	if state.Known {
		t.Errorf("state = %s, want unknown", state)
	}
}

func TestPushSendsAction(t *testing.T) {
	var mu sync.Mutex
	var got []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		got = append(got, r.Method+" "+r.URL.Query().Get("action")+" "+r.URL.Query().Get("id"))
		mu.Unlock()
	}))
	defer srv.Close()
	m, _, _ := newTestMonitor(t, srv.URL+"/gate?id=7", 5)

	if err := m.Push(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	if err := m.Push(context.Background(), false); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	want := []string{"POST open 7", "POST close 7"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("requests = %v, want %v", got, want)
	}
}

func TestPushRejectsNon200(t *testing.T) {
	srv := serveBody(http.StatusForbidden, "")
	defer srv.Close()
	m, _, _ := newTestMonitor(t, srv.URL, 5)
	var pe *ProtocolError
	if err := m.Push(context.Background(), true); !errors.As(err, &pe) || pe.StatusCode != http.StatusForbidden {
		t.Errorf("err = %v", err)
	}
}

func TestCheckTripsAfterCeilingAndResetsOnSuccess(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, "True")
	}))
	defer srv.Close()
	m, board, metrics := newTestMonitor(t, srv.URL, 2)
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		if _, _, err := m.Check(ctx); err == nil {
			t.Fatal("Check succeeded against 503")
		}
		if m.Failures() != uint32(i) || m.Tripped() {
			t.Fatalf("after %d failures: count %d tripped %v", i, m.Failures(), m.Tripped())
		}
	}

	// A success clears the count.
	fail.Store(false)
	state, changed, err := m.Check(ctx)
	if err != nil || !changed || state != StateOf(true) {
		t.Fatalf("Check = %s, %v, %v", state, changed, err)
	}
	if m.Failures() != 0 || !board.Indicator() {
		t.Errorf("failures %d indicator %v", m.Failures(), board.Indicator())
	}
	if _, changed, _ := m.Check(ctx); changed {
		t.Error("unchanged state reported as a change")
	}

	fail.Store(true)
	for i := 0; i < 3; i++ {
		_, _, _ = m.Check(ctx)
	}
	if !m.Tripped() || m.Failures() != 3 {
		t.Errorf("tripped %v failures %d, want tripped after 3", m.Tripped(), m.Failures())
	}
	// The last known state survives failures.
	if m.Last() != StateOf(true) || !board.Indicator() {
		t.Errorf("last = %s", m.Last())
	}
	if got := testutil.ToFloat64(metrics.polls.WithLabelValues("protocol_error")); got != 5 {
		t.Errorf("protocol_error polls = %v, want 5", got)
	}
	if got := testutil.ToFloat64(metrics.remoteOpen); got != 1 {
		t.Errorf("remote gauge = %v", got)
	}
}

func TestReportPushesOnWake(t *testing.T) {
	var actions []string
	var mu sync.Mutex
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		mu.Lock()
		actions = append(actions, r.URL.Query().Get("action"))
		mu.Unlock()
	}))
	defer srv.Close()
	m, board, _ := newTestMonitor(t, srv.URL, 5)
	ctx := context.Background()

	if _, changed, err := m.Report(ctx); changed || err != nil {
		t.Fatalf("Report without wake = %v, %v", changed, err)
	}

	board.wake.Out(true)
	board.RaiseWake()
	state, changed, err := m.Report(ctx)
	if err != nil || !changed || state != StateOf(true) || !board.Indicator() {
		t.Fatalf("Report = %s, %v, %v", state, changed, err)
	}

	// A failed push keeps the wake pending for the next tick.
	fail.Store(true)
	board.wake.Out(false)
	board.RaiseWake()
	if _, _, err := m.Report(ctx); err == nil {
		t.Fatal("Report succeeded against 502")
	}
	fail.Store(false)
	if state, _, err := m.Report(ctx); err != nil || state != StateOf(false) {
		t.Fatalf("retry = %s, %v", state, err)
	}
	mu.Lock()
	defer mu.Unlock()
	if fmt.Sprint(actions) != "[open close]" {
		t.Errorf("actions = %v", actions)
	}
}

func TestCadence(t *testing.T) {
	cfg := DefaultConfig()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := newCadence(cfg, start)

	if c.Phase(start) != PhaseFast || c.Interval(start) != time.Second {
		t.Errorf("at start: %s %s", c.Phase(start), c.Interval(start))
	}
	late := start.Add(31 * time.Minute)
	if c.Phase(late) != PhaseSlow || c.Interval(late) != time.Minute {
		t.Errorf("after window: %s %s", c.Phase(late), c.Interval(late))
	}
	c.Changed(late)
	if c.Phase(late) != PhaseSlow {
		t.Error("change reopened the fast window without FastWindowOnChange")
	}

	cfg.FastWindowOnChange = true
	c = newCadence(cfg, start)
	c.Changed(late)
	if c.Phase(late.Add(time.Minute)) != PhaseFast {
		t.Error("change did not reopen the fast window")
	}
}
