package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"
)

// maxBodyBytes bounds how much of the remote answer is read.  A valid body
// is "True" or "False"; anything longer is a protocol error anyway.
const maxBodyBytes = 64

// RemoteStateMonitor talks to the remote endpoint, mirrors the result on
// the indicator and fans changes out to the notifiers.  Consecutive failures
// are counted by a circuit breaker that trips once they exceed the ceiling.
type RemoteStateMonitor struct {
	client    *http.Client
	url       string
	board     *Board
	breaker   *gobreaker.CircuitBreaker
	notifiers []StateNotifier
	events    *EventLogger
	metrics   *Metrics
	ceiling   uint32

	last RemoteState
}

// NewRemoteStateMonitor returns a monitor for endpoint.  Every request is
// bounded by timeout.  The monitor trips after more than ceiling consecutive
// failures.
func NewRemoteStateMonitor(endpoint string, timeout time.Duration, ceiling int, board *Board,
	notifiers []StateNotifier, events *EventLogger, metrics *Metrics) *RemoteStateMonitor {
	m := &RemoteStateMonitor{
		client:    &http.Client{Timeout: timeout},
		url:       endpoint,
		board:     board,
		notifiers: notifiers,
		events:    events,
		metrics:   metrics,
		ceiling:   uint32(ceiling),
	}
	m.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "remote",
		// The breaker never half-opens within a wake cycle: tripping sends
		// the device to sleep.
		Timeout: 24 * time.Hour,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures > uint32(ceiling)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("monitor breaker %s: %s -> %s", name, from, to)
		},
	})
	return m
}

// Poll issues one GET and classifies the answer.  A status other than 200 is
// a protocol error and the body is not read.  The body must be exactly
// "True" or "False".
func (m *RemoteStateMonitor) Poll(ctx context.Context) (RemoteState, error) {
	log.Printf("request: GET %s", m.url)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.url, nil)
	if err != nil {
		return Unknown, err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return Unknown, fmt.Errorf("GET %s: %w", m.url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Unknown, &ProtocolError{StatusCode: resp.StatusCode}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return Unknown, fmt.Errorf("GET %s: read body: %w", m.url, err)
	}
	switch string(body) {
	case "True":
		return StateOf(true), nil
	case "False":
		return StateOf(false), nil
	default:
		return Unknown, &ProtocolError{StatusCode: resp.StatusCode, Body: string(body)}
	}
}

// Push sends the observed state with POST <url>?action=open|close.  Any
// status other than 200 is a protocol error.
func (m *RemoteStateMonitor) Push(ctx context.Context, open bool) error {
	target, err := actionURL(m.url, open)
	if err != nil {
		return err
	}
	log.Printf("request: POST %s", target)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", target, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
	if resp.StatusCode != http.StatusOK {
		return &ProtocolError{StatusCode: resp.StatusCode}
	}
	return nil
}

func actionURL(endpoint string, open bool) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid remote url %q: %w", endpoint, err)
	}
	action := "close"
	if open {
		action = "open"
	}
	q := u.Query()
	q.Set("action", action)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Check polls through the breaker and applies a successful result.  changed
// is true when the state differs from the last known one.
func (m *RemoteStateMonitor) Check(ctx context.Context) (state RemoteState, changed bool, err error) {
	res, err := m.breaker.Execute(func() (interface{}, error) {
		return m.Poll(ctx)
	})
	if err != nil {
		m.failed(err)
		return m.last, false, err
	}
	m.metrics.poll("ok")
	m.metrics.failures(0)
	return m.apply(ctx, res.(RemoteState))
}

// Report pushes the wake input state through the breaker if the wake flag
// is raised.  A failed push raises the flag again so the next tick retries.
func (m *RemoteStateMonitor) Report(ctx context.Context) (state RemoteState, changed bool, err error) {
	if !m.board.TakeWake() {
		return m.last, false, nil
	}
	open := m.board.SignalActive()
	log.Printf("wake input changed, reporting %s", StateOf(open))
	_, err = m.breaker.Execute(func() (interface{}, error) {
		return nil, m.Push(ctx, open)
	})
	if err != nil {
		m.board.RaiseWake()
		m.failed(err)
		return m.last, false, err
	}
	m.metrics.poll("ok")
	m.metrics.failures(0)
	return m.apply(ctx, StateOf(open))
}

func (m *RemoteStateMonitor) failed(err error) {
	var pe *ProtocolError
	switch {
	case errors.Is(err, gobreaker.ErrOpenState):
		m.metrics.poll("rejected")
	case errors.As(err, &pe):
		m.metrics.poll("protocol_error")
	default:
		m.metrics.poll("error")
	}
	m.metrics.failures(m.Failures())
	log.Printf("monitor: %v (consecutive failures %d)", err, m.Failures())
}

func (m *RemoteStateMonitor) apply(ctx context.Context, s RemoteState) (RemoteState, bool, error) {
	changed := s != m.last
	m.last = s
	if err := m.board.SetIndicator(s.Open); err != nil {
		log.Printf("indicator: %v", err)
	}
	if !changed {
		return s, false, nil
	}
	m.metrics.remote(s)
	m.events.Log("gate %s", s)
	for _, n := range m.notifiers {
		if err := n.Notify(ctx, s, m.events); err != nil {
			log.Printf("notifier %s: %v", n.Name(), err)
		}
	}
	return s, true, nil
}

// Last returns the last known state.
func (m *RemoteStateMonitor) Last() RemoteState { return m.last }

// Failures returns the consecutive failures since the last success.  Once
// the breaker has tripped it reports one more than the ceiling allowed.
func (m *RemoteStateMonitor) Failures() uint32 {
	if m.Tripped() {
		// Counts are cleared when the breaker changes state.
		return m.ceiling + 1
	}
	return m.breaker.Counts().ConsecutiveFailures
}

// Tripped reports whether the failures exceeded the ceiling.
func (m *RemoteStateMonitor) Tripped() bool {
	return m.breaker.State() == gobreaker.StateOpen
}

// Phase is the polling cadence of the monitor.
type Phase int

const (
	PhaseFast Phase = iota
	PhaseSlow
)

func (p Phase) String() string {
	if p == PhaseSlow {
		return "slow"
	}
	return "fast"
}

// cadence is the monitoring scheduler.  State changes cluster at the start
// of a session, so the monitor polls every fast interval for a bounded
// window and then every slow interval indefinitely.  With restartOnChange a
// state change reopens the fast window.
type cadence struct {
	fast, slow      time.Duration
	window          time.Duration
	restartOnChange bool
	since           time.Time
}

func newCadence(cfg Config, start time.Time) *cadence {
	return &cadence{
		fast:            cfg.FastInterval.D(),
		slow:            cfg.SlowInterval.D(),
		window:          cfg.FastWindow.D(),
		restartOnChange: cfg.FastWindowOnChange,
		since:           start,
	}
}

// Phase returns the phase at now.
func (c *cadence) Phase(now time.Time) Phase {
	if now.Sub(c.since) < c.window {
		return PhaseFast
	}
	return PhaseSlow
}

// Interval returns the wait before the next tick.
func (c *cadence) Interval(now time.Time) time.Duration {
	if c.Phase(now) == PhaseFast {
		return c.fast
	}
	return c.slow
}

// Changed records a state change at now.
func (c *cadence) Changed(now time.Time) {
	if c.restartOnChange {
		c.since = now
	}
}
