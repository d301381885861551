package main

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"periph.io/x/conn/v3/gpio"
)

// edgePollInterval bounds how long the wake watcher blocks in WaitForEdge
// before checking whether it should stop.
const edgePollInterval = 500 * time.Millisecond

// Board owns the two GPIO lines of the device: the indicator output and the
// wake input.  The pins come from openPins, which is implemented once for
// the Raspberry Pi (hal_rpi.go) and once as an in-memory stub (hal.go).
type Board struct {
	indicator gpio.PinIO
	wake      gpio.PinIO
	polarity  string
	clock     clockwork.Clock

	mu       sync.Mutex
	blinking bool
	blinkEnd chan struct{}
	blinkWG  sync.WaitGroup

	// woke is set from the edge watcher and consumed by the main loop.
	woke atomic.Bool
}

// NewBoard configures the indicator as a low output and the wake input with
// a pull-down and edge detection on both edges.
func NewBoard(indicator, wake gpio.PinIO, polarity string, clock clockwork.Clock) (*Board, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if err := indicator.Out(gpio.Low); err != nil {
		return nil, fmt.Errorf("indicator %s: %w", indicator, err)
	}
	if err := wake.In(gpio.PullDown, gpio.BothEdges); err != nil {
		return nil, fmt.Errorf("wake input %s: %w", wake, err)
	}
	return &Board{indicator: indicator, wake: wake, polarity: polarity, clock: clock}, nil
}

// SetIndicator drives the indicator output.
func (b *Board) SetIndicator(on bool) error {
	return b.indicator.Out(gpio.Level(on))
}

// Indicator returns the current indicator level.
func (b *Board) Indicator() bool {
	return b.indicator.Read() == gpio.High
}

// SignalLevel returns the raw level of the wake input.
func (b *Board) SignalLevel() bool {
	return b.wake.Read() == gpio.High
}

// SignalActive returns the wake input interpreted with the configured
// polarity: true means the gate is open.
func (b *Board) SignalActive() bool {
	return signalActive(b.SignalLevel(), b.polarity)
}

// WatchWake runs until ctx is done and raises the wake flag on every edge of
// the wake input.  It stands in for the edge interrupt handler: it only sets
// a flag, the main loop does the work on its next tick.
func (b *Board) WatchWake(ctx context.Context) {
	for ctx.Err() == nil {
		if b.wake.WaitForEdge(edgePollInterval) {
			b.woke.Store(true)
		}
	}
}

// RaiseWake sets the wake flag as if an edge had been seen.
func (b *Board) RaiseWake() { b.woke.Store(true) }

// TakeWake returns and clears the wake flag.
func (b *Board) TakeWake() bool { return b.woke.Swap(false) }

// StartBlinking toggles the indicator every half period until StopBlinking
// is called.  A second call while already blinking is a no-op.
func (b *Board) StartBlinking(period time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.blinking {
		return
	}
	if period <= 0 {
		period = time.Second
	}
	b.blinking = true
	b.blinkEnd = make(chan struct{})
	b.blinkWG.Add(1)
	go b.blink(period/2, b.blinkEnd)
}

func (b *Board) blink(half time.Duration, end <-chan struct{}) {
	defer b.blinkWG.Done()
	t := b.clock.NewTicker(half)
	defer t.Stop()
	for {
		select {
		case <-end:
			return
		case <-t.Chan():
			if err := b.SetIndicator(!b.Indicator()); err != nil {
				log.Printf("indicator: %v", err)
			}
		}
	}
}

// StopBlinking stops a running blink and leaves the indicator off.
func (b *Board) StopBlinking() {
	b.mu.Lock()
	if !b.blinking {
		b.mu.Unlock()
		return
	}
	b.blinking = false
	close(b.blinkEnd)
	b.mu.Unlock()
	b.blinkWG.Wait()
	_ = b.SetIndicator(false)
}

// Blink blinks with the given period for at most maxTime, then leaves the
// indicator off.  It returns early when ctx is done.
func (b *Board) Blink(ctx context.Context, period, maxTime time.Duration) {
	if maxTime <= 0 {
		return
	}
	b.StartBlinking(period)
	select {
	case <-ctx.Done():
	case <-b.clock.After(maxTime):
	}
	b.StopBlinking()
}

// Close releases both pins.
func (b *Board) Close() error {
	b.StopBlinking()
	if err := b.indicator.Halt(); err != nil {
		return err
	}
	return b.wake.Halt()
}
