package main

import (
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Resetter forces a full device reset.  Reset never returns.
type Resetter interface {
	Reset(cause ResetCause)
}

// WatchdogSupervisor arms a one-shot deadline that resets the device when it
// expires.  It is the last line of defence against a stuck loop, so expiry is
// fatal by construction.  At most one deadline is pending at any time.
type WatchdogSupervisor struct {
	mu         sync.Mutex
	clock      clockwork.Clock
	reset      Resetter
	grace      time.Duration
	timeout    time.Duration
	timer      clockwork.Timer
	generation uint64
	hw         *hardwareWatchdog

	// OnFeed, when set, is called after every successful feed.
	OnFeed func()
}

// NewWatchdogSupervisor returns a stopped supervisor.  devicePath optionally
// names a Linux watchdog device (usually /dev/watchdog) that is kept in step
// with the software deadline.
func NewWatchdogSupervisor(clock clockwork.Clock, reset Resetter, grace time.Duration, devicePath string) *WatchdogSupervisor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	w := &WatchdogSupervisor{clock: clock, reset: reset, grace: grace}
	if devicePath != "" {
		w.hw = &hardwareWatchdog{path: devicePath, clock: clock, setTimeout: setWatchdogTimeout}
	}
	return w
}

// Start arms the deadline with the given timeout, replacing any deadline
// that is already armed.
func (w *WatchdogSupervisor) Start(timeout time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.timeout = timeout
	w.armLocked()
	if w.hw != nil {
		if err := w.hw.arm(timeout); err != nil {
			log.Printf("watchdog device: %v", err)
		}
	}
	log.Printf("watchdog armed (%s)", timeout)
}

// Feed re-arms the current timeout from now.  Feeding a stopped supervisor
// does nothing.
func (w *WatchdogSupervisor) Feed() {
	w.mu.Lock()
	if w.timer == nil {
		w.mu.Unlock()
		return
	}
	w.armLocked()
	if w.hw != nil {
		if err := w.hw.pet(); err != nil {
			log.Printf("watchdog device: %v", err)
		}
	}
	onFeed := w.OnFeed
	w.mu.Unlock()
	if onFeed != nil {
		onFeed()
	}
}

// Stop disarms the deadline.  It must be called before any phase that may
// block longer than the timeout, such as provisioning or sleep.
func (w *WatchdogSupervisor) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer == nil {
		return
	}
	w.timer.Stop()
	w.timer = nil
	w.generation++
	if w.hw != nil {
		if err := w.hw.close(); err != nil {
			log.Printf("watchdog device: %v", err)
		}
	}
	log.Printf("watchdog stopped")
}

// Armed reports whether a deadline is pending.
func (w *WatchdogSupervisor) Armed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.timer != nil
}

// Timeout returns the timeout of the pending deadline.
func (w *WatchdogSupervisor) Timeout() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.timeout
}

// armLocked cancels the outstanding deadline and arms a new one.  A timer
// that already fired but lost the race for the lock sees a stale generation
// and does nothing.
func (w *WatchdogSupervisor) armLocked() {
	if w.timer != nil {
		w.timer.Stop()
	}
	w.generation++
	gen := w.generation
	w.timer = w.clock.AfterFunc(w.timeout, func() { w.expire(gen) })
}

func (w *WatchdogSupervisor) expire(gen uint64) {
	w.mu.Lock()
	if gen != w.generation || w.timer == nil {
		w.mu.Unlock()
		return
	}
	w.timer = nil
	timeout := w.timeout
	w.mu.Unlock()

	log.Printf("CRITICAL: %v after %s, resetting", ErrWatchdogExpired, timeout)
	// Give the log line a moment to reach its sink.
	w.clock.Sleep(w.grace)
	w.reset.Reset(ResetWatchdog)
}

// hwKeepalive is the pet interval when the heartbeat of the device is
// unknown.  Drivers default to heartbeats well above it.
const hwKeepalive = 5 * time.Second

// hardwareWatchdog drives a Linux watchdog character device.  Opening the
// device arms it, any write feeds it, and writing 'V' before closing
// disarms it (magic close).  The heartbeat is programmed to the software
// timeout; when the driver caps it lower, a keepalive pets the device so it
// only fires if the whole process stops.
type hardwareWatchdog struct {
	path  string
	clock clockwork.Clock
	// setTimeout programs the heartbeat in seconds and returns the one the
	// driver accepted.
	setTimeout func(f *os.File, secs int) (int, error)

	mu   sync.Mutex
	f    *os.File
	stop chan struct{}
}

func (h *hardwareWatchdog) arm(timeout time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.f == nil {
		f, err := os.OpenFile(h.path, os.O_WRONLY, 0)
		if err != nil {
			return fmt.Errorf("open %s: %w", h.path, err)
		}
		h.f = f
	}

	secs := int((timeout + time.Second - 1) / time.Second)
	interval := hwKeepalive
	got, err := h.setTimeout(h.f, secs)
	switch {
	case err != nil:
		log.Printf("watchdog device: set timeout %ds: %v", secs, err)
	case got >= secs:
		interval = 0
	case got > 0:
		interval = time.Duration(got) * time.Second / 2
		log.Printf("watchdog device: heartbeat capped at %ds, keeping alive every %s", got, interval)
	}
	h.keepaliveLocked(interval)
	return nil
}

// keepaliveLocked replaces the keepalive with one petting every interval.
// A zero interval stops it.
func (h *hardwareWatchdog) keepaliveLocked(interval time.Duration) {
	if h.stop != nil {
		close(h.stop)
		h.stop = nil
	}
	if interval <= 0 {
		return
	}
	stop := make(chan struct{})
	h.stop = stop
	t := h.clock.NewTicker(interval)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.Chan():
			}
			h.mu.Lock()
			select {
			case <-stop:
				h.mu.Unlock()
				return
			default:
			}
			err := h.petLocked()
			h.mu.Unlock()
			if err != nil {
				log.Printf("watchdog device: %v", err)
			}
		}
	}()
}

func (h *hardwareWatchdog) pet() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.petLocked()
}

func (h *hardwareWatchdog) petLocked() error {
	if h.f == nil {
		return nil
	}
	if _, err := h.f.Write([]byte{0}); err != nil {
		return fmt.Errorf("feed %s: %w", h.path, err)
	}
	return nil
}

func (h *hardwareWatchdog) close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.keepaliveLocked(0)
	if h.f == nil {
		return nil
	}
	f := h.f
	h.f = nil
	if _, err := f.Write([]byte("V")); err != nil {
		f.Close()
		return fmt.Errorf("magic close %s: %w", h.path, err)
	}
	return f.Close()
}
