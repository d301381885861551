package main

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// EventLogger appends timestamped lifecycle events to a file.  Unlike the
// process log it survives deep sleep, so the history of resets, transitions
// and gate changes can be read after the fact.  It is safe for concurrent
// use, and a nil logger or an empty path discards events.
type EventLogger struct {
	filePath string
	prefix   string
	mu       sync.Mutex
}

// NewEventLogger creates a logger writing to filePath.  Every line carries
// prefix, normally the id of the current wake cycle.
func NewEventLogger(filePath, prefix string) *EventLogger {
	return &EventLogger{filePath: filePath, prefix: prefix}
}

// Log writes a single event with timestamp.  Errors are ignored but printed
// to standard error.
func (el *EventLogger) Log(format string, args ...any) {
	if el == nil || el.filePath == "" {
		return
	}
	el.mu.Lock()
	defer el.mu.Unlock()
	msg := fmt.Sprintf(format, args...)
	ts := time.Now().Format(time.RFC3339)
	line := fmt.Sprintf("%s [%s] %s\n", ts, el.prefix, msg)
	f, err := os.OpenFile(el.filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "event log error: %v\n", err)
		return
	}
	defer f.Close()
	if _, err := f.WriteString(line); err != nil {
		fmt.Fprintf(os.Stderr, "event log write error: %v\n", err)
	}
}
