package main

import "strings"

// signalActive interprets the raw level of the wake input according to its
// polarity.  For an active-low sensor (open collector IR barriers, normally
// closed reed contacts) a low level means the gate is open.  For active-high
// sensors a high level means open.  Any unrecognised polarity defaults to
// active-high semantics.
func signalActive(level bool, polarity string) bool {
	switch strings.ToLower(polarity) {
	case "low", "nc":
		return !level
	case "high", "no":
		return level
	default:
		return level
	}
}

// wakeCauseFor maps the raw level observed after a wake to the wake cause
// reported to the next boot.
func wakeCauseFor(level bool) WakeCause {
	if level {
		return WakeSignalHigh
	}
	return WakeSignalLow
}
