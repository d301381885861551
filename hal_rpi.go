//go:build linux && arm && !disablegpio

// This file provides a Raspberry Pi implementation of openPins using the
// periph.io library.  When cross-compiling on other platforms or when the
// build tag "disablegpio" is specified, hal.go is used instead.

package main

import (
	"fmt"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// openPins initialises the periph host drivers and looks up both pins by
// their BCM numbers.  host.Init can safely be called multiple times.
func openPins(indicatorPin, wakePin int) (gpio.PinIO, gpio.PinIO, error) {
	if _, err := host.Init(); err != nil {
		return nil, nil, fmt.Errorf("periph host init: %w", err)
	}
	indicator := gpioreg.ByName(fmt.Sprintf("GPIO%d", indicatorPin))
	if indicator == nil {
		return nil, nil, fmt.Errorf("no indicator pin GPIO%d", indicatorPin)
	}
	wake := gpioreg.ByName(fmt.Sprintf("GPIO%d", wakePin))
	if wake == nil {
		return nil, nil, fmt.Errorf("no wake pin GPIO%d", wakePin)
	}
	return indicator, wake, nil
}
