//go:build !(linux && arm) || disablegpio

// This file provides the in-memory board used on desktop machines and in
// tests.  The pins are periph.io gpiotest pins, so the rest of the program
// drives them exactly like real GPIO.  To use real GPIO on the Pi, build for
// linux/arm without the "disablegpio" tag and hal_rpi.go is used instead.

package main

import (
	"fmt"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
)

// openPins returns simulated indicator and wake pins.  The wake pin accepts
// fake edges through its EdgesChan.
func openPins(indicatorPin, wakePin int) (gpio.PinIO, gpio.PinIO, error) {
	indicator := &gpiotest.Pin{N: fmt.Sprintf("GPIO%d", indicatorPin), Num: indicatorPin, Fn: "Out/Low"}
	wake := &gpiotest.Pin{
		N:         fmt.Sprintf("GPIO%d", wakePin),
		Num:       wakePin,
		Fn:        "In/Low",
		EdgesChan: make(chan gpio.Level, 4),
	}
	return indicator, wake, nil
}
