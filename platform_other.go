//go:build !linux

package main

import (
	"context"
	"errors"
	"log"
	"net"
	"os"
	"time"
)

var errUnsupportedPlatform = errors.New("not supported on this platform")

// newPlatform returns a simulated radio that is always connected, so the
// monitor can be exercised against a real endpoint on a development
// machine.  Suspend is unsupported, which makes the power controller wait
// in process.
func newPlatform(cfg Config) (Station, AccessPoint, Platform) {
	return &simStation{iface: cfg.Interface}, simAP{}, otherPlatform{}
}

type simStation struct {
	iface  string
	active bool
}

func (s *simStation) SetActive(_ context.Context, on bool) error {
	s.active = on
	return nil
}

func (s *simStation) Associate(context.Context, WifiCredentials) error { return nil }

func (s *simStation) LinkUp(context.Context) (bool, error) { return s.active, nil }

func (s *simStation) Network(context.Context) (NetworkInfo, error) {
	lo := net.IPNet{IP: net.IPv4(127, 0, 0, 1), Mask: net.CIDRMask(8, 32)}
	return NetworkInfo{Interface: s.iface, Addrs: []net.IPNet{lo}}, nil
}

type simAP struct{}

func (simAP) SetActive(context.Context, bool) error { return nil }
func (simAP) Configure(context.Context, APConfig) error { return nil }

func bootID() string { return "" }

type otherPlatform struct{}

func (otherPlatform) Suspend(context.Context, time.Duration) error { return errUnsupportedPlatform }

func (otherPlatform) Restart() {
	log.Printf("restart: %v, exiting", errUnsupportedPlatform)
	os.Exit(0)
}

func (otherPlatform) Reboot() {
	log.Printf("reboot: %v, exiting", errUnsupportedPlatform)
	os.Exit(1)
}
