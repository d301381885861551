package main

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by the CredentialStore for a missing key.
	ErrNotFound = errors.New("key not found")
	// ErrStorageMiss means no Wi-Fi credentials are stored.  It is expected
	// on first boot and routes straight to provisioning.
	ErrStorageMiss = errors.New("no stored credentials")
	// ErrProvisioningTimeout means nobody submitted credentials in time.
	ErrProvisioningTimeout = errors.New("provisioning window elapsed")
	// ErrWatchdogExpired is logged right before the watchdog resets the device.
	ErrWatchdogExpired = errors.New("watchdog expired")
)

// RadioError reports an association failure or a link drop.
type RadioError struct {
	Op  string
	Err error
}

func (e *RadioError) Error() string { return "radio " + e.Op + ": " + e.Err.Error() }

func (e *RadioError) Unwrap() error { return e.Err }

// ProtocolError reports an unexpected status code or body from the remote
// endpoint.  Body is empty when the status code alone was wrong.
type ProtocolError struct {
	StatusCode int
	Body       string
}

func (e *ProtocolError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("protocol: unexpected body %q (status %d)", e.Body, e.StatusCode)
	}
	return fmt.Sprintf("protocol: unexpected status code %d", e.StatusCode)
}
