package main

import (
	"errors"
	"fmt"
)

// SetupFlag is the persisted tri-state used to notice a reset during the
// arming window at boot.  The device has no button, so a quick second reset
// while the indicator blinks is the only way to ask for re-provisioning.
//
//	idle      -> armed      (boot, before the arming window)
//	armed     -> idle       (arming window elapsed normally)
//	armed     -> triggered  (flag read back as armed: reset inside the window)
//	triggered -> idle       (provisioning entered)
type SetupFlag string

const (
	FlagIdle      SetupFlag = "idle"
	FlagArmed     SetupFlag = "armed"
	FlagTriggered SetupFlag = "triggered"
)

// SetupEvent drives SetupFlag transitions.
type SetupEvent int

const (
	EventBoot SetupEvent = iota
	EventWindowElapsed
	EventProvisionEntered
)

var setupTransitions = map[SetupFlag]map[SetupEvent]SetupFlag{
	FlagIdle: {
		EventBoot: FlagArmed,
	},
	FlagArmed: {
		EventBoot:          FlagTriggered,
		EventWindowElapsed: FlagIdle,
	},
	FlagTriggered: {
		EventBoot:             FlagTriggered,
		EventProvisionEntered: FlagIdle,
	},
}

// Next returns the flag after ev, or an error for a transition outside the
// table.
func (f SetupFlag) Next(ev SetupEvent) (SetupFlag, error) {
	next, ok := setupTransitions[f][ev]
	if !ok {
		return f, fmt.Errorf("setup flag: no transition from %s on event %d", f, ev)
	}
	return next, nil
}

// WantsProvisioning reports whether the flag asks for provisioning.
func (f SetupFlag) WantsProvisioning() bool { return f == FlagTriggered }

// legacySetupValues maps the strings older firmware stored in the same key.
var legacySetupValues = map[string]SetupFlag{
	"no":    FlagIdle,
	"nope":  FlagIdle,
	"maybe": FlagArmed,
	"enter": FlagTriggered,
}

// LoadSetupFlag reads the flag; a missing or unknown value is idle.
func LoadSetupFlag(s CredentialStore) (SetupFlag, error) {
	v, err := getString(s, nsSystem, keyWifiSetup)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return FlagIdle, nil
		}
		return FlagIdle, err
	}
	switch f := SetupFlag(v); f {
	case FlagIdle, FlagArmed, FlagTriggered:
		return f, nil
	}
	if f, ok := legacySetupValues[v]; ok {
		return f, nil
	}
	return FlagIdle, nil
}

// StoreSetupFlag persists the flag and commits immediately: the next reset
// may come at any moment.
func StoreSetupFlag(s CredentialStore, f SetupFlag) error {
	return putString(s, nsSystem, keyWifiSetup, string(f))
}

// advanceSetupFlag applies ev to the stored flag and persists the result.
func advanceSetupFlag(s CredentialStore, ev SetupEvent) (SetupFlag, error) {
	cur, err := LoadSetupFlag(s)
	if err != nil {
		return cur, err
	}
	next, err := cur.Next(ev)
	if err != nil {
		return cur, err
	}
	if next == cur {
		return cur, nil
	}
	return next, StoreSetupFlag(s, next)
}
