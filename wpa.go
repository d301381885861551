package main

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// wpaPSK derives the 256-bit pre-shared key from a WPA passphrase, the same
// derivation wpa_passphrase performs.  The plain passphrase then never has
// to be written to disk.
func wpaPSK(ssid, passphrase string) string {
	key := pbkdf2.Key([]byte(passphrase), []byte(ssid), 4096, 32, sha1.New)
	return hex.EncodeToString(key)
}

// renderSupplicantConfig produces a wpa_supplicant configuration joining the
// single network in creds.  An empty password joins an open network.
func renderSupplicantConfig(creds WifiCredentials) string {
	var b strings.Builder
	b.WriteString("ctrl_interface=DIR=/var/run/wpa_supplicant GROUP=netdev\n")
	b.WriteString("update_config=0\n\n")
	b.WriteString("network={\n")
	fmt.Fprintf(&b, "\tssid=%s\n", quoteConf(creds.SSID))
	if creds.Password == "" {
		b.WriteString("\tkey_mgmt=NONE\n")
	} else {
		fmt.Fprintf(&b, "\tpsk=%s\n", wpaPSK(creds.SSID, creds.Password))
	}
	b.WriteString("}\n")
	return b.String()
}

// renderHostapdConfig produces a hostapd configuration for the provisioning
// access point on iface.  A password shorter than WPA allows gives an open
// access point.
func renderHostapdConfig(iface string, cfg APConfig) string {
	var b strings.Builder
	fmt.Fprintf(&b, "interface=%s\n", iface)
	b.WriteString("driver=nl80211\n")
	fmt.Fprintf(&b, "ssid=%s\n", cfg.ESSID)
	b.WriteString("hw_mode=g\n")
	channel := cfg.Channel
	if channel < 1 || channel > 13 {
		channel = 6
	}
	fmt.Fprintf(&b, "channel=%d\n", channel)
	if n := len(cfg.Password); n >= 8 && n <= 63 {
		b.WriteString("wpa=2\n")
		b.WriteString("wpa_key_mgmt=WPA-PSK\n")
		b.WriteString("rsn_pairwise=CCMP\n")
		fmt.Fprintf(&b, "wpa_passphrase=%s\n", cfg.Password)
	}
	return b.String()
}

// quoteConf quotes s for a wpa_supplicant string value.  Values containing a
// quote or a newline are written as hex, which wpa_supplicant accepts
// unquoted.
func quoteConf(s string) string {
	if strings.ContainsAny(s, "\"\n") {
		return hex.EncodeToString([]byte(s))
	}
	return `"` + s + `"`
}
