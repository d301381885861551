//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	sddbus "github.com/coreos/go-systemd/v22/dbus"
	"github.com/godbus/dbus/v5"
)

const (
	rtcWakeAlarm   = "/sys/class/rtc/rtc0/wakealarm"
	sysClassNet    = "/sys/class/net"
	supplicantDir  = "/etc/wpa_supplicant"
	hostapdConf    = "/etc/hostapd/hostapd.conf"
	hostapdUnit    = "hostapd.service"
	login1Dest     = "org.freedesktop.login1"
	login1Path     = "/org/freedesktop/login1"
	login1Manager  = "org.freedesktop.login1.Manager"
	unitJobTimeout = 30 * time.Second
)

// newPlatform returns the Linux radio and power implementations for the
// interface named in cfg.
func newPlatform(cfg Config) (Station, AccessPoint, Platform) {
	units := &unitController{}
	sta := &wpaStation{iface: cfg.Interface, confDir: supplicantDir, netDir: sysClassNet, units: units}
	ap := &hostapdAP{iface: cfg.Interface, confPath: hostapdConf, units: units}
	return sta, ap, &linuxPlatform{}
}

// unitController starts and stops systemd units over D-Bus.
type unitController struct{}

type unitOp func(conn *sddbus.Conn, ctx context.Context, name, mode string, ch chan<- string) (int, error)

func (u *unitController) run(ctx context.Context, verb, name string, op unitOp) error {
	ctx, cancel := context.WithTimeout(ctx, unitJobTimeout)
	defer cancel()
	conn, err := sddbus.NewWithContext(ctx)
	if err != nil {
		return fmt.Errorf("dbus connection failed: %w", err)
	}
	defer conn.Close()

	resultChan := make(chan string, 1)
	if _, err := op(conn, ctx, name, "replace", resultChan); err != nil {
		return fmt.Errorf("%s %s: %w", verb, name, err)
	}
	select {
	case result := <-resultChan:
		if result != "done" {
			return fmt.Errorf("%s %s: job %s", verb, name, result)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s %s: %w", verb, name, ctx.Err())
	}
}

func (u *unitController) start(ctx context.Context, name string) error {
	return u.run(ctx, "start", name, (*sddbus.Conn).StartUnitContext)
}

func (u *unitController) stop(ctx context.Context, name string) error {
	return u.run(ctx, "stop", name, (*sddbus.Conn).StopUnitContext)
}

func (u *unitController) restart(ctx context.Context, name string) error {
	return u.run(ctx, "restart", name, (*sddbus.Conn).RestartUnitContext)
}

// wpaStation runs wpa_supplicant for the interface through its templated
// systemd unit.
type wpaStation struct {
	iface   string
	confDir string
	netDir  string
	units   *unitController
	active  bool
}

func (s *wpaStation) unit() string { return "wpa_supplicant@" + s.iface + ".service" }

func (s *wpaStation) confPath() string {
	return filepath.Join(s.confDir, "wpa_supplicant-"+s.iface+".conf")
}

func (s *wpaStation) SetActive(ctx context.Context, on bool) error {
	var err error
	if on {
		err = s.units.start(ctx, s.unit())
	} else {
		err = s.units.stop(ctx, s.unit())
	}
	if err == nil {
		s.active = on
	}
	return err
}

func (s *wpaStation) Associate(ctx context.Context, creds WifiCredentials) error {
	if err := writeFileAtomic(s.confPath(), []byte(renderSupplicantConfig(creds)), 0600); err != nil {
		return err
	}
	if !s.active {
		return nil
	}
	return s.units.restart(ctx, s.unit())
}

func (s *wpaStation) LinkUp(context.Context) (bool, error) {
	data, err := os.ReadFile(filepath.Join(s.netDir, s.iface, "operstate"))
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(string(data)) == "up", nil
}

func (s *wpaStation) Network(context.Context) (NetworkInfo, error) {
	info := NetworkInfo{Interface: s.iface}
	ifc, err := net.InterfaceByName(s.iface)
	if err != nil {
		return info, err
	}
	addrs, err := ifc.Addrs()
	if err != nil {
		return info, err
	}
	for _, a := range addrs {
		if ipn, ok := a.(*net.IPNet); ok {
			info.Addrs = append(info.Addrs, *ipn)
		}
	}
	return info, nil
}

// hostapdAP runs hostapd.service with a generated configuration.
type hostapdAP struct {
	iface    string
	confPath string
	units    *unitController
	active   bool
}

func (a *hostapdAP) SetActive(ctx context.Context, on bool) error {
	var err error
	if on {
		err = a.units.start(ctx, hostapdUnit)
	} else {
		err = a.units.stop(ctx, hostapdUnit)
	}
	if err == nil {
		a.active = on
	}
	return err
}

func (a *hostapdAP) Configure(ctx context.Context, cfg APConfig) error {
	if err := writeFileAtomic(a.confPath, []byte(renderHostapdConfig(a.iface, cfg)), 0600); err != nil {
		return err
	}
	if !a.active {
		return nil
	}
	return a.units.restart(ctx, hostapdUnit)
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// bootID identifies the running kernel boot, or is empty if unknown.
func bootID() string {
	data, err := os.ReadFile("/proc/sys/kernel/random/boot_id")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// linuxPlatform suspends through systemd-logind with the RTC as the timer
// wake source, and restarts by re-executing the binary.
type linuxPlatform struct{}

func (linuxPlatform) Suspend(ctx context.Context, d time.Duration) error {
	// Clear an existing alarm first; the kernel refuses to overwrite one.
	_ = os.WriteFile(rtcWakeAlarm, []byte("0"), 0644)
	at := time.Now().Add(d).Unix()
	if err := os.WriteFile(rtcWakeAlarm, []byte(strconv.FormatInt(at, 10)), 0644); err != nil {
		return fmt.Errorf("failed to set wake alarm: %w", err)
	}

	conn, err := dbus.SystemBus()
	if err != nil {
		return fmt.Errorf("failed to connect to system DBus: %w", err)
	}
	// The shared system bus connection must not be closed.
	matchRule := "type='signal',interface='" + login1Manager + "',member='PrepareForSleep'"
	if call := conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, matchRule); call.Err != nil {
		return fmt.Errorf("subscribe PrepareForSleep: %w", call.Err)
	}
	defer conn.BusObject().Call("org.freedesktop.DBus.RemoveMatch", 0, matchRule)
	sigCh := make(chan *dbus.Signal, 8)
	conn.Signal(sigCh)
	defer conn.RemoveSignal(sigCh)

	obj := conn.Object(login1Dest, dbus.ObjectPath(login1Path))
	if call := obj.CallWithContext(ctx, login1Manager+".Suspend", 0, false); call.Err != nil {
		return fmt.Errorf("suspend: %w", call.Err)
	}

	// PrepareForSleep(false) is emitted after resume.  If the system never
	// went down, give up once the alarm time has passed.
	timeout := time.NewTimer(d + time.Minute)
	defer timeout.Stop()
	for {
		select {
		case sig := <-sigCh:
			if sig == nil || sig.Name != login1Manager+".PrepareForSleep" || len(sig.Body) == 0 {
				continue
			}
			if starting, ok := sig.Body[0].(bool); ok && !starting {
				return nil
			}
		case <-timeout.C:
			return errors.New("no resume signal from logind")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (linuxPlatform) Restart() {
	exe, err := os.Executable()
	if err == nil {
		err = syscall.Exec(exe, os.Args, os.Environ())
	}
	log.Printf("re-exec failed: %v", err)
	// Exit non-zero so systemd's Restart= brings the service back.
	os.Exit(1)
}

func (linuxPlatform) Reboot() {
	conn, err := dbus.SystemBus()
	if err == nil {
		obj := conn.Object(login1Dest, dbus.ObjectPath(login1Path))
		err = obj.Call(login1Manager+".Reboot", 0, false).Err
	}
	if err != nil {
		log.Printf("reboot: %v", err)
		os.Exit(1)
	}
	// logind is taking the system down; wait for it.
	time.Sleep(time.Minute)
	os.Exit(1)
}
