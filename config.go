package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// defaultConfigPath is the default filename for persisted configuration.  The
// GATEWATCH_CONFIG environment variable overrides it.
const defaultConfigPath = "config.json"

// Duration wraps time.Duration so that config.json can hold values such as
// "30m" or "1s" instead of nanosecond integers.
type Duration time.Duration

// D returns the wrapped time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		// Plain numbers are taken as seconds.
		var secs float64
		if err2 := json.Unmarshal(b, &secs); err2 != nil {
			return fmt.Errorf("invalid duration %s", string(b))
		}
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// NotifierConfig selects a state notifier.  Type is one of "log", "mqtt" or
// "email"; only the fields of the selected type are used.
type NotifierConfig struct {
	Type string `json:"type"`

	// mqtt
	Broker   string `json:"broker,omitempty"`
	Topic    string `json:"topic,omitempty"`
	ClientID string `json:"client_id,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`

	// email
	SMTPServer string `json:"smtp_server,omitempty"`
	SMTPPort   int    `json:"smtp_port,omitempty"`
	From       string `json:"from,omitempty"`
	To         string `json:"to,omitempty"`
	Subject    string `json:"subject,omitempty"`
}

// SeedConfig holds credentials written to the store on first boot when the
// store does not have them yet.
type SeedConfig struct {
	SSID     string `json:"ssid"`
	Password string `json:"pwd"`
	URL      string `json:"url"`
}

// Config is the top-level structure serialized to config.json.  Everything
// the device must remember across deep sleep that the user did not type into
// the provisioning form lives here; credentials live in the store.
type Config struct {
	StorePath       string `json:"store_path"`
	EventLogFile    string `json:"event_log_file"`
	MetricsTextfile string `json:"metrics_textfile"`

	// Mode is "poll" (GET the remote state and mirror it) or "push" (send
	// open/close when the wake input changes).
	Mode string `json:"mode"`

	Interface     string   `json:"interface"`
	AccessPoint   APConfig `json:"access_point"`
	ProvisionAddr string   `json:"provision_addr"`

	PowerOnWindow   Duration `json:"power_on_window"`
	ResetWindow     Duration `json:"reset_window"`
	ContactDeadline Duration `json:"contact_deadline"`

	ConnectAttempts int      `json:"connect_attempts"`
	ConnectInterval Duration `json:"connect_interval"`

	FastInterval       Duration `json:"fast_interval"`
	SlowInterval       Duration `json:"slow_interval"`
	FastWindow         Duration `json:"fast_window"`
	FastWindowOnChange bool     `json:"fast_window_on_change"`
	RequestTimeout     Duration `json:"request_timeout"`
	FailureCeiling     int      `json:"failure_ceiling"`

	// OnLinkLoss is "reconnect" or "sleep".
	OnLinkLoss    string `json:"on_link_loss"`
	MaxReconnects int    `json:"max_reconnects"`

	BootWatchdog   Duration `json:"boot_watchdog"`
	FastWatchdog   Duration `json:"fast_watchdog"`
	SlowWatchdog   Duration `json:"slow_watchdog"`
	WatchdogGrace  Duration `json:"watchdog_grace"`
	WatchdogDevice string   `json:"watchdog_device,omitempty"`

	ArmingWindow Duration `json:"arming_window"`

	SleepBase                    Duration `json:"sleep_base"`
	SleepIncrement               Duration `json:"sleep_increment"`
	SleepMax                     Duration `json:"sleep_max"`
	BlinkBeforeSleep             Duration `json:"blink_before_sleep"`
	ProvisionSessionsBeforeSleep int      `json:"provision_sessions_before_sleep"`

	IndicatorPin int    `json:"indicator_pin"`
	WakePin      int    `json:"wake_pin"`
	WakePolarity string `json:"wake_polarity"`

	Notifiers          []NotifierConfig `json:"notifiers"`
	InitialCredentials *SeedConfig      `json:"initial_credentials,omitempty"`
}

// DefaultConfig returns the configuration written on first start.
func DefaultConfig() Config {
	return Config{
		StorePath:       "nvs.json",
		EventLogFile:    "events.log",
		MetricsTextfile: "",
		Mode:            "poll",
		Interface:       "wlan0",
		AccessPoint: APConfig{
			ESSID:    "gatewatch",
			Password: "open the gate please",
			Channel:  8,
		},
		ProvisionAddr:                ":80",
		PowerOnWindow:                Duration(90 * time.Second),
		ResetWindow:                  Duration(30 * time.Second),
		ContactDeadline:              Duration(10 * time.Minute),
		ConnectAttempts:              60,
		ConnectInterval:              Duration(time.Second),
		FastInterval:                 Duration(time.Second),
		SlowInterval:                 Duration(time.Minute),
		FastWindow:                   Duration(30 * time.Minute),
		RequestTimeout:               Duration(10 * time.Second),
		FailureCeiling:               5,
		OnLinkLoss:                   "reconnect",
		MaxReconnects:                3,
		BootWatchdog:                 Duration(15 * time.Minute),
		FastWatchdog:                 Duration(2 * time.Minute),
		SlowWatchdog:                 Duration(5 * time.Minute),
		WatchdogGrace:                Duration(time.Second),
		ArmingWindow:                 Duration(2 * time.Second),
		SleepBase:                    Duration(5 * time.Minute),
		SleepIncrement:               Duration(5 * time.Minute),
		SleepMax:                     Duration(time.Hour),
		BlinkBeforeSleep:             Duration(10 * time.Second),
		ProvisionSessionsBeforeSleep: 3,
		IndicatorPin:                 2,
		WakePin:                      14,
		WakePolarity:                 "high",
		Notifiers:                    []NotifierConfig{{Type: "log"}},
	}
}

// Validate rejects configurations the lifecycle cannot run with.
func (c Config) Validate() error {
	switch c.Mode {
	case "poll", "push":
	default:
		return fmt.Errorf("mode must be poll or push, got %q", c.Mode)
	}
	switch c.OnLinkLoss {
	case "reconnect", "sleep":
	default:
		return fmt.Errorf("on_link_loss must be reconnect or sleep, got %q", c.OnLinkLoss)
	}
	if c.ConnectAttempts < 1 {
		return fmt.Errorf("connect_attempts must be at least 1")
	}
	if c.FailureCeiling < 1 {
		return fmt.Errorf("failure_ceiling must be at least 1")
	}
	if c.FastInterval <= 0 || c.SlowInterval <= 0 {
		return fmt.Errorf("poll intervals must be positive")
	}
	if c.FastWatchdog.D() <= c.FastInterval.D() || c.SlowWatchdog.D() <= c.SlowInterval.D() {
		return fmt.Errorf("watchdog timeouts must exceed their poll interval")
	}
	connect := time.Duration(c.ConnectAttempts)*c.ConnectInterval.D() + c.ArmingWindow.D()
	if c.BootWatchdog.D() <= connect {
		return fmt.Errorf("boot_watchdog %s must exceed the connect budget %s", c.BootWatchdog.D(), connect)
	}
	return nil
}

// ConfigManager wraps the loaded configuration and a mutex for concurrent
// access.
type ConfigManager struct {
	mu     sync.RWMutex
	path   string
	cfg    Config
	loaded bool
}

// NewConfigManager returns a manager for the file at path.  An empty path
// selects GATEWATCH_CONFIG or config.json.
func NewConfigManager(path string) *ConfigManager {
	if path == "" {
		path = os.Getenv("GATEWATCH_CONFIG")
	}
	if path == "" {
		path = defaultConfigPath
	}
	return &ConfigManager{path: path}
}

// Load reads configuration from disk.  If the file does not exist, the
// default configuration is persisted and used.  Environment overrides are
// applied after reading and are not written back.
func (cm *ConfigManager) Load() error {
	cm.mu.Lock()
	if cm.loaded {
		cm.mu.Unlock()
		return nil
	}
	data, err := os.ReadFile(cm.path)
	if err != nil {
		if os.IsNotExist(err) {
			cm.cfg = DefaultConfig()
			cm.loaded = true
			// Release the write lock before saving: Save takes a read lock.
			cm.mu.Unlock()
			if err := cm.Save(); err != nil {
				return err
			}
			cm.applyEnv()
			return nil
		}
		cm.mu.Unlock()
		return fmt.Errorf("unable to read config: %w", err)
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, &cfg); err != nil {
		cm.mu.Unlock()
		return fmt.Errorf("invalid %s: %w", cm.path, err)
	}
	if err := cfg.Validate(); err != nil {
		cm.mu.Unlock()
		return fmt.Errorf("invalid %s: %w", cm.path, err)
	}
	cm.cfg = cfg
	cm.loaded = true
	cm.mu.Unlock()
	cm.applyEnv()
	return nil
}

func (cm *ConfigManager) applyEnv() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if v := strings.TrimSpace(os.Getenv("GATEWATCH_IFACE")); v != "" {
		cm.cfg.Interface = v
	}
	if v := strings.TrimSpace(os.Getenv("GATEWATCH_URL")); v != "" {
		if cm.cfg.InitialCredentials == nil {
			cm.cfg.InitialCredentials = &SeedConfig{}
		}
		cm.cfg.InitialCredentials.URL = v
	}
}

// Save writes the configuration to disk atomically.
func (cm *ConfigManager) Save() error {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	bytes, err := json.MarshalIndent(cm.cfg, "", "  ")
	if err != nil {
		return err
	}
	tmpPath := cm.path + ".tmp"
	if err := os.WriteFile(tmpPath, bytes, 0600); err != nil {
		return err
	}
	return os.Rename(tmpPath, cm.path)
}

// Get returns a copy of the current configuration.  Callers must treat the
// returned Config as immutable.
func (cm *ConfigManager) Get() Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.cfg
}
