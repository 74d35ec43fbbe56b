package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/john/flashforge_link/discovery"
	"github.com/john/flashforge_link/logger"
	"github.com/john/flashforge_link/store"
)

type Config struct {
	Printer   PrinterConfig   `yaml:"printer"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Polling   PollingConfig   `yaml:"polling"`
	Store     StoreConfig     `yaml:"store"`
	Log       LogConfig       `yaml:"log"`
}

// PrinterConfig names a printer to connect to directly. With an empty IP
// the interactive discovery flow is used instead.
type PrinterConfig struct {
	IP        string `yaml:"ip"`
	Serial    string `yaml:"serial"`
	Name      string `yaml:"name"`
	CheckCode string `yaml:"check_code"`
	// ForceLegacy skips pairing and talks only the legacy TCP protocol.
	ForceLegacy     bool   `yaml:"force_legacy"`
	CustomLEDs      bool   `yaml:"custom_leds"`
	CustomCameraURL string `yaml:"custom_camera_url"`
}

type DiscoveryConfig struct {
	Window   time.Duration `yaml:"window"`
	Idle     time.Duration `yaml:"idle"`
	Attempts int           `yaml:"attempts"`
	Port     int           `yaml:"port"`
	// Targets replaces the interface broadcast addresses.
	Targets []string `yaml:"targets"`
}

type PollingConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type StoreConfig struct {
	Backend string `yaml:"backend"`
	DataDir string `yaml:"data_dir"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

func DefaultConfig() *Config {
	return &Config{
		Discovery: DiscoveryConfig{
			Window:   discovery.DefaultWindow,
			Idle:     discovery.DefaultIdle,
			Attempts: discovery.DefaultAttempts,
			Port:     discovery.DefaultPort,
		},
		Polling: PollingConfig{
			Interval: 2 * time.Second,
		},
		Store: StoreConfig{
			Backend: store.BackendJSON,
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: logger.InfoLevel,
		},
	}
}

func defaultDataDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "flashforge_link"
	}
	return filepath.Join(dir, "flashforge_link")
}

// LoadConfig reads path over the defaults. A missing file is not an error
// when optional is set.
func LoadConfig(path string, optional bool) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if optional && errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

// LoadFromEnv overlays FFLINK_* variables. Only non-empty variables
// override.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("FFLINK_PRINTER_IP"); v != "" {
		cfg.Printer.IP = v
	}
	if v := os.Getenv("FFLINK_PRINTER_SERIAL"); v != "" {
		cfg.Printer.Serial = v
	}
	if v := os.Getenv("FFLINK_CHECK_CODE"); v != "" {
		cfg.Printer.CheckCode = v
	}
	if envBool("FFLINK_FORCE_LEGACY") {
		cfg.Printer.ForceLegacy = true
	}
	if envBool("FFLINK_CUSTOM_LEDS") {
		cfg.Printer.CustomLEDs = true
	}
	if v := os.Getenv("FFLINK_CAMERA_URL"); v != "" {
		cfg.Printer.CustomCameraURL = v
	}
	if v := envDuration("FFLINK_DISCOVERY_WINDOW"); v > 0 {
		cfg.Discovery.Window = v
	}
	if v := envDuration("FFLINK_POLL_INTERVAL"); v > 0 {
		cfg.Polling.Interval = v
	}
	if v := os.Getenv("FFLINK_STORE"); v != "" {
		cfg.Store.Backend = v
	}
	if v := os.Getenv("FFLINK_DATA_DIR"); v != "" {
		cfg.Store.DataDir = v
	}
	if v := os.Getenv("FFLINK_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

func envBool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "1" || v == "true" || v == "yes"
}

// envDuration accepts a Go duration or a bare number of seconds.
func envDuration(key string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return 0
}

func (c *Config) Validate() error {
	var errs []error
	if c.Printer.IP != "" && net.ParseIP(c.Printer.IP) == nil {
		errs = append(errs, fmt.Errorf("printer.ip %q is not an IP address", c.Printer.IP))
	}
	if c.Printer.IP != "" && c.Printer.Serial == "" && !c.Printer.ForceLegacy {
		errs = append(errs, errors.New("printer.serial is required with printer.ip unless force_legacy is set"))
	}
	if c.Discovery.Window <= 0 || c.Discovery.Idle <= 0 {
		errs = append(errs, errors.New("discovery.window and discovery.idle must be positive"))
	}
	if c.Discovery.Idle > c.Discovery.Window {
		errs = append(errs, errors.New("discovery.idle cannot exceed discovery.window"))
	}
	if c.Discovery.Attempts < 1 {
		errs = append(errs, errors.New("discovery.attempts must be at least 1"))
	}
	if c.Discovery.Port < 1 || c.Discovery.Port > 65535 {
		errs = append(errs, fmt.Errorf("discovery.port %d out of range", c.Discovery.Port))
	}
	if c.Polling.Interval < 500*time.Millisecond {
		errs = append(errs, errors.New("polling.interval must be at least 500ms"))
	}
	switch c.Store.Backend {
	case store.BackendJSON, store.BackendSQLite:
	default:
		errs = append(errs, fmt.Errorf("store.backend %q must be json or sqlite", c.Store.Backend))
	}
	if !logger.ValidLevel(c.Log.Level) {
		errs = append(errs, fmt.Errorf("log.level %q is not debug, info, warn or error", c.Log.Level))
	}
	return errors.Join(errs...)
}
