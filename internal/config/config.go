package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"onemeter/internal/api"
	"onemeter/internal/logger"
)

const (
	DefaultScanIntervalSec = 300
	MinScanIntervalSec     = 60
	MaxScanIntervalSec     = 86400
	DefaultFetchTimeoutSec = 10
	DefaultDataDir         = "data"
	DefaultListen          = "127.0.0.1:8099"
)

// Config holds the agent settings for one device.
type Config struct {
	Device  DeviceConfig  `yaml:"device"`
	DataDir string        `yaml:"data_dir"`
	Listen  string        `yaml:"listen,omitempty"`
	Log     logger.Config `yaml:"log"`
}

// DeviceConfig identifies the polled device and how often to poll it.
type DeviceConfig struct {
	APIKey          string `yaml:"api_key"`
	DeviceID        string `yaml:"device_id"`
	DeviceName      string `yaml:"device_name"`
	ScanInterval    int    `yaml:"scan_interval"`
	BaseURL         string `yaml:"base_url"`
	EntryID         string `yaml:"entry_id"`
	FetchTimeoutSec int    `yaml:"fetch_timeout_sec"`
	MaxBackoffSec   int    `yaml:"max_backoff_sec,omitempty"`
}

// Interval is the scan interval as a duration.
func (d DeviceConfig) Interval() time.Duration {
	return time.Duration(d.ScanInterval) * time.Second
}

// FetchTimeout is the per-fetch deadline.
func (d DeviceConfig) FetchTimeout() time.Duration {
	return time.Duration(d.FetchTimeoutSec) * time.Second
}

// MaxBackoff caps failure backoff. Zero keeps the fixed interval.
func (d DeviceConfig) MaxBackoff() time.Duration {
	return time.Duration(d.MaxBackoffSec) * time.Second
}

// Load reads and parses a YAML config file.
func Load(path string) (Config, error) {
	cfg, err := parse(path)
	if err != nil {
		return Config{}, err
	}

	ApplyDefaults(&cfg)
	return cfg, nil
}

// LoadStable is Load that writes a generated entry_id back to path, so
// entity ids survive restarts.
func LoadStable(path string) (Config, error) {
	cfg, err := parse(path)
	if err != nil {
		return Config{}, err
	}

	generated := cfg.Device.EntryID == ""
	ApplyDefaults(&cfg)
	if generated {
		if err := Save(path, cfg); err != nil {
			return Config{}, fmt.Errorf("persist entry_id: %w", err)
		}
	}
	return cfg, nil
}

func parse(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes a YAML config file to disk. The file holds the API key, so it
// is written owner-only.
func Save(path string, cfg Config) error {
	ApplyDefaults(&cfg)
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate performs minimal validation for required fields.
func Validate(cfg Config) error {
	if cfg.Device.APIKey == "" {
		return fmt.Errorf("device.api_key is required")
	}
	if cfg.Device.DeviceID == "" {
		return fmt.Errorf("device.device_id is required")
	}
	if cfg.Device.DeviceName == "" {
		return fmt.Errorf("device.device_name is required")
	}
	if cfg.Device.MaxBackoffSec < 0 {
		return fmt.Errorf("device.max_backoff_sec must not be negative")
	}
	return nil
}

// ApplyDefaults fills in default values when empty and clamps the scan interval.
func ApplyDefaults(cfg *Config) {
	d := &cfg.Device
	d.ScanInterval = ClampScanInterval(d.ScanInterval)
	if d.BaseURL == "" {
		d.BaseURL = api.DefaultBaseURL
	}
	if d.FetchTimeoutSec <= 0 {
		d.FetchTimeoutSec = DefaultFetchTimeoutSec
	}
	if d.EntryID == "" {
		d.EntryID = uuid.NewString()
	}

	if cfg.DataDir == "" {
		cfg.DataDir = DefaultDataDir
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = logger.DefaultConfig().Level
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = logger.DefaultConfig().Output
	}
}

// ClampScanInterval maps 0 to the default and keeps sec within [60, 86400].
func ClampScanInterval(sec int) int {
	switch {
	case sec == 0:
		return DefaultScanIntervalSec
	case sec < MinScanIntervalSec:
		return MinScanIntervalSec
	case sec > MaxScanIntervalSec:
		return MaxScanIntervalSec
	}
	return sec
}
