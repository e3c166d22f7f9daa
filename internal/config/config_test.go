package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"onemeter/internal/api"
)

func TestApplyDefaults_Device(t *testing.T) {
	t.Parallel()

	cfg := Config{Device: DeviceConfig{APIKey: "k", DeviceID: "d1", DeviceName: "Kitchen"}}
	ApplyDefaults(&cfg)

	if cfg.Device.ScanInterval != DefaultScanIntervalSec {
		t.Fatalf("scan_interval=%d", cfg.Device.ScanInterval)
	}
	if cfg.Device.Interval() != 5*time.Minute {
		t.Fatalf("interval=%s", cfg.Device.Interval())
	}
	if cfg.Device.BaseURL != api.DefaultBaseURL {
		t.Fatalf("base_url=%q", cfg.Device.BaseURL)
	}
	if cfg.Device.FetchTimeout() != 10*time.Second {
		t.Fatalf("fetch timeout=%s", cfg.Device.FetchTimeout())
	}
	if _, err := uuid.Parse(cfg.Device.EntryID); err != nil {
		t.Fatalf("entry_id=%q: %v", cfg.Device.EntryID, err)
	}
	if cfg.DataDir != DefaultDataDir || cfg.Log.Level != "info" {
		t.Fatalf("data_dir=%q log=%+v", cfg.DataDir, cfg.Log)
	}

	id := cfg.Device.EntryID
	ApplyDefaults(&cfg)
	if cfg.Device.EntryID != id {
		t.Fatalf("entry_id regenerated")
	}
}

func TestClampScanInterval(t *testing.T) {
	t.Parallel()

	cases := []struct{ in, want int }{
		{0, 300},
		{-5, 60},
		{1, 60},
		{60, 60},
		{120, 120},
		{86400, 86400},
		{100000, 86400},
	}
	for _, tc := range cases {
		if got := ClampScanInterval(tc.in); got != tc.want {
			t.Fatalf("ClampScanInterval(%d)=%d want %d", tc.in, got, tc.want)
		}
	}
}

func TestValidate_RequiresDeviceFields(t *testing.T) {
	t.Parallel()

	cfg := Config{Device: DeviceConfig{APIKey: "k"}}
	ApplyDefaults(&cfg)
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error")
	}

	cfg.Device.DeviceID = "d1"
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for missing device_name")
	}

	cfg.Device.DeviceName = "Kitchen"
	if err := Validate(cfg); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
}

func TestSave_Writes0600(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	path := filepath.Join(tmp, "onemeter.yaml")
	cfg := Config{Device: DeviceConfig{APIKey: "secret", DeviceID: "d1", DeviceName: "Kitchen", ScanInterval: 30}}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("mode=%o", info.Mode().Perm())
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Device.ScanInterval != MinScanIntervalSec {
		t.Fatalf("scan_interval=%d", loaded.Device.ScanInterval)
	}
	if loaded.Device.EntryID == "" || loaded.Device.APIKey != "secret" {
		t.Fatalf("device=%+v", loaded.Device)
	}
}

func TestLoadStable_PersistsGeneratedEntryID(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "onemeter.yaml")
	raw := "device:\n  api_key: k\n  device_id: d1\n  device_name: Kitchen\n"
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	first, err := LoadStable(path)
	if err != nil {
		t.Fatalf("LoadStable: %v", err)
	}
	if first.Device.EntryID == "" {
		t.Fatalf("entry_id not generated")
	}

	second, err := LoadStable(path)
	if err != nil {
		t.Fatalf("LoadStable #2: %v", err)
	}
	if second.Device.EntryID != first.Device.EntryID {
		t.Fatalf("entry_id changed: %q -> %q", first.Device.EntryID, second.Device.EntryID)
	}
}

func TestLoad_Malformed(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "onemeter.yaml")
	if err := os.WriteFile(path, []byte("device: [\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected parse error")
	}
}
