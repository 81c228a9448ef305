package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadSeedsDefaultsWhenMissing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	got := s.Get()
	want := Credentials{Username: defaultUsername, Password: defaultPassword, HalfResolution: defaultHalfRes}
	if got != want {
		t.Errorf("Get() = %+v, want %+v", got, want)
	}

	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected config file to be written, stat error: %v", err)
	}
}

func TestLoadSeedsDefaultsWhenMalformed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatalf("setup WriteFile() error = %v", err)
	}

	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	got := s.Get()
	want := defaultCredentials()
	if got != want {
		t.Errorf("Get() = %+v, want %+v", got, want)
	}
}

func TestSetRoundTripsAcrossReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	want := Credentials{Username: "operator", Password: "", HalfResolution: false}
	if err := s.Set(want); err == nil {
		t.Fatalf("Set() with empty password unexpectedly succeeded")
	}

	want = Credentials{Username: "operator", Password: "hunter2", HalfResolution: false}
	if err := s.Set(want); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload Load() error = %v", err)
	}
	if got := reloaded.Get(); got != want {
		t.Errorf("reloaded Get() = %+v, want %+v", got, want)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	var onDisk map[string]any
	if err := json.Unmarshal(raw, &onDisk); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	for _, key := range []string{"username", "password", "half_resolution"} {
		if _, ok := onDisk[key]; !ok {
			t.Errorf("on-disk config missing key %q: %v", key, onDisk)
		}
	}
	if len(onDisk) != 3 {
		t.Errorf("on-disk config has extra keys: %v", onDisk)
	}
}

func TestScanPrefixDefaultAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := s.ScanPrefix(); got != defaultScanPrefix {
		t.Errorf("ScanPrefix() = %q, want %q", got, defaultScanPrefix)
	}

	t.Setenv("SENTRYCAM_SCAN_PREFIX", "10.0.5")
	s2, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := s2.ScanPrefix(); got != "10.0.5" {
		t.Errorf("ScanPrefix() with env override = %q, want %q", got, "10.0.5")
	}
}
