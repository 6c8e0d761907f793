// fleetsql - connection-dispatch supervisor
// Copyright 2026 The fleetsql Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetsql/fleetsql

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigValidate(t *testing.T) {
	cfg := defaultConfig()
	cfg.DataDirectory = "/var/lib/fleetsql"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate, got: %v", err)
	}
}

func TestValidateRejectsMissingDataDirectory(t *testing.T) {
	cfg := defaultConfig()
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing data directory")
	}
}

func TestValidateRejectsBadPort(t *testing.T) {
	cfg := defaultConfig()
	cfg.DataDirectory = "/var/lib/fleetsql"
	cfg.Port = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for out-of-range port")
	}
}

func TestValidateRejectsNoListener(t *testing.T) {
	cfg := defaultConfig()
	cfg.DataDirectory = "/var/lib/fleetsql"
	cfg.UnixSocketEnabled = false
	cfg.ListenAddresses = nil
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when no listener is configured")
	}
}

func TestSaturatedCap(t *testing.T) {
	cfg := defaultConfig()
	cfg.MaxConnections = 100
	cfg.AdmissionSaturationFactor = 2
	if got := cfg.SaturatedCap(); got != 200 {
		t.Errorf("SaturatedCap() = %d, want 200", got)
	}
}

func TestNormalizedListenAddresses(t *testing.T) {
	cfg := defaultConfig()
	cfg.ListenAddresses = []string{"*", " 10.0.0.1 ", "", "::1"}
	got := cfg.NormalizedListenAddresses()
	want := []string{"0.0.0.0", "10.0.0.1", "::1"}
	if len(got) != len(want) {
		t.Fatalf("NormalizedListenAddresses() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("NormalizedListenAddresses()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSplitAddressList(t *testing.T) {
	cases := []struct {
		raw  string
		want []string
	}{
		{"localhost", []string{"localhost"}},
		{"10.0.0.1, 10.0.0.2", []string{"10.0.0.1", "10.0.0.2"}},
		{"a\tb  c", []string{"a", "b", "c"}},
		{"", nil},
	}
	for _, c := range cases {
		got := SplitAddressList(c.raw)
		if len(got) != len(c.want) {
			t.Errorf("SplitAddressList(%q) = %v, want %v", c.raw, got, c.want)
			continue
		}
		for i := range c.want {
			if got[i] != c.want[i] {
				t.Errorf("SplitAddressList(%q)[%d] = %q, want %q", c.raw, i, got[i], c.want[i])
			}
		}
	}
}

func TestParseSettingAssignment(t *testing.T) {
	name, value, err := ParseSettingAssignment("shared_buffers=2000")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if name != "shared_buffers" || value != "2000" {
		t.Errorf("got (%q, %q), want (shared_buffers, 2000)", name, value)
	}

	if _, _, err := ParseSettingAssignment("no-equals-sign"); err == nil {
		t.Fatal("expected error for assignment missing '='")
	}
}

func TestApplyNamedSettings(t *testing.T) {
	cfg := defaultConfig()
	err := cfg.ApplyNamedSettings([]string{
		"archiving_enabled=true",
		"admission_saturation_factor=3",
		"custom_setting=hello",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.ArchivingEnabled {
		t.Error("expected ArchivingEnabled to be true")
	}
	if cfg.AdmissionSaturationFactor != 3 {
		t.Errorf("AdmissionSaturationFactor = %d, want 3", cfg.AdmissionSaturationFactor)
	}
	if cfg.Settings["custom_setting"] != "hello" {
		t.Errorf("Settings[custom_setting] = %q, want hello", cfg.Settings["custom_setting"])
	}
}

func TestLoadFromFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "fleetd.yaml")
	contents := "data_directory: " + dir + "\nport: 6543\nmax_connections: 50\n"
	if err := os.WriteFile(configPath, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv(ConfigPathEnvVar, configPath)
	t.Setenv("FLEETD_MAX_CONNECTIONS", "75")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Port != 6543 {
		t.Errorf("Port = %d, want 6543 (from file)", cfg.Port)
	}
	if cfg.MaxConnections != 75 {
		t.Errorf("MaxConnections = %d, want 75 (env overrides file)", cfg.MaxConnections)
	}
}

func TestLoadCLIOverridesWinOverEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(ConfigPathEnvVar, filepath.Join(dir, "does-not-exist.yaml"))
	t.Setenv("FLEETDATA", dir)
	t.Setenv("FLEETD_PORT", "6000")

	cfg, err := Load(map[string]interface{}{"port": 7000})
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Port != 7000 {
		t.Errorf("Port = %d, want 7000 (CLI overrides env)", cfg.Port)
	}
	if cfg.DataDirectory != dir {
		t.Errorf("DataDirectory = %q, want %q (from FLEETDATA)", cfg.DataDirectory, dir)
	}
}
