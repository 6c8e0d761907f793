// fleetsql - connection-dispatch supervisor
// Copyright 2026 The fleetsql Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetsql/fleetsql

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in
// order of priority. The first file found is used.
var DefaultConfigPaths = []string{
	"fleetd.yaml",
	"fleetd.yml",
	"/etc/fleetsql/fleetd.yaml",
}

// ConfigPathEnvVar overrides the config file search with an explicit path.
const ConfigPathEnvVar = "FLEETD_CONFIG"

// DataDirectoryEnvVar is the one environment variable the spec (§6) allows
// to substitute for the -D/--data-directory flag.
const DataDirectoryEnvVar = "FLEETDATA"

// Load layers configuration in the order defaults -> config file ->
// environment -> CLI overrides (highest wins), matching the precedence the
// rest of the fleetsql ecosystem uses for Koanf-based config.
//
// cliOverrides is a flat map of already-parsed CLI flag values (produced by
// cmd/fleetd's pflag.FlagSet); pass nil when loading without a CLI layer
// (e.g. in tests or on SIGHUP reload where only file+env are re-read).
func Load(cliOverrides map[string]interface{}) (*Config, error) {
	k := koanf.New(".")

	defaults := defaultConfig()
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", configPath, err)
		}
	}

	envProvider := env.Provider("FLEETD_", ".", envTransformFunc)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}
	if dir := os.Getenv(DataDirectoryEnvVar); dir != "" {
		if err := k.Set("data_directory", dir); err != nil {
			return nil, fmt.Errorf("apply %s: %w", DataDirectoryEnvVar, err)
		}
	}

	if len(cliOverrides) > 0 {
		if err := k.Load(confmap.Provider(cliOverrides, "."), nil); err != nil {
			return nil, fmt.Errorf("load CLI overrides: %w", err)
		}
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// findConfigFile searches for a config file in the default paths, honoring
// ConfigPathEnvVar first.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envTransformFunc turns FLEETD_DATA_DIRECTORY into data_directory, the way
// the rest of the pack's Koanf wiring turns TAUTULLI_URL into tautulli.url.
func envTransformFunc(s string) string {
	s = strings.TrimPrefix(s, "FLEETD_")
	return strings.ToLower(s)
}

// SplitAddressList splits a comma/whitespace-separated listen-address list
// (§4.1) into individual entries.
func SplitAddressList(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// ParseSettingAssignment parses one `-c name=value` CLI assignment (§6).
func ParseSettingAssignment(raw string) (name, value string, err error) {
	idx := strings.IndexByte(raw, '=')
	if idx <= 0 {
		return "", "", fmt.Errorf("invalid -c assignment %q, expected name=value", raw)
	}
	return strings.TrimSpace(raw[:idx]), strings.TrimSpace(raw[idx+1:]), nil
}

// ApplyNamedSettings folds a list of `-c name=value` assignments into the
// config's generic Settings bag and, for a handful of well-known names,
// directly onto typed fields (mirroring the original's GUC-assignment
// mechanism recovered in SPEC_FULL.md §4).
func (c *Config) ApplyNamedSettings(assignments []string) error {
	if c.Settings == nil {
		c.Settings = map[string]string{}
	}
	for _, a := range assignments {
		name, value, err := ParseSettingAssignment(a)
		if err != nil {
			return err
		}
		c.Settings[name] = value
		switch name {
		case "archiving_enabled":
			c.ArchivingEnabled = value == "true" || value == "on" || value == "1"
		case "log_redirection":
			c.LogRedirection = value == "true" || value == "on" || value == "1"
		case "send_stop_for_crash":
			c.SendStopForCrash = value == "true" || value == "on" || value == "1"
		case "admission_saturation_factor":
			if n, convErr := strconv.Atoi(value); convErr == nil {
				c.AdmissionSaturationFactor = n
			}
		}
	}
	return nil
}
