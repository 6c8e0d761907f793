// fleetsql - connection-dispatch supervisor
// Copyright 2026 The fleetsql Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetsql/fleetsql

// Package config loads the supervisor's configuration from layered sources
// (defaults, config file, environment, CLI flags) using Koanf v2, matching
// the precedence and provider stack the rest of the fleetsql ecosystem uses
// for its own services.
package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var configValidator = validator.New()

// Config holds every setting the supervisor needs to boot and to admit or
// reject connections. Field names track the CLI surface in spec §6:
// data-directory, listen-addresses, port, local-socket-directory, maximum
// connections, buffer count, secure-transport enable, silent/detach mode,
// extra-worker-options string, and named configuration assignments.
type Config struct {
	// DataDirectory is the on-disk directory holding the lock file,
	// options-record file, and (eventually) the storage the auxiliaries
	// manage. Required; §6 "Missing or unreadable data directory" exits 2.
	DataDirectory string `koanf:"data_directory" validate:"required"`

	// ListenAddresses is the comma/whitespace-separated list of network
	// addresses to bind (C1); "*" means all interfaces.
	ListenAddresses []string `koanf:"listen_addresses"`

	// Port is the single TCP port shared by every network listener.
	Port int `koanf:"port" validate:"min=1,max=65535"`

	// UnixSocketEnabled controls whether the local (Unix-domain) listener
	// in C1 is bound at all.
	UnixSocketEnabled bool `koanf:"unix_socket_enabled"`

	// SocketDirectory is where the local-domain socket and its lock file
	// live when UnixSocketEnabled is true.
	SocketDirectory string `koanf:"socket_directory"`

	// MaxConnections is the true hard cap on concurrent workers (§4.3);
	// the admission controller's soft cap is MaxConnections *
	// AdmissionSaturationFactor.
	MaxConnections int `koanf:"max_connections" validate:"min=1"`

	// AdmissionSaturationFactor is the "factor of two" soft-cap multiplier
	// from §4.3 and §9 ("Keep both numbers in configuration").
	AdmissionSaturationFactor int `koanf:"admission_saturation_factor" validate:"min=1"`

	// SharedBuffers is the configured buffer count, forwarded to workers
	// via ExtraWorkerOptions-style environment but otherwise opaque to
	// the supervisor itself.
	SharedBuffers int `koanf:"shared_buffers"`

	// SecureTransportEnabled controls whether C2 offers secure-transport
	// negotiation on network (non-local) endpoints.
	SecureTransportEnabled bool `koanf:"secure_transport_enabled"`

	// Silent puts the supervisor in detached/daemon mode (no controlling
	// terminal); it does not change wire behavior.
	Silent bool `koanf:"silent"`

	// ExtraWorkerOptions is an opaque string passed through to every
	// spawned worker (§6 CLI surface).
	ExtraWorkerOptions string `koanf:"extra_worker_options"`

	// ArchivingEnabled gates the archiver auxiliary (§4.6: "Running AND
	// archiving enabled").
	ArchivingEnabled bool `koanf:"archiving_enabled"`

	// LogRedirection gates the system logger auxiliary (§4.6: "Always
	// when log redirection is enabled").
	LogRedirection bool `koanf:"log_redirection"`

	// SendStopForCrash selects the core-dump preservation signal (*stop*
	// instead of *quit*) sent to surviving workers during crash handling
	// (§4.8, §9).
	SendStopForCrash bool `koanf:"send_stop_for_crash"`

	// ExternalPIDFile is an optional extra pid file path (§6 persisted
	// state) outside DataDirectory.
	ExternalPIDFile string `koanf:"external_pid_file"`

	// Settings holds every `-c name=value` assignment verbatim, for
	// settings that don't warrant a first-class field (§6 CLI surface).
	Settings map[string]string `koanf:"settings"`

	// Logging controls the zerolog sink used by the supervisor and every
	// auxiliary/worker it spawns.
	Logging LoggingConfig `koanf:"logging"`
}

// LoggingConfig configures the ambient logging package.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// defaultConfig returns a Config populated with sensible defaults, applied
// first and overridden by config file, environment, then CLI flags.
func defaultConfig() *Config {
	return &Config{
		DataDirectory:             "",
		ListenAddresses:           []string{"localhost"},
		Port:                      5432,
		UnixSocketEnabled:         true,
		SocketDirectory:           "/tmp",
		MaxConnections:            100,
		AdmissionSaturationFactor: 2,
		SharedBuffers:             1000,
		SecureTransportEnabled:    false,
		Silent:                    false,
		ExtraWorkerOptions:        "",
		ArchivingEnabled:          false,
		LogRedirection:            false,
		SendStopForCrash:          false,
		ExternalPIDFile:           "",
		Settings:                  map[string]string{},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// SaturatedCap returns the soft admission cap (§4.3): MaxConnections *
// AdmissionSaturationFactor.
func (c *Config) SaturatedCap() int {
	return c.MaxConnections * c.AdmissionSaturationFactor
}

// Validate checks the invariants the supervisor cannot safely boot without.
// Field-level constraints (required, min/max) are declared as struct tags
// and checked by go-playground/validator; the one cross-field invariant —
// at least one listener must be configured — can't be expressed as a tag
// and is checked directly afterward.
func (c *Config) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if !c.UnixSocketEnabled && len(normalizedAddresses(c.ListenAddresses)) == 0 {
		return fmt.Errorf("no listener configured: enable the unix socket or set listen_addresses")
	}
	return nil
}

// normalizedAddresses expands "*" to the wildcard address and trims blanks,
// matching §4.1's "comma/whitespace list; * means all".
func normalizedAddresses(addrs []string) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			out = append(out, "0.0.0.0")
			continue
		}
		out = append(out, a)
	}
	return out
}

// NormalizedListenAddresses returns ListenAddresses with "*" expanded and
// blanks removed, ready for C1 to bind.
func (c *Config) NormalizedListenAddresses() []string {
	return normalizedAddresses(c.ListenAddresses)
}
