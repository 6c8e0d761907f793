// fleetsql - connection-dispatch supervisor
// Copyright 2026 The fleetsql Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetsql/fleetsql

/*
Package config loads fleetd's configuration from layered sources, highest
priority last:

  1. Defaults: built-in sensible values for every field.
  2. Config file: optional YAML file (fleetd.yaml), located via
     FLEETD_CONFIG or the default search path.
  3. Environment: FLEETD_-prefixed variables, plus the single FLEETDATA
     variable the spec allows as a substitute for --data-directory.
  4. CLI flags: parsed by cmd/fleetd with spf13/pflag and passed to
     Load() as a flat override map.

Reload (§4.7's "Reload" transition) re-runs layers 1-3 without replaying
CLI flags, since a process's argv does not change across SIGHUP.
*/
package config
