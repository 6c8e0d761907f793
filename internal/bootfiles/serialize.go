// fleetsql - connection-dispatch supervisor
// Copyright 2026 The fleetsql Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetsql/fleetsql

package bootfiles

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// SpawnVars is the per-spawn serialization payload (§6): "the variables a
// worker must import; it is written before spawn and deleted by the
// worker after reading". fleetd's exec-with-handoff spawn strategy
// (internal/spawn) uses this on every platform rather than only ones
// without fork-based inheritance, since Go's os/exec has no fork-only
// inheritance path to begin with.
type SpawnVars struct {
	WorkerID     uint32            `json:"worker_id"`
	CancelSecret uint32            `json:"cancel_secret"`
	Database     string            `json:"database"`
	User         string            `json:"user"`
	Options      map[string]string `json:"options"`
	ListenerFD   int               `json:"listener_fd"`
	Role         string            `json:"role"`

	// EntropySeed is this worker's own re-seeded entropy master secret
	// (§4.10: "re-seeded in the worker to prevent shared secrets across
	// siblings"), derived by the supervisor with entropy.Source's
	// ReseedForWorker before spawn and reconstructed by the worker with
	// entropy.FromSeed.
	EntropySeed []byte `json:"entropy_seed"`
}

// spawnFileName returns the serialization file's name for a given worker
// id, unique per spawn so concurrent spawns never collide.
func spawnFileName(workerID uint32) string {
	return fmt.Sprintf("fleetd.spawn.%d.json", workerID)
}

// WriteSpawnFile serializes vars to dataDirectory before the worker
// process is started.
func WriteSpawnFile(dataDirectory string, vars SpawnVars) (string, error) {
	path := filepath.Join(dataDirectory, spawnFileName(vars.WorkerID))
	data, err := json.Marshal(vars)
	if err != nil {
		return "", fmt.Errorf("marshal spawn vars: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write spawn file: %w", err)
	}
	return path, nil
}

// ReadAndRemoveSpawnFile is called by the worker immediately after it
// starts: it reads the serialized variables and deletes the file, per
// §6's "deleted by the worker after reading".
func ReadAndRemoveSpawnFile(path string) (SpawnVars, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return SpawnVars{}, fmt.Errorf("read spawn file: %w", err)
	}
	var vars SpawnVars
	if err := json.Unmarshal(data, &vars); err != nil {
		return SpawnVars{}, fmt.Errorf("unmarshal spawn vars: %w", err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return SpawnVars{}, fmt.Errorf("remove spawn file: %w", err)
	}
	return vars, nil
}
