// fleetsql - connection-dispatch supervisor
// Copyright 2026 The fleetsql Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetsql/fleetsql

// Package bootfiles implements the supervisor's persisted boot-time state
// (§6): the lock file, the options-record file, an optional external pid
// file, and the per-spawn serialization file used on platforms without
// fork-based inheritance. Formats are grounded on
// original_source/src/backend/postmaster/postmaster.c's lock-file and
// argv-record handling, generalized per SPEC_FULL.md §4.
package bootfiles

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const (
	lockFileName    = "fleetd.pid"
	optionsFileName = "fleetd.opts"
)

// LockFile is the newline-delimited `<pid>\n<data-directory>\n<port>\n
// <socket-dir>\n` record written to the data directory at boot.
type LockFile struct {
	PID           int
	DataDirectory string
	Port          int
	SocketDir     string
}

// Path returns the lock file's path under dataDirectory.
func Path(dataDirectory string) string {
	return filepath.Join(dataDirectory, lockFileName)
}

// Write creates the lock file, failing if one already exists and refers
// to a still-live process (stale-lock-file detection, recovered from the
// original's behavior of checking whether the recorded pid is alive).
func Write(dataDirectory string, lf LockFile) error {
	path := Path(dataDirectory)
	if existing, err := Read(dataDirectory); err == nil {
		if processAlive(existing.PID) {
			return fmt.Errorf("lock file %s exists and pid %d is still running", path, existing.PID)
		}
		// Stale: the recorded process is gone. Overwrite.
	}

	contents := fmt.Sprintf("%d\n%s\n%d\n%s\n", lf.PID, lf.DataDirectory, lf.Port, lf.SocketDir)
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		return fmt.Errorf("write lock file: %w", err)
	}
	return nil
}

// Read parses an existing lock file.
func Read(dataDirectory string) (LockFile, error) {
	path := Path(dataDirectory)
	f, err := os.Open(path)
	if err != nil {
		return LockFile{}, err
	}
	defer f.Close()

	var fields [4]string
	scanner := bufio.NewScanner(f)
	for i := 0; i < 4 && scanner.Scan(); i++ {
		fields[i] = scanner.Text()
	}
	if err := scanner.Err(); err != nil {
		return LockFile{}, fmt.Errorf("read lock file: %w", err)
	}

	pid, err := strconv.Atoi(fields[0])
	if err != nil {
		return LockFile{}, fmt.Errorf("lock file %s: invalid pid %q", path, fields[0])
	}
	port, _ := strconv.Atoi(fields[2])
	return LockFile{
		PID:           pid,
		DataDirectory: fields[1],
		Port:          port,
		SocketDir:     fields[3],
	}, nil
}

// Remove deletes the lock file, best-effort; called on clean shutdown.
func Remove(dataDirectory string) error {
	err := os.Remove(Path(dataDirectory))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Touch updates the lock file's mtime without rewriting its contents,
// satisfying §4.1's "every ten minutes the set touches its local-socket
// and lock files so external cleaners do not unlink them".
func Touch(dataDirectory string) error {
	now := time.Now()
	return os.Chtimes(Path(dataDirectory), now, now)
}

// processAlive reports whether pid refers to a live process, using
// signal 0 the way the original's lock-file staleness check does.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil
}

// WriteOptionsRecord writes the exact argument vector used to start the
// supervisor, one argument per line, beside the lock file (§6, recovered
// from the original's options-record file).
func WriteOptionsRecord(dataDirectory string, argv []string) error {
	path := filepath.Join(dataDirectory, optionsFileName)
	contents := strings.Join(argv, "\n") + "\n"
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		return fmt.Errorf("write options record: %w", err)
	}
	return nil
}

// ReadOptionsRecord reads back a previously written options-record file.
func ReadOptionsRecord(dataDirectory string) ([]string, error) {
	path := filepath.Join(dataDirectory, optionsFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return nil, nil
	}
	return lines, nil
}

// WriteExternalPIDFile writes pid to an operator-configured path outside
// the data directory (§6 "an optional external pid file").
func WriteExternalPIDFile(path string, pid int) error {
	if path == "" {
		return nil
	}
	return os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

// RemoveExternalPIDFile deletes the external pid file, best-effort.
func RemoveExternalPIDFile(path string) error {
	if path == "" {
		return nil
	}
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
