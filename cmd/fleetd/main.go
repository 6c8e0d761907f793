// fleetsql - connection-dispatch supervisor
// Copyright 2026 The fleetsql Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetsql/fleetsql

// Command fleetd is the connection-dispatch supervisor binary. It has two
// faces reached through the same executable: invoked without --role it is
// the supervisor itself (§6 CLI surface); invoked with --role=worker or
// --role=<auxiliary>, as every spawn (internal/spawn) launches it, it is
// one of its own children, re-execed rather than forked (spec.md §4.4's
// "exec-with-handoff" strategy).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/fleetsql/fleetsql/internal/config"
	"github.com/fleetsql/fleetsql/internal/logging"
	"github.com/fleetsql/fleetsql/internal/workerproc"
)

func main() {
	os.Exit(run())
}

func run() int {
	flags := pflag.NewFlagSet("fleetd", pflag.ContinueOnError)

	dataDir := flags.StringP("data-directory", "D", "", "data directory (required)")
	listenAddrs := flags.StringP("listen-addresses", "h", "localhost", "comma/whitespace list of listen addresses, * for all")
	port := flags.IntP("port", "p", 5432, "port shared by every network listener")
	socketDir := flags.StringP("socket-directory", "k", "/tmp", "local (unix-domain) socket directory")
	maxConnections := flags.IntP("max-connections", "N", 100, "maximum concurrent workers")
	sharedBuffers := flags.IntP("shared-buffers", "B", 1000, "buffer count forwarded to workers")
	secureTransport := flags.BoolP("secure-transport", "i", false, "offer secure-transport negotiation on network endpoints")
	silent := flags.BoolP("silent", "S", false, "run detached, without a controlling terminal")
	extraWorkerOptions := flags.StringP("extra-worker-options", "o", "", "extra options string passed to every spawned worker")
	settings := flags.StringArrayP("set", "c", nil, "name=value configuration assignment, repeatable")
	externalPIDFile := flags.String("external-pidfile", "", "optional extra pid file path outside the data directory")

	role := flags.String("role", "", "internal: dispatches to a worker or auxiliary runtime instead of the supervisor")
	spawnFile := flags.String("spawn-file", "", "internal: path to this child's per-spawn serialization file")

	if err := flags.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	if *role != "" {
		return runChild(*role, *spawnFile)
	}

	cliOverrides := map[string]interface{}{
		"listen_addresses":     config.SplitAddressList(*listenAddrs),
		"port":                 *port,
		"socket_directory":     *socketDir,
		"max_connections":      *maxConnections,
		"shared_buffers":       *sharedBuffers,
		"silent":               *silent,
		"extra_worker_options": *extraWorkerOptions,
		"external_pid_file":    *externalPIDFile,
	}
	if *dataDir != "" {
		cliOverrides["data_directory"] = *dataDir
	}
	if *secureTransport {
		cliOverrides["secure_transport_enabled"] = true
	}

	cfg, err := config.Load(cliOverrides)
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		return 2
	}
	if err := cfg.ApplyNamedSettings(*settings); err != nil {
		fmt.Fprintln(os.Stderr, "invalid -c assignment:", err)
		return 1
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	logging.SetRole("supervisor")

	sup, err := newSupervisor(cfg)
	if err != nil {
		logging.Error().Err(err).Msg("supervisor failed to initialize")
		return 1
	}
	defer sup.cleanup()

	if err := sup.run(context.Background()); err != nil {
		logging.Error().Err(err).Msg("supervisor exited with error")
		return 1
	}
	return 0
}

// runChild dispatches to the worker or auxiliary runtime a re-exec'd
// child process provides, selected by the --role argv spawn already
// passed (internal/spawn writes "--role=worker"; auxiliary roles are
// started directly by the supervisor with their own --role value).
func runChild(role, spawnFilePath string) int {
	logging.Init(logging.Config{Level: "info", Format: "json"})
	logging.SetRole(role)

	switch role {
	case "worker":
		return runWorkerChild(spawnFilePath)
	case "startup", "pagewriter", "archiver", "stats", "logger":
		return runAuxiliaryChild(role)
	default:
		fmt.Fprintf(os.Stderr, "fleetd: unknown role %q\n", role)
		return 1
	}
}

// runWorkerChild runs the worker side of one exec-with-handoff spawn
// (workerproc.Run). Authentication and the query engine itself are
// external collaborators spec.md §1 places outside the core; a nil
// Authenticator/Session means every connection is accepted immediately
// and the session ends the instant workerproc.Run returns, which is
// enough to exercise the spawn/registry/cancellation machinery the core
// is actually responsible for.
func runWorkerChild(spawnFilePath string) int {
	log := logging.WithComponent("worker")
	if err := workerproc.Run(context.Background(), workerproc.Config{
		SpawnFilePath: spawnFilePath,
		Logger:        log,
	}); err != nil {
		log.Error().Err(err).Msg("worker exited with error")
		return 1
	}
	return 0
}

// runAuxiliaryChild runs one of the five fixed auxiliary roles (§4.6).
// The actual work each performs (checkpoint scheduling, WAL shipping,
// statistics aggregation, log redirection, crash-recovery replay) is
// storage/WAL/buffer-manager internals spec.md §1 places outside the
// core; what belongs here is the process-lifecycle contract every
// auxiliary must honor regardless of its internals: install the signal
// dispositions C7 relays (§6) and run until told to stop.
//
// The startup/recovery role is the one exception: §4.8 requires it to
// run to completion and exit, not block, since its zero exit is what
// advances the supervisor from Booting/CrashRecovery to Running.
//
// The supervisor only ever sends this process SIGTERM (checkpoint-and-
// exit, once C7's checkShutdownDrain confirms the registry has drained)
// or SIGQUIT (immediate quit, either from Immediate shutdown or crash
// handling); every stop path exits 0 regardless of which arrived, since
// the checkpoint/replay work itself is out of scope here. SIGHUP still
// reaches this process (Reload's "every auxiliary except stats") but is
// a no-op for roles with no reloadable configuration of their own.
func runAuxiliaryChild(role string) int {
	log := logging.WithComponent(role)
	if role == "startup" {
		log.Info().Msg("startup/recovery complete")
		return 0
	}

	sigs := make(chan os.Signal, 4)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP, syscall.SIGUSR1)
	defer signal.Stop(sigs)

	log.Info().Msg("auxiliary started")
	for sig := range sigs {
		switch sig {
		case syscall.SIGTERM:
			log.Info().Msg("checkpoint-and-exit requested")
			return 0
		case syscall.SIGQUIT:
			log.Info().Msg("immediate quit requested")
			return 0
		case syscall.SIGHUP:
			log.Info().Msg("reload signal received, nothing to reload")
		}
	}
	return 0
}
