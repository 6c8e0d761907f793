// fleetsql - connection-dispatch supervisor
// Copyright 2026 The fleetsql Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetsql/fleetsql

package debughttp

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/fleetsql/fleetsql/internal/supervisor"
)

func TestDebugStateReportsSnapshot(t *testing.T) {
	state := supervisor.NewState()
	state.EnterRunning()

	srv, err := New(Config{Port: 0, State: state, Log: zerolog.Nop()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer srv.Close()

	go srv.Serve()
	time.Sleep(50 * time.Millisecond)

	resp, err := http.Get("http://" + srv.Addr() + "/debug/state")
	if err != nil {
		t.Fatalf("GET /debug/state: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var snap supervisor.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.Phase != "Running" {
		t.Errorf("Phase = %q, want Running", snap.Phase)
	}
}

func TestHealthzOK(t *testing.T) {
	state := supervisor.NewState()
	srv, err := New(Config{Port: 0, State: state, Log: zerolog.Nop()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer srv.Close()

	go srv.Serve()
	time.Sleep(50 * time.Millisecond)

	resp, err := http.Get("http://" + srv.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestDebugStateWebsocketStreamsSnapshots(t *testing.T) {
	state := supervisor.NewState()
	state.EnterRunning()

	srv, err := New(Config{Port: 0, State: state, Log: zerolog.Nop()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer srv.Close()

	go srv.Serve()
	time.Sleep(50 * time.Millisecond)

	url := "ws://" + srv.Addr() + "/debug/state/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var snap supervisor.Snapshot
	if err := conn.ReadJSON(&snap); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if snap.Phase != "Running" {
		t.Errorf("Phase = %q, want Running", snap.Phase)
	}
}

func TestMetricsEndpointServesPrometheusFormat(t *testing.T) {
	state := supervisor.NewState()
	srv, err := New(Config{Port: 0, State: state, Log: zerolog.Nop()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer srv.Close()

	go srv.Serve()
	time.Sleep(50 * time.Millisecond)

	resp, err := http.Get("http://" + srv.Addr() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}
