// fleetsql - connection-dispatch supervisor
// Copyright 2026 The fleetsql Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetsql/fleetsql

// Package debughttp exposes the supervisor's Prometheus metrics, a JSON
// dump of supervisor.State, and a polling websocket feed of that same
// state over a loopback-only HTTP server — the ambient observability
// surface SPEC_FULL.md's DOMAIN STACK section assigns to go-chi/chi/v5,
// never reachable from outside localhost since it carries no auth of its
// own. Endpoints are rate-limited with go-chi/httprate regardless, since
// loopback-only still means any local process (a misbehaving cron job, a
// runaway monitoring script) can hammer it.
package debughttp

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/fleetsql/fleetsql/internal/supervisor"
)

// statePollInterval is how often the /debug/state/ws feed re-snapshots
// and pushes supervisor.State to a connected client.
const statePollInterval = time.Second

// debugRateLimit and debugRateLimitWindow bound how often any single
// local peer may hit the debug/metrics endpoints.
const (
	debugRateLimit       = 60
	debugRateLimitWindow = time.Minute
)

var upgrader = websocket.Upgrader{
	// The debug surface is loopback-only already; the origin check exists
	// so a browser tab from some other site can't quietly open a
	// websocket to a port a developer happens to have forwarded.
	CheckOrigin: func(r *http.Request) bool {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		ip := net.ParseIP(host)
		return ip != nil && ip.IsLoopback()
	},
}

// Server is the loopback debug/admin HTTP surface.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	log        zerolog.Logger
}

// Config configures Server.
type Config struct {
	// Port to bind on loopback only; 0 picks a free port (useful in
	// tests, discoverable afterward via Addr).
	Port  int
	State *supervisor.State
	Log   zerolog.Logger
}

// New binds a loopback-only listener and builds the chi-routed mux, but
// does not start serving; call Serve to do that.
func New(cfg Config) (*Server, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("bind debug http listener: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(httprate.LimitAll(debugRateLimit, debugRateLimitWindow))
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/debug/state", stateHandler(cfg.State))
	r.Get("/debug/state/ws", stateWebsocketHandler(cfg.State, cfg.Log))
	r.Get("/healthz", healthzHandler)

	return &Server{
		httpServer: &http.Server{
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
		},
		listener: ln,
		log:      cfg.Log,
	}, nil
}

// Addr returns the bound loopback address, e.g. "127.0.0.1:54321".
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Serve blocks serving HTTP until the listener is closed.
func (s *Server) Serve() error {
	err := s.httpServer.Serve(s.listener)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Close shuts the server down.
func (s *Server) Close() error {
	return s.httpServer.Close()
}

func stateHandler(state *supervisor.State) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(state.Snapshot()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

func healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// stateWebsocketHandler upgrades to a websocket connection and pushes a
// fresh supervisor.State snapshot every statePollInterval until the
// client disconnects or the request context is canceled — a live tail of
// life-phase and per-role status for a local dashboard, without the
// caller having to poll /debug/state itself.
func stateWebsocketHandler(state *supervisor.State, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Debug().Err(err).Msg("debug state websocket upgrade failed")
			return
		}
		defer conn.Close()

		ticker := time.NewTicker(statePollInterval)
		defer ticker.Stop()

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteJSON(state.Snapshot()); err != nil {
					return
				}
			}
		}
	}
}
