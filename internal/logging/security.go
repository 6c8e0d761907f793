// fleetsql - connection-dispatch supervisor
// Copyright 2026 The fleetsql Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetsql/fleetsql

package logging

import (
	"strings"

	"github.com/rs/zerolog"
)

// AuditEvent represents a supervisor-level event worth a dedicated audit
// trail: admission decisions, cancel-request attempts, and life-phase
// transitions. These are distinct from ordinary debug/info chatter because
// they are the events an operator replays to reconstruct "who touched this
// worker and when".
type AuditEvent struct {
	// Event names the kind of occurrence (e.g. "cancel_request",
	// "admission_rejected", "worker_crash", "life_phase_transition").
	Event string
	// WorkerID identifies the worker involved, if any.
	WorkerID string
	// RemoteAddr is the client's address, if known.
	RemoteAddr string
	// Category is the admission rejection category (§7), if applicable.
	Category string
	// Secret is a cancel-secret or similar token; always masked before
	// it reaches the log line.
	Secret string
	// Success indicates whether the operation succeeded.
	Success bool
	// Error is the error or rejection reason, if any.
	Error string
	// Details contains any additional fields worth sanitizing and logging.
	Details map[string]string
}

// AuditLogger provides sanitized logging for events that must never leak a
// cancel-secret, a per-session salt, or similar into a shared log sink.
type AuditLogger struct {
	logger zerolog.Logger
}

// NewAuditLogger creates a new audit logger tagged with component=supervisor.
func NewAuditLogger() *AuditLogger {
	return &AuditLogger{
		logger: With().Str("component", "supervisor").Logger(),
	}
}

// NewAuditLoggerWithLogger creates an audit logger backed by a custom zerolog logger.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func NewAuditLoggerWithLogger(logger zerolog.Logger) *AuditLogger {
	return &AuditLogger{
		logger: logger.With().Str("component", "supervisor").Logger(),
	}
}

// LogEvent logs an audit event with automatic secret sanitization.
func (l *AuditLogger) LogEvent(event *AuditEvent) {
	e := l.logger.Info().Str("event", event.Event)

	if event.Success {
		e = e.Str("status", "ok")
	} else {
		e = e.Str("status", "denied")
	}

	if event.WorkerID != "" {
		e = e.Str("worker_id", event.WorkerID)
	}
	if event.RemoteAddr != "" {
		e = e.Str("remote_addr", event.RemoteAddr)
	}
	if event.Category != "" {
		e = e.Str("category", event.Category)
	}
	if event.Secret != "" {
		e = e.Str("secret", SanitizeToken(event.Secret))
	}
	if event.Error != "" && !event.Success {
		e = e.Str("error", SanitizeError(event.Error))
	}
	for k, v := range event.Details {
		e = e.Str(k, SanitizeValue(k, v))
	}

	e.Msg("")
}

// LogCancelRequest logs an incoming cancellation request. Per §4.9/§8 the
// log line never reveals whether worker-id or secret is the mismatched
// field — only whether the pair matched a live registry entry.
func (l *AuditLogger) LogCancelRequest(workerID, remoteAddr, secret string, matched bool) {
	l.LogEvent(&AuditEvent{
		Event:      "cancel_request",
		WorkerID:   workerID,
		RemoteAddr: remoteAddr,
		Secret:     secret,
		Success:    matched,
	})
}

// LogAdmissionRejected logs a rejected handshake (§4.3, §7).
func (l *AuditLogger) LogAdmissionRejected(remoteAddr, category string) {
	l.LogEvent(&AuditEvent{
		Event:      "admission_rejected",
		RemoteAddr: remoteAddr,
		Category:   category,
		Success:    false,
	})
}

// LogWorkerSpawned logs a successful worker spawn (§4.4).
func (l *AuditLogger) LogWorkerSpawned(workerID, remoteAddr string) {
	l.LogEvent(&AuditEvent{
		Event:      "worker_spawned",
		WorkerID:   workerID,
		RemoteAddr: remoteAddr,
		Success:    true,
	})
}

// LogWorkerCrash logs a nonzero worker exit that triggers crash recovery (§4.8).
func (l *AuditLogger) LogWorkerCrash(workerID, reason string) {
	l.LogEvent(&AuditEvent{
		Event:    "worker_crash",
		WorkerID: workerID,
		Error:    reason,
		Success:  false,
	})
}

// LogLifePhaseTransition logs a supervisor life-phase change (§3, §4.7).
func (l *AuditLogger) LogLifePhaseTransition(from, to string) {
	l.LogEvent(&AuditEvent{
		Event:   "life_phase_transition",
		Success: true,
		Details: map[string]string{
			"from": from,
			"to":   to,
		},
	})
}

// Debug logs a debug-level message.
func (l *AuditLogger) Debug(msg string, fields ...interface{}) {
	e := l.logger.Debug()
	e = addFieldPairs(e, fields)
	e.Msg(msg)
}

// Info logs an info-level message.
func (l *AuditLogger) Info(msg string, fields ...interface{}) {
	e := l.logger.Info()
	e = addFieldPairs(e, fields)
	e.Msg(msg)
}

// Warn logs a warning-level message.
func (l *AuditLogger) Warn(msg string, fields ...interface{}) {
	e := l.logger.Warn()
	e = addFieldPairs(e, fields)
	e.Msg(msg)
}

// Error logs an error-level message.
func (l *AuditLogger) Error(msg string, fields ...interface{}) {
	e := l.logger.Error()
	e = addFieldPairs(e, fields)
	e.Msg(msg)
}

// addFieldPairs adds key-value pairs to a zerolog event.
func addFieldPairs(e *zerolog.Event, fields []interface{}) *zerolog.Event {
	for i := 0; i < len(fields); i += 2 {
		if i+1 < len(fields) {
			key, ok := fields[i].(string)
			if !ok {
				continue
			}
			e = e.Interface(key, fields[i+1])
		}
	}
	return e
}

// ============================================================
// Sanitization Functions
// ============================================================

// SanitizeToken masks a secret, showing only first and last 4 characters.
// Used for cancel-secrets and per-session salt material so a log line can
// confirm "a secret was present" without reconstructing it.
func SanitizeToken(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= 12 {
		return "***"
	}
	return token[:4] + "..." + token[len(token)-4:]
}

// SanitizeError removes potentially sensitive information from error messages.
func SanitizeError(err string) string {
	sensitivePatterns := []string{
		"password",
		"secret",
		"token",
		"key",
		"cancel-secret",
	}

	lowerErr := strings.ToLower(err)
	for _, pattern := range sensitivePatterns {
		if strings.Contains(lowerErr, pattern) {
			return "internal error"
		}
	}

	return truncateString(err, 200)
}

// SanitizeValue sanitizes a value based on its key name.
func SanitizeValue(key, value string) string {
	lowerKey := strings.ToLower(key)

	sensitiveKeys := map[string]bool{
		"secret":        true,
		"cancel_secret": true,
		"salt":          true,
		"password":      true,
	}

	if sensitiveKeys[lowerKey] {
		return SanitizeToken(value)
	}
	return value
}

// truncateString truncates a string to a maximum length.
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
