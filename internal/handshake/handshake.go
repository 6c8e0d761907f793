// fleetsql - connection-dispatch supervisor
// Copyright 2026 The fleetsql Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetsql/fleetsql

// Package handshake implements C2, the handshake processor: it reads a
// length-prefixed startup message, dispatches cancel requests and secure-
// transport negotiation, parses the name/value parameter block for
// supported versions, and populates a ConnectionContext. Binary framing
// (§6) is a fixed custom wire format with no idiomatic third-party
// parser in the retrieval pack, so this package is deliberately
// stdlib-only (encoding/binary, bufio); see DESIGN.md.
package handshake

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// maxStartupLength bounds the length-prefixed startup message (§6:
	// "Length is bounded by a fixed maximum; exceeding it is a protocol
	// violation"). 64 KiB comfortably covers the name/value parameter
	// block while keeping a single malformed length field from causing
	// an unbounded allocation.
	maxStartupLength = 64 * 1024

	// nameLimit truncates legacy fixed-width fields to the system name
	// limit (§4.2), matching the original's NAMEDATALEN-style bound.
	nameLimit = 64

	// cancelDiscriminator and secureNegotiateDiscriminator are the two
	// reserved 32-bit discriminator values (§4.2); any other value is
	// read as a MAJOR.MINOR protocol version.
	cancelDiscriminator          uint32 = 1234<<16 | 5678
	secureNegotiateDiscriminator uint32 = 1234<<16 | 5679

	earliestSupportedMajor uint16 = 3
	latestSupportedMajor   uint16 = 3
	latestSupportedMinor   uint16 = 2
	legacySupportedMajor   uint16 = 2
)

// ErrProtocolViolation is returned for any malformed startup packet;
// callers (C2's caller in the accept loop) respond with a best-effort
// one-shot error packet and close, per §4.2 and §7.
var ErrProtocolViolation = errors.New("protocol violation")

// ErrUnsupportedProtocol is returned when the negotiated major.minor pair
// falls outside the supported range (§4.2).
var ErrUnsupportedProtocol = errors.New("unsupported protocol version")

// ProtocolVersion is the negotiated MAJOR.MINOR pair.
type ProtocolVersion struct {
	Major uint16
	Minor uint16
}

func (v ProtocolVersion) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// CancelRequest is the parsed body of a CANCEL-discriminated message
// (§6): `uint32 worker-id, uint32 cancel-secret`, both big-endian.
type CancelRequest struct {
	WorkerID     uint32
	CancelSecret uint32
}

// ConnectionContext is the per-connection context populated by the
// handshake processor (§3). Recognized name/value pairs ("database",
// "user", "options") populate the named fields; everything else lands in
// Extra.
type ConnectionContext struct {
	Version  ProtocolVersion
	Database string
	User     string
	Options  string
	Extra    map[string]string
}

// Outcome discriminates what kind of startup message was read.
type Outcome int

const (
	OutcomeStartup Outcome = iota
	OutcomeCancel
)

// Result is what Process returns for one handshake attempt.
type Result struct {
	Outcome Outcome
	Cancel  CancelRequest
	Context ConnectionContext
}

// SecureTransport negotiates a secure-transport upgrade once C2 has
// written the 'S'/'N' response byte and received a client 'S' reply; it
// returns a reader/writer pair to continue the handshake over (the
// upgraded connection), or an error.
type SecureTransport interface {
	Negotiate(rw io.ReadWriter) (io.ReadWriter, error)
}

// Options configure one Process call.
type Options struct {
	// SecureTransportAvailable gates whether 'S' can ever be offered;
	// false on local (Unix-domain) endpoints per §4.2 and the §8
	// boundary behavior "Secure-negotiation on a local endpoint ->
	// always reply 'N'".
	SecureTransportAvailable bool
	Secure                   SecureTransport
}

// Process reads one startup message from rw and returns its parsed
// result. It handles secure-transport negotiation internally, replying
// 'S' or 'N' and then re-entering packet parsing either way: on 'S' over
// the newly-upgraded stream, on 'N' over rw unchanged (§4.2, "each
// receives 'N' and the subsequent startup packet is processed
// normally"). Either branch rejects a second SECURE_NEGOTIATE
// discriminator within that recursive call as a protocol violation.
func Process(rw io.ReadWriter, opts Options) (*Result, error) {
	return process(rw, opts, false)
}

func process(rw io.ReadWriter, opts Options, insideSecureNegotiation bool) (*Result, error) {
	body, err := readStartupBody(rw)
	if err != nil {
		return nil, err
	}
	if len(body) < 4 {
		return nil, fmt.Errorf("%w: startup body too short for discriminator", ErrProtocolViolation)
	}
	discriminator := binary.BigEndian.Uint32(body[:4])
	rest := body[4:]

	switch discriminator {
	case cancelDiscriminator:
		return parseCancel(rest)
	case secureNegotiateDiscriminator:
		if insideSecureNegotiation {
			return nil, fmt.Errorf("%w: nested secure-transport negotiation", ErrProtocolViolation)
		}
		return negotiateSecure(rw, opts)
	default:
		version := ProtocolVersion{Major: uint16(discriminator >> 16), Minor: uint16(discriminator & 0xFFFF)}
		return parseVersionedStartup(version, rest)
	}
}

func parseCancel(rest []byte) (*Result, error) {
	if len(rest) != 8 {
		return nil, fmt.Errorf("%w: malformed cancel request body", ErrProtocolViolation)
	}
	return &Result{
		Outcome: OutcomeCancel,
		Cancel: CancelRequest{
			WorkerID:     binary.BigEndian.Uint32(rest[0:4]),
			CancelSecret: binary.BigEndian.Uint32(rest[4:8]),
		},
	}, nil
}

func negotiateSecure(rw io.ReadWriter, opts Options) (*Result, error) {
	reply := byte('N')
	if opts.SecureTransportAvailable {
		reply = 'S'
	}
	if _, err := rw.Write([]byte{reply}); err != nil {
		return nil, fmt.Errorf("write secure-negotiate reply: %w", err)
	}
	if reply == 'N' {
		return process(rw, opts, true)
	}

	upgraded, err := opts.Secure.Negotiate(rw)
	if err != nil {
		return nil, fmt.Errorf("secure transport negotiation failed: %w", err)
	}
	return process(upgraded, opts, true)
}

func parseVersionedStartup(version ProtocolVersion, rest []byte) (*Result, error) {
	if err := checkSupportedVersion(version); err != nil {
		return nil, err
	}

	ctx := ConnectionContext{Version: version, Extra: make(map[string]string)}

	if version.Major >= 3 {
		if err := parseNameValuePairs(rest, &ctx); err != nil {
			return nil, err
		}
	} else {
		if err := parseLegacyRecord(rest, &ctx); err != nil {
			return nil, err
		}
	}

	if ctx.User == "" {
		return nil, fmt.Errorf("%w: missing user", ErrProtocolViolation)
	}
	if ctx.Database == "" {
		ctx.Database = ctx.User
	}

	return &Result{Outcome: OutcomeStartup, Context: ctx}, nil
}

func checkSupportedVersion(v ProtocolVersion) error {
	if v.Major == legacySupportedMajor {
		return nil
	}
	if v.Major < earliestSupportedMajor || v.Major > latestSupportedMajor {
		return fmt.Errorf("%w: %s", ErrUnsupportedProtocol, v)
	}
	if v.Major == latestSupportedMajor && v.Minor > latestSupportedMinor {
		return fmt.Errorf("%w: %s", ErrUnsupportedProtocol, v)
	}
	return nil
}

// parseNameValuePairs reads a sequence of NUL-terminated name/value pairs
// terminated by an empty name (§4.2). A missing terminator, or one not
// exactly at the declared end, is a protocol violation.
func parseNameValuePairs(data []byte, ctx *ConnectionContext) error {
	i := 0
	for {
		if i >= len(data) {
			return fmt.Errorf("%w: missing name/value terminator", ErrProtocolViolation)
		}
		name, next, err := readCString(data, i)
		if err != nil {
			return err
		}
		if name == "" {
			if next != len(data) {
				return fmt.Errorf("%w: terminator not at declared end", ErrProtocolViolation)
			}
			return nil
		}
		value, next2, err := readCString(data, next)
		if err != nil {
			return err
		}
		switch name {
		case "database":
			ctx.Database = value
		case "user":
			ctx.User = value
		case "options":
			ctx.Options = value
		default:
			ctx.Extra[name] = value
		}
		i = next2
	}
}

func readCString(data []byte, start int) (string, int, error) {
	idx := -1
	for i := start; i < len(data); i++ {
		if data[i] == 0 {
			idx = i
			break
		}
	}
	if idx == -1 {
		return "", 0, fmt.Errorf("%w: unterminated string", ErrProtocolViolation)
	}
	return string(data[start:idx]), idx + 1, nil
}

// legacyFieldWidths mirrors the original's fixed-width legacy record:
// user, database, then a single options blob, each padded with NULs.
var legacyFieldWidths = []int{nameLimit, nameLimit, 2 * nameLimit}

func parseLegacyRecord(data []byte, ctx *ConnectionContext) error {
	offset := 0
	fields := make([]string, 0, len(legacyFieldWidths))
	for _, width := range legacyFieldWidths {
		if offset+width > len(data) {
			return fmt.Errorf("%w: truncated legacy startup record", ErrProtocolViolation)
		}
		raw := data[offset : offset+width]
		fields = append(fields, truncateAtNUL(raw, nameLimit))
		offset += width
	}
	ctx.User = fields[0]
	ctx.Database = fields[1]
	ctx.Options = fields[2]
	return nil
}

func truncateAtNUL(raw []byte, maxLen int) string {
	end := len(raw)
	for i, b := range raw {
		if b == 0 {
			end = i
			break
		}
	}
	s := string(raw[:end])
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.TrimRight(s, "\x00")
}

// WriteErrorPacket writes a best-effort, length-prefixed textual error
// reply to w before the caller closes the connection (§4.2, §7: a
// protocol violation, an admission rejection, or a spawn failure each
// get one such reply). The wire shape mirrors the startup message it
// answers: a big-endian uint32 length (including itself), a one-byte
// severity/category code, then the NUL-terminated message. Errors from
// the write itself are swallowed by design — the connection is being
// torn down either way, and a client that vanished mid-reply has
// nothing left to deliver the packet to.
func WriteErrorPacket(w io.Writer, category, message string) {
	code := byte('E')
	if category != "" {
		code = category[0]
	}
	body := append([]byte{code}, []byte(message)...)
	body = append(body, 0)
	length := uint32(4 + len(body))

	buf := make([]byte, 4, 4+len(body))
	binary.BigEndian.PutUint32(buf, length)
	buf = append(buf, body...)
	_, _ = w.Write(buf)
}

// readStartupBody reads `uint32 length (including itself, big-endian)`
// followed by length-4 bytes (§6), enforcing maxStartupLength.
func readStartupBody(r io.Reader) ([]byte, error) {
	br := bufio.NewReader(r)
	var lenBuf [4]byte
	if _, err := io.ReadFull(br, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("read startup length: %w", err)
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length < 4 {
		return nil, fmt.Errorf("%w: length field smaller than itself", ErrProtocolViolation)
	}
	if length > maxStartupLength {
		return nil, fmt.Errorf("%w: startup message exceeds maximum length", ErrProtocolViolation)
	}
	body := make([]byte, length-4)
	if _, err := io.ReadFull(br, body); err != nil {
		return nil, fmt.Errorf("read startup body: %w", err)
	}
	return body, nil
}
