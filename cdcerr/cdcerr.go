// Package cdcerr defines the typed error taxonomy shared by both wire
// clients: TransportFailure, ProtocolViolation, ServerError, DecodeError,
// UnsupportedFeature, and Notice. All other packages construct and return
// these instead of ad-hoc errors so embedders can dispatch on category with
// errors.As.
package cdcerr

import "fmt"

// TransportFailure wraps a network-level failure: EOF, reset, DNS failure,
// TLS handshake refusal. Fatal to the session.
type TransportFailure struct {
	Op  string
	Err error
}

func (e *TransportFailure) Error() string {
	return fmt.Sprintf("cdc: transport failure during %s: %v", e.Op, e.Err)
}

func (e *TransportFailure) Unwrap() error { return e.Err }

// ProtocolViolation signals a malformed or out-of-sequence wire message:
// bad magic, bad sequence id, truncated packet, a missing mandatory
// capability. Fatal.
type ProtocolViolation struct {
	Detail string
}

func (e *ProtocolViolation) Error() string {
	return fmt.Sprintf("cdc: protocol violation: %s", e.Detail)
}

// ServerError wraps a typed error packet returned by the peer. Fatal to the
// current request; fatal to replication.
type ServerError struct {
	Code     uint16 // MySQL vendor error code, or 0 for PostgreSQL
	SQLState string // PostgreSQL SQLSTATE, empty for MySQL
	Message  string
}

func (e *ServerError) Error() string {
	if e.SQLState != "" {
		return fmt.Sprintf("cdc: server error [%s]: %s", e.SQLState, e.Message)
	}
	return fmt.Sprintf("cdc: server error %d: %s", e.Code, e.Message)
}

// DecodeError signals malformed column or wire data that decoded
// syntactically but violates the format's semantics: invalid UTF-8 where
// required, a reserved length-encoded marker, metadata inconsistent with
// its declared column type. Fatal.
type DecodeError struct {
	Detail string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cdc: decode error: %s: %v", e.Detail, e.Err)
	}
	return fmt.Sprintf("cdc: decode error: %s", e.Detail)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// UnsupportedFeature signals a recognized-but-undecodable wire feature:
// an unknown auth plugin, server protocol version below 10, or a
// TIME2/DATETIME2/TIMESTAMP2 value with nonzero fractional-second
// precision. Fatal.
type UnsupportedFeature struct {
	Feature string
}

func (e *UnsupportedFeature) Error() string {
	return fmt.Sprintf("cdc: unsupported feature: %s", e.Feature)
}

// Notice is a non-fatal server diagnostic (PostgreSQL NoticeResponse, or a
// MySQL warning count on an OK packet). It never terminates the current
// operation; callers may surface it alongside results.
type Notice struct {
	Severity string
	Message  string
}

func (e *Notice) Error() string {
	if e.Severity != "" {
		return fmt.Sprintf("cdc: notice [%s]: %s", e.Severity, e.Message)
	}
	return fmt.Sprintf("cdc: notice: %s", e.Message)
}
