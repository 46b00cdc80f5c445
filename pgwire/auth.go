package pgwire

import (
	"crypto/md5" //nolint:gosec // md5 auth is a protocol-mandated hash, not a security choice here
	"encoding/hex"
	"fmt"

	"github.com/jackc/pgproto3/v2"

	"github.com/rowstream/cdc/cdcerr"
)

// protocolVersion3 is PostgreSQL's wire protocol version 3.0 (major 3,
// minor 0), sent as the first four bytes of every StartupMessage.
const protocolVersion3 = 196608

func (c *Client) authenticate() error {
	params := map[string]string{
		"user":        c.ep.User,
		"replication": "database",
	}
	if c.ep.Database != "" {
		params["database"] = c.ep.Database
	}
	startup := &pgproto3.StartupMessage{ProtocolVersion: protocolVersion3, Parameters: params}
	if err := c.frontend.Send(startup); err != nil {
		return &cdcerr.TransportFailure{Op: "send startup message", Err: err}
	}

	if err := c.authLoop(); err != nil {
		return err
	}
	return c.consumeUntilReady()
}

// authLoop reads AuthenticationXXX messages until AuthenticationOk,
// dispatching to the sub-protocol the server named.
func (c *Client) authLoop() error {
	msg, err := c.frontend.Receive()
	if err != nil {
		return &cdcerr.TransportFailure{Op: "receive authentication request", Err: err}
	}
	switch m := msg.(type) {
	case *pgproto3.AuthenticationOk:
		return nil
	case *pgproto3.AuthenticationCleartextPassword:
		return c.respondCleartext()
	case *pgproto3.AuthenticationMD5Password:
		return c.respondMD5(m.Salt)
	case *pgproto3.AuthenticationSASL:
		return c.respondSASL(m.AuthMechanisms)
	case *pgproto3.ErrorResponse:
		return serverError(m)
	default:
		return &cdcerr.UnsupportedFeature{Feature: fmt.Sprintf("authentication message %T", msg)}
	}
}

func (c *Client) respondCleartext() error {
	if err := c.frontend.Send(&pgproto3.PasswordMessage{Password: c.ep.Password}); err != nil {
		return &cdcerr.TransportFailure{Op: "send cleartext password", Err: err}
	}
	return c.expectOk()
}

func (c *Client) respondMD5(salt [4]byte) error {
	inner := md5.Sum([]byte(c.ep.Password + c.ep.User)) //nolint:gosec // protocol-mandated hash
	innerHex := hex.EncodeToString(inner[:])
	outer := md5.Sum(append([]byte(innerHex), salt[:]...)) //nolint:gosec // protocol-mandated hash
	hashed := "md5" + hex.EncodeToString(outer[:])
	if err := c.frontend.Send(&pgproto3.PasswordMessage{Password: hashed}); err != nil {
		return &cdcerr.TransportFailure{Op: "send md5 password", Err: err}
	}
	return c.expectOk()
}

// expectOk reads the single AuthenticationOk that should follow a
// cleartext or MD5 password response.
func (c *Client) expectOk() error {
	msg, err := c.frontend.Receive()
	if err != nil {
		return &cdcerr.TransportFailure{Op: "receive authentication result", Err: err}
	}
	switch m := msg.(type) {
	case *pgproto3.AuthenticationOk:
		return nil
	case *pgproto3.ErrorResponse:
		return serverError(m)
	default:
		return &cdcerr.ProtocolViolation{Detail: fmt.Sprintf("expected AuthenticationOk, got %T", msg)}
	}
}

// consumeUntilReady reads BackendKeyData and ParameterStatus messages
// (discarded; this client never issues a cancel request and has no use
// for server parameter defaults) until ReadyForQuery.
func (c *Client) consumeUntilReady() error {
	for {
		msg, err := c.frontend.Receive()
		if err != nil {
			return &cdcerr.TransportFailure{Op: "receive post-auth message", Err: err}
		}
		switch m := msg.(type) {
		case *pgproto3.ReadyForQuery:
			return nil
		case *pgproto3.BackendKeyData, *pgproto3.ParameterStatus:
			continue
		case *pgproto3.ErrorResponse:
			return serverError(m)
		case *pgproto3.NoticeResponse:
			continue
		default:
			return &cdcerr.ProtocolViolation{Detail: fmt.Sprintf("unexpected post-auth message %T", msg)}
		}
	}
}

func serverError(m *pgproto3.ErrorResponse) error {
	return &cdcerr.ServerError{SQLState: m.Code, Message: m.Message}
}
