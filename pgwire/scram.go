package pgwire

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgproto3/v2"
	"golang.org/x/crypto/pbkdf2"

	"github.com/rowstream/cdc/cdcerr"
)

const mechanismScramSHA256 = "SCRAM-SHA-256"

// respondSASL performs the SCRAM-SHA-256 exchange described in RFC 5802:
// client-first-message, server-first (salt/iterations/combined nonce),
// client-final-message with the computed proof, then verification of the
// server's signature in AuthenticationSASLFinal.
func (c *Client) respondSASL(mechanisms []string) error {
	supported := false
	for _, m := range mechanisms {
		if m == mechanismScramSHA256 {
			supported = true
		}
	}
	if !supported {
		return &cdcerr.UnsupportedFeature{Feature: fmt.Sprintf("SASL mechanisms %v", mechanisms)}
	}

	clientNonce, err := scramNonce()
	if err != nil {
		return &cdcerr.TransportFailure{Op: "generate scram nonce", Err: err}
	}
	clientFirstBare := "n=,r=" + clientNonce
	initial := &pgproto3.SASLInitialResponse{
		AuthMechanism: mechanismScramSHA256,
		Data:          []byte("n,," + clientFirstBare),
	}
	if err := c.frontend.Send(initial); err != nil {
		return &cdcerr.TransportFailure{Op: "send scram initial response", Err: err}
	}

	msg, err := c.frontend.Receive()
	if err != nil {
		return &cdcerr.TransportFailure{Op: "receive scram server-first", Err: err}
	}
	cont, ok := msg.(*pgproto3.AuthenticationSASLContinue)
	if !ok {
		if e, ok := msg.(*pgproto3.ErrorResponse); ok {
			return serverError(e)
		}
		return &cdcerr.ProtocolViolation{Detail: fmt.Sprintf("expected AuthenticationSASLContinue, got %T", msg)}
	}

	serverFirst := string(cont.Data)
	serverNonce, salt, iterations, err := parseServerFirst(serverFirst)
	if err != nil {
		return &cdcerr.DecodeError{Detail: "scram server-first message", Err: err}
	}
	if !strings.HasPrefix(serverNonce, clientNonce) {
		return &cdcerr.ProtocolViolation{Detail: "scram server nonce does not extend client nonce"}
	}

	saltedPassword := pbkdf2.Key([]byte(c.ep.Password), salt, iterations, sha256.Size, sha256.New)
	clientKey := hmacSHA256(saltedPassword, []byte("Client Key"))
	storedKey := sha256.Sum256(clientKey)

	clientFinalWithoutProof := "c=biws,r=" + serverNonce
	authMessage := clientFirstBare + "," + serverFirst + "," + clientFinalWithoutProof

	clientSignature := hmacSHA256(storedKey[:], []byte(authMessage))
	clientProof := xorBytes(clientKey, clientSignature)

	serverKey := hmacSHA256(saltedPassword, []byte("Server Key"))
	expectedServerSignature := hmacSHA256(serverKey, []byte(authMessage))

	clientFinal := clientFinalWithoutProof + ",p=" + base64.StdEncoding.EncodeToString(clientProof)
	if err := c.frontend.Send(&pgproto3.SASLResponse{Data: []byte(clientFinal)}); err != nil {
		return &cdcerr.TransportFailure{Op: "send scram client-final", Err: err}
	}

	msg, err = c.frontend.Receive()
	if err != nil {
		return &cdcerr.TransportFailure{Op: "receive scram server-final", Err: err}
	}
	final, ok := msg.(*pgproto3.AuthenticationSASLFinal)
	if !ok {
		if e, ok := msg.(*pgproto3.ErrorResponse); ok {
			return serverError(e)
		}
		return &cdcerr.ProtocolViolation{Detail: fmt.Sprintf("expected AuthenticationSASLFinal, got %T", msg)}
	}
	gotSignature, err := parseServerFinal(string(final.Data))
	if err != nil {
		return &cdcerr.DecodeError{Detail: "scram server-final message", Err: err}
	}
	if !hmac.Equal(gotSignature, expectedServerSignature) {
		return &cdcerr.ProtocolViolation{Detail: "scram server signature mismatch"}
	}
	return c.expectOk()
}

// scramNonce generates the 24-byte (base64, so 32 printable characters)
// client nonce used in the client-first-message.
func scramNonce() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawStdEncoding.EncodeToString(buf), nil
}

// parseServerFirst parses "r=<nonce>,s=<base64 salt>,i=<iterations>".
func parseServerFirst(msg string) (nonce string, salt []byte, iterations int, err error) {
	for _, field := range strings.Split(msg, ",") {
		if len(field) < 2 || field[1] != '=' {
			continue
		}
		switch field[0] {
		case 'r':
			nonce = field[2:]
		case 's':
			salt, err = base64.StdEncoding.DecodeString(field[2:])
			if err != nil {
				return "", nil, 0, fmt.Errorf("pgwire: scram salt: %w", err)
			}
		case 'i':
			iterations, err = strconv.Atoi(field[2:])
			if err != nil {
				return "", nil, 0, fmt.Errorf("pgwire: scram iteration count: %w", err)
			}
		}
	}
	if nonce == "" || salt == nil || iterations == 0 {
		return "", nil, 0, fmt.Errorf("pgwire: scram server-first missing required field: %q", msg)
	}
	return nonce, salt, iterations, nil
}

// parseServerFinal parses "v=<base64 server signature>".
func parseServerFinal(msg string) ([]byte, error) {
	for _, field := range strings.Split(msg, ",") {
		if strings.HasPrefix(field, "v=") {
			return base64.StdEncoding.DecodeString(field[2:])
		}
	}
	return nil, fmt.Errorf("pgwire: scram server-final missing v= field: %q", msg)
}

func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range out {
		out[i] = a[i] ^ b[i]
	}
	return out
}
