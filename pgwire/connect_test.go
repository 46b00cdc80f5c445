package pgwire

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net"
	"strings"
	"testing"

	"github.com/jackc/pgproto3/v2"
	"golang.org/x/crypto/pbkdf2"

	"github.com/rowstream/cdc/endpoint"
)

func newFakeServerClient(t *testing.T, ep endpoint.Endpoint) (*Client, *pgproto3.Backend) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() { _ = clientConn.Close(); _ = serverConn.Close() })
	c := newClient(testStream{clientConn}, ep)
	backend := pgproto3.NewBackend(pgproto3.NewChunkReader(serverConn), serverConn)
	return c, backend
}

func finishHandshake(t *testing.T, backend *pgproto3.Backend) {
	t.Helper()
	must(t, backend.Send(&pgproto3.AuthenticationOk{}))
	must(t, backend.Send(&pgproto3.BackendKeyData{ProcessID: 1, SecretKey: 2}))
	must(t, backend.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'}))
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAuthenticateCleartextHappyPath(t *testing.T) {
	t.Parallel()
	ep := endpoint.Endpoint{User: "repl", Password: "s3cr3t", Database: "shop"}
	c, backend := newFakeServerClient(t, ep)

	done := make(chan error, 1)
	go func() {
		if _, err := backend.ReceiveStartupMessage(); err != nil {
			done <- err
			return
		}
		if err := backend.Send(&pgproto3.AuthenticationCleartextPassword{}); err != nil {
			done <- err
			return
		}
		msg, err := backend.Receive()
		if err != nil {
			done <- err
			return
		}
		pw, ok := msg.(*pgproto3.PasswordMessage)
		if !ok || pw.Password != "s3cr3t" {
			done <- err
			return
		}
		finishHandshake(t, backend)
		done <- nil
	}()

	if err := c.authenticate(); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("fake server: %v", err)
	}
}

func TestAuthenticateMD5HappyPath(t *testing.T) {
	t.Parallel()
	ep := endpoint.Endpoint{User: "repl", Password: "s3cr3t"}
	c, backend := newFakeServerClient(t, ep)

	salt := [4]byte{1, 2, 3, 4}
	done := make(chan error, 1)
	go func() {
		if _, err := backend.ReceiveStartupMessage(); err != nil {
			done <- err
			return
		}
		if err := backend.Send(&pgproto3.AuthenticationMD5Password{Salt: salt}); err != nil {
			done <- err
			return
		}
		msg, err := backend.Receive()
		if err != nil {
			done <- err
			return
		}
		if _, ok := msg.(*pgproto3.PasswordMessage); !ok {
			done <- err
			return
		}
		finishHandshake(t, backend)
		done <- nil
	}()

	if err := c.authenticate(); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("fake server: %v", err)
	}
}

// TestAuthenticateSCRAMHappyPath drives a fake server that independently
// implements the RFC 5802 SCRAM-SHA-256 exchange (rather than reusing the
// client's own scramble helpers), so the test fails if the two sides'
// understanding of the algorithm diverges.
func TestAuthenticateSCRAMHappyPath(t *testing.T) {
	t.Parallel()
	ep := endpoint.Endpoint{User: "repl", Password: "pencil"}
	c, backend := newFakeServerClient(t, ep)

	salt := []byte("fixedtestsalt123")
	iterations := 4096

	done := make(chan error, 1)
	go func() {
		if _, err := backend.ReceiveStartupMessage(); err != nil {
			done <- err
			return
		}
		if err := backend.Send(&pgproto3.AuthenticationSASL{AuthMechanisms: []string{"SCRAM-SHA-256"}}); err != nil {
			done <- err
			return
		}
		msg, err := backend.Receive()
		if err != nil {
			done <- err
			return
		}
		initial, ok := msg.(*pgproto3.SASLInitialResponse)
		if !ok {
			done <- err
			return
		}
		clientFirstBare := strings.TrimPrefix(string(initial.Data), "n,,")
		_, clientNonce, _ := strings.Cut(clientFirstBare, "r=")
		serverNonce := clientNonce + "-server-extension"
		serverFirst := "r=" + serverNonce + ",s=" + base64.StdEncoding.EncodeToString(salt) + ",i=4096"

		if err := backend.Send(&pgproto3.AuthenticationSASLContinue{Data: []byte(serverFirst)}); err != nil {
			done <- err
			return
		}
		msg, err = backend.Receive()
		if err != nil {
			done <- err
			return
		}
		resp, ok := msg.(*pgproto3.SASLResponse)
		if !ok {
			done <- err
			return
		}

		saltedPassword := pbkdf2.Key([]byte(ep.Password), salt, iterations, sha256.Size, sha256.New)
		clientKey := hmacSHA256(saltedPassword, []byte("Client Key"))
		storedKey := sha256.Sum256(clientKey)
		clientFinalWithoutProof := "c=biws,r=" + serverNonce
		authMessage := clientFirstBare + "," + serverFirst + "," + clientFinalWithoutProof
		expectedSignature := hmacSHA256(storedKey[:], []byte(authMessage))
		expectedProof := xorBytes(clientKey, expectedSignature)

		fields := strings.Split(string(resp.Data), ",")
		var gotProofB64 string
		for _, f := range fields {
			if strings.HasPrefix(f, "p=") {
				gotProofB64 = f[2:]
			}
		}
		gotProof, err := base64.StdEncoding.DecodeString(gotProofB64)
		if err != nil || !hmac.Equal(gotProof, expectedProof) {
			done <- err
			return
		}

		serverKey := hmacSHA256(saltedPassword, []byte("Server Key"))
		serverSignature := hmacSHA256(serverKey, []byte(authMessage))
		serverFinal := "v=" + base64.StdEncoding.EncodeToString(serverSignature)
		if err := backend.Send(&pgproto3.AuthenticationSASLFinal{Data: []byte(serverFinal)}); err != nil {
			done <- err
			return
		}
		finishHandshake(t, backend)
		done <- nil
	}()

	if err := c.authenticate(); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("fake server: %v", err)
	}
}

func TestAuthenticateServerError(t *testing.T) {
	t.Parallel()
	ep := endpoint.Endpoint{User: "repl", Password: "wrong"}
	c, backend := newFakeServerClient(t, ep)

	done := make(chan error, 1)
	go func() {
		if _, err := backend.ReceiveStartupMessage(); err != nil {
			done <- err
			return
		}
		done <- backend.Send(&pgproto3.ErrorResponse{Severity: "FATAL", Code: "28P01", Message: "password authentication failed"})
	}()

	err := c.authenticate()
	<-done
	if err == nil {
		t.Fatal("expected authentication error")
	}
}
