package mysqlwire

import (
	"context"
	"fmt"

	"github.com/rowstream/cdc/cdcerr"
	"github.com/rowstream/cdc/endpoint"
	"github.com/rowstream/cdc/transport"
	"github.com/rowstream/cdc/wire"
)

// Client is one authenticated connection to a MySQL-family server. A
// Client is used either for the bootstrap query channel or, after
// StartReplication, as the replication stream — never both concurrently
// on the same transport, matching Duplicate's sibling-session design.
type Client struct {
	stream transport.Stream
	seq    *sequencer
	pr     *packetReader
	pw     *packetWriter
	ep     endpoint.Endpoint
}

// resetSequence starts a fresh per-command sequence_id cycle at 0.
func (c *Client) resetSequence() { c.seq.reset() }

func newClient(stream transport.Stream, ep endpoint.Endpoint) *Client {
	seq := &sequencer{}
	return &Client{stream: stream, seq: seq, pr: newPacketReader(stream, seq), pw: newPacketWriter(stream, seq), ep: ep}
}

// Connect dials ep, performs the handshake, and authenticates using the
// credentials and plugin negotiated from the server's greeting.
func Connect(ctx context.Context, ep endpoint.Endpoint) (*Client, error) {
	stream, err := transport.Connect(ctx, ep.Transport)
	if err != nil {
		return nil, err
	}

	c := newClient(stream, ep)
	if err := c.authenticate(ep); err != nil {
		_ = stream.Shutdown()
		return nil, err
	}
	return c, nil
}

// Duplicate opens a second, independent, authenticated Client to the same
// endpoint, used to run a replication session concurrently with the
// bootstrap query session.
func (c *Client) Duplicate(ctx context.Context) (*Client, error) {
	stream, err := c.stream.Duplicate(ctx)
	if err != nil {
		return nil, err
	}
	dup := newClient(stream, c.ep)
	if err := dup.authenticate(c.ep); err != nil {
		_ = stream.Shutdown()
		return nil, err
	}
	return dup, nil
}

// Close shuts down the underlying transport.
func (c *Client) Close() error {
	return c.stream.Shutdown()
}

func (c *Client) authenticate(ep endpoint.Endpoint) error {
	greeting, err := c.pr.readPacket()
	if err != nil {
		return fmt.Errorf("mysqlwire: read handshake: %w", err)
	}
	hs, err := parseHandshake(greeting)
	if err != nil {
		return err
	}

	caps := negotiateCapabilities(hs.capabilities, ep.Database != "")
	plugin := hs.authPluginName
	scrambled, err := scramble(plugin, ep.Password, hs.nonce)
	if err != nil {
		return err
	}

	resp := buildHandshakeResponse(caps, ep.User, ep.Database, plugin, scrambled)
	if err := c.pw.writePacket(resp); err != nil {
		return fmt.Errorf("mysqlwire: send handshake response: %w", err)
	}

	return c.authLoop(plugin, ep.Password, hs.nonce)
}

// authLoop handles the AuthSwitchRequest/AuthMoreData/OK/ERR sequence that
// follows sending HandshakeResponse41.
func (c *Client) authLoop(plugin, password string, nonce []byte) error {
	for {
		pkt, err := c.pr.readPacket()
		if err != nil {
			return fmt.Errorf("mysqlwire: read auth: %w", err)
		}
		if len(pkt) == 0 {
			return &cdcerr.ProtocolViolation{Detail: "empty auth packet"}
		}

		switch pkt[0] {
		case respOK:
			return nil
		case respErr:
			return parseErrPacket(pkt)
		case authMoreData:
			// caching_sha2_password fast-auth-success sentinel: server sends
			// [0x01, 0x03] then an OK packet with no client response needed.
			if len(pkt) >= 2 && pkt[1] == 0x03 {
				continue
			}
			// Full authentication requested (0x04): send cleartext password
			// (only safe over TLS or a Unix socket, matching real clients).
			resp := append(append([]byte{}, []byte(password)...), 0)
			if err := c.pw.writePacket(resp); err != nil {
				return fmt.Errorf("mysqlwire: send full-auth response: %w", err)
			}
		case authSwitchReq:
			newPlugin, newNonce, err := parseAuthSwitch(pkt)
			if err != nil {
				return err
			}
			plugin, nonce = newPlugin, newNonce
			scrambled, err := scramble(plugin, password, nonce)
			if err != nil {
				return err
			}
			if err := c.pw.writePacket(scrambled); err != nil {
				return fmt.Errorf("mysqlwire: send auth-switch response: %w", err)
			}
		default:
			return &cdcerr.ProtocolViolation{Detail: fmt.Sprintf("unexpected byte 0x%02x in auth sequence", pkt[0])}
		}
	}
}

func parseAuthSwitch(pkt []byte) (plugin string, nonce []byte, err error) {
	r := wire.NewReader(pkt[1:])
	nameBytes, err := r.NulString()
	if err != nil {
		return "", nil, decodeErr("auth switch: plugin name", err)
	}
	nonceRaw := r.Rest()
	// Server sometimes includes a trailing NUL on the nonce.
	if len(nonceRaw) > 0 && nonceRaw[len(nonceRaw)-1] == 0 {
		nonceRaw = nonceRaw[:len(nonceRaw)-1]
	}
	return string(nameBytes), append([]byte{}, nonceRaw...), nil
}

// buildHandshakeResponse builds HandshakeResponse41.
func buildHandshakeResponse(caps uint32, user, database, plugin string, scrambled []byte) []byte {
	buf := make([]byte, 0, 64+len(user)+len(database)+len(scrambled))
	buf = appendU32(buf, caps)
	buf = appendU32(buf, 16*1024*1024) // max_packet_size
	buf = append(buf, 0x2d)            // charset: utf8mb4_general_ci
	buf = append(buf, make([]byte, 23)...)
	buf = wire.PutNulString(buf, []byte(user))
	buf = wire.PutLenEncString(buf, scrambled)
	if database != "" {
		buf = wire.PutNulString(buf, []byte(database))
	}
	buf = wire.PutNulString(buf, []byte(plugin))
	return buf
}

func appendU32(dst []byte, v uint32) []byte {
	return append(dst, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

// parseErrPacket decodes an ERR_Packet into a cdcerr.ServerError
// (0xFF errno(2) '#' sqlstate(5) message). The '#' sqlstate marker is
// skipped; MySQL errors carry only the vendor code and message.
func parseErrPacket(pkt []byte) error {
	r := wire.NewReader(pkt[1:])
	code, err := r.U16()
	if err != nil {
		return decodeErr("error packet: code", err)
	}
	rest := r.Bytes()
	if len(rest) > 6 && rest[0] == '#' {
		return &cdcerr.ServerError{Code: code, Message: string(rest[6:])}
	}
	return &cdcerr.ServerError{Code: code, Message: string(rest)}
}
