package mysqlwire

import (
	"crypto/sha1" //nolint:gosec // mysql_native_password is defined in terms of SHA-1
	"crypto/sha256"
	"fmt"

	"github.com/rowstream/cdc/cdcerr"
	"github.com/rowstream/cdc/wire"
)

const (
	pluginNativePassword = "mysql_native_password"
	pluginCachingSHA2    = "caching_sha2_password"
)

// handshake holds the fields of the server's initial HandshakeV10 packet.
type handshake struct {
	protocolVersion byte
	serverVersion   string
	connectionID    uint32
	nonce           []byte // scramble_1 (8 bytes) ‖ scramble_2 (>=12 bytes)
	capabilities    uint32
	charset         byte
	statusFlags     uint16
	authPluginName  string
}

// parseHandshake decodes the server's initial greeting packet.
func parseHandshake(payload []byte) (handshake, error) {
	r := wire.NewReader(payload)

	protoVer, err := r.U8()
	if err != nil {
		return handshake{}, decodeErr("handshake: protocol version", err)
	}
	if protoVer != 10 {
		return handshake{}, &cdcerr.UnsupportedFeature{
			Feature: fmt.Sprintf("handshake protocol version %d (only 10 is supported)", protoVer),
		}
	}

	serverVersionBytes, err := r.NulString()
	if err != nil {
		return handshake{}, decodeErr("handshake: server version", err)
	}
	serverVersion := string(serverVersionBytes)

	connID, err := r.U32()
	if err != nil {
		return handshake{}, decodeErr("handshake: connection id", err)
	}

	scramble1, err := r.Next(8)
	if err != nil {
		return handshake{}, decodeErr("handshake: scramble part 1", err)
	}
	if err := r.Skip(1); err != nil { // filler
		return handshake{}, decodeErr("handshake: filler", err)
	}

	capLower, err := r.U16()
	if err != nil {
		return handshake{}, decodeErr("handshake: capability flags (lower)", err)
	}
	charset, err := r.U8()
	if err != nil {
		return handshake{}, decodeErr("handshake: charset", err)
	}
	statusFlags, err := r.U16()
	if err != nil {
		return handshake{}, decodeErr("handshake: status flags", err)
	}
	capUpper, err := r.U16()
	if err != nil {
		return handshake{}, decodeErr("handshake: capability flags (upper)", err)
	}
	capabilities := uint32(capLower) | uint32(capUpper)<<16

	if capabilities&capPluginAuth == 0 {
		return handshake{}, &cdcerr.ProtocolViolation{Detail: "server did not advertise CLIENT_PLUGIN_AUTH"}
	}

	nonceLen, err := r.U8()
	if err != nil {
		return handshake{}, decodeErr("handshake: auth plugin data length", err)
	}
	if err := r.Skip(10); err != nil { // reserved
		return handshake{}, decodeErr("handshake: reserved", err)
	}

	scramble2Len := int(nonceLen) - 9
	if scramble2Len < 12 {
		scramble2Len = 12
	}
	scramble2, err := r.Next(scramble2Len)
	if err != nil {
		return handshake{}, decodeErr("handshake: scramble part 2", err)
	}
	if err := r.Skip(1); err != nil { // NUL terminating scramble part 2
		return handshake{}, decodeErr("handshake: scramble terminator", err)
	}

	pluginNameBytes, err := r.NulString()
	if err != nil {
		return handshake{}, decodeErr("handshake: auth plugin name", err)
	}
	pluginName := string(pluginNameBytes)

	nonce := make([]byte, 0, len(scramble1)+len(scramble2))
	nonce = append(nonce, scramble1...)
	nonce = append(nonce, scramble2...)

	return handshake{
		protocolVersion: protoVer,
		serverVersion:   serverVersion,
		connectionID:    connID,
		nonce:           nonce,
		capabilities:    capabilities,
		charset:         charset,
		statusFlags:     statusFlags,
		authPluginName:  pluginName,
	}, nil
}

// negotiateCapabilities intersects the server's advertised capabilities
// with the fixed client set, adding capConnectWithDB when a database is
// configured.
func negotiateCapabilities(server uint32, hasDatabase bool) uint32 {
	want := clientCapabilities
	if hasDatabase {
		want |= capConnectWithDB
	}
	return server & want
}

// scramble computes the challenge-response for the named auth plugin.
// Returns UnsupportedFeature for any other plugin.
func scramble(plugin string, password string, nonce []byte) ([]byte, error) {
	switch plugin {
	case pluginNativePassword:
		return scrambleNative(password, nonce), nil
	case pluginCachingSHA2:
		return scrambleCachingSHA2(password, nonce), nil
	default:
		return nil, &cdcerr.UnsupportedFeature{Feature: fmt.Sprintf("auth plugin %q", plugin)}
	}
}

// scrambleNative implements mysql_native_password:
// SHA1(password) XOR SHA1(nonce ‖ SHA1(SHA1(password))).
func scrambleNative(password string, nonce []byte) []byte {
	if password == "" {
		return nil
	}
	stage1 := sha1.Sum([]byte(password)) //nolint:gosec // protocol-mandated hash
	stage2 := sha1.Sum(stage1[:])

	h := sha1.New() //nolint:gosec // protocol-mandated hash
	h.Write(nonce)
	h.Write(stage2[:])
	challenge := h.Sum(nil)

	out := make([]byte, len(stage1))
	for i := range out {
		out[i] = stage1[i] ^ challenge[i]
	}
	return out
}

// scrambleCachingSHA2 implements caching_sha2_password:
// SHA256(password) XOR SHA256(nonce ‖ SHA256(SHA256(password))).
func scrambleCachingSHA2(password string, nonce []byte) []byte {
	if password == "" {
		return nil
	}
	stage1 := sha256.Sum256([]byte(password))
	stage2 := sha256.Sum256(stage1[:])

	h := sha256.New()
	h.Write(nonce)
	h.Write(stage2[:])
	challenge := h.Sum(nil)

	out := make([]byte, len(stage1))
	for i := range out {
		out[i] = stage1[i] ^ challenge[i]
	}
	return out
}

func decodeErr(detail string, err error) error {
	return &cdcerr.DecodeError{Detail: detail, Err: err}
}
