package mysqlwire

import (
	"bytes"
	"testing"
)

func buildHandshakePayload(t *testing.T) []byte {
	t.Helper()
	var buf []byte
	buf = append(buf, 10) // protocol version
	buf = append(buf, []byte("8.0.34\x00")...)
	buf = append(buf, 1, 0, 0, 0) // connection id
	buf = append(buf, []byte("abcdefgh")...)
	buf = append(buf, 0) // filler
	buf = append(buf, 0xff, 0xff)
	buf = append(buf, 0x2d)     // charset
	buf = append(buf, 2, 0)     // status flags
	buf = append(buf, 0xff, 0x08) // cap upper, includes CLIENT_PLUGIN_AUTH (bit 19)
	buf = append(buf, 21)       // auth plugin data length (8 + 13)
	buf = append(buf, make([]byte, 10)...)
	buf = append(buf, []byte("ijklmnopqrst\x00")...) // scramble part 2, 12 bytes + NUL
	buf = append(buf, []byte("mysql_native_password\x00")...)
	return buf
}

func TestParseHandshake(t *testing.T) {
	t.Parallel()
	hs, err := parseHandshake(buildHandshakePayload(t))
	if err != nil {
		t.Fatalf("parseHandshake: %v", err)
	}
	if hs.protocolVersion != 10 {
		t.Errorf("protocolVersion = %d, want 10", hs.protocolVersion)
	}
	if hs.serverVersion != "8.0.34" {
		t.Errorf("serverVersion = %q", hs.serverVersion)
	}
	if hs.authPluginName != "mysql_native_password" {
		t.Errorf("authPluginName = %q", hs.authPluginName)
	}
	if len(hs.nonce) != 20 {
		t.Errorf("nonce length = %d, want 20", len(hs.nonce))
	}
	if string(hs.nonce) != "abcdefghijklmnopqrst" {
		t.Errorf("nonce = %q", hs.nonce)
	}
	if hs.capabilities&capPluginAuth == 0 {
		t.Error("expected CLIENT_PLUGIN_AUTH set")
	}
}

func TestParseHandshakeRejectsOldProtocol(t *testing.T) {
	t.Parallel()
	payload := buildHandshakePayload(t)
	payload[0] = 9
	if _, err := parseHandshake(payload); err == nil {
		t.Fatal("expected error for protocol version 9")
	}
}

func TestNegotiateCapabilities(t *testing.T) {
	t.Parallel()
	server := clientCapabilities | capConnectWithDB
	got := negotiateCapabilities(server, true)
	if got&capConnectWithDB == 0 {
		t.Error("expected capConnectWithDB when database configured")
	}
	got = negotiateCapabilities(clientCapabilities, false)
	if got&capConnectWithDB != 0 {
		t.Error("did not expect capConnectWithDB without a database")
	}
}

func TestScrambleNativeDeterministic(t *testing.T) {
	t.Parallel()
	nonce := []byte("01234567890123456789")
	a, err := scramble(pluginNativePassword, "s3cr3t", nonce)
	if err != nil {
		t.Fatalf("scramble: %v", err)
	}
	b, err := scramble(pluginNativePassword, "s3cr3t", nonce)
	if err != nil {
		t.Fatalf("scramble: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Error("scrambleNative is not deterministic for identical inputs")
	}
	c, _ := scramble(pluginNativePassword, "different", nonce)
	if bytes.Equal(a, c) {
		t.Error("scrambleNative produced identical output for different passwords")
	}
}

func TestScrambleEmptyPassword(t *testing.T) {
	t.Parallel()
	out, err := scramble(pluginNativePassword, "", []byte("01234567890123456789"))
	if err != nil {
		t.Fatalf("scramble: %v", err)
	}
	if out != nil {
		t.Errorf("expected nil scramble for empty password, got %v", out)
	}
}

func TestScrambleUnsupportedPlugin(t *testing.T) {
	t.Parallel()
	if _, err := scramble("sha256_password", "x", nil); err == nil {
		t.Fatal("expected UnsupportedFeature for sha256_password")
	}
}
