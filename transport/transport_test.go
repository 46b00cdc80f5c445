package transport_test

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/rowstream/cdc/transport"
)

func TestConnectTCPAndEcho(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer func() { _ = ln.Close() }()

	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer func() { _ = c.Close() }()
		buf := make([]byte, 5)
		if _, err := io.ReadFull(c, buf); err != nil {
			return
		}
		_, _ = c.Write(buf)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	s, err := transport.Connect(ctx, transport.Options{Network: "tcp", Address: ln.Addr().String()})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer func() { _ = s.Shutdown() }()

	if _, err := s.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buf := make([]byte, 5)
	if _, err := io.ReadFull(s, buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf) != "hello" {
		t.Fatalf("echo = %q, want hello", buf)
	}
}

func TestConnectUnsupportedScheme(t *testing.T) {
	t.Parallel()
	_, err := transport.Connect(context.Background(), transport.Options{Network: "udp", Address: "x"})
	if err == nil {
		t.Fatal("expected error for unsupported network")
	}
}

func TestParseAddress(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw        string
		wantNet    string
		wantAddr   string
		wantErr    bool
		wantParams map[string]string
	}{
		{raw: "tcp://localhost:3306?database=shop", wantNet: "tcp", wantAddr: "localhost:3306", wantParams: map[string]string{"database": "shop"}},
		{raw: "tcp://localhost", wantNet: "tcp", wantAddr: "localhost:3306"},
		{raw: "unix:///var/run/mysqld/mysqld.sock", wantNet: "unix", wantAddr: "/var/run/mysqld/mysqld.sock"},
		{raw: "ftp://nope", wantErr: true},
	}

	for _, tt := range tests {
		net_, addr, q, err := transport.ParseAddress(tt.raw, "3306")
		if tt.wantErr {
			if err == nil {
				t.Errorf("%s: expected error", tt.raw)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: %v", tt.raw, err)
		}
		if net_ != tt.wantNet || addr != tt.wantAddr {
			t.Errorf("%s: got (%s, %s), want (%s, %s)", tt.raw, net_, addr, tt.wantNet, tt.wantAddr)
		}
		for k, v := range tt.wantParams {
			if q.Get(k) != v {
				t.Errorf("%s: query[%s] = %q, want %q", tt.raw, k, q.Get(k), v)
			}
		}
	}
}
