// Package transport implements the framing-agnostic byte stream that both
// wire clients sit on top of: plain TCP, Unix-domain sockets, or TLS over
// either. The transport never interprets bytes; framing is the caller's
// responsibility.
package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/rowstream/cdc/cdcerr"
)

// Options configures a Stream.
type Options struct {
	// Network is "tcp" or "unix".
	Network string
	// Address is "host:port" for tcp, or a filesystem path for unix.
	Address string
	// TLS, if non-nil, wraps the connection in a TLS client handshake
	// after the underlying socket connects.
	TLS *tls.Config

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

// Stream is a buffered, bidirectional, byte-oriented connection to one
// endpoint. It does not interpret the bytes flowing through it.
type Stream interface {
	io.Reader
	io.Writer

	// Duplicate opens a second, independent Stream to the same endpoint
	// using the same TLS settings, for running a replication session
	// concurrently with an ad-hoc query session.
	Duplicate(ctx context.Context) (Stream, error)

	// Shutdown closes the write side of the connection, then the read
	// side, in that order.
	Shutdown() error
}

// Connect resolves opts.Address under opts.Network and establishes a
// buffered Stream. Network values other than "tcp" and "unix" fail with a
// ProtocolViolation-adjacent InvalidInput-style error.
func Connect(ctx context.Context, opts Options) (Stream, error) {
	switch opts.Network {
	case "tcp", "unix":
	default:
		return nil, fmt.Errorf("transport: unsupported network %q: %w", opts.Network, errInvalidInput)
	}

	dialCtx := ctx
	if opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, opts.ConnectTimeout)
		defer cancel()
	}

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, opts.Network, opts.Address)
	if err != nil {
		return nil, &cdcerr.TransportFailure{Op: "connect", Err: err}
	}

	if opts.TLS != nil {
		tlsConn := tls.Client(conn, opts.TLS)
		if err := tlsConn.HandshakeContext(dialCtx); err != nil {
			_ = conn.Close()
			return nil, &cdcerr.TransportFailure{Op: "tls handshake", Err: err}
		}
		conn = tlsConn
	}

	return newConn(conn, opts), nil
}

var errInvalidInput = errors.New("invalid input")

// ErrInvalidInput reports whether err was returned because Options.Network
// named an unsupported scheme.
func ErrInvalidInput(err error) bool {
	return errors.Is(err, errInvalidInput)
}

// conn is the concrete Stream implementation shared by tcp, unix, and tls.
type conn struct {
	net.Conn
	r    *bufio.Reader
	opts Options
}

func newConn(nc net.Conn, opts Options) *conn {
	return &conn{Conn: nc, r: bufio.NewReaderSize(nc, 32*1024), opts: opts}
}

func (c *conn) Read(p []byte) (int, error) {
	if c.opts.ReadTimeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	}
	n, err := c.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		err = &cdcerr.TransportFailure{Op: "read", Err: err}
	}
	return n, err
}

func (c *conn) Write(p []byte) (int, error) {
	if c.opts.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	}
	n, err := c.Conn.Write(p)
	if err != nil {
		err = &cdcerr.TransportFailure{Op: "write", Err: err}
	}
	return n, err
}

func (c *conn) Duplicate(ctx context.Context) (Stream, error) {
	return Connect(ctx, c.opts)
}

func (c *conn) Shutdown() error {
	// Close the write side first, then the read side, per the transport
	// contract. Both closeWrite and the final Close are best-effort: a
	// peer that already hung up shouldn't turn a clean shutdown into an
	// error.
	closeWrite(c.Conn)
	return c.Conn.Close()
}

// closeWriter is implemented by *net.TCPConn, *net.UnixConn, and
// *tls.Conn (via its underlying net.Conn).
type closeWriter interface {
	CloseWrite() error
}

func closeWrite(nc net.Conn) {
	target := nc
	if tc, ok := nc.(*tls.Conn); ok {
		target = tc.NetConn()
	}
	if cw, ok := target.(closeWriter); ok {
		_ = cw.CloseWrite()
	}
}

// ParseAddress splits a tcp://host:port or unix:///path endpoint URL into
// transport Options fields shared by both protocol clients. defaultPort
// fills in a bare tcp:// host with no explicit port (callers pass the
// protocol's conventional port: "3306" for MySQL, "5432" for PostgreSQL).
// Protocol-specific query parameters (database, credentials) are parsed by
// the endpoint package; this only resolves Network/Address and returns the
// raw query parameters. DurationParam reads the connect/read/write timeout
// parameters common to both.
func ParseAddress(raw, defaultPort string) (network, address string, query url.Values, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", nil, fmt.Errorf("transport: parse endpoint %q: %w", raw, err)
	}

	switch u.Scheme {
	case "tcp":
		host := u.Hostname()
		port := u.Port()
		if port == "" {
			port = defaultPort
		}
		return "tcp", net.JoinHostPort(host, port), u.Query(), nil
	case "unix":
		return "unix", u.Path, u.Query(), nil
	default:
		return "", "", nil, fmt.Errorf("transport: unsupported scheme %q: %w", u.Scheme, errInvalidInput)
	}
}

// DurationParam parses a millisecond duration query parameter, returning 0
// if absent or invalid.
func DurationParam(q url.Values, key string) time.Duration {
	v := q.Get(key)
	if v == "" {
		return 0
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms < 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}
