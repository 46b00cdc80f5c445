package pgwire

import (
	"context"
	"net"

	"github.com/rowstream/cdc/transport"
)

// testStream adapts a net.Conn (one end of a net.Pipe) to transport.Stream
// for tests that drive a fake server on the other end.
type testStream struct {
	net.Conn
}

func (f testStream) Duplicate(context.Context) (transport.Stream, error) {
	return nil, nil
}

func (f testStream) Shutdown() error { return f.Conn.Close() }
