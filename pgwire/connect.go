// Package pgwire implements the PostgreSQL half of the pipeline: startup
// and authentication, a simple-query channel for bootstrap lookups, and a
// logical-replication session driver that decodes wal2json CopyData
// messages into normalized event.RowEvent values.
//
// Wire encoding/decoding for the startup and simple-query phases is
// delegated to github.com/jackc/pgproto3/v2; this package interprets the
// messages as a client rather than just relaying raw bytes.
package pgwire

import (
	"context"

	"github.com/jackc/pgproto3/v2"

	"github.com/rowstream/cdc/endpoint"
	"github.com/rowstream/cdc/transport"
)

// Client is one authenticated connection to a PostgreSQL server, used
// either for the bootstrap query channel or, after StartReplication, as
// the replication stream — never both concurrently on the same
// transport, matching Duplicate's sibling-session design.
type Client struct {
	stream   transport.Stream
	frontend *pgproto3.Frontend
	ep       endpoint.Endpoint
}

func newClient(stream transport.Stream, ep endpoint.Endpoint) *Client {
	return &Client{
		stream:   stream,
		frontend: pgproto3.NewFrontend(pgproto3.NewChunkReader(stream), stream),
		ep:       ep,
	}
}

// Connect dials ep, sends the startup message, and authenticates using
// whichever sub-protocol the server requests (cleartext, MD5, or
// SCRAM-SHA-256).
func Connect(ctx context.Context, ep endpoint.Endpoint) (*Client, error) {
	stream, err := transport.Connect(ctx, ep.Transport)
	if err != nil {
		return nil, err
	}
	c := newClient(stream, ep)
	if err := c.authenticate(); err != nil {
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
	if err := dup.authenticate(); err != nil {
		_ = stream.Shutdown()
		return nil, err
	}
	return dup, nil
}

// Close shuts down the underlying transport.
func (c *Client) Close() error {
	return c.stream.Shutdown()
}
