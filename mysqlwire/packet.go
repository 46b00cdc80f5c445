// Package mysqlwire implements the MySQL wire-protocol client that drives a
// binary-replication (binlog) stream: packet framing, authentication, the
// bootstrap query channel, and the binlog event decoder. It is the MySQL
// half of the pair of wire clients this repository exists to build; see
// pgwire for the PostgreSQL half and event for the normalized model both
// emit into.
package mysqlwire

import (
	"fmt"
	"io"

	"github.com/rowstream/cdc/cdcerr"
	"github.com/rowstream/cdc/transport"
)

// maxPacketPayload is the largest payload a single MySQL packet frame can
// carry (2^24 - 1); larger payloads are split across consecutive packets
// with a monotonically increasing sequence_id.
const maxPacketPayload = 1<<24 - 1

// sequencer is the per-command sequence_id counter shared between a
// packetReader and a packetWriter reading/writing the same connection. The
// MySQL wire protocol numbers every packet of a command cycle with a single
// counter that alternates between client and server, not one counter per
// direction — a handshake response, for instance, must carry seq=1 because
// the server's preceding greeting carried seq=0.
type sequencer struct {
	next byte
}

// reset starts a fresh command cycle at seq=0; called before sending a new
// top-level command (COM_QUERY, COM_REGISTER_SLAVE, COM_BINLOG_DUMP) but
// not before every packet within one. The handshake response is not a new
// cycle: it continues the greeting's, so it is sent without a reset.
func (s *sequencer) reset() { s.next = 0 }

func (s *sequencer) take() byte {
	b := s.next
	s.next++
	return b
}

// packetReader reads whole MySQL packets off a transport.Stream, tracking
// and verifying the sequence_id against a shared sequencer.
type packetReader struct {
	s   transport.Stream
	seq *sequencer
}

func newPacketReader(s transport.Stream, seq *sequencer) *packetReader {
	return &packetReader{s: s, seq: seq}
}

// readPacket reads one logical packet, concatenating continuation frames
// until a payload shorter than maxPacketPayload terminates it.
func (r *packetReader) readPacket() ([]byte, error) {
	var payload []byte
	for {
		var hdr [4]byte
		if _, err := io.ReadFull(r.s, hdr[:]); err != nil {
			return nil, &cdcerr.TransportFailure{Op: "read packet header", Err: err}
		}
		length := int(hdr[0]) | int(hdr[1])<<8 | int(hdr[2])<<16
		seq := hdr[3]
		want := r.seq.next
		if seq != want {
			return nil, &cdcerr.ProtocolViolation{
				Detail: fmt.Sprintf("sequence id %d, expected %d", seq, want),
			}
		}
		r.seq.take()

		frame := make([]byte, length)
		if length > 0 {
			if _, err := io.ReadFull(r.s, frame); err != nil {
				return nil, &cdcerr.TransportFailure{Op: "read packet payload", Err: err}
			}
		}
		payload = append(payload, frame...)
		if length < maxPacketPayload {
			return payload, nil
		}
	}
}

// packetWriter writes MySQL packets, splitting long payloads across
// continuation frames and tracking the sequence_id via a shared sequencer.
type packetWriter struct {
	s   transport.Stream
	seq *sequencer
}

func newPacketWriter(s transport.Stream, seq *sequencer) *packetWriter {
	return &packetWriter{s: s, seq: seq}
}

func (w *packetWriter) writePacket(payload []byte) error {
	off := 0
	for {
		n := len(payload) - off
		if n > maxPacketPayload {
			n = maxPacketPayload
		}
		var hdr [4]byte
		hdr[0] = byte(n)
		hdr[1] = byte(n >> 8)
		hdr[2] = byte(n >> 16)
		hdr[3] = w.seq.take()

		if _, err := w.s.Write(hdr[:]); err != nil {
			return &cdcerr.TransportFailure{Op: "write packet header", Err: err}
		}
		if n > 0 {
			if _, err := w.s.Write(payload[off : off+n]); err != nil {
				return &cdcerr.TransportFailure{Op: "write packet payload", Err: err}
			}
		}
		off += n
		if n < maxPacketPayload {
			return nil
		}
	}
}
