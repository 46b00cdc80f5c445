package pgwire

import (
	"context"
	"encoding/binary"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgproto3/v2"

	"github.com/rowstream/cdc/cdcerr"
	"github.com/rowstream/cdc/event"
)

// pgEpoch is the origin PostgreSQL uses for the microsecond timestamps
// carried in replication protocol messages.
var pgEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

const (
	copyTagXLogData  = 'w'
	copyTagKeepalive = 'k'
	copyTagStatus    = 'r'
)

// StartOptions configures a Session bootstrap.
type StartOptions struct {
	Slot string
	// Cursor is the position to resume from. Zero value requests the
	// server's current position via IDENTIFY_SYSTEM.
	Cursor event.WalCursor
	// CheckpointInterval is how often Recv's caller should see a
	// checkpoint invitation and a status update is sent to the server;
	// default 10s.
	CheckpointInterval time.Duration
}

// Session drives one PostgreSQL logical-replication stream on a dedicated
// Client.
type Session struct {
	client *Client
	cursor event.WalCursor

	checkpointEvery time.Duration
	lastTick        time.Time
	onCheckpoint    func(event.WalCursor)
}

// StartReplication bootstraps client into replication mode: resolves the
// starting position (via IDENTIFY_SYSTEM if opts.Cursor is the zero
// value) and issues START_REPLICATION against opts.Slot using the
// wal2json output plugin's format-version 2. client must not be used for
// anything else afterward; it becomes the Session's private transport.
func StartReplication(ctx context.Context, client *Client, opts StartOptions) (*Session, error) {
	if opts.Slot == "" {
		return nil, &cdcerr.ProtocolViolation{Detail: "replication slot name is required"}
	}

	cursor := opts.Cursor
	if cursor == (event.WalCursor{}) {
		row, err := client.QueryRow("IDENTIFY_SYSTEM")
		if err != nil {
			return nil, err
		}
		if len(row) < 3 {
			return nil, &cdcerr.ProtocolViolation{Detail: "IDENTIFY_SYSTEM returned fewer than 3 columns"}
		}
		tid, err := strconv.ParseInt(string(row[1]), 10, 8)
		if err != nil {
			return nil, &cdcerr.DecodeError{Detail: "IDENTIFY_SYSTEM timeline", Err: err}
		}
		lsn, err := parseLSN(string(row[2]))
		if err != nil {
			return nil, &cdcerr.DecodeError{Detail: "IDENTIFY_SYSTEM xlogpos", Err: err}
		}
		cursor = event.WalCursor{TID: int8(tid), LSN: lsn}
	}

	startCmd := fmt.Sprintf(`START_REPLICATION SLOT %s LOGICAL %s ("format-version" '2')`, opts.Slot, formatLSN(cursor.LSN))
	if err := client.frontend.Send(&pgproto3.Query{String: startCmd}); err != nil {
		return nil, &cdcerr.TransportFailure{Op: "send START_REPLICATION", Err: err}
	}
	msg, err := client.frontend.Receive()
	if err != nil {
		return nil, &cdcerr.TransportFailure{Op: "receive START_REPLICATION response", Err: err}
	}
	switch m := msg.(type) {
	case *pgproto3.CopyBothResponse:
	case *pgproto3.ErrorResponse:
		return nil, serverError(m)
	default:
		return nil, &cdcerr.ProtocolViolation{Detail: fmt.Sprintf("expected CopyBothResponse, got %T", msg)}
	}

	interval := opts.CheckpointInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}

	return &Session{client: client, cursor: cursor, checkpointEvery: interval}, nil
}

// OnCheckpoint registers a callback invoked periodically with the last
// published cursor. Optional.
func (s *Session) OnCheckpoint(f func(event.WalCursor)) {
	s.onCheckpoint = f
}

// Cursor returns the driver's current (tentative) cursor.
func (s *Session) Cursor() event.WalCursor {
	return s.cursor
}

// Close stops the session: no further wire reads are issued, and the
// underlying Client's transport is shut down write-side then read-side.
// Callers should invoke their own cursor-persist logic with the last
// value returned from Cursor before calling Close.
func (s *Session) Close() error {
	return s.client.Close()
}

// Recv reads and decodes CopyData messages from the stream until it has a
// normalized RowEvent to emit, a checkpoint tick to report (ev is the
// zero value, checkpoint is true), or a fatal error. Begin/Commit/
// Truncate/Message wal2json actions update the cursor but never produce a
// RowEvent.
func (s *Session) Recv() (ev event.RowEvent, checkpoint bool, err error) {
	for {
		if s.lastTick.IsZero() {
			s.lastTick = time.Now()
		}
		if time.Since(s.lastTick) >= s.checkpointEvery {
			s.lastTick = time.Now()
			if err := s.sendStatusUpdate(false); err != nil {
				return event.RowEvent{}, false, err
			}
			if s.onCheckpoint != nil {
				s.onCheckpoint(s.cursor)
			}
			return event.RowEvent{}, true, nil
		}

		msg, err := s.client.frontend.Receive()
		if err != nil {
			return event.RowEvent{}, false, &cdcerr.TransportFailure{Op: "receive replication stream", Err: err}
		}
		cd, ok := msg.(*pgproto3.CopyData)
		if !ok {
			return event.RowEvent{}, false, &cdcerr.ProtocolViolation{Detail: fmt.Sprintf("expected CopyData, got %T", msg)}
		}
		if len(cd.Data) == 0 {
			return event.RowEvent{}, false, &cdcerr.ProtocolViolation{Detail: "empty CopyData payload"}
		}

		switch cd.Data[0] {
		case copyTagXLogData:
			re, ok, err := s.handleXLogData(cd.Data[1:])
			if err != nil {
				return event.RowEvent{}, false, err
			}
			if ok {
				return re, false, nil
			}
			// Begin/Commit/Truncate/Message: cursor already advanced, keep reading.

		case copyTagKeepalive:
			if err := s.handleKeepalive(cd.Data[1:]); err != nil {
				return event.RowEvent{}, false, err
			}

		default:
			return event.RowEvent{}, false, &cdcerr.ProtocolViolation{Detail: fmt.Sprintf("unknown CopyData tag %q", cd.Data[0])}
		}
	}
}

// handleXLogData decodes one 'w' CopyData payload: start_lsn, end_lsn,
// sender-clock timestamp, then the wal2json JSON document. Returns
// ok=true only for Insert/Update/Delete actions, which produce a
// RowEvent; Begin/Commit/Truncate/Message only advance the cursor.
func (s *Session) handleXLogData(body []byte) (event.RowEvent, bool, error) {
	if len(body) < 24 {
		return event.RowEvent{}, false, &cdcerr.ProtocolViolation{Detail: "XLogData shorter than fixed header"}
	}
	endLSN := int64(binary.BigEndian.Uint64(body[8:16]))
	payload := body[24:]

	msg, err := decodeWal2JSON(payload)
	if err != nil {
		return event.RowEvent{}, false, err
	}
	s.cursor.LSN = endLSN

	switch msg.Action {
	case "I", "U", "D":
		re, err := msg.toRowEvent()
		if err != nil {
			return event.RowEvent{}, false, err
		}
		return re, true, nil
	case "B", "C", "T", "M":
		return event.RowEvent{}, false, nil
	default:
		return event.RowEvent{}, false, &cdcerr.ProtocolViolation{Detail: fmt.Sprintf("unknown wal2json action %q", msg.Action)}
	}
}

// handleKeepalive decodes a 'k' CopyData payload: end_lsn, sender-clock
// timestamp, must_reply flag.
func (s *Session) handleKeepalive(body []byte) error {
	if len(body) < 17 {
		return &cdcerr.ProtocolViolation{Detail: "Keepalive shorter than fixed body"}
	}
	endLSN := int64(binary.BigEndian.Uint64(body[0:8]))
	mustReply := body[16] != 0
	s.cursor.LSN = endLSN
	if mustReply {
		return s.sendStatusUpdate(true)
	}
	return nil
}

// sendStatusUpdate sends a standby status update reporting the session's
// current cursor as written, flushed, and applied. This core never
// distinguishes those three positions since it has no separate flush
// stage of its own; replyNow sets the reply-now byte the server uses to
// request an immediate reply rather than waiting for the next keepalive.
func (s *Session) sendStatusUpdate(replyNow bool) error {
	buf := make([]byte, 0, 34)
	buf = append(buf, copyTagStatus)
	buf = binary.BigEndian.AppendUint64(buf, uint64(s.cursor.LSN))
	buf = binary.BigEndian.AppendUint64(buf, uint64(s.cursor.LSN))
	buf = binary.BigEndian.AppendUint64(buf, uint64(s.cursor.LSN))
	buf = binary.BigEndian.AppendUint64(buf, uint64(pgClockMicros()))
	if replyNow {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	if err := s.client.frontend.Send(&pgproto3.CopyData{Data: buf}); err != nil {
		return &cdcerr.TransportFailure{Op: "send status update", Err: err}
	}
	return nil
}

func pgClockMicros() int64 {
	return time.Since(pgEpoch).Microseconds()
}
