package mysqlwire

import (
	"fmt"

	"github.com/rowstream/cdc/cdcerr"
	"github.com/rowstream/cdc/event"
	"github.com/rowstream/cdc/wire"
)

// Binlog event type bytes dispatched by decodeBinlogEvent.
const (
	eventRotate                byte = 4
	eventFormatDescription     byte = 15
	eventXID                   byte = 16
	eventTableMap              byte = 19
	eventWriteRowsV0           byte = 20
	eventUpdateRowsV0          byte = 21
	eventDeleteRowsV0          byte = 22
	eventWriteRowsV1           byte = 23
	eventUpdateRowsV1          byte = 24
	eventDeleteRowsV1          byte = 25
	eventWriteRowsV2           byte = 30
	eventUpdateRowsV2          byte = 31
	eventDeleteRowsV2          byte = 32
	eventGTID                  byte = 33
	eventAnonymousGTID         byte = 34
	eventPreviousGTIDs         byte = 35
)

// eventHeader is the common binlog event header.
type eventHeader struct {
	timestamp   uint32
	eventType   byte
	serverID    uint32
	eventSize   uint32
	logPosition uint32
	flags       uint16
}

// parseEventHeader decodes the common header from a binlog packet payload
// that has already had its leading 0x00 OK byte stripped.
func parseEventHeader(r *wire.Reader) (eventHeader, error) {
	ts, err := r.U32()
	if err != nil {
		return eventHeader{}, decodeErr("event header: timestamp", err)
	}
	typ, err := r.U8()
	if err != nil {
		return eventHeader{}, decodeErr("event header: type", err)
	}
	serverID, err := r.U32()
	if err != nil {
		return eventHeader{}, decodeErr("event header: server id", err)
	}
	size, err := r.U32()
	if err != nil {
		return eventHeader{}, decodeErr("event header: event size", err)
	}
	pos, err := r.U32()
	if err != nil {
		return eventHeader{}, decodeErr("event header: log position", err)
	}
	flags, err := r.U16()
	if err != nil {
		return eventHeader{}, decodeErr("event header: flags", err)
	}
	return eventHeader{timestamp: ts, eventType: typ, serverID: serverID, eventSize: size, logPosition: pos, flags: flags}, nil
}

// formatDescription holds the fields of a FORMAT_DESCRIPTION_EVENT
// relevant to later decoding.
type formatDescription struct {
	binlogVersion     uint16
	serverVersion     string
	createTimestamp   uint32
	eventHeaderLength byte
	// checksumLen is the length, in bytes, of the checksum trailer every
	// later event in this session carries: 0 if binlog_checksum=NONE, 4 for
	// CRC32. Resolved by reading it here, once, per session (see DESIGN.md).
	checksumLen int
}

func parseFormatDescription(payload []byte) (formatDescription, error) {
	r := wire.NewReader(payload)
	version, err := r.U16()
	if err != nil {
		return formatDescription{}, decodeErr("format description: version", err)
	}
	serverVersion, err := r.FixedString(50)
	if err != nil {
		return formatDescription{}, decodeErr("format description: server version", err)
	}
	createTS, err := r.U32()
	if err != nil {
		return formatDescription{}, decodeErr("format description: create timestamp", err)
	}
	headerLen, err := r.U8()
	if err != nil {
		return formatDescription{}, decodeErr("format description: event header length", err)
	}
	// Remainder: per-event-type header-length table, then (servers >=
	// 5.6.1) a single checksum-algorithm byte, then — only if that byte is
	// 1 (CRC32) — a 4-byte checksum trailer of this very event.
	return formatDescription{
		binlogVersion:     version,
		serverVersion:     trimNulPadding(serverVersion),
		createTimestamp:   createTS,
		eventHeaderLength: headerLen,
		checksumLen:       detectChecksumLen(payload),
	}, nil
}

// detectChecksumLen inspects the tail of an (untrimmed) FORMAT_DESCRIPTION
// event body for the checksum-algorithm byte described above. With
// checksum_algorithm=NONE the algorithm byte is the final byte of the
// event body; with CRC32 it is followed by a 4-byte trailer, putting it
// five bytes from the end instead.
func detectChecksumLen(body []byte) int {
	if len(body) >= 5 && body[len(body)-5] == 1 {
		return 4
	}
	if len(body) >= 1 && body[len(body)-1] == 0 {
		return 0
	}
	return 4
}

func trimNulPadding(s string) string {
	for i, c := range s {
		if c == 0 {
			return s[:i]
		}
	}
	return s
}

// rotateEvent is a ROTATE_EVENT.
type rotateEvent struct {
	nextLogPosition uint32
	nextLogFile     string
}

// parseRotate decodes next_log_position (u64 LE, truncated to u32) and
// next_log_file (the remainder of the payload, with the trailing checksum
// bytes actually belonging to the filename for this event type).
func parseRotate(payload []byte) (rotateEvent, error) {
	r := wire.NewReader(payload)
	pos, err := r.U64()
	if err != nil {
		return rotateEvent{}, decodeErr("rotate: next log position", err)
	}
	return rotateEvent{nextLogPosition: uint32(pos), nextLogFile: string(r.Rest())}, nil
}

// decodedEvent is the tagged result of dispatching one binlog event.
type decodedEvent struct {
	header             eventHeader
	formatDescription  *formatDescription
	rotate             *rotateEvent
	tableMap           *tableMap
	rows               *rowsPayload
	xid                *uint64
	unsupportedFeature string // set instead of a typed payload for events we acknowledge but don't act on
}

type rowsPayload struct {
	kind        rowEventKind
	tableID     uint64
	flags       uint16
	columns     [][]event.Column      // Insert/Delete
	beforeAfter [2][][]event.Column   // Update: [0]=before, [1]=after
}

// decodeBinlogEvent dispatches a single binlog packet's event-type byte to
// the appropriate decoder. active is the TableMap currently
// held by the session driver, required to decode row events.
func decodeBinlogEvent(payload []byte, checksumLen int, active *tableMap) (decodedEvent, error) {
	if len(payload) == 0 || payload[0] != 0x00 {
		return decodedEvent{}, &cdcerr.ProtocolViolation{Detail: "binlog packet missing leading OK byte"}
	}
	r := wire.NewReader(payload[1:])
	hdr, err := parseEventHeader(r)
	if err != nil {
		return decodedEvent{}, err
	}

	body := r.Rest()
	if checksumLen > 0 && hdr.eventType != eventRotate {
		if len(body) < checksumLen {
			return decodedEvent{}, &cdcerr.ProtocolViolation{Detail: "event body shorter than checksum trailer"}
		}
		body = body[:len(body)-checksumLen]
	}

	switch hdr.eventType {
	case eventFormatDescription:
		fd, err := parseFormatDescription(body)
		if err != nil {
			return decodedEvent{}, err
		}
		return decodedEvent{header: hdr, formatDescription: &fd}, nil

	case eventRotate:
		// Rotate's trailing bytes are the tail of the filename, not a
		// checksum, regardless of checksumLen.
		rot, err := parseRotate(r.Rest())
		if err != nil {
			return decodedEvent{}, err
		}
		return decodedEvent{header: hdr, rotate: &rot}, nil

	case eventTableMap:
		tm, err := parseTableMap(body)
		if err != nil {
			return decodedEvent{}, err
		}
		return decodedEvent{header: hdr, tableMap: &tm}, nil

	case eventWriteRowsV0, eventWriteRowsV1, eventWriteRowsV2:
		return decodeInsertOrDelete(hdr, body, active, rowInsert)
	case eventDeleteRowsV0, eventDeleteRowsV1, eventDeleteRowsV2:
		return decodeInsertOrDelete(hdr, body, active, rowDelete)
	case eventUpdateRowsV0, eventUpdateRowsV1, eventUpdateRowsV2:
		return decodeUpdate(hdr, body, active)

	case eventXID:
		xr := wire.NewReader(body)
		xid, err := xr.U64()
		if err != nil {
			return decodedEvent{}, decodeErr("xid: value", err)
		}
		return decodedEvent{header: hdr, xid: &xid}, nil

	case eventGTID, eventAnonymousGTID, eventPreviousGTIDs:
		// Acknowledged but not interpreted: GTID tracking is orthogonal to
		// the (log_file, log_position) cursor this core maintains.
		return decodedEvent{header: hdr, unsupportedFeature: "gtid event (acknowledged, not decoded)"}, nil

	default:
		return decodedEvent{header: hdr, unsupportedFeature: fmt.Sprintf("binlog event type 0x%02x", hdr.eventType)}, nil
	}
}

func rowVersionHasExtra(eventType byte) bool {
	switch eventType {
	case eventWriteRowsV2, eventUpdateRowsV2, eventDeleteRowsV2:
		return true
	default:
		return false
	}
}

func decodeInsertOrDelete(hdr eventHeader, body []byte, active *tableMap, kind rowEventKind) (decodedEvent, error) {
	if active == nil {
		return decodedEvent{}, &cdcerr.ProtocolViolation{Detail: "row event received with no preceding TableMap"}
	}
	r := wire.NewReader(body)
	rh, err := parseRowHeader(r, rowVersionHasExtra(hdr.eventType))
	if err != nil {
		return decodedEvent{}, err
	}
	if rh.tableID != active.tableID {
		return decodedEvent{}, &cdcerr.ProtocolViolation{Detail: "row event table id does not match active TableMap"}
	}
	columnCount, err := r.LenEncInt()
	if err != nil {
		return decodedEvent{}, decodeErr("row event: column count", err)
	}
	if int(columnCount) != len(active.columns) {
		return decodedEvent{}, &cdcerr.ProtocolViolation{Detail: "row event column count does not match TableMap"}
	}

	rows, err := decodeRows(r, *active)
	if err != nil {
		return decodedEvent{}, err
	}
	return decodedEvent{header: hdr, rows: &rowsPayload{kind: kind, tableID: rh.tableID, flags: rh.flags, columns: rows}}, nil
}

func decodeUpdate(hdr eventHeader, body []byte, active *tableMap) (decodedEvent, error) {
	if active == nil {
		return decodedEvent{}, &cdcerr.ProtocolViolation{Detail: "row event received with no preceding TableMap"}
	}
	r := wire.NewReader(body)
	rh, err := parseRowHeader(r, rowVersionHasExtra(hdr.eventType))
	if err != nil {
		return decodedEvent{}, err
	}
	if rh.tableID != active.tableID {
		return decodedEvent{}, &cdcerr.ProtocolViolation{Detail: "row event table id does not match active TableMap"}
	}
	columnCount, err := r.LenEncInt()
	if err != nil {
		return decodedEvent{}, decodeErr("row event: column count", err)
	}
	if int(columnCount) != len(active.columns) {
		return decodedEvent{}, &cdcerr.ProtocolViolation{Detail: "row event column count does not match TableMap"}
	}

	before, after, err := decodeUpdateRows(r, *active)
	if err != nil {
		return decodedEvent{}, err
	}
	return decodedEvent{header: hdr, rows: &rowsPayload{
		kind: rowUpdate, tableID: rh.tableID, flags: rh.flags,
		beforeAfter: [2][][]event.Column{before, after},
	}}, nil
}
