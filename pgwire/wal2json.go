package pgwire

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rowstream/cdc/cdcerr"
	"github.com/rowstream/cdc/event"
)

// wal2jsonMessage is one wal2json format-version 2 change message: the
// plugin emits one JSON object per Begin/Commit/Insert/Update/Delete/
// Truncate/Message rather than batching a transaction into one document.
type wal2jsonMessage struct {
	Action    string           `json:"action"`
	Schema    string           `json:"schema"`
	Table     string           `json:"table"`
	Columns   []wal2jsonColumn `json:"columns"`
	Identity  []wal2jsonColumn `json:"identity"`
	Xid       *uint64          `json:"xid"`
	Timestamp string           `json:"timestamp"`
}

type wal2jsonColumn struct {
	Name  string          `json:"name"`
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

// decodeWal2JSON unmarshals a single wal2json change document.
func decodeWal2JSON(payload []byte) (wal2jsonMessage, error) {
	var m wal2jsonMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return wal2jsonMessage{}, &cdcerr.DecodeError{Detail: "wal2json payload", Err: err}
	}
	return m, nil
}

// toRowEvent converts an Insert/Update/Delete wal2json message into a
// normalized event.RowEvent. Callers must not call this for Begin/Commit/
// Truncate/Message actions.
func (m wal2jsonMessage) toRowEvent() (event.RowEvent, error) {
	columns, err := decodeColumns(m.Columns)
	if err != nil {
		return event.RowEvent{}, err
	}
	identity, err := decodeColumns(m.Identity)
	if err != nil {
		return event.RowEvent{}, err
	}

	switch m.Action {
	case "I":
		return event.Insert(m.Schema, m.Table, columns), nil
	case "U":
		return event.Update(m.Schema, m.Table, columns, identity), nil
	case "D":
		// wal2json's Delete message carries its row in Identity, not
		// Columns; fall back to Columns for REPLICA IDENTITY FULL tables
		// where wal2json still populates it.
		if len(identity) == 0 {
			identity = columns
		}
		return event.Delete(m.Schema, m.Table, identity), nil
	default:
		return event.RowEvent{}, &cdcerr.ProtocolViolation{Detail: fmt.Sprintf("toRowEvent called for non-DML action %q", m.Action)}
	}
}

func decodeColumns(cols []wal2jsonColumn) ([]event.Column, error) {
	out := make([]event.Column, len(cols))
	for i, c := range cols {
		v, t, err := decodeColumnValue(c.Type, c.Value)
		if err != nil {
			return nil, &cdcerr.DecodeError{Detail: fmt.Sprintf("column %q", c.Name), Err: err}
		}
		out[i] = event.Column{Name: c.Name, Type: t, Value: v}
	}
	return out, nil
}

// decodeColumnValue maps a PostgreSQL type name (as wal2json reports it,
// e.g. "integer", "character varying(200)", "timestamp without time
// zone") to a normalized event.Value. wal2json includes type modifiers
// (length, precision) inline, so everything from the first "(" is dropped
// and the remaining name is matched exactly, ignoring case.
func decodeColumnValue(pgType string, raw json.RawMessage) (event.Value, event.ColumnType, error) {
	base := strings.TrimSpace(strings.SplitN(pgType, "(", 2)[0])

	if isNull(raw) {
		t := classify(base)
		return event.NullValue(t), t, nil
	}

	switch {
	case matchAny(base, "smallint", "integer", "bigint", "oid", "int2", "int4", "int8"):
		n, err := strconv.ParseInt(unquote(raw), 10, 64)
		if err != nil {
			return event.Value{}, 0, err
		}
		return event.Value{Type: event.TypeI64, I64: n}, event.TypeI64, nil

	case matchAny(base, "boolean", "bool"):
		b, err := strconv.ParseBool(unquote(raw))
		if err != nil {
			return event.Value{}, 0, err
		}
		n := int64(0)
		if b {
			n = 1
		}
		return event.Value{Type: event.TypeI64, I64: n}, event.TypeI64, nil

	case matchAny(base, "real", "double precision", "float4", "float8"):
		f, err := strconv.ParseFloat(unquote(raw), 64)
		if err != nil {
			return event.Value{}, 0, err
		}
		return event.Value{Type: event.TypeF64, F64: f}, event.TypeF64, nil

	case matchAny(base, "numeric", "decimal"):
		return event.Value{Type: event.TypeDecimal, Decimal: unquote(raw)}, event.TypeDecimal, nil

	case matchAny(base, "bytea"):
		b, err := decodeBytea(unquote(raw))
		if err != nil {
			return event.Value{}, 0, err
		}
		return event.Value{Type: event.TypeBytes, Bytes: b}, event.TypeBytes, nil

	case matchAny(base, "date"):
		t, err := time.Parse("2006-01-02", unquote(raw))
		if err != nil {
			return event.Value{}, 0, err
		}
		return event.Value{Type: event.TypeDate, Time: t}, event.TypeDate, nil

	case matchAny(base, "time without time zone", "time with time zone", "time"):
		return event.Value{Type: event.TypeTime, Str: unquote(raw)}, event.TypeTime, nil

	case matchAny(base, "timestamp without time zone", "timestamp with time zone", "timestamp", "timestamptz"):
		t, err := parseTimestamp(unquote(raw))
		if err != nil {
			return event.Value{}, 0, err
		}
		return event.Value{Type: event.TypeTimestamp, Time: t}, event.TypeTimestamp, nil

	case matchAny(base, "json", "jsonb"):
		return event.Value{Type: event.TypeJSON, Bytes: append([]byte{}, raw...)}, event.TypeJSON, nil

	default: // text, varchar, char, uuid, citext, and anything else wal2json renders as a quoted string
		return event.Value{Type: event.TypeString, Str: unquote(raw)}, event.TypeString, nil
	}
}

func classify(base string) event.ColumnType {
	switch {
	case matchAny(base, "smallint", "integer", "bigint", "oid", "int2", "int4", "int8", "boolean", "bool"):
		return event.TypeI64
	case matchAny(base, "real", "double precision", "float4", "float8"):
		return event.TypeF64
	case matchAny(base, "numeric", "decimal"):
		return event.TypeDecimal
	case matchAny(base, "bytea"):
		return event.TypeBytes
	case matchAny(base, "date"):
		return event.TypeDate
	case matchAny(base, "time without time zone", "time with time zone", "time"):
		return event.TypeTime
	case matchAny(base, "timestamp without time zone", "timestamp with time zone", "timestamp", "timestamptz"):
		return event.TypeTimestamp
	case matchAny(base, "json", "jsonb"):
		return event.TypeJSON
	default:
		return event.TypeString
	}
}

func matchAny(s string, candidates ...string) bool {
	s = strings.ToLower(s)
	for _, c := range candidates {
		if s == c {
			return true
		}
	}
	return false
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

// unquote strips a JSON string's surrounding quotes and escape sequences;
// for non-string JSON scalars (numbers, booleans) it returns the literal
// text unchanged.
func unquote(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// decodeBytea decodes wal2json's hex bytea representation: "\x" followed
// by an even number of hex digits.
func decodeBytea(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, `\x`)
	out := make([]byte, len(s)/2)
	for i := range out {
		b, err := strconv.ParseUint(s[i*2:i*2+2], 16, 8)
		if err != nil {
			return nil, fmt.Errorf("pgwire: bytea hex digit: %w", err)
		}
		out[i] = byte(b)
	}
	return out, nil
}

// parseTimestamp parses wal2json's space-separated timestamp format,
// trying with and without a zone offset.
func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range []string{
		"2006-01-02 15:04:05.999999-07",
		"2006-01-02 15:04:05.999999",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("pgwire: unrecognized timestamp format %q", s)
}
