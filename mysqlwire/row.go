package mysqlwire

import (
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/rowstream/cdc/cdcerr"
	"github.com/rowstream/cdc/event"
	"github.com/rowstream/cdc/wire"
)

// rowEventKind distinguishes Insert/Update/Delete regardless of which of
// the v0/v1/v2 type codes carried it.
type rowEventKind int

const (
	rowInsert rowEventKind = iota
	rowUpdate
	rowDelete
)

// rowHeader is the decoded, version-normalized prefix of a row event.
type rowHeader struct {
	tableID uint64
	flags   uint16
}

// parseRowHeader reads table_id, flags, and — for v2 events — skips the
// optional extras block (a u16 length including itself).
func parseRowHeader(r *wire.Reader, hasExtra bool) (rowHeader, error) {
	tableID, err := r.U48()
	if err != nil {
		return rowHeader{}, decodeErr("row event: table id", err)
	}
	flags, err := r.U16()
	if err != nil {
		return rowHeader{}, decodeErr("row event: flags", err)
	}
	if hasExtra {
		extraLen, err := r.U16()
		if err != nil {
			return rowHeader{}, decodeErr("row event: extra-data length", err)
		}
		if extraLen >= 2 {
			if err := r.Skip(int(extraLen) - 2); err != nil {
				return rowHeader{}, decodeErr("row event: extra data", err)
			}
		}
	}
	return rowHeader{tableID: tableID, flags: flags}, nil
}

// decodeRows decodes every row in a WRITE/DELETE row event (one
// columns-present bitmap shared by all rows) into normalized Columns.
func decodeRows(r *wire.Reader, tm tableMap) ([][]event.Column, error) {
	present, err := readPresentBitmap(r, len(tm.columns))
	if err != nil {
		return nil, err
	}

	var rows [][]event.Column
	for r.Len() > 0 {
		row, err := decodeRowImage(r, tm, present)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// decodeUpdateRows decodes an UPDATE row event, which carries two
// columns-present bitmaps (before-image, after-image) and iterates rows
// before/after pairwise.
func decodeUpdateRows(r *wire.Reader, tm tableMap) (before, after [][]event.Column, err error) {
	presentBefore, err := readPresentBitmap(r, len(tm.columns))
	if err != nil {
		return nil, nil, err
	}
	presentAfter, err := readPresentBitmap(r, len(tm.columns))
	if err != nil {
		return nil, nil, err
	}

	for r.Len() > 0 {
		b, err := decodeRowImage(r, tm, presentBefore)
		if err != nil {
			return nil, nil, err
		}
		a, err := decodeRowImage(r, tm, presentAfter)
		if err != nil {
			return nil, nil, err
		}
		before = append(before, b)
		after = append(after, a)
	}
	return before, after, nil
}

func readPresentBitmap(r *wire.Reader, columnCount int) ([]byte, error) {
	n := (columnCount + 7) / 8
	b, err := r.Next(n)
	if err != nil {
		return nil, decodeErr("row event: columns-present bitmap", err)
	}
	return b, nil
}

func bitSet(bitmap []byte, i int) bool {
	return bitmap[i/8]&(1<<uint(i%8)) != 0
}

// decodeRowImage decodes one row image: a null-bitmap sized to the number
// of present columns, followed by the present, non-null columns' values
// in column order.
func decodeRowImage(r *wire.Reader, tm tableMap, present []byte) ([]event.Column, error) {
	presentCount := 0
	for i := range tm.columns {
		if bitSet(present, i) {
			presentCount++
		}
	}

	nullBitmap, err := r.Next((presentCount + 7) / 8)
	if err != nil {
		return nil, decodeErr("row event: null bitmap", err)
	}

	columns := make([]event.Column, 0, presentCount)
	presentIdx := 0
	for i, cd := range tm.columns {
		if !bitSet(present, i) {
			continue
		}
		name := columnName(tm, i)
		isNull := bitSet(nullBitmap, presentIdx)
		presentIdx++

		if isNull {
			columns = append(columns, event.Column{
				Name: name, IsNullable: cd.nullable,
				Type: normalizedType(cd), Value: event.NullValue(normalizedType(cd)),
			})
			continue
		}

		val, err := decodeValue(r, cd)
		if err != nil {
			return nil, err
		}
		columns = append(columns, event.Column{Name: name, IsNullable: cd.nullable, Type: val.Type, Value: val})
	}
	return columns, nil
}

func columnName(tm tableMap, i int) string {
	if i < len(tm.names) {
		return tm.names[i]
	}
	return fmt.Sprintf("column_%d", i)
}

func normalizedType(cd columnDef) event.ColumnType {
	switch cd.typ {
	case ColumnTypeTiny, ColumnTypeShort, ColumnTypeInt24, ColumnTypeLong, ColumnTypeLongLong, ColumnTypeYear:
		if cd.unsigned {
			return event.TypeU64
		}
		return event.TypeI64
	case ColumnTypeFloat, ColumnTypeDouble:
		return event.TypeF64
	case ColumnTypeNewDecimal:
		return event.TypeDecimal
	case ColumnTypeDate, ColumnTypeNewDate, ColumnTypeDatetime, ColumnTypeDatetime2:
		return event.TypeDate
	case ColumnTypeTime, ColumnTypeTime2:
		return event.TypeTime
	case ColumnTypeTimestamp, ColumnTypeTimestamp2:
		return event.TypeTimestamp
	case ColumnTypeJSON:
		return event.TypeJSON
	case ColumnTypeBit:
		return event.TypeU64
	case ColumnTypeString:
		if cd.realType == ColumnTypeEnum || cd.realType == ColumnTypeSet {
			return event.TypeU64
		}
		return event.TypeString
	case ColumnTypeVarchar, ColumnTypeVarString:
		return event.TypeString
	default:
		return event.TypeBytes
	}
}

// decodeValue decodes a single non-null column value per its derived
// columnDef.
func decodeValue(r *wire.Reader, cd columnDef) (event.Value, error) {
	t := normalizedType(cd)

	switch cd.typ {
	case ColumnTypeTiny, ColumnTypeShort, ColumnTypeInt24, ColumnTypeLong, ColumnTypeLongLong:
		if cd.unsigned {
			u, err := r.UintLE(cd.packLength)
			if err != nil {
				return event.Value{}, decodeErr("row: integer column", err)
			}
			return event.Value{Type: t, U64: u}, nil
		}
		i, err := r.IntLE(cd.packLength)
		if err != nil {
			return event.Value{}, decodeErr("row: integer column", err)
		}
		return event.Value{Type: t, I64: i}, nil

	case ColumnTypeYear:
		b, err := r.U8()
		if err != nil {
			return event.Value{}, decodeErr("row: year column", err)
		}
		return event.Value{Type: t, I64: 1900 + int64(b)}, nil

	case ColumnTypeFloat:
		f, err := r.F32()
		if err != nil {
			return event.Value{}, decodeErr("row: float column", err)
		}
		return event.Value{Type: t, F64: float64(f)}, nil

	case ColumnTypeDouble:
		f, err := r.F64()
		if err != nil {
			return event.Value{}, decodeErr("row: double column", err)
		}
		return event.Value{Type: t, F64: f}, nil

	case ColumnTypeBit:
		u, err := r.UintLE(cd.packLength)
		if err != nil {
			return event.Value{}, decodeErr("row: bit column", err)
		}
		return event.Value{Type: t, U64: u}, nil

	case ColumnTypeNewDecimal:
		s, err := decodeLengthPrefixedBytes(r, cd)
		if err != nil {
			return event.Value{}, err
		}
		return event.Value{Type: t, Decimal: string(s)}, nil

	case ColumnTypeVarchar, ColumnTypeVarString:
		s, err := decodeLengthPrefixedBytes(r, cd)
		if err != nil {
			return event.Value{}, err
		}
		if !utf8.Valid(s) {
			return event.Value{}, &cdcerr.DecodeError{Detail: "row: VARCHAR column is not valid UTF-8"}
		}
		return event.Value{Type: t, Str: string(s)}, nil

	case ColumnTypeString:
		s, err := decodeLengthPrefixedBytes(r, cd)
		if err != nil {
			return event.Value{}, err
		}
		if cd.realType == ColumnTypeEnum || cd.realType == ColumnTypeSet {
			u, err := bytesToUintLE(s)
			if err != nil {
				return event.Value{}, decodeErr("row: enum/set column", err)
			}
			return event.Value{Type: t, U64: u}, nil
		}
		if !utf8.Valid(s) {
			return event.Value{}, &cdcerr.DecodeError{Detail: "row: STRING/CHAR column is not valid UTF-8"}
		}
		return event.Value{Type: t, Str: string(s)}, nil

	case ColumnTypeTinyBlob, ColumnTypeMediumBlob, ColumnTypeLongBlob, ColumnTypeBlob, ColumnTypeGeometry:
		b, err := decodeLengthPrefixedBytes(r, cd)
		if err != nil {
			return event.Value{}, err
		}
		return event.Value{Type: t, Bytes: b}, nil

	case ColumnTypeJSON:
		b, err := decodeLengthPrefixedBytes(r, cd)
		if err != nil {
			return event.Value{}, err
		}
		return event.Value{Type: t, Bytes: b}, nil

	case ColumnTypeTimestamp:
		u, err := r.U32()
		if err != nil {
			return event.Value{}, decodeErr("row: timestamp column", err)
		}
		return event.Value{Type: t, Time: time.Unix(int64(u), 0).UTC()}, nil

	case ColumnTypeTimestamp2:
		if cd.arbitrary {
			return event.Value{}, &cdcerr.UnsupportedFeature{Feature: "TIMESTAMP2 with nonzero fractional-second precision"}
		}
		// Unlike every other fixed-width field in the binlog, the *2
		// temporal types are packed big-endian.
		u, err := r.UintBE(4)
		if err != nil {
			return event.Value{}, decodeErr("row: timestamp2 column", err)
		}
		return event.Value{Type: t, Time: time.Unix(int64(u), 0).UTC()}, nil

	case ColumnTypeDate:
		u, err := r.U24()
		if err != nil {
			return event.Value{}, decodeErr("row: date column", err)
		}
		day := int(u & 0x1f)
		month := int((u >> 5) & 0xf)
		year := int(u >> 9)
		return event.Value{Type: t, Time: dateOrZero(year, month, day)}, nil

	case ColumnTypeNewDate:
		u, err := r.U24()
		if err != nil {
			return event.Value{}, decodeErr("row: newdate column", err)
		}
		day := int(u & 0x1f)
		month := int((u >> 5) & 0xf)
		year := int(u >> 9)
		return event.Value{Type: t, Time: dateOrZero(year, month, day)}, nil

	case ColumnTypeDatetime:
		u, err := r.U64()
		if err != nil {
			return event.Value{}, decodeErr("row: datetime column", err)
		}
		return event.Value{Type: t, Time: decodePackedDatetime(u)}, nil

	case ColumnTypeDatetime2:
		if cd.arbitrary {
			return event.Value{}, &cdcerr.UnsupportedFeature{Feature: "DATETIME2 with nonzero fractional-second precision"}
		}
		u, err := r.UintBE(5)
		if err != nil {
			return event.Value{}, decodeErr("row: datetime2 column", err)
		}
		return event.Value{Type: t, Time: decodeDatetime2(u)}, nil

	case ColumnTypeTime:
		u, err := r.U24()
		if err != nil {
			return event.Value{}, decodeErr("row: time column", err)
		}
		hour := int(u / 10000)
		minute := int((u / 100) % 100)
		second := int(u % 100)
		return event.Value{Type: t, Str: fmt.Sprintf("%02d:%02d:%02d", hour, minute, second)}, nil

	case ColumnTypeTime2:
		if cd.arbitrary {
			return event.Value{}, &cdcerr.UnsupportedFeature{Feature: "TIME2 with nonzero fractional-second precision"}
		}
		u, err := r.UintBE(3)
		if err != nil {
			return event.Value{}, decodeErr("row: time2 column", err)
		}
		hour := int((u >> 12) & 0x3ff)
		minute := int((u >> 6) & 0x3f)
		second := int(u & 0x3f)
		return event.Value{Type: t, Str: fmt.Sprintf("%02d:%02d:%02d", hour, minute, second)}, nil

	default:
		return event.Value{}, &cdcerr.UnsupportedFeature{Feature: fmt.Sprintf("row decode of column type 0x%02x", byte(cd.typ))}
	}
}

// decodeLengthPrefixedBytes reads a value prefixed by cd.packLength bytes
// of little-endian length, then that many raw bytes.
func decodeLengthPrefixedBytes(r *wire.Reader, cd columnDef) ([]byte, error) {
	n, err := r.UintLE(cd.packLength)
	if err != nil {
		return nil, decodeErr("row: length prefix", err)
	}
	b, err := r.Next(int(n))
	if err != nil {
		return nil, decodeErr("row: value bytes", err)
	}
	return b, nil
}

func bytesToUintLE(b []byte) (uint64, error) {
	if len(b) > 8 {
		return 0, fmt.Errorf("value too wide: %d bytes", len(b))
	}
	var v uint64
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v, nil
}

func dateOrZero(year, month, day int) time.Time {
	if year == 0 && month == 0 && day == 0 {
		return time.Time{}
	}
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
}

// decodePackedDatetime decodes the legacy 8-byte DATETIME encoding:
// YYYYMMDDhhmmss packed as a single decimal integer.
func decodePackedDatetime(packed uint64) time.Time {
	if packed == 0 {
		return time.Time{}
	}
	date := packed / 1000000
	timePart := packed % 1000000
	year := date / 10000
	month := (date / 100) % 100
	day := date % 100
	hour := timePart / 10000
	minute := (timePart / 100) % 100
	second := timePart % 100
	return time.Date(int(year), time.Month(month), int(day), int(hour), int(minute), int(second), 0, time.UTC)
}

// decodeDatetime2 decodes the zero-fractional-precision form of DATETIME2:
// a 5-byte big-endian field holding a signed integer-part value biased by
// 0x8000000000 (per MySQL's my_datetime_packed_from_binary).
func decodeDatetime2(raw uint64) time.Time {
	const datetimeIntPartBias = 0x8000000000
	ival := int64(raw) - datetimeIntPartBias
	if ival == 0 {
		return time.Time{}
	}
	ymd := ival >> 17
	ym := ymd >> 5
	day := int(ymd % (1 << 5))
	month := int(ym % 13)
	year := int(ym / 13)
	hms := ival % (1 << 17)
	second := int(hms % (1 << 6))
	minute := int((hms >> 6) % (1 << 6))
	hour := int(hms >> 12)
	return time.Date(year, time.Month(month), day, hour, minute, second, 0, time.UTC)
}
