package mysqlwire

import (
	"fmt"

	"github.com/rowstream/cdc/cdcerr"
	"github.com/rowstream/cdc/wire"
)

// Extended TableMap metadata TLV type bytes.
const (
	metaSignedness               byte = 0x01
	metaDefaultCharset           byte = 0x02
	metaColumnCharset            byte = 0x03
	metaColumnName               byte = 0x04
	metaSetStrValue              byte = 0x05
	metaEnumStrValue             byte = 0x06
	metaGeometryType             byte = 0x07
	metaSimplePrimaryKey         byte = 0x08
	metaPrimaryKeyWithPrefix     byte = 0x09
	metaEnumAndSetDefaultCharset byte = 0x0a
	metaEnumAndSetColumnCharset  byte = 0x0b
	metaColumnVisibility         byte = 0x0c
)

// tableMap is the per-table decoding schema derived from a TableMap event.
// Ownership is a micro state machine: the session driver holds
// at most one, set on TableMap and taken on the following row event.
type tableMap struct {
	tableID uint64
	schema  string
	table   string
	columns []columnDef
	names   []string // COLUMN_NAME metadata, parallel to columns; empty if absent
}

// parseTableMap decodes a TABLE_MAP_EVENT payload (after the common
// header).6.
func parseTableMap(payload []byte) (tableMap, error) {
	r := wire.NewReader(payload)

	tableID, err := r.U48()
	if err != nil {
		return tableMap{}, decodeErr("table map: table id", err)
	}
	if err := r.Skip(2); err != nil { // flags
		return tableMap{}, decodeErr("table map: flags", err)
	}

	schemaLen, err := r.U8()
	if err != nil {
		return tableMap{}, decodeErr("table map: schema length", err)
	}
	schemaBytes, err := r.Next(int(schemaLen))
	if err != nil {
		return tableMap{}, decodeErr("table map: schema", err)
	}
	if err := r.Skip(1); err != nil { // NUL
		return tableMap{}, decodeErr("table map: schema terminator", err)
	}

	tableLen, err := r.U8()
	if err != nil {
		return tableMap{}, decodeErr("table map: table length", err)
	}
	tableBytes, err := r.Next(int(tableLen))
	if err != nil {
		return tableMap{}, decodeErr("table map: table", err)
	}
	if err := r.Skip(1); err != nil { // NUL
		return tableMap{}, decodeErr("table map: table terminator", err)
	}

	columnCount, err := r.LenEncInt()
	if err != nil {
		return tableMap{}, decodeErr("table map: column count", err)
	}
	columnTypes, err := r.Next(int(columnCount))
	if err != nil {
		return tableMap{}, decodeErr("table map: column types", err)
	}
	// Copy: columnTypes slices the shared event payload, but we retain the
	// derived schema for the session's lifetime.
	types := make([]ColumnType, len(columnTypes))
	for i, b := range columnTypes {
		types[i] = ColumnType(b)
	}

	metaBuf, err := r.LenEncString()
	if err != nil {
		return tableMap{}, decodeErr("table map: column metadata", err)
	}

	nullBitmapLen := (int(columnCount) + 7) / 8
	nullBitmap, err := r.Next(nullBitmapLen)
	if err != nil {
		return tableMap{}, decodeErr("table map: null bitmap", err)
	}

	metas, err := splitColumnMetas(types, metaBuf)
	if err != nil {
		return tableMap{}, err
	}

	columns := make([]columnDef, len(types))
	for i, t := range types {
		nullable := nullBitmap[i/8]&(1<<(uint(i)%8)) != 0
		cd, err := deriveColumnDef(t, metas[i], nullable)
		if err != nil {
			return tableMap{}, err
		}
		columns[i] = cd
	}

	var names []string
	if r.Len() > 0 {
		ext, err := parseExtendedMetadata(r.Rest())
		if err != nil {
			return tableMap{}, err
		}
		applySignedness(columns, types, ext.signedness)
		names = ext.columnNames
	}

	return tableMap{
		tableID: tableID,
		schema:  string(schemaBytes),
		table:   string(tableBytes),
		columns: columns,
		names:   names,
	}, nil
}

// splitColumnMetas slices metaBuf into one sub-slice per column, per each
// column type's metadata width.
func splitColumnMetas(types []ColumnType, metaBuf []byte) ([][]byte, error) {
	metas := make([][]byte, len(types))
	off := 0
	for i, t := range types {
		width := metaWidth(t)
		if off+width > len(metaBuf) {
			return nil, &cdcerr.DecodeError{Detail: fmt.Sprintf("table map: column %d metadata truncated", i)}
		}
		metas[i] = metaBuf[off : off+width]
		off += width
	}
	return metas, nil
}

func metaWidth(t ColumnType) int {
	switch t {
	case ColumnTypeFloat, ColumnTypeDouble, ColumnTypeBlob, ColumnTypeTinyBlob,
		ColumnTypeMediumBlob, ColumnTypeLongBlob, ColumnTypeGeometry, ColumnTypeJSON:
		return 1
	case ColumnTypeVarchar, ColumnTypeBit, ColumnTypeVarString, ColumnTypeString, ColumnTypeNewDecimal:
		return 2
	default:
		return 0
	}
}

// deriveColumnDef builds the per-column decoding schema from its raw type
// and metadata bytes.
func deriveColumnDef(t ColumnType, meta []byte, nullable bool) (columnDef, error) {
	cd := columnDef{typ: t, nullable: nullable, unsigned: false}

	switch t {
	case ColumnTypeTiny:
		cd.packLength = 1
	case ColumnTypeShort, ColumnTypeYear:
		cd.packLength = 2
	case ColumnTypeInt24:
		cd.packLength = 3
	case ColumnTypeLong:
		cd.packLength = 4
	case ColumnTypeLongLong:
		cd.packLength = 8

	case ColumnTypeBit:
		if len(meta) < 2 {
			return cd, &cdcerr.DecodeError{Detail: "table map: BIT column missing metadata"}
		}
		cd.packLength = int(meta[1])
		if cd.packLength > 8 {
			return cd, &cdcerr.DecodeError{Detail: "table map: BIT column pack length > 8"}
		}

	case ColumnTypeNewDecimal:
		if len(meta) < 2 {
			return cd, &cdcerr.DecodeError{Detail: "table map: NEWDECIMAL column missing metadata"}
		}
		cd.precision = int(meta[0])
		cd.scale = int(meta[1])

	case ColumnTypeFloat:
		if len(meta) < 1 || meta[0] != 4 {
			return cd, &cdcerr.DecodeError{Detail: "table map: FLOAT pack length is not 4"}
		}
		cd.packLength = 4
	case ColumnTypeDouble:
		if len(meta) < 1 || meta[0] != 8 {
			return cd, &cdcerr.DecodeError{Detail: "table map: DOUBLE pack length is not 8"}
		}
		cd.packLength = 8

	case ColumnTypeVarchar, ColumnTypeVarString:
		if len(meta) < 2 {
			return cd, &cdcerr.DecodeError{Detail: "table map: VARCHAR column missing metadata"}
		}
		length := int(meta[0]) | int(meta[1])<<8
		if length > 255 {
			cd.packLength = 2
		} else {
			cd.packLength = 1
		}

	case ColumnTypeString:
		if len(meta) < 2 {
			return cd, &cdcerr.DecodeError{Detail: "table map: STRING column missing metadata"}
		}
		realType, length := decodeStringMeta(meta[0], meta[1])
		cd.realType = realType
		switch realType {
		case ColumnTypeEnum, ColumnTypeSet:
			cd.packLength = length
		default:
			if length > 255 {
				cd.packLength = 2
			} else {
				cd.packLength = 1
			}
		}

	case ColumnTypeTinyBlob, ColumnTypeMediumBlob, ColumnTypeLongBlob, ColumnTypeBlob, ColumnTypeGeometry:
		if len(meta) < 1 {
			return cd, &cdcerr.DecodeError{Detail: "table map: BLOB column missing metadata"}
		}
		if meta[0] > 4 {
			return cd, &cdcerr.DecodeError{Detail: "table map: BLOB pack length > 4"}
		}
		cd.packLength = int(meta[0])

	case ColumnTypeJSON:
		if len(meta) < 1 {
			return cd, &cdcerr.DecodeError{Detail: "table map: JSON column missing metadata"}
		}
		cd.packLength = int(meta[0])

	case ColumnTypeDate:
		cd.packLength = 3
	case ColumnTypeDatetime:
		cd.packLength = 8
	case ColumnTypeTime:
		cd.packLength = 3
	case ColumnTypeTimestamp:
		cd.packLength = 4

	case ColumnTypeDatetime2, ColumnTypeTime2, ColumnTypeTimestamp2:
		if len(meta) < 1 {
			return cd, &cdcerr.DecodeError{Detail: "table map: *2 temporal column missing metadata"}
		}
		cd.precision = int(meta[0])
		if cd.precision != 0 {
			cd.arbitrary = true
		}

	default:
		return cd, &cdcerr.UnsupportedFeature{Feature: fmt.Sprintf("column type 0x%02x", byte(t))}
	}

	return cd, nil
}

// decodeStringMeta disambiguates MYSQL_TYPE_STRING's overloaded two-byte
// metadata into (real_type, length) per the encoding MySQL itself uses:
// a CHAR column whose length exceeds 255 borrows two bits from the type
// byte to extend the length field.
func decodeStringMeta(byte0, byte1 byte) (realType ColumnType, length int) {
	if byte0&0x30 != 0x30 {
		length = int(byte1) | (int((byte0&0x30)^0x30) << 4)
		realType = ColumnType(byte0 | 0x30)
		return realType, length
	}
	return ColumnType(byte0), int(byte1)
}

type extendedMetadata struct {
	signedness  []byte
	columnNames []string
}

// parseExtendedMetadata walks the TLV stream following the null-bitmap.
// Only SIGNEDNESS and COLUMN_NAME are interpreted; other entries are
// skipped by length.
func parseExtendedMetadata(buf []byte) (extendedMetadata, error) {
	r := wire.NewReader(buf)
	var ext extendedMetadata

	for r.Len() > 0 {
		typ, err := r.U8()
		if err != nil {
			return ext, decodeErr("table map: extended metadata type", err)
		}
		length, err := r.LenEncInt()
		if err != nil {
			return ext, decodeErr("table map: extended metadata length", err)
		}
		value, err := r.Next(int(length))
		if err != nil {
			return ext, decodeErr("table map: extended metadata value", err)
		}

		switch typ {
		case metaSignedness:
			ext.signedness = value
		case metaColumnName:
			names, err := parseColumnNames(value)
			if err != nil {
				return ext, err
			}
			ext.columnNames = names
		case metaDefaultCharset, metaColumnCharset, metaSetStrValue, metaEnumStrValue,
			metaGeometryType, metaSimplePrimaryKey, metaPrimaryKeyWithPrefix,
			metaEnumAndSetDefaultCharset, metaEnumAndSetColumnCharset, metaColumnVisibility:
			// Not surfaced in the normalized model; acknowledged and skipped.
		}
	}
	return ext, nil
}

func parseColumnNames(buf []byte) ([]string, error) {
	r := wire.NewReader(buf)
	var names []string
	for r.Len() > 0 {
		name, err := r.LenEncString()
		if err != nil {
			return nil, decodeErr("table map: column name", err)
		}
		names = append(names, string(name))
	}
	return names, nil
}

// applySignedness scans the SIGNEDNESS bitmap MSB-first across only the
// integer-typed columns, setting columns[i].unsigned.
func applySignedness(columns []columnDef, types []ColumnType, signedness []byte) {
	if len(signedness) == 0 {
		return
	}
	j := 0
	for i, t := range types {
		if !isIntegerType(t) {
			continue
		}
		byteIdx := j / 8
		bitIdx := 7 - (j % 8)
		if byteIdx < len(signedness) {
			bit := signedness[byteIdx] & (1 << uint(bitIdx))
			columns[i].unsigned = bit != 0
		}
		j++
	}
}

func isIntegerType(t ColumnType) bool {
	switch t {
	case ColumnTypeTiny, ColumnTypeShort, ColumnTypeInt24, ColumnTypeLong, ColumnTypeLongLong:
		return true
	default:
		return false
	}
}
