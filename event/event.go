// Package event defines the normalized row-change model emitted by both
// wire clients: Column, Value, and RowEvent. Everything upstream of
// this package is server-specific; everything downstream only ever sees
// these types.
package event

import (
	"fmt"
	"time"
)

// ColumnType is the normalized type of a column's value.
type ColumnType int

const (
	TypeI64 ColumnType = iota
	TypeU64
	TypeF64
	TypeDecimal
	TypeString
	TypeBytes
	TypeDate
	TypeTime
	TypeTimestamp
	TypeJSON
)

func (t ColumnType) String() string {
	switch t {
	case TypeI64:
		return "I64"
	case TypeU64:
		return "U64"
	case TypeF64:
		return "F64"
	case TypeDecimal:
		return "Decimal"
	case TypeString:
		return "String"
	case TypeBytes:
		return "Bytes"
	case TypeDate:
		return "Date"
	case TypeTime:
		return "Time"
	case TypeTimestamp:
		return "Timestamp"
	case TypeJSON:
		return "Json"
	}
	return fmt.Sprintf("ColumnType(%d)", int(t))
}

// Value is a disjoint normalized column value. Exactly one of the typed
// fields is meaningful, selected by Type; Null overrides all of them.
type Value struct {
	Type    ColumnType
	Null    bool
	I64     int64
	U64     uint64
	F64     float64
	Str     string
	Bytes   []byte
	Time    time.Time
	Decimal string // decimal textual representation, arbitrary precision
}

// NullValue returns the Null value for the given column type.
func NullValue(t ColumnType) Value {
	return Value{Type: t, Null: true}
}

// Column is a single normalized column: its name, nullability, declared
// type, and current value.
type Column struct {
	Name       string
	IsNullable bool
	Type       ColumnType
	Value      Value
}

// Kind distinguishes the three row-change shapes.
type Kind int

const (
	KindInsert Kind = iota
	KindUpdate
	KindDelete
)

func (k Kind) String() string {
	switch k {
	case KindInsert:
		return "Insert"
	case KindUpdate:
		return "Update"
	case KindDelete:
		return "Delete"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// RowEvent is the unified, server-agnostic row-change record.
//
//   - Insert carries Columns (the inserted row).
//   - Update carries Columns (the row after update) and Identity (the
//     pre-update column set used as the logical key for the changed row).
//   - Delete carries only Identity.
type RowEvent struct {
	Kind     Kind
	Schema   string
	Table    string
	Columns  []Column
	Identity []Column
}

func Insert(schema, table string, columns []Column) RowEvent {
	return RowEvent{Kind: KindInsert, Schema: schema, Table: table, Columns: columns}
}

func Update(schema, table string, columns, identity []Column) RowEvent {
	return RowEvent{Kind: KindUpdate, Schema: schema, Table: table, Columns: columns, Identity: identity}
}

func Delete(schema, table string, identity []Column) RowEvent {
	return RowEvent{Kind: KindDelete, Schema: schema, Table: table, Identity: identity}
}
