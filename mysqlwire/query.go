package mysqlwire

import (
	"fmt"

	"github.com/rowstream/cdc/cdcerr"
	"github.com/rowstream/cdc/wire"
)

const comQuery byte = 0x03

// Row is one result row from Query: raw column bytes in column order, nil
// for SQL NULL. No type coercion is performed; callers of Query already
// know what they asked for (a scalar config check, a COM_REGISTER_SLAVE
// precondition), not arbitrary application rows.
type Row [][]byte

// Query sends a single COM_QUERY and reads back the column-count,
// column-definition, and row packets. It expects the CLIENT_DEPRECATE_EOF
// layout (no EOF packet between the column definitions and the rows) and
// does not check whether the server negotiated that capability; against a
// server that did not, the intermediate EOF packet ends the read and no
// rows are returned. Used only for the short config lookups and SET
// statements the session driver issues before starting replication —
// never for application queries.
func (c *Client) Query(sql string) ([]Row, error) {
	c.resetSequence()

	payload := append([]byte{comQuery}, []byte(sql)...)
	if err := c.pw.writePacket(payload); err != nil {
		return nil, fmt.Errorf("mysqlwire: send query: %w", err)
	}

	first, err := c.pr.readPacket()
	if err != nil {
		return nil, fmt.Errorf("mysqlwire: read query response: %w", err)
	}
	if len(first) == 0 {
		return nil, &cdcerr.ProtocolViolation{Detail: "empty query response"}
	}

	switch first[0] {
	case respOK:
		return nil, nil
	case respErr:
		return nil, parseErrPacket(first)
	}

	r := wire.NewReader(first)
	columnCount, err := r.LenEncInt()
	if err != nil {
		return nil, decodeErr("query: column count", err)
	}

	for i := uint64(0); i < columnCount; i++ {
		if _, err := c.pr.readPacket(); err != nil {
			return nil, fmt.Errorf("mysqlwire: read column definition %d: %w", i, err)
		}
	}

	var rows []Row
	for {
		pkt, err := c.pr.readPacket()
		if err != nil {
			return nil, fmt.Errorf("mysqlwire: read row: %w", err)
		}
		if len(pkt) == 0 {
			return nil, &cdcerr.ProtocolViolation{Detail: "empty row packet"}
		}
		if pkt[0] == respErr {
			return nil, parseErrPacket(pkt)
		}
		if pkt[0] == respEOF && len(pkt) < 9 {
			break
		}
		if pkt[0] == respOK {
			break
		}
		row, err := decodeTextRow(pkt, int(columnCount))
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// QueryRow runs sql and returns its single result row, or an error if it
// produced zero or more than one row.
func (c *Client) QueryRow(sql string) (Row, error) {
	rows, err := c.Query(sql)
	if err != nil {
		return nil, err
	}
	if len(rows) != 1 {
		return nil, &cdcerr.ProtocolViolation{Detail: fmt.Sprintf("expected 1 row from %q, got %d", sql, len(rows))}
	}
	return rows[0], nil
}

// Exec runs sql and discards any result rows, returning only the error (if
// any). Used for the session-variable SET statements in the bootstrap
// sequence.
func (c *Client) Exec(sql string) error {
	_, err := c.Query(sql)
	return err
}

func decodeTextRow(pkt []byte, columnCount int) (Row, error) {
	r := wire.NewReader(pkt)
	row := make(Row, 0, columnCount)
	for i := 0; i < columnCount; i++ {
		n, isNull, err := lenEncIntOrNull(r)
		if err != nil {
			return nil, decodeErr("row: column length", err)
		}
		if isNull {
			row = append(row, nil)
			continue
		}
		val, err := r.Next(int(n))
		if err != nil {
			return nil, decodeErr("row: column value", err)
		}
		row = append(row, append([]byte{}, val...))
	}
	return row, nil
}

// lenEncIntOrNull reads a length-encoded integer, treating the 0xFB NULL
// marker as a valid (and distinct) outcome rather than an error.
func lenEncIntOrNull(r *wire.Reader) (n uint64, isNull bool, err error) {
	b, err := r.U8()
	if err != nil {
		return 0, false, err
	}
	switch {
	case b < 0xFB:
		return uint64(b), false, nil
	case b == 0xFB:
		return 0, true, nil
	case b == 0xFC:
		n, err = r.UintLE(2)
	case b == 0xFD:
		n, err = r.UintLE(3)
	case b == 0xFE:
		n, err = r.UintLE(8)
	default:
		return 0, false, fmt.Errorf("wire: reserved length-encoded integer marker 0xFF")
	}
	return n, false, err
}
