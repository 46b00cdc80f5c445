package pgwire

import (
	"fmt"

	"github.com/jackc/pgproto3/v2"

	"github.com/rowstream/cdc/cdcerr"
)

// Row is one result row from Query: raw column text bytes in column
// order, nil for SQL NULL. Used only for the short config lookups
// (IDENTIFY_SYSTEM, slot existence checks) the session driver issues
// before starting replication — never for application queries.
type Row [][]byte

// Query sends a single simple Query message and reads back RowDescription,
// DataRow*, and CommandComplete, terminated by ReadyForQuery. Multiple
// statements separated by ';' each produce their own RowDescription/
// CommandComplete pair; Query returns only the last one's rows.
func (c *Client) Query(sql string) ([]Row, error) {
	if err := c.frontend.Send(&pgproto3.Query{String: sql}); err != nil {
		return nil, &cdcerr.TransportFailure{Op: "send query", Err: err}
	}

	var rows []Row
	for {
		msg, err := c.frontend.Receive()
		if err != nil {
			return nil, &cdcerr.TransportFailure{Op: "receive query response", Err: err}
		}
		switch m := msg.(type) {
		case *pgproto3.RowDescription:
			rows = nil
		case *pgproto3.DataRow:
			row := make(Row, len(m.Values))
			for i, v := range m.Values {
				if v == nil {
					continue
				}
				row[i] = append([]byte{}, v...)
			}
			rows = append(rows, row)
		case *pgproto3.CommandComplete:
			// Keep reading in case more statements follow; ReadyForQuery
			// ends the exchange.
		case *pgproto3.EmptyQueryResponse:
		case *pgproto3.NoticeResponse:
		case *pgproto3.ReadyForQuery:
			return rows, nil
		case *pgproto3.ErrorResponse:
			return nil, serverError(m)
		default:
			return nil, &cdcerr.ProtocolViolation{Detail: fmt.Sprintf("unexpected query response message %T", msg)}
		}
	}
}

// QueryRow runs sql and returns its single result row, or an error if it
// produced zero or more than one row.
func (c *Client) QueryRow(sql string) (Row, error) {
	rows, err := c.Query(sql)
	if err != nil {
		return nil, err
	}
	if len(rows) != 1 {
		return nil, &cdcerr.ProtocolViolation{Detail: fmt.Sprintf("query %q returned %d rows, want 1", sql, len(rows))}
	}
	return rows[0], nil
}
