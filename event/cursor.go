package event

import (
	"fmt"
	"strconv"
	"strings"
)

// BinlogCursor is a MySQL replication position: a log file name plus a byte
// offset into it. Cursors are totally ordered lexicographically by
// LogFile, then numerically by LogPosition, and advance monotonically
// across a session.
type BinlogCursor struct {
	LogFile     string
	LogPosition uint32
}

// Less reports whether c sorts before other.
func (c BinlogCursor) Less(other BinlogCursor) bool {
	if c.LogFile != other.LogFile {
		return c.LogFile < other.LogFile
	}
	return c.LogPosition < other.LogPosition
}

func (c BinlogCursor) String() string {
	return fmt.Sprintf("%s:%d", c.LogFile, c.LogPosition)
}

// WalCursor is a PostgreSQL replication position: a timeline id plus a
// write-ahead-log sequence number. On the wire it is hex-encoded as
// "tid/LSN-hex".
type WalCursor struct {
	TID int8
	LSN int64
}

// Less reports whether c sorts before other.
func (c WalCursor) Less(other WalCursor) bool {
	if c.TID != other.TID {
		return c.TID < other.TID
	}
	return c.LSN < other.LSN
}

func (c WalCursor) String() string {
	return fmt.Sprintf("%d/%X", c.TID, c.LSN)
}

// ParseWalCursor parses the "tid/lsn-hex" format produced by String.
func ParseWalCursor(s string) (WalCursor, error) {
	tidStr, lsnStr, ok := strings.Cut(s, "/")
	if !ok {
		return WalCursor{}, fmt.Errorf("event: invalid wal cursor %q: expected tid/lsn-hex", s)
	}
	tid, err := strconv.ParseInt(tidStr, 10, 8)
	if err != nil {
		return WalCursor{}, fmt.Errorf("event: invalid wal cursor tid %q: %w", tidStr, err)
	}
	lsn, err := strconv.ParseInt(lsnStr, 16, 64)
	if err != nil {
		return WalCursor{}, fmt.Errorf("event: invalid wal cursor lsn %q: %w", lsnStr, err)
	}
	return WalCursor{TID: int8(tid), LSN: lsn}, nil
}
