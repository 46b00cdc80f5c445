package pgwire

import (
	"fmt"
	"strconv"
	"strings"
)

// formatLSN renders lsn in PostgreSQL's native "XXXXXXXX/XXXXXXXX" form
// (upper 32 bits, '/', lower 32 bits, both uppercase hex with no leading
// zero padding), as used in START_REPLICATION and status-update messages.
func formatLSN(lsn int64) string {
	return fmt.Sprintf("%X/%X", uint64(lsn)>>32, uint64(lsn)&0xFFFFFFFF)
}

// parseLSN parses PostgreSQL's native "XXXXXXXX/XXXXXXXX" LSN format, as
// returned by IDENTIFY_SYSTEM's xlogpos column.
func parseLSN(s string) (int64, error) {
	hi, lo, ok := strings.Cut(s, "/")
	if !ok {
		return 0, fmt.Errorf("pgwire: invalid lsn %q: expected hi/lo hex", s)
	}
	hiV, err := strconv.ParseUint(hi, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("pgwire: invalid lsn high bits %q: %w", hi, err)
	}
	loV, err := strconv.ParseUint(lo, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("pgwire: invalid lsn low bits %q: %w", lo, err)
	}
	return int64(hiV<<32 | loV), nil
}
