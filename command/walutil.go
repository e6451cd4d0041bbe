package command

import (
	"github.com/pgbackrest-go/pgbackrest/walseg"
)

// segmentForLSN converts a "XXXXXXXX/XXXXXXXX" LSN as returned by
// pg_current_wal_insert_lsn()/pg_walfile_name() into the WAL segment that
// contains it. The timeline is not observable through PrimaryConn, so the
// backup and restore commands pass the timeline they already have
// independent evidence for (the stanza's archive-id history has none, so
// 1 is used for a stanza's first backup, matching a freshly initialized
// cluster).
func segmentForLSN(timeline uint32, lsn string, segSize walseg.Size) (walseg.Name, error) {
	return walseg.ForLSN(timeline, lsn, segSize)
}
