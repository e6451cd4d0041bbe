package backup

import "strconv"

// BackupMode is the protocol a backup uses to bracket itself against the
// database: exclusive (the legacy pg_start_backup/pg_stop_backup pair
// that writes backup_label into the data directory) or non-exclusive
// (the modern pg_backup_start/pg_backup_stop pair, which returns the
// label and tablespace map as query results instead of files).
type BackupMode int

const (
	ModeExclusive BackupMode = iota
	ModeNonExclusive
)

// ModeFor resolves the backup protocol for a server reporting majorVersion
// (e.g. "9.5", "9.6", "15", "16"), encoded as a small explicit table
// rather than scattered version conditionals:
//
//   - < 9.6: exclusive only.
//   - 9.6 through 14: exclusive is forbidden, non-exclusive required.
//   - >= 15: only non-exclusive exists; pg_start_backup/pg_stop_backup
//     were removed from the server entirely.
//
// All three bands resolve to the same answer (non-exclusive) once a
// server is new enough to forbid exclusive backup, but the table is kept
// explicit rather than collapsed because the three bands have distinct
// failure semantics if this module ever needs to report which rule fired.
func ModeFor(majorVersion string) (BackupMode, error) {
	major, err := parseMajor(majorVersion)
	if err != nil {
		return 0, err
	}
	if major < 96 {
		return ModeExclusive, nil
	}
	return ModeNonExclusive, nil
}

// parseMajor normalizes a Postgres version string to a comparable integer:
// "9.6" -> 96, "15" -> 1500, "16.2" -> 1600. Only the major release
// matters for the exclusive/non-exclusive decision.
func parseMajor(v string) (int, error) {
	if len(v) >= 2 && v[0] == '9' && v[1] == '.' {
		minor, err := strconv.Atoi(v[2:])
		if err != nil {
			return 0, err
		}
		return 90 + minor, nil
	}
	end := len(v)
	for i, c := range v {
		if c == '.' {
			end = i
			break
		}
	}
	major, err := strconv.Atoi(v[:end])
	if err != nil {
		return 0, err
	}
	return major * 100, nil
}
