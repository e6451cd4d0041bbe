package backup

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/pgbackrest-go/pgbackrest/pgerr"
)

// PrimaryConn is the subset of the primary database connection the start
// and stop protocols need, narrowed to an interface so tests exercise the
// protocol without a live server.
type PrimaryConn interface {
	Identify(ctx context.Context) (pgVersion, systemID string, err error)
	StartBackup(ctx context.Context, mode BackupMode, label string, fast bool) (startLSN string, err error)
	StopBackup(ctx context.Context, mode BackupMode) (stopLSN, label, tablespaceMap string, err error)
	CurrentWALInsertLSN(ctx context.Context) (string, error)
	CheckpointTimeoutSeconds(ctx context.Context) (int, error)
	Close() error
}

// pqConn implements PrimaryConn over database/sql with the lib/pq driver,
// the same pairing Andrew50-peripheral's backend uses for its Postgres
// connections (database/sql QueryRow/Scan, pq registered as the driver).
type pqConn struct {
	db *sql.DB
}

// Dial opens a primary connection using connStr (a standard
// libpq-format connection string).
func Dial(connStr string) (PrimaryConn, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, pgerr.Wrap(pgerr.DbConnectError, err, "open primary connection")
	}
	return &pqConn{db: db}, nil
}

func (c *pqConn) Identify(ctx context.Context) (string, string, error) {
	var version, systemID string
	err := c.db.QueryRowContext(ctx, "SHOW server_version_num").Scan(&version)
	if err != nil {
		return "", "", pgerr.Wrap(pgerr.DbConnectError, err, "query server_version_num")
	}
	err = c.db.QueryRowContext(ctx, "SELECT system_identifier FROM pg_control_system()").Scan(&systemID)
	if err != nil {
		return "", "", pgerr.Wrap(pgerr.DbConnectError, err, "query pg_control_system")
	}
	return version, systemID, nil
}

func (c *pqConn) StartBackup(ctx context.Context, mode BackupMode, label string, fast bool) (string, error) {
	var lsn string
	var err error
	if mode == ModeExclusive {
		err = c.db.QueryRowContext(ctx, "SELECT pg_start_backup($1, $2)", label, fast).Scan(&lsn)
	} else {
		err = c.db.QueryRowContext(ctx, "SELECT lsn FROM pg_backup_start($1, $2)", label, fast).Scan(&lsn)
	}
	if err != nil {
		return "", pgerr.Wrap(pgerr.DbConnectError, err, "start backup")
	}
	return lsn, nil
}

func (c *pqConn) StopBackup(ctx context.Context, mode BackupMode) (string, string, string, error) {
	if mode == ModeExclusive {
		var lsn string
		if err := c.db.QueryRowContext(ctx, "SELECT pg_stop_backup()").Scan(&lsn); err != nil {
			return "", "", "", pgerr.Wrap(pgerr.DbConnectError, err, "stop exclusive backup")
		}
		return lsn, "", "", nil
	}

	var lsn, label, tablespaceMap string
	err := c.db.QueryRowContext(ctx, "SELECT lsn, labelfile, spcmapfile FROM pg_backup_stop()").Scan(&lsn, &label, &tablespaceMap)
	if err != nil {
		return "", "", "", pgerr.Wrap(pgerr.DbConnectError, err, "stop non-exclusive backup")
	}
	return lsn, label, tablespaceMap, nil
}

func (c *pqConn) CurrentWALInsertLSN(ctx context.Context) (string, error) {
	var lsn string
	if err := c.db.QueryRowContext(ctx, "SELECT pg_current_wal_insert_lsn()").Scan(&lsn); err != nil {
		return "", pgerr.Wrap(pgerr.DbConnectError, err, "query current WAL insert LSN")
	}
	return lsn, nil
}

func (c *pqConn) CheckpointTimeoutSeconds(ctx context.Context) (int, error) {
	var setting, unit string
	err := c.db.QueryRowContext(ctx, "SELECT setting, unit FROM pg_settings WHERE name = 'checkpoint_timeout'").Scan(&setting, &unit)
	if err != nil {
		return 0, pgerr.Wrap(pgerr.DbConnectError, err, "query checkpoint_timeout")
	}
	var value int
	if _, err := fmt.Sscanf(setting, "%d", &value); err != nil {
		return 0, pgerr.New(pgerr.FormatError, "unparseable checkpoint_timeout %q", setting)
	}
	switch unit {
	case "s", "":
		return value, nil
	case "min":
		return value * 60, nil
	case "ms":
		return value / 1000, nil
	default:
		return 0, pgerr.New(pgerr.FormatError, "unrecognized checkpoint_timeout unit %q", unit)
	}
}

func (c *pqConn) Close() error { return c.db.Close() }
