package command

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/pgbackrest-go/pgbackrest/backup"
	"github.com/pgbackrest-go/pgbackrest/lock"
	"github.com/pgbackrest-go/pgbackrest/manifest"
	"github.com/pgbackrest-go/pgbackrest/pgerr"
	"github.com/pgbackrest-go/pgbackrest/procconfig"
	"github.com/pgbackrest-go/pgbackrest/repo"
	"github.com/pgbackrest-go/pgbackrest/repoinfo"
	"github.com/pgbackrest-go/pgbackrest/walseg"
	"github.com/pgbackrest-go/pgbackrest/worker/local"
)

func newBackupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Take a full, differential, or incremental backup of the primary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stanza, err := requiredStanza(cmd)
			if err != nil {
				return err
			}
			resolver, err := BuildResolver(cmd.Flags(), stanza)
			if err != nil {
				return err
			}
			pc := newProcCtx(cmd)
			stopMetrics, err := startMetrics(cmd, pc.Log)
			if err != nil {
				return err
			}
			defer stopMetrics()

			dataPath, err := resolver.Required(OptPgPath)
			if err != nil {
				return err
			}
			dsn, err := resolver.Required(OptPgDSN)
			if err != nil {
				return err
			}

			l, err := lock.Acquire(dataPath, stanza, "backup", pc.ExecID)
			if err != nil {
				return err
			}
			defer func() { _ = l.Release() }()

			repos, err := BuildRepos(cmd.Context(), resolver)
			if err != nil {
				return err
			}
			if len(repos) == 0 {
				return pgerr.New(pgerr.OptionRequiredError, "option repo1-type is required")
			}
			rawPrimary := repos[0].Repo
			primary := backupRepo(rawPrimary, stanza)

			conn, err := backup.Dial(dsn)
			if err != nil {
				return err
			}
			defer func() { _ = conn.Close() }()

			opts, err := backupRunOptions(cmd.Context(), resolver, stanza, dataPath, rawPrimary, conn)
			if err != nil {
				return err
			}

			targets := make([]backup.RepoTarget, 0, len(repos))
			for _, nr := range repos {
				targets = append(targets, backup.RepoTarget{Label: nr.Label, Repo: backupRepo(nr.Repo, stanza)})
			}

			processMax, err := resolver.Int(OptProcessMax, 4)
			if err != nil {
				return err
			}
			handler := backup.CopyHandler(targets, backup.DefaultChecksum)
			dispatch := newProgressDispatcher(local.NewInProcessDispatcher(processMax, handler), "copying backup files")
			defer func() { _ = dispatch.Close() }()

			m, stop, err := backup.Run(cmd.Context(), pc, conn, primary, dispatch, opts)
			if err != nil {
				return err
			}
			if !stop.WALFullyArchived {
				pc.Log.Warnf("backup %s completed but WAL segment %s was not confirmed archived", opts.Label, stop.MissingWALSegment)
			}
			pc.Log.Infof("backup %s complete: %d files, stop LSN %s", opts.Label, len(m.Files), m.StopLSN)
			return nil
		},
	}

	cmd.Flags().String(OptBackupType, "full", "backup type: full, diff, or incr")
	cmd.Flags().Bool(OptStartFast, false, "force an immediate checkpoint instead of waiting for the next scheduled one")
	cmd.Flags().Duration(OptDbTimeout, 3*time.Minute, "time allowed for the start/stop checkpoint")
	cmd.Flags().Bool(OptVerifyContent, false, "re-read prior-backup files to verify their checksum before referencing them")
	cmd.Flags().Bool(OptPre93, false, "target server predates the 9.3 timeline-aware segment naming")
	cmd.Flags().String(OptCompressType, "", "compression filter applied to copied files: none, zstd, or bzip2")
	cmd.Flags().Int(OptProcessMax, 4, "number of concurrent copy workers")
	cmd.Flags().Int(OptJobRetry, 1, "number of attempts before a copy job is considered failed")
	cmd.Flags().Int(OptSegmentSize, 16*1024*1024, "WAL segment size in bytes")
	return cmd
}

// backupLabel formats a backup's label in pgbackrest's own
// "<start-time>F|D|I" form, e.g. 20260730-153000F for a full backup.
func backupLabel(now time.Time, backupType backup.Type) string {
	suffix := map[backup.Type]string{backup.TypeFull: "F", backup.TypeDiff: "D", backup.TypeIncr: "I"}[backupType]
	return now.UTC().Format("20060102-150405") + suffix
}

// backupRunOptions assembles backup.RunOptions from resolved CLI options
// and the primary's current state. The segment a backup must verify
// archiving through is only known once Stop() completes the database's
// stop-backup call deep inside Run, so only the segment size is passed
// through here; Stop resolves the real stop segment itself from the LSN
// the database returns at that point.
func backupRunOptions(
	ctx context.Context, r *procconfig.Resolver, stanza, dataPath string, rawRepo repo.Repo, conn backup.PrimaryConn,
) (backup.RunOptions, error) {
	primary := backupRepo(rawRepo, stanza)
	backupType := backup.Type(r.String(OptBackupType, "full"))
	startFast, err := r.Bool(OptStartFast, false)
	if err != nil {
		return backup.RunOptions{}, err
	}
	dbTimeout, err := r.Duration(OptDbTimeout, 3*time.Minute)
	if err != nil {
		return backup.RunOptions{}, err
	}
	verifyContent, err := r.Bool(OptVerifyContent, false)
	if err != nil {
		return backup.RunOptions{}, err
	}
	pre93, err := r.Bool(OptPre93, false)
	if err != nil {
		return backup.RunOptions{}, err
	}
	compressType := r.String(OptCompressType, "")
	processMax, err := r.Int(OptProcessMax, 4)
	if err != nil {
		return backup.RunOptions{}, err
	}
	jobRetry, err := r.Int(OptJobRetry, 1)
	if err != nil {
		return backup.RunOptions{}, err
	}
	segSize, err := r.Int(OptSegmentSize, 16*1024*1024)
	if err != nil {
		return backup.RunOptions{}, err
	}

	if backupType != backup.TypeFull && backupType != backup.TypeDiff && backupType != backup.TypeIncr {
		return backup.RunOptions{}, pgerr.New(pgerr.ParamInvalidError, "type: unknown backup type %q", backupType)
	}

	var prior *manifest.Manifest
	if backupType != backup.TypeFull {
		info, err := repoinfo.LoadBackupInfo(ctx, primary)
		if err != nil {
			return backup.RunOptions{}, err
		}
		latest, ok := info.Latest()
		if !ok {
			return backup.RunOptions{}, pgerr.New(pgerr.RepoInvalidError, "no prior backup exists for a %s backup", backupType)
		}
		rc, err := primary.NewRead(ctx, latest.Label+"/manifest")
		if err != nil {
			return backup.RunOptions{}, err
		}
		defer rc.Close()
		buf := make([]byte, 0, 64*1024)
		tmp := make([]byte, 32*1024)
		for {
			n, rerr := rc.Read(tmp)
			buf = append(buf, tmp[:n]...)
			if rerr != nil {
				break
			}
		}
		prior, err = manifest.Unmarshal(buf)
		if err != nil {
			return backup.RunOptions{}, err
		}
	}

	lsn, err := conn.CurrentWALInsertLSN(ctx)
	if err != nil {
		return backup.RunOptions{}, err
	}
	currentSegment, err := segmentForLSN(1, lsn, walseg.Size(segSize))
	if err != nil {
		return backup.RunOptions{}, err
	}

	archiveStanzaRepo := archiveRepo(rawRepo, stanza)

	return backup.RunOptions{
		Label:          backupLabel(time.Now(), backupType),
		Type:           backupType,
		DataDir:        dataPath,
		StartFast:      startFast,
		DbTimeout:      dbTimeout,
		Pre93:          pre93,
		Prior:          prior,
		VerifyContent:  verifyContent,
		Reread:         rereadFunc(dataPath),
		Copy:           backup.Options{ProcessMax: processMax, JobRetry: jobRetry, CompressType: compressType},
		ArchiveExists:  archiveExistsFunc(ctx, archiveStanzaRepo),
		CurrentSegment: currentSegment,
		SegmentSize:    walseg.Size(segSize),
	}, nil
}

// rereadFunc opens a data-directory-relative path for a VerifyContent
// re-check of a prior backup's recorded checksum.
func rereadFunc(dataPath string) func(path string) (io.ReadCloser, error) {
	return func(path string) (io.ReadCloser, error) {
		return os.Open(filepath.Join(dataPath, path))
	}
}

// archiveExistsFunc checks a WAL segment's existence the same way
// archiveget.findSegment does, by archive-id prefixed object name; a
// segment's on-disk hash and compression suffix are not known ahead of
// time so an existence check instead lists the archive-id directory and
// matches the segment's name prefix.
func archiveExistsFunc(ctx context.Context, archiveStanza repo.Repo) func(seg walseg.Name) (bool, error) {
	return func(seg walseg.Name) (bool, error) {
		info, err := repoinfo.LoadArchiveInfo(ctx, archiveStanza)
		if err != nil {
			return false, err
		}
		archiveID, ok := info.CurrentArchiveID()
		if !ok {
			return false, nil
		}
		entries, err := archiveStanza.List(ctx, archiveID.String()+"/"+seg.LogLine())
		if err != nil {
			return false, nil
		}
		for _, e := range entries {
			if len(e.Name) >= 24 && e.Name[:24] == string(seg) {
				return true, nil
			}
		}
		return false, nil
	}
}
