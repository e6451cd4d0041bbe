// Package backup implements the backup engine: the start protocol that
// brackets a backup against the primary, manifest construction via a
// directory walk plus prior-manifest diffing, the largest-file-first copy
// scheduler, and the stop protocol that verifies WAL continuity and
// persists the manifest. Grounded on Coordinator.Run's task-channel
// dispatch for the copy scheduler and manifest.S3Loader.Load's
// fetch-then-decode shape for manifest construction, repointed at backup
// file manifests instead of export manifests.
package backup

import (
	"context"
	"io"
	"time"

	"github.com/pgbackrest-go/pgbackrest/manifest"
	"github.com/pgbackrest-go/pgbackrest/page"
	"github.com/pgbackrest-go/pgbackrest/pgerr"
	"github.com/pgbackrest-go/pgbackrest/pgmetrics"
	"github.com/pgbackrest-go/pgbackrest/procctx"
	"github.com/pgbackrest-go/pgbackrest/repo"
	"github.com/pgbackrest-go/pgbackrest/repoinfo"
	"github.com/pgbackrest-go/pgbackrest/walseg"
	"github.com/pgbackrest-go/pgbackrest/worker"
)

// Type is the backup's relationship to its prior backup.
type Type string

const (
	TypeFull Type = "full"
	TypeDiff Type = "diff"
	TypeIncr Type = "incr"
)

// StartResult is everything the start protocol establishes that the rest
// of the backup needs: the resolved mode, the LSN to bracket page checks
// against, and the WAL segment to verify archived at stop.
type StartResult struct {
	Mode         BackupMode
	PgVersion    string
	PgSystemID   string
	ArchiveID    string
	StartLSN     string
	WALCheckSeg  walseg.Name
	CheckpointOK bool
}

// Start implements the §4.4 start protocol: validate the primary's
// identity against the repository's archive info, resolve the backup
// mode for its version, and begin the backup.
func Start(ctx context.Context, conn PrimaryConn, r repo.Repo, label string, startFast bool, dbTimeout time.Duration, pre93 bool, currentSegment walseg.Name) (StartResult, []string, error) {
	pgVersion, systemID, err := conn.Identify(ctx)
	if err != nil {
		return StartResult{}, nil, err
	}

	archiveInfo, err := repoinfo.LoadArchiveInfo(ctx, r)
	if err != nil {
		return StartResult{}, nil, err
	}
	if archiveInfo.PgSystemID != "" && archiveInfo.PgSystemID != systemID {
		return StartResult{}, nil, pgerr.New(pgerr.DbMismatchError, "primary system-id %s does not match repository system-id %s", systemID, archiveInfo.PgSystemID)
	}
	archiveID, ok := archiveInfo.CurrentArchiveID()
	if !ok {
		return StartResult{}, nil, pgerr.New(pgerr.RepoInvalidError, "repository has no archive-id history for this stanza")
	}

	mode, err := ModeFor(pgVersion)
	if err != nil {
		return StartResult{}, nil, err
	}

	var warnings []string
	if !startFast {
		timeoutSec, cerr := conn.CheckpointTimeoutSeconds(ctx)
		if cerr == nil && dbTimeout < time.Duration(timeoutSec)*time.Second {
			warnings = append(warnings, "db-timeout is less than the database's checkpoint_timeout and start-fast is off; the backup start checkpoint may not complete in time")
		}
	}

	startLSN, err := conn.StartBackup(ctx, mode, label, startFast)
	if err != nil {
		return StartResult{}, warnings, err
	}

	checkSeg, err := walseg.Next(currentSegment, pre93)
	if err != nil {
		return StartResult{}, warnings, err
	}

	return StartResult{
		Mode:        mode,
		PgVersion:   pgVersion,
		PgSystemID:  systemID,
		ArchiveID:   archiveID.String(),
		StartLSN:    startLSN,
		WALCheckSeg: checkSeg,
	}, warnings, nil
}

// StopResult is what the stop protocol produces: the final LSN, the
// backup-label and tablespace-map bytes the database emitted (populated
// for non-exclusive backups; exclusive backups write backup_label
// directly into the data directory instead), and whether every WAL
// segment between start and stop was confirmed archived.
type StopResult struct {
	StopLSN           string
	Label             string
	TablespaceMap     string
	WALFullyArchived  bool
	MissingWALSegment walseg.Name
}

// Stop implements the §4.4 stop protocol: issue stop-backup, resolve the
// segment containing the LSN it returns, then verify that every WAL
// segment from startSeg through that stop segment is present in the
// repository before the backup is considered durable. Resolving stopSeg
// only after StopBackup returns (rather than approximating it ahead of
// time from some earlier LSN sample) is what guarantees it always lands
// at or after startSeg, so the loop below is guaranteed to terminate by
// the equality check rather than only by a missing-segment finding.
func Stop(ctx context.Context, conn PrimaryConn, archiveExists func(seg walseg.Name) (bool, error), startSeg walseg.Name, segSize walseg.Size, pre93 bool, mode BackupMode) (StopResult, error) {
	stopLSN, label, tsMap, err := conn.StopBackup(ctx, mode)
	if err != nil {
		return StopResult{}, err
	}

	timeline, err := startSeg.TimelineNum()
	if err != nil {
		return StopResult{}, err
	}
	stopSeg, err := walseg.ForLSN(timeline, stopLSN, segSize)
	if err != nil {
		return StopResult{}, err
	}

	result := StopResult{StopLSN: stopLSN, Label: label, TablespaceMap: tsMap, WALFullyArchived: true}

	for seg := startSeg; ; {
		ok, aerr := archiveExists(seg)
		if aerr != nil {
			return result, aerr
		}
		if !ok {
			result.WALFullyArchived = false
			result.MissingWALSegment = seg
			return result, nil
		}
		if seg == stopSeg {
			return result, nil
		}
		next, nerr := walseg.Next(seg, pre93)
		if nerr != nil {
			return result, nerr
		}
		seg = next
	}
}

// PersistManifest saves the completed manifest and its .copy companion to
// the backup's directory in the repository, then updates backup.info
// under the caller-held stanza lock.
func PersistManifest(ctx context.Context, r repo.Repo, backupLabel string, m *manifest.Manifest, entry repoinfo.BackupEntry) error {
	data, err := manifest.Marshal(m)
	if err != nil {
		return err
	}
	if err := writeObject(ctx, r, backupLabel+"/manifest.copy", data); err != nil {
		return err
	}
	if err := writeObject(ctx, r, backupLabel+"/manifest", data); err != nil {
		return err
	}

	info, err := repoinfo.LoadBackupInfo(ctx, r)
	if err != nil {
		info = &repoinfo.BackupInfo{PgVersion: m.PgVersion, PgSystemID: m.PgSystemID}
	}
	info.Backups = append(info.Backups, entry)
	return repoinfo.SaveBackupInfo(ctx, r, info)
}

func writeObject(ctx context.Context, r repo.Repo, path string, data []byte) error {
	w, err := r.NewWrite(ctx, path)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return pgerr.Wrap(pgerr.FileWriteError, err, "write %s", path)
	}
	return w.Close()
}

// BuildJobs turns a manifest's file list into copy jobs, skipping files
// already marked as referenced (unchanged from a prior backup, so their
// bytes live in the ancestor and are never re-copied) and flagging
// relation-file paths (under base/ or pg_tblspc/) for page verification.
func BuildJobs(m *manifest.Manifest, dataDir, backupLabel string) []Job {
	var jobs []Job
	for _, f := range m.Files {
		if f.Reference != "" {
			continue
		}
		jobs = append(jobs, Job{
			File:       f,
			SourcePath: dataDir + "/" + f.Path,
			RepoPath:   backupLabel + "/" + f.Path,
			PageVerify: isRelationFile(f.Path),
		})
	}
	return jobs
}

func isRelationFile(path string) bool {
	return hasPrefix(path, "base/") || hasPrefix(path, "global/") || hasPrefix(path, "pg_tblspc/")
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// ApplyJobResults folds the copy scheduler's per-path results back into
// the manifest: hash, size, and page-check verdict for each copied file.
func ApplyJobResults(m *manifest.Manifest, results map[string]CopyResult) {
	for i := range m.Files {
		f := &m.Files[i]
		res, ok := results[f.Path]
		if !ok {
			continue
		}
		f.Hash = res.Hash
		f.Size = res.Size
		if res.PageResult != nil {
			f.Checksum = &manifest.PageCheck{Valid: res.PageResult.Valid, Align: res.PageResult.Align}
		}
	}
}

// DefaultChecksum is a permissive page.ChecksumFunc used when no real
// checksum algorithm is wired in (checksums are disabled on the cluster,
// or a caller has not configured one); every page is treated as valid.
func DefaultChecksum(pageBytes []byte, block page.BlockNumber) bool { return true }

// RunOptions configures a single end-to-end backup invocation.
type RunOptions struct {
	Label          string
	Type           Type
	DataDir        string
	StartFast      bool
	DbTimeout      time.Duration
	Pre93          bool
	Tablespaces    map[string]string
	Prior          *manifest.Manifest
	VerifyContent  bool
	Reread         func(path string) (io.ReadCloser, error)
	Copy           Options
	ArchiveExists  func(seg walseg.Name) (bool, error)
	CurrentSegment walseg.Name
	SegmentSize    walseg.Size
}

// Run executes the full §4.4 backup protocol against one primary and the
// repositories reachable through dispatch/targets: start, build and diff
// the manifest, schedule the copy, stop, and persist. The caller owns the
// per-stanza lock across this call.
func Run(ctx context.Context, pc *procctx.Context, conn PrimaryConn, r repo.Repo, dispatch worker.Dispatcher, opts RunOptions) (*manifest.Manifest, StopResult, error) {
	runStart := pc.Now()
	defer func() {
		pgmetrics.RecordBackupDuration(string(opts.Type), pc.Now().Sub(runStart).Seconds())
	}()

	start, warnings, err := Start(ctx, conn, r, opts.Label, opts.StartFast, opts.DbTimeout, opts.Pre93, opts.CurrentSegment)
	if err != nil {
		return nil, StopResult{}, err
	}
	for _, w := range warnings {
		pc.Log.Warnf("%s", w)
	}

	m, err := BuildManifest(opts.DataDir, opts.Tablespaces)
	if err != nil {
		return nil, StopResult{}, err
	}
	m.Label = opts.Label
	m.PgVersion = start.PgVersion
	m.PgSystemID = start.PgSystemID
	m.Type = string(opts.Type)
	m.StartLSN = start.StartLSN
	m.CompressType = opts.Copy.CompressType

	if opts.Type != TypeFull && opts.Prior != nil {
		m.Prior = opts.Prior.Label
		if err := manifest.DiffAgainstPrior(m, opts.Prior, opts.VerifyContent, opts.Reread); err != nil {
			return nil, StopResult{}, err
		}
	}

	referenced := 0
	for _, f := range m.Files {
		if f.Reference != "" {
			referenced++
		}
	}
	pgmetrics.BackupFilesTotal.WithLabelValues("referenced").Add(float64(referenced))

	jobs := BuildJobs(m, opts.DataDir, opts.Label)
	results, err := Schedule(ctx, pc, dispatch, jobs, opts.Copy)
	if err != nil {
		return nil, StopResult{}, err
	}
	ApplyJobResults(m, results)

	for _, res := range results {
		pgmetrics.RecordBackupFile("copied", res.Size)
	}

	stop, err := Stop(ctx, conn, opts.ArchiveExists, start.WALCheckSeg, opts.SegmentSize, opts.Pre93, start.Mode)
	if err != nil {
		return m, stop, err
	}
	m.StopLSN = stop.StopLSN

	entry := repoinfo.BackupEntry{
		Label:     opts.Label,
		Type:      string(opts.Type),
		PgVersion: start.PgVersion,
		ArchiveID: start.ArchiveID,
		Prior:     m.Prior,
		StartLSN:  start.StartLSN,
		StopLSN:   stop.StopLSN,
		StopTime:  pc.Now(),
		Timeline:  opts.CurrentSegment.Timeline(),
	}
	if err := PersistManifest(ctx, r, opts.Label, m, entry); err != nil {
		return m, stop, err
	}
	return m, stop, nil
}

// Dispatcher re-exports worker.Dispatcher so callers that only import
// backup don't also need to import worker for the Schedule signature.
type Dispatcher = worker.Dispatcher

// Clock re-exports procctx.Clock for the same reason.
type Clock = procctx.Clock
