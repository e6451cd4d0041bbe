// Package integration exercises the backup and restore engines together
// end to end: a stanza's archive info is seeded, a full backup runs
// against a fake primary connection and a posix repository, the target
// recovery point is resolved the way the restore command resolves it,
// and the backed-up files are reconstructed into a fresh data directory
// and compared byte-for-byte against the originals.
package integration

import (
	"context"
	"crypto/sha1" //nolint:gosec // content hash, not a security boundary
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pgbackrest-go/pgbackrest/backup"
	"github.com/pgbackrest-go/pgbackrest/manifest"
	"github.com/pgbackrest-go/pgbackrest/pglog"
	"github.com/pgbackrest-go/pgbackrest/procctx"
	"github.com/pgbackrest-go/pgbackrest/recovery"
	"github.com/pgbackrest-go/pgbackrest/repo"
	"github.com/pgbackrest-go/pgbackrest/repo/posix"
	"github.com/pgbackrest-go/pgbackrest/repoinfo"
	"github.com/pgbackrest-go/pgbackrest/restore"
	"github.com/pgbackrest-go/pgbackrest/walseg"
	"github.com/pgbackrest-go/pgbackrest/worker/local"
)

// fakePrimary implements backup.PrimaryConn against fixed values, the
// same shape backup's own package tests use for a primary double.
type fakePrimary struct {
	pgVersion, systemID string
	stopLSN             string
}

func (f *fakePrimary) Identify(ctx context.Context) (string, string, error) {
	return f.pgVersion, f.systemID, nil
}
func (f *fakePrimary) StartBackup(ctx context.Context, mode backup.BackupMode, label string, fast bool) (string, error) {
	return "0/1000000", nil
}
func (f *fakePrimary) StopBackup(ctx context.Context, mode backup.BackupMode) (string, string, string, error) {
	return f.stopLSN, "", "", nil
}
func (f *fakePrimary) CurrentWALInsertLSN(ctx context.Context) (string, error) {
	return f.stopLSN, nil
}
func (f *fakePrimary) CheckpointTimeoutSeconds(ctx context.Context) (int, error) { return 30 }
func (f *fakePrimary) Close() error                                             { return nil }

func TestFullBackupThenRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()

	dataDir := t.TempDir()
	writeFile(t, dataDir, "PG_VERSION", "15\n")
	writeFile(t, dataDir, "global/pg_control", "control-file-bytes")
	writeFile(t, dataDir, "base/1/1255", "relation-bytes-aaaaaaaaaaaaaaaaaaaa")

	repoDir := t.TempDir()
	r, err := posix.New(repoDir)
	require.NoError(t, err)

	const pgVersion = "15"
	const systemID = "6801234567890123456"

	archiveInfo := &repoinfo.ArchiveInfo{PgVersion: pgVersion, PgSystemID: systemID}
	archiveID := archiveInfo.Upgrade(pgVersion, systemID)
	require.NoError(t, repoinfo.SaveArchiveInfo(ctx, r, archiveInfo))
	require.NoError(t, repoinfo.SaveBackupInfo(ctx, r, &repoinfo.BackupInfo{PgVersion: pgVersion, PgSystemID: systemID}))

	conn := &fakePrimary{pgVersion: pgVersion, systemID: systemID, stopLSN: "0/2000000"}

	seg, err := walseg.Parse("000000010000000000000001")
	require.NoError(t, err)

	targets := []backup.RepoTarget{{Label: "repo1", Repo: r}}
	copyDispatch := local.NewInProcessDispatcher(2, backup.CopyHandler(targets, backup.DefaultChecksum))
	defer func() { _ = copyDispatch.Close() }()

	archiveExists := func(walseg.Name) (bool, error) { return true, nil }

	label := "20260115-090000F"
	pc := procctx.New(pglog.New(false))

	opts := backup.RunOptions{
		Label:          label,
		Type:           backup.TypeFull,
		DataDir:        dataDir,
		StartFast:      true,
		DbTimeout:      time.Minute,
		VerifyContent:  false,
		Copy:           backup.Options{ProcessMax: 2, JobRetry: 1},
		ArchiveExists:  archiveExists,
		CurrentSegment: seg,
		SegmentSize:    walseg.SizeDefault,
	}

	m, stop, err := backup.Run(ctx, pc, conn, r, copyDispatch, opts)
	require.NoError(t, err)
	require.True(t, stop.WALFullyArchived)
	require.Equal(t, label, m.Label)
	require.Len(t, m.Files, 3)

	target := recovery.Target{Type: recovery.TargetDefault, Inclusive: true}
	sources := []recovery.RepoSource{{Label: "repo1", Repo: r}}
	resolved, err := recovery.Resolve(ctx, sources, target, manifestHashFunc(r))
	require.NoError(t, err)
	require.Equal(t, label, resolved.Entry.Label)
	require.Equal(t, "repo1", resolved.RepoLabel)
	require.Equal(t, archiveID.String(), resolved.Entry.ArchiveID)

	targetManifest, err := loadManifest(ctx, r, resolved.Entry.Label)
	require.NoError(t, err)

	destDir := t.TempDir()
	jobs, err := restore.Plan(destDir, targetManifest, restore.Chain{targetManifest.Label: targetManifest}, restore.Selector{}, restore.DeltaOff)
	require.NoError(t, err)
	require.Len(t, jobs, 3)

	restoreDispatch := local.NewInProcessDispatcher(2, restore.ReconstructHandler(r))
	defer func() { _ = restoreDispatch.Close() }()

	results, err := restore.Schedule(ctx, restoreDispatch, jobs, 1024*1024)
	require.NoError(t, err)
	require.Len(t, results, 3)

	for _, rel := range []string{"PG_VERSION", "global/pg_control", "base/1/1255"} {
		want, err := os.ReadFile(filepath.Join(dataDir, rel))
		require.NoError(t, err)
		got, err := os.ReadFile(filepath.Join(destDir, rel))
		require.NoError(t, err)
		require.Equal(t, want, got, "content mismatch for %s", rel)
	}
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	full := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func loadManifest(ctx context.Context, r repo.Repo, label string) (*manifest.Manifest, error) {
	rc, err := r.NewRead(ctx, label+"/manifest")
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	return manifest.Unmarshal(data)
}

func manifestHashFunc(r repo.Repo) recovery.ManifestHashFunc {
	return func(ctx context.Context, repoLabel, backupLabel string) (string, error) {
		rc, err := r.NewRead(ctx, backupLabel+"/manifest")
		if err != nil {
			return "", err
		}
		defer rc.Close()
		h := sha1.New() //nolint:gosec
		if _, err := io.Copy(h, rc); err != nil {
			return "", err
		}
		return hex.EncodeToString(h.Sum(nil)), nil
	}
}
