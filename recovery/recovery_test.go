package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pgbackrest-go/pgbackrest/repo/posix"
	"github.com/pgbackrest-go/pgbackrest/repoinfo"
)

func seedBackupInfo(t *testing.T, root string, entries []repoinfo.BackupEntry) *posix.Repo {
	t.Helper()
	r, err := posix.New(root)
	require.NoError(t, err)
	require.NoError(t, repoinfo.SaveBackupInfo(context.Background(), r, &repoinfo.BackupInfo{Backups: entries}))
	return r
}

func TestResolveDefaultPicksNewestOnTimeline(t *testing.T) {
	r := seedBackupInfo(t, t.TempDir(), []repoinfo.BackupEntry{
		{Label: "20260101-000000F", Timeline: "1", StopTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
		{Label: "20260102-000000F", Timeline: "1", StopTime: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)},
	})

	resolved, err := Resolve(context.Background(), []RepoSource{{Label: "repo1", Repo: r}}, Target{Type: TargetDefault}, nil)
	require.NoError(t, err)
	require.Equal(t, "20260102-000000F", resolved.Entry.Label)
	require.Equal(t, "repo1", resolved.RepoLabel)
}

func TestResolveFiltersByTimeline(t *testing.T) {
	r := seedBackupInfo(t, t.TempDir(), []repoinfo.BackupEntry{
		{Label: "20260101-000000F", Timeline: "1", StopTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
		{Label: "20260102-000000F", Timeline: "2", StopTime: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)},
	})

	resolved, err := Resolve(context.Background(), []RepoSource{{Label: "repo1", Repo: r}}, Target{Type: TargetDefault, Timeline: "1"}, nil)
	require.NoError(t, err)
	require.Equal(t, "20260101-000000F", resolved.Entry.Label)
}

func TestResolveByTimePicksNewestBeforeTarget(t *testing.T) {
	r := seedBackupInfo(t, t.TempDir(), []repoinfo.BackupEntry{
		{Label: "20260101-000000F", StopTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
		{Label: "20260102-000000F", StopTime: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)},
		{Label: "20260103-000000F", StopTime: time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC)},
	})

	target := Target{Type: TargetTime, Value: "2026-01-02T12:00:00Z"}
	resolved, err := Resolve(context.Background(), []RepoSource{{Label: "repo1", Repo: r}}, target, nil)
	require.NoError(t, err)
	require.Equal(t, "20260102-000000F", resolved.Entry.Label)
}

func TestResolveByTimeErrorsWhenNothingQualifies(t *testing.T) {
	r := seedBackupInfo(t, t.TempDir(), []repoinfo.BackupEntry{
		{Label: "20260105-000000F", StopTime: time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)},
	})

	target := Target{Type: TargetTime, Value: "2026-01-01T00:00:00Z"}
	_, err := Resolve(context.Background(), []RepoSource{{Label: "repo1", Repo: r}}, target, nil)
	require.Error(t, err)
}

func TestResolveByTimeRejectsUnparsableValue(t *testing.T) {
	r := seedBackupInfo(t, t.TempDir(), []repoinfo.BackupEntry{
		{Label: "20260101-000000F", StopTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
	})

	target := Target{Type: TargetTime, Value: "not-a-time"}
	_, err := Resolve(context.Background(), []RepoSource{{Label: "repo1", Repo: r}}, target, nil)
	require.Error(t, err)
}

func TestResolveErrorsWhenNoBackupsAnywhere(t *testing.T) {
	r, err := posix.New(t.TempDir())
	require.NoError(t, err)

	_, err = Resolve(context.Background(), []RepoSource{{Label: "repo1", Repo: r}}, Target{Type: TargetDefault}, nil)
	require.Error(t, err)
}

func TestResolveAcrossRepositoriesPrefersNewestOverall(t *testing.T) {
	r1 := seedBackupInfo(t, t.TempDir(), []repoinfo.BackupEntry{
		{Label: "20260101-000000F", StopTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
	})
	r2 := seedBackupInfo(t, t.TempDir(), []repoinfo.BackupEntry{
		{Label: "20260103-000000F", StopTime: time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC)},
	})

	resolved, err := Resolve(context.Background(), []RepoSource{
		{Label: "repo1", Repo: r1},
		{Label: "repo2", Repo: r2},
	}, Target{Type: TargetDefault}, nil)
	require.NoError(t, err)
	require.Equal(t, "20260103-000000F", resolved.Entry.Label)
	require.Equal(t, "repo2", resolved.RepoLabel)
}

func TestResolveDetectsAmbiguousBackupAcrossRepositories(t *testing.T) {
	stopTime := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r1 := seedBackupInfo(t, t.TempDir(), []repoinfo.BackupEntry{{Label: "20260101-000000F", StopTime: stopTime}})
	r2 := seedBackupInfo(t, t.TempDir(), []repoinfo.BackupEntry{{Label: "20260101-000000F", StopTime: stopTime}})

	hashes := map[string]string{"repo1": "hash-a", "repo2": "hash-b"}
	hashOf := func(ctx context.Context, repoLabel, backupLabel string) (string, error) {
		return hashes[repoLabel], nil
	}

	_, err := Resolve(context.Background(), []RepoSource{
		{Label: "repo1", Repo: r1},
		{Label: "repo2", Repo: r2},
	}, Target{Type: TargetDefault}, hashOf)
	require.Error(t, err)
}

func TestResolveAllowsSameBackupWithMatchingHashAcrossRepositories(t *testing.T) {
	stopTime := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r1 := seedBackupInfo(t, t.TempDir(), []repoinfo.BackupEntry{{Label: "20260101-000000F", StopTime: stopTime}})
	r2 := seedBackupInfo(t, t.TempDir(), []repoinfo.BackupEntry{{Label: "20260101-000000F", StopTime: stopTime}})

	hashOf := func(ctx context.Context, repoLabel, backupLabel string) (string, error) {
		return "same-hash", nil
	}

	resolved, err := Resolve(context.Background(), []RepoSource{
		{Label: "repo1", Repo: r1},
		{Label: "repo2", Repo: r2},
	}, Target{Type: TargetDefault}, hashOf)
	require.NoError(t, err)
	require.Equal(t, "20260101-000000F", resolved.Entry.Label)
}
