package repoinfo

import (
	"context"
	"os"
	"testing"

	"github.com/pgbackrest-go/pgbackrest/repo/posix"
)

func TestArchiveIDRoundTrip(t *testing.T) {
	id := ArchiveID{PgVersion: "16", Sequence: 2}
	s := id.String()
	parsed, err := ParseArchiveID(s)
	if err != nil {
		t.Fatal(err)
	}
	if parsed != id {
		t.Fatalf("round trip mismatch: %+v != %+v", parsed, id)
	}
}

func TestUpgradeStartsAtSequenceOneForNewVersion(t *testing.T) {
	info := &ArchiveInfo{}
	id := info.Upgrade("16", "123456")
	if id.Sequence != 1 {
		t.Fatalf("expected first entry for a version to start at sequence 1, got %d", id.Sequence)
	}
}

func TestUpgradeIncrementsSequenceForRepeatedVersion(t *testing.T) {
	info := &ArchiveInfo{}
	info.Upgrade("16", "123456")
	id := info.Upgrade("16", "123456")
	if id.Sequence != 2 {
		t.Fatalf("expected sequence to increment on repeated upgrade to the same version, got %d", id.Sequence)
	}
}

func TestSaveAndLoadArchiveInfoRoundTrip(t *testing.T) {
	r, err := posix.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	info := &ArchiveInfo{PgVersion: "16", PgSystemID: "123456"}
	info.Upgrade("16", "123456")

	if err := SaveArchiveInfo(ctx, r, info); err != nil {
		t.Fatal(err)
	}

	loaded, err := LoadArchiveInfo(ctx, r)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.PgVersion != "16" || len(loaded.History) != 1 {
		t.Fatalf("unexpected loaded archive info: %+v", loaded)
	}
}

func TestLoadArchiveInfoFallsBackToCopy(t *testing.T) {
	dir := t.TempDir()
	r, err := posix.New(dir)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	info := &ArchiveInfo{PgVersion: "16", PgSystemID: "123456"}
	if err := SaveArchiveInfo(ctx, r, info); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(dir+"/archive.info", []byte("not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	loaded, err := LoadArchiveInfo(ctx, r)
	if err != nil {
		t.Fatalf("expected fallback to archive.info.copy to succeed: %v", err)
	}
	if loaded.PgVersion != "16" {
		t.Fatalf("unexpected fallback content: %+v", loaded)
	}
}

func TestBackupInfoByLabel(t *testing.T) {
	info := &BackupInfo{Backups: []BackupEntry{
		{Label: "20260101-full", Type: "full"},
		{Label: "20260102-diff", Type: "diff"},
	}}
	e, ok := info.ByLabel("20260102-diff")
	if !ok || e.Type != "diff" {
		t.Fatalf("expected to find the diff backup entry, got %+v %v", e, ok)
	}

	latest, ok := info.Latest()
	if !ok || latest.Label != "20260102-diff" {
		t.Fatalf("expected latest to be the last appended entry, got %+v", latest)
	}
}
