package archivepush

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pgbackrest-go/pgbackrest/lock"
	"github.com/pgbackrest-go/pgbackrest/pgerr"
	"github.com/pgbackrest-go/pgbackrest/procctx"
	"github.com/pgbackrest-go/pgbackrest/repo/posix"
	"github.com/pgbackrest-go/pgbackrest/walseg"
)

func newTestTargets(t *testing.T, n int) []RepoTarget {
	t.Helper()
	var targets []RepoTarget
	for i := 0; i < n; i++ {
		r, err := posix.New(filepath.Join(t.TempDir(), "repo"))
		if err != nil {
			t.Fatal(err)
		}
		targets = append(targets, RepoTarget{Repo: r, ArchiveID: "16-1"})
	}
	return targets
}

func buildWALHeader(systemID uint64, segSize uint32, total int) []byte {
	buf := make([]byte, total)
	binary.LittleEndian.PutUint16(buf[0:2], 0xD106)
	binary.LittleEndian.PutUint64(buf[24:32], systemID)
	binary.LittleEndian.PutUint32(buf[32:36], segSize)
	return buf
}

func TestPushOneUploadsToAllTargets(t *testing.T) {
	targets := newTestTargets(t, 2)
	seg, _ := walseg.Parse("000000010000000000000001")
	raw := buildWALHeader(12345, uint32(walseg.SizeDefault), 4096)

	hash, warnings, err := PushOne(context.Background(), targets, "main", seg, raw, "none")
	if err != nil {
		t.Fatal(err)
	}
	if len(warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", warnings)
	}
	if hash == "" {
		t.Fatalf("expected a non-empty hash")
	}

	for _, tgt := range targets {
		found, _, ferr := findExisting(context.Background(), tgt, "main", seg)
		if ferr != nil {
			t.Fatal(ferr)
		}
		if !found {
			t.Fatalf("expected segment to be uploaded to %s", tgt.ArchiveID)
		}
	}
}

func TestPushOneIdenticalDuplicateIsWarningNotError(t *testing.T) {
	targets := newTestTargets(t, 1)
	seg, _ := walseg.Parse("000000010000000000000001")
	raw := buildWALHeader(1, uint32(walseg.SizeDefault), 2048)

	if _, _, err := PushOne(context.Background(), targets, "main", seg, raw, "none"); err != nil {
		t.Fatal(err)
	}

	_, warnings, err := PushOne(context.Background(), targets, "main", seg, raw, "none")
	if err != nil {
		t.Fatalf("expected identical re-push to succeed with a warning, got %v", err)
	}
	if len(warnings) != 1 {
		t.Fatalf("expected exactly one warning, got %v", warnings)
	}
}

func TestPushOneDifferingDuplicateIsHardError(t *testing.T) {
	targets := newTestTargets(t, 1)
	seg, _ := walseg.Parse("000000010000000000000001")
	raw1 := buildWALHeader(1, uint32(walseg.SizeDefault), 2048)
	raw2 := buildWALHeader(2, uint32(walseg.SizeDefault), 2048)

	if _, _, err := PushOne(context.Background(), targets, "main", seg, raw1, "none"); err != nil {
		t.Fatal(err)
	}

	_, _, err := PushOne(context.Background(), targets, "main", seg, raw2, "none")
	if !pgerr.Is(err, pgerr.ArchiveDuplicateError) {
		t.Fatalf("expected ArchiveDuplicateError, got %v", err)
	}
}

func TestPushOneCompressesWithZstd(t *testing.T) {
	targets := newTestTargets(t, 1)
	seg, _ := walseg.Parse("000000010000000000000002")
	raw := buildWALHeader(7, uint32(walseg.SizeDefault), 4096)

	_, _, err := PushOne(context.Background(), targets, "main", seg, raw, "zstd")
	if err != nil {
		t.Fatal(err)
	}

	entries, err := targets[0].Repo.List(context.Background(), objectDir("main", targets[0].ArchiveID, seg))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || filepath.Ext(entries[0].Name) != ".zst" {
		t.Fatalf("expected one .zst object, got %+v", entries)
	}
}

func TestCheckHeaderAcceptsMatchingSystemID(t *testing.T) {
	raw := buildWALHeader(99, uint32(walseg.SizeDefault), 64)
	if err := checkHeader(raw, "99"); err != nil {
		t.Fatal(err)
	}
}

func TestCheckHeaderRejectsMismatchedSystemID(t *testing.T) {
	raw := buildWALHeader(99, uint32(walseg.SizeDefault), 64)
	err := checkHeader(raw, "100")
	if !pgerr.Is(err, pgerr.ArchiveMismatchError) {
		t.Fatalf("expected ArchiveMismatchError, got %v", err)
	}
}

func TestPushSyncFailsFastOnHeaderMismatch(t *testing.T) {
	targets := newTestTargets(t, 1)
	seg, _ := walseg.Parse("000000010000000000000003")
	raw := buildWALHeader(5, uint32(walseg.SizeDefault), 64)
	pc := procctx.Test(time.Now())

	_, _, err := PushSync(context.Background(), pc, seg, raw, targets, "main", Options{HeaderCheck: true, SystemID: "6"})
	if !pgerr.Is(err, pgerr.ArchiveMismatchError) {
		t.Fatalf("expected ArchiveMismatchError, got %v", err)
	}
}

func TestPushSyncSucceedsWithHeaderCheckDisabled(t *testing.T) {
	targets := newTestTargets(t, 1)
	seg, _ := walseg.Parse("000000010000000000000004")
	raw := buildWALHeader(5, uint32(walseg.SizeDefault), 64)
	pc := procctx.Test(time.Now())

	hash, _, err := PushSync(context.Background(), pc, seg, raw, targets, "main", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if hash == "" {
		t.Fatalf("expected a hash")
	}
}

func TestReadyListExcludesCompletedSegments(t *testing.T) {
	dataPath := t.TempDir()
	statusDir := filepath.Join(dataPath, "pg_wal", "archive_status")
	if err := os.MkdirAll(statusDir, 0o750); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{
		"000000010000000000000001.ready",
		"000000010000000000000002.ready",
		"not-a-segment.ready",
	} {
		if err := os.WriteFile(filepath.Join(statusDir, name), nil, 0o640); err != nil {
			t.Fatal(err)
		}
	}

	spoolOut, err := posix.New(filepath.Join(t.TempDir(), "spool"))
	if err != nil {
		t.Fatal(err)
	}
	if err := writeOK(context.Background(), spoolOut, walseg.Name("000000010000000000000001"), nil); err != nil {
		t.Fatal(err)
	}

	ready, err := ReadyList(context.Background(), dataPath, spoolOut)
	if err != nil {
		t.Fatal(err)
	}
	if len(ready) != 1 || ready[0] != walseg.Name("000000010000000000000002") {
		t.Fatalf("expected only segment 2 to remain ready, got %v", ready)
	}
}

func TestQueueBytesSumsSegmentSizes(t *testing.T) {
	dataPath := t.TempDir()
	walDir := filepath.Join(dataPath, "pg_wal")
	if err := os.MkdirAll(walDir, 0o750); err != nil {
		t.Fatal(err)
	}
	seg := walseg.Name("000000010000000000000001")
	if err := os.WriteFile(filepath.Join(walDir, string(seg)), make([]byte, 1024), 0o640); err != nil {
		t.Fatal(err)
	}

	total, err := QueueBytes(dataPath, []walseg.Name{seg, "000000010000000000000002"})
	if err != nil {
		t.Fatal(err)
	}
	if total != 1024 {
		t.Fatalf("expected 1024 bytes, got %d", total)
	}
}

func TestRunForegroundDropsOnQueueFull(t *testing.T) {
	dataPath := t.TempDir()
	spoolOut, err := posix.New(filepath.Join(t.TempDir(), "spool"))
	if err != nil {
		t.Fatal(err)
	}
	pc := procctx.Test(time.Now())
	seg := walseg.Name("000000010000000000000001")

	err = RunForeground(context.Background(), pc, dataPath, "main", spoolOut, seg, nil, Options{QueueMax: 0})
	if err != nil {
		t.Fatal(err)
	}
	ok, _ := spoolOut.Exists(context.Background(), string(seg)+".ok")
	if !ok {
		t.Fatalf("expected a dropped .ok status to be written")
	}
}

func TestRunForegroundWaitsForWorkerStatus(t *testing.T) {
	dataPath := t.TempDir()
	spoolOut, err := posix.New(filepath.Join(t.TempDir(), "spool"))
	if err != nil {
		t.Fatal(err)
	}
	pc := procctx.Test(time.Now())
	seg := walseg.Name("000000010000000000000001")

	launch := func() {
		go func() { _ = writeOK(context.Background(), spoolOut, seg, nil) }()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err = RunForeground(ctx, pc, dataPath, "main", spoolOut, seg, launch, Options{QueueMax: 1 << 30, PollInterval: 10 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
}

func TestRunForegroundSurfacesErrorStatus(t *testing.T) {
	dataPath := t.TempDir()
	spoolOut, err := posix.New(filepath.Join(t.TempDir(), "spool"))
	if err != nil {
		t.Fatal(err)
	}
	pc := procctx.Test(time.Now())
	seg := walseg.Name("000000010000000000000001")

	launch := func() {
		go func() {
			_ = writeErrorStatus(context.Background(), spoolOut, seg, pgerr.New(pgerr.FileReadError, "disk fell over"))
		}()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err = RunForeground(ctx, pc, dataPath, "main", spoolOut, seg, launch, Options{QueueMax: 1 << 30, PollInterval: 10 * time.Millisecond})
	if !pgerr.Is(err, pgerr.FileReadError) {
		t.Fatalf("expected FileReadError, got %v", err)
	}
}

func TestRunAsyncWorkerPushesAllReadySegments(t *testing.T) {
	dataPath := t.TempDir()
	walDir := filepath.Join(dataPath, "pg_wal")
	statusDir := filepath.Join(walDir, "archive_status")
	if err := os.MkdirAll(statusDir, 0o750); err != nil {
		t.Fatal(err)
	}

	segs := []walseg.Name{"000000010000000000000001", "000000010000000000000002"}
	for _, seg := range segs {
		raw := buildWALHeader(42, uint32(walseg.SizeDefault), 2048)
		if err := os.WriteFile(filepath.Join(walDir, string(seg)), raw, 0o640); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(statusDir, string(seg)+".ready"), nil, 0o640); err != nil {
			t.Fatal(err)
		}
	}

	spoolOut, err := posix.New(filepath.Join(t.TempDir(), "spool"))
	if err != nil {
		t.Fatal(err)
	}
	targets := newTestTargets(t, 1)
	pc := procctx.Test(time.Now())

	if err := RunAsyncWorker(context.Background(), pc, dataPath, spoolOut, targets, "main", Options{ProcessMax: 2}); err != nil {
		t.Fatal(err)
	}

	for _, seg := range segs {
		ok, _ := spoolOut.Exists(context.Background(), string(seg)+".ok")
		if !ok {
			t.Fatalf("expected %s.ok to be written", seg)
		}
	}
}

func TestRunAsyncWorkerNoopsWhenLockAlreadyHeld(t *testing.T) {
	dataPath := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dataPath, "pg_wal", "archive_status"), 0o750); err != nil {
		t.Fatal(err)
	}

	spoolOut, err := posix.New(filepath.Join(t.TempDir(), "spool"))
	if err != nil {
		t.Fatal(err)
	}
	pc := procctx.Test(time.Now())

	held, err := lock.Acquire(dataPath, "main", lockFamily, "a-different-worker")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = held.Release() }()

	if err := RunAsyncWorker(context.Background(), pc, dataPath, spoolOut, nil, "main", Options{}); err != nil {
		t.Fatal(err)
	}
}
