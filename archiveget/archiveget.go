// Package archiveget implements WAL segment retrieval: a synchronous path
// serving one segment per foreground call, and an asynchronous path that
// prefetches successor segments into the spool ahead of the database's
// next request. Grounded on the same worker-pool pattern as archivepush,
// with repository failover modeled on the multi-repo warning aggregation
// spec.md directs for archive-get.
package archiveget

import (
	"context"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pgbackrest-go/pgbackrest/filter"
	"github.com/pgbackrest-go/pgbackrest/lock"
	"github.com/pgbackrest-go/pgbackrest/pgerr"
	"github.com/pgbackrest-go/pgbackrest/pgmetrics"
	"github.com/pgbackrest-go/pgbackrest/procctx"
	"github.com/pgbackrest-go/pgbackrest/repo"
	"github.com/pgbackrest-go/pgbackrest/walseg"
)

// RepoSource is one configured repository to try, in the priority order
// archive-get searches it: the first with a valid copy of a segment wins.
type RepoSource struct {
	Repo      repo.Repo
	ArchiveID string
}

// Options bundles the tunables for one archive-get invocation.
type Options struct {
	QueueMax       int64 // archive-get-queue-max in bytes; <= 0 disables prefetch
	SegmentSize    walseg.Size
	Pre93          bool
	ProcessMax     int
	ArchiveTimeout time.Duration
	PollInterval   time.Duration
}

func objectDir(stanza, archiveID string, seg walseg.Name) string {
	return path.Join("archive", stanza, archiveID, seg.LogLine())
}

// findSegment searches src's archive directory for an object named for
// seg, returning its repo-relative path. Any extension (none, .zst, .bz2)
// is accepted since a historical repository may carry either.
func findSegment(ctx context.Context, src RepoSource, stanza string, seg walseg.Name) (string, bool, error) {
	dir := objectDir(stanza, src.ArchiveID, seg)
	entries, err := src.Repo.List(ctx, dir)
	if err != nil {
		if pgerr.Is(err, pgerr.FileMissingError) {
			return "", false, nil
		}
		return "", false, err
	}

	prefix := string(seg) + "-"
	for _, e := range entries {
		if e.IsDir {
			continue
		}
		if strings.HasPrefix(pathBase(e.Name), prefix) {
			return e.Name, true, nil
		}
	}
	return "", false, nil
}

func pathBase(p string) string {
	if idx := strings.LastIndexByte(p, '/'); idx >= 0 {
		return p[idx+1:]
	}
	return p
}

// decompressFor wraps rc with the decompressor matching objPath's
// extension, or returns rc unchanged for an uncompressed object.
func decompressFor(objPath string, rc io.ReadCloser) (io.ReadCloser, error) {
	switch filepath.Ext(objPath) {
	case ".zst":
		return filter.ZstdDecompress(rc)
	case ".bz2":
		return filter.Bzip2Decompress(rc)
	default:
		return rc, nil
	}
}

// GetOne fetches seg from the first source in order that has a valid
// copy, writing it to destPath via a temp-file-then-rename so a reader of
// destPath never observes a partial segment. Non-fatal failures from
// earlier sources are accumulated as warnings rather than failing the
// whole request, per the multi-repo warning aggregation policy.
func GetOne(ctx context.Context, sources []RepoSource, stanza string, seg walseg.Name, destPath string) (found bool, warnings []string, err error) {
	for _, src := range sources {
		objPath, ok, ferr := findSegment(ctx, src, stanza, seg)
		if ferr != nil {
			warnings = append(warnings, "repository error searching for "+string(seg)+": "+ferr.Error())
			continue
		}
		if !ok {
			continue
		}

		if gerr := fetchInto(ctx, src.Repo, objPath, destPath); gerr != nil {
			warnings = append(warnings, "repository error reading "+string(seg)+": "+gerr.Error())
			continue
		}
		return true, warnings, nil
	}
	return false, warnings, nil
}

func fetchInto(ctx context.Context, r repo.Repo, objPath, destPath string) error {
	rc, err := r.NewRead(ctx, objPath)
	if err != nil {
		return err
	}
	defer rc.Close()

	dr, err := decompressFor(objPath, rc)
	if err != nil {
		return err
	}
	defer dr.Close()

	tmpPath := destPath + ".pgbackrest.tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return pgerr.Wrap(pgerr.FileOpenError, err, "open temp file for %s", destPath)
	}

	if _, cerr := io.Copy(f, dr); cerr != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return pgerr.Wrap(pgerr.FileWriteError, cerr, "write %s", tmpPath)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return pgerr.Wrap(pgerr.FileWriteError, err, "sync %s", tmpPath)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return pgerr.Wrap(pgerr.FileWriteError, err, "close %s", tmpPath)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		_ = os.Remove(tmpPath)
		return pgerr.Wrap(pgerr.FileWriteError, err, "rename %s into place", destPath)
	}
	return nil
}

// GetSync implements the foreground-only synchronous get of a single
// segment: try every source in order, returning ok=false (not an error)
// when no source has the segment at all.
func GetSync(ctx context.Context, pc *procctx.Context, sources []RepoSource, stanza string, seg walseg.Name, destPath string) (bool, error) {
	found, warnings, err := GetOne(ctx, sources, stanza, seg, destPath)
	if err != nil {
		pgmetrics.RecordArchiveGet("error")
		return false, err
	}
	for _, w := range warnings {
		pc.Log.Warnf("%s", w)
	}
	if found {
		pgmetrics.RecordArchiveGet("ok")
	} else {
		pgmetrics.RecordArchiveGet("not-found")
	}
	return found, nil
}

const lockFamily = "archive-get-async"
const asyncWorkerExecID = "archive-get-async-worker"

// Launcher starts a detached async prefetch worker and returns
// immediately. Production wiring forks the current binary; tests spawn a
// goroutine running RunAsyncWorker directly.
type Launcher func()

func statusPath(seg walseg.Name, suffix string) string { return string(seg) + suffix }

func writeOK(ctx context.Context, spoolIn repo.Repo, seg walseg.Name, warnings []string) error {
	lines := append([]string{"0", "ok"}, warnings...)
	return writeStatus(ctx, spoolIn, statusPath(seg, ".ok"), strings.Join(lines, "\n"))
}

func writeErrorStatus(ctx context.Context, spoolIn repo.Repo, seg walseg.Name, err error) error {
	kind, ok := pgerr.KindOf(err)
	code := 1
	if ok {
		code = kind.Code()
	}
	return writeStatus(ctx, spoolIn, statusPath(seg, ".error"), strconv.Itoa(code)+"\n"+err.Error())
}

func writeStatus(ctx context.Context, r repo.Repo, name, content string) error {
	w, err := r.NewWrite(ctx, name)
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte(content)); err != nil {
		_ = w.Close()
		return pgerr.Wrap(pgerr.FileWriteError, err, "write status %s", name)
	}
	return w.Close()
}

func readStatus(ctx context.Context, r repo.Repo, name string) (code int, message string, warnings []string, err error) {
	rc, err := r.NewRead(ctx, name)
	if err != nil {
		return 0, "", nil, err
	}
	defer rc.Close()

	buf := make([]byte, 0, 512)
	tmp := make([]byte, 512)
	for {
		n, rerr := rc.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		if rerr != nil {
			break
		}
	}
	lines := strings.Split(string(buf), "\n")
	if len(lines) < 2 {
		return 0, "", nil, pgerr.New(pgerr.FormatError, "malformed status file %s", name)
	}
	code, cerr := strconv.Atoi(lines[0])
	if cerr != nil {
		return 0, "", nil, pgerr.New(pgerr.FormatError, "malformed status code in %s", name)
	}
	return code, lines[1], lines[2:], nil
}

// RunForeground implements the database-facing half of async get for one
// segment: check the spool, launch a prefetch worker if none is running,
// and wait for the segment to land or for a terminal status.
//
// Return values match the CLI contract: (true, nil) on delivered,
// (false, nil) on a confirmed-missing segment, and a non-nil error for
// anything else (including timeout).
func RunForeground(ctx context.Context, pc *procctx.Context, dataPath, stanza string, spoolIn repo.Repo, seg walseg.Name, destPath string, launch Launcher, opts Options) (bool, error) {
	if terminal, delivered, err := tryDeliver(ctx, spoolIn, seg, destPath); terminal {
		return delivered, err
	}

	probe, perr := lock.Acquire(dataPath, stanza, lockFamily, "archive-get-probe-"+pc.ExecID)
	if perr == nil {
		_ = probe.Release()
		if launch != nil {
			launch()
		}
	}

	interval := opts.PollInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	timeout := opts.ArchiveTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	deadline := pc.Now().Add(timeout)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if terminal, delivered, err := tryDeliver(ctx, spoolIn, seg, destPath); terminal {
			return delivered, err
		}
		if pc.Now().After(deadline) {
			return false, pgerr.New(pgerr.ArchiveTimeoutError, "timed out waiting for async get of %s", seg)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return false, pgerr.Wrap(pgerr.ProtocolError, ctx.Err(), "wait for async get of %s", seg)
		}
	}
}

// tryDeliver inspects the spool's current state for seg, reporting
// whether a terminal outcome is already present: delivered (copy the
// spooled file to destPath and report found), confirmed-missing (report
// not-found, no error), or a persisted error (report the original
// failure). terminal is false when none of these apply yet and the
// caller should keep waiting.
func tryDeliver(ctx context.Context, spoolIn repo.Repo, seg walseg.Name, destPath string) (terminal, delivered bool, err error) {
	if spooled, _ := spoolIn.Exists(ctx, string(seg)); spooled {
		if ferr := fetchInto(ctx, spoolIn, string(seg), destPath); ferr != nil {
			return true, false, ferr
		}
		return true, true, nil
	}
	if hasErr, _ := spoolIn.Exists(ctx, statusPath(seg, ".error")); hasErr {
		code, msg, _, rerr := readStatus(ctx, spoolIn, statusPath(seg, ".error"))
		if rerr != nil {
			return true, false, rerr
		}
		kind, _ := pgerr.KindFromCode(code)
		return true, false, pgerr.New(kind, "%s", msg)
	}
	if ok, _ := spoolIn.Exists(ctx, statusPath(seg, ".ok")); ok {
		return true, false, nil
	}
	return false, false, nil
}

// RunAsyncWorker acquires the stanza's async-get lock and services the
// prefetch queue computed from walseg.QueueNeed for currentSegment,
// fetching each needed segment into the spool and recording a terminal
// status for it. It exits immediately, doing nothing, if another worker
// already holds the lock.
func RunAsyncWorker(ctx context.Context, pc *procctx.Context, spoolIn repo.Repo, sources []RepoSource, dataPath, stanza string, currentSegment walseg.Name, opts Options) error {
	l, err := lock.Acquire(dataPath, stanza, lockFamily, asyncWorkerExecID)
	if err != nil {
		return nil
	}
	defer func() { _ = l.Release() }()

	needed, err := walseg.QueueNeed(currentSegment, opts.QueueMax, opts.SegmentSize, opts.Pre93)
	if err != nil {
		return err
	}

	var pending []walseg.Name
	for _, seg := range needed {
		if done, _ := spoolIn.Exists(ctx, string(seg)); done {
			continue
		}
		if done, _ := spoolIn.Exists(ctx, statusPath(seg, ".ok")); done {
			continue
		}
		if done, _ := spoolIn.Exists(ctx, statusPath(seg, ".error")); done {
			continue
		}
		pending = append(pending, seg)
	}
	pgmetrics.ArchiveGetQueueDepth.Set(float64(len(pending)))
	defer pgmetrics.ArchiveGetQueueDepth.Set(0)
	if len(pending) == 0 {
		return nil
	}

	processMax := opts.ProcessMax
	if processMax <= 0 {
		processMax = 1
	}

	jobs := make(chan walseg.Name)
	done := make(chan struct{})
	for w := 0; w < processMax; w++ {
		go func() {
			for seg := range jobs {
				fetchSegmentIntoSpool(ctx, spoolIn, sources, stanza, seg)
			}
			done <- struct{}{}
		}()
	}
	go func() {
		for _, seg := range pending {
			jobs <- seg
		}
		close(jobs)
	}()
	for w := 0; w < processMax; w++ {
		<-done
	}
	return nil
}

// fetchSegmentIntoSpool retrieves one prefetch-queue segment into the
// spool, writing the corresponding .ok or .error status. A segment none
// of sources has yet (not an error, simply not archived yet) is recorded
// as a non-fatal .ok with no file, matching the synchronous path's
// not-found contract.
func fetchSegmentIntoSpool(ctx context.Context, spoolIn repo.Repo, sources []RepoSource, stanza string, seg walseg.Name) {
	_, warnings, err := spoolSegment(ctx, spoolIn, sources, stanza, seg)
	if err != nil {
		_ = writeErrorStatus(ctx, spoolIn, seg, err)
		return
	}
	_ = writeOK(ctx, spoolIn, seg, warnings)
}

// spoolSegment fetches seg from the first source that has it directly
// into the spool repository under its bare segment name, the layout
// RunForeground expects to find a ready segment under. It is not an
// error for no source to have the segment yet; found reports whether one
// did.
func spoolSegment(ctx context.Context, spoolIn repo.Repo, sources []RepoSource, stanza string, seg walseg.Name) (found bool, warnings []string, err error) {
	for _, src := range sources {
		objPath, ok, ferr := findSegment(ctx, src, stanza, seg)
		if ferr != nil {
			warnings = append(warnings, "repository error searching for "+string(seg)+": "+ferr.Error())
			continue
		}
		if !ok {
			continue
		}
		rc, rerr := src.Repo.NewRead(ctx, objPath)
		if rerr != nil {
			warnings = append(warnings, "repository error reading "+string(seg)+": "+rerr.Error())
			continue
		}
		dr, derr := decompressFor(objPath, rc)
		if derr != nil {
			_ = rc.Close()
			warnings = append(warnings, "repository error decompressing "+string(seg)+": "+derr.Error())
			continue
		}
		w, werr := spoolIn.NewWrite(ctx, string(seg))
		if werr != nil {
			_ = dr.Close()
			return false, warnings, werr
		}
		_, cerr := io.Copy(w, dr)
		_ = dr.Close()
		if cerr != nil {
			_ = w.Close()
			return false, warnings, pgerr.Wrap(pgerr.FileWriteError, cerr, "spool %s", seg)
		}
		if cerr := w.Close(); cerr != nil {
			return false, warnings, pgerr.Wrap(pgerr.FileWriteError, cerr, "close spooled %s", seg)
		}
		return true, warnings, nil
	}
	return false, warnings, nil
}
