package archivepush

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pgbackrest-go/pgbackrest/lock"
	"github.com/pgbackrest-go/pgbackrest/pgerr"
	"github.com/pgbackrest-go/pgbackrest/procctx"
	"github.com/pgbackrest-go/pgbackrest/repo"
	"github.com/pgbackrest-go/pgbackrest/walseg"
)

// asyncWorkerExecID is the fixed identity the async worker presents to the
// lock manager, distinct from any foreground probe's exec-id so a probe
// from the same host never mistakes the worker's lock for its own.
const asyncWorkerExecID = "archive-push-async-worker"

// lockFamily is the command family the async worker's lock is keyed
// under, shared by every foreground invocation for a stanza.
const lockFamily = "archive-push-async"

// Launcher starts a detached async worker and returns immediately; it
// does not wait for the worker to finish. Production wiring forks the
// current binary in async-worker mode; tests typically spawn a goroutine
// running RunAsyncWorker directly.
type Launcher func()

// ReadyList enumerates dataPath/pg_wal/archive_status/*.ready, excluding
// segments that already have a completed status in spoolOut, in ascending
// segment-name order.
func ReadyList(ctx context.Context, dataPath string, spoolOut repo.Repo) ([]walseg.Name, error) {
	dir := filepath.Join(dataPath, "pg_wal", "archive_status")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, pgerr.Wrap(pgerr.PathOpenError, err, "read archive status directory %s", dir)
	}

	var names []walseg.Name
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".ready") {
			continue
		}
		seg, perr := walseg.Parse(strings.TrimSuffix(e.Name(), ".ready"))
		if perr != nil {
			continue
		}
		if done, _ := spoolOut.Exists(ctx, string(seg)+".ok"); done {
			continue
		}
		if done, _ := spoolOut.Exists(ctx, string(seg)+".error"); done {
			continue
		}
		names = append(names, seg)
	}
	sort.Slice(names, func(i, j int) bool { return walseg.Compare(names[i], names[j]) < 0 })
	return names, nil
}

// QueueBytes sums the on-disk size of each named segment under
// dataPath/pg_wal, used to evaluate the queue-full drop policy.
func QueueBytes(dataPath string, segs []walseg.Name) (int64, error) {
	var total int64
	for _, seg := range segs {
		fi, err := os.Stat(filepath.Join(dataPath, "pg_wal", string(seg)))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return 0, pgerr.Wrap(pgerr.PathOpenError, err, "stat WAL segment %s", seg)
		}
		total += fi.Size()
	}
	return total, nil
}

func writeStatus(ctx context.Context, spoolOut repo.Repo, name, content string) error {
	w, err := spoolOut.NewWrite(ctx, name)
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte(content)); err != nil {
		_ = w.Close()
		return pgerr.Wrap(pgerr.FileWriteError, err, "write status %s", name)
	}
	return w.Close()
}

func writeOK(ctx context.Context, spoolOut repo.Repo, seg walseg.Name, warnings []string) error {
	lines := append([]string{"0", "ok"}, warnings...)
	return writeStatus(ctx, spoolOut, string(seg)+".ok", strings.Join(lines, "\n"))
}

func writeDropped(ctx context.Context, spoolOut repo.Repo, seg walseg.Name) error {
	return writeStatus(ctx, spoolOut, string(seg)+".ok", "0\ndropped: archive-push-queue-max exceeded")
}

func writeErrorStatus(ctx context.Context, spoolOut repo.Repo, seg walseg.Name, err error) error {
	kind, ok := pgerr.KindOf(err)
	code := 1
	if ok {
		code = kind.Code()
	}
	return writeStatus(ctx, spoolOut, string(seg)+".error", strconv.Itoa(code)+"\n"+err.Error())
}

// readStatus reads content and splits it as the status-file grammar:
// a leading numeric code, then a message, then zero or more warnings.
func readStatus(ctx context.Context, spoolOut repo.Repo, name string) (code int, message string, warnings []string, err error) {
	rc, err := spoolOut.NewRead(ctx, name)
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

// RunForeground implements the database-facing half of async push for one
// segment: the queue-full drop check, launching a worker if none is
// running, and waiting for the worker to produce a terminal status.
func RunForeground(ctx context.Context, pc *procctx.Context, dataPath, stanza string, spoolOut repo.Repo, seg walseg.Name, launch Launcher, opts Options) error {
	ready, err := ReadyList(ctx, dataPath, spoolOut)
	if err != nil {
		return err
	}
	bytes, err := QueueBytes(dataPath, ready)
	if err != nil {
		return err
	}
	if opts.QueueMax <= 0 || bytes > opts.QueueMax {
		pc.Log.Warnf("archive-push-queue-max exceeded for %s, dropping", seg)
		return writeDropped(ctx, spoolOut, seg)
	}

	probe, perr := lock.Acquire(dataPath, stanza, lockFamily, "archive-push-probe-"+pc.ExecID)
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
		if ok, _ := spoolOut.Exists(ctx, string(seg)+".ok"); ok {
			_, msg, warnings, rerr := readStatus(ctx, spoolOut, string(seg)+".ok")
			if rerr != nil {
				return rerr
			}
			for _, w := range warnings {
				pc.Log.Warnf("%s", w)
			}
			pc.Log.Infof("%s: %s", seg, msg)
			return nil
		}
		if hasErr, _ := spoolOut.Exists(ctx, string(seg)+".error"); hasErr {
			code, msg, _, rerr := readStatus(ctx, spoolOut, string(seg)+".error")
			if rerr != nil {
				return rerr
			}
			kind, _ := pgerr.KindFromCode(code)
			return pgerr.New(kind, "%s", msg)
		}
		if pc.Now().After(deadline) {
			return pgerr.New(pgerr.ArchiveTimeoutError, "timed out waiting for async push of %s", seg)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return pgerr.Wrap(pgerr.ProtocolError, ctx.Err(), "wait for async push of %s", seg)
		}
	}
}

// RunAsyncWorker acquires the stanza's async-push lock and repeatedly
// drains the ready-list until empty, dispatching each segment's push
// through pushOne. It exits immediately, doing nothing, if another worker
// already holds the lock.
func RunAsyncWorker(ctx context.Context, pc *procctx.Context, dataPath string, spoolOut repo.Repo, targets []RepoTarget, stanza string, opts Options) error {
	l, err := lock.Acquire(dataPath, stanza, lockFamily, asyncWorkerExecID)
	if err != nil {
		return nil
	}
	defer func() { _ = l.Release() }()

	for {
		ready, err := ReadyList(ctx, dataPath, spoolOut)
		if err != nil {
			return err
		}
		if len(ready) == 0 {
			return nil
		}

		processMax := opts.ProcessMax
		if processMax <= 0 {
			processMax = 1
		}

		type job struct{ seg walseg.Name }
		jobs := make(chan job)
		done := make(chan struct{})
		for w := 0; w < processMax; w++ {
			go func() {
				for j := range jobs {
					pushSegmentFromDisk(ctx, pc, dataPath, spoolOut, targets, stanza, j.seg, opts)
				}
				done <- struct{}{}
			}()
		}
		go func() {
			for _, seg := range ready {
				jobs <- job{seg: seg}
			}
			close(jobs)
		}()
		for w := 0; w < processMax; w++ {
			<-done
		}
	}
}

// pushSegmentFromDisk reads one ready WAL segment off disk and pushes it,
// writing the corresponding .ok or .error status.
func pushSegmentFromDisk(ctx context.Context, pc *procctx.Context, dataPath string, spoolOut repo.Repo, targets []RepoTarget, stanza string, seg walseg.Name, opts Options) {
	raw, err := os.ReadFile(filepath.Join(dataPath, "pg_wal", string(seg)))
	if err != nil {
		_ = writeErrorStatus(ctx, spoolOut, seg, pgerr.Wrap(pgerr.FileReadError, err, "read WAL segment %s", seg))
		return
	}

	_, warnings, err := PushSync(ctx, pc, seg, raw, targets, stanza, opts)
	if err != nil {
		_ = writeErrorStatus(ctx, spoolOut, seg, err)
		return
	}
	_ = writeOK(ctx, spoolOut, seg, warnings)
}
