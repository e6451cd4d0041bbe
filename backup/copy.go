package backup

import (
	"context"
	"errors"
	"io"
	"os"
	"sort"
	"time"

	json "github.com/goccy/go-json"

	"github.com/pgbackrest-go/pgbackrest/filter"
	"github.com/pgbackrest-go/pgbackrest/manifest"
	"github.com/pgbackrest-go/pgbackrest/page"
	"github.com/pgbackrest-go/pgbackrest/pgerr"
	"github.com/pgbackrest-go/pgbackrest/pgmetrics"
	"github.com/pgbackrest-go/pgbackrest/procctx"
	"github.com/pgbackrest-go/pgbackrest/repo"
	"github.com/pgbackrest-go/pgbackrest/retry"
	"github.com/pgbackrest-go/pgbackrest/worker"
)

// CopyFileVerb is the worker command verb a copy job is dispatched under.
const CopyFileVerb = "backup-copy-file"

// CopyArgs is the opaque argument payload for one backup-copy-file
// command: where to read the source file, where to write it in every
// configured repository, and how to treat it along the way.
type CopyArgs struct {
	SourcePath     string `json:"sourcePath"`
	RepoPath       string `json:"repoPath"`
	CompressType   string `json:"compressType"`
	PageVerify     bool   `json:"pageVerify"`
	BackupStartLSN uint64 `json:"backupStartLsn"`
}

// CopyResult is a completed copy job's outcome: the manifest-format hash
// and size of the file's decompressed bytes, plus a page-check verdict
// when PageVerify was requested.
type CopyResult struct {
	Hash       string           `json:"hash"`
	Size       int64            `json:"size"`
	PageResult *page.Result     `json:"pageResult,omitempty"`
	RepoHashes map[string]string `json:"repoHashes"`
}

// RepoTarget pairs a repository backend with a label identifying it in a
// CopyResult's RepoHashes map.
type RepoTarget struct {
	Label string
	Repo  repo.Repo
}

// CopyHandler builds the in-process worker.local.Handler that actually
// executes a backup-copy-file command: stream the source file through
// the hash/compress filter chain (and, for relation files, a page
// verifier) while writing it to every target repository under repoPath.
func CopyHandler(targets []RepoTarget, checksum page.ChecksumFunc) func(ctx context.Context, cmd worker.Command) (any, error) {
	return func(ctx context.Context, cmd worker.Command) (any, error) {
		var args CopyArgs
		if err := json.Unmarshal(cmd.Args, &args); err != nil {
			return nil, pgerr.Wrap(pgerr.ProtocolError, err, "decode copy args")
		}
		return runCopy(ctx, targets, checksum, args)
	}
}

func runCopy(ctx context.Context, targets []RepoTarget, checksum page.ChecksumFunc, args CopyArgs) (CopyResult, error) {
	f, err := os.Open(args.SourcePath)
	if err != nil {
		return CopyResult{}, pgerr.Wrap(pgerr.FileOpenError, err, "open %s", args.SourcePath)
	}
	defer f.Close()

	hs := filter.NewHashSize(f)
	var src pipeReader = hs

	var verifier *page.Verifier
	if args.PageVerify && checksum != nil {
		verifier = page.NewVerifier(page.SizeDefault, page.LSN(args.BackupStartLSN), checksum)
		src = &verifyingReader{r: hs, v: verifier}
	}

	ext, stage, serr := compressStage(args.CompressType)
	if serr != nil {
		return CopyResult{}, serr
	}

	var upstream interface {
		Read([]byte) (int, error)
	} = src
	var staged filter.Reader
	if stage != nil {
		staged, err = stage(src)
		if err != nil {
			return CopyResult{}, err
		}
		upstream = staged
	}

	// A file is read from disk exactly once regardless of how many
	// repositories it is copied to: every target's writer fans out from a
	// single upstream pass via io.MultiWriter, rather than re-reading the
	// source (or the already-compressed stream, which cannot be rewound)
	// once per repository.
	writers := make([]io.Writer, 0, len(targets))
	closers := make([]io.WriteCloser, 0, len(targets))
	objPaths := make([]string, 0, len(targets))
	for _, t := range targets {
		objPath := args.RepoPath + ext
		w, werr := t.Repo.NewWrite(ctx, objPath)
		if werr != nil {
			for _, c := range closers {
				_ = c.Close()
			}
			return CopyResult{}, werr
		}
		writers = append(writers, w)
		closers = append(closers, w)
		objPaths = append(objPaths, objPath)
	}

	_, cerr := copyAll(io.MultiWriter(writers...), upstream)
	if staged != nil {
		_ = staged.Close()
	}
	if cerr != nil {
		for _, c := range closers {
			_ = c.Close()
		}
		return CopyResult{}, pgerr.Wrap(pgerr.FileWriteError, cerr, "write %s", args.RepoPath)
	}
	for i, c := range closers {
		if cerr := c.Close(); cerr != nil {
			return CopyResult{}, pgerr.Wrap(pgerr.FileWriteError, cerr, "close %s", objPaths[i])
		}
	}

	repoHashes := make(map[string]string, len(targets))
	for _, t := range targets {
		repoHashes[t.Label] = hs.Hash()
	}

	result := CopyResult{Hash: hs.Hash(), Size: hs.Size(), RepoHashes: repoHashes}
	if verifier != nil {
		r := verifier.Result()
		result.PageResult = &r
	}
	return result, nil
}

type pipeReader interface {
	Read([]byte) (int, error)
}

// verifyingReader feeds the source through a page.Verifier one
// page-sized chunk at a time, regardless of how the caller sizes its own
// Read buffer, so the verifier's per-page block counting stays accurate
// while the same pass also produces the hash/compress upload stream.
type verifyingReader struct {
	r      pipeReader
	v      *page.Verifier
	buf    [page.SizeDefault]byte
	avail  []byte
	closed bool
}

func (vr *verifyingReader) Read(p []byte) (int, error) {
	if len(vr.avail) == 0 && !vr.closed {
		n, err := io.ReadFull(readerAdapter{vr.r}, vr.buf[:])
		if n > 0 {
			if ferr := vr.v.Feed(vr.buf[:n]); ferr != nil {
				return 0, ferr
			}
			vr.avail = vr.buf[:n]
		}
		if err != nil {
			vr.closed = true
			if n == 0 {
				return 0, err
			}
		}
	}
	n := copy(p, vr.avail)
	vr.avail = vr.avail[n:]
	if n == 0 && vr.closed {
		return 0, io.EOF
	}
	return n, nil
}

func copyAll(w interface{ Write([]byte) (int, error) }, r pipeReader) (int64, error) {
	buf := make([]byte, 64*1024)
	var total int64
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return total, nil
			}
			return total, rerr
		}
	}
}

func compressStage(ctype string) (string, func(r pipeReader) (filter.Reader, error), error) {
	switch ctype {
	case "", "none":
		return "", nil, nil
	case "zstd":
		return ".zst", func(r pipeReader) (filter.Reader, error) { return filter.ZstdCompress(readerAdapter{r}) }, nil
	case "bzip2":
		return ".bz2", func(r pipeReader) (filter.Reader, error) { return filter.Bzip2Compress(readerAdapter{r}) }, nil
	default:
		return "", nil, pgerr.New(pgerr.ParamInvalidError, "unknown compress-type %q", ctype)
	}
}

type readerAdapter struct{ r pipeReader }

func (a readerAdapter) Read(p []byte) (int, error) { return a.r.Read(p) }

// Job is one file queued for the copy scheduler, largest first.
type Job struct {
	File       manifest.FileEntry
	SourcePath string
	RepoPath   string
	PageVerify bool
}

// Options tunes the copy scheduler.
type Options struct {
	ProcessMax     int
	JobRetry       int
	CompressType   string
	BackupStartLSN uint64
}

// Schedule dispatches jobs largest-file-first across dispatch's worker
// pool, retrying each job up to opts.JobRetry times and collapsing
// repeated failures through the retry accumulator. Returns the
// per-file results keyed by manifest path, or the first fatal error
// after a job exhausts its retries.
func Schedule(ctx context.Context, pc *procctx.Context, dispatch worker.Dispatcher, jobs []Job, opts Options) (map[string]CopyResult, error) {
	ordered := append([]Job(nil), jobs...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].File.Size > ordered[j].File.Size })

	processMax := opts.ProcessMax
	if processMax <= 0 {
		processMax = 1
	}

	type outcome struct {
		path   string
		result CopyResult
		err    error
	}

	in := make(chan Job)
	out := make(chan outcome)
	for w := 0; w < processMax; w++ {
		go func() {
			for j := range in {
				res, err := runJobWithRetry(ctx, pc, dispatch, j, opts)
				out <- outcome{path: j.File.Path, result: res, err: err}
			}
		}()
	}
	go func() {
		for _, j := range ordered {
			in <- j
		}
		close(in)
	}()

	results := make(map[string]CopyResult, len(ordered))
	var firstErr error
	for range ordered {
		o := <-out
		if o.err != nil {
			if firstErr == nil {
				firstErr = o.err
			}
			continue
		}
		results[o.path] = o.result
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return results, nil
}

func runJobWithRetry(ctx context.Context, pc *procctx.Context, dispatch worker.Dispatcher, j Job, opts Options) (CopyResult, error) {
	args := CopyArgs{
		SourcePath:     j.SourcePath,
		RepoPath:       j.RepoPath,
		CompressType:   opts.CompressType,
		PageVerify:     j.PageVerify,
		BackupStartLSN: opts.BackupStartLSN,
	}
	payload, merr := json.Marshal(args)
	if merr != nil {
		return CopyResult{}, pgerr.Wrap(pgerr.FormatError, merr, "encode copy args for %s", j.File.Path)
	}

	attempts := opts.JobRetry
	if attempts <= 0 {
		attempts = 1
	}

	var acc *retry.ErrorRetry
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		resp, err := dispatch.Dispatch(ctx, worker.Command{Verb: CopyFileVerb, Args: payload})
		if err == nil {
			var result CopyResult
			if derr := json.Unmarshal(resp.Result, &result); derr != nil {
				return CopyResult{}, pgerr.Wrap(pgerr.FormatError, derr, "decode copy result for %s", j.File.Path)
			}
			if attempt > 0 {
				pgmetrics.RecordRetry("backup-copy", "success")
			}
			return result, nil
		}

		lastErr = err
		if !retry.IsRetryable(err) {
			return CopyResult{}, err
		}
		if acc == nil {
			acc = retry.New(func() int64 { return pc.Now().UnixMilli() })
		}
		acc.Add(err)
		if attempt < attempts-1 {
			retry.Backoff(ctx, attempt, 100*time.Millisecond, 5*time.Second)
		}
	}

	pgmetrics.RecordRetry("backup-copy", "exhausted")
	kind, _ := pgerr.KindOf(lastErr)
	return CopyResult{}, pgerr.New(kind, "copy of %s failed: %s", j.File.Path, acc.String())
}
