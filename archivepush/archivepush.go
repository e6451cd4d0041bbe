// Package archivepush implements WAL segment push: a synchronous path
// that uploads one segment named on the command line, and an asynchronous
// path that decouples the database from upload latency through a spool
// directory and a detached worker pool. Grounded on Coordinator.Run's
// worker-pool/channel/wg pattern, repointed at WAL segments instead of
// export data files.
package archivepush

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"path"
	"strconv"
	"time"

	"crypto/sha1" //nolint:gosec // content hash, not a security boundary

	"github.com/pgbackrest-go/pgbackrest/filter"
	"github.com/pgbackrest-go/pgbackrest/pgerr"
	"github.com/pgbackrest-go/pgbackrest/pgmetrics"
	"github.com/pgbackrest-go/pgbackrest/procctx"
	"github.com/pgbackrest-go/pgbackrest/repo"
	"github.com/pgbackrest-go/pgbackrest/retry"
	"github.com/pgbackrest-go/pgbackrest/walseg"
)

// RepoTarget pairs a repository backend with the archive-id its stanza is
// currently bound to in that repository, so the object path for a segment
// can be computed without a second lookup per push.
type RepoTarget struct {
	Repo      repo.Repo
	ArchiveID string
}

// Options bundles the tunables for one archive-push invocation.
type Options struct {
	HeaderCheck    bool
	SystemID       string // expected pg_system_identifier, required when HeaderCheck is set
	CompressType   string // "", "none", "zstd", or "bzip2"
	QueueMax       int64  // archive-push-queue-max in bytes; <= 0 means always drop
	ProcessMax     int
	JobRetry       int
	ArchiveTimeout time.Duration
	PollInterval   time.Duration
}

func objectDir(stanza, archiveID string, seg walseg.Name) string {
	return path.Join("archive", stanza, archiveID, seg.LogLine())
}

func objectPrefix(seg walseg.Name) string { return string(seg) + "-" }

// findExisting scans a target's archive directory for an object already
// stored for seg, returning its content hash if one is found. The hash is
// embedded in the object name itself ("<segment>-<hash>[.ext]"), so a
// listing of the directory is enough to detect a duplicate without
// downloading the object.
func findExisting(ctx context.Context, t RepoTarget, stanza string, seg walseg.Name) (string, bool, error) {
	dir := objectDir(stanza, t.ArchiveID, seg)
	entries, err := t.Repo.List(ctx, dir)
	if err != nil {
		if pgerr.Is(err, pgerr.FileMissingError) {
			return "", false, nil
		}
		return "", false, err
	}

	prefix := objectPrefix(seg)
	for _, e := range entries {
		if e.IsDir || len(e.Name) <= len(prefix) {
			continue
		}
		if e.Name[:len(prefix)] != prefix {
			continue
		}
		rest := e.Name[len(prefix):]
		if idx := indexByte(rest, '.'); idx >= 0 {
			rest = rest[:idx]
		}
		return rest, true, nil
	}
	return "", false, nil
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// compressStage returns the object-name extension and the filter stage for
// ctype, or ("", nil, nil) for no compression.
func compressStage(ctype string) (string, func(io.Reader) (filter.Reader, error), error) {
	switch ctype {
	case "", "none":
		return "", nil, nil
	case "zstd":
		return ".zst", filter.ZstdCompress, nil
	case "bzip2":
		return ".bz2", filter.Bzip2Compress, nil
	default:
		return "", nil, pgerr.New(pgerr.ParamInvalidError, "unknown compress-type %q", ctype)
	}
}

// PushOne uploads raw (the segment's uncompressed bytes) to every target,
// applying the duplicate-detection policy: an existing object with the
// same content hash is a success-with-warning, a different hash is a hard
// ArchiveDuplicateError. Returns the content hash and any warnings to
// surface to the caller.
func PushOne(ctx context.Context, targets []RepoTarget, stanza string, seg walseg.Name, raw []byte, compressType string) (string, []string, error) {
	sum := sha1.Sum(raw) //nolint:gosec
	hash := hex.EncodeToString(sum[:])

	ext, stage, err := compressStage(compressType)
	if err != nil {
		return "", nil, err
	}

	var warnings []string
	for _, t := range targets {
		existing, found, err := findExisting(ctx, t, stanza, seg)
		if err != nil {
			return "", warnings, err
		}
		if found {
			if existing == hash {
				warnings = append(warnings, fmt.Sprintf("WAL segment %s already exists in the repo with the same checksum", seg))
				continue
			}
			return "", warnings, pgerr.New(pgerr.ArchiveDuplicateError, "WAL segment %s already exists in the repo with a different checksum", seg)
		}

		var src io.Reader = bytes.NewReader(raw)
		var staged filter.Reader
		if stage != nil {
			var serr error
			staged, serr = stage(src)
			if serr != nil {
				return "", warnings, serr
			}
			src = staged
		}

		objPath := path.Join(objectDir(stanza, t.ArchiveID, seg), objectPrefix(seg)+hash+ext)
		w, werr := t.Repo.NewWrite(ctx, objPath)
		if werr != nil {
			return "", warnings, werr
		}
		_, cerr := io.Copy(w, src)
		if staged != nil {
			_ = staged.Close()
		}
		if cerr != nil {
			_ = w.Close()
			return "", warnings, pgerr.Wrap(pgerr.FileWriteError, cerr, "write %s", objPath)
		}
		if cerr := w.Close(); cerr != nil {
			return "", warnings, pgerr.Wrap(pgerr.FileWriteError, cerr, "close %s", objPath)
		}
	}
	return hash, warnings, nil
}

// walLongHeaderSize is the size in bytes of XLogLongPageHeaderData: the
// 24-byte (with alignment padding) standard page header, followed by an
// 8-byte system identifier, a 4-byte segment size, and a 4-byte block size.
const walLongHeaderSize = 40

// parseWALHeader extracts the system identifier and segment size recorded
// in a WAL segment's first page header.
func parseWALHeader(raw []byte) (systemID uint64, segSize uint32, err error) {
	if len(raw) < walLongHeaderSize {
		return 0, 0, pgerr.New(pgerr.FormatError, "WAL segment too short for a page header")
	}
	magic := binary.LittleEndian.Uint16(raw[0:2])
	if magic == 0 {
		return 0, 0, pgerr.New(pgerr.FormatError, "invalid WAL page header magic")
	}
	systemID = binary.LittleEndian.Uint64(raw[24:32])
	segSize = binary.LittleEndian.Uint32(raw[32:36])
	return systemID, segSize, nil
}

// checkHeader validates a segment's header system-id against the stanza's
// expected system-id, the check performed unless --archive-header-check is
// disabled.
func checkHeader(raw []byte, expectedSystemID string) error {
	sysID, _, err := parseWALHeader(raw)
	if err != nil {
		return err
	}
	got := strconv.FormatUint(sysID, 10)
	if got != expectedSystemID {
		return pgerr.New(pgerr.ArchiveMismatchError, "WAL segment system-id %s does not match stanza system-id %s", got, expectedSystemID)
	}
	return nil
}

// PushSync implements the synchronous push of a single WAL segment already
// read into memory: compute its fingerprint, upload to every configured
// repository, retrying transient failures, with no spool involvement.
// Errors are fatal and propagate to the caller so the database sees a
// non-zero exit and retries the call itself.
func PushSync(ctx context.Context, pc *procctx.Context, seg walseg.Name, raw []byte, targets []RepoTarget, stanza string, opts Options) (string, []string, error) {
	start := pc.Now()
	defer func() {
		pgmetrics.ArchivePushDuration.Observe(pc.Now().Sub(start).Seconds())
	}()

	if opts.HeaderCheck {
		if err := checkHeader(raw, opts.SystemID); err != nil {
			pgmetrics.ArchivePushTotal.WithLabelValues("error").Inc()
			return "", nil, err
		}
	}

	attempts := opts.JobRetry
	if attempts <= 0 {
		attempts = 1
	}

	var acc *retry.ErrorRetry
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		hash, warnings, err := PushOne(ctx, targets, stanza, seg, raw, opts.CompressType)
		if err == nil {
			for _, w := range warnings {
				pc.Log.Warnf("%s", w)
			}
			outcome := "ok"
			if attempt > 0 {
				outcome = "retry"
				pgmetrics.RecordRetry("archive-push", "success")
			}
			pgmetrics.ArchivePushTotal.WithLabelValues(outcome).Inc()
			return hash, warnings, nil
		}

		lastErr = err
		if !retry.IsRetryable(err) {
			pgmetrics.ArchivePushTotal.WithLabelValues("error").Inc()
			return "", nil, err
		}
		if acc == nil {
			acc = retry.New(func() int64 { return pc.Now().UnixMilli() })
		}
		acc.Add(err)
		if attempt < attempts-1 {
			retry.Backoff(ctx, attempt, 100*time.Millisecond, 5*time.Second)
		}
	}

	pgmetrics.RecordRetry("archive-push", "exhausted")
	pgmetrics.ArchivePushTotal.WithLabelValues("error").Inc()
	kind, _ := pgerr.KindOf(lastErr)
	return "", nil, pgerr.New(kind, "%s", acc.String())
}
