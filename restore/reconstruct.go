package restore

import (
	"context"
	"io"
	"os"
	"path/filepath"

	json "github.com/goccy/go-json"

	"github.com/pgbackrest-go/pgbackrest/filter"
	"github.com/pgbackrest-go/pgbackrest/manifest"
	"github.com/pgbackrest-go/pgbackrest/pgerr"
	"github.com/pgbackrest-go/pgbackrest/repo"
	"github.com/pgbackrest-go/pgbackrest/worker"
)

// ReconstructFileVerb is the worker command verb a restore job is
// dispatched under.
const ReconstructFileVerb = "restore-reconstruct-file"

// ReconstructArgs is the opaque argument payload for one
// restore-reconstruct-file command. BaseLabel/BaseRepoPath are empty
// unless the file is block-incremental, in which case the base blocks are
// read from the referenced ancestor backup and the current backup's
// bytes hold only the delta blocks named in BlockMap.
type ReconstructArgs struct {
	RepoPath     string              `json:"repoPath"`
	CompressType string              `json:"compressType"`
	DestPath     string              `json:"destPath"`
	Mode         uint32              `json:"mode"`
	BaseRepoPath string              `json:"baseRepoPath,omitempty"`
	BlockMap     []manifest.BlockRange `json:"blockMap,omitempty"`
	BlockSize    int64               `json:"blockSize,omitempty"`
}

// ReconstructResult is a completed reconstruction job's outcome.
type ReconstructResult struct {
	Hash string `json:"hash"`
	Size int64  `json:"size"`
}

// ReconstructHandler builds the in-process worker.local.Handler that
// fetches one file from repo, optionally combining base blocks from an
// ancestor backup with delta blocks from the current one, and writes the
// reconstructed file to disk.
func ReconstructHandler(r repo.Repo) func(ctx context.Context, cmd worker.Command) (any, error) {
	return func(ctx context.Context, cmd worker.Command) (any, error) {
		var args ReconstructArgs
		if err := json.Unmarshal(cmd.Args, &args); err != nil {
			return nil, pgerr.Wrap(pgerr.ProtocolError, err, "decode reconstruct args")
		}
		return runReconstruct(ctx, r, args)
	}
}

func runReconstruct(ctx context.Context, r repo.Repo, args ReconstructArgs) (ReconstructResult, error) {
	if err := os.MkdirAll(filepath.Dir(args.DestPath), 0o750); err != nil {
		return ReconstructResult{}, pgerr.Wrap(pgerr.PathOpenError, err, "create parent of %s", args.DestPath)
	}

	var data []byte
	var err error
	if len(args.BlockMap) > 0 && args.BaseRepoPath != "" {
		data, err = combineBlocks(ctx, r, args)
	} else {
		data, err = fetchWhole(ctx, r, args.RepoPath, args.CompressType)
	}
	if err != nil {
		return ReconstructResult{}, err
	}

	tmp := args.DestPath + ".pgbackrest.tmp"
	if werr := os.WriteFile(tmp, data, os.FileMode(args.Mode)); werr != nil {
		return ReconstructResult{}, pgerr.Wrap(pgerr.FileWriteError, werr, "write %s", tmp)
	}
	if rerr := os.Rename(tmp, args.DestPath); rerr != nil {
		_ = os.Remove(tmp)
		return ReconstructResult{}, pgerr.Wrap(pgerr.FileWriteError, rerr, "rename into place %s", args.DestPath)
	}

	hash, size, herr := manifest.HashFile(byteReader{data})
	if herr != nil {
		return ReconstructResult{}, herr
	}
	return ReconstructResult{Hash: hash, Size: size}, nil
}

type byteReader struct{ b []byte }

func (r byteReader) Read(p []byte) (int, error) {
	n := copy(p, r.b)
	if n == 0 {
		return 0, io.EOF
	}
	r.b = r.b[n:]
	return n, nil
}

func fetchWhole(ctx context.Context, r repo.Repo, objPath, compressType string) ([]byte, error) {
	rc, err := r.NewRead(ctx, objPath+extFor(compressType))
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	stream, err := decompressFor(compressType, rc)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	return io.ReadAll(stream)
}

// combineBlocks reads the ancestor backup's full file as the base, then
// overlays each delta block range read from the current backup's stored
// bytes, implementing block-incremental reconstruction.
func combineBlocks(ctx context.Context, r repo.Repo, args ReconstructArgs) ([]byte, error) {
	base, err := fetchWhole(ctx, r, args.BaseRepoPath, args.CompressType)
	if err != nil {
		return nil, err
	}
	delta, err := fetchWhole(ctx, r, args.RepoPath, args.CompressType)
	if err != nil {
		return nil, err
	}

	out := append([]byte(nil), base...)
	blockSize := args.BlockSize
	offset := int64(0)
	for _, br := range args.BlockMap {
		start := br.StartBlock * blockSize
		end := (br.EndBlock + 1) * blockSize
		if end > int64(len(out)) {
			grown := make([]byte, end)
			copy(grown, out)
			out = grown
		}
		n := end - start
		if offset+n > int64(len(delta)) {
			n = int64(len(delta)) - offset
		}
		copy(out[start:start+n], delta[offset:offset+n])
		offset += n
	}
	return out, nil
}

func extFor(compressType string) string {
	switch compressType {
	case "zstd":
		return ".zst"
	case "bzip2":
		return ".bz2"
	default:
		return ""
	}
}

func decompressFor(compressType string, rc io.ReadCloser) (filter.Reader, error) {
	switch compressType {
	case "zstd":
		return filter.ZstdDecompress(rc)
	case "bzip2":
		return filter.Bzip2Decompress(rc)
	default:
		return passthrough{rc}, nil
	}
}

type passthrough struct{ io.ReadCloser }
