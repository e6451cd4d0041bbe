// Package repo defines the repository abstraction every backup and
// archive component stores and retrieves bytes through: a capability
// interface implemented once per backend (posix, S3, Azure, GCS, SFTP) so
// the rest of the engine never branches on storage kind.
package repo

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/pgbackrest-go/pgbackrest/pgerr"
)

// Level gates which optional capabilities a backend exposes. Object
// stores (S3, Azure, GCS) support versioning and multipart upload;
// filesystem backends (posix, SFTP) do not.
type Level int

const (
	LevelBasic      Level = iota // read, write, list, remove
	LevelVersioned               // + object versions
	LevelMultipart               // + multipart/bundled upload
)

// Info is the metadata returned for a single stored object.
type Info struct {
	Name    string
	Size    int64
	ModTime time.Time
	IsDir   bool
}

// Repo is the storage capability every backend implements. Paths are
// always repo-relative and slash-separated regardless of backend.
type Repo interface {
	// Capability reports the optional feature level this backend supports.
	Capability() Level

	// Info stats a single path, returning FileMissingError if absent.
	Info(ctx context.Context, path string) (Info, error)

	// List enumerates entries directly under path (non-recursive).
	List(ctx context.Context, path string) ([]Info, error)

	// NewRead opens path for streaming read.
	NewRead(ctx context.Context, path string) (io.ReadCloser, error)

	// NewWrite opens path for atomic streaming write: bytes are not
	// visible at path until the returned WriteCloser is Closed without
	// error, so a failed copy never leaves a partial file behind.
	NewWrite(ctx context.Context, path string) (io.WriteCloser, error)

	// Remove deletes path. Removing an absent path is not an error.
	Remove(ctx context.Context, path string) error

	// Exists is a cheap existence check, without the cost of a full Info.
	Exists(ctx context.Context, path string) (bool, error)
}

// ErrNotFound wraps a backend-specific not-found condition as the
// repository's own FileMissingError kind, so callers never need to know
// which SDK's not-found sentinel applies.
func ErrNotFound(path string, cause error) error {
	return pgerr.Wrap(pgerr.FileMissingError, cause, "path not found: %s", path)
}

// Sub returns a view of r with every path rooted under prefix, so the
// stanza-scoped archive/<stanza> and backup/<stanza> trees pgbackrest's
// layout requires can be carved out of one configured backend without
// each backend implementing its own notion of a subdirectory.
func Sub(r Repo, prefix string) Repo {
	if prefix == "" {
		return r
	}
	return &subRepo{base: r, prefix: strings.Trim(prefix, "/")}
}

type subRepo struct {
	base   Repo
	prefix string
}

func (s *subRepo) join(path string) string {
	if path == "" {
		return s.prefix
	}
	return s.prefix + "/" + strings.TrimPrefix(path, "/")
}

func (s *subRepo) Capability() Level { return s.base.Capability() }

func (s *subRepo) Info(ctx context.Context, path string) (Info, error) {
	return s.base.Info(ctx, s.join(path))
}

func (s *subRepo) List(ctx context.Context, path string) ([]Info, error) {
	return s.base.List(ctx, s.join(path))
}

func (s *subRepo) NewRead(ctx context.Context, path string) (io.ReadCloser, error) {
	return s.base.NewRead(ctx, s.join(path))
}

func (s *subRepo) NewWrite(ctx context.Context, path string) (io.WriteCloser, error) {
	return s.base.NewWrite(ctx, s.join(path))
}

func (s *subRepo) Remove(ctx context.Context, path string) error {
	return s.base.Remove(ctx, s.join(path))
}

func (s *subRepo) Exists(ctx context.Context, path string) (bool, error) {
	return s.base.Exists(ctx, s.join(path))
}

// CopyFile streams src's contents from one repo to a path in dst,
// closing both ends and returning the number of bytes copied. It is the
// common path used by backup and restore for cross-repo copies, and by
// posix-to-posix copies during a local restore.
func CopyFile(ctx context.Context, src Repo, srcPath string, dst Repo, dstPath string) (int64, error) {
	r, err := src.NewRead(ctx, srcPath)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	w, err := dst.NewWrite(ctx, dstPath)
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(w, r)
	if err != nil {
		_ = w.Close()
		return n, pgerr.Wrap(pgerr.FileWriteError, err, "copy %s to %s", srcPath, dstPath)
	}
	if err := w.Close(); err != nil {
		return n, pgerr.Wrap(pgerr.FileWriteError, err, "close write of %s", dstPath)
	}
	return n, nil
}
