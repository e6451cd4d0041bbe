// Package posix implements repo.Repo over the local filesystem. There is
// no third-party client for local disk access in the example pack, so
// this backend is the one place the repository abstraction is built
// directly on the standard library.
package posix

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pgbackrest-go/pgbackrest/pgerr"
	"github.com/pgbackrest-go/pgbackrest/repo"
)

// Repo stores objects beneath root on the local filesystem.
type Repo struct {
	root string
}

// New returns a posix-backed repo.Repo rooted at root. root is created if
// it does not already exist.
func New(root string) (*Repo, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, pgerr.Wrap(pgerr.PathOpenError, err, "create repo root %s", root)
	}
	return &Repo{root: root}, nil
}

func (r *Repo) resolve(path string) string {
	return filepath.Join(r.root, filepath.FromSlash(path))
}

// Capability reports LevelBasic: the filesystem has no notion of object
// versions or multipart upload.
func (r *Repo) Capability() repo.Level { return repo.LevelBasic }

func (r *Repo) Info(ctx context.Context, path string) (repo.Info, error) {
	fi, err := os.Stat(r.resolve(path))
	if err != nil {
		if os.IsNotExist(err) {
			return repo.Info{}, repo.ErrNotFound(path, err)
		}
		return repo.Info{}, pgerr.Wrap(pgerr.FileReadError, err, "stat %s", path)
	}
	return toInfo(path, fi), nil
}

func toInfo(path string, fi fs.FileInfo) repo.Info {
	return repo.Info{Name: path, Size: fi.Size(), ModTime: fi.ModTime(), IsDir: fi.IsDir()}
}

func (r *Repo) List(ctx context.Context, path string) ([]repo.Info, error) {
	entries, err := os.ReadDir(r.resolve(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, repo.ErrNotFound(path, err)
		}
		return nil, pgerr.Wrap(pgerr.FileReadError, err, "list %s", path)
	}

	out := make([]repo.Info, 0, len(entries))
	for _, e := range entries {
		fi, err := e.Info()
		if err != nil {
			return nil, pgerr.Wrap(pgerr.FileReadError, err, "stat entry %s", e.Name())
		}
		out = append(out, toInfo(filepath.ToSlash(filepath.Join(path, e.Name())), fi))
	}
	return out, nil
}

func (r *Repo) NewRead(ctx context.Context, path string) (io.ReadCloser, error) {
	f, err := os.Open(r.resolve(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, repo.ErrNotFound(path, err)
		}
		return nil, pgerr.Wrap(pgerr.FileOpenError, err, "open %s", path)
	}
	return f, nil
}

// atomicWriter buffers writes to a temporary sibling file and renames it
// into place on Close, so a reader never observes a partially written
// object.
type atomicWriter struct {
	f       *os.File
	tmpPath string
	finPath string
}

func (r *Repo) NewWrite(ctx context.Context, path string) (io.WriteCloser, error) {
	finPath := r.resolve(path)
	if err := os.MkdirAll(filepath.Dir(finPath), 0o750); err != nil {
		return nil, pgerr.Wrap(pgerr.PathOpenError, err, "create parent directory for %s", path)
	}

	tmpPath := finPath + ".pgbackrest.tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return nil, pgerr.Wrap(pgerr.FileOpenError, err, "open temp file for %s", path)
	}
	return &atomicWriter{f: f, tmpPath: tmpPath, finPath: finPath}, nil
}

func (w *atomicWriter) Write(p []byte) (int, error) { return w.f.Write(p) }

func (w *atomicWriter) Close() error {
	if err := w.f.Sync(); err != nil {
		_ = w.f.Close()
		_ = os.Remove(w.tmpPath)
		return pgerr.Wrap(pgerr.FileWriteError, err, "sync %s", w.tmpPath)
	}
	if err := w.f.Close(); err != nil {
		_ = os.Remove(w.tmpPath)
		return pgerr.Wrap(pgerr.FileWriteError, err, "close %s", w.tmpPath)
	}
	if err := os.Rename(w.tmpPath, w.finPath); err != nil {
		_ = os.Remove(w.tmpPath)
		return pgerr.Wrap(pgerr.FileWriteError, err, "rename %s into place", w.finPath)
	}
	return nil
}

func (r *Repo) Remove(ctx context.Context, path string) error {
	if err := os.Remove(r.resolve(path)); err != nil && !os.IsNotExist(err) {
		return pgerr.Wrap(pgerr.FileRemoveError, err, "remove %s", path)
	}
	return nil
}

func (r *Repo) Exists(ctx context.Context, path string) (bool, error) {
	_, err := os.Stat(r.resolve(path))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, pgerr.Wrap(pgerr.FileReadError, err, "stat %s", path)
}
