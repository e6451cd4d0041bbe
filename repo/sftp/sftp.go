// Package sftp implements repo.Repo over an SFTP session, grounded on the
// pack's shared golang.org/x/crypto/ssh dependency for transport and
// github.com/pkg/sftp as its standard protocol companion.
package sftp

import (
	"context"
	"io"
	"os"
	"path"
	"strings"

	"github.com/pkg/sftp"

	"github.com/pgbackrest-go/pgbackrest/pgerr"
	"github.com/pgbackrest-go/pgbackrest/repo"
)

// Repo stores objects under root on a remote host reachable over an
// already-established SFTP client session.
type Repo struct {
	client *sftp.Client
	root   string
}

// New returns an SFTP-backed repo.Repo rooted at root on the remote host.
func New(client *sftp.Client, root string) *Repo {
	return &Repo{client: client, root: strings.TrimRight(root, "/")}
}

func (r *Repo) resolve(p string) string {
	return path.Join(r.root, p)
}

// Capability reports LevelBasic: SFTP has no object versions or
// multipart upload, the same as the posix backend.
func (r *Repo) Capability() repo.Level { return repo.LevelBasic }

func (r *Repo) Info(ctx context.Context, p string) (repo.Info, error) {
	fi, err := r.client.Stat(r.resolve(p))
	if err != nil {
		if os.IsNotExist(err) {
			return repo.Info{}, repo.ErrNotFound(p, err)
		}
		return repo.Info{}, pgerr.Wrap(pgerr.FileReadError, err, "stat %s", p)
	}
	return repo.Info{Name: p, Size: fi.Size(), ModTime: fi.ModTime(), IsDir: fi.IsDir()}, nil
}

func (r *Repo) List(ctx context.Context, p string) ([]repo.Info, error) {
	entries, err := r.client.ReadDir(r.resolve(p))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, repo.ErrNotFound(p, err)
		}
		return nil, pgerr.Wrap(pgerr.FileReadError, err, "list %s", p)
	}
	out := make([]repo.Info, 0, len(entries))
	for _, e := range entries {
		out = append(out, repo.Info{
			Name:    path.Join(p, e.Name()),
			Size:    e.Size(),
			ModTime: e.ModTime(),
			IsDir:   e.IsDir(),
		})
	}
	return out, nil
}

func (r *Repo) NewRead(ctx context.Context, p string) (io.ReadCloser, error) {
	f, err := r.client.Open(r.resolve(p))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, repo.ErrNotFound(p, err)
		}
		return nil, pgerr.Wrap(pgerr.FileOpenError, err, "open %s", p)
	}
	return f, nil
}

// atomicWriter writes to a temporary sibling path and renames it into
// place on Close, matching the posix backend's atomic-write contract.
type atomicWriter struct {
	client  *sftp.Client
	f       *sftp.File
	tmpPath string
	finPath string
}

func (r *Repo) NewWrite(ctx context.Context, p string) (io.WriteCloser, error) {
	finPath := r.resolve(p)
	if err := r.client.MkdirAll(path.Dir(finPath)); err != nil {
		return nil, pgerr.Wrap(pgerr.PathOpenError, err, "create parent directory for %s", p)
	}

	tmpPath := finPath + ".pgbackrest.tmp"
	f, err := r.client.Create(tmpPath)
	if err != nil {
		return nil, pgerr.Wrap(pgerr.FileOpenError, err, "create temp file for %s", p)
	}
	return &atomicWriter{client: r.client, f: f, tmpPath: tmpPath, finPath: finPath}, nil
}

func (w *atomicWriter) Write(p []byte) (int, error) { return w.f.Write(p) }

func (w *atomicWriter) Close() error {
	if err := w.f.Close(); err != nil {
		_ = w.client.Remove(w.tmpPath)
		return pgerr.Wrap(pgerr.FileWriteError, err, "close %s", w.tmpPath)
	}
	if err := w.client.PosixRename(w.tmpPath, w.finPath); err != nil {
		_ = w.client.Remove(w.tmpPath)
		return pgerr.Wrap(pgerr.FileWriteError, err, "rename %s into place", w.finPath)
	}
	return nil
}

func (r *Repo) Remove(ctx context.Context, p string) error {
	if err := r.client.Remove(r.resolve(p)); err != nil && !os.IsNotExist(err) {
		return pgerr.Wrap(pgerr.FileRemoveError, err, "remove %s", p)
	}
	return nil
}

func (r *Repo) Exists(ctx context.Context, p string) (bool, error) {
	_, err := r.client.Stat(r.resolve(p))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, pgerr.Wrap(pgerr.FileReadError, err, "stat %s", p)
}
