// Package lock implements the per-stanza exclusive file lock every
// command family acquires before touching a stanza's repository state,
// re-entrant for the exec-id that already holds it so a controller and
// its forked workers do not contend with themselves.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/pgbackrest-go/pgbackrest/pgerr"
	"github.com/pgbackrest-go/pgbackrest/pgmetrics"
)

// Lock is a held exclusive lock on one (stanza, command family) pair.
type Lock struct {
	file   *os.File
	path   string
	execID string
}

// registry tracks locks already held by this process, keyed by path, so
// a second Acquire call from the same exec-id on the same path succeeds
// instead of deadlocking against itself.
var registry = struct {
	mu    sync.Mutex
	held  map[string]string // path -> execID
}{held: make(map[string]string)}

// Acquire takes the exclusive lock at dataPath/<stanza>-<family>.lock. If
// the lock is already held by execID (the same invocation re-entering,
// e.g. a backup's worker subprocess), Acquire succeeds immediately rather
// than blocking on itself.
func Acquire(dataPath, stanza, family, execID string) (*Lock, error) {
	start := time.Now()
	defer func() { pgmetrics.LockWaitDuration.Observe(time.Since(start).Seconds()) }()

	path := filepath.Join(dataPath, "lock", fmt.Sprintf("%s-%s.lock", stanza, family))

	registry.mu.Lock()
	if holder, ok := registry.held[path]; ok {
		registry.mu.Unlock()
		if holder == execID {
			return &Lock{path: path, execID: execID}, nil
		}
		return nil, pgerr.New(pgerr.LockAcquireError, "lock %s already held by a different execution", path)
	}
	registry.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, pgerr.Wrap(pgerr.PathOpenError, err, "create lock directory for %s", path)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o640)
	if err != nil {
		return nil, pgerr.Wrap(pgerr.FileOpenError, err, "open lock file %s", path)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		return nil, pgerr.Wrap(pgerr.LockAcquireError, err, "lock %s is held by another process", path)
	}

	registry.mu.Lock()
	registry.held[path] = execID
	registry.mu.Unlock()

	return &Lock{file: f, path: path, execID: execID}, nil
}

// Release drops the lock. Releasing a re-entrant lock (one this call did
// not create the underlying flock for) is a no-op, since the original
// holder is still responsible for the flock itself.
func (l *Lock) Release() error {
	if l.file == nil {
		return nil
	}

	registry.mu.Lock()
	delete(registry.held, l.path)
	registry.mu.Unlock()

	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); err != nil {
		_ = l.file.Close()
		return pgerr.Wrap(pgerr.LockAcquireError, err, "unlock %s", l.path)
	}
	return l.file.Close()
}
