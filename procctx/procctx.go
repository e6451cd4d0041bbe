// Package procctx confines the process-level state every component needs
// — exec-id, logger, clock — to a single struct passed explicitly, instead
// of package-level globals.
package procctx

import (
	"time"

	"github.com/google/uuid"
	"github.com/pgbackrest-go/pgbackrest/pglog"
)

// Clock is the time source components read through, so tests can
// substitute a fixed clock.
type Clock func() time.Time

// Context carries the per-invocation identity and facilities every
// component constructor accepts.
type Context struct {
	ExecID string
	Log    *pglog.Logger
	Now    Clock
}

// New creates a process Context with a freshly generated exec-id.
func New(log *pglog.Logger) *Context {
	return &Context{
		ExecID: uuid.NewString(),
		Log:    log,
		Now:    time.Now,
	}
}

// WithExecID returns a copy of c reusing an existing exec-id, so that
// subprocesses of a single invocation (a controller's workers) present the
// same identity to the lock manager and are treated as re-entrant rather
// than contending.
func (c *Context) WithExecID(execID string) *Context {
	cp := *c
	cp.ExecID = execID
	return &cp
}

// Test builds a Context suitable for unit tests: a fixed exec-id, a no-op
// logger, and a clock pinned at the given time.
func Test(at time.Time) *Context {
	return &Context{
		ExecID: "test-exec-id",
		Log:    pglog.Nop(),
		Now:    func() time.Time { return at },
	}
}
