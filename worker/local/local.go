// Package local implements worker.Dispatcher over a pool of either
// forked OS processes or in-process goroutines, grounded on
// Coordinator.Run's task-channel/WaitGroup worker pool: a fixed number
// of workers pull commands off a shared channel and post results back,
// rather than a worker per command.
package local

import (
	"context"
	"os/exec"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/pgbackrest-go/pgbackrest/pgerr"
	"github.com/pgbackrest-go/pgbackrest/worker"
)

// Handler executes one command in-process and returns its result. The
// in-process dispatcher exists primarily so tests and coverage tooling
// can exercise command dispatch without forking a real subprocess.
type Handler func(ctx context.Context, cmd worker.Command) (any, error)

type job struct {
	cmd    worker.Command
	result chan result
}

type result struct {
	resp worker.Response
	err  error
}

// InProcessDispatcher runs commands against a Handler through a worker
// pool of goroutines, exercising the same task-channel fan-out a forked
// pool uses without the cost of a subprocess per test.
type InProcessDispatcher struct {
	jobs    chan job
	wg      sync.WaitGroup
	closeMu sync.Once
}

// NewInProcessDispatcher starts workers goroutines pulling from a shared
// job channel and running each command through handle.
func NewInProcessDispatcher(workers int, handle Handler) *InProcessDispatcher {
	if workers <= 0 {
		workers = 1
	}
	d := &InProcessDispatcher{jobs: make(chan job)}
	d.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer d.wg.Done()
			for j := range d.jobs {
				res, err := handle(context.Background(), j.cmd)
				if err != nil {
					j.result <- result{resp: worker.Response{Ok: false, Message: err.Error()}, err: err}
					continue
				}
				data, merr := json.Marshal(res)
				if merr != nil {
					j.result <- result{err: merr}
					continue
				}
				j.result <- result{resp: worker.Response{Ok: true, Result: data}}
			}
		}()
	}
	return d
}

// Dispatch submits cmd to the pool and waits for its result.
func (d *InProcessDispatcher) Dispatch(ctx context.Context, cmd worker.Command) (worker.Response, error) {
	j := job{cmd: cmd, result: make(chan result, 1)}
	select {
	case d.jobs <- j:
	case <-ctx.Done():
		return worker.Response{}, pgerr.Wrap(pgerr.ProtocolError, ctx.Err(), "dispatch %s", cmd.Verb)
	}

	select {
	case r := <-j.result:
		return r.resp, r.err
	case <-ctx.Done():
		return worker.Response{}, pgerr.Wrap(pgerr.ProtocolError, ctx.Err(), "await result for %s", cmd.Verb)
	}
}

// Close stops accepting new commands and waits for in-flight ones to
// finish.
func (d *InProcessDispatcher) Close() error {
	d.closeMu.Do(func() { close(d.jobs) })
	d.wg.Wait()
	return nil
}

// ForkDispatcher runs each command against a freshly forked copy of the
// current executable in worker mode, communicating over the child's
// stdin/stdout with the framed JSON-line protocol.
type ForkDispatcher struct {
	execPath string
	args     []string
}

// NewForkDispatcher returns a Dispatcher that forks execPath (args...,
// "worker") for every command.
func NewForkDispatcher(execPath string, args ...string) *ForkDispatcher {
	return &ForkDispatcher{execPath: execPath, args: args}
}

func (d *ForkDispatcher) Dispatch(ctx context.Context, cmd worker.Command) (worker.Response, error) {
	c := exec.CommandContext(ctx, d.execPath, d.args...)

	stdin, err := c.StdinPipe()
	if err != nil {
		return worker.Response{}, pgerr.Wrap(pgerr.ExecuteError, err, "open worker stdin")
	}
	stdout, err := c.StdoutPipe()
	if err != nil {
		return worker.Response{}, pgerr.Wrap(pgerr.ExecuteError, err, "open worker stdout")
	}

	if err := c.Start(); err != nil {
		return worker.Response{}, pgerr.Wrap(pgerr.ExecuteError, err, "start worker process")
	}

	conn := worker.NewConn(stdout, stdin)
	if err := conn.SendGreeting("controller"); err != nil {
		return worker.Response{}, err
	}
	if _, err := conn.RecvGreeting(); err != nil {
		return worker.Response{}, err
	}
	if err := conn.SendCommand(cmd); err != nil {
		return worker.Response{}, err
	}

	resp, err := conn.RecvResponse()
	_ = stdin.Close()

	waitErr := c.Wait()
	if err != nil {
		return resp, err
	}
	if waitErr != nil {
		return resp, pgerr.Wrap(pgerr.ExecuteError, waitErr, "worker process exited with error")
	}
	return resp, nil
}

func (d *ForkDispatcher) Close() error { return nil }

var _ worker.Dispatcher = (*InProcessDispatcher)(nil)
var _ worker.Dispatcher = (*ForkDispatcher)(nil)
