package command

import (
	"context"

	"github.com/schollz/progressbar/v3"

	"github.com/pgbackrest-go/pgbackrest/worker"
)

// progressDispatcher wraps a worker.Dispatcher with a terminal progress
// bar, advancing it by one on every completed dispatch. The total file
// count isn't known until the engine finishes building its job list, so
// the bar runs in indeterminate (spinner) mode rather than against a
// fixed total.
type progressDispatcher struct {
	inner worker.Dispatcher
	bar   *progressbar.ProgressBar
}

func newProgressDispatcher(inner worker.Dispatcher, description string) *progressDispatcher {
	return &progressDispatcher{
		inner: inner,
		bar:   progressbar.Default(-1, description),
	}
}

func (p *progressDispatcher) Dispatch(ctx context.Context, cmd worker.Command) (worker.Response, error) {
	resp, err := p.inner.Dispatch(ctx, cmd)
	_ = p.bar.Add(1)
	return resp, err
}

func (p *progressDispatcher) Close() error {
	_ = p.bar.Finish()
	return p.inner.Close()
}
