package local

import (
	"context"
	"testing"

	"github.com/pgbackrest-go/pgbackrest/pgerr"
	"github.com/pgbackrest-go/pgbackrest/worker"
)

func TestInProcessDispatcherRunsHandler(t *testing.T) {
	d := NewInProcessDispatcher(2, func(ctx context.Context, cmd worker.Command) (any, error) {
		return map[string]string{"verb": cmd.Verb}, nil
	})
	defer d.Close()

	resp, err := d.Dispatch(context.Background(), worker.Command{Verb: "archive-push"})
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Ok {
		t.Fatalf("expected Ok response")
	}
}

func TestInProcessDispatcherSurfacesHandlerError(t *testing.T) {
	d := NewInProcessDispatcher(1, func(ctx context.Context, cmd worker.Command) (any, error) {
		return nil, pgerr.New(pgerr.FileMissingError, "segment not found")
	})
	defer d.Close()

	if _, err := d.Dispatch(context.Background(), worker.Command{Verb: "archive-get"}); err == nil {
		t.Fatalf("expected handler error to propagate")
	}
}

func TestInProcessDispatcherProcessesConcurrently(t *testing.T) {
	d := NewInProcessDispatcher(4, func(ctx context.Context, cmd worker.Command) (any, error) {
		return cmd.Verb, nil
	})
	defer d.Close()

	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			_, err := d.Dispatch(context.Background(), worker.Command{Verb: "noop"})
			errs <- err
		}()
	}
	for i := 0; i < 8; i++ {
		if err := <-errs; err != nil {
			t.Fatal(err)
		}
	}
}
