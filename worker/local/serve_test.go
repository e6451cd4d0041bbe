package local

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pgbackrest-go/pgbackrest/worker"
)

// pipePair wires a controller-side Conn to a worker-side Serve loop
// through two in-memory pipes, one per direction.
func pipePair(t *testing.T, routes Router) *worker.Conn {
	t.Helper()
	ctrlR, workerW := io.Pipe()
	workerR, ctrlW := io.Pipe()

	done := make(chan error, 1)
	go func() { done <- Serve(workerR, workerW, "worker-1", routes) }()
	t.Cleanup(func() {
		_ = ctrlW.Close()
		<-done
	})

	return worker.NewConn(ctrlR, ctrlW)
}

func TestServeRoundTripsGreetingAndCommand(t *testing.T) {
	routes := Router{
		"echo": func(ctx context.Context, cmd worker.Command) (any, error) {
			return map[string]string{"verb": cmd.Verb}, nil
		},
	}
	conn := pipePair(t, routes)

	require.NoError(t, conn.SendGreeting("controller"))
	g, err := conn.RecvGreeting()
	require.NoError(t, err)
	require.Equal(t, "worker-1", g.ExecID)

	require.NoError(t, conn.SendCommand(worker.Command{Verb: "echo"}))
	resp, err := conn.RecvResponse()
	require.NoError(t, err)
	require.True(t, resp.Ok)
}

func TestServeRejectsUnknownVerb(t *testing.T) {
	conn := pipePair(t, Router{})

	require.NoError(t, conn.SendGreeting("controller"))
	_, err := conn.RecvGreeting()
	require.NoError(t, err)

	require.NoError(t, conn.SendCommand(worker.Command{Verb: "does-not-exist"}))
	_, err = conn.RecvResponse()
	require.Error(t, err)
}

func TestServeSurfacesHandlerError(t *testing.T) {
	routes := Router{
		"fail": func(ctx context.Context, cmd worker.Command) (any, error) {
			return nil, io.ErrUnexpectedEOF
		},
	}
	conn := pipePair(t, routes)

	require.NoError(t, conn.SendGreeting("controller"))
	_, err := conn.RecvGreeting()
	require.NoError(t, err)

	require.NoError(t, conn.SendCommand(worker.Command{Verb: "fail"}))
	_, err = conn.RecvResponse()
	require.Error(t, err)
}
