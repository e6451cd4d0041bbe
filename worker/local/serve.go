package local

import (
	"context"
	"errors"
	"io"

	"github.com/pgbackrest-go/pgbackrest/pgerr"
	"github.com/pgbackrest-go/pgbackrest/worker"
)

// Router dispatches a command to the Handler registered for its verb.
type Router map[string]Handler

// Serve is the worker-process side of ForkDispatcher: it exchanges
// greetings over conn, then services commands one at a time until the
// controller closes its side (a clean EOF), grounded on
// ForkDispatcher/SSHDispatcher's client-side half of the same exchange.
func Serve(r io.Reader, w io.Writer, execID string, routes Router) error {
	conn := worker.NewConn(r, w)

	if _, err := conn.RecvGreeting(); err != nil {
		return err
	}
	if err := conn.SendGreeting(execID); err != nil {
		return err
	}

	for {
		cmd, err := conn.RecvCommand()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		handle, ok := routes[cmd.Verb]
		if !ok {
			if serr := conn.SendError(pgerr.New(pgerr.ParamInvalidError, "unknown worker verb %q", cmd.Verb)); serr != nil {
				return serr
			}
			continue
		}

		result, herr := handle(context.Background(), cmd)
		if herr != nil {
			if serr := conn.SendError(herr); serr != nil {
				return serr
			}
			continue
		}
		if serr := conn.SendOk(result); serr != nil {
			return serr
		}
	}
}
