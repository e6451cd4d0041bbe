package remote

import (
	"context"
	"crypto/tls"
	"testing"

	"github.com/pgbackrest-go/pgbackrest/worker"
)

func TestTLSDispatcherSurfacesDialFailure(t *testing.T) {
	d := NewTLSDispatcher("127.0.0.1:0", &tls.Config{InsecureSkipVerify: true})
	if _, err := d.Dispatch(context.Background(), worker.Command{Verb: "archive-push"}); err == nil {
		t.Fatalf("expected dial failure against an unbound port")
	}
}

func TestTLSDispatcherCloseIsNoop(t *testing.T) {
	d := NewTLSDispatcher("127.0.0.1:0", nil)
	if err := d.Close(); err != nil {
		t.Fatalf("expected Close to be a no-op, got %v", err)
	}
}

func TestTLSDispatcherRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := NewTLSDispatcher("127.0.0.1:1", &tls.Config{InsecureSkipVerify: true})
	if _, err := d.Dispatch(ctx, worker.Command{Verb: "archive-push"}); err == nil {
		t.Fatalf("expected dispatch to fail against a cancelled context")
	}
}

var _ worker.Dispatcher = (*SSHDispatcher)(nil)
