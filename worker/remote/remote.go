// Package remote implements worker.Dispatcher over SSH and TLS
// transports, for workers running on a separate host from the
// controller. SSH uses golang.org/x/crypto/ssh, a dependency shared with
// the rest of the example pack's transport layers; TLS is built on the
// standard library since no pack dependency wraps it further.
package remote

import (
	"context"
	"crypto/tls"
	"net"

	"golang.org/x/crypto/ssh"

	"github.com/pgbackrest-go/pgbackrest/pgerr"
	"github.com/pgbackrest-go/pgbackrest/worker"
)

// SSHDispatcher runs the worker binary on a remote host over an SSH
// session, one session per command.
type SSHDispatcher struct {
	client    *ssh.Client
	remoteCmd string
}

// NewSSHDispatcher returns a Dispatcher using an already-authenticated
// SSH client to invoke remoteCmd (the worker binary) per command.
func NewSSHDispatcher(client *ssh.Client, remoteCmd string) *SSHDispatcher {
	return &SSHDispatcher{client: client, remoteCmd: remoteCmd}
}

func (d *SSHDispatcher) Dispatch(ctx context.Context, cmd worker.Command) (worker.Response, error) {
	session, err := d.client.NewSession()
	if err != nil {
		return worker.Response{}, pgerr.Wrap(pgerr.HostConnectError, err, "open SSH session")
	}
	defer session.Close()

	stdin, err := session.StdinPipe()
	if err != nil {
		return worker.Response{}, pgerr.Wrap(pgerr.HostConnectError, err, "open SSH stdin")
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		return worker.Response{}, pgerr.Wrap(pgerr.HostConnectError, err, "open SSH stdout")
	}

	if err := session.Start(d.remoteCmd); err != nil {
		return worker.Response{}, pgerr.Wrap(pgerr.HostConnectError, err, "start remote worker")
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
	if waitErr := session.Wait(); waitErr != nil && err == nil {
		return resp, pgerr.Wrap(pgerr.ExecuteError, waitErr, "remote worker exited with error")
	}
	return resp, err
}

func (d *SSHDispatcher) Close() error { return d.client.Close() }

// TLSDispatcher runs commands against a long-lived worker process
// listening on a TLS socket, one frame exchange per command over a
// freshly dialed connection.
type TLSDispatcher struct {
	addr string
	cfg  *tls.Config
}

// NewTLSDispatcher returns a Dispatcher that dials addr over TLS for
// every command.
func NewTLSDispatcher(addr string, cfg *tls.Config) *TLSDispatcher {
	return &TLSDispatcher{addr: addr, cfg: cfg}
}

func (d *TLSDispatcher) Dispatch(ctx context.Context, cmd worker.Command) (worker.Response, error) {
	dialer := &tls.Dialer{Config: d.cfg}
	raw, err := dialer.DialContext(ctx, "tcp", d.addr)
	if err != nil {
		return worker.Response{}, pgerr.Wrap(pgerr.HostConnectError, err, "dial %s", d.addr)
	}
	defer raw.Close()

	nc, ok := raw.(net.Conn)
	if !ok {
		return worker.Response{}, pgerr.New(pgerr.ProtocolError, "unexpected connection type from TLS dialer")
	}

	conn := worker.NewConn(nc, nc)
	if err := conn.SendGreeting("controller"); err != nil {
		return worker.Response{}, err
	}
	if _, err := conn.RecvGreeting(); err != nil {
		return worker.Response{}, err
	}
	if err := conn.SendCommand(cmd); err != nil {
		return worker.Response{}, err
	}
	return conn.RecvResponse()
}

func (d *TLSDispatcher) Close() error { return nil }

var (
	_ worker.Dispatcher = (*SSHDispatcher)(nil)
	_ worker.Dispatcher = (*TLSDispatcher)(nil)
)
