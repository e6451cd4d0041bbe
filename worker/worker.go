// Package worker implements the framed JSON-line RPC protocol between a
// controller process and its workers: a greeting handshake, a command
// request, and a stream of response frames terminated by a final result
// frame. The line-at-a-time decode loop is grounded on
// itemimage.JSONDecoder's Decode(line []byte), generalized from one fixed
// record shape to a closed set of frame kinds.
package worker

import (
	"bufio"
	"context"
	"fmt"
	"io"

	json "github.com/goccy/go-json"

	"github.com/pgbackrest-go/pgbackrest/pgerr"
)

// FrameKind is the closed set of frame types exchanged over the wire.
type FrameKind string

const (
	FrameGreeting FrameKind = "greeting"
	FrameCommand  FrameKind = "command"
	FrameStream   FrameKind = "stream"
	FrameResponse FrameKind = "response"
)

// Frame is one line of the wire protocol: a kind tag plus a
// kind-dependent payload, carried as raw JSON so callers decode the
// payload into the concrete type their kind expects.
type Frame struct {
	Kind    FrameKind       `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Greeting is the first frame either side sends: protocol version and
// the process identity of the sender.
type Greeting struct {
	ProtocolVersion int    `json:"protocolVersion"`
	ExecID          string `json:"execId"`
}

// ProtocolVersion is the wire version this build speaks. A worker whose
// greeting carries a different version is rejected before any command is
// sent, rather than failing on the first malformed frame.
const ProtocolVersion = 1

// Command is a unit of work dispatched to a worker: a verb (e.g.
// "archive-push", "backup-file") and an opaque argument payload the
// worker's handler for that verb knows how to decode.
type Command struct {
	Verb string          `json:"verb"`
	Args json.RawMessage `json:"args"`
}

// StreamChunk is a progress or log update sent while a command is
// executing, before its final Response.
type StreamChunk struct {
	Message string `json:"message"`
}

// Response is the final frame for one command: either Ok with a result
// payload, or a failure recorded through the shared error taxonomy so
// the controller can classify it the same way a local error would be.
type Response struct {
	Ok      bool            `json:"ok"`
	Result  json.RawMessage `json:"result,omitempty"`
	Kind    string          `json:"kind,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Conn is one JSON-line connection, either direction. It is safe for one
// reader and one writer goroutine to use concurrently, but not for
// concurrent writers.
type Conn struct {
	r *bufio.Reader
	w io.Writer
}

// NewConn wraps an established byte stream (a pipe to a forked
// subprocess, an SSH session, or a TLS socket) as a framed connection.
func NewConn(r io.Reader, w io.Writer) *Conn {
	return &Conn{r: bufio.NewReader(r), w: w}
}

// Send writes one frame terminated by a newline.
func (c *Conn) Send(f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return pgerr.Wrap(pgerr.ProtocolError, err, "encode frame")
	}
	data = append(data, '\n')
	if _, err := c.w.Write(data); err != nil {
		return pgerr.Wrap(pgerr.ProtocolError, err, "write frame")
	}
	return nil
}

// Recv reads and decodes the next line as a Frame.
func (c *Conn) Recv() (Frame, error) {
	line, err := c.r.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		if err == io.EOF {
			return Frame{}, io.EOF
		}
		return Frame{}, pgerr.Wrap(pgerr.ProtocolError, err, "read frame")
	}
	var f Frame
	if jerr := json.Unmarshal(line, &f); jerr != nil {
		return Frame{}, pgerr.Wrap(pgerr.ProtocolError, jerr, "decode frame: %q", string(line))
	}
	return f, nil
}

// SendGreeting sends a greeting frame carrying this build's protocol
// version and execID.
func (c *Conn) SendGreeting(execID string) error {
	payload, _ := json.Marshal(Greeting{ProtocolVersion: ProtocolVersion, ExecID: execID})
	return c.Send(Frame{Kind: FrameGreeting, Payload: payload})
}

// RecvGreeting reads and validates a greeting frame, rejecting a
// mismatched protocol version before any command is exchanged.
func (c *Conn) RecvGreeting() (Greeting, error) {
	f, err := c.Recv()
	if err != nil {
		return Greeting{}, err
	}
	if f.Kind != FrameGreeting {
		return Greeting{}, pgerr.New(pgerr.ProtocolError, "expected greeting frame, got %s", f.Kind)
	}
	var g Greeting
	if err := json.Unmarshal(f.Payload, &g); err != nil {
		return Greeting{}, pgerr.Wrap(pgerr.ProtocolError, err, "decode greeting")
	}
	if g.ProtocolVersion != ProtocolVersion {
		return Greeting{}, pgerr.New(pgerr.ProtocolError, "protocol version mismatch: worker speaks %d, controller speaks %d", g.ProtocolVersion, ProtocolVersion)
	}
	return g, nil
}

// SendCommand sends a command frame.
func (c *Conn) SendCommand(cmd Command) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return pgerr.Wrap(pgerr.ProtocolError, err, "encode command")
	}
	return c.Send(Frame{Kind: FrameCommand, Payload: payload})
}

// RecvCommand reads a command frame.
func (c *Conn) RecvCommand() (Command, error) {
	f, err := c.Recv()
	if err != nil {
		return Command{}, err
	}
	if f.Kind != FrameCommand {
		return Command{}, pgerr.New(pgerr.ProtocolError, "expected command frame, got %s", f.Kind)
	}
	var cmd Command
	if err := json.Unmarshal(f.Payload, &cmd); err != nil {
		return Command{}, pgerr.Wrap(pgerr.ProtocolError, err, "decode command")
	}
	return cmd, nil
}

// SendResponse sends the final response frame for a command.
func (c *Conn) SendResponse(resp Response) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return pgerr.Wrap(pgerr.ProtocolError, err, "encode response")
	}
	return c.Send(Frame{Kind: FrameResponse, Payload: payload})
}

// SendOk is a convenience wrapper building a successful Response around
// an arbitrary result value.
func (c *Conn) SendOk(result any) error {
	data, err := json.Marshal(result)
	if err != nil {
		return pgerr.Wrap(pgerr.ProtocolError, err, "encode result")
	}
	return c.SendResponse(Response{Ok: true, Result: data})
}

// SendError sends a failure Response carrying the pgerr kind and message
// of err, so the controller can reconstruct an equivalent classification
// on its side of the wire.
func (c *Conn) SendError(err error) error {
	kind, ok := pgerr.KindOf(err)
	msg := err.Error()
	if !ok {
		return c.SendResponse(Response{Ok: false, Kind: "CommandError", Message: msg})
	}
	return c.SendResponse(Response{Ok: false, Kind: kind.String(), Message: msg})
}

// RecvResponse reads the final response frame for a command, surfacing a
// failure Response as a *pgerr.Error rather than requiring the caller to
// branch on Ok.
func (c *Conn) RecvResponse() (Response, error) {
	f, err := c.Recv()
	if err != nil {
		return Response{}, err
	}
	if f.Kind != FrameResponse {
		return Response{}, pgerr.New(pgerr.ProtocolError, "expected response frame, got %s", f.Kind)
	}
	var resp Response
	if err := json.Unmarshal(f.Payload, &resp); err != nil {
		return Response{}, pgerr.Wrap(pgerr.ProtocolError, err, "decode response")
	}
	if !resp.Ok {
		return resp, fmt.Errorf("worker command failed: [%s] %s", resp.Kind, resp.Message)
	}
	return resp, nil
}

// Dispatcher is the controller-side capability to run a command against
// some worker and get back its final response, implemented once per
// transport (local fork-exec, SSH, TLS) so archive/backup/restore code
// never branches on transport kind.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd Command) (Response, error)
	Close() error
}
