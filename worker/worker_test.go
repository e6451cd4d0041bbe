package worker

import (
	"bytes"
	"testing"

	json "github.com/goccy/go-json"
)

func TestGreetingRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	c := NewConn(&buf, &buf)

	if err := c.SendGreeting("exec-1"); err != nil {
		t.Fatal(err)
	}
	g, err := c.RecvGreeting()
	if err != nil {
		t.Fatal(err)
	}
	if g.ExecID != "exec-1" || g.ProtocolVersion != ProtocolVersion {
		t.Fatalf("unexpected greeting: %+v", g)
	}
}

func TestCommandAndResponseRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	c := NewConn(&buf, &buf)

	if err := c.SendCommand(Command{Verb: "archive-push", Args: []byte(`{"segment":"1"}`)}); err != nil {
		t.Fatal(err)
	}
	cmd, err := c.RecvCommand()
	if err != nil {
		t.Fatal(err)
	}
	if cmd.Verb != "archive-push" {
		t.Fatalf("unexpected verb: %s", cmd.Verb)
	}

	if err := c.SendOk(map[string]string{"status": "ok"}); err != nil {
		t.Fatal(err)
	}
	resp, err := c.RecvResponse()
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Ok {
		t.Fatalf("expected Ok response")
	}
}

func TestRecvResponseSurfacesFailureAsError(t *testing.T) {
	var buf bytes.Buffer
	c := NewConn(&buf, &buf)

	if err := c.SendResponse(Response{Ok: false, Kind: "FileMissingError", Message: "not found"}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.RecvResponse(); err == nil {
		t.Fatalf("expected an error for a failed response")
	}
}

func TestGreetingRejectsProtocolMismatch(t *testing.T) {
	var buf bytes.Buffer
	c := NewConn(&buf, &buf)

	payload, _ := json.Marshal(Greeting{ProtocolVersion: ProtocolVersion + 1, ExecID: "x"})
	if err := c.Send(Frame{Kind: FrameGreeting, Payload: payload}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.RecvGreeting(); err == nil {
		t.Fatalf("expected protocol version mismatch to be rejected")
	}
}
