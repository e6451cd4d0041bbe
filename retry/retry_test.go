package retry

import (
	"errors"
	"strings"
	"testing"

	"github.com/pgbackrest-go/pgbackrest/pgerr"
)

func TestAddCollapsesIdenticalConsecutiveFailures(t *testing.T) {
	ms := int64(0)
	r := New(func() int64 { ms += 100; return ms })

	e := pgerr.New(pgerr.HostConnectError, "connection refused")
	r.Add(e)
	r.Add(e)
	r.Add(e)

	if r.Count() != 3 {
		t.Fatalf("expected 3 total attempts, got %d", r.Count())
	}
	if len(r.entries) != 1 {
		t.Fatalf("expected the two repeats to collapse into one entry, got %d", len(r.entries))
	}
	if r.entries[0].count != 2 {
		t.Fatalf("expected the collapsed entry to count 2 repeats, got %d", r.entries[0].count)
	}
}

func TestAddCollapsesRepeatAcrossNonAdjacentEntries(t *testing.T) {
	ms := int64(0)
	r := New(func() int64 { ms += 100; return ms })

	headline := pgerr.New(pgerr.HostConnectError, "connection reset")
	first := pgerr.New(pgerr.HostConnectError, "connection refused")
	second := pgerr.New(pgerr.HostConnectError, "connection timed out")

	r.Add(headline) // headline message, not an entry
	r.Add(first)    // entries[0]
	r.Add(second)   // entries[1]
	r.Add(first)    // must re-collapse into entries[0], not start a third entry

	if len(r.entries) != 2 {
		t.Fatalf("expected the repeated message to collapse back into its original entry instead of starting a third, got %d entries", len(r.entries))
	}
	if r.entries[0].count != 2 {
		t.Fatalf("expected the re-seen message's entry to count 2, got %d", r.entries[0].count)
	}
	if r.entries[1].count != 1 {
		t.Fatalf("expected the entry in between to stay at count 1, got %d", r.entries[1].count)
	}
}

func TestAddStartsNewEntryOnDifferentMessage(t *testing.T) {
	ms := int64(0)
	r := New(func() int64 { ms += 100; return ms })

	r.Add(pgerr.New(pgerr.HostConnectError, "connection refused"))
	r.Add(pgerr.New(pgerr.HostConnectError, "connection timed out"))

	if len(r.entries) != 1 {
		t.Fatalf("expected the first failure to stay the headline message and the second to start one entry, got %d entries", len(r.entries))
	}
}

func TestStringRendersFirstFailureBareAndRepeatsAnnotated(t *testing.T) {
	ms := int64(0)
	r := New(func() int64 { ms += 50; return ms })

	r.Add(pgerr.New(pgerr.DbConnectError, "could not connect"))
	r.Add(pgerr.New(pgerr.DbConnectError, "could not connect"))
	r.Add(pgerr.New(pgerr.DbConnectError, "could not connect"))

	s := r.String()
	if !strings.HasPrefix(s, "could not connect\n") {
		t.Fatalf("expected the first failure rendered bare with no kind/timing annotation, got %q", s)
	}
	if !strings.Contains(s, "on 2 retries from") {
		t.Fatalf("expected the repeat entry rendered with the retryFirst/retryLast phrasing, got %q", s)
	}
}

func TestStringRendersSingleRepeatAsOnRetryAt(t *testing.T) {
	ms := int64(0)
	r := New(func() int64 { ms += 50; return ms })

	r.Add(pgerr.New(pgerr.DbConnectError, "could not connect"))
	r.Add(pgerr.New(pgerr.DbConnectError, "could not connect"))

	s := r.String()
	if !strings.Contains(s, "on retry at") {
		t.Fatalf("expected a once-seen repeat to render as \"on retry at\", got %q", s)
	}
}

func TestIsRetryableClassifiesConnectivityKinds(t *testing.T) {
	if !IsRetryable(pgerr.New(pgerr.HostConnectError, "x")) {
		t.Fatalf("HostConnectError should be retryable")
	}
	if IsRetryable(pgerr.New(pgerr.FormatError, "x")) {
		t.Fatalf("FormatError should not be retryable")
	}
	if IsRetryable(errors.New("plain error")) {
		t.Fatalf("a non-pgerr error should not be retryable")
	}
}

func TestEmpty(t *testing.T) {
	r := New(func() int64 { return 0 })
	if !r.Empty() {
		t.Fatalf("fresh accumulator should be empty")
	}
	r.Add(pgerr.New(pgerr.HostConnectError, "x"))
	if r.Empty() {
		t.Fatalf("accumulator with a recorded failure should not be empty")
	}
}
