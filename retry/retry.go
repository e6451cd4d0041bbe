// Package retry implements backoff-with-jitter waiting and the
// ErrorRetry accumulator that collapses repeated failures of the same
// kind and message across attempts into a single rendered summary,
// grounded on writer.backoffWait/isThrottlingError's retry loop.
package retry

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/pgbackrest-go/pgbackrest/pgerr"
)

// Backoff sleeps for an exponentially increasing duration with jitter,
// starting at base and capped at maxDelay, returning false if ctx is
// cancelled during the wait.
func Backoff(ctx context.Context, attempt int, base, maxDelay time.Duration) bool {
	delay := base * time.Duration(1<<uint(attempt))
	if delay > maxDelay {
		delay = maxDelay
	}
	jitter := time.Duration(rand.Int64N(int64(delay) + 1))
	delay += jitter

	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

// IsRetryable reports whether err's kind is one of the connectivity
// conditions worth retrying rather than failing the operation outright.
func IsRetryable(err error) bool {
	k, ok := pgerr.KindOf(err)
	if !ok {
		return false
	}
	switch k {
	case pgerr.DbConnectError, pgerr.HostConnectError, pgerr.ProtocolError, pgerr.KernelError:
		return true
	default:
		return false
	}
}

// entry is one collapsed group of identical (kind, message) repeat
// failures, tracked from the second distinct occurrence of that pair
// onward; the very first failure recorded is kept separately and never
// occupies an entry.
type entry struct {
	kind    pgerr.Kind
	message string
	count   int
	firstMS int64
	lastMS  int64
}

// ErrorRetry accumulates failures across retry attempts. The first
// failure is kept bare as the accumulator's headline message; every
// later failure collapses into the entry matching its (kind, message)
// pair anywhere in the accumulated list, with an incremented count and
// updated last-seen timestamp, or starts a new entry if no match exists.
type ErrorRetry struct {
	nowMS   func() int64
	beginMS int64

	hasFirst     bool
	firstKind    pgerr.Kind
	firstMessage string

	entries []entry
}

// New builds an ErrorRetry using nowMS as its millisecond clock (tests
// pass a fixed clock; production passes time.Now in milliseconds).
func New(nowMS func() int64) *ErrorRetry {
	return &ErrorRetry{nowMS: nowMS}
}

// Add records one failure. The first call becomes the accumulator's
// headline message. Every later call searches the whole accumulated
// list for an entry with the identical kind and message and collapses
// into it if found; otherwise it starts a new entry.
func (r *ErrorRetry) Add(err error) {
	kind, ok := pgerr.KindOf(err)
	message := err.Error()
	if !ok {
		// A non-pgerr error still needs a stable kind bucket so it collapses
		// against itself rather than starting a fresh entry every attempt.
		kind = 0
	}

	if !r.hasFirst {
		r.hasFirst = true
		r.beginMS = r.nowMS()
		r.firstKind = kind
		r.firstMessage = message
		return
	}

	elapsed := r.nowMS() - r.beginMS
	for i := range r.entries {
		e := &r.entries[i]
		if e.kind == kind && e.message == message {
			e.count++
			e.lastMS = elapsed
			return
		}
	}
	r.entries = append(r.entries, entry{kind: kind, message: message, count: 1, firstMS: elapsed, lastMS: elapsed})
}

// Empty reports whether no failures have been recorded.
func (r *ErrorRetry) Empty() bool { return !r.hasFirst }

// Kind returns the first recorded failure's kind, the one callers
// typically reuse for the error they raise once retries are exhausted.
func (r *ErrorRetry) Kind() pgerr.Kind { return r.firstKind }

// Count returns the total number of recorded attempts, including
// collapsed repeats.
func (r *ErrorRetry) Count() int {
	total := 0
	if r.hasFirst {
		total = 1
	}
	for _, e := range r.entries {
		total += e.count
	}
	return total
}

// String renders the accumulated failures: the first message bare, then
// one line per collapsed repeat in the form:
//
//	    [KIND] on retry at Nms: message
//	    [KIND] on N retries from First-Lastms: message
//
// the single-timestamp form is used when a repeat entry has only ever
// been seen twice (its first and last occurrence coincide).
func (r *ErrorRetry) String() string {
	if !r.hasFirst {
		return ""
	}
	var b strings.Builder
	b.WriteString(r.firstMessage)
	for _, e := range r.entries {
		fmt.Fprintf(&b, "\n    [%s] ", e.kind)
		if e.firstMS == e.lastMS {
			fmt.Fprintf(&b, "on retry at %dms", e.firstMS)
		} else {
			fmt.Fprintf(&b, "on %d retries from %d-%dms", e.count, e.firstMS, e.lastMS)
		}
		fmt.Fprintf(&b, ": %s", e.message)
	}
	return b.String()
}
