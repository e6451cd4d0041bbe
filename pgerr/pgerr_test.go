package pgerr

import (
	"errors"
	"testing"
)

func TestNewCarriesKindAndCode(t *testing.T) {
	err := New(FileMissingError, "segment %s not found", "000000010000000100000001")
	if err.Kind() != FileMissingError {
		t.Fatalf("kind = %v, want FileMissingError", err.Kind())
	}
	if err.Code() != 55 {
		t.Fatalf("code = %d, want 55", err.Code())
	}
}

func TestWrapUnwraps(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(DbConnectError, cause, "connect to primary")

	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to find wrapped cause")
	}
	if !Is(err, DbConnectError) {
		t.Fatalf("expected Is(err, DbConnectError) to be true")
	}
}

func TestKindOf(t *testing.T) {
	err := New(ArchiveDuplicateError, "segment exists with differing checksum")
	k, ok := KindOf(err)
	if !ok || k != ArchiveDuplicateError {
		t.Fatalf("KindOf = (%v, %v), want (ArchiveDuplicateError, true)", k, ok)
	}

	if _, ok := KindOf(errors.New("plain")); ok {
		t.Fatalf("KindOf on a plain error should return false")
	}
}

func TestStackStringNonEmpty(t *testing.T) {
	err := New(AssertError, "unreachable")
	if err.StackString() == "" {
		t.Fatalf("expected non-empty stack trace")
	}
}
