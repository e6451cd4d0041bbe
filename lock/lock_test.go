package lock

import "testing"

func TestAcquireAndRelease(t *testing.T) {
	dir := t.TempDir()

	l, err := Acquire(dir, "main", "backup", "exec-1")
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Release(); err != nil {
		t.Fatal(err)
	}
}

func TestAcquireRejectsConcurrentDifferentExecID(t *testing.T) {
	dir := t.TempDir()

	l1, err := Acquire(dir, "main", "backup", "exec-1")
	if err != nil {
		t.Fatal(err)
	}
	defer l1.Release()

	if _, err := Acquire(dir, "main", "backup", "exec-2"); err == nil {
		t.Fatalf("expected lock acquisition to fail for a different exec-id")
	}
}

func TestAcquireIsReentrantForSameExecID(t *testing.T) {
	dir := t.TempDir()

	l1, err := Acquire(dir, "main", "backup", "exec-1")
	if err != nil {
		t.Fatal(err)
	}
	defer l1.Release()

	l2, err := Acquire(dir, "main", "backup", "exec-1")
	if err != nil {
		t.Fatalf("re-entrant acquire by the same exec-id should succeed: %v", err)
	}
	if err := l2.Release(); err != nil {
		t.Fatal(err)
	}
}

func TestAcquireAllowsDifferentStanzasConcurrently(t *testing.T) {
	dir := t.TempDir()

	l1, err := Acquire(dir, "main", "backup", "exec-1")
	if err != nil {
		t.Fatal(err)
	}
	defer l1.Release()

	l2, err := Acquire(dir, "other", "backup", "exec-2")
	if err != nil {
		t.Fatalf("locks on different stanzas must not contend: %v", err)
	}
	defer l2.Release()
}
