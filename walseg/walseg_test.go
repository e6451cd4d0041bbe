package walseg

import "testing"

func TestParseRejectsWrongLength(t *testing.T) {
	if _, err := Parse("00000001000000010000001"); err == nil {
		t.Fatalf("expected error for short segment name")
	}
}

func TestNextWithinLog(t *testing.T) {
	n, err := Parse("000000010000000100000001")
	if err != nil {
		t.Fatal(err)
	}
	next, err := Next(n, false)
	if err != nil {
		t.Fatal(err)
	}
	if next != "000000010000000100000002" {
		t.Fatalf("next = %s, want 000000010000000100000002", next)
	}
}

func TestNextRollsLogPost93(t *testing.T) {
	n, _ := Parse("0000000100000001000000FF")
	next, err := Next(n, false)
	if err != nil {
		t.Fatal(err)
	}
	if next != "000000010000000200000000" {
		t.Fatalf("next = %s, want 000000010000000200000000", next)
	}
}

func TestNextSkipsFFPre93(t *testing.T) {
	n, _ := Parse("0000000100000001000000FE")
	next, err := Next(n, true)
	if err != nil {
		t.Fatal(err)
	}
	// FE is the last usable segment pre-9.3: FF is reserved, so the next
	// segment rolls over to the next log at 00.
	if next != "000000010000000200000000" {
		t.Fatalf("next = %s, want 000000010000000200000000", next)
	}
}

func TestQueueNeedZeroMaxIsEmpty(t *testing.T) {
	n, _ := Parse("000000010000000100000001")
	need, err := QueueNeed(n, 0, SizeDefault, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(need) != 0 {
		t.Fatalf("expected empty queue need for queueMax=0, got %v", need)
	}
}

func TestQueueNeedCountsBySegmentSize(t *testing.T) {
	n, _ := Parse("000000010000000100000001")
	need, err := QueueNeed(n, 3*int64(SizeDefault), SizeDefault, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(need) != 3 {
		t.Fatalf("expected 3 segments, got %d", len(need))
	}
	if need[0] != n {
		t.Fatalf("first element = %s, want current segment %s", need[0], n)
	}
	if need[1] != "000000010000000100000002" {
		t.Fatalf("second element = %s, want ...002", need[1])
	}
}

func TestCompareOrdersBySegmentName(t *testing.T) {
	a, _ := Parse("000000010000000100000001")
	b, _ := Parse("000000010000000100000002")
	if Compare(a, b) >= 0 {
		t.Fatalf("expected a < b")
	}
	if Compare(a, a) != 0 {
		t.Fatalf("expected a == a")
	}
}
