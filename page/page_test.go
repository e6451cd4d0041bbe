package page

import "testing"

func makePage(pdUpper uint16, lsn LSN) []byte {
	b := make([]byte, SizeDefault)
	b[lsnHiOffset] = byte(lsn >> 56)
	b[lsnHiOffset+1] = byte(lsn >> 48)
	b[lsnHiOffset+2] = byte(lsn >> 40)
	b[lsnHiOffset+3] = byte(lsn >> 32)
	b[lsnLoOffset] = byte(lsn >> 24)
	b[lsnLoOffset+1] = byte(lsn >> 16)
	b[lsnLoOffset+2] = byte(lsn >> 8)
	b[lsnLoOffset+3] = byte(lsn)
	b[pdUpperOffset] = byte(pdUpper)
	b[pdUpperOffset+1] = byte(pdUpper >> 8)
	return b
}

func TestVerifySkipsNewPages(t *testing.T) {
	data := makePage(0, 100)
	res, err := Verify(data, SizeDefault, 1000, func([]byte, BlockNumber) bool { return false })
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid || len(res.Mismatch) != 0 {
		t.Fatalf("new pages must be exempt from checksum verification: %+v", res)
	}
}

func TestVerifySkipsPagesWrittenDuringBackup(t *testing.T) {
	data := makePage(100, 5000)
	res, err := Verify(data, SizeDefault, 1000, func([]byte, BlockNumber) bool { return false })
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid || !res.Align || len(res.Mismatch) != 0 {
		t.Fatalf("pages with LSN > backup-start-LSN must be exempt: %+v", res)
	}
}

func TestVerifyRecordsMismatch(t *testing.T) {
	data := makePage(100, 100)
	res, err := Verify(data, SizeDefault, 1000, func([]byte, BlockNumber) bool { return false })
	if err != nil {
		t.Fatal(err)
	}
	if res.Valid {
		t.Fatalf("expected invalid verdict")
	}
	if len(res.Mismatch) != 1 || res.Mismatch[0].Block != 0 {
		t.Fatalf("expected one mismatch at block 0, got %+v", res.Mismatch)
	}
}

func TestVerifyTrailingMisalignedBufferAccepted(t *testing.T) {
	full := makePage(100, 5000)
	data := append(full, full[:100]...)
	res, err := Verify(data, SizeDefault, 1000, func([]byte, BlockNumber) bool { return true })
	if err != nil {
		t.Fatal(err)
	}
	if res.Align {
		t.Fatalf("expected Align=false for a trailing short buffer")
	}
}

func TestVerifyTwoMisalignedBuffersIsAssertion(t *testing.T) {
	v := NewVerifier(SizeDefault, 1000, func([]byte, BlockNumber) bool { return true })
	if err := v.Feed(make([]byte, 100)); err != nil {
		t.Fatalf("first short buffer should be accepted as a trailing remainder: %v", err)
	}
	if err := v.Feed(make([]byte, 100)); err == nil {
		t.Fatalf("expected assertion error for two consecutive misaligned buffers")
	}
}
