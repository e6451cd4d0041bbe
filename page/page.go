// Package page implements the fixed-size page/block model used to verify
// relation file segments during a backup copy. The page-checksum algorithm
// itself is out of scope here: it is injected as a function of page bytes
// and block number, exactly as spec.md treats it.
package page

import "github.com/pgbackrest-go/pgbackrest/pgerr"

// Size is the page size in bytes. The default is 8 KiB.
const SizeDefault = 8 * 1024

// SegmentPagesDefault is the number of pages in a 1 GiB relation file
// segment at the default 8 KiB page size.
const SegmentPagesDefault = (1 << 30) / SizeDefault

// BlockNumber is the zero-based index of a page within a relation file
// segment.
type BlockNumber uint32

// LSN is a monotonic 64-bit log-sequence number.
type LSN uint64

// ChecksumFunc validates a single page's checksum given its raw bytes and
// block number. The algorithm itself is an external collaborator.
type ChecksumFunc func(pageBytes []byte, block BlockNumber) bool

// Mismatch records a single page whose checksum failed verification.
type Mismatch struct {
	Block BlockNumber
	LSN   LSN
}

// Result is the verdict for one relation file's page-level verification.
type Result struct {
	Valid     bool       // no mismatches found
	Align     bool       // file size was a whole number of pages
	Mismatch  []Mismatch // recorded (block, lsn) pairs that failed
	PageCount int
}

const (
	lsnHiOffset    = 0
	lsnLoOffset    = 4
	pdUpperOffset  = 14
	pageHeaderSize = 24
)

func readLSN(pageBytes []byte) LSN {
	hi := uint64(be32(pageBytes[lsnHiOffset:]))
	lo := uint64(be32(pageBytes[lsnLoOffset:]))
	return LSN(hi<<32 | lo)
}

func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func isNew(pageBytes []byte) bool {
	if len(pageBytes) < pageHeaderSize {
		return true
	}
	upper := uint16(pageBytes[pdUpperOffset]) | uint16(pageBytes[pdUpperOffset+1])<<8
	return upper == 0
}

// Verifier is fed one page-sized read at a time, mirroring how a relation
// file is actually streamed off disk during backup copy. A buffer shorter
// than pageSize is accepted only as the trailing remainder of the file: a
// second short buffer in a row is a protocol violation (a caller would
// have to be misreading the stream) and is reported as an assertion.
type Verifier struct {
	pageSize       int
	backupStartLSN LSN
	checksum       ChecksumFunc
	result         Result
	misalignedSeen bool
}

// NewVerifier creates a Verifier for a single relation file.
func NewVerifier(pageSize int, backupStartLSN LSN, checksum ChecksumFunc) *Verifier {
	return &Verifier{pageSize: pageSize, backupStartLSN: backupStartLSN, checksum: checksum, result: Result{Valid: true}}
}

// Feed verifies the next page-sized buffer read from the file.
func (v *Verifier) Feed(pageBytes []byte) error {
	block := BlockNumber(v.result.PageCount)
	v.result.PageCount++

	if len(pageBytes) < v.pageSize {
		if v.misalignedSeen {
			return pgerr.New(pgerr.AssertError, "two consecutive misaligned page buffers at block %d", block)
		}
		v.misalignedSeen = true
		return nil
	}

	if isNew(pageBytes) {
		return nil
	}

	lsn := readLSN(pageBytes)
	if lsn > v.backupStartLSN {
		return nil
	}

	if !v.checksum(pageBytes, block) {
		v.result.Valid = false
		v.result.Mismatch = append(v.result.Mismatch, Mismatch{Block: block, LSN: lsn})
	}
	return nil
}

// Result returns the accumulated verdict. Align is true iff every fed
// buffer was exactly pageSize, i.e. the file's size was a whole number of
// pages.
func (v *Verifier) Result() Result {
	res := v.result
	res.Align = !v.misalignedSeen
	return res
}

// Verify is a convenience wrapper for callers holding a whole relation
// file in memory: it chunks data into pageSize buffers (the final one
// possibly short) and feeds them through a Verifier.
func Verify(data []byte, pageSize int, backupStartLSN LSN, checksum ChecksumFunc) (Result, error) {
	v := NewVerifier(pageSize, backupStartLSN, checksum)
	for offset := 0; offset < len(data); offset += pageSize {
		end := offset + pageSize
		if end > len(data) {
			end = len(data)
		}
		if err := v.Feed(data[offset:end]); err != nil {
			return Result{}, err
		}
	}
	return v.Result(), nil
}
