// Package walseg implements WAL segment identity and the segment-name
// successor arithmetic used by both the push and get sides of the archive
// pipeline.
package walseg

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/pgbackrest-go/pgbackrest/pgerr"
)

// Size is a segment size in bytes. The default is 16 MiB; 1 MiB is allowed
// for test clusters.
type Size int64

const (
	SizeDefault Size = 16 * 1024 * 1024
	SizeMin     Size = 1 * 1024 * 1024
)

var namePattern = regexp.MustCompile(`^[0-9A-Fa-f]{24}$`)

// Name identifies a WAL segment: an 8-hex-digit timeline, an 8-hex-digit
// log id, and an 8-hex-digit segment id, 24 hex characters total.
type Name string

// Parse validates that s is a well-formed 24-hex-character segment name.
func Parse(s string) (Name, error) {
	if !namePattern.MatchString(s) {
		return "", pgerr.New(pgerr.FormatError, "invalid WAL segment name %q", s)
	}
	return Name(s), nil
}

// Timeline returns the segment's 8-hex-digit timeline component.
func (n Name) Timeline() string { return string(n)[0:8] }

// LogLine returns the 16-hex-digit "timeline+log" directory prefix under
// which the segment's archive objects are stored.
func (n Name) LogLine() string { return string(n)[0:16] }

// Log returns the segment's 8-hex-digit log component.
func (n Name) Log() string { return string(n)[8:16] }

// Seg returns the segment's 8-hex-digit segment component.
func (n Name) Seg() string { return string(n)[16:24] }

func parseParts(n Name) (tl, log, seg uint32, err error) {
	var tl64, log64, seg64 uint64
	if _, e := fmt.Sscanf(n.Timeline(), "%08X", &tl64); e != nil {
		return 0, 0, 0, pgerr.New(pgerr.FormatError, "invalid WAL segment name %q", n)
	}
	if _, e := fmt.Sscanf(n.Log(), "%08X", &log64); e != nil {
		return 0, 0, 0, pgerr.New(pgerr.FormatError, "invalid WAL segment name %q", n)
	}
	if _, e := fmt.Sscanf(n.Seg(), "%08X", &seg64); e != nil {
		return 0, 0, 0, pgerr.New(pgerr.FormatError, "invalid WAL segment name %q", n)
	}
	return uint32(tl64), uint32(log64), uint32(seg64), nil
}

func format(tl, log, seg uint32) Name {
	return Name(fmt.Sprintf("%08X%08X%08X", tl, log, seg))
}

// segPerLog is how many distinct segment ids exist within one log id under
// the current (>= 9.3) numbering: 0x00 through 0xFF.
const segPerLog = 0x100

// lastSegPre93 is the highest segment id usable within a log under the
// legacy (< 9.3) numbering, which reserved 0xFF.
const lastSegPre93 = 0xFE

// Next returns the segment immediately following n. pre93 selects the
// legacy numbering used by server versions older than 9.3, under which
// segment id 0xFF within each log is skipped.
func Next(n Name, pre93 bool) (Name, error) {
	tl, log, seg, err := parseParts(n)
	if err != nil {
		return "", err
	}

	last := uint32(segPerLog - 1)
	if pre93 {
		last = lastSegPre93
	}

	if seg >= last {
		return format(tl, log+1, 0), nil
	}
	return format(tl, log, seg+1), nil
}

// NextN returns the n-th successor of seg, walking Next n times.
func NextN(seg Name, n int, pre93 bool) (Name, error) {
	cur := seg
	var err error
	for i := 0; i < n; i++ {
		cur, err = Next(cur, pre93)
		if err != nil {
			return "", err
		}
	}
	return cur, nil
}

// QueueNeed computes the set of segments that should be prefetched,
// starting with currentSegment itself, plus as many successors as
// queueMax/segmentSize allows.
func QueueNeed(currentSegment Name, queueMax int64, segmentSize Size, pre93 bool) ([]Name, error) {
	if queueMax <= 0 {
		return nil, nil
	}

	count := int(queueMax / int64(segmentSize))
	if count < 1 {
		count = 1
	}

	out := make([]Name, 0, count)
	out = append(out, currentSegment)
	cur := currentSegment
	for i := 1; i < count; i++ {
		next, err := Next(cur, pre93)
		if err != nil {
			return nil, err
		}
		out = append(out, next)
		cur = next
	}
	return out, nil
}

// ForLSN converts a "XXXXXXXX/XXXXXXXX" LSN as returned by
// pg_current_wal_insert_lsn()/pg_walfile_name() into the WAL segment that
// contains it, the same log/seg arithmetic pg_walfile_name applies.
func ForLSN(timeline uint32, lsn string, segSize Size) (Name, error) {
	parts := strings.SplitN(lsn, "/", 2)
	if len(parts) != 2 {
		return "", pgerr.New(pgerr.FormatError, "malformed LSN %q", lsn)
	}
	hi, err := strconv.ParseUint(parts[0], 16, 32)
	if err != nil {
		return "", pgerr.Wrap(pgerr.FormatError, err, "malformed LSN %q", lsn)
	}
	lo, err := strconv.ParseUint(parts[1], 16, 32)
	if err != nil {
		return "", pgerr.Wrap(pgerr.FormatError, err, "malformed LSN %q", lsn)
	}
	if segSize <= 0 {
		return "", pgerr.New(pgerr.ParamInvalidError, "wal-segment-size must be greater than zero")
	}

	lsn64 := hi<<32 | lo
	segNo := lsn64 / uint64(segSize)
	segsPerLog := uint64(0x100000000) / uint64(segSize)
	logID := uint32(segNo / segsPerLog)
	segID := uint32(segNo % segsPerLog)

	return format(timeline, logID, segID), nil
}

// TimelineNum parses n's 8-hex-digit timeline component as a number, the
// form ForLSN and other segment arithmetic need it in.
func (n Name) TimelineNum() (uint32, error) {
	var tl64 uint64
	if _, err := fmt.Sscanf(n.Timeline(), "%08X", &tl64); err != nil {
		return 0, pgerr.New(pgerr.FormatError, "invalid WAL segment name %q", n)
	}
	return uint32(tl64), nil
}

// Compare returns -1, 0, or 1 if a sorts before, equal to, or after b in
// segment-name order (lexicographic over the fixed-width hex name is
// sufficient since every component is zero-padded to a fixed width).
func Compare(a, b Name) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
