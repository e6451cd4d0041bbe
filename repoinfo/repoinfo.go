// Package repoinfo implements the archive.info and backup.info registries
// every stanza keeps at the root of its repository: the Postgres
// version/system-id a stanza is bound to, the archive-id history, and the
// backup set index. Grounded on checkpoint.Store's Load/Save shape,
// generalized from a single-object JSON checkpoint to the file+file.copy
// dual-write convention.
package repoinfo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/pgbackrest-go/pgbackrest/pgerr"
	"github.com/pgbackrest-go/pgbackrest/repo"
)

// ArchiveID is one entry in a stanza's archive-id history: a Postgres
// major version paired with a monotonically increasing sequence number,
// rendered as "<major-version>-<sequence>" (e.g. "16-2").
type ArchiveID struct {
	PgVersion string `json:"pgVersion"`
	Sequence  int    `json:"sequence"`
}

// String renders the archive-id in its on-disk form.
func (a ArchiveID) String() string {
	return fmt.Sprintf("%s-%d", a.PgVersion, a.Sequence)
}

// ParseArchiveID parses the "<major-version>-<sequence>" form.
func ParseArchiveID(s string) (ArchiveID, error) {
	idx := strings.LastIndex(s, "-")
	if idx < 0 {
		return ArchiveID{}, pgerr.New(pgerr.FormatError, "malformed archive id %q", s)
	}
	seq, err := strconv.Atoi(s[idx+1:])
	if err != nil {
		return ArchiveID{}, pgerr.New(pgerr.FormatError, "malformed archive id sequence in %q", s)
	}
	return ArchiveID{PgVersion: s[:idx], Sequence: seq}, nil
}

// ArchiveInfo is the content of a stanza's archive.info file.
type ArchiveInfo struct {
	PgVersion  string      `json:"pgVersion"`
	PgSystemID string      `json:"pgSystemId"`
	History    []ArchiveID `json:"history"`
	// CipherPass is the repository's encryption passphrase when the
	// stanza was created with a cipher type other than none. Empty means
	// the repository stores backups and WAL unencrypted.
	CipherPass string `json:"cipherPass,omitempty"`
}

// CurrentArchiveID returns the most recently allocated archive-id.
func (a *ArchiveInfo) CurrentArchiveID() (ArchiveID, bool) {
	if len(a.History) == 0 {
		return ArchiveID{}, false
	}
	return a.History[len(a.History)-1], true
}

// Upgrade allocates a new archive-id for a stanza moving to newPgVersion,
// incrementing the sequence only when the new version already appears in
// history (a version that has never been seen starts at sequence 1).
func (a *ArchiveInfo) Upgrade(newPgVersion, newSystemID string) ArchiveID {
	seq := 1
	for _, h := range a.History {
		if h.PgVersion == newPgVersion && h.Sequence >= seq {
			seq = h.Sequence + 1
		}
	}
	id := ArchiveID{PgVersion: newPgVersion, Sequence: seq}
	a.History = append(a.History, id)
	a.PgVersion = newPgVersion
	a.PgSystemID = newSystemID
	return id
}

// BackupEntry is one completed backup's entry in backup.info.
type BackupEntry struct {
	Label      string    `json:"label"`
	Type       string    `json:"type"`
	PgVersion  string    `json:"pgVersion"`
	ArchiveID  string    `json:"archiveId"`
	Prior      string    `json:"prior,omitempty"`
	StartLSN   string    `json:"startLsn"`
	StopLSN    string    `json:"stopLsn"`
	StopTime   time.Time `json:"stopTime"`
	Timeline   string    `json:"timeline,omitempty"`
}

// BackupInfo is the content of a stanza's backup.info file.
type BackupInfo struct {
	PgVersion  string        `json:"pgVersion"`
	PgSystemID string        `json:"pgSystemId"`
	Backups    []BackupEntry `json:"backups"`
}

// Latest returns the most recently recorded backup, if any.
func (b *BackupInfo) Latest() (BackupEntry, bool) {
	if len(b.Backups) == 0 {
		return BackupEntry{}, false
	}
	return b.Backups[len(b.Backups)-1], true
}

// ByLabel returns the backup with the given label.
func (b *BackupInfo) ByLabel(label string) (BackupEntry, bool) {
	for _, e := range b.Backups {
		if e.Label == label {
			return e, true
		}
	}
	return BackupEntry{}, false
}

// LoadArchiveInfo reads archive.info from r, falling back to its .copy
// companion if the primary fails to parse, matching the original
// implementation's either-suffices read protocol.
func LoadArchiveInfo(ctx context.Context, r repo.Repo) (*ArchiveInfo, error) {
	var info ArchiveInfo
	if err := loadDual(ctx, r, "archive.info", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// SaveArchiveInfo writes archive.info and archive.info.copy.
func SaveArchiveInfo(ctx context.Context, r repo.Repo, info *ArchiveInfo) error {
	return saveDual(ctx, r, "archive.info", info)
}

// LoadBackupInfo reads backup.info, falling back to its .copy companion.
func LoadBackupInfo(ctx context.Context, r repo.Repo) (*BackupInfo, error) {
	var info BackupInfo
	if err := loadDual(ctx, r, "backup.info", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// SaveBackupInfo writes backup.info and backup.info.copy.
func SaveBackupInfo(ctx context.Context, r repo.Repo, info *BackupInfo) error {
	return saveDual(ctx, r, "backup.info", info)
}

func saveDual(ctx context.Context, r repo.Repo, name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return pgerr.Wrap(pgerr.FormatError, err, "encode %s", name)
	}

	if err := writeAll(ctx, r, name+".copy", data); err != nil {
		return err
	}
	if err := writeAll(ctx, r, name, data); err != nil {
		return err
	}
	return nil
}

func writeAll(ctx context.Context, r repo.Repo, name string, data []byte) error {
	w, err := r.NewWrite(ctx, name)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return pgerr.Wrap(pgerr.FileWriteError, err, "write %s", name)
	}
	return w.Close()
}

func loadDual(ctx context.Context, r repo.Repo, name string, v any) error {
	if data, err := readAll(ctx, r, name); err == nil {
		if jerr := json.Unmarshal(data, v); jerr == nil {
			return nil
		}
	}

	data, err := readAll(ctx, r, name+".copy")
	if err != nil {
		return pgerr.Wrap(pgerr.FileMissingError, err, "read %s", name)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return pgerr.Wrap(pgerr.FormatError, err, "both %s and %s.copy failed to parse", name, name)
	}
	return nil
}

func readAll(ctx context.Context, r repo.Repo, name string) ([]byte, error) {
	rc, err := r.NewRead(ctx, name)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 4096)
	for {
		n, rerr := rc.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			return nil, pgerr.Wrap(pgerr.FileReadError, rerr, "read %s", name)
		}
	}
	return buf, nil
}
