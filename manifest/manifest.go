// Package manifest implements the backup manifest: the list of every file,
// path, and link making up one backup, together with content hashes,
// ancestor references, and (when block-incremental is enabled) per-block
// hash maps.
package manifest

import (
	"bytes"
	"context"
	"crypto/sha1" //nolint:gosec // manifest content hashing is SHA1 by convention, not a security boundary
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	json "github.com/goccy/go-json"

	"github.com/pgbackrest-go/pgbackrest/pgerr"
)

// BlockRange is one contiguous run of blocks within a file, recorded with
// its content hash, for block-incremental backups.
type BlockRange struct {
	StartBlock int64  `json:"startBlock"`
	EndBlock   int64  `json:"endBlock"`
	Hash       string `json:"hash"`
}

// PageCheck summarizes a relation file's page-level verification outcome.
// It mirrors the page package's Result without importing it, since the
// manifest only records a verdict computed elsewhere.
type PageCheck struct {
	Valid bool `json:"valid"`
	Align bool `json:"align"`
}

// FileEntry is one file's attributes within a backup manifest.
type FileEntry struct {
	Path         string       `json:"path"`
	Size         int64        `json:"size"`
	Mtime        time.Time    `json:"mtime"`
	Mode         uint32       `json:"mode"`
	User         string       `json:"user"`
	Group        string       `json:"group"`
	Hash         string       `json:"hash,omitempty"`
	Reference    string       `json:"reference,omitempty"`
	BlockMap     []BlockRange `json:"blockMap,omitempty"`
	BundleID     int64        `json:"bundleId,omitempty"`
	BundleOffset int64        `json:"bundleOffset,omitempty"`
	Checksum     *PageCheck   `json:"pageCheck,omitempty"`
}

// PathEntry is one directory's attributes within a backup manifest.
type PathEntry struct {
	Path  string `json:"path"`
	Mode  uint32 `json:"mode"`
	User  string `json:"user"`
	Group string `json:"group"`
}

// LinkEntry is one symlink's attributes within a backup manifest.
type LinkEntry struct {
	Path        string `json:"path"`
	Destination string `json:"destination"`
	User        string `json:"user"`
	Group       string `json:"group"`
}

// Manifest is a single backup's complete file/path/link inventory.
type Manifest struct {
	Label      string      `json:"label"`
	PgVersion  string      `json:"pgVersion"`
	PgSystemID string      `json:"pgSystemId"`
	Type       string      `json:"type"` // full|diff|incr
	Prior      string      `json:"prior,omitempty"`
	StartLSN   string      `json:"startLsn"`
	StopLSN    string      `json:"stopLsn"`
	BlockIncr  bool        `json:"blockIncremental"`
	// CompressType is the compress-type every file in this backup was
	// stored under (empty for uncompressed); a backup uses one compression
	// algorithm for all its files, so this is recorded once here rather
	// than per file.
	CompressType string `json:"compressType,omitempty"`
	// BlockSize is the chunk size BlockDiff divided files into when
	// BlockIncr is set, needed to reconstruct a BlockRange's byte offsets.
	BlockSize int64       `json:"blockSize,omitempty"`
	Files     []FileEntry `json:"files"`
	Paths     []PathEntry `json:"paths"`
	Links     []LinkEntry `json:"links"`
}

// Validate checks the manifest invariants: every file with size > 0 has a
// full-file hash or a block-incremental map recording its content.
func (m *Manifest) Validate() error {
	for _, f := range m.Files {
		if f.Size > 0 && f.Hash == "" && len(f.BlockMap) == 0 {
			return pgerr.New(pgerr.FormatError, "manifest file %s has size %d but no hash", f.Path, f.Size)
		}
	}
	return nil
}

// FileByPath returns the entry for path, or false if it is not present.
func (m *Manifest) FileByPath(path string) (FileEntry, bool) {
	for _, f := range m.Files {
		if f.Path == path {
			return f, true
		}
	}
	return FileEntry{}, false
}

// HashFile computes a manifest-format SHA1 hash over r's decompressed
// bytes, returning the hash alongside the number of bytes read.
func HashFile(r io.Reader) (hash string, size int64, err error) {
	h := sha1.New() //nolint:gosec
	n, err := io.Copy(h, r)
	if err != nil {
		return "", 0, pgerr.Wrap(pgerr.FileReadError, err, "hash file contents")
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// DiffAgainstPrior marks files in current that match a prior manifest's
// (size, mtime) as referenced rather than copied, implementing the
// incremental backup rule: unchanged files are not re-transferred, they
// point back at the backup that holds their bytes. When verifyContent is
// true, matching files are re-hashed via reread and only marked referenced
// if the hash also matches, catching mtime-only false negatives.
func DiffAgainstPrior(current, prior *Manifest, verifyContent bool, reread func(path string) (io.ReadCloser, error)) error {
	priorByPath := make(map[string]FileEntry, len(prior.Files))
	for _, f := range prior.Files {
		priorByPath[f.Path] = f
	}

	for i := range current.Files {
		f := &current.Files[i]
		pf, ok := priorByPath[f.Path]
		if !ok {
			continue
		}
		if f.Size != pf.Size || !f.Mtime.Equal(pf.Mtime) {
			continue
		}

		if verifyContent && reread != nil {
			rc, err := reread(f.Path)
			if err != nil {
				return err
			}
			hash, _, err := HashFile(rc)
			_ = rc.Close()
			if err != nil {
				return err
			}
			if hash != pf.Hash {
				continue
			}
		}

		f.Reference = referenceLabel(prior, pf)
		f.Hash = pf.Hash
		f.BlockMap = nil
	}
	return nil
}

func referenceLabel(prior *Manifest, pf FileEntry) string {
	if pf.Reference != "" {
		// pf already points at an earlier ancestor; the bytes live there,
		// not in prior, so the reference must carry forward unchanged.
		return pf.Reference
	}
	return prior.Label
}

// BlockDiff computes the block-incremental ranges that differ between cur
// and a prior manifest's block map, hashing each blockSize-sized chunk of
// cur and comparing it against the prior recorded hash for the same block.
// Adjacent differing blocks are merged into a single range.
func BlockDiff(cur []byte, blockSize int64, prior []BlockRange) ([]BlockRange, error) {
	priorHash := make(map[int64]string, len(prior))
	for _, r := range prior {
		for b := r.StartBlock; b <= r.EndBlock; b++ {
			priorHash[b] = r.Hash
		}
	}

	var out []BlockRange
	total := int64(len(cur))
	for block := int64(0); block*blockSize < total; block++ {
		start := block * blockSize
		end := start + blockSize
		if end > total {
			end = total
		}
		h, _, err := HashFile(bytes.NewReader(cur[start:end]))
		if err != nil {
			return nil, err
		}

		if priorHash[block] == h {
			continue
		}

		if len(out) > 0 && out[len(out)-1].EndBlock == block-1 {
			out[len(out)-1].EndBlock = block
			out[len(out)-1].Hash = h
			continue
		}
		out = append(out, BlockRange{StartBlock: block, EndBlock: block, Hash: h})
	}
	return out, nil
}

// Store persists and loads manifests against a backing repository. The
// manifest is immutable once saved.
type Store interface {
	Save(ctx context.Context, label string, m *Manifest) error
	Load(ctx context.Context, label string) (*Manifest, error)
}

// Marshal renders m as canonical JSON for storage.
func Marshal(m *Manifest) ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, pgerr.Wrap(pgerr.FormatError, err, "encode manifest")
	}
	return data, nil
}

// Unmarshal parses manifest JSON previously produced by Marshal.
func Unmarshal(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, pgerr.Wrap(pgerr.FormatError, err, "decode manifest")
	}
	return &m, nil
}

// SaveLocal writes a manifest and its .copy companion to a local directory,
// fsyncing both for crash tolerance before either name is considered
// durable.
func SaveLocal(dir string, m *Manifest) error {
	if err := m.Validate(); err != nil {
		return err
	}
	data, err := Marshal(m)
	if err != nil {
		return err
	}

	path := dir + "/manifest"
	copyPath := path + ".copy"

	if err := writeFileSync(copyPath, data); err != nil {
		return err
	}
	if err := writeFileSync(path, data); err != nil {
		return err
	}
	return nil
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return pgerr.Wrap(pgerr.FileOpenError, err, "open %s", path)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return pgerr.Wrap(pgerr.FileWriteError, err, "write %s", path)
	}
	if err := f.Sync(); err != nil {
		return pgerr.Wrap(pgerr.FileWriteError, err, "sync %s", path)
	}
	return nil
}

// LoadLocal reads a manifest, trying the primary file first and falling
// back to its .copy on failure, accepting whichever parses.
func LoadLocal(dir string, label string) (*Manifest, error) {
	path := dir + "/manifest"
	copyPath := path + ".copy"

	if data, err := os.ReadFile(path); err == nil {
		if m, err := Unmarshal(data); err == nil {
			return m, nil
		}
	}

	data, err := os.ReadFile(copyPath)
	if err != nil {
		return nil, pgerr.Wrap(pgerr.FileMissingError, err, "read manifest for %s", label)
	}
	m, err := Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("both manifest and manifest.copy failed to parse for %s: %w", label, err)
	}
	return m, nil
}
