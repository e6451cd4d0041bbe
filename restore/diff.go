package restore

import (
	"os"
	"path/filepath"

	"github.com/pgbackrest-go/pgbackrest/manifest"
)

// DeltaMode controls how Plan decides whether a destination file can be
// skipped because it already matches the manifest entry.
type DeltaMode int

const (
	// DeltaOff restores every file unconditionally (a restore into an
	// empty or freshly cleaned destination directory).
	DeltaOff DeltaMode = iota
	// DeltaSize skips a file whose destination size and mtime already
	// match the manifest entry, without reading its contents.
	DeltaSize
	// DeltaChecksum additionally hashes a size/mtime match and only skips
	// it if the content hash also matches, catching same-size/same-mtime
	// corruption that size-only delta would miss.
	DeltaChecksum
)

// needsRestore reports whether f must be (re)written into destDir under
// mode, consulting the filesystem only as far as mode requires.
func needsRestore(destDir string, f manifest.FileEntry, mode DeltaMode) (bool, error) {
	if mode == DeltaOff {
		return true, nil
	}

	full := filepath.Join(destDir, filepath.FromSlash(f.Path))
	info, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, err
	}
	if info.Size() != f.Size || !info.ModTime().Equal(f.Mtime) {
		return true, nil
	}
	if mode != DeltaChecksum {
		return false, nil
	}

	existing, err := os.Open(full)
	if err != nil {
		return true, nil
	}
	defer existing.Close()
	hash, _, err := manifest.HashFile(existing)
	if err != nil {
		return true, nil
	}
	return hash != f.Hash, nil
}
