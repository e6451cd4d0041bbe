package backup

import (
	"os"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/pgbackrest-go/pgbackrest/manifest"
	"github.com/pgbackrest-go/pgbackrest/pgerr"
)

// BuildManifest walks dataDir and every tablespace directory in
// tablespaces, producing the raw file/path/link list for a new backup.
// Hashes are not computed here: the copy scheduler fills them in as each
// file is actually read and uploaded, so a file is never read twice.
func BuildManifest(dataDir string, tablespaces map[string]string) (*manifest.Manifest, error) {
	m := &manifest.Manifest{}

	if err := walkOne(dataDir, dataDir, m); err != nil {
		return nil, err
	}
	for oid, tsDir := range tablespaces {
		prefix := filepath.Join("pg_tblspc", oid)
		if err := walkOne(tsDir, tsDir, m, prefix); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func walkOne(root, base string, m *manifest.Manifest, prefixParts ...string) error {
	return filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return pgerr.Wrap(pgerr.PathOpenError, err, "walk %s", p)
		}

		rel, rerr := filepath.Rel(base, p)
		if rerr != nil {
			return pgerr.Wrap(pgerr.PathOpenError, rerr, "relativize %s", p)
		}
		relPath := filepath.ToSlash(rel)
		if len(prefixParts) > 0 {
			if rel == "." {
				relPath = filepath.ToSlash(filepath.Join(prefixParts...))
			} else {
				relPath = filepath.ToSlash(filepath.Join(append(append([]string{}, prefixParts...), rel)...))
			}
		}

		mode, uid, gid := statAttrs(info)
		user, group := lookupOwner(uid, gid)

		switch {
		case info.Mode()&os.ModeSymlink != 0:
			dest, lerr := os.Readlink(p)
			if lerr != nil {
				return pgerr.Wrap(pgerr.PathOpenError, lerr, "readlink %s", p)
			}
			m.Links = append(m.Links, manifest.LinkEntry{Path: relPath, Destination: dest, User: user, Group: group})
		case info.IsDir():
			if relPath == "." {
				return nil
			}
			m.Paths = append(m.Paths, manifest.PathEntry{Path: relPath, Mode: mode, User: user, Group: group})
		default:
			m.Files = append(m.Files, manifest.FileEntry{
				Path:  relPath,
				Size:  info.Size(),
				Mtime: info.ModTime(),
				Mode:  mode,
				User:  user,
				Group: group,
			})
		}
		return nil
	})
}

func statAttrs(info os.FileInfo) (mode uint32, uid, gid uint32) {
	mode = uint32(info.Mode().Perm())
	if sys, ok := info.Sys().(*syscall.Stat_t); ok {
		uid = sys.Uid
		gid = sys.Gid
	}
	return mode, uid, gid
}

// lookupOwner resolves numeric uid/gid to names, falling back to the
// numeric form when the local name service has no mapping (common in
// containerized test environments).
func lookupOwner(uid, gid uint32) (user, group string) {
	return strconv.FormatUint(uint64(uid), 10), strconv.FormatUint(uint64(gid), 10)
}
