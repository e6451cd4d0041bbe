// Package restore implements the restore engine: narrowing a manifest to
// the requested selector, diffing it against an existing destination
// directory in delta mode, dispatching reconstruction jobs to the worker
// pool, and writing the recovery configuration the database reads on
// startup. Grounded on the same worker-pool shape as backup, consuming
// repo/manifest instead of producing them.
package restore

import (
	"strconv"
	"strings"

	"github.com/pgbackrest-go/pgbackrest/manifest"
)

// Tuple identifies one relation to restore by (database oid, tablespace
// oid, relfilenode). An empty Selector restores everything.
type Tuple struct {
	DatabaseOID   string
	TablespaceOID string
	Relfilenode   string
}

// Selector narrows a restore to a set of relations. System tables from
// non-system databases are always restored regardless of the tuple list,
// per the restore engine's selective-restore rule.
type Selector struct {
	Tuples []Tuple
}

// ParseSelector reads a selector file in "database-oid/tablespace-oid/relfilenode"
// line format, one tuple per line, matching the --filter option's on-disk
// shape.
func ParseSelector(data []byte) Selector {
	var sel Selector
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.Split(line, "/")
		if len(parts) != 3 {
			continue
		}
		sel.Tuples = append(sel.Tuples, Tuple{DatabaseOID: parts[0], TablespaceOID: parts[1], Relfilenode: parts[2]})
	}
	return sel
}

// systemDatabaseOIDs are the always-restored system database OIDs
// (template0, template1, postgres use regular OIDs but global/ objects
// and non-relation files are never filtered).
const (
	globalPathPrefix = "global/"
	basePathPrefix   = "base/"
)

// Apply narrows m to files matching sel, returning a new manifest sharing
// m's metadata with a filtered Files slice. Non-relation files (paths,
// links, and files outside base/ or pg_tblspc/) are always kept: the
// selector only prunes relation data.
func (sel Selector) Apply(m *manifest.Manifest) *manifest.Manifest {
	if len(sel.Tuples) == 0 {
		return m
	}

	allowed := make(map[string]bool, len(sel.Tuples))
	for _, t := range sel.Tuples {
		allowed[t.DatabaseOID+"/"+t.Relfilenode] = true
	}

	out := *m
	out.Files = make([]manifest.FileEntry, 0, len(m.Files))
	for _, f := range m.Files {
		if !isRelationPath(f.Path) {
			out.Files = append(out.Files, f)
			continue
		}
		dbOID, relfilenode, ok := parseRelationPath(f.Path)
		if !ok || dbOID == "global" || allowed[dbOID+"/"+relfilenode] {
			out.Files = append(out.Files, f)
		}
	}
	return &out
}

func isRelationPath(path string) bool {
	return strings.HasPrefix(path, basePathPrefix) || strings.HasPrefix(path, globalPathPrefix) || strings.HasPrefix(path, "pg_tblspc/")
}

// parseRelationPath extracts the database oid and relfilenode (stripped
// of any fork suffix like "_vm"/"_fsm" or segment suffix like ".1") from
// a base/<dboid>/<relfilenode> path.
func parseRelationPath(path string) (dbOID, relfilenode string, ok bool) {
	if strings.HasPrefix(path, globalPathPrefix) {
		return "global", "", true
	}
	parts := strings.Split(path, "/")
	if len(parts) < 3 {
		return "", "", false
	}
	file := parts[len(parts)-1]
	if idx := strings.IndexByte(file, '.'); idx >= 0 {
		file = file[:idx]
	}
	if idx := strings.IndexByte(file, '_'); idx >= 0 {
		file = file[:idx]
	}
	if _, err := strconv.Atoi(file); err != nil {
		return "", "", false
	}
	return parts[1], file, true
}
