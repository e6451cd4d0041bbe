package command

import (
	"github.com/pgbackrest-go/pgbackrest/procconfig"
	"github.com/pgbackrest-go/pgbackrest/repo"
	repoposix "github.com/pgbackrest-go/pgbackrest/repo/posix"
)

// spoolRepo opens the posix-backed spool directory scoped to
// archive/<stanza>/<sub>, the layout archivepush and archiveget's async
// paths stage .ready/.ok/.error status files and prefetched segments
// under.
func spoolRepo(r *procconfig.Resolver, dataPath, stanza, sub string) (repo.Repo, error) {
	path := r.String(OptSpoolPath, dataPath+"/spool")
	base, err := repoposix.New(path)
	if err != nil {
		return nil, err
	}
	return repo.Sub(base, "archive/"+stanza+"/"+sub), nil
}
