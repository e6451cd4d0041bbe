package command

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/pgbackrest-go/pgbackrest/backup"
	"github.com/pgbackrest-go/pgbackrest/restore"
	"github.com/pgbackrest-go/pgbackrest/worker/local"
)

// newWorkerCmd is the process ForkDispatcher execs into: it speaks the
// framed worker protocol over stdin/stdout and services backup-copy and
// restore-reconstruct commands until the controller closes its side.
func newWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Internal: service backup/restore commands over stdin/stdout",
		Args:   cobra.NoArgs,
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			stanza, err := requiredStanza(cmd)
			if err != nil {
				return err
			}
			resolver, err := BuildResolver(cmd.Flags(), stanza)
			if err != nil {
				return err
			}
			pc := newProcCtx(cmd)
			stopMetrics, err := startMetrics(cmd, pc.Log)
			if err != nil {
				return err
			}
			defer stopMetrics()

			repos, err := BuildRepos(cmd.Context(), resolver)
			if err != nil {
				return err
			}
			if len(repos) == 0 {
				return errOptionRequired("repo1-type")
			}

			backupTargets := make([]backup.RepoTarget, 0, len(repos))
			for _, nr := range repos {
				backupTargets = append(backupTargets, backup.RepoTarget{Label: nr.Label, Repo: backupRepo(nr.Repo, stanza)})
			}
			restoreRepo := backupRepo(repos[0].Repo, stanza)

			routes := local.Router{
				backup.CopyFileVerb:         backup.CopyHandler(backupTargets, backup.DefaultChecksum),
				restore.ReconstructFileVerb: restore.ReconstructHandler(restoreRepo),
			}

			return local.Serve(os.Stdin, os.Stdout, pc.ExecID, routes)
		},
	}
	return cmd
}
