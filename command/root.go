package command

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/pgbackrest-go/pgbackrest/pglog"
	"github.com/pgbackrest-go/pgbackrest/pgmetrics"
	"github.com/pgbackrest-go/pgbackrest/procctx"
	"github.com/pgbackrest-go/pgbackrest/repo"
)

// NewRootCmd assembles the pgbackrest command tree. Global flags shared by
// every subcommand (--stanza, --config, --debug) feed into each
// subcommand's own BuildResolver call alongside that subcommand's
// command-specific flags.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "pgbackrest",
		Short:         "Reliable PostgreSQL backup and restore",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().String(OptStanza, "", "stanza name")
	root.PersistentFlags().String(OptConfig, "", "path to pgbackrest.conf")
	root.PersistentFlags().Bool(OptDebug, false, "enable debug logging")
	root.PersistentFlags().String(OptExecID, "", "reuse an existing exec-id (set by a forked worker's controller)")
	root.PersistentFlags().String(OptMetricsListen, "", "address to serve Prometheus metrics on, e.g. :9187; empty disables it")

	root.AddCommand(
		newArchivePushCmd(),
		newArchiveGetCmd(),
		newBackupCmd(),
		newRestoreCmd(),
		newStanzaCreateCmd(),
		newStanzaUpgradeCmd(),
		newWorkerCmd(),
	)
	return root
}

func newProcCtx(cmd *cobra.Command) *procctx.Context {
	debug, _ := cmd.Flags().GetBool(OptDebug)
	pc := procctx.New(pglog.New(debug))
	if execID, _ := cmd.Flags().GetString(OptExecID); execID != "" {
		pc = pc.WithExecID(execID)
	}
	return pc
}

// startMetrics starts a Prometheus metrics server for the lifetime of cmd
// when --metrics-listen is set, stopping it once RunE returns. Short-lived
// subcommands (stanza-create, stanza-upgrade) don't call this; the
// long-running ones (archive-push/archive-get's async worker, backup,
// restore) do, since those are the processes worth scraping.
func startMetrics(cmd *cobra.Command, log *pglog.Logger) (stop func(), err error) {
	addr, err := cmd.Flags().GetString(OptMetricsListen)
	if err != nil || addr == "" {
		return func() {}, err
	}
	srv := pgmetrics.NewServer(addr, log)
	srv.Start()
	return func() {
		_ = srv.Stop(context.Background())
	}, nil
}

func requiredStanza(cmd *cobra.Command) (string, error) {
	stanza, err := cmd.Flags().GetString(OptStanza)
	if err != nil {
		return "", err
	}
	if stanza == "" {
		return "", errOptionRequired("stanza")
	}
	return stanza, nil
}

// archiveRepo scopes base under the archive/<stanza> tree every archive-id
// registry and WAL object lives under within a configured repository.
func archiveRepo(base repo.Repo, stanza string) repo.Repo {
	return repo.Sub(base, "archive/"+stanza)
}

// backupRepo scopes base under the backup/<stanza> tree the backup.info
// registry and every backup's manifest/data live under.
func backupRepo(base repo.Repo, stanza string) repo.Repo {
	return repo.Sub(base, "backup/"+stanza)
}
