package command

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/pgbackrest-go/pgbackrest/archivepush"
	"github.com/pgbackrest-go/pgbackrest/pgerr"
	"github.com/pgbackrest-go/pgbackrest/procconfig"
	"github.com/pgbackrest-go/pgbackrest/repoinfo"
	"github.com/pgbackrest-go/pgbackrest/walseg"
)

func newArchivePushCmd() *cobra.Command {
	var async, asyncWorker bool

	cmd := &cobra.Command{
		Use:   "archive-push <wal-file-path>",
		Short: "Push one WAL segment to every configured repository",
		Args:  cobra.ExactArgs(1),
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
			dataPath, err := resolver.Required(OptPgPath)
			if err != nil {
				return err
			}
			opts, err := archivePushOptions(resolver)
			if err != nil {
				return err
			}

			targets, systemID, err := archivePushTargets(cmd.Context(), resolver, stanza)
			if err != nil {
				return err
			}
			opts.SystemID = systemID

			if asyncWorker {
				spoolOut, err := spoolRepo(resolver, dataPath, stanza, "out")
				if err != nil {
					return err
				}
				return archivepush.RunAsyncWorker(cmd.Context(), pc, dataPath, spoolOut, targets, stanza, opts)
			}

			segPath := args[0]
			if !filepath.IsAbs(segPath) {
				segPath = filepath.Join(dataPath, segPath)
			}
			seg, err := walseg.Parse(filepath.Base(segPath))
			if err != nil {
				return err
			}

			if async {
				spoolOut, err := spoolRepo(resolver, dataPath, stanza, "out")
				if err != nil {
					return err
				}
				launch := forkAsyncWorker(cmd)
				return archivepush.RunForeground(cmd.Context(), pc, dataPath, stanza, spoolOut, seg, launch, opts)
			}

			raw, err := os.ReadFile(segPath)
			if err != nil {
				return pgerr.Wrap(pgerr.FileReadError, err, "read %s", segPath)
			}
			_, warnings, err := archivepush.PushSync(cmd.Context(), pc, seg, raw, targets, stanza, opts)
			for _, w := range warnings {
				pc.Log.Warnf("%s", w)
			}
			return err
		},
	}

	bindArchiveCommonFlags(cmd)
	cmd.Flags().BoolVar(&async, "async", false, "decouple from the database by staging the push through a spool worker")
	cmd.Flags().BoolVar(&asyncWorker, "async-worker", false, "internal: run the detached async-push worker loop")
	cmd.Flags().Bool(OptHeaderCheck, true, "validate the WAL header's system-id before pushing")
	cmd.Flags().Int64(OptPushQueueMax, 0, "archive-push-queue-max in bytes; 0 means the queue is always considered full")
	_ = cmd.Flags().MarkHidden("async-worker")
	return cmd
}

func bindArchiveCommonFlags(cmd *cobra.Command) {
	cmd.Flags().String(OptCompressType, "", "compression filter: none, zstd, or bzip2")
	cmd.Flags().Int(OptProcessMax, 1, "number of concurrent workers for the async queue")
	cmd.Flags().Int(OptJobRetry, 1, "number of attempts before a job is considered failed")
	cmd.Flags().Duration(OptArchiveTimeout, 60*time.Second, "time a foreground probe waits for the async worker")
	cmd.Flags().Duration(OptPollInterval, 100*time.Millisecond, "interval between status polls while waiting")
}

func archivePushOptions(r *procconfig.Resolver) (archivepush.Options, error) {
	headerCheck, err := r.Bool(OptHeaderCheck, true)
	if err != nil {
		return archivepush.Options{}, err
	}
	processMax, err := r.Int(OptProcessMax, 1)
	if err != nil {
		return archivepush.Options{}, err
	}
	jobRetry, err := r.Int(OptJobRetry, 1)
	if err != nil {
		return archivepush.Options{}, err
	}
	archiveTimeout, err := r.Duration(OptArchiveTimeout, 60*time.Second)
	if err != nil {
		return archivepush.Options{}, err
	}
	pollInterval, err := r.Duration(OptPollInterval, 100*time.Millisecond)
	if err != nil {
		return archivepush.Options{}, err
	}
	queueMax, err := r.Int(OptPushQueueMax, 0)
	if err != nil {
		return archivepush.Options{}, err
	}

	return archivepush.Options{
		HeaderCheck:    headerCheck,
		CompressType:   r.String(OptCompressType, ""),
		QueueMax:       int64(queueMax),
		ProcessMax:     processMax,
		JobRetry:       jobRetry,
		ArchiveTimeout: archiveTimeout,
		PollInterval:   pollInterval,
	}, nil
}

// archivePushTargets builds one RepoTarget per configured repository,
// resolving each one's currently bound archive-id from its archive.info
// registry so PushOne can compute object paths without a second lookup.
func archivePushTargets(ctx context.Context, r *procconfig.Resolver, stanza string) ([]archivepush.RepoTarget, string, error) {
	repos, err := BuildRepos(ctx, r)
	if err != nil {
		return nil, "", err
	}

	var systemID string
	targets := make([]archivepush.RepoTarget, 0, len(repos))
	for _, nr := range repos {
		scoped := archiveRepo(nr.Repo, stanza)
		info, err := repoinfo.LoadArchiveInfo(ctx, scoped)
		if err != nil {
			return nil, "", err
		}
		archiveID, ok := info.CurrentArchiveID()
		if !ok {
			return nil, "", pgerr.New(pgerr.RepoInvalidError, "%s: stanza %q has no archive-id, run stanza-create first", nr.Label, stanza)
		}
		if systemID == "" {
			systemID = info.PgSystemID
		}
		targets = append(targets, archivepush.RepoTarget{Repo: scoped, ArchiveID: archiveID.String()})
	}
	return targets, systemID, nil
}

// forkAsyncWorker returns a Launcher that re-execs the current binary with
// the same global and archive-push flags plus --async-worker, detached
// from the foreground probe, the production wiring ForkDispatcher and
// Launcher's doc comment both describe.
func forkAsyncWorker(cmd *cobra.Command) archivepush.Launcher {
	exe, err := os.Executable()
	if err != nil {
		exe = os.Args[0]
	}
	args := append([]string(nil), os.Args[1:]...)
	args = append(args, "--async-worker")

	return func() {
		c := exec.Command(exe, args...)
		c.Stdin = nil
		c.Stdout = nil
		c.Stderr = nil
		_ = c.Start()
	}
}
