package command

import (
	"context"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"github.com/pgbackrest-go/pgbackrest/archiveget"
	"github.com/pgbackrest-go/pgbackrest/pgerr"
	"github.com/pgbackrest-go/pgbackrest/procconfig"
	"github.com/pgbackrest-go/pgbackrest/repoinfo"
	"github.com/pgbackrest-go/pgbackrest/walseg"
)

func newArchiveGetCmd() *cobra.Command {
	var async, asyncWorker bool

	cmd := &cobra.Command{
		Use:   "archive-get <wal-segment-name> <destination-path>",
		Short: "Fetch one WAL segment from the configured repositories",
		Args:  cobra.ExactArgs(2),
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
			opts, err := archiveGetOptions(resolver)
			if err != nil {
				return err
			}

			sources, err := archiveGetSources(cmd.Context(), resolver, stanza)
			if err != nil {
				return err
			}

			seg, err := walseg.Parse(args[0])
			if err != nil {
				return err
			}

			if asyncWorker {
				spoolIn, err := spoolRepo(resolver, dataPath, stanza, "in")
				if err != nil {
					return err
				}
				return archiveget.RunAsyncWorker(cmd.Context(), pc, spoolIn, sources, dataPath, stanza, seg, opts)
			}

			if async {
				spoolIn, err := spoolRepo(resolver, dataPath, stanza, "in")
				if err != nil {
					return err
				}
				launch := forkAsyncGetWorker(cmd)
				found, err := archiveget.RunForeground(cmd.Context(), pc, dataPath, stanza, spoolIn, seg, args[1], launch, opts)
				if err != nil {
					return err
				}
				if !found {
					pc.Log.Infof("%s: not found in any configured repository", seg)
				}
				return nil
			}

			found, err := archiveget.GetSync(cmd.Context(), pc, sources, stanza, seg, args[1])
			if err != nil {
				return err
			}
			if !found {
				pc.Log.Infof("%s: not found in any configured repository", seg)
			}
			return nil
		},
	}

	bindArchiveCommonFlags(cmd)
	cmd.Flags().BoolVar(&async, "async", false, "prefetch successor segments into the spool ahead of the request")
	cmd.Flags().BoolVar(&asyncWorker, "async-worker", false, "internal: run the detached async-get worker loop")
	cmd.Flags().Int64(OptGetQueueMax, 0, "archive-get-queue-max in bytes; 0 disables prefetch")
	cmd.Flags().Int(OptSegmentSize, 16*1024*1024, "WAL segment size in bytes")
	cmd.Flags().Bool(OptPre93, false, "target server predates the 9.3 timeline-aware segment naming")
	_ = cmd.Flags().MarkHidden("async-worker")
	return cmd
}

func archiveGetOptions(r *procconfig.Resolver) (archiveget.Options, error) {
	processMax, err := r.Int(OptProcessMax, 1)
	if err != nil {
		return archiveget.Options{}, err
	}
	archiveTimeout, err := r.Duration(OptArchiveTimeout, 60*time.Second)
	if err != nil {
		return archiveget.Options{}, err
	}
	pollInterval, err := r.Duration(OptPollInterval, 100*time.Millisecond)
	if err != nil {
		return archiveget.Options{}, err
	}
	queueMax, err := r.Int(OptGetQueueMax, 0)
	if err != nil {
		return archiveget.Options{}, err
	}
	segSize, err := r.Int(OptSegmentSize, 16*1024*1024)
	if err != nil {
		return archiveget.Options{}, err
	}
	pre93, err := r.Bool(OptPre93, false)
	if err != nil {
		return archiveget.Options{}, err
	}

	return archiveget.Options{
		QueueMax:       int64(queueMax),
		SegmentSize:    walseg.Size(segSize),
		Pre93:          pre93,
		ProcessMax:     processMax,
		ArchiveTimeout: archiveTimeout,
		PollInterval:   pollInterval,
	}, nil
}

// archiveGetSources builds one RepoSource per configured repository, in
// the priority order archive-get searches them, resolving each one's
// currently bound archive-id.
func archiveGetSources(ctx context.Context, r *procconfig.Resolver, stanza string) ([]archiveget.RepoSource, error) {
	repos, err := BuildRepos(ctx, r)
	if err != nil {
		return nil, err
	}

	sources := make([]archiveget.RepoSource, 0, len(repos))
	for _, nr := range repos {
		scoped := archiveRepo(nr.Repo, stanza)
		info, err := repoinfo.LoadArchiveInfo(ctx, scoped)
		if err != nil {
			return nil, err
		}
		archiveID, ok := info.CurrentArchiveID()
		if !ok {
			return nil, pgerr.New(pgerr.RepoInvalidError, "%s: stanza %q has no archive-id, run stanza-create first", nr.Label, stanza)
		}
		sources = append(sources, archiveget.RepoSource{Repo: scoped, ArchiveID: archiveID.String()})
	}
	return sources, nil
}

func forkAsyncGetWorker(cmd *cobra.Command) archiveget.Launcher {
	exe, err := os.Executable()
	if err != nil {
		exe = os.Args[0]
	}
	args := append([]string(nil), os.Args[1:]...)
	args = append(args, "--async-worker")

	return func() {
		c := exec.Command(exe, args...)
		_ = c.Start()
	}
}
