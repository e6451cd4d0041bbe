package command

import (
	"context"
	"crypto/sha1" //nolint:gosec // matches manifest's own convention of SHA1 for non-security content hashing
	"encoding/hex"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/pgbackrest-go/pgbackrest/lock"
	"github.com/pgbackrest-go/pgbackrest/manifest"
	"github.com/pgbackrest-go/pgbackrest/pgerr"
	"github.com/pgbackrest-go/pgbackrest/procconfig"
	"github.com/pgbackrest-go/pgbackrest/recovery"
	"github.com/pgbackrest-go/pgbackrest/repo"
	"github.com/pgbackrest-go/pgbackrest/restore"
	"github.com/pgbackrest-go/pgbackrest/worker/local"
)

func newRestoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore a backup into the data directory and configure recovery",
		Args:  cobra.NoArgs,
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

			l, err := lock.Acquire(dataPath, stanza, "restore", pc.ExecID)
			if err != nil {
				return err
			}
			defer func() { _ = l.Release() }()

			repos, err := BuildRepos(cmd.Context(), resolver)
			if err != nil {
				return err
			}
			if len(repos) == 0 {
				return errOptionRequired("repo1-type")
			}

			byLabel := make(map[string]repo.Repo, len(repos))
			sources := make([]recovery.RepoSource, 0, len(repos))
			for _, nr := range repos {
				scoped := backupRepo(nr.Repo, stanza)
				byLabel[nr.Label] = scoped
				sources = append(sources, recovery.RepoSource{Label: nr.Label, Repo: scoped})
			}

			target, err := restoreTarget(resolver)
			if err != nil {
				return err
			}

			resolved, err := recovery.Resolve(cmd.Context(), sources, target, manifestHashFunc(byLabel))
			if err != nil {
				return err
			}
			backupRepoChosen := byLabel[resolved.RepoLabel]

			targetManifest, err := loadManifest(cmd.Context(), backupRepoChosen, resolved.Entry.Label)
			if err != nil {
				return err
			}
			chain, err := loadChain(cmd.Context(), backupRepoChosen, targetManifest)
			if err != nil {
				return err
			}

			sel, err := restoreSelector(resolver)
			if err != nil {
				return err
			}
			deltaMode, err := restoreDeltaMode(resolver)
			if err != nil {
				return err
			}

			jobs, err := restore.Plan(dataPath, targetManifest, chain, sel, deltaMode)
			if err != nil {
				return err
			}

			processMax, err := resolver.Int(OptProcessMax, 4)
			if err != nil {
				return err
			}
			handler := restore.ReconstructHandler(backupRepoChosen)
			dispatch := newProgressDispatcher(local.NewInProcessDispatcher(processMax, handler), "restoring files")
			defer func() { _ = dispatch.Close() }()

			results, err := restore.Schedule(cmd.Context(), dispatch, jobs, int64(4*1024*1024))
			if err != nil {
				return err
			}
			pc.Log.Infof("restore %s: %d files reconstructed", resolved.Entry.Label, len(results))

			rcfg, err := restoreRecoveryConfig(resolver, target)
			if err != nil {
				return err
			}
			if err := restore.WriteRecoveryConfig(dataPath, rcfg); err != nil {
				return err
			}
			return nil
		},
	}

	cmd.Flags().String(OptTargetType, "default", "recovery target type: default, immediate, time, xid, lsn, or name")
	cmd.Flags().String(OptTargetValue, "", "recovery target value, meaning depends on target-type")
	cmd.Flags().String(OptTargetTimeline, "", "timeline to recover along; empty follows the backup's own timeline")
	cmd.Flags().String(OptTargetAction, "pause", "action to take once the recovery target is reached: pause, promote, or shutdown")
	cmd.Flags().Bool(OptTargetInclusive, true, "include the recovery target itself in the replayed WAL range")
	cmd.Flags().Int(OptProcessMax, 4, "number of concurrent reconstruction workers")
	cmd.Flags().String(OptFilterFile, "", "path to a selector file narrowing the restore to specific relations")
	cmd.Flags().Int(OptDeltaMode, int(restore.DeltaOff), "delta mode: 0 off, 1 size, 2 checksum")
	return cmd
}

func restoreTarget(r *procconfig.Resolver) (recovery.Target, error) {
	inclusive, err := r.Bool(OptTargetInclusive, true)
	if err != nil {
		return recovery.Target{}, err
	}
	return recovery.Target{
		Type:      recovery.TargetType(r.String(OptTargetType, "default")),
		Value:     r.String(OptTargetValue, ""),
		Inclusive: inclusive,
		Timeline:  r.String(OptTargetTimeline, ""),
	}, nil
}

func restoreSelector(r *procconfig.Resolver) (restore.Selector, error) {
	path := r.String(OptFilterFile, "")
	if path == "" {
		return restore.Selector{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return restore.Selector{}, pgerr.Wrap(pgerr.FileReadError, err, "read filter file %s", path)
	}
	return restore.ParseSelector(data), nil
}

func restoreDeltaMode(r *procconfig.Resolver) (restore.DeltaMode, error) {
	mode, err := r.Int(OptDeltaMode, int(restore.DeltaOff))
	if err != nil {
		return restore.DeltaOff, err
	}
	return restore.DeltaMode(mode), nil
}

func restoreRecoveryConfig(r *procconfig.Resolver, target recovery.Target) (restore.RecoveryConfig, error) {
	exe, err := os.Executable()
	if err != nil {
		exe = os.Args[0]
	}
	return restore.RecoveryConfig{
		PgVersion12Plus: true,
		RestoreCommand:  exe + " archive-get %f %p",
		TargetAction:    r.String(OptTargetAction, "pause"),
		StandbyMode:     false,
		TargetTimeline:  target.Timeline,
	}, nil
}

// loadManifest reads and decodes one backup's manifest object.
func loadManifest(ctx context.Context, r repo.Repo, label string) (*manifest.Manifest, error) {
	rc, err := r.NewRead(ctx, label+"/manifest")
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, pgerr.Wrap(pgerr.FileReadError, err, "read %s/manifest", label)
	}
	return manifest.Unmarshal(data)
}

// loadChain walks target.Prior back through every ancestor needed to
// reconstruct a diff or incremental backup, reading each ancestor's
// manifest from the same repository the target backup was found in.
func loadChain(ctx context.Context, r repo.Repo, target *manifest.Manifest) (restore.Chain, error) {
	chain := restore.Chain{target.Label: target}
	label := target.Prior
	for label != "" {
		if _, ok := chain[label]; ok {
			break
		}
		m, err := loadManifest(ctx, r, label)
		if err != nil {
			return nil, pgerr.Wrap(pgerr.RepoInvalidError, err, "load ancestor backup %s", label)
		}
		chain[label] = m
		label = m.Prior
	}
	return chain, nil
}

// manifestHashFunc hashes a backup's raw manifest bytes as stored in the
// repository labeled repoLabel, letting recovery.Resolve detect the same
// backup label disagreeing across repositories.
func manifestHashFunc(byLabel map[string]repo.Repo) recovery.ManifestHashFunc {
	return func(ctx context.Context, repoLabel, backupLabel string) (string, error) {
		r, ok := byLabel[repoLabel]
		if !ok {
			return "", pgerr.New(pgerr.RepoInvalidError, "unknown repository label %q", repoLabel)
		}
		rc, err := r.NewRead(ctx, backupLabel+"/manifest")
		if err != nil {
			return "", err
		}
		defer rc.Close()
		h := sha1.New() //nolint:gosec
		if _, err := io.Copy(h, rc); err != nil {
			return "", pgerr.Wrap(pgerr.FileReadError, err, "hash %s/manifest", backupLabel)
		}
		return hex.EncodeToString(h.Sum(nil)), nil
	}
}
