package command

import (
	"github.com/sethvargo/go-password/password"
	"github.com/spf13/cobra"

	"github.com/pgbackrest-go/pgbackrest/backup"
	"github.com/pgbackrest-go/pgbackrest/lock"
	"github.com/pgbackrest-go/pgbackrest/pgerr"
	"github.com/pgbackrest-go/pgbackrest/procconfig"
	"github.com/pgbackrest-go/pgbackrest/procctx"
	"github.com/pgbackrest-go/pgbackrest/repoinfo"
)

// newStanzaCreateCmd writes a stanza's initial archive.info/backup.info
// pair into every configured repository, allocating archive-id "<pg
// version>-1" for a stanza that has never been created before.
func newStanzaCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stanza-create",
		Short: "Initialize a stanza's archive.info and backup.info in every configured repository",
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

			dataPath, err := resolver.Required(OptPgPath)
			if err != nil {
				return err
			}
			dsn, err := resolver.Required(OptPgDSN)
			if err != nil {
				return err
			}

			conn, err := backup.Dial(dsn)
			if err != nil {
				return err
			}
			defer func() { _ = conn.Close() }()
			pgVersion, systemID, err := conn.Identify(cmd.Context())
			if err != nil {
				return err
			}

			l, err := lock.Acquire(dataPath, stanza, "stanza", pc.ExecID)
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

			cipherPass, err := stanzaCipherPass(resolver, pc)
			if err != nil {
				return err
			}

			for _, nr := range repos {
				archiveScoped := archiveRepo(nr.Repo, stanza)
				backupScoped := backupRepo(nr.Repo, stanza)

				archiveInfo := &repoinfo.ArchiveInfo{CipherPass: cipherPass}
				archiveInfo.Upgrade(pgVersion, systemID)
				if err := repoinfo.SaveArchiveInfo(cmd.Context(), archiveScoped, archiveInfo); err != nil {
					return err
				}

				backupInfo := &repoinfo.BackupInfo{PgVersion: pgVersion, PgSystemID: systemID}
				if err := repoinfo.SaveBackupInfo(cmd.Context(), backupScoped, backupInfo); err != nil {
					return err
				}
				pc.Log.Infof("%s: stanza %q created for pg version %s, system-id %s", nr.Label, stanza, pgVersion, systemID)
			}
			if cipherPass != "" {
				pc.Log.Infof("repo cipher passphrase generated; record it now, it is not stored anywhere you can print again: %s", cipherPass)
			}
			return nil
		},
	}
	cmd.Flags().String(OptRepoCipherType, "none", "repository encryption: none or aes-256-cbc")
	cmd.Flags().String(OptRepoCipherPass, "", "passphrase for repo-cipher-type; generated when unset and a cipher type is chosen")
	return cmd
}

// stanzaCipherPass resolves the repository's cipher passphrase for a new
// stanza: the configured value if one was given, a freshly generated one
// when a cipher type was requested without a passphrase, or empty when
// the repository is left unencrypted.
func stanzaCipherPass(r *procconfig.Resolver, pc *procctx.Context) (string, error) {
	cipherType := r.String(OptRepoCipherType, "none")
	if cipherType == "" || cipherType == "none" {
		return "", nil
	}
	if pass := r.String(OptRepoCipherPass, ""); pass != "" {
		return pass, nil
	}
	generated, err := password.Generate(32, 10, 0, false, true)
	if err != nil {
		return "", pgerr.Wrap(pgerr.AssertError, err, "generate repo cipher passphrase")
	}
	pc.Log.Infof("no repo1-cipher-pass given for cipher type %s, generating one", cipherType)
	return generated, nil
}

// newStanzaUpgradeCmd allocates a new archive-id in every configured
// repository when the primary's Postgres version or system-id has
// changed since the stanza was created.
func newStanzaUpgradeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stanza-upgrade",
		Short: "Record a new Postgres version or system-id for an existing stanza",
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

			dataPath, err := resolver.Required(OptPgPath)
			if err != nil {
				return err
			}
			dsn, err := resolver.Required(OptPgDSN)
			if err != nil {
				return err
			}

			conn, err := backup.Dial(dsn)
			if err != nil {
				return err
			}
			defer func() { _ = conn.Close() }()
			pgVersion, systemID, err := conn.Identify(cmd.Context())
			if err != nil {
				return err
			}

			l, err := lock.Acquire(dataPath, stanza, "stanza", pc.ExecID)
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

			for _, nr := range repos {
				archiveScoped := archiveRepo(nr.Repo, stanza)
				info, err := repoinfo.LoadArchiveInfo(cmd.Context(), archiveScoped)
				if err != nil {
					return pgerr.Wrap(pgerr.RepoInvalidError, err, "%s: load archive.info, run stanza-create first", nr.Label)
				}
				if current, ok := info.CurrentArchiveID(); ok && current.PgVersion == pgVersion && info.PgSystemID == systemID {
					pc.Log.Infof("%s: stanza %q already current at %s", nr.Label, stanza, current)
					continue
				}
				id := info.Upgrade(pgVersion, systemID)
				if err := repoinfo.SaveArchiveInfo(cmd.Context(), archiveScoped, info); err != nil {
					return err
				}
				pc.Log.Infof("%s: stanza %q upgraded to archive-id %s", nr.Label, stanza, id)
			}
			return nil
		},
	}
	return cmd
}
