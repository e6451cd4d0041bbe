package command

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	"github.com/pgbackrest-go/pgbackrest/backup"
	"github.com/pgbackrest-go/pgbackrest/pglog"
	"github.com/pgbackrest-go/pgbackrest/procconfig"
	"github.com/pgbackrest-go/pgbackrest/procctx"
	"github.com/pgbackrest-go/pgbackrest/walseg"
)

func TestSegmentForLSNMatchesPgWalfileNameArithmetic(t *testing.T) {
	seg, err := segmentForLSN(1, "0/3000000", walseg.Size(16*1024*1024))
	require.NoError(t, err)
	require.Equal(t, walseg.Name("000000010000000000000003"), seg)
}

func TestSegmentForLSNRejectsMalformedInput(t *testing.T) {
	_, err := segmentForLSN(1, "not-an-lsn", walseg.Size(16*1024*1024))
	require.Error(t, err)
}

func TestSegmentForLSNRejectsZeroSegmentSize(t *testing.T) {
	_, err := segmentForLSN(1, "0/3000000", 0)
	require.Error(t, err)
}

func TestBackupLabelFormatsTypeSuffix(t *testing.T) {
	when := time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)
	require.Equal(t, "20260115-090000F", backupLabel(when, backup.TypeFull))
	require.Equal(t, "20260115-090000D", backupLabel(when, backup.TypeDiff))
	require.Equal(t, "20260115-090000I", backupLabel(when, backup.TypeIncr))
}

func TestStanzaCipherPassUnencryptedByDefault(t *testing.T) {
	r := procconfig.NewResolver(procconfig.CLISource(map[string]string{}))
	pc := procctx.New(pglog.New(false))
	pass, err := stanzaCipherPass(r, pc)
	require.NoError(t, err)
	require.Empty(t, pass)
}

func TestStanzaCipherPassUsesConfiguredPassphrase(t *testing.T) {
	r := procconfig.NewResolver(procconfig.CLISource(map[string]string{
		OptRepoCipherType: "aes-256-cbc",
		OptRepoCipherPass: "configured-pass",
	}))
	pc := procctx.New(pglog.New(false))
	pass, err := stanzaCipherPass(r, pc)
	require.NoError(t, err)
	require.Equal(t, "configured-pass", pass)
}

func TestStanzaCipherPassGeneratesWhenCipherRequestedWithoutPassphrase(t *testing.T) {
	r := procconfig.NewResolver(procconfig.CLISource(map[string]string{
		OptRepoCipherType: "aes-256-cbc",
	}))
	pc := procctx.New(pglog.New(false))
	pass, err := stanzaCipherPass(r, pc)
	require.NoError(t, err)
	require.Len(t, pass, 32)
}

// BuildResolver priority: explicitly-set CLI flags win over environment,
// which wins over an INI file; a flag left at its zero value must not
// shadow either lower-priority source.
func TestBuildResolverHonorsCLIEnvFilePriority(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String(OptBackupType, "full", "")
	require.NoError(t, fs.Set(OptBackupType, "diff"))

	t.Setenv("PGBACKREST_TYPE", "incr")

	resolver, err := BuildResolver(fs, "main")
	require.NoError(t, err)
	require.Equal(t, "diff", resolver.String(OptBackupType, "full"))
}
