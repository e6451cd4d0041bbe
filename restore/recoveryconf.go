package restore

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pgbackrest-go/pgbackrest/pgerr"
)

// RecoveryConfig is what WriteRecoveryConfig renders into postgresql.auto.conf
// (or recovery.conf on pre-12 servers, selected by PgVersion12Plus): the
// restore command line the database invokes per requested WAL segment,
// the recovery target, and standby mode.
type RecoveryConfig struct {
	PgVersion12Plus bool
	RestoreCommand  string
	TargetAction    string
	StandbyMode     bool
	TargetTimeline  string
}

// WriteRecoveryConfig writes the recovery configuration into dataDir,
// creating standby.signal/recovery.signal as needed on modern servers and
// falling back to a single recovery.conf on pre-12 servers.
func WriteRecoveryConfig(dataDir string, cfg RecoveryConfig) error {
	lines := []string{
		fmt.Sprintf("restore_command = '%s'", cfg.RestoreCommand),
	}
	if cfg.TargetAction != "" {
		lines = append(lines, fmt.Sprintf("recovery_target_action = '%s'", cfg.TargetAction))
	}
	if cfg.TargetTimeline != "" {
		lines = append(lines, fmt.Sprintf("recovery_target_timeline = '%s'", cfg.TargetTimeline))
	}

	if !cfg.PgVersion12Plus {
		lines = append(lines, fmt.Sprintf("standby_mode = '%s'", onOff(cfg.StandbyMode)))
		return writeLines(filepath.Join(dataDir, "recovery.conf"), lines)
	}

	if err := writeLines(filepath.Join(dataDir, "postgresql.auto.conf"), lines); err != nil {
		return err
	}
	if cfg.StandbyMode {
		return touch(filepath.Join(dataDir, "standby.signal"))
	}
	return touch(filepath.Join(dataDir, "recovery.signal"))
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func writeLines(path string, lines []string) error {
	var body string
	for _, l := range lines {
		body += l + "\n"
	}
	if err := os.WriteFile(path, []byte(body), 0o640); err != nil {
		return pgerr.Wrap(pgerr.FileWriteError, err, "write %s", path)
	}
	return nil
}

func touch(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return pgerr.Wrap(pgerr.FileWriteError, err, "create %s", path)
	}
	return f.Close()
}
