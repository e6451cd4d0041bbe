// Package command wires the engine packages into cobra subcommands: it
// resolves options through procconfig, builds repository backends from
// that configuration, and dispatches each subcommand's work to the
// archivepush/archiveget/backup/restore/recovery/repoinfo packages. It is
// the counterpart of the teacher's flat flag.FlagSet-based main(), grown
// into a command tree since the engine now serves many verbs instead of
// one restore operation.
package command

// Option names, shared across the CLI, environment, and INI config file
// resolution paths every subcommand builds through BuildResolver.
const (
	OptStanza   = "stanza"
	OptConfig   = "config"
	OptDebug    = "debug"
	OptExecID   = "exec-id"

	OptPgPath = "pg1-path"
	OptPgDSN  = "pg1-dsn"
	OptPre93  = "pg-pre93"

	OptSpoolPath      = "spool-path"
	OptProcessMax     = "process-max"
	OptCompressType   = "compress-type"
	OptJobRetry       = "job-retry"
	OptArchiveTimeout = "archive-timeout"
	OptPollInterval   = "archive-poll-interval"
	OptHeaderCheck    = "archive-header-check"
	OptPushQueueMax   = "archive-push-queue-max"
	OptGetQueueMax    = "archive-get-queue-max"
	OptSegmentSize    = "wal-segment-size"

	OptDbTimeout     = "db-timeout"
	OptStartFast     = "start-fast"
	OptBackupType    = "type"
	OptVerifyContent = "verify-content"
	OptSetLabel      = "set"

	OptDeltaMode  = "delta"
	OptFilterFile = "filter"

	OptTargetType      = "target-type"
	OptTargetValue     = "target"
	OptTargetTimeline  = "target-timeline"
	OptTargetAction    = "target-action"
	OptTargetInclusive = "target-inclusive"

	OptMetricsListen = "metrics-listen"

	OptWorkerMode = "worker-mode"

	OptRepoCipherType = "repo1-cipher-type"
	OptRepoCipherPass = "repo1-cipher-pass"
)

// maxRepos bounds how many repoN- backends BuildRepos probes for, mirroring
// the fixed repo1..repo4 option namespace pgbackrest's own configuration
// uses.
const maxRepos = 4
