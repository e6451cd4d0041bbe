// Package pgmetrics declares the Prometheus collectors every component
// reports through. Grounded on Andrew50-peripheral's promauto
// package-level-vars pattern, repointed at archive/backup/restore
// counters and histograms instead of API call counters.
package pgmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ArchivePushTotal counts archive-push attempts by outcome
	// ("ok", "retry", "error").
	ArchivePushTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgbackrest_archive_push_total",
			Help: "WAL segments pushed to the repository, by outcome",
		},
		[]string{"outcome"},
	)

	// ArchivePushDuration tracks how long one archive-push call took,
	// including retries.
	ArchivePushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pgbackrest_archive_push_duration_seconds",
			Help:    "archive-push duration per WAL segment",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	// ArchiveGetTotal counts archive-get attempts by outcome.
	ArchiveGetTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgbackrest_archive_get_total",
			Help: "WAL segments fetched from the repository, by outcome",
		},
		[]string{"outcome"},
	)

	// ArchiveGetQueueDepth reports how many segments the read-ahead
	// prefetcher currently holds.
	ArchiveGetQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pgbackrest_archive_get_queue_depth",
			Help: "WAL segments currently queued by the archive-get prefetcher",
		},
	)

	// BackupFilesTotal counts files copied during a backup, by
	// classification ("full", "referenced", "block-incremental").
	BackupFilesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgbackrest_backup_files_total",
			Help: "Files processed by a backup, by how their bytes were sourced",
		},
		[]string{"kind"},
	)

	// BackupBytesTotal counts bytes actually copied to the repository
	// during a backup (excludes referenced files, whose bytes are not
	// re-copied).
	BackupBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pgbackrest_backup_bytes_total",
			Help: "Bytes written to the repository during backup copy",
		},
	)

	// BackupDuration tracks total wall-clock duration of a backup run,
	// by type.
	BackupDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pgbackrest_backup_duration_seconds",
			Help:    "Backup duration from start-backup to manifest persisted",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600},
		},
		[]string{"type"},
	)

	// RestoreFilesTotal counts files reconstructed during a restore, by
	// classification.
	RestoreFilesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgbackrest_restore_files_total",
			Help: "Files processed by a restore, by how their bytes were sourced",
		},
		[]string{"kind"},
	)

	// RetryTotal counts retried operations by the operation name and
	// whether the retry ultimately succeeded.
	RetryTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgbackrest_retry_total",
			Help: "Retried operations, by operation and final outcome",
		},
		[]string{"operation", "outcome"},
	)

	// LockWaitDuration tracks how long a process waited to acquire the
	// stanza lock before giving up or succeeding.
	LockWaitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pgbackrest_lock_wait_duration_seconds",
			Help:    "Time spent waiting to acquire the stanza lock",
			Buckets: []float64{0, 0.01, 0.1, 0.5, 1, 5, 30},
		},
	)
)

// RecordArchiveGet records one archive-get attempt's outcome.
func RecordArchiveGet(outcome string) {
	ArchiveGetTotal.WithLabelValues(outcome).Inc()
}

// RecordBackupFile records one file's classification during a backup's
// copy phase.
func RecordBackupFile(kind string, bytes int64) {
	BackupFilesTotal.WithLabelValues(kind).Inc()
	if bytes > 0 {
		BackupBytesTotal.Add(float64(bytes))
	}
}

// RecordBackupDuration records one completed backup's total duration.
func RecordBackupDuration(backupType string, seconds float64) {
	BackupDuration.WithLabelValues(backupType).Observe(seconds)
}

// RecordRestoreFile records one file's classification during a
// restore's reconstruct phase.
func RecordRestoreFile(kind string) {
	RestoreFilesTotal.WithLabelValues(kind).Inc()
}

// RecordRetry records a retried operation's final outcome.
func RecordRetry(operation, outcome string) {
	RetryTotal.WithLabelValues(operation, outcome).Inc()
}
