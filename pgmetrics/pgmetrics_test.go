package pgmetrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRecordArchiveGetIncrementsByOutcome(t *testing.T) {
	ArchiveGetTotal.Reset()

	RecordArchiveGet("ok")
	RecordArchiveGet("ok")
	RecordArchiveGet("not-found")

	require.Equal(t, float64(2), testutil.ToFloat64(ArchiveGetTotal.WithLabelValues("ok")))
	require.Equal(t, float64(1), testutil.ToFloat64(ArchiveGetTotal.WithLabelValues("not-found")))
}

func TestRecordBackupFileTracksBytesOnlyWhenPositive(t *testing.T) {
	BackupFilesTotal.Reset()

	RecordBackupFile("copied", 1024)
	RecordBackupFile("copied", 0)

	require.Equal(t, float64(2), testutil.ToFloat64(BackupFilesTotal.WithLabelValues("copied")))
}

func TestRecordRestoreFileIncrementsByKind(t *testing.T) {
	RestoreFilesTotal.Reset()

	RecordRestoreFile("full")
	RecordRestoreFile("block-incremental")
	RecordRestoreFile("full")

	require.Equal(t, float64(2), testutil.ToFloat64(RestoreFilesTotal.WithLabelValues("full")))
	require.Equal(t, float64(1), testutil.ToFloat64(RestoreFilesTotal.WithLabelValues("block-incremental")))
}

func TestRecordRetryIncrementsByOperationAndOutcome(t *testing.T) {
	RetryTotal.Reset()

	RecordRetry("archive-push", "success")
	RecordRetry("archive-push", "exhausted")
	RecordRetry("archive-push", "success")

	require.Equal(t, float64(2), testutil.ToFloat64(RetryTotal.WithLabelValues("archive-push", "success")))
	require.Equal(t, float64(1), testutil.ToFloat64(RetryTotal.WithLabelValues("archive-push", "exhausted")))
}
