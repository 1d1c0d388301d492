package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordOperation(t *testing.T) {
	m := NewCacheMetrics(prometheus.NewRegistry())

	m.RecordOperation("exists", nil, 10*time.Millisecond)
	m.RecordOperation("exists", nil, 20*time.Millisecond)
	m.RecordOperation("exists", errors.New("boom"), time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.OperationsTotal.WithLabelValues("exists", StatusOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OperationsTotal.WithLabelValues("exists", StatusError)))
	assert.Equal(t, 1, testutil.CollectAndCount(m.OperationDuration))
}

func TestRecordEviction(t *testing.T) {
	m := NewCacheMetrics(prometheus.NewRegistry())
	at := time.Unix(1700000000, 0)

	m.RecordEviction(at, 11_000_000, 5_000_000, 6, 6_600_000)
	m.RecordEviction(at.Add(time.Hour), 4_400_000, 5_000_000, 0, 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.EvictionRuns))
	assert.Equal(t, 6.0, testutil.ToFloat64(m.EvictedItems))
	assert.Equal(t, 6_600_000.0, testutil.ToFloat64(m.EvictedBytes))
	assert.Equal(t, 4_400_000.0, testutil.ToFloat64(m.StorageBytes))
	assert.Equal(t, 5_000_000.0, testutil.ToFloat64(m.ThresholdBytes))
	assert.Equal(t, float64(at.Add(time.Hour).Unix()), testutil.ToFloat64(m.LastEvictionRun))
}

func TestDisabledThresholdReportsZero(t *testing.T) {
	m := NewCacheMetrics(prometheus.NewRegistry())
	m.RecordEviction(time.Now(), 100, -1, 0, 0)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ThresholdBytes))
}

func TestTransferAndRestoreCounters(t *testing.T) {
	m := NewCacheMetrics(prometheus.NewRegistry())
	m.RecordUpload(1024)
	m.RecordUpload(1024)
	m.RecordDownload(512)
	m.RecordRestore("hit")
	m.RecordRestore("miss")
	m.RecordRestore("miss")

	assert.Equal(t, 2048.0, testutil.ToFloat64(m.BytesUploaded))
	assert.Equal(t, 512.0, testutil.ToFloat64(m.BytesDownloaded))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RestoresTotal.WithLabelValues("hit")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RestoresTotal.WithLabelValues("miss")))
}

func TestSeparateRegistries(t *testing.T) {
	// Each instance registers on its own registry without panicking.
	require.NotPanics(t, func() {
		NewCacheMetrics(prometheus.NewRegistry())
		NewCacheMetrics(prometheus.NewRegistry())
	})
}

func TestLatencyTracker(t *testing.T) {
	lt := NewLatencyTracker(DefaultRelativeAccuracy)
	for i := 1; i <= 100; i++ {
		lt.Record("open", time.Duration(i)*time.Millisecond)
	}
	lt.Record("delete", 5*time.Millisecond)

	p50, err := lt.Quantile("open", 0.5)
	require.NoError(t, err)
	assert.InEpsilon(t, 50.0, p50, 0.03)

	stats, err := lt.Stats("open")
	require.NoError(t, err)
	assert.Equal(t, int64(100), stats.Count)
	assert.InEpsilon(t, 1.0, stats.Min, 0.02)
	assert.InEpsilon(t, 100.0, stats.Max, 0.02)
	assert.Contains(t, stats.String(), "open (n=100)")

	all := lt.AllStats()
	require.Len(t, all, 2)
	assert.Equal(t, "delete", all[0].Operation)
	assert.Equal(t, "open", all[1].Operation)

	_, err = lt.Quantile("missing", 0.5)
	assert.Error(t, err)
}
