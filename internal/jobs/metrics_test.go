package jobmetrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestTrackerRecordsOutcome(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	require.NoError(t, m.Track("warmup").End(nil))
	boom := errors.New("boom")
	require.ErrorIs(t, m.Track("warmup").End(boom), boom)
	m.AddItems("warmup", 4)
	m.AddItems("warmup", 0)

	require.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("warmup", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("warmup", "failure")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.failures.WithLabelValues("warmup")))
	require.Equal(t, 4.0, testutil.ToFloat64(m.items.WithLabelValues("warmup")))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	require.NoError(t, m.Track("warmup").End(nil))
	m.AddItems("warmup", 1)
}
