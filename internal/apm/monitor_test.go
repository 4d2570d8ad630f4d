package apm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/regulens/compliance-core/internal/domain"
	"github.com/regulens/compliance-core/internal/obs/logging"
)

func testLogger() *logging.Logger { return logging.New("test", "error", "text") }

func TestMonitor_RecordMetric_RegressionDetected(t *testing.T) {
	m := New(testLogger(), nil)
	m.SetBaseline(domain.Baseline{Service: "svc", Op: "op", Kind: domain.MetricResponseTime, Value: 100, ThresholdPercent: 20})

	var fired domain.RegressionEvent
	var count int
	m.OnRegression(func(e domain.RegressionEvent) { fired = e; count++ })

	for i := 0; i < 10; i++ {
		m.RecordMetric("svc", "op", domain.MetricResponseTime, 90, "ms", nil)
	}
	require.Equal(t, 0, count)

	for i := 0; i < 10; i++ {
		m.RecordMetric("svc", "op", domain.MetricResponseTime, 200, "ms", nil)
	}
	require.Greater(t, count, 0)
	require.Equal(t, "svc", fired.Service)
	require.Greater(t, fired.RollingAvg, fired.BaselineValue)
}

func TestMonitor_ErrorRate(t *testing.T) {
	m := New(testLogger(), nil)
	for i := 0; i < 5; i++ {
		m.RecordError(domain.ErrorEvent{Type: "timeout", Service: "svc", Op: "op", Severity: domain.ErrorSeverityError})
	}
	rate := m.ErrorRate("timeout", "svc", "op", 60)
	require.Equal(t, float64(5), rate)
}

func TestMonitor_Wrap_RecordsErrorOnFailure(t *testing.T) {
	m := New(testLogger(), nil)
	err := m.Wrap(context.Background(), "svc", "op", func(ctx context.Context) error {
		return errors.New("boom")
	})
	require.Error(t, err)
	require.Equal(t, 1, m.errors.Len())
}

func TestMonitor_ResourceAlerts(t *testing.T) {
	m := New(testLogger(), nil)
	m.SampleResource(domain.ResourceSample{Timestamp: time.Now(), CPUPercent: 95, FileDescriptors: 2000})
	alerts := m.ResourceAlerts(90)
	require.Contains(t, alerts, "cpu")
	require.Contains(t, alerts, "memory")
	require.Contains(t, alerts, "file_descriptors")
}

func TestRing_OverwritesOldestOnOverflow(t *testing.T) {
	r := newRing[int](3)
	r.Add(1)
	r.Add(2)
	r.Add(3)
	r.Add(4)
	require.Equal(t, []int{2, 3, 4}, r.Snapshot())
	require.Equal(t, 3, r.Len())
}

func TestNormalizeQuery(t *testing.T) {
	cases := map[string]string{
		"select * from tasks where id = 'abc-123'":        "SELECT * FROM TASKS WHERE ID = '?'",
		"select * from tasks where status in (1,2,3)":     "SELECT * FROM TASKS WHERE STATUS IN (?)",
		"select * from docs where id = $1 and n = 42":      "SELECT * FROM DOCS WHERE ID = $? AND N = ?",
	}
	for input, want := range cases {
		require.Equal(t, want, NormalizeQuery(input))
	}
}

func TestQueryTracker_AggregatesAndSlowRing(t *testing.T) {
	tr := NewQueryTracker(100)
	tr.Record("select * from tasks where id = '1'", 50, nil)
	tr.Record("select * from tasks where id = '2'", 150, errors.New("fail"))

	agg, ok := tr.Aggregate("SELECT * FROM TASKS WHERE ID = '?'")
	require.True(t, ok)
	require.Equal(t, int64(2), agg.Count)
	require.Equal(t, int64(1), agg.ErrorCount)
	require.Len(t, agg.SlowQueries, 1)
	require.InDelta(t, 100, agg.MeanMs(), 0.001)
}
