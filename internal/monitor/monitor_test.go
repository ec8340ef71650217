package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/riffhi/MedWatch-sub000/internal/alerting"
	"github.com/riffhi/MedWatch-sub000/internal/detection"
	"github.com/riffhi/MedWatch-sub000/internal/model"
	"github.com/riffhi/MedWatch-sub000/internal/rules"
	"github.com/riffhi/MedWatch-sub000/internal/scoring"
)

var (
	_ rules.Observer     = (*Metrics)(nil)
	_ scoring.Observer   = (*Metrics)(nil)
	_ detection.Observer = (*Metrics)(nil)
	_ alerting.Observer  = (*Metrics)(nil)
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ObserveRule("stock-out", true, nil, time.Millisecond)
	m.ObserveRule("stock-out", false, nil, time.Millisecond)
	m.ObserveRule("price-spike", false, errors.New("boom"), time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RuleEvaluations.WithLabelValues("stock-out", "match")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RuleEvaluations.WithLabelValues("stock-out", "miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RuleEvaluations.WithLabelValues("price-spike", "error")))

	m.ObserveModel(scoring.ModelPrice, true, nil, time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ModelInvocations.WithLabelValues(scoring.ModelPrice, "match")))

	m.ObserveBatch(8, 2, 10*time.Millisecond)
	m.ObserveBatch(1, 0, 10*time.Millisecond)
	assert.Equal(t, 9.0, testutil.ToFloat64(m.DataPoints.WithLabelValues("processed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.DataPoints.WithLabelValues("skipped")))

	m.ObserveAnomaly(model.DetectionRuleBased, model.SeverityCritical)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Anomalies.WithLabelValues("rule-based", "critical")))

	m.ObserveAlert(model.SeverityHigh, model.AlertStatusSent)
	m.ObserveNotification(model.ChannelSMS, false, time.Millisecond)
	m.SetQueueDepth(4)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AlertTransitions.WithLabelValues("high", "sent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Notifications.WithLabelValues("sms", "failure")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.AlertQueueDepth))

	n, err := testutil.GatherAndCount(reg, "medwatch_anomalies_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMetrics_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg)
	assert.Panics(t, func() { NewMetrics(reg) })
}

func TestResourceCollector(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	c := NewResourceCollector(zaptest.NewLogger(t), m, time.Hour)
	c.cpuPercent = func(time.Duration, bool) ([]float64, error) { return []float64{42.5}, nil }
	c.memPercent = func() (float64, error) { return 61, nil }

	sample, err := c.Collect()
	require.NoError(t, err)
	assert.Equal(t, 42.5, sample.CPUPercent)
	assert.Equal(t, 42.5, testutil.ToFloat64(m.HostCPUPercent))
	assert.Equal(t, 61.0, testutil.ToFloat64(m.HostMemoryPercent))
	assert.Equal(t, sample, c.Last())

	c.memPercent = func() (float64, error) { return 0, errors.New("no /proc") }
	_, err = c.Collect()
	assert.Error(t, err)
	assert.Equal(t, sample, c.Last(), "failed samples are not recorded")
}

func TestResourceCollector_Loop(t *testing.T) {
	c := NewResourceCollector(zaptest.NewLogger(t), nil, 10*time.Millisecond)
	calls := make(chan struct{}, 16)
	c.cpuPercent = func(time.Duration, bool) ([]float64, error) {
		select {
		case calls <- struct{}{}:
		default:
		}
		return []float64{1}, nil
	}
	c.memPercent = func() (float64, error) { return 1, nil }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	for i := 0; i < 2; i++ {
		select {
		case <-calls:
		case <-time.After(2 * time.Second):
			t.Fatal("collector did not sample")
		}
	}
	c.Stop()
	c.Stop()
}

func TestWorkerCount(t *testing.T) {
	assert.GreaterOrEqual(t, WorkerCount(), 1)
}
