package monitor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/riffhi/MedWatch-sub000/internal/model"
)

const namespace = "medwatch"

// Metrics bundles the detection and alerting metrics. It implements the
// observer interfaces of the rule engine, scoring ensemble, orchestrator
// and alert manager.
type Metrics struct {
	DataPoints        *prometheus.CounterVec
	BatchDuration     prometheus.Histogram
	Anomalies         *prometheus.CounterVec
	RuleEvaluations   *prometheus.CounterVec
	RuleLatency       *prometheus.HistogramVec
	ModelInvocations  *prometheus.CounterVec
	ModelLatency      *prometheus.HistogramVec
	AlertTransitions  *prometheus.CounterVec
	Notifications     *prometheus.CounterVec
	NotificationTime  *prometheus.HistogramVec
	AlertQueueDepth   prometheus.Gauge
	HostCPUPercent    prometheus.Gauge
	HostMemoryPercent prometheus.Gauge
}

// NewMetrics constructs the metrics and registers them on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DataPoints: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "data_points_total",
				Help:      "Data points seen by detection, by outcome",
			},
			[]string{"outcome"},
		),
		BatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "detection_batch_duration_seconds",
			Help:      "Time to analyze one batch of data points",
			Buckets:   prometheus.DefBuckets,
		}),
		Anomalies: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "anomalies_total",
				Help:      "Anomalies detected, by method and severity",
			},
			[]string{"method", "severity"},
		),
		RuleEvaluations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rule_evaluations_total",
				Help:      "Rule evaluations, by rule and result",
			},
			[]string{"rule", "result"},
		),
		RuleLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "rule_evaluation_seconds",
				Help:      "Rule evaluation latency",
				Buckets:   []float64{.00001, .0001, .001, .01, .1},
			},
			[]string{"rule"},
		),
		ModelInvocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "model_invocations_total",
				Help:      "Scoring model invocations, by model and result",
			},
			[]string{"model", "result"},
		),
		ModelLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "model_invocation_seconds",
				Help:      "Scoring model latency",
				Buckets:   []float64{.00001, .0001, .001, .01, .1},
			},
			[]string{"model"},
		),
		AlertTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alerts_total",
				Help:      "Alert state transitions, by severity and status",
			},
			[]string{"severity", "status"},
		),
		Notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_total",
				Help:      "Channel deliveries, by channel and result",
			},
			[]string{"channel", "result"},
		),
		NotificationTime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "notification_seconds",
				Help:      "Channel delivery latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"channel"},
		),
		AlertQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "alert_queue_depth",
			Help:      "Alerts waiting for the batch flush",
		}),
		HostCPUPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "host_cpu_percent",
			Help:      "Host CPU utilisation",
		}),
		HostMemoryPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "host_memory_percent",
			Help:      "Host memory utilisation",
		}),
	}
	reg.MustRegister(
		m.DataPoints,
		m.BatchDuration,
		m.Anomalies,
		m.RuleEvaluations,
		m.RuleLatency,
		m.ModelInvocations,
		m.ModelLatency,
		m.AlertTransitions,
		m.Notifications,
		m.NotificationTime,
		m.AlertQueueDepth,
		m.HostCPUPercent,
		m.HostMemoryPercent,
	)
	return m
}

func result(matched bool, err error) string {
	switch {
	case err != nil:
		return "error"
	case matched:
		return "match"
	default:
		return "miss"
	}
}

// ObserveRule records one rule evaluation
func (m *Metrics) ObserveRule(ruleID string, matched bool, err error, elapsed time.Duration) {
	m.RuleEvaluations.WithLabelValues(ruleID, result(matched, err)).Inc()
	m.RuleLatency.WithLabelValues(ruleID).Observe(elapsed.Seconds())
}

// ObserveModel records one model invocation
func (m *Metrics) ObserveModel(modelID string, anomalous bool, err error, elapsed time.Duration) {
	m.ModelInvocations.WithLabelValues(modelID, result(anomalous, err)).Inc()
	m.ModelLatency.WithLabelValues(modelID).Observe(elapsed.Seconds())
}

// ObserveBatch records one analyzed batch
func (m *Metrics) ObserveBatch(processed, skipped int, elapsed time.Duration) {
	m.DataPoints.WithLabelValues("processed").Add(float64(processed))
	m.DataPoints.WithLabelValues("skipped").Add(float64(skipped))
	m.BatchDuration.Observe(elapsed.Seconds())
}

// ObserveAnomaly records one detected anomaly
func (m *Metrics) ObserveAnomaly(method model.DetectionMethod, severity model.Severity) {
	m.Anomalies.WithLabelValues(string(method), string(severity)).Inc()
}

// ObserveAlert records an alert reaching status
func (m *Metrics) ObserveAlert(severity model.Severity, status model.AlertStatus) {
	m.AlertTransitions.WithLabelValues(string(severity), string(status)).Inc()
}

// ObserveNotification records one channel delivery
func (m *Metrics) ObserveNotification(channel string, success bool, elapsed time.Duration) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.Notifications.WithLabelValues(channel, outcome).Inc()
	m.NotificationTime.WithLabelValues(channel).Observe(elapsed.Seconds())
}

// SetQueueDepth records the alert queue length
func (m *Metrics) SetQueueDepth(n int) {
	m.AlertQueueDepth.Set(float64(n))
}
