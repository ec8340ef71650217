package alerting

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/riffhi/MedWatch-sub000/internal/model"
	"github.com/riffhi/MedWatch-sub000/internal/storage"
)

type recorder struct {
	mu    sync.Mutex
	sent  []Notification
	fails int // number of leading sends that fail; -1 fails forever
}

func (r *recorder) Send(ctx context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	if r.fails < 0 {
		return errors.New("transport down")
	}
	if r.fails > 0 {
		r.fails--
		return errors.New("transport down")
	}
	return nil
}

func (r *recorder) notifications() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.sent...)
}

type testChannels map[string]*recorder

func newTestChannels(names ...string) testChannels {
	if len(names) == 0 {
		names = []string{model.ChannelEmail, model.ChannelSMS, model.ChannelSlack, model.ChannelWebhook}
	}
	tc := make(testChannels)
	for _, name := range names {
		tc[name] = &recorder{}
	}
	return tc
}

func (tc testChannels) asChannels() map[string]Channel {
	out := make(map[string]Channel, len(tc))
	for name, r := range tc {
		out[name] = r
	}
	return out
}

func newTestManager(t *testing.T, policies map[model.Severity]model.AlertRule, tc testChannels, opts ...Option) *Manager {
	t.Helper()
	m := NewManager(zaptest.NewLogger(t), policies, tc.asChannels(), opts...)
	t.Cleanup(m.Close)
	return m
}

func testAnomaly(id string, severity model.Severity, confidence float64) *model.Anomaly {
	return &model.Anomaly{
		ID:           id,
		Type:         model.AnomalyTypeShortage,
		Severity:     severity,
		Confidence:   confidence,
		Message:      "Insulin is out of stock at Delhi",
		MedicineName: "Insulin",
		Location:     "Delhi",
		Status:       model.AnomalyStatusDetected,
		DetectedAt:   time.Date(2026, 3, 9, 10, 0, 0, 0, time.UTC),
	}
}

func waitForStatus(t *testing.T, m *Manager, id string, status model.AlertStatus) *model.Alert {
	t.Helper()
	var last *model.Alert
	require.Eventually(t, func() bool {
		a, err := m.GetAlert(id)
		require.NoError(t, err)
		last = a
		return a.Status == status
	}, 2*time.Second, 5*time.Millisecond, "alert %s never reached %s", id, status)
	return last
}

func TestSendAlert_SeverityFromConfidence(t *testing.T) {
	m := newTestManager(t, nil, newTestChannels(), WithDebounce(time.Hour))

	tests := []struct {
		confidence float64
		explicit   model.Severity
		want       model.Severity
		immediate  bool
	}{
		{confidence: 0.95, want: model.SeverityCritical, immediate: true},
		{confidence: 0.9, want: model.SeverityCritical, immediate: true},
		{confidence: 0.75, want: model.SeverityHigh, immediate: true},
		{confidence: 0.7, want: model.SeverityHigh, immediate: true},
		{confidence: 0.55, want: model.SeverityMedium},
		{confidence: 0.5, want: model.SeverityMedium},
		{confidence: 0.3, want: model.SeverityLow},
		{confidence: 0.99, explicit: model.SeverityLow, want: model.SeverityLow},
	}

	for _, tt := range tests {
		id, err := m.SendAlert(context.Background(), testAnomaly("a", tt.explicit, tt.confidence))
		require.NoError(t, err)

		alert, err := m.GetAlert(id)
		require.NoError(t, err)
		assert.Equal(t, tt.want, alert.Severity, "confidence %v", tt.confidence)
		assert.Equal(t, tt.immediate, alert.Immediate, "confidence %v", tt.confidence)

		policy, _ := m.Policy(tt.want)
		assert.Equal(t, policy.Channels, alert.Channels)
	}
}

func TestSendAlert_NoPolicy(t *testing.T) {
	policies := map[model.Severity]model.AlertRule{
		model.SeverityCritical: DefaultPolicies()[model.SeverityCritical],
	}
	m := newTestManager(t, policies, newTestChannels())

	_, err := m.SendAlert(context.Background(), testAnomaly("a", model.SeverityLow, 0.2))
	assert.ErrorIs(t, err, ErrNoPolicy)
	assert.Empty(t, m.ListAlerts(0))
}

func TestProcessAlert_CriticalDeliveredImmediately(t *testing.T) {
	tc := newTestChannels()
	m := newTestManager(t, nil, tc)

	id, err := m.SendAlert(context.Background(), testAnomaly("insulin-delhi", "", 0.98))
	require.NoError(t, err)

	alert := waitForStatus(t, m, id, model.AlertStatusSent)
	assert.Equal(t, 1, alert.Attempts)
	require.Len(t, alert.Results, 3)
	for _, r := range alert.Results {
		assert.True(t, r.Success, r.Channel)
	}
	require.NotNil(t, alert.ProcessedAt)

	for _, name := range []string{model.ChannelEmail, model.ChannelSMS, model.ChannelSlack} {
		sent := tc[name].notifications()
		require.Len(t, sent, 1, name)
		assert.Equal(t, []string{"insulin-delhi"}, sent[0].AnomalyIDs)
		assert.False(t, sent[0].Escalation)
	}
	assert.Empty(t, tc[model.ChannelWebhook].notifications())
}

func TestProcessAlert_PartialFailureStillSent(t *testing.T) {
	tc := newTestChannels()
	tc[model.ChannelSMS].fails = -1
	m := newTestManager(t, nil, tc)

	id, err := m.SendAlert(context.Background(), testAnomaly("a", model.SeverityCritical, 0.98))
	require.NoError(t, err)

	alert := waitForStatus(t, m, id, model.AlertStatusSent)
	for _, r := range alert.Results {
		if r.Channel == model.ChannelSMS {
			assert.False(t, r.Success)
			assert.Contains(t, r.Error, "transport down")
		} else {
			assert.True(t, r.Success)
		}
	}
}

func TestProcessAlert_RetriesThenFails(t *testing.T) {
	tc := newTestChannels()
	for _, r := range tc {
		r.fails = -1
	}
	m := newTestManager(t, nil, tc, WithRetryStrategy(&LinearBackoff{Base: 5 * time.Millisecond}))

	id, err := m.SendAlert(context.Background(), testAnomaly("a", model.SeverityHigh, 0.8))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		a, _ := m.GetAlert(id)
		return a.Status == model.AlertStatusFailed && a.Attempts == 3
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	alert, err := m.GetAlert(id)
	require.NoError(t, err)
	assert.Equal(t, 3, alert.Attempts, "no attempts beyond the maximum")
	assert.Equal(t, model.AlertStatusFailed, alert.Status)
	assert.Len(t, tc[model.ChannelEmail].notifications(), 3)
	assert.Zero(t, m.GetStats().PendingTimers)
}

func TestProcessAlert_RetrySucceeds(t *testing.T) {
	tc := newTestChannels()
	tc[model.ChannelEmail].fails = 1
	tc[model.ChannelSlack].fails = 1
	policies := DefaultPolicies()
	high := policies[model.SeverityHigh]
	high.Escalation.Enabled = false
	policies[model.SeverityHigh] = high
	m := newTestManager(t, policies, tc, WithRetryStrategy(&LinearBackoff{Base: 5 * time.Millisecond}))

	id, err := m.SendAlert(context.Background(), testAnomaly("a", model.SeverityHigh, 0.8))
	require.NoError(t, err)

	alert := waitForStatus(t, m, id, model.AlertStatusSent)
	assert.Equal(t, 2, alert.Attempts)
	assert.Len(t, alert.Results, 4)
}

func TestProcessAlert_UnavailableChannels(t *testing.T) {
	policies := map[model.Severity]model.AlertRule{
		model.SeverityCritical: {
			Severity:  model.SeverityCritical,
			Channels:  []string{"pager", model.ChannelEmail},
			Immediate: true,
		},
	}
	tc := newTestChannels(model.ChannelEmail)
	m := newTestManager(t, policies, tc, WithMaxAttempts(1))
	m.SetChannelEnabled(model.ChannelEmail, false)

	id, err := m.SendAlert(context.Background(), testAnomaly("a", model.SeverityCritical, 0.95))
	require.NoError(t, err)

	alert := waitForStatus(t, m, id, model.AlertStatusFailed)
	require.Len(t, alert.Results, 2)
	assert.Equal(t, ErrChannelNotConfigured.Error(), alert.Results[0].Error)
	assert.Equal(t, ErrChannelDisabled.Error(), alert.Results[1].Error)
	assert.Empty(t, tc[model.ChannelEmail].notifications())

	m.SetChannelEnabled(model.ChannelEmail, true)
	require.NoError(t, m.ProcessAlert(context.Background(), id))
	alert, err = m.GetAlert(id)
	require.NoError(t, err)
	assert.Equal(t, model.AlertStatusSent, alert.Status)
	assert.Equal(t, 2, alert.Attempts)

	assert.ErrorIs(t, m.ProcessAlert(context.Background(), "missing"), ErrAlertNotFound)
}

func TestProcessAlert_SendTimeout(t *testing.T) {
	release := make(chan struct{})
	policies := map[model.Severity]model.AlertRule{
		model.SeverityCritical: {Severity: model.SeverityCritical, Channels: []string{"slow"}, Immediate: true},
	}
	m := NewManager(zaptest.NewLogger(t), policies, map[string]Channel{
		"slow": ChannelFunc(func(context.Context, Notification) error {
			<-release
			return nil
		}),
	}, WithSendTimeout(20*time.Millisecond), WithMaxAttempts(1))
	t.Cleanup(m.Close)
	t.Cleanup(func() { close(release) })

	id, err := m.SendAlert(context.Background(), testAnomaly("a", model.SeverityCritical, 0.95))
	require.NoError(t, err)

	alert := waitForStatus(t, m, id, model.AlertStatusFailed)
	require.Len(t, alert.Results, 1)
	assert.Contains(t, alert.Results[0].Error, "timed out")
}

func escalatingPolicies(timeout time.Duration) map[model.Severity]model.AlertRule {
	return map[model.Severity]model.AlertRule{
		model.SeverityCritical: {
			Severity:  model.SeverityCritical,
			Channels:  []string{model.ChannelEmail},
			Immediate: true,
			Escalation: model.EscalationPolicy{
				Enabled:  true,
				Timeout:  timeout,
				Channels: []string{model.ChannelWebhook},
			},
		},
	}
}

func TestEscalation_FiresWhenUnacknowledged(t *testing.T) {
	tc := newTestChannels()
	m := newTestManager(t, escalatingPolicies(30*time.Millisecond), tc)

	id, err := m.SendAlert(context.Background(), testAnomaly("a", model.SeverityCritical, 0.95))
	require.NoError(t, err)

	alert := waitForStatus(t, m, id, model.AlertStatusEscalated)
	require.NotNil(t, alert.EscalatedAt)

	sent := tc[model.ChannelWebhook].notifications()
	require.Len(t, sent, 1)
	assert.True(t, sent[0].Escalation)
	assert.Contains(t, sent[0].Subject, "ESCALATED")
}

func TestEscalation_SuppressedByAcknowledge(t *testing.T) {
	tc := newTestChannels()
	m := newTestManager(t, escalatingPolicies(100*time.Millisecond), tc)

	id, err := m.SendAlert(context.Background(), testAnomaly("a", model.SeverityCritical, 0.95))
	require.NoError(t, err)
	waitForStatus(t, m, id, model.AlertStatusSent)
	assert.Equal(t, 1, m.GetStats().PendingTimers)

	require.NoError(t, m.AcknowledgeAlert(context.Background(), id, "pharmacist-7"))
	assert.Zero(t, m.GetStats().PendingTimers)

	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, tc[model.ChannelWebhook].notifications())

	alert, err := m.GetAlert(id)
	require.NoError(t, err)
	assert.Equal(t, model.AlertStatusAcknowledged, alert.Status)
	assert.Equal(t, "pharmacist-7", alert.AcknowledgedBy)
	assert.Nil(t, alert.EscalatedAt)

	assert.ErrorIs(t, m.AcknowledgeAlert(context.Background(), "missing", "x"), ErrAlertNotFound)
}

func TestQueue_BatchesBySeverityAndInterval(t *testing.T) {
	tc := newTestChannels()
	m := newTestManager(t, nil, tc, WithDebounce(20*time.Millisecond))
	ctx := context.Background()

	var members []string
	for _, id := range []string{"m1", "m2", "m3"} {
		alertID, err := m.SendAlert(ctx, testAnomaly(id, model.SeverityMedium, 0.6))
		require.NoError(t, err)
		members = append(members, alertID)
	}
	lowID, err := m.SendAlert(ctx, testAnomaly("l1", model.SeverityLow, 0.2))
	require.NoError(t, err)

	for _, id := range members {
		waitForStatus(t, m, id, model.AlertStatusSent)
	}
	low := waitForStatus(t, m, lowID, model.AlertStatusSent)
	assert.Empty(t, low.BatchID, "a group of one is processed singly")

	var batchID string
	for _, id := range members {
		a, err := m.GetAlert(id)
		require.NoError(t, err)
		require.NotEmpty(t, a.BatchID)
		if batchID == "" {
			batchID = a.BatchID
		}
		assert.Equal(t, batchID, a.BatchID)
	}

	batch, err := m.GetAlert(batchID)
	require.NoError(t, err)
	assert.True(t, batch.IsBatch())
	assert.ElementsMatch(t, []string{"m1", "m2", "m3"}, batch.AnomalyIDs)
	assert.Equal(t, model.AlertStatusSent, batch.Status)

	slack := tc[model.ChannelSlack].notifications()
	require.Len(t, slack, 1)
	assert.Len(t, slack[0].AnomalyIDs, 3)

	email := tc[model.ChannelEmail].notifications()
	assert.Len(t, email, 2, "one batch plus one single low alert")

	stats := m.GetStats()
	assert.Equal(t, 5, stats.Total)
	assert.Zero(t, stats.QueueDepth)
}

func TestQueue_AcknowledgedBeforeFlushIsNotDelivered(t *testing.T) {
	tc := newTestChannels()
	m := newTestManager(t, nil, tc, WithDebounce(50*time.Millisecond))
	ctx := context.Background()

	var ids []string
	for _, id := range []string{"m1", "m2", "m3"} {
		alertID, err := m.SendAlert(ctx, testAnomaly(id, model.SeverityMedium, 0.6))
		require.NoError(t, err)
		ids = append(ids, alertID)
	}
	require.NoError(t, m.AcknowledgeAlert(ctx, ids[0], "pharmacist-7"))

	waitForStatus(t, m, ids[1], model.AlertStatusSent)
	waitForStatus(t, m, ids[2], model.AlertStatusSent)

	acked, err := m.GetAlert(ids[0])
	require.NoError(t, err)
	assert.Equal(t, model.AlertStatusAcknowledged, acked.Status)
	assert.Equal(t, "pharmacist-7", acked.AcknowledgedBy)
	require.NotNil(t, acked.AcknowledgedAt)
	assert.Empty(t, acked.BatchID)
	assert.Zero(t, acked.Attempts)

	slack := tc[model.ChannelSlack].notifications()
	require.Len(t, slack, 1)
	assert.ElementsMatch(t, []string{"m2", "m3"}, slack[0].AnomalyIDs)
}

func TestQueue_AcknowledgedBatchMemberSuppressesEscalation(t *testing.T) {
	policies := map[model.Severity]model.AlertRule{
		model.SeverityMedium: {
			Severity:        model.SeverityMedium,
			Channels:        []string{model.ChannelEmail},
			BatchingEnabled: true,
			BatchInterval:   15 * time.Minute,
			Escalation: model.EscalationPolicy{
				Enabled:  true,
				Timeout:  100 * time.Millisecond,
				Channels: []string{model.ChannelWebhook},
			},
		},
	}
	tc := newTestChannels()
	m := newTestManager(t, policies, tc, WithDebounce(10*time.Millisecond))
	ctx := context.Background()

	first, err := m.SendAlert(ctx, testAnomaly("m1", model.SeverityMedium, 0.6))
	require.NoError(t, err)
	second, err := m.SendAlert(ctx, testAnomaly("m2", model.SeverityMedium, 0.6))
	require.NoError(t, err)

	sent := waitForStatus(t, m, first, model.AlertStatusSent)
	require.NotEmpty(t, sent.BatchID)
	assert.Equal(t, 1, m.GetStats().PendingTimers)

	require.NoError(t, m.AcknowledgeAlert(ctx, first, "pharmacist-7"))
	assert.Zero(t, m.GetStats().PendingTimers)

	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, tc[model.ChannelWebhook].notifications())

	for _, id := range []string{first, second, sent.BatchID} {
		a, err := m.GetAlert(id)
		require.NoError(t, err)
		assert.Equal(t, model.AlertStatusAcknowledged, a.Status, id)
		assert.Equal(t, "pharmacist-7", a.AcknowledgedBy, id)
		assert.Nil(t, a.EscalatedAt, id)
	}
}

func TestQueue_Order(t *testing.T) {
	base := time.Date(2026, 3, 9, 10, 0, 0, 0, time.UTC)
	q := &alertQueue{}
	heap.Push(q, &model.Alert{ID: "low", Severity: model.SeverityLow, CreatedAt: base})
	heap.Push(q, &model.Alert{ID: "medium-new", Severity: model.SeverityMedium, CreatedAt: base.Add(time.Minute)})
	heap.Push(q, &model.Alert{ID: "critical", Severity: model.SeverityCritical, CreatedAt: base.Add(time.Hour)})
	heap.Push(q, &model.Alert{ID: "medium-old", Severity: model.SeverityMedium, CreatedAt: base})

	var order []string
	for q.Len() > 0 {
		order = append(order, heap.Pop(q).(*model.Alert).ID)
	}
	assert.Equal(t, []string{"critical", "medium-old", "medium-new", "low"}, order)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestGetStats(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 9, 10, 0, 0, 0, time.UTC)}
	m := newTestManager(t, nil, newTestChannels(), WithDebounce(time.Hour), WithClock(clock.Now))
	ctx := context.Background()

	_, err := m.SendAlert(ctx, testAnomaly("a1", model.SeverityLow, 0.2))
	require.NoError(t, err)
	_, err = m.SendAlert(ctx, testAnomaly("a2", model.SeverityMedium, 0.6))
	require.NoError(t, err)
	clock.Advance(25 * time.Hour)
	_, err = m.SendAlert(ctx, testAnomaly("a3", model.SeverityLow, 0.2))
	require.NoError(t, err)

	stats := m.GetStats()
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.Last24h)
	assert.Equal(t, 2, stats.BySeverity[model.SeverityLow])
	assert.Equal(t, 1, stats.BySeverity[model.SeverityMedium])
	assert.Equal(t, 3, stats.ByStatus[model.AlertStatusPending])
	assert.Equal(t, 3, stats.QueueDepth)
	assert.Zero(t, stats.AvgResponseMs)

	list := m.ListAlerts(2)
	require.Len(t, list, 2)
	assert.Equal(t, "a3", list[0].AnomalyID)
}

func TestManager_PersistsToStore(t *testing.T) {
	store := storage.NewMemoryStore()
	m := newTestManager(t, nil, newTestChannels(), WithStore(store))

	id, err := m.SendAlert(context.Background(), testAnomaly("a", model.SeverityCritical, 0.95))
	require.NoError(t, err)
	waitForStatus(t, m, id, model.AlertStatusSent)

	require.Eventually(t, func() bool {
		stored, err := store.GetAlert(context.Background(), id)
		return err == nil && stored.Status == model.AlertStatusSent && len(stored.Results) == 3
	}, time.Second, 5*time.Millisecond)
}

func TestManager_Close(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t), nil, newTestChannels().asChannels(), WithDebounce(time.Hour))
	_, err := m.SendAlert(context.Background(), testAnomaly("a", model.SeverityLow, 0.2))
	require.NoError(t, err)

	m.Close()
	m.Close()

	_, err = m.SendAlert(context.Background(), testAnomaly("b", model.SeverityLow, 0.2))
	assert.ErrorIs(t, err, ErrClosed)
	assert.Zero(t, m.GetStats().PendingTimers)
}

func TestRetryStrategies(t *testing.T) {
	linear := NewRetryStrategy("linear", 5*time.Second, 0)
	assert.Equal(t, 5*time.Second, linear.NextRetry(1))
	assert.Equal(t, 10*time.Second, linear.NextRetry(2))
	assert.Equal(t, 15*time.Second, linear.NextRetry(3))

	exp := NewRetryStrategy("exponential", time.Second, 3*time.Second)
	assert.Equal(t, time.Second, exp.NextRetry(1))
	assert.Equal(t, 2*time.Second, exp.NextRetry(2))
	assert.Equal(t, 3*time.Second, exp.NextRetry(3), "capped")
}

func TestValidatePolicies(t *testing.T) {
	require.NoError(t, ValidatePolicies(DefaultPolicies()))

	bad := map[model.Severity]model.AlertRule{
		model.SeverityHigh: {Severity: model.SeverityHigh},
	}
	assert.Error(t, ValidatePolicies(bad))

	bad = map[model.Severity]model.AlertRule{
		model.SeverityHigh: {
			Channels:   []string{"email"},
			Escalation: model.EscalationPolicy{Enabled: true},
		},
	}
	assert.Error(t, ValidatePolicies(bad))

	bad = map[model.Severity]model.AlertRule{"urgent": {Channels: []string{"email"}}}
	assert.ErrorIs(t, ValidatePolicies(bad), ErrNoPolicy)
}
