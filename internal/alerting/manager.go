package alerting

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/riffhi/MedWatch-sub000/internal/model"
	"github.com/riffhi/MedWatch-sub000/internal/storage"
)

const (
	defaultMaxAttempts = 3
	defaultSendTimeout = 10 * time.Second
	defaultDebounce    = time.Second
	defaultRetryBase   = 5 * time.Second
)

// Observer receives alert lifecycle events, typically for metrics
type Observer interface {
	ObserveAlert(severity model.Severity, status model.AlertStatus)
	ObserveNotification(channel string, success bool, elapsed time.Duration)
	SetQueueDepth(n int)
}

// Option configures a Manager
type Option func(*Manager)

// WithStore persists alerts as they change
func WithStore(store storage.AlertStore) Option {
	return func(m *Manager) { m.store = store }
}

// WithRetryStrategy replaces the default linear backoff
func WithRetryStrategy(s RetryStrategy) Option {
	return func(m *Manager) { m.retry = s }
}

// WithMaxAttempts sets how many deliveries are tried before an alert fails
func WithMaxAttempts(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxAttempts = n
		}
	}
}

// WithSendTimeout bounds a single channel send
func WithSendTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.sendTimeout = d
		}
	}
}

// WithDebounce sets the delay between the first enqueue and the queue flush
func WithDebounce(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.debounce = d
		}
	}
}

// WithObserver reports alert events to o
func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observer = o }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Stats summarises the alerts known to the manager
type Stats struct {
	Total         int                       `json:"total"`
	Last24h       int                       `json:"last_24h"`
	BySeverity    map[model.Severity]int    `json:"by_severity"`
	ByStatus      map[model.AlertStatus]int `json:"by_status"`
	AvgResponseMs float64                   `json:"avg_response_ms"`
	QueueDepth    int                       `json:"queue_depth"`
	PendingTimers int                       `json:"pending_timers"`
}

// Manager routes anomalies to notification channels according to the
// per-severity policies, with batching, retry and escalation.
type Manager struct {
	logger      *zap.Logger
	policies    map[model.Severity]model.AlertRule
	store       storage.AlertStore
	observer    Observer
	retry       RetryStrategy
	maxAttempts int
	sendTimeout time.Duration
	debounce    time.Duration
	now         func() time.Time

	chMu     sync.RWMutex
	channels map[string]Channel
	disabled map[string]bool

	mu         sync.Mutex
	alerts     map[string]*model.Alert
	members    map[string][]string
	queue      alertQueue
	flushTimer *time.Timer
	timers     map[string]*time.Timer
	closed     bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates an alert manager. A nil policies map selects
// DefaultPolicies.
func NewManager(logger *zap.Logger, policies map[model.Severity]model.AlertRule, channels map[string]Channel, opts ...Option) *Manager {
	if policies == nil {
		policies = DefaultPolicies()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		logger:      logger.Named("alert-manager"),
		policies:    policies,
		retry:       &LinearBackoff{Base: defaultRetryBase},
		maxAttempts: defaultMaxAttempts,
		sendTimeout: defaultSendTimeout,
		debounce:    defaultDebounce,
		now:         time.Now,
		channels:    make(map[string]Channel, len(channels)),
		disabled:    make(map[string]bool),
		alerts:      make(map[string]*model.Alert),
		members:     make(map[string][]string),
		timers:      make(map[string]*time.Timer),
		ctx:         ctx,
		cancel:      cancel,
	}
	for name, ch := range channels {
		m.channels[name] = ch
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterChannel adds or replaces a channel
func (m *Manager) RegisterChannel(name string, ch Channel) {
	m.chMu.Lock()
	defer m.chMu.Unlock()
	m.channels[name] = ch
}

// SetChannelEnabled toggles delivery on a channel
func (m *Manager) SetChannelEnabled(name string, enabled bool) {
	m.chMu.Lock()
	defer m.chMu.Unlock()
	if enabled {
		delete(m.disabled, name)
	} else {
		m.disabled[name] = true
	}
}

// Policy returns the delivery policy for a severity
func (m *Manager) Policy(severity model.Severity) (model.AlertRule, bool) {
	p, ok := m.policies[severity]
	return p, ok
}

// SendAlert creates an alert for the anomaly and either dispatches it
// immediately or queues it, depending on the severity's policy.
func (m *Manager) SendAlert(ctx context.Context, anomaly *model.Anomaly) (string, error) {
	severity := anomaly.Severity
	if !severity.Valid() {
		severity = model.SeverityForConfidence(anomaly.Confidence)
	}

	policy, ok := m.policies[severity]
	if !ok {
		m.logger.Warn("No alert policy for severity",
			zap.String("severity", string(severity)),
			zap.String("anomaly_id", anomaly.ID))
		return "", fmt.Errorf("%w: %s", ErrNoPolicy, severity)
	}

	alert := &model.Alert{
		ID:          uuid.New().String(),
		AnomalyID:   anomaly.ID,
		Severity:    severity,
		Status:      model.AlertStatusPending,
		Channels:    append([]string(nil), policy.Channels...),
		Immediate:   policy.Immediate,
		MaxAttempts: m.maxAttempts,
		Message:     alertMessage(severity, anomaly),
		CreatedAt:   m.now(),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrClosed
	}
	m.alerts[alert.ID] = alert
	if !policy.Immediate {
		heap.Push(&m.queue, alert)
		if m.flushTimer == nil {
			m.flushTimer = time.AfterFunc(m.debounce, m.flush)
		}
	}
	depth := m.queue.Len()
	snapshot := alert.Clone()
	m.mu.Unlock()

	m.persist(ctx, snapshot, true)
	if m.observer != nil {
		m.observer.ObserveAlert(severity, model.AlertStatusPending)
		m.observer.SetQueueDepth(depth)
	}

	m.logger.Info("Alert created",
		zap.String("alert_id", alert.ID),
		zap.String("anomaly_id", anomaly.ID),
		zap.String("severity", string(severity)),
		zap.Bool("immediate", policy.Immediate))

	if policy.Immediate {
		m.goProcess(alert.ID)
	}
	return alert.ID, nil
}

// ProcessAlert delivers an alert to every channel of its policy. Delivery
// failures are recorded on the alert, not returned.
func (m *Manager) ProcessAlert(ctx context.Context, id string) error {
	m.mu.Lock()
	alert, ok := m.alerts[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlertNotFound, id)
	}
	if alert.Status == model.AlertStatusAcknowledged {
		m.mu.Unlock()
		return nil
	}
	alert.Attempts++
	alert.Status = model.AlertStatusProcessing
	attempt := alert.Attempts
	channels := append([]string(nil), alert.Channels...)
	n := m.notification(alert, false)
	m.mu.Unlock()

	results := m.fanOut(ctx, alert.Severity, channels, n)

	m.mu.Lock()
	alert.Results = append(alert.Results, results...)
	now := m.now()
	alert.ProcessedAt = &now
	if alert.Status != model.AlertStatusAcknowledged {
		if anySuccess(results) {
			alert.Status = model.AlertStatusSent
			m.armEscalation(alert)
		} else {
			alert.Status = model.AlertStatusFailed
			if attempt < alert.MaxAttempts {
				delay := m.retry.NextRetry(attempt)
				m.schedule("retry:"+id, delay, func() { m.goProcess(id) })
			}
		}
	}
	status := alert.Status
	updated := m.syncMembers(alert)
	m.mu.Unlock()

	m.persistAll(ctx, updated)
	if m.observer != nil {
		m.observer.ObserveAlert(alert.Severity, status)
	}

	fields := []zap.Field{
		zap.String("alert_id", id),
		zap.String("status", string(status)),
		zap.Int("attempt", attempt),
	}
	if status == model.AlertStatusFailed {
		m.logger.Warn("Alert delivery failed", fields...)
	} else {
		m.logger.Info("Alert processed", fields...)
	}
	return nil
}

// AcknowledgeAlert marks an alert handled and cancels its pending retry
// and escalation. Acknowledging a member of a dispatched batch
// acknowledges the whole batch, since the batch is what was delivered.
func (m *Manager) AcknowledgeAlert(ctx context.Context, id, by string) error {
	m.mu.Lock()
	alert, ok := m.alerts[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlertNotFound, id)
	}
	now := m.now()
	m.acknowledge(alert, now, by)
	updated := m.syncMembers(alert)
	if batch, ok := m.alerts[alert.BatchID]; ok && batch.Status != model.AlertStatusAcknowledged {
		m.acknowledge(batch, now, by)
		updated = append(updated, m.syncMembers(batch)...)
	}
	m.mu.Unlock()

	m.persistAll(ctx, updated)
	if m.observer != nil {
		m.observer.ObserveAlert(alert.Severity, model.AlertStatusAcknowledged)
	}
	m.logger.Info("Alert acknowledged", zap.String("alert_id", id), zap.String("by", by))
	return nil
}

// acknowledge must be called with m.mu held
func (m *Manager) acknowledge(alert *model.Alert, at time.Time, by string) {
	alert.Status = model.AlertStatusAcknowledged
	alert.AcknowledgedAt = &at
	alert.AcknowledgedBy = by
	m.cancelTimer("retry:" + alert.ID)
	m.cancelTimer("escalate:" + alert.ID)
}

// GetAlert returns a copy of an alert
func (m *Manager) GetAlert(id string) (*model.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	alert, ok := m.alerts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAlertNotFound, id)
	}
	return alert.Clone(), nil
}

// ListAlerts returns up to limit alerts, newest first. limit <= 0 means all.
func (m *Manager) ListAlerts(limit int) []*model.Alert {
	m.mu.Lock()
	out := make([]*model.Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		out = append(out, a.Clone())
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// GetStats summarises all alerts
func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Stats{
		Total:         len(m.alerts),
		BySeverity:    make(map[model.Severity]int),
		ByStatus:      make(map[model.AlertStatus]int),
		QueueDepth:    m.queue.Len(),
		PendingTimers: len(m.timers),
	}
	cutoff := m.now().Add(-24 * time.Hour)
	var total time.Duration
	var processed int
	for _, a := range m.alerts {
		stats.BySeverity[a.Severity]++
		stats.ByStatus[a.Status]++
		if a.CreatedAt.After(cutoff) {
			stats.Last24h++
		}
		if a.ProcessedAt != nil {
			total += a.ProcessedAt.Sub(a.CreatedAt)
			processed++
		}
	}
	if processed > 0 {
		stats.AvgResponseMs = float64(total) / float64(processed) / float64(time.Millisecond)
	}
	return stats
}

// Close stops every timer and waits for in-flight deliveries
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	if m.flushTimer != nil {
		m.flushTimer.Stop()
		m.flushTimer = nil
	}
	for key, t := range m.timers {
		t.Stop()
		delete(m.timers, key)
	}
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	m.logger.Info("Alert manager closed")
}

func (m *Manager) goProcess(id string) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		if err := m.ProcessAlert(m.ctx, id); err != nil {
			m.logger.Error("Failed to process alert", zap.String("alert_id", id), zap.Error(err))
		}
	}()
}

// flush drains the queue. Alerts under a batching policy are grouped by
// severity and batch interval; everything else is processed singly.
func (m *Manager) flush() {
	m.mu.Lock()
	m.flushTimer = nil
	if m.closed {
		m.mu.Unlock()
		return
	}
	var singles []string
	var order []string
	groups := make(map[string][]*model.Alert)
	for m.queue.Len() > 0 {
		alert := heap.Pop(&m.queue).(*model.Alert)
		if alert.Status == model.AlertStatusAcknowledged {
			continue
		}
		policy := m.policies[alert.Severity]
		if !policy.BatchingEnabled {
			singles = append(singles, alert.ID)
			continue
		}
		key := fmt.Sprintf("%s/%s", alert.Severity, policy.BatchInterval)
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], alert)
	}

	var created []*model.Alert
	for _, key := range order {
		group := groups[key]
		if len(group) == 1 {
			singles = append(singles, group[0].ID)
			continue
		}
		batch := m.newBatch(group)
		created = append(created, batch.Clone())
		singles = append(singles, batch.ID)
	}
	m.mu.Unlock()

	if m.observer != nil {
		m.observer.SetQueueDepth(0)
	}
	for _, batch := range created {
		m.persist(m.ctx, batch, true)
		m.logger.Info("Alert batch created",
			zap.String("batch_id", batch.ID),
			zap.String("severity", string(batch.Severity)),
			zap.Int("size", len(batch.AnomalyIDs)))
	}
	for _, id := range singles {
		m.goProcess(id)
	}
}

// newBatch must be called with m.mu held
func (m *Manager) newBatch(group []*model.Alert) *model.Alert {
	first := group[0]
	batch := &model.Alert{
		ID:          uuid.New().String(),
		Severity:    first.Severity,
		Status:      model.AlertStatusPending,
		Channels:    append([]string(nil), first.Channels...),
		MaxAttempts: m.maxAttempts,
		CreatedAt:   m.now(),
	}
	ids := make([]string, 0, len(group))
	lines := make([]string, 0, len(group))
	for _, a := range group {
		a.BatchID = batch.ID
		batch.AnomalyIDs = append(batch.AnomalyIDs, a.AnomalyID)
		ids = append(ids, a.ID)
		lines = append(lines, a.Message)
	}
	batch.Message = fmt.Sprintf("%d %s anomalies:\n%s", len(group), first.Severity, strings.Join(lines, "\n"))
	m.alerts[batch.ID] = batch
	m.members[batch.ID] = ids
	return batch
}

// syncMembers copies a batch's state onto its members and returns every
// alert touched, the batch first. Acknowledged members keep their state.
// Must be called with m.mu held.
func (m *Manager) syncMembers(alert *model.Alert) []*model.Alert {
	updated := []*model.Alert{alert.Clone()}
	for _, id := range m.members[alert.ID] {
		member, ok := m.alerts[id]
		if !ok || member.Status == model.AlertStatusAcknowledged {
			continue
		}
		member.Status = alert.Status
		member.Attempts = alert.Attempts
		member.ProcessedAt = cloneTime(alert.ProcessedAt)
		member.EscalatedAt = cloneTime(alert.EscalatedAt)
		member.AcknowledgedAt = cloneTime(alert.AcknowledgedAt)
		member.AcknowledgedBy = alert.AcknowledgedBy
		updated = append(updated, member.Clone())
	}
	return updated
}

// armEscalation must be called with m.mu held
func (m *Manager) armEscalation(alert *model.Alert) {
	policy := m.policies[alert.Severity]
	if !policy.Escalation.Enabled || alert.EscalatedAt != nil {
		return
	}
	id := alert.ID
	if _, pending := m.timers["escalate:"+id]; pending {
		return
	}
	m.schedule("escalate:"+id, policy.Escalation.Timeout, func() { m.escalate(id) })
}

func (m *Manager) escalate(id string) {
	m.mu.Lock()
	delete(m.timers, "escalate:"+id)
	alert, ok := m.alerts[id]
	if !ok || m.closed || alert.Status == model.AlertStatusAcknowledged {
		m.mu.Unlock()
		return
	}
	policy := m.policies[alert.Severity]
	n := m.notification(alert, true)
	m.wg.Add(1)
	m.mu.Unlock()
	defer m.wg.Done()

	results := m.fanOut(m.ctx, alert.Severity, policy.Escalation.Channels, n)

	m.mu.Lock()
	alert.Results = append(alert.Results, results...)
	escalated := alert.Status != model.AlertStatusAcknowledged
	if escalated {
		now := m.now()
		alert.Status = model.AlertStatusEscalated
		alert.EscalatedAt = &now
	}
	updated := m.syncMembers(alert)
	m.mu.Unlock()

	m.persistAll(m.ctx, updated)
	if escalated {
		if m.observer != nil {
			m.observer.ObserveAlert(alert.Severity, model.AlertStatusEscalated)
		}
		m.logger.Warn("Alert escalated",
			zap.String("alert_id", id),
			zap.Strings("channels", policy.Escalation.Channels))
	}
}

// schedule must be called with m.mu held
func (m *Manager) schedule(key string, delay time.Duration, fn func()) {
	if m.closed {
		return
	}
	m.cancelTimer(key)
	m.timers[key] = time.AfterFunc(delay, func() {
		m.mu.Lock()
		delete(m.timers, key)
		m.mu.Unlock()
		fn()
	})
}

// cancelTimer must be called with m.mu held
func (m *Manager) cancelTimer(key string) {
	if t, ok := m.timers[key]; ok {
		t.Stop()
		delete(m.timers, key)
	}
}

// notification must be called with m.mu held
func (m *Manager) notification(alert *model.Alert, escalation bool) Notification {
	ids := alert.AnomalyIDs
	if len(ids) == 0 && alert.AnomalyID != "" {
		ids = []string{alert.AnomalyID}
	}
	subject := fmt.Sprintf("[MedWatch] %s alert", strings.ToUpper(string(alert.Severity)))
	if escalation {
		subject = fmt.Sprintf("[MedWatch] ESCALATED %s alert", strings.ToUpper(string(alert.Severity)))
	}
	return Notification{
		AlertID:    alert.ID,
		Severity:   alert.Severity,
		Subject:    subject,
		Message:    alert.Message,
		AnomalyIDs: append([]string(nil), ids...),
		Escalation: escalation,
		CreatedAt:  m.now(),
	}
}

// fanOut sends n to all channels concurrently; results keep channel order
func (m *Manager) fanOut(ctx context.Context, severity model.Severity, channels []string, n Notification) []model.NotificationResult {
	recipients := m.policies[severity].Recipients
	results := make([]model.NotificationResult, len(channels))

	var wg sync.WaitGroup
	for i, name := range channels {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			msg := n
			msg.Recipients = append([]string(nil), recipients[name]...)
			results[i] = m.sendToChannel(ctx, name, msg)
		}(i, name)
	}
	wg.Wait()
	return results
}

func (m *Manager) sendToChannel(ctx context.Context, name string, n Notification) model.NotificationResult {
	result := model.NotificationResult{
		Channel:    name,
		Recipients: n.Recipients,
		Escalation: n.Escalation,
	}

	m.chMu.RLock()
	ch, ok := m.channels[name]
	disabled := m.disabled[name]
	m.chMu.RUnlock()

	var err error
	start := time.Now()
	switch {
	case !ok:
		err = ErrChannelNotConfigured
	case disabled:
		err = ErrChannelDisabled
	default:
		err = m.sendWithTimeout(ctx, name, ch, n)
	}
	result.SentAt = m.now()

	if err != nil {
		result.Error = err.Error()
		m.logger.Warn("Notification failed",
			zap.String("channel", name),
			zap.String("alert_id", n.AlertID),
			zap.Error(err))
	} else {
		result.Success = true
	}
	if m.observer != nil {
		m.observer.ObserveNotification(name, result.Success, time.Since(start))
	}
	return result
}

// sendWithTimeout bounds the send even for channels that ignore ctx
func (m *Manager) sendWithTimeout(ctx context.Context, name string, ch Channel, n Notification) error {
	sendCtx, cancel := context.WithTimeout(ctx, m.sendTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("%w: channel %s panicked: %v", ErrDelivery, name, r)
			}
		}()
		done <- ch.Send(sendCtx, n)
	}()

	select {
	case err := <-done:
		return err
	case <-sendCtx.Done():
		if errors.Is(sendCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s timed out after %s", ErrDelivery, name, m.sendTimeout)
		}
		return sendCtx.Err()
	}
}

func (m *Manager) persist(ctx context.Context, alert *model.Alert, created bool) {
	if m.store == nil {
		return
	}
	var err error
	if created {
		err = m.store.SaveAlert(ctx, alert)
	} else {
		err = m.store.UpdateAlert(ctx, alert)
	}
	if err != nil {
		m.logger.Error("Failed to persist alert", zap.String("alert_id", alert.ID), zap.Error(err))
	}
}

func (m *Manager) persistAll(ctx context.Context, alerts []*model.Alert) {
	for _, a := range alerts {
		m.persist(ctx, a, false)
	}
}

func anySuccess(results []model.NotificationResult) bool {
	for _, r := range results {
		if r.Success {
			return true
		}
	}
	return false
}

func alertMessage(severity model.Severity, a *model.Anomaly) string {
	return fmt.Sprintf("[%s] %s: %s (confidence %.2f, %s at %s)",
		strings.ToUpper(string(severity)), a.Type, a.Message, a.Confidence, a.MedicineName, a.Location)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
