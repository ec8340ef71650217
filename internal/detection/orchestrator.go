package detection

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/riffhi/MedWatch-sub000/internal/features"
	"github.com/riffhi/MedWatch-sub000/internal/model"
	"github.com/riffhi/MedWatch-sub000/internal/rules"
	"github.com/riffhi/MedWatch-sub000/internal/scoring"
	"github.com/riffhi/MedWatch-sub000/internal/storage"
)

const (
	defaultInterval       = 30 * time.Second
	defaultAlertThreshold = 0.7
)

// DataSource supplies the data points waiting for analysis
type DataSource interface {
	ListPending(ctx context.Context) ([]model.DataPoint, error)
}

// Committer is implemented by sources that hold fetched data points until
// the cycle analyzing them ends. A nil cycleErr releases them for good;
// anything else hands them back for the next cycle.
type Committer interface {
	Commit(cycleErr error) error
}

// AlertSink receives anomalies confident enough to alert on
type AlertSink interface {
	SendAlert(ctx context.Context, anomaly *model.Anomaly) (string, error)
}

// Observer is told about every batch and anomaly, typically for metrics
type Observer interface {
	ObserveBatch(processed, skipped int, elapsed time.Duration)
	ObserveAnomaly(method model.DetectionMethod, severity model.Severity)
}

// Config holds the orchestrator settings
type Config struct {
	Interval       time.Duration `mapstructure:"interval"`
	AlertThreshold float64       `mapstructure:"alert_threshold"`
	Workers        int           `mapstructure:"workers"`
}

// Stats describes the orchestrator's activity since it was created
type Stats struct {
	Running           bool                            `json:"running"`
	Cycles            int64                           `json:"cycles"`
	FailedCycles      int64                           `json:"failed_cycles"`
	Processed         int64                           `json:"processed"`
	Skipped           int64                           `json:"skipped"`
	Anomalies         map[model.DetectionMethod]int64 `json:"anomalies"`
	AlertsForwarded   int64                           `json:"alerts_forwarded"`
	LastCycleAt       *time.Time                      `json:"last_cycle_at,omitempty"`
	LastCycleDuration time.Duration                   `json:"last_cycle_duration"`
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithAlertSink forwards confident anomalies to sink
func WithAlertSink(sink AlertSink) Option {
	return func(o *Orchestrator) { o.sink = sink }
}

// WithObserver reports batches and anomalies to obs
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) { o.observer = obs }
}

// WithClock overrides time.Now for detection timestamps
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator runs the periodic detection cycle: fetch pending points,
// preprocess them, evaluate rules and models, persist anomalies and hand
// the confident ones to the alert sink.
type Orchestrator struct {
	logger    *zap.Logger
	cfg       Config
	source    DataSource
	processor *features.Processor
	engine    *rules.Engine
	ensemble  *scoring.Ensemble
	store     storage.AnomalyStore
	sink      AlertSink
	observer  Observer
	now       func() time.Time

	cron    *cron.Cron
	mu      sync.Mutex
	running bool
	entryID cron.EntryID

	// serializes cycles so a Committer settles only its own batch
	cycleMu sync.Mutex

	statsMu sync.Mutex
	stats   Stats
}

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, zap.Any("details", keysAndValues))
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err), zap.Any("details", keysAndValues))
}

// NewOrchestrator wires the detection pipeline
func NewOrchestrator(
	logger *zap.Logger,
	cfg Config,
	source DataSource,
	processor *features.Processor,
	engine *rules.Engine,
	ensemble *scoring.Ensemble,
	store storage.AnomalyStore,
	opts ...Option,
) *Orchestrator {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.AlertThreshold <= 0 {
		cfg.AlertThreshold = defaultAlertThreshold
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}

	logger = logger.Named("orchestrator")
	cl := &cronLogger{logger: logger.Named("cron")}

	o := &Orchestrator{
		logger:    logger,
		cfg:       cfg,
		source:    source,
		processor: processor,
		engine:    engine,
		ensemble:  ensemble,
		store:     store,
		now:       time.Now,
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		stats: Stats{Anomalies: make(map[model.DetectionMethod]int64)},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start schedules the detection cycle. Calling it while running is a no-op.
func (o *Orchestrator) Start() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return nil
	}

	id, err := o.cron.AddFunc(fmt.Sprintf("@every %s", o.cfg.Interval), o.runScheduled)
	if err != nil {
		return fmt.Errorf("failed to schedule detection cycle: %w", err)
	}
	o.entryID = id
	o.cron.Start()
	o.running = true

	o.logger.Info("Detection started",
		zap.Duration("interval", o.cfg.Interval),
		zap.Int("workers", o.cfg.Workers),
		zap.Float64("alert_threshold", o.cfg.AlertThreshold))
	return nil
}

// Stop removes the schedule. A cycle already in flight runs to completion.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running {
		return
	}
	o.cron.Remove(o.entryID)
	o.cron.Stop()
	o.running = false
	o.logger.Info("Detection stopped")
}

// Running reports whether the cycle is scheduled
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

func (o *Orchestrator) runScheduled() {
	if _, err := o.RunCycle(context.Background()); err != nil {
		o.logger.Error("Detection cycle failed", zap.Error(err))
	}
}

// RunCycle processes every pending data point once. An empty batch is a
// no-op.
func (o *Orchestrator) RunCycle(ctx context.Context) ([]*model.Anomaly, error) {
	o.cycleMu.Lock()
	defer o.cycleMu.Unlock()
	start := time.Now()

	points, err := o.source.ListPending(ctx)
	if err != nil {
		o.recordCycle(start, err)
		return nil, fmt.Errorf("failed to fetch pending data points: %w", err)
	}
	if len(points) == 0 {
		o.logger.Debug("No pending data points")
		o.recordCycle(start, nil)
		return nil, nil
	}

	anomalies, err := o.Analyze(ctx, points)
	if c, ok := o.source.(Committer); ok {
		if cerr := c.Commit(err); cerr != nil {
			o.logger.Error("Failed to settle fetched data points", zap.Error(cerr))
		}
	}
	o.recordCycle(start, err)
	if err != nil {
		return anomalies, err
	}

	o.logger.Info("Detection cycle completed",
		zap.Int("data_points", len(points)),
		zap.Int("anomalies", len(anomalies)),
		zap.Duration("duration", time.Since(start)))
	return anomalies, nil
}

// Analyze runs the full pipeline over points and returns the anomalies
// found. Invalid points are skipped.
func (o *Orchestrator) Analyze(ctx context.Context, points []model.DataPoint) ([]*model.Anomaly, error) {
	start := time.Now()
	enriched, report := o.processor.PreprocessWithReport(ctx, points)

	matches := make([][]rules.Match, len(enriched))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Workers)
	for i := range enriched {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			matches[i] = o.engine.Evaluate(gctx, enriched[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("detection interrupted: %w", err)
	}

	predictions, err := o.ensemble.Predict(ctx, enriched)
	if err != nil {
		return nil, fmt.Errorf("detection interrupted: %w", err)
	}

	detectedAt := o.now()
	var anomalies []*model.Anomaly
	for i, dp := range enriched {
		for _, m := range matches[i] {
			anomalies = append(anomalies, fromMatch(dp, m, detectedAt))
		}
		if predictions[i].IsAnomaly {
			anomalies = append(anomalies, fromPrediction(dp, predictions[i], detectedAt))
		}
	}

	forwarded := 0
	for _, a := range anomalies {
		if err := o.store.Save(ctx, a); err != nil {
			o.logger.Error("Failed to save anomaly", zap.String("anomaly_id", a.ID), zap.Error(err))
		}
		if o.observer != nil {
			o.observer.ObserveAnomaly(a.DetectionMethod, a.Severity)
		}
		if o.forward(ctx, a) {
			forwarded++
		}
	}

	o.statsMu.Lock()
	o.stats.Processed += int64(report.Processed)
	o.stats.Skipped += int64(report.Skipped)
	for _, a := range anomalies {
		o.stats.Anomalies[a.DetectionMethod]++
	}
	o.stats.AlertsForwarded += int64(forwarded)
	o.statsMu.Unlock()

	if o.observer != nil {
		o.observer.ObserveBatch(report.Processed, report.Skipped, time.Since(start))
	}
	return anomalies, nil
}

func (o *Orchestrator) forward(ctx context.Context, a *model.Anomaly) bool {
	if o.sink == nil || a.Confidence < o.cfg.AlertThreshold {
		return false
	}
	alertID, err := o.sink.SendAlert(ctx, a)
	if err != nil {
		o.logger.Warn("Anomaly not alerted",
			zap.String("anomaly_id", a.ID),
			zap.String("severity", string(a.Severity)),
			zap.Error(err))
		return false
	}
	o.logger.Debug("Anomaly forwarded to alerting",
		zap.String("anomaly_id", a.ID),
		zap.String("alert_id", alertID))
	return true
}

// UpdateAnomalyStatus records a review decision on an anomaly
func (o *Orchestrator) UpdateAnomalyStatus(ctx context.Context, id string, status model.AnomalyStatus, reviewedBy string) (*model.Anomaly, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	updated, err := o.store.UpdateStatus(ctx, id, model.AnomalyUpdate{
		Status:     status,
		ReviewedBy: reviewedBy,
		ReviewedAt: o.now(),
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrAnomalyNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	o.logger.Info("Anomaly status updated",
		zap.String("anomaly_id", id),
		zap.String("status", string(status)),
		zap.String("reviewed_by", reviewedBy))
	return updated, nil
}

// GetAnomaly returns a stored anomaly
func (o *Orchestrator) GetAnomaly(ctx context.Context, id string) (*model.Anomaly, error) {
	a, err := o.store.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrAnomalyNotFound, id)
	}
	return a, err
}

// RecentAnomalies returns up to limit anomalies, newest first
func (o *Orchestrator) RecentAnomalies(ctx context.Context, limit int) ([]*model.Anomaly, error) {
	return o.store.List(ctx, storage.AnomalyFilter{}, limit)
}

// Stats returns a snapshot of the orchestrator counters
func (o *Orchestrator) Stats() Stats {
	running := o.Running()

	o.statsMu.Lock()
	defer o.statsMu.Unlock()
	s := o.stats
	s.Running = running
	s.Anomalies = make(map[model.DetectionMethod]int64, len(o.stats.Anomalies))
	for k, v := range o.stats.Anomalies {
		s.Anomalies[k] = v
	}
	if o.stats.LastCycleAt != nil {
		t := *o.stats.LastCycleAt
		s.LastCycleAt = &t
	}
	return s
}

func (o *Orchestrator) recordCycle(start time.Time, err error) {
	o.statsMu.Lock()
	defer o.statsMu.Unlock()
	o.stats.Cycles++
	if err != nil {
		o.stats.FailedCycles++
	}
	o.stats.LastCycleAt = &start
	o.stats.LastCycleDuration = time.Since(start)
}

func fromMatch(dp *model.EnrichedDataPoint, m rules.Match, detectedAt time.Time) *model.Anomaly {
	details := make(map[string]any, len(m.Details)+2)
	for k, v := range m.Details {
		details[k] = v
	}
	details["rule_name"] = m.RuleName
	details["category"] = m.Category

	return &model.Anomaly{
		ID:              uuid.New().String(),
		Type:            m.Type,
		DetectionMethod: model.DetectionRuleBased,
		RuleIDs:         []string{m.RuleID},
		Severity:        m.Severity,
		Confidence:      m.Confidence,
		Message:         m.Message,
		Details:         details,
		DataPointID:     dp.ID,
		MedicineName:    dp.MedicineName,
		Location:        dp.Location,
		Status:          model.AnomalyStatusDetected,
		DetectedAt:      detectedAt,
	}
}

func fromPrediction(dp *model.EnrichedDataPoint, p scoring.Prediction, detectedAt time.Time) *model.Anomaly {
	contributors := make(map[string]any, len(p.Contributors))
	for _, c := range p.Contributors {
		contributors[c.ModelID] = c.Confidence
	}
	details := map[string]any{"contributors": contributors}
	if len(p.Failed) > 0 {
		details["failed_models"] = p.Failed
	}

	anomalyType := p.Type
	if anomalyType == "" {
		anomalyType = model.AnomalyTypeStatistical
	}

	return &model.Anomaly{
		ID:              uuid.New().String(),
		Type:            anomalyType,
		DetectionMethod: model.DetectionMLBased,
		ModelIDs:        p.ModelIDs(),
		Severity:        model.SeverityForConfidence(p.Confidence),
		Confidence:      p.Confidence,
		Message: fmt.Sprintf("%d model(s) flagged %s at %s as anomalous",
			len(p.Contributors), dp.MedicineName, dp.Location),
		Details:      details,
		DataPointID:  dp.ID,
		MedicineName: dp.MedicineName,
		Location:     dp.Location,
		Status:       model.AnomalyStatusDetected,
		DetectedAt:   detectedAt,
	}
}
