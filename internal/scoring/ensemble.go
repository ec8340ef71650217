package scoring

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/riffhi/MedWatch-sub000/internal/model"
)

const (
	anomalyThreshold   = 0.5
	detectionThreshold = 0.5
	defaultWeight      = 0.1
)

var modelWeights = map[string]float64{
	ModelTimeSeries: 0.3,
	ModelIsolation:  0.3,
	ModelPrice:      0.2,
	ModelDemand:     0.2,
}

// Weight returns the fixed ensemble weight of a model id
func Weight(modelID string) float64 {
	if w, ok := modelWeights[modelID]; ok {
		return w
	}
	return defaultWeight
}

// Contribution is one anomalous model's share of a prediction
type Contribution struct {
	ModelID    string         `json:"model_id"`
	Category   string         `json:"category"`
	Confidence float64        `json:"confidence"`
	Weight     float64        `json:"weight"`
	Details    map[string]any `json:"details,omitempty"`
}

// Prediction is the ensemble verdict for one data point
type Prediction struct {
	DataPointID  string            `json:"data_point_id"`
	IsAnomaly    bool              `json:"is_anomaly"`
	Confidence   float64           `json:"confidence"`
	Type         model.AnomalyType `json:"type,omitempty"`
	Contributors []Contribution    `json:"contributors,omitempty"`
	Failed       []string          `json:"failed,omitempty"`
}

// ModelIDs lists the contributing model ids
func (p Prediction) ModelIDs() []string {
	ids := make([]string, len(p.Contributors))
	for i, c := range p.Contributors {
		ids[i] = c.ModelID
	}
	return ids
}

// ModelStats are the usage statistics of one model
type ModelStats struct {
	ID            string  `json:"id"`
	Category      string  `json:"category"`
	Calls         int64   `json:"calls"`
	Detections    int64   `json:"detections"`
	Failures      int64   `json:"failures"`
	Abstentions   int64   `json:"abstentions"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	AvgConfidence float64 `json:"avg_confidence"`
}

// Observer receives one call per model invocation
type Observer interface {
	ObserveModel(modelID string, anomalous bool, err error, elapsed time.Duration)
}

// Option configures an Ensemble
type Option func(*Ensemble)

// WithWorkers bounds the number of data points scored in parallel
func WithWorkers(n int) Option {
	return func(e *Ensemble) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithObserver reports every model invocation to o
func WithObserver(o Observer) Option {
	return func(e *Ensemble) {
		e.observer = o
	}
}

type trackedModel struct {
	*Model

	mu    sync.Mutex
	stats ModelStats
}

func (m *trackedModel) record(res Result, err error, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &m.stats
	s.Calls++
	n := float64(s.Calls)
	ms := float64(elapsed) / float64(time.Millisecond)
	s.AvgLatencyMs = (s.AvgLatencyMs*(n-1) + ms) / n
	switch {
	case errors.Is(err, ErrInsufficientHistory):
		s.Abstentions++
	case err != nil:
		s.Failures++
	}
	s.AvgConfidence = (s.AvgConfidence*(n-1) + res.Confidence) / n
	if res.Confidence > detectionThreshold {
		s.Detections++
	}
}

// Ensemble runs every model against each data point and combines the
// anomalous ones by fixed weight.
type Ensemble struct {
	logger   *zap.Logger
	observer Observer
	workers  int
	models   []*trackedModel
}

// NewEnsemble creates an ensemble over models, or DefaultModels when none
// are given. Models run in id order so the combined confidence and the
// anomaly type do not depend on the order they were passed in.
func NewEnsemble(logger *zap.Logger, models []*Model, opts ...Option) *Ensemble {
	if len(models) == 0 {
		models = DefaultModels()
	}
	e := &Ensemble{
		logger:  logger.Named("scoring-ensemble"),
		workers: runtime.GOMAXPROCS(0),
	}
	for _, m := range models {
		e.models = append(e.models, &trackedModel{
			Model: m,
			stats: ModelStats{ID: m.ID, Category: m.Category},
		})
	}
	sort.SliceStable(e.models, func(i, j int) bool {
		return e.models[i].ID < e.models[j].ID
	})
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Predict scores every point, in parallel up to the worker limit. The
// i-th prediction belongs to the i-th point.
func (e *Ensemble) Predict(ctx context.Context, points []*model.EnrichedDataPoint) ([]Prediction, error) {
	predictions := make([]Prediction, len(points))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)

	for i := range points {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			predictions[i] = e.Score(points[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return predictions, nil
}

// Score runs every model against a single point
func (e *Ensemble) Score(dp *model.EnrichedDataPoint) Prediction {
	p := Prediction{DataPointID: dp.ID}
	var weighted, totalWeight, strongest float64

	for _, m := range e.models {
		start := time.Now()
		res, err := e.invoke(m, dp)
		elapsed := time.Since(start)
		m.record(res, err, elapsed)
		if e.observer != nil {
			e.observer.ObserveModel(m.ID, err == nil && res.IsAnomaly, err, elapsed)
		}

		if err != nil {
			if errors.Is(err, ErrInsufficientHistory) {
				e.logger.Debug("Model abstained",
					zap.String("model_id", m.ID),
					zap.String("data_point_id", dp.ID),
					zap.Error(err))
			} else {
				p.Failed = append(p.Failed, m.ID)
				e.logger.Warn("Model failed",
					zap.String("model_id", m.ID),
					zap.String("data_point_id", dp.ID),
					zap.Error(err))
			}
			continue
		}
		if !res.IsAnomaly {
			continue
		}

		w := Weight(m.ID)
		p.Contributors = append(p.Contributors, Contribution{
			ModelID:    m.ID,
			Category:   m.Category,
			Confidence: res.Confidence,
			Weight:     w,
			Details:    res.Details,
		})
		weighted += w * res.Confidence
		totalWeight += w
		// ties keep the lowest model id
		if w*res.Confidence > strongest {
			strongest = w * res.Confidence
			p.Type = m.AnomalyType
		}
	}

	if totalWeight > 0 {
		p.Confidence = weighted / totalWeight
		p.IsAnomaly = p.Confidence > anomalyThreshold
	}
	return p
}

func (e *Ensemble) invoke(m *trackedModel, dp *model.EnrichedDataPoint) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{}
			err = fmt.Errorf("%w: %s panicked: %v", ErrScorer, m.ID, r)
		}
	}()
	res, err = m.Score(dp, m.Params)
	if err != nil && !errors.Is(err, ErrInsufficientHistory) && !errors.Is(err, ErrScorer) {
		err = fmt.Errorf("%w: %s: %v", ErrScorer, m.ID, err)
	}
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// ModelStats returns a snapshot of every model's usage statistics
func (e *Ensemble) ModelStats() map[string]ModelStats {
	out := make(map[string]ModelStats, len(e.models))
	for _, m := range e.models {
		m.mu.Lock()
		out[m.ID] = m.stats
		m.mu.Unlock()
	}
	return out
}
