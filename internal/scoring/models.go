package scoring

import (
	"fmt"
	"math"

	"github.com/riffhi/MedWatch-sub000/internal/features"
	"github.com/riffhi/MedWatch-sub000/internal/model"
)

// Model ids of the built-in scorers
const (
	ModelTimeSeries = "time-series"
	ModelIsolation  = "isolation"
	ModelPrice      = "price"
	ModelDemand     = "demand"
)

// Result is what a single model says about a data point
type Result struct {
	IsAnomaly  bool           `json:"is_anomaly"`
	Confidence float64        `json:"confidence"`
	Details    map[string]any `json:"details,omitempty"`
}

// ScoreFunc is a pure scoring function parameterised by Params
type ScoreFunc func(dp *model.EnrichedDataPoint, params map[string]float64) (Result, error)

// Model is a deterministic heuristic scorer. Only its usage statistics,
// kept by the Ensemble, ever change.
type Model struct {
	ID          string
	Category    string
	AnomalyType model.AnomalyType
	Params      map[string]float64
	Score       ScoreFunc
}

// DefaultModels returns the four built-in scorers
func DefaultModels() []*Model {
	return []*Model{
		{
			ID:          ModelTimeSeries,
			Category:    "statistical",
			AnomalyType: model.AnomalyTypeShortage,
			Params:      map[string]float64{"window": 7, "z_threshold": 2.5},
			Score:       scoreTimeSeries,
		},
		{
			ID:          ModelIsolation,
			Category:    "multivariate",
			AnomalyType: model.AnomalyTypeStatistical,
			Params:      map[string]float64{"threshold": 0.6, "restock_days": 30},
			Score:       scoreIsolation,
		},
		{
			ID:          ModelPrice,
			Category:    "pricing",
			AnomalyType: model.AnomalyTypePriceManipulation,
			Params:      map[string]float64{"min_samples": 3, "threshold": 0.3},
			Score:       scorePrice,
		},
		{
			ID:          ModelDemand,
			Category:    "demand",
			AnomalyType: model.AnomalyTypeDemandSpike,
			Params:      map[string]float64{"window": 7, "threshold": 0.4},
			Score:       scoreDemand,
		},
	}
}

// scoreTimeSeries z-scores the current stock against the trailing window
// of the stock history.
func scoreTimeSeries(dp *model.EnrichedDataPoint, params map[string]float64) (Result, error) {
	window := int(params["window"])
	if len(dp.StockHistory) < window {
		return Result{}, fmt.Errorf("%w: %d stock samples, need %d", ErrInsufficientHistory, len(dp.StockHistory), window)
	}
	if dp.CurrentStock == nil {
		return Result{}, fmt.Errorf("%w: no current stock", ErrInsufficientHistory)
	}

	recent := features.Tail(dp.StockHistory, window)
	mean := features.Mean(recent)
	std := features.StdDev(recent)
	if std <= 0 {
		return Result{Details: map[string]any{"mean": mean, "std_dev": 0.0}}, nil
	}

	threshold := params["z_threshold"]
	z := (*dp.CurrentStock - mean) / std
	return Result{
		IsAnomaly:  math.Abs(z) > threshold,
		Confidence: math.Min(math.Abs(z)/threshold, 1),
		Details: map[string]any{
			"z_score": z,
			"mean":    mean,
			"std_dev": std,
		},
	}, nil
}

// scoreIsolation measures how far a fixed feature vector sits from the
// centre of the unit cube. No random term is involved.
func scoreIsolation(dp *model.EnrichedDataPoint, params map[string]float64) (Result, error) {
	var vector []float64
	add := func(v *float64) {
		if v != nil {
			vector = append(vector, features.Clamp01(*v))
		}
	}
	add(dp.Normalized.StockLevel)
	add(dp.Normalized.PriceRatio)
	add(dp.Normalized.DemandRatio)
	if dp.DaysSinceRestock != nil {
		add(model.Float(*dp.DaysSinceRestock / params["restock_days"]))
	}
	add(model.Float(dp.Context.SeasonalFactor / 2))
	add(model.Float(dp.Context.LocationRisk))
	add(dp.SupplierReliability)

	var sum float64
	for _, f := range vector {
		sum += 2 * math.Abs(f-0.5)
	}
	score := sum / float64(len(vector))

	return Result{
		IsAnomaly:  score > params["threshold"],
		Confidence: score,
		Details: map[string]any{
			"isolation_score": score,
			"features":        len(vector),
		},
	}, nil
}

// scorePrice combines the volatility of the price history with the
// deviation from the market average.
func scorePrice(dp *model.EnrichedDataPoint, params map[string]float64) (Result, error) {
	history := dp.PriceHistory
	if len(history) < int(params["min_samples"]) {
		return Result{}, fmt.Errorf("%w: %d price samples", ErrInsufficientHistory, len(history))
	}

	var changes []float64
	for i := 1; i < len(history); i++ {
		if history[i-1] > 0 {
			changes = append(changes, math.Abs(history[i]-history[i-1])/history[i-1])
		}
	}
	avgChange := features.Mean(changes)

	var marketDeviation float64
	if dp.CurrentPrice != nil && dp.AverageMarketPrice != nil && *dp.AverageMarketPrice > 0 {
		marketDeviation = math.Abs(*dp.CurrentPrice-*dp.AverageMarketPrice) / *dp.AverageMarketPrice
	}

	combined := math.Max(2*avgChange, marketDeviation)
	return Result{
		IsAnomaly:  combined > params["threshold"],
		Confidence: math.Min(combined, 1),
		Details: map[string]any{
			"average_change":   avgChange,
			"market_deviation": marketDeviation,
			"combined":         combined,
		},
	}, nil
}

// scoreDemand compares current demand with the seasonally adjusted
// trailing mean.
func scoreDemand(dp *model.EnrichedDataPoint, params map[string]float64) (Result, error) {
	window := int(params["window"])
	if len(dp.DemandHistory) < window {
		return Result{}, fmt.Errorf("%w: %d demand samples, need %d", ErrInsufficientHistory, len(dp.DemandHistory), window)
	}
	current, _ := dp.Demand()

	baseline := features.Mean(features.Tail(dp.DemandHistory, window)) * dp.Context.SeasonalFactor
	if baseline <= 0 {
		return Result{Details: map[string]any{"baseline": baseline}}, nil
	}
	deviation := math.Abs(current-baseline) / baseline
	return Result{
		IsAnomaly:  deviation > params["threshold"],
		Confidence: math.Min(deviation, 1),
		Details: map[string]any{
			"current_demand": current,
			"baseline":       baseline,
			"deviation":      deviation,
		},
	}, nil
}
