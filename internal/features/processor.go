package features

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/riffhi/MedWatch-sub000/internal/model"
)

const (
	// MinHistorySamples is the series length below which detection
	// confidence is expected to drop
	MinHistorySamples = 7

	priceDeviationLimit   = 0.2
	expiringSoonDays      = 30
	deliveryOverdueFactor = 1.5
	minTrendSamples       = 3
)

var timestampLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"}

// ValidationResult is the outcome of validating one data point
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Err returns an ErrValidation wrapping the collected errors, or nil
func (r ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrValidation, strings.Join(r.Errors, "; "))
}

// BatchReport summarises one Preprocess call
type BatchReport struct {
	Received  int `json:"received"`
	Processed int `json:"processed"`
	Skipped   int `json:"skipped"`
	Warnings  int `json:"warnings"`
}

// Processor validates raw data points and derives their features
type Processor struct {
	logger *zap.Logger
}

// NewProcessor creates a new feature processor
func NewProcessor(logger *zap.Logger) *Processor {
	return &Processor{
		logger: logger.Named("feature-processor"),
	}
}

// Validate checks required fields, numeric ranges, timestamp format and
// history series. It never mutates dp.
func (p *Processor) Validate(dp *model.DataPoint) ValidationResult {
	var res ValidationResult

	if strings.TrimSpace(dp.MedicineName) == "" {
		res.Errors = append(res.Errors, "medicine_name is required")
	}
	if strings.TrimSpace(dp.Location) == "" {
		res.Errors = append(res.Errors, "location is required")
	}
	if dp.CurrentStock == nil {
		res.Errors = append(res.Errors, "current_stock is required")
	}
	if strings.TrimSpace(dp.Timestamp) == "" {
		res.Errors = append(res.Errors, "timestamp is required")
	} else if _, err := ParseTimestamp(dp.Timestamp); err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("timestamp %q is not a valid time", dp.Timestamp))
	}

	for _, field := range numericFields(dp) {
		if field.value == nil {
			continue
		}
		if !isNonNegative(*field.value) {
			res.Errors = append(res.Errors, fmt.Sprintf("%s must be a non-negative number", field.name))
		}
	}
	if dp.SupplierReliability != nil && *dp.SupplierReliability > 1 {
		res.Errors = append(res.Errors, "supplier_reliability must be within [0,1]")
	}
	if dp.ExpiryDate != "" {
		if _, err := ParseTimestamp(dp.ExpiryDate); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("expiry_date %q is not a valid date", dp.ExpiryDate))
		}
	}

	for _, series := range historySeries(dp) {
		if series.values == nil {
			continue
		}
		for i, v := range series.values {
			if !isNonNegative(v) {
				res.Errors = append(res.Errors, fmt.Sprintf("%s[%d] must be a non-negative number", series.name, i))
				break
			}
		}
		if len(series.values) < MinHistorySamples {
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("%s has %d samples, fewer than %d; detection confidence will be reduced",
					series.name, len(series.values), MinHistorySamples))
		}
	}

	res.Valid = len(res.Errors) == 0
	return res
}

// Preprocess validates and enriches every data point independently. Invalid
// points are logged and skipped; they never abort the batch.
func (p *Processor) Preprocess(ctx context.Context, points []model.DataPoint) []*model.EnrichedDataPoint {
	enriched, _ := p.PreprocessWithReport(ctx, points)
	return enriched
}

// PreprocessWithReport is Preprocess plus a summary of what was skipped
func (p *Processor) PreprocessWithReport(ctx context.Context, points []model.DataPoint) ([]*model.EnrichedDataPoint, BatchReport) {
	report := BatchReport{Received: len(points)}
	enriched := make([]*model.EnrichedDataPoint, 0, len(points))

	for i := range points {
		if ctx.Err() != nil {
			p.logger.Warn("Preprocessing interrupted",
				zap.Int("remaining", len(points)-i),
				zap.Error(ctx.Err()))
			report.Skipped += len(points) - i
			break
		}

		dp := &points[i]
		res := p.Validate(dp)
		if !res.Valid {
			report.Skipped++
			p.logger.Warn("Skipping invalid data point",
				zap.String("data_point_id", dp.ID),
				zap.Strings("errors", res.Errors))
			continue
		}
		if len(res.Warnings) > 0 {
			report.Warnings += len(res.Warnings)
			p.logger.Debug("Data point validation warnings",
				zap.String("data_point_id", dp.ID),
				zap.Strings("warnings", res.Warnings))
		}

		e, err := p.Enrich(dp)
		if err != nil {
			report.Skipped++
			p.logger.Error("Failed to enrich data point",
				zap.String("data_point_id", dp.ID),
				zap.Error(err))
			continue
		}
		enriched = append(enriched, e)
		report.Processed++
	}

	return enriched, report
}

// Enrich derives every feature group for a data point that already passed
// validation.
func (p *Processor) Enrich(dp *model.DataPoint) (*model.EnrichedDataPoint, error) {
	observedAt, err := ParseTimestamp(dp.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	e := &model.EnrichedDataPoint{
		DataPoint:  cloneDataPoint(dp),
		ObservedAt: observedAt,
	}
	e.Derived = deriveFeatures(dp, observedAt)
	e.Temporal = temporalFeatures(observedAt)
	e.Normalized = normalizedFeatures(dp)
	e.Context = contextualFeatures(dp, observedAt)
	return e, nil
}

func deriveFeatures(dp *model.DataPoint, observedAt time.Time) model.DerivedFeatures {
	var d model.DerivedFeatures
	stock := dp.Stock()

	if dp.CriticalThreshold != nil {
		threshold := *dp.CriticalThreshold
		d.IsLowStock = stock <= threshold
		if threshold > 0 {
			d.StockRatio = model.Float(stock / threshold)
		}
	}

	if dp.CurrentPrice != nil && dp.AverageMarketPrice != nil && *dp.AverageMarketPrice > 0 {
		deviation := (*dp.CurrentPrice - *dp.AverageMarketPrice) / *dp.AverageMarketPrice
		d.PriceDeviation = model.Float(deviation)
		d.PriceAnomalous = math.Abs(deviation) > priceDeviationLimit
	}

	d.StockTrend, d.StockVolatility = trendAndVolatility(dp.StockHistory)
	d.PriceTrend, d.PriceVolatility = trendAndVolatility(dp.PriceHistory)
	d.DemandTrend, d.DemandVolatility = trendAndVolatility(dp.DemandHistory)

	if dp.DaysSinceLastDelivery != nil && dp.AverageDeliveryInterval != nil && *dp.AverageDeliveryInterval > 0 {
		interval := *dp.AverageDeliveryInterval
		d.DeliveryOverdue = *dp.DaysSinceLastDelivery > deliveryOverdueFactor*interval
	}

	if dp.ExpiryDate != "" {
		if expiry, err := ParseTimestamp(dp.ExpiryDate); err == nil {
			days := math.Floor(expiry.Sub(observedAt).Hours() / 24)
			d.DaysToExpiry = model.Float(days)
			d.Expired = days <= 0
			d.ExpiringSoon = days <= expiringSoonDays
		}
	}

	return d
}

func trendAndVolatility(series []float64) (*float64, *float64) {
	window := Tail(series, TrailingWindow)
	if len(window) < minTrendSamples {
		return nil, nil
	}
	return model.Float(Slope(window)), model.Float(CoefficientOfVariation(window))
}

func temporalFeatures(t time.Time) model.TemporalFeatures {
	_, week := t.ISOWeek()
	weekday := t.Weekday()
	return model.TemporalFeatures{
		Hour:           t.Hour(),
		DayOfWeek:      int(weekday),
		DayOfMonth:     t.Day(),
		Month:          int(t.Month()),
		Quarter:        (int(t.Month())-1)/3 + 1,
		WeekOfYear:     week,
		IsWeekend:      weekday == time.Saturday || weekday == time.Sunday,
		IsBusinessHour: t.Hour() >= 9 && t.Hour() <= 17,
	}
}

func normalizedFeatures(dp *model.DataPoint) model.NormalizedFeatures {
	var n model.NormalizedFeatures
	if dp.MaxCapacity != nil && *dp.MaxCapacity > 0 {
		n.StockLevel = model.Float(Clamp01(dp.Stock() / *dp.MaxCapacity))
	}
	if dp.CurrentPrice != nil && dp.AverageMarketPrice != nil && *dp.AverageMarketPrice > 0 {
		n.PriceRatio = model.Float(Clamp01(*dp.CurrentPrice / (2 * *dp.AverageMarketPrice)))
	}
	if demand, ok := dp.Demand(); ok && dp.AverageDemand != nil && *dp.AverageDemand > 0 {
		n.DemandRatio = model.Float(Clamp01(demand / (2 * *dp.AverageDemand)))
	}
	return n
}

func contextualFeatures(dp *model.DataPoint, observedAt time.Time) model.ContextualFeatures {
	risk, region := LocationRisk(dp.Location)
	return model.ContextualFeatures{
		LocationRisk:   risk,
		Region:         region,
		Category:       MedicineCategory(dp.MedicineName),
		IsCritical:     IsCriticalMedicine(dp.MedicineName),
		SeasonalFactor: SeasonalFactor(dp.SeasonalFactors, observedAt),
	}
}

type numericField struct {
	name  string
	value *float64
}

func numericFields(dp *model.DataPoint) []numericField {
	return []numericField{
		{"current_stock", dp.CurrentStock},
		{"current_price", dp.CurrentPrice},
		{"critical_threshold", dp.CriticalThreshold},
		{"average_market_price", dp.AverageMarketPrice},
		{"daily_consumption", dp.DailyConsumption},
		{"current_demand", dp.CurrentDemand},
		{"average_demand", dp.AverageDemand},
		{"max_capacity", dp.MaxCapacity},
		{"supplier_reliability", dp.SupplierReliability},
		{"days_since_last_delivery", dp.DaysSinceLastDelivery},
		{"average_delivery_interval", dp.AverageDeliveryInterval},
		{"days_since_restock", dp.DaysSinceRestock},
	}
}

type namedSeries struct {
	name   string
	values []float64
}

func historySeries(dp *model.DataPoint) []namedSeries {
	return []namedSeries{
		{"stock_history", dp.StockHistory},
		{"price_history", dp.PriceHistory},
		{"demand_history", dp.DemandHistory},
	}
}

func isNonNegative(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0
}

// ParseTimestamp accepts RFC3339 (with or without fractional seconds), a
// zone-less date-time or a bare date.
func ParseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	var lastErr error
	for _, layout := range timestampLayouts {
		t, err := time.Parse(layout, value)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

// cloneDataPoint copies slices and maps so the enriched record does not
// alias caller-owned memory.
func cloneDataPoint(dp *model.DataPoint) model.DataPoint {
	c := *dp
	c.StockHistory = append([]float64(nil), dp.StockHistory...)
	c.PriceHistory = append([]float64(nil), dp.PriceHistory...)
	c.DemandHistory = append([]float64(nil), dp.DemandHistory...)
	if dp.SeasonalFactors != nil {
		c.SeasonalFactors = make(map[string]float64, len(dp.SeasonalFactors))
		for k, v := range dp.SeasonalFactors {
			c.SeasonalFactors[k] = v
		}
	}
	return c
}
