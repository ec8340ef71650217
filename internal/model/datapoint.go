package model

import "time"

// DataPoint is one observation of a medicine's stock, price and demand at a
// location. Numeric fields that may be missing are pointers so that an absent
// value can be told apart from zero.
type DataPoint struct {
	ID           string   `json:"id"`
	MedicineName string   `json:"medicine_name"`
	Location     string   `json:"location"`
	CurrentStock *float64 `json:"current_stock,omitempty"`
	CurrentPrice *float64 `json:"current_price,omitempty"`

	CriticalThreshold  *float64 `json:"critical_threshold,omitempty"`
	AverageMarketPrice *float64 `json:"average_market_price,omitempty"`
	DailyConsumption   *float64 `json:"daily_consumption,omitempty"`
	CurrentDemand      *float64 `json:"current_demand,omitempty"`
	AverageDemand      *float64 `json:"average_demand,omitempty"`
	MaxCapacity        *float64 `json:"max_capacity,omitempty"`

	// Historical series, most recent last
	StockHistory  []float64 `json:"stock_history,omitempty"`
	PriceHistory  []float64 `json:"price_history,omitempty"`
	DemandHistory []float64 `json:"demand_history,omitempty"`

	// Supplier and logistics metadata
	SupplierID              string             `json:"supplier_id,omitempty"`
	SupplierReliability     *float64           `json:"supplier_reliability,omitempty"`
	ExpiryDate              string             `json:"expiry_date,omitempty"`
	DaysSinceLastDelivery   *float64           `json:"days_since_last_delivery,omitempty"`
	AverageDeliveryInterval *float64           `json:"average_delivery_interval,omitempty"`
	DaysSinceRestock        *float64           `json:"days_since_restock,omitempty"`
	SeasonalFactors         map[string]float64 `json:"seasonal_factors,omitempty"`

	Timestamp string `json:"timestamp"`
}

// Float returns a pointer to v. It keeps data point literals readable.
func Float(v float64) *float64 {
	return &v
}

// EnrichedDataPoint is a validated DataPoint plus every derived feature.
// It is built once per batch and never mutated afterwards.
type EnrichedDataPoint struct {
	DataPoint
	ObservedAt time.Time          `json:"observed_at"`
	Derived    DerivedFeatures    `json:"derived"`
	Temporal   TemporalFeatures   `json:"temporal"`
	Normalized NormalizedFeatures `json:"normalized"`
	Context    ContextualFeatures `json:"context"`
}

// DerivedFeatures are computed from the point's own fields and history.
type DerivedFeatures struct {
	StockRatio       *float64 `json:"stock_ratio,omitempty"`
	IsLowStock       bool     `json:"is_low_stock"`
	PriceDeviation   *float64 `json:"price_deviation,omitempty"`
	PriceAnomalous   bool     `json:"price_anomalous"`
	StockTrend       *float64 `json:"stock_trend,omitempty"`
	StockVolatility  *float64 `json:"stock_volatility,omitempty"`
	PriceTrend       *float64 `json:"price_trend,omitempty"`
	PriceVolatility  *float64 `json:"price_volatility,omitempty"`
	DemandTrend      *float64 `json:"demand_trend,omitempty"`
	DemandVolatility *float64 `json:"demand_volatility,omitempty"`
	DaysToExpiry     *float64 `json:"days_to_expiry,omitempty"`
	ExpiringSoon     bool     `json:"expiring_soon"`
	Expired          bool     `json:"expired"`
	DeliveryOverdue  bool     `json:"delivery_overdue"`
}

// TemporalFeatures describe when the observation was made.
type TemporalFeatures struct {
	Hour           int  `json:"hour"`
	DayOfWeek      int  `json:"day_of_week"`
	DayOfMonth     int  `json:"day_of_month"`
	Month          int  `json:"month"`
	Quarter        int  `json:"quarter"`
	WeekOfYear     int  `json:"week_of_year"`
	IsWeekend      bool `json:"is_weekend"`
	IsBusinessHour bool `json:"is_business_hour"`
}

// NormalizedFeatures are 0-1 scaled against the point's baselines. A value
// is nil when its baseline was not supplied.
type NormalizedFeatures struct {
	StockLevel  *float64 `json:"stock_level,omitempty"`
	PriceRatio  *float64 `json:"price_ratio,omitempty"`
	DemandRatio *float64 `json:"demand_ratio,omitempty"`
}

// ContextualFeatures come from static lookup tables.
type ContextualFeatures struct {
	LocationRisk   float64 `json:"location_risk"`
	Region         string  `json:"region"`
	Category       string  `json:"category"`
	IsCritical     bool    `json:"is_critical"`
	SeasonalFactor float64 `json:"seasonal_factor"`
}

// Stock returns the current stock, or 0 when absent.
func (dp *DataPoint) Stock() float64 {
	return valueOr(dp.CurrentStock, 0)
}

// Price returns the current price, or 0 when absent.
func (dp *DataPoint) Price() float64 {
	return valueOr(dp.CurrentPrice, 0)
}

// Demand returns the current demand, falling back to the latest demand
// sample. The second result is false when neither is known.
func (dp *DataPoint) Demand() (float64, bool) {
	if dp.CurrentDemand != nil {
		return *dp.CurrentDemand, true
	}
	if n := len(dp.DemandHistory); n > 0 {
		return dp.DemandHistory[n-1], true
	}
	return 0, false
}

func valueOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}
