package rules

import (
	"fmt"
	"strings"

	"github.com/riffhi/MedWatch-sub000/internal/model"
)

type fieldGetter func(e *model.EnrichedDataPoint) any

// fields maps the dotted paths usable in expressions and comparison trees.
// A nil result means the value is absent.
var fields = map[string]fieldGetter{
	"id":                      func(e *model.EnrichedDataPoint) any { return e.ID },
	"medicineName":            func(e *model.EnrichedDataPoint) any { return e.MedicineName },
	"location":                func(e *model.EnrichedDataPoint) any { return e.Location },
	"currentStock":            func(e *model.EnrichedDataPoint) any { return num(e.CurrentStock) },
	"currentPrice":            func(e *model.EnrichedDataPoint) any { return num(e.CurrentPrice) },
	"criticalThreshold":       func(e *model.EnrichedDataPoint) any { return num(e.CriticalThreshold) },
	"averageMarketPrice":      func(e *model.EnrichedDataPoint) any { return num(e.AverageMarketPrice) },
	"dailyConsumption":        func(e *model.EnrichedDataPoint) any { return num(e.DailyConsumption) },
	"currentDemand":           func(e *model.EnrichedDataPoint) any { return num(e.CurrentDemand) },
	"averageDemand":           func(e *model.EnrichedDataPoint) any { return num(e.AverageDemand) },
	"maxCapacity":             func(e *model.EnrichedDataPoint) any { return num(e.MaxCapacity) },
	"stockHistory":            func(e *model.EnrichedDataPoint) any { return series(e.StockHistory) },
	"priceHistory":            func(e *model.EnrichedDataPoint) any { return series(e.PriceHistory) },
	"demandHistory":           func(e *model.EnrichedDataPoint) any { return series(e.DemandHistory) },
	"supplierId":              func(e *model.EnrichedDataPoint) any { return str(e.SupplierID) },
	"supplierReliability":     func(e *model.EnrichedDataPoint) any { return num(e.SupplierReliability) },
	"expiryDate":              func(e *model.EnrichedDataPoint) any { return str(e.ExpiryDate) },
	"daysSinceLastDelivery":   func(e *model.EnrichedDataPoint) any { return num(e.DaysSinceLastDelivery) },
	"averageDeliveryInterval": func(e *model.EnrichedDataPoint) any { return num(e.AverageDeliveryInterval) },
	"daysSinceRestock":        func(e *model.EnrichedDataPoint) any { return num(e.DaysSinceRestock) },
	"timestamp":               func(e *model.EnrichedDataPoint) any { return e.Timestamp },

	"derived.stockRatio":       func(e *model.EnrichedDataPoint) any { return num(e.Derived.StockRatio) },
	"derived.isLowStock":       func(e *model.EnrichedDataPoint) any { return e.Derived.IsLowStock },
	"derived.priceDeviation":   func(e *model.EnrichedDataPoint) any { return num(e.Derived.PriceDeviation) },
	"derived.priceAnomalous":   func(e *model.EnrichedDataPoint) any { return e.Derived.PriceAnomalous },
	"derived.stockTrend":       func(e *model.EnrichedDataPoint) any { return num(e.Derived.StockTrend) },
	"derived.stockVolatility":  func(e *model.EnrichedDataPoint) any { return num(e.Derived.StockVolatility) },
	"derived.priceTrend":       func(e *model.EnrichedDataPoint) any { return num(e.Derived.PriceTrend) },
	"derived.priceVolatility":  func(e *model.EnrichedDataPoint) any { return num(e.Derived.PriceVolatility) },
	"derived.demandTrend":      func(e *model.EnrichedDataPoint) any { return num(e.Derived.DemandTrend) },
	"derived.demandVolatility": func(e *model.EnrichedDataPoint) any { return num(e.Derived.DemandVolatility) },
	"derived.daysToExpiry":     func(e *model.EnrichedDataPoint) any { return num(e.Derived.DaysToExpiry) },
	"derived.expiringSoon":     func(e *model.EnrichedDataPoint) any { return e.Derived.ExpiringSoon },
	"derived.expired":          func(e *model.EnrichedDataPoint) any { return e.Derived.Expired },
	"derived.deliveryOverdue":  func(e *model.EnrichedDataPoint) any { return e.Derived.DeliveryOverdue },

	"temporal.hour":           func(e *model.EnrichedDataPoint) any { return float64(e.Temporal.Hour) },
	"temporal.dayOfWeek":      func(e *model.EnrichedDataPoint) any { return float64(e.Temporal.DayOfWeek) },
	"temporal.dayOfMonth":     func(e *model.EnrichedDataPoint) any { return float64(e.Temporal.DayOfMonth) },
	"temporal.month":          func(e *model.EnrichedDataPoint) any { return float64(e.Temporal.Month) },
	"temporal.quarter":        func(e *model.EnrichedDataPoint) any { return float64(e.Temporal.Quarter) },
	"temporal.weekOfYear":     func(e *model.EnrichedDataPoint) any { return float64(e.Temporal.WeekOfYear) },
	"temporal.isWeekend":      func(e *model.EnrichedDataPoint) any { return e.Temporal.IsWeekend },
	"temporal.isBusinessHour": func(e *model.EnrichedDataPoint) any { return e.Temporal.IsBusinessHour },

	"normalized.stockLevel":  func(e *model.EnrichedDataPoint) any { return num(e.Normalized.StockLevel) },
	"normalized.priceRatio":  func(e *model.EnrichedDataPoint) any { return num(e.Normalized.PriceRatio) },
	"normalized.demandRatio": func(e *model.EnrichedDataPoint) any { return num(e.Normalized.DemandRatio) },

	"context.locationRisk":   func(e *model.EnrichedDataPoint) any { return e.Context.LocationRisk },
	"context.region":         func(e *model.EnrichedDataPoint) any { return e.Context.Region },
	"context.category":       func(e *model.EnrichedDataPoint) any { return e.Context.Category },
	"context.isCritical":     func(e *model.EnrichedDataPoint) any { return e.Context.IsCritical },
	"context.seasonalFactor": func(e *model.EnrichedDataPoint) any { return e.Context.SeasonalFactor },
}

// resolveField normalises a path ("data." prefix is optional) and returns
// its getter.
func resolveField(path string) (string, fieldGetter, error) {
	p := strings.TrimPrefix(strings.TrimSpace(path), "data.")
	getter, ok := fields[p]
	if !ok {
		return "", nil, fmt.Errorf("%w: %s", ErrUnknownField, path)
	}
	return p, getter, nil
}

func num(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func str(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func series(v []float64) any {
	if v == nil {
		return nil
	}
	return v
}
