package rules

import (
	"fmt"
	"math"

	"github.com/riffhi/MedWatch-sub000/internal/features"
	"github.com/riffhi/MedWatch-sub000/internal/model"
)

const (
	priceSpikeDeviation   = 0.2
	rapidPriceChangePct   = 25
	demandSurgeRatio      = 1.5
	unreliableSupplierMax = 0.5
	weekendStockMargin    = 1.5
)

// DefaultRules returns the built-in medicine supply rules
func DefaultRules() []*Rule {
	return []*Rule{
		{
			ID:          "stock-out",
			Name:        "Stock out",
			Category:    "inventory",
			Severity:    model.SeverityCritical,
			Description: "No stock left",
			Condition: PredicateFunc(func(ec *EvalContext) bool {
				return ec.Data.CurrentStock != nil && *ec.Data.CurrentStock <= 0
			}),
			Action: func(ec *EvalContext) (Outcome, error) {
				d := ec.Data
				return Outcome{
					Type:       model.AnomalyTypeShortage,
					Confidence: 0.98,
					Message:    fmt.Sprintf("%s is out of stock at %s", d.MedicineName, d.Location),
					Details: map[string]any{
						"current_stock":      d.Stock(),
						"critical_threshold": num(d.CriticalThreshold),
						"is_critical":        d.Context.IsCritical,
					},
				}, nil
			},
		},
		{
			ID:          "critical-stock",
			Name:        "Critical stock level",
			Category:    "inventory",
			Severity:    model.SeverityHigh,
			Description: "Stock at or below the critical threshold",
			Condition: PredicateFunc(func(ec *EvalContext) bool {
				return ec.Data.Derived.IsLowStock && ec.Data.Stock() > 0
			}),
			Action: func(ec *EvalContext) (Outcome, error) {
				d := ec.Data
				out := Outcome{
					Type:    model.AnomalyTypeShortage,
					Message: fmt.Sprintf("%s stock at %s is at %.0f, threshold %.0f", d.MedicineName, d.Location, d.Stock(), *d.CriticalThreshold),
					Details: map[string]any{
						"current_stock":      d.Stock(),
						"critical_threshold": *d.CriticalThreshold,
						"stock_ratio":        num(d.Derived.StockRatio),
					},
				}
				if d.DailyConsumption != nil && *d.DailyConsumption > 0 {
					out.Details["estimated_days_remaining"] = math.Floor(d.Stock() / *d.DailyConsumption)
				}
				if d.Context.IsCritical {
					out.Severity = model.SeverityCritical
				}
				return out, nil
			},
		},
		{
			ID:          "price-spike",
			Name:        "Price spike",
			Category:    "pricing",
			Severity:    model.SeverityMedium,
			Description: "Price above the market average by more than 20%",
			Condition: PredicateFunc(func(ec *EvalContext) bool {
				dev := ec.Data.Derived.PriceDeviation
				return dev != nil && *dev > priceSpikeDeviation
			}),
			Action: func(ec *EvalContext) (Outcome, error) {
				d := ec.Data
				dev := *d.Derived.PriceDeviation
				out := Outcome{
					Type:       model.AnomalyTypePriceManipulation,
					Confidence: math.Min(0.6+dev/2, 0.95),
					Message:    fmt.Sprintf("%s at %s priced %.0f%% above market", d.MedicineName, d.Location, dev*100),
					Details: map[string]any{
						"current_price":        num(d.CurrentPrice),
						"average_market_price": num(d.AverageMarketPrice),
						"price_deviation":      dev,
					},
				}
				if dev > 0.5 {
					out.Severity = model.SeverityHigh
				}
				return out, nil
			},
		},
		{
			ID:          "rapid-price-change",
			Name:        "Rapid price change",
			Category:    "pricing",
			Severity:    model.SeverityMedium,
			Description: "Price moved more than 25% since the previous sample",
			Condition: PredicateFunc(func(ec *EvalContext) bool {
				_, _, change, ok := lastPriceChange(ec)
				return ok && math.Abs(change) > rapidPriceChangePct
			}),
			Action: func(ec *EvalContext) (Outcome, error) {
				prev, cur, change, _ := lastPriceChange(ec)
				return Outcome{
					Type:    model.AnomalyTypePriceManipulation,
					Message: fmt.Sprintf("%s price changed %.1f%% at %s", ec.Data.MedicineName, change, ec.Data.Location),
					Details: map[string]any{
						"previous_price": prev,
						"current_price":  cur,
						"percent_change": change,
					},
				}, nil
			},
		},
		{
			ID:          "expired-stock",
			Name:        "Expired stock",
			Category:    "expiry",
			Severity:    model.SeverityHigh,
			Description: "Stock on hand is past its expiry date",
			Condition: PredicateFunc(func(ec *EvalContext) bool {
				return ec.Data.Derived.Expired && ec.Data.Stock() > 0
			}),
			Action: func(ec *EvalContext) (Outcome, error) {
				d := ec.Data
				return Outcome{
					Type:       model.AnomalyTypeExpiry,
					Confidence: 0.99,
					Message:    fmt.Sprintf("%s at %s expired on %s", d.MedicineName, d.Location, d.ExpiryDate),
					Details: map[string]any{
						"expiry_date":    d.ExpiryDate,
						"days_to_expiry": num(d.Derived.DaysToExpiry),
						"current_stock":  d.Stock(),
					},
				}, nil
			},
		},
		{
			ID:          "near-expiry",
			Name:        "Near expiry",
			Category:    "expiry",
			Severity:    model.SeverityMedium,
			Description: "Stock expires within 30 days",
			Condition: PredicateFunc(func(ec *EvalContext) bool {
				d := ec.Data.Derived
				return d.ExpiringSoon && !d.Expired && ec.Data.Stock() > 0
			}),
			Action: func(ec *EvalContext) (Outcome, error) {
				d := ec.Data
				return Outcome{
					Type:       model.AnomalyTypeExpiry,
					Confidence: 0.8,
					Message:    fmt.Sprintf("%s at %s expires in %.0f days", d.MedicineName, d.Location, *d.Derived.DaysToExpiry),
					Details: map[string]any{
						"expiry_date":    d.ExpiryDate,
						"days_to_expiry": *d.Derived.DaysToExpiry,
					},
				}, nil
			},
		},
		{
			ID:          "delivery-overdue",
			Name:        "Delivery overdue",
			Category:    "supply-chain",
			Severity:    model.SeverityMedium,
			Description: "Last delivery is more than 1.5 intervals ago",
			Condition: PredicateFunc(func(ec *EvalContext) bool {
				return ec.Data.Derived.DeliveryOverdue
			}),
			Action: func(ec *EvalContext) (Outcome, error) {
				d := ec.Data
				out := Outcome{
					Type:    model.AnomalyTypeSupplyChain,
					Message: fmt.Sprintf("Delivery of %s to %s overdue by %.0f days", d.MedicineName, d.Location, *d.DaysSinceLastDelivery-*d.AverageDeliveryInterval),
					Details: map[string]any{
						"days_since_last_delivery":  *d.DaysSinceLastDelivery,
						"average_delivery_interval": *d.AverageDeliveryInterval,
						"supplier_id":               d.SupplierID,
					},
				}
				if d.Derived.IsLowStock {
					out.Severity = model.SeverityHigh
				}
				return out, nil
			},
		},
		{
			ID:          "demand-surge",
			Name:        "Demand surge",
			Category:    "demand",
			Severity:    model.SeverityMedium,
			Description: "Demand above 1.5x its baseline",
			Condition: PredicateFunc(func(ec *EvalContext) bool {
				_, _, ratio, ok := demandRatio(ec)
				return ok && ratio > demandSurgeRatio
			}),
			Action: func(ec *EvalContext) (Outcome, error) {
				demand, baseline, ratio, _ := demandRatio(ec)
				out := Outcome{
					Type:    model.AnomalyTypeDemandSpike,
					Message: fmt.Sprintf("%s demand at %s is %.1fx baseline", ec.Data.MedicineName, ec.Data.Location, ratio),
					Details: map[string]any{
						"current_demand":  demand,
						"baseline_demand": baseline,
						"demand_ratio":    ratio,
					},
				}
				if ratio > 2*demandSurgeRatio {
					out.Severity = model.SeverityHigh
				}
				return out, nil
			},
		},
		{
			ID:          "unreliable-supplier",
			Name:        "Unreliable supplier",
			Category:    "supply-chain",
			Severity:    model.SeverityMedium,
			Description: "Supplier reliability below 0.5",
			Condition: PredicateFunc(func(ec *EvalContext) bool {
				r := ec.Data.SupplierReliability
				return r != nil && *r < unreliableSupplierMax
			}),
			Action: func(ec *EvalContext) (Outcome, error) {
				d := ec.Data
				return Outcome{
					Type:    model.AnomalyTypeSupplyChain,
					Message: fmt.Sprintf("Supplier %s for %s has reliability %.2f", d.SupplierID, d.MedicineName, *d.SupplierReliability),
					Details: map[string]any{
						"supplier_id":          d.SupplierID,
						"supplier_reliability": *d.SupplierReliability,
					},
				}, nil
			},
		},
		{
			ID:          "weekend-critical-low-stock",
			Name:        "Weekend low stock of critical medicine",
			Category:    "inventory",
			Severity:    model.SeverityHigh,
			Description: "Critical medicine near its threshold going into a weekend",
			Condition: PredicateFunc(func(ec *EvalContext) bool {
				d := ec.Data
				if !d.Temporal.IsWeekend || !d.Context.IsCritical || d.CriticalThreshold == nil {
					return false
				}
				threshold := *d.CriticalThreshold
				return d.Stock() > threshold && d.Stock() <= weekendStockMargin*threshold
			}),
			Action: func(ec *EvalContext) (Outcome, error) {
				d := ec.Data
				return Outcome{
					Type:    model.AnomalyTypeShortage,
					Message: fmt.Sprintf("%s at %s is close to its threshold over the weekend", d.MedicineName, d.Location),
					Details: map[string]any{
						"current_stock":      d.Stock(),
						"critical_threshold": *d.CriticalThreshold,
					},
				}, nil
			},
		},
	}
}

// lastPriceChange compares the current price (or the last sample) with the
// sample before it.
func lastPriceChange(ec *EvalContext) (prev, cur, change float64, ok bool) {
	h := ec.Data.PriceHistory
	switch {
	case ec.Data.CurrentPrice != nil && len(h) >= 1:
		prev, cur = h[len(h)-1], *ec.Data.CurrentPrice
	case len(h) >= 2:
		prev, cur = h[len(h)-2], h[len(h)-1]
	default:
		return 0, 0, 0, false
	}
	if prev <= 0 {
		return 0, 0, 0, false
	}
	return prev, cur, ec.Helpers.PercentChange(prev, cur), true
}

// demandRatio relates current demand to AverageDemand, falling back to the
// trailing mean of the demand history.
func demandRatio(ec *EvalContext) (demand, baseline, ratio float64, ok bool) {
	d := ec.Data
	demand, ok = d.Demand()
	if !ok {
		return 0, 0, 0, false
	}
	switch {
	case d.AverageDemand != nil:
		baseline = *d.AverageDemand
	case d.CurrentDemand != nil && len(d.DemandHistory) > 0:
		baseline = ec.Helpers.MovingAverage(d.DemandHistory, features.TrailingWindow)
	case len(d.DemandHistory) > 1:
		baseline = ec.Helpers.MovingAverage(d.DemandHistory[:len(d.DemandHistory)-1], features.TrailingWindow)
	}
	if baseline <= 0 {
		return 0, 0, 0, false
	}
	return demand, baseline, demand / baseline, true
}
