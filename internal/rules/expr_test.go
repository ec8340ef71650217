package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riffhi/MedWatch-sub000/internal/model"
)

func pricedPoint(t *testing.T) *EvalContext {
	dp := basePoint()
	dp.CurrentStock = model.Float(40)
	dp.CurrentPrice = model.Float(130)
	dp.AverageMarketPrice = model.Float(100)
	dp.PriceHistory = []float64{100, 100, 104}
	return &EvalContext{Data: enrich(t, dp)}
}

func TestExpression_Evaluate(t *testing.T) {
	ec := pricedPoint(t)

	tests := []struct {
		expr string
		want bool
	}{
		{"derived.isLowStock && context.isCritical", true},
		{"currentStock < criticalThreshold * 0.5", false},
		{"data.currentStock == '40'", true},
		{"currentStock === '40'", false},
		{"currentStock === 40", true},
		{"!temporal.isWeekend", true},
		{"inRange(derived.stockRatio, 0.5, 1)", true},
		{"percentChange(last(priceHistory), currentPrice) > 20", true},
		{"movingAverage(priceHistory, 2) == 102", true},
		{"len(priceHistory) >= 3 && contains(medicineName, 'Ins')", true},
		{"matches(location, '^Del')", true},
		{"daysBetween(timestamp, '2026-03-19') == 10", true},
		{"currentDemand > 5", false},
		{"currentDemand < 5", false},
		{"-currentStock < 0", true},
		{"(1 + 2) * 3 == 9 && 7 % 4 == 3", true},
		{"helpers.isWeekend('2026-03-07')", true},
		{"isWeekend()", false},
		{"abs(derived.priceDeviation - 0.3) < 0.0001", true},
		{"context.region == 'metro' || false", true},
		{"startsWith(lower(medicineName), 'ins') && endsWith(location, \"hi\")", true},
		{"max(currentStock, 100) / min(2, 4) == 50", true},
		{"currentStock / 0 > 1", false},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			x, err := CompileExpression(tt.expr)
			require.NoError(t, err)
			got, err := x.Evaluate(ec)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExpression_CompileErrors(t *testing.T) {
	for _, src := range []string{
		"unknownField > 1",
		"eval('x')",
		"process.exit()",
		"'open",
		"currentStock >",
		"1 2",
		"(currentStock > 1",
		"matches(location, medicineName)",
		"matches(location, '(')",
		"inRange(currentStock)",
		"currentStock # 2",
		"derived.",
	} {
		t.Run(src, func(t *testing.T) {
			_, err := CompileExpression(src)
			assert.ErrorIs(t, err, ErrExpression)
		})
	}
}

func TestExpression_RuntimeTypeError(t *testing.T) {
	x := MustCompileExpression("medicineName * 2 > 1")
	_, err := x.Evaluate(pricedPoint(t))
	assert.ErrorIs(t, err, ErrExpression)
}

func TestComparison(t *testing.T) {
	ec := pricedPoint(t)

	tests := []struct {
		field string
		op    Operator
		value any
		want  bool
	}{
		{"currentStock", OpEq, "40", true},
		{"currentStock", OpNe, 41, true},
		{"currentStock", OpEqStrict, "40", false},
		{"currentStock", OpEqStrict, 40, true},
		{"currentStock", OpNeStrict, "40", true},
		{"currentStock", OpGt, 30, true},
		{"currentStock", OpGte, 40.0, true},
		{"currentStock", OpLt, 40, false},
		{"currentStock", OpLte, 40, true},
		{"currentDemand", OpLt, 40, false},
		{"medicineName", OpContains, "sul", true},
		{"priceHistory", OpContains, 104, true},
		{"location", OpStartsWith, "De", true},
		{"location", OpEndsWith, "hi", true},
		{"medicineName", OpRegex, "^In.*n$", true},
		{"data.context.category", OpEq, "diabetes", true},
	}
	for _, tt := range tests {
		t.Run(tt.field+" "+string(tt.op), func(t *testing.T) {
			c, err := Compare(tt.field, tt.op, tt.value)
			require.NoError(t, err)
			got, err := c.Evaluate(ec)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := Compare("nope", OpEq, 1)
	assert.ErrorIs(t, err, ErrUnknownField)
	_, err = Compare("currentStock", "approx", 1)
	assert.ErrorIs(t, err, ErrInvalidRule)
	_, err = Compare("location", OpRegex, "(")
	assert.ErrorIs(t, err, ErrInvalidRule)
	_, err = Compare("location", OpRegex, 5)
	assert.ErrorIs(t, err, ErrInvalidRule)
}

func TestGroup(t *testing.T) {
	ec := pricedPoint(t)

	check := func(c Condition) bool {
		ok, err := c.Evaluate(ec)
		require.NoError(t, err)
		return ok
	}

	assert.True(t, check(All(MustCompare("currentStock", OpGt, 30), MustCompare("currentStock", OpLt, 50))))
	assert.False(t, check(All(MustCompare("currentStock", OpGt, 30), MustCompare("currentStock", OpGt, 50))))
	assert.True(t, check(Any(MustCompare("currentStock", OpGt, 100), MustCompare("currentStock", OpEq, 40))))
	assert.True(t, check(All()))
	assert.False(t, check(Any()))
	assert.True(t, check(All(
		MustCompileExpression("context.isCritical"),
		Any(MustCompare("location", OpEq, "Mumbai"), MustCompare("location", OpEq, "Delhi")),
	)))

	_, err := All(failingCondition{}).Evaluate(ec)
	assert.Error(t, err)
}
