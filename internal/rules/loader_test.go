package rules

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/riffhi/MedWatch-sub000/internal/model"
)

const ruleFile = `
rules:
  - id: metro-price-gouging
    name: Metro price gouging
    category: pricing
    severity: high
    expression: "context.region == 'metro' && derived.priceDeviation > 0.4"
    outcome:
      type: price_manipulation
      confidence: 0.8
      message: "{medicineName} overpriced at {location}"
      details: [currentPrice, derived.priceDeviation]
  - id: tiny-stock
    name: Tiny stock
    category: inventory
    severity: medium
    enabled: false
    condition:
      logic: and
      conditions:
        - field: currentStock
          operator: lt
          value: 5
        - logic: or
          conditions:
            - field: location
              operator: regex
              value: "^Del"
            - field: context.category
              operator: eqs
              value: diabetes
    outcome:
      type: shortage
      message: "only {currentStock} left, demand {currentDemand}"
`

func TestEngine_Load(t *testing.T) {
	e := NewEngine(zaptest.NewLogger(t))
	n, err := e.Load(strings.NewReader(ruleFile))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	listed := e.Rules()
	require.Len(t, listed, 2)
	assert.True(t, listed[0].Enabled)
	assert.False(t, listed[1].Enabled)

	dp := basePoint()
	dp.MedicineName = "Paracetamol"
	dp.CurrentStock = model.Float(2)
	dp.CurrentPrice = model.Float(150)
	dp.AverageMarketPrice = model.Float(100)
	point := enrich(t, dp)

	matches := e.Evaluate(context.Background(), point)
	require.Len(t, matches, 1)
	m := matches[0]
	assert.Equal(t, "metro-price-gouging", m.RuleID)
	assert.Equal(t, "Paracetamol overpriced at Delhi", m.Message)
	assert.Equal(t, model.SeverityHigh, m.Severity)
	assert.Equal(t, 0.8, m.Confidence)
	assert.Equal(t, model.AnomalyTypePriceManipulation, m.Type)
	assert.Equal(t, 150.0, m.Details["currentPrice"])

	require.True(t, e.EnableRule("tiny-stock"))
	m, ok := findMatch(e.Evaluate(context.Background(), point), "tiny-stock")
	require.True(t, ok)
	assert.Equal(t, "only 2 left, demand n/a", m.Message)
	assert.Equal(t, model.SeverityMedium, m.Severity)
	assert.Equal(t, 0.7, m.Confidence)
	assert.Equal(t, model.AnomalyTypeShortage, m.Type)
}

func TestLoadDefinitions_Malformed(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want error
	}{
		{"unknown field in expression", `
rules:
  - id: a
    name: a
    expression: "stockk > 1"
`, ErrExpression},
		{"unknown yaml key", `
rules:
  - id: a
    name: a
    conditon:
      field: currentStock
`, ErrInvalidRule},
		{"no condition", `
rules:
  - id: a
    name: a
`, ErrInvalidRule},
		{"both condition kinds", `
rules:
  - id: a
    name: a
    expression: "true"
    condition:
      field: currentStock
      operator: gt
      value: 1
`, ErrInvalidRule},
		{"bad operator", `
rules:
  - id: a
    name: a
    condition:
      field: currentStock
      operator: approx
      value: 1
`, ErrInvalidRule},
		{"bad logic", `
rules:
  - id: a
    name: a
    condition:
      logic: xor
      conditions: []
`, ErrInvalidRule},
		{"bad severity", `
rules:
  - id: a
    name: a
    severity: urgent
    expression: "true"
`, ErrInvalidRule},
		{"unknown message placeholder", `
rules:
  - id: a
    name: a
    expression: "true"
    outcome:
      message: "{nope}"
`, ErrInvalidRule},
		{"confidence out of range", `
rules:
  - id: a
    name: a
    expression: "true"
    outcome:
      confidence: 1.5
`, ErrInvalidRule},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadDefinitions(strings.NewReader(tt.doc))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestLoadDefinitions_Empty(t *testing.T) {
	defs, err := LoadDefinitions(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, defs)
}

func TestEngine_LoadDuplicateOfBuiltin(t *testing.T) {
	e := NewEngine(zaptest.NewLogger(t))
	require.NoError(t, e.AddRules(DefaultRules()))
	_, err := e.Load(strings.NewReader(`
rules:
  - id: stock-out
    name: again
    expression: "currentStock == 0"
`))
	assert.ErrorIs(t, err, ErrDuplicateRule)
}

func TestEngine_LoadFile_SampleRules(t *testing.T) {
	e := NewEngine(zaptest.NewLogger(t))
	require.NoError(t, e.AddRules(DefaultRules()))

	n, err := e.LoadFile("../../config/rules.yaml")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	stats := e.GetRuleStats()
	assert.True(t, stats["metro-price-gouging"].Enabled)
	assert.False(t, stats["volatile-demand"].Enabled)

	_, err = e.LoadFile("testdata/missing.yaml")
	assert.Error(t, err)
}
