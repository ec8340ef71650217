package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/riffhi/MedWatch-sub000/internal/model"
)

type store interface {
	AnomalyStore
	AlertStore
}

func stores(t *testing.T) map[string]store {
	sqlite, err := NewSQLiteStore(zaptest.NewLogger(t), filepath.Join(t.TempDir(), "medwatch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	return map[string]store{
		"sqlite": sqlite,
		"memory": NewMemoryStore(),
	}
}

var base = time.Date(2026, 3, 9, 10, 0, 0, 0, time.UTC)

func anomaly(id string, offset time.Duration, severity model.Severity) *model.Anomaly {
	return &model.Anomaly{
		ID:              id,
		Type:            model.AnomalyTypeShortage,
		DetectionMethod: model.DetectionRuleBased,
		RuleIDs:         []string{"stock-out"},
		Severity:        severity,
		Confidence:      0.98,
		Message:         "Insulin is out of stock at Delhi",
		Details:         map[string]any{"current_stock": 0.0},
		DataPointID:     "dp-" + id,
		MedicineName:    "Insulin",
		Location:        "Delhi",
		Status:          model.AnomalyStatusDetected,
		DetectedAt:      base.Add(offset),
	}
}

func TestAnomalyStore(t *testing.T) {
	for name, s := range stores(t) {
		s := s
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Save(ctx, anomaly("a1", 0, model.SeverityCritical)))
			require.NoError(t, s.Save(ctx, anomaly("a2", time.Minute, model.SeverityHigh)))
			require.NoError(t, s.Save(ctx, anomaly("a3", 2*time.Minute, model.SeverityCritical)))
			assert.Error(t, s.Save(ctx, anomaly("a1", 0, model.SeverityLow)), "ids are unique")

			got, err := s.Get(ctx, "a1")
			require.NoError(t, err)
			assert.Equal(t, "Insulin", got.MedicineName)
			assert.Equal(t, []string{"stock-out"}, got.RuleIDs)
			assert.Equal(t, 0.0, got.Details["current_stock"])
			assert.True(t, base.Equal(got.DetectedAt))
			assert.Nil(t, got.ReviewedAt)

			_, err = s.Get(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			list, err := s.List(ctx, AnomalyFilter{}, 0)
			require.NoError(t, err)
			require.Len(t, list, 3)
			assert.Equal(t, []string{"a3", "a2", "a1"}, []string{list[0].ID, list[1].ID, list[2].ID})

			list, err = s.List(ctx, AnomalyFilter{Severity: model.SeverityCritical}, 1)
			require.NoError(t, err)
			require.Len(t, list, 1)
			assert.Equal(t, "a3", list[0].ID)

			list, err = s.List(ctx, AnomalyFilter{Since: base.Add(time.Minute)}, 10)
			require.NoError(t, err)
			assert.Len(t, list, 2)

			reviewedAt := base.Add(time.Hour)
			updated, err := s.UpdateStatus(ctx, "a2", model.AnomalyUpdate{
				Status:     model.AnomalyStatusResolved,
				ReviewedBy: "pharmacist-7",
				ReviewedAt: reviewedAt,
			})
			require.NoError(t, err)
			assert.Equal(t, model.AnomalyStatusResolved, updated.Status)
			assert.Equal(t, "pharmacist-7", updated.ReviewedBy)
			require.NotNil(t, updated.ReviewedAt)
			assert.True(t, reviewedAt.Equal(*updated.ReviewedAt))

			list, err = s.List(ctx, AnomalyFilter{Status: model.AnomalyStatusResolved}, 0)
			require.NoError(t, err)
			require.Len(t, list, 1)
			assert.Equal(t, "a2", list[0].ID)

			_, err = s.UpdateStatus(ctx, "missing", model.AnomalyUpdate{Status: model.AnomalyStatusResolved})
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestAlertStore(t *testing.T) {
	for name, s := range stores(t) {
		s := s
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			first := &model.Alert{
				ID:          "al-1",
				AnomalyID:   "a1",
				Severity:    model.SeverityCritical,
				Status:      model.AlertStatusPending,
				Channels:    []string{model.ChannelEmail, model.ChannelSMS},
				Immediate:   true,
				MaxAttempts: 3,
				CreatedAt:   base,
			}
			second := &model.Alert{
				ID:         "al-2",
				AnomalyIDs: []string{"a2", "a3"},
				BatchID:    "batch-1",
				Severity:   model.SeverityMedium,
				Status:     model.AlertStatusPending,
				CreatedAt:  base.Add(time.Minute),
			}
			require.NoError(t, s.SaveAlert(ctx, first))
			require.NoError(t, s.SaveAlert(ctx, second))

			processed := base.Add(2 * time.Second)
			first.Status = model.AlertStatusSent
			first.Attempts = 1
			first.ProcessedAt = &processed
			first.Results = []model.NotificationResult{{Channel: model.ChannelEmail, Success: true, SentAt: processed}}
			require.NoError(t, s.UpdateAlert(ctx, first))

			got, err := s.GetAlert(ctx, "al-1")
			require.NoError(t, err)
			assert.Equal(t, model.AlertStatusSent, got.Status)
			assert.Equal(t, 1, got.Attempts)
			require.Len(t, got.Results, 1)
			assert.True(t, got.Results[0].Success)
			require.NotNil(t, got.ProcessedAt)
			assert.True(t, processed.Equal(*got.ProcessedAt))

			list, err := s.ListAlerts(ctx, 0)
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, "al-2", list[0].ID)
			assert.True(t, list[0].IsBatch())

			_, err = s.GetAlert(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
			assert.ErrorIs(t, s.UpdateAlert(ctx, &model.Alert{ID: "missing"}), ErrNotFound)
		})
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	a := anomaly("a1", 0, model.SeverityHigh)
	require.NoError(t, s.Save(ctx, a))

	a.Message = "mutated after save"
	got, err := s.Get(ctx, "a1")
	require.NoError(t, err)
	assert.NotEqual(t, "mutated after save", got.Message)

	got.Details["current_stock"] = 99.0
	again, err := s.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 0.0, again.Details["current_stock"])
}

func TestSQLiteStore_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "medwatch.db")
	s, err := NewSQLiteStore(zaptest.NewLogger(t), path)
	require.NoError(t, err)
	require.NoError(t, s.Save(context.Background(), anomaly("keep", 0, model.SeverityLow)))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(zaptest.NewLogger(t), path)
	require.NoError(t, err)
	defer s.Close()
	_, err = s.Get(context.Background(), "keep")
	assert.NoError(t, err)
}
