package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/riffhi/MedWatch-sub000/internal/model"
)

// MemoryStore implements AnomalyStore and AlertStore in process memory.
// Records are copied on the way in and out.
type MemoryStore struct {
	mu        sync.RWMutex
	anomalies map[string]*model.Anomaly
	alerts    map[string]*model.Alert
	seq       map[string]int64
	next      int64
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		anomalies: make(map[string]*model.Anomaly),
		alerts:    make(map[string]*model.Alert),
		seq:       make(map[string]int64),
	}
}

func (s *MemoryStore) Save(_ context.Context, a *model.Anomaly) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.anomalies[a.ID]; exists {
		return fmt.Errorf("anomaly %s already stored", a.ID)
	}
	s.anomalies[a.ID] = a.Clone()
	s.next++
	s.seq[a.ID] = s.next
	return nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, id string, update model.AnomalyUpdate) (*model.Anomaly, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.anomalies[id]
	if !ok {
		return nil, fmt.Errorf("anomaly %s: %w", id, ErrNotFound)
	}
	a.Status = update.Status
	a.ReviewedBy = update.ReviewedBy
	if !update.ReviewedAt.IsZero() {
		t := update.ReviewedAt
		a.ReviewedAt = &t
	}
	return a.Clone(), nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*model.Anomaly, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.anomalies[id]
	if !ok {
		return nil, fmt.Errorf("anomaly %s: %w", id, ErrNotFound)
	}
	return a.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context, filter AnomalyFilter, limit int) ([]*model.Anomaly, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Anomaly
	for _, a := range s.anomalies {
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		if filter.Severity != "" && a.Severity != filter.Severity {
			continue
		}
		if filter.Method != "" && a.DetectionMethod != filter.Method {
			continue
		}
		if !filter.Since.IsZero() && a.DetectedAt.Before(filter.Since) {
			continue
		}
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].DetectedAt.After(out[j].DetectedAt)
		}
		return s.seq[out[i].ID] > s.seq[out[j].ID]
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) SaveAlert(_ context.Context, alert *model.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.alerts[alert.ID]; exists {
		return fmt.Errorf("alert %s already stored", alert.ID)
	}
	s.alerts[alert.ID] = alert.Clone()
	s.next++
	s.seq[alert.ID] = s.next
	return nil
}

func (s *MemoryStore) UpdateAlert(_ context.Context, alert *model.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.alerts[alert.ID]; !exists {
		return fmt.Errorf("alert %s: %w", alert.ID, ErrNotFound)
	}
	s.alerts[alert.ID] = alert.Clone()
	return nil
}

func (s *MemoryStore) GetAlert(_ context.Context, id string) (*model.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alerts[id]
	if !ok {
		return nil, fmt.Errorf("alert %s: %w", id, ErrNotFound)
	}
	return a.Clone(), nil
}

func (s *MemoryStore) ListAlerts(_ context.Context, limit int) ([]*model.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Alert, 0, len(s.alerts))
	for _, a := range s.alerts {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return s.seq[out[i].ID] > s.seq[out[j].ID]
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
