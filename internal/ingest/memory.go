package ingest

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/riffhi/MedWatch-sub000/internal/model"
)

// MemorySource is an in-process queue of data points, used when no broker
// is configured.
type MemorySource struct {
	mu      sync.Mutex
	pending []model.DataPoint
}

// NewMemorySource creates an empty source
func NewMemorySource() *MemorySource {
	return &MemorySource{}
}

// Submit queues points for the next cycle and returns their ids
func (s *MemorySource) Submit(points ...model.DataPoint) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, len(points))
	for i, dp := range points {
		if dp.ID == "" {
			dp.ID = uuid.New().String()
		}
		ids[i] = dp.ID
		s.pending = append(s.pending, dp)
	}
	return ids
}

// Enqueue queues a single point
func (s *MemorySource) Enqueue(_ context.Context, dp model.DataPoint) (string, error) {
	return s.Submit(dp)[0], nil
}

// ListPending drains the queue
func (s *MemorySource) ListPending(ctx context.Context) ([]model.DataPoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.pending
	s.pending = nil
	return out, nil
}

// Len returns the number of queued points
func (s *MemorySource) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
