package alerting

import (
	"github.com/riffhi/MedWatch-sub000/internal/model"
)

// alertQueue implements heap.Interface: most severe first, then oldest.
// It is guarded by the manager mutex.
type alertQueue []*model.Alert

func (q alertQueue) Len() int { return len(q) }

// Less compares two alerts by severity and creation time
func (q alertQueue) Less(i, j int) bool {
	ri, rj := q[i].Severity.Rank(), q[j].Severity.Rank()
	if ri != rj {
		return ri > rj
	}
	return q[i].CreatedAt.Before(q[j].CreatedAt)
}

func (q alertQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

// Push adds an alert to the queue
func (q *alertQueue) Push(x interface{}) {
	*q = append(*q, x.(*model.Alert))
}

// Pop removes and returns the last element
func (q *alertQueue) Pop() interface{} {
	old := *q
	n := len(old)
	if n == 0 {
		return nil
	}
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}
