package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/riffhi/MedWatch-sub000/internal/model"
	"github.com/riffhi/MedWatch-sub000/internal/testutil"
)

func point(id, location string) model.DataPoint {
	return model.DataPoint{
		ID:                id,
		MedicineName:      "Insulin",
		Location:          location,
		CurrentStock:      model.Float(0),
		CriticalThreshold: model.Float(50),
		Timestamp:         "2026-03-09T10:00:00Z",
	}
}

func TestJetStreamSource(t *testing.T) {
	js := testutil.SetupJetStream(t)
	src, err := NewJetStreamSource(zaptest.NewLogger(t), js, Config{BatchSize: 10, FetchWait: 200 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, testutil.WaitForStream(t, js, DataPointStream, time.Second))

	ctx := context.Background()
	empty, err := src.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = src.Publish(ctx, point("dp-1", "Delhi"))
	require.NoError(t, err)
	id, err := src.Enqueue(ctx, point("", "New Delhi"))
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	_, err = js.Publish(DataPointSubjectPrefix+"garbage", []byte("{not json"))
	require.NoError(t, err)

	points, err := src.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, "dp-1", points[0].ID)
	assert.Equal(t, id, points[1].ID)
	require.NotNil(t, points[0].CurrentStock)
	assert.Equal(t, 0.0, *points[0].CurrentStock)

	require.NoError(t, src.Commit(nil))
	again, err := src.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, again, "acked and terminated messages are not redelivered")
}

func TestJetStreamSource_FailedCycleRedelivers(t *testing.T) {
	js := testutil.SetupJetStream(t)
	src, err := NewJetStreamSource(zaptest.NewLogger(t), js, Config{FetchWait: 200 * time.Millisecond})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = src.Publish(ctx, point("dp-1", "Chennai"))
	require.NoError(t, err)

	points, err := src.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, points, 1)
	require.NoError(t, src.Commit(context.Canceled))

	redelivered, err := src.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, redelivered, 1)
	assert.Equal(t, "dp-1", redelivered[0].ID)
	require.NoError(t, src.Commit(nil))

	empty, err := src.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, empty)
	assert.NoError(t, src.Commit(nil), "nothing in flight")
}

func TestJetStreamSource_SharedDurable(t *testing.T) {
	js := testutil.SetupJetStream(t)
	first, err := NewJetStreamSource(zaptest.NewLogger(t), js, Config{FetchWait: 200 * time.Millisecond})
	require.NoError(t, err)
	second, err := NewJetStreamSource(zaptest.NewLogger(t), js, Config{FetchWait: 200 * time.Millisecond})
	require.NoError(t, err)

	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		_, err := first.Publish(ctx, point(id, "Mumbai"))
		require.NoError(t, err)
	}

	got, err := second.ListPending(ctx)
	require.NoError(t, err)
	rest, err := first.ListPending(ctx)
	require.NoError(t, err)
	assert.Len(t, append(got, rest...), 3)
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "supply.datapoint.delhi", Subject("Delhi"))
	assert.Equal(t, "supply.datapoint.new_delhi", Subject(" New Delhi "))
	assert.Equal(t, "supply.datapoint.a_b_c", Subject("a.b*c"))
	assert.Equal(t, "supply.datapoint.unknown", Subject(""))
}

func TestMemorySource(t *testing.T) {
	src := NewMemorySource()
	ids := src.Submit(point("dp-1", "Delhi"), point("", "Pune"))
	require.Len(t, ids, 2)
	assert.Equal(t, "dp-1", ids[0])
	assert.NotEmpty(t, ids[1])

	id, err := src.Enqueue(context.Background(), point("dp-3", "Goa"))
	require.NoError(t, err)
	assert.Equal(t, "dp-3", id)
	assert.Equal(t, 3, src.Len())

	points, err := src.ListPending(context.Background())
	require.NoError(t, err)
	require.Len(t, points, 3)
	assert.Equal(t, ids[1], points[1].ID)
	assert.Zero(t, src.Len())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = src.ListPending(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
