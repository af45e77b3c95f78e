package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDispatch(t *testing.T, visibility time.Duration) *Dispatch {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewDispatch(client, visibility)
}

func TestDequeueOrdersByPriorityThenAge(t *testing.T) {
	d := newDispatch(t, time.Minute)
	ctx := context.Background()
	base := time.Now()

	require.NoError(t, d.Enqueue(ctx, "old-low", 0, base))
	require.NoError(t, d.Enqueue(ctx, "new-low", 0, base.Add(time.Second)))
	require.NoError(t, d.Enqueue(ctx, "high", 5, base.Add(2*time.Second)))

	for _, want := range []string{"high", "old-low", "new-low"} {
		got, err := d.DequeueWithLease(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	got, err := d.DequeueWithLease(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDequeueMovesJobToActive(t *testing.T) {
	d := newDispatch(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, d.Enqueue(ctx, "job-1", 0, time.Now()))

	id, err := d.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.Equal(t, "job-1", id)

	depth, err := d.ReadyDepth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)

	// Lease has not expired, so nothing to reclaim yet.
	reclaimed, err := d.RequeueExpired(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, reclaimed)
}

func TestRequeueExpiredReclaimsLease(t *testing.T) {
	d := newDispatch(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, d.Enqueue(ctx, "job-1", 0, time.Now()))
	_, err := d.DequeueWithLease(ctx)
	require.NoError(t, err)

	// A clock past the visibility deadline sees the lease as abandoned.
	reclaimed, err := d.RequeueExpired(ctx, time.Now().Add(2*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"job-1"}, reclaimed)

	id, err := d.DequeueWithLease(ctx)
	require.NoError(t, err)
	assert.Equal(t, "job-1", id)
}

func TestExtendLeaseHoldsJob(t *testing.T) {
	d := newDispatch(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, d.Enqueue(ctx, "job-1", 0, time.Now()))
	_, err := d.DequeueWithLease(ctx)
	require.NoError(t, err)

	require.NoError(t, d.ExtendLease(ctx, "job-1"))

	// The original deadline has passed but the extension keeps the lease.
	reclaimed, err := d.RequeueExpired(ctx, time.Now().Add(90*time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, reclaimed)
}

func TestAckClearsLeaseAndFlags(t *testing.T) {
	d := newDispatch(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, d.Enqueue(ctx, "job-1", 0, time.Now()))
	_, err := d.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.NoError(t, d.RequestCancel(ctx, "job-1"))
	require.NoError(t, d.RequestPause(ctx, "job-1"))

	require.NoError(t, d.Ack(ctx, "job-1"))

	cancelled, err := d.CancelRequested(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, cancelled)
	paused, err := d.PauseRequested(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, paused)

	reclaimed, err := d.RequeueExpired(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, reclaimed)
}

func TestRemoveDropsFromBothSets(t *testing.T) {
	d := newDispatch(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, d.Enqueue(ctx, "queued", 0, time.Now()))
	require.NoError(t, d.Enqueue(ctx, "running", 0, time.Now().Add(time.Second)))
	id, err := d.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.Equal(t, "queued", id)

	require.NoError(t, d.Remove(ctx, "queued"))
	require.NoError(t, d.Remove(ctx, "running"))

	depth, err := d.ReadyDepth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
	reclaimed, err := d.RequeueExpired(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, reclaimed)
}

func TestPauseFlagRoundTrip(t *testing.T) {
	d := newDispatch(t, time.Minute)
	ctx := context.Background()

	paused, err := d.PauseRequested(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, paused)

	require.NoError(t, d.RequestPause(ctx, "job-1"))
	paused, err = d.PauseRequested(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, paused)

	require.NoError(t, d.ClearPause(ctx, "job-1"))
	paused, err = d.PauseRequested(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, paused)
}
