package reaper_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlattimore/gearqueue/pkg/core"
	"github.com/mlattimore/gearqueue/pkg/gears"
	"github.com/mlattimore/gearqueue/pkg/queue"
	"github.com/mlattimore/gearqueue/pkg/reaper"
	"github.com/mlattimore/gearqueue/pkg/storage"
)

func newTestQueue(t *testing.T, opts ...queue.Option) (*queue.Queue, core.Storage) {
	t.Helper()
	store := storage.NewMemoryStorage()
	registry := gears.NewRegistry(store)
	require.NoError(t, registry.Register(context.Background(), &core.Gear{
		Name:    "dcm-convert",
		Version: "1.0.0",
	}))
	return queue.New(store, registry, nil, opts...), store
}

func enqueueAndClaim(t *testing.T, q *queue.Queue) *core.Job {
	t.Helper()
	ctx := context.Background()
	job, err := q.Enqueue(ctx, queue.JobSpec{
		GearName:    "dcm-convert",
		Destination: &core.ContainerRef{Type: core.TypeAcquisition, ID: "acq-1"},
		Origin:      core.Origin{Type: core.OriginUser, ID: "alice"},
	})
	require.NoError(t, err)
	claimed, err := q.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	return job
}

func TestReaper_SweepRespawnsOrphans(t *testing.T) {
	q, store := newTestQueue(t)
	ctx := context.Background()

	job := enqueueAndClaim(t, q)

	// A negative timeout places the cutoff in the future, so the job's
	// fresh heartbeat already counts as stale.
	r := reaper.New(q, reaper.WithTimeout(-time.Hour))
	reaped, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)

	orphan, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StateFailed, orphan.State)
	assert.Equal(t, core.ReasonHeartbeatTimeout, orphan.FailureReason)

	// A single retry exists, linked and incremented.
	retries, err := store.ListJobs(ctx, core.JobFilter{States: []core.JobState{core.StatePending}})
	require.NoError(t, err)
	require.Len(t, retries, 1)
	assert.Equal(t, 2, retries[0].Attempt)
	require.NotNil(t, retries[0].PreviousJobID)
	assert.Equal(t, job.ID, *retries[0].PreviousJobID)
}

func TestReaper_SweepLeavesHealthyJobsAlone(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	job := enqueueAndClaim(t, q)

	r := reaper.New(q, reaper.WithTimeout(time.Hour))
	reaped, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, reaped)

	healthy, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StateRunning, healthy.State)
}

func TestReaper_SweepStopsAtAttemptCeiling(t *testing.T) {
	q, store := newTestQueue(t, queue.WithMaxAttempts(1))
	ctx := context.Background()

	job := enqueueAndClaim(t, q)

	r := reaper.New(q, reaper.WithTimeout(-time.Hour))
	reaped, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)

	// The ceiling is reached: no retry was spawned.
	has, err := store.HasRetry(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, has)
}

type countingCounter struct {
	n int
}

func (c *countingCounter) Inc() { c.n++ }

func TestReaper_SweepDrainsMultipleOrphans(t *testing.T) {
	q, _ := newTestQueue(t)

	for i := 0; i < 3; i++ {
		enqueueAndClaim(t, q)
	}

	counter := &countingCounter{}
	r := reaper.New(q, reaper.WithTimeout(-time.Hour), reaper.WithCounter(counter))
	reaped, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, reaped)
	assert.Equal(t, 3, counter.n, "every reaped job is reported to the counter")
}

func TestEverySchedule(t *testing.T) {
	s := reaper.Every(30 * time.Second)
	from := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, from.Add(30*time.Second), s.Next(from))
}

func TestCronSchedule(t *testing.T) {
	s, err := reaper.Cron("*/5 * * * *")
	require.NoError(t, err)
	from := time.Date(2026, 3, 1, 12, 1, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC), s.Next(from))

	_, err = reaper.Cron("not a cron line")
	assert.Error(t, err)
}
