// Package reaper detects jobs whose executor stopped heartbeating, forces
// them failed, revokes their credentials and spawns capped retries. It is
// the only path that creates jobs without an explicit external request.
package reaper

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/mlattimore/gearqueue/pkg/core"
	"github.com/mlattimore/gearqueue/pkg/queue"
)

// DefaultHeartbeatTimeout is how stale a running job's heartbeat may be
// before it is considered orphaned.
const DefaultHeartbeatTimeout = 100 * time.Second

// DefaultInterval is the default sweep cadence.
const DefaultInterval = 30 * time.Second

// Counter receives one increment per reaped job. prometheus counters
// satisfy it.
type Counter interface {
	Inc()
}

// Reaper periodically fails orphaned jobs.
type Reaper struct {
	queue    *queue.Queue
	timeout  time.Duration
	schedule Schedule
	counter  Counter
	log      *zap.Logger
}

// Option configures a Reaper.
type Option func(*Reaper)

// WithTimeout sets the heartbeat staleness threshold. Zero keeps the
// default; a negative value moves the cutoff into the future, which reaps
// every running job and is only useful in tests.
func WithTimeout(d time.Duration) Option {
	return func(r *Reaper) {
		if d != 0 {
			r.timeout = d
		}
	}
}

// WithSchedule sets the sweep schedule.
func WithSchedule(s Schedule) Option {
	return func(r *Reaper) {
		if s != nil {
			r.schedule = s
		}
	}
}

// WithCounter reports reaped jobs to the given counter.
func WithCounter(c Counter) Option {
	return func(r *Reaper) {
		if c != nil {
			r.counter = c
		}
	}
}

// WithLogger sets the reaper's logger.
func WithLogger(log *zap.Logger) Option {
	return func(r *Reaper) {
		if log != nil {
			r.log = log
		}
	}
}

// New creates a Reaper over the given queue.
func New(q *queue.Queue, opts ...Option) *Reaper {
	r := &Reaper{
		queue:    q,
		timeout:  DefaultHeartbeatTimeout,
		schedule: Every(DefaultInterval),
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Sweep scans for running jobs whose heartbeat is older than the timeout.
// Each is forced failed, its credential revoked, and retried unless the
// attempt ceiling is reached. Returns how many jobs were reaped.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-r.timeout)
	reaped := 0

	for {
		job, err := r.queue.Storage().ReapNext(ctx, cutoff)
		if err != nil {
			return reaped, err
		}
		if job == nil {
			return reaped, nil
		}
		reaped++
		if r.counter != nil {
			r.counter.Inc()
		}

		if err := r.queue.Credentials().Revoke(ctx, job.ID); err != nil {
			r.log.Warn("credential revoke failed", zap.String("job_id", job.ID), zap.Error(err))
		}

		retry, err := r.queue.Retry(ctx, job, false)
		switch {
		case errors.Is(err, core.ErrAlreadyRetried):
			// Another sweep or an explicit retry got there first.
		case err != nil:
			r.log.Error("retry of reaped job failed", zap.String("job_id", job.ID), zap.Error(err))
		case retry != nil:
			r.log.Info("orphaned job reaped and respawned",
				zap.String("job_id", job.ID),
				zap.String("retry_id", retry.ID),
				zap.Int("attempt", retry.Attempt))
		default:
			r.log.Info("orphaned job permanently failed",
				zap.String("job_id", job.ID),
				zap.Int("attempts", job.Attempt))
		}
	}
}

// Start runs sweeps on the configured schedule until the context is
// cancelled. Sweep errors are logged and swallowed: the store being briefly
// unavailable just means waiting for the next sweep.
func (r *Reaper) Start(ctx context.Context) error {
	for {
		next := r.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		reaped, err := r.Sweep(ctx)
		if err != nil {
			r.log.Error("sweep failed", zap.Error(err))
			continue
		}
		if reaped > 0 {
			r.log.Info("sweep finished", zap.Int("reaped", reaped))
		}
	}
}
