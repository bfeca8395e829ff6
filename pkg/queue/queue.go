package queue

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mlattimore/gearqueue/pkg/apikeys"
	"github.com/mlattimore/gearqueue/pkg/core"
	"github.com/mlattimore/gearqueue/pkg/gears"
)

// Queue is the claiming protocol layered on the job store. All job mutation
// goes through Enqueue, ClaimNext, Heartbeat and Transition; nothing
// overwrites job state outside the legality check.
type Queue struct {
	store    core.Storage
	registry *gears.Registry
	resolver core.Resolver
	creds    *apikeys.Manager
	opts     Options
	log      *zap.Logger
}

// New creates a Queue. The gear registry and container resolver are explicit
// dependencies so tests can substitute fakes.
func New(store core.Storage, registry *gears.Registry, resolver core.Resolver, opts ...Option) *Queue {
	o := newOptions(opts)
	return &Queue{
		store:    store,
		registry: registry,
		resolver: resolver,
		creds:    apikeys.NewManager(store),
		opts:     o,
		log:      o.Logger,
	}
}

// Storage returns the underlying storage.
func (q *Queue) Storage() core.Storage {
	return q.store
}

// Credentials returns the job-scoped credential manager.
func (q *Queue) Credentials() *apikeys.Manager {
	return q.creds
}

// Registry returns the gear registry the queue validates against.
func (q *Queue) Registry() *gears.Registry {
	return q.registry
}

// Resolver returns the container resolver the queue resolves inputs with.
func (q *Queue) Resolver() core.Resolver {
	return q.resolver
}

// MaxAttempts returns the configured automatic retry ceiling.
func (q *Queue) MaxAttempts() int {
	return q.opts.MaxAttempts
}

// Enqueue validates a job spec against its gear manifest, resolves every
// file input, infers the destination when omitted, and creates the job in
// pending. Creation is all-or-nothing: any validation or resolution failure
// leaves no record behind.
func (q *Queue) Enqueue(ctx context.Context, spec JobSpec) (*core.Job, error) {
	job, err := q.PrepareJob(ctx, spec)
	if err != nil {
		return nil, err
	}
	job.Dispatched = true
	if err := q.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	q.log.Info("job enqueued",
		zap.String("job_id", job.ID),
		zap.String("gear", job.GearRef().String()),
		zap.Strings("tags", job.Tags))
	return job, nil
}

// PrepareJob runs the full validation pipeline and returns an unsaved job in
// pending. Batch expansion reuses it so member jobs pass the same checks as
// direct submissions.
func (q *Queue) PrepareJob(ctx context.Context, spec JobSpec) (*core.Job, error) {
	if spec.GearName == "" {
		return nil, fmt.Errorf("%w: job must name a gear", core.ErrInvalidJobSpec)
	}
	gear, err := q.registry.Get(ctx, spec.GearName, spec.GearVersion)
	if err != nil {
		return nil, err
	}
	if gear.Deprecated {
		return nil, fmt.Errorf("%w: gear %s is deprecated and will not run", core.ErrInvalidJobSpec, gear.Ref())
	}
	if err := gears.ValidateConfig(gear, spec.Config); err != nil {
		return nil, err
	}
	if err := q.checkInputs(ctx, gear, spec.Inputs); err != nil {
		return nil, err
	}

	var destination core.ContainerRef
	if spec.Destination != nil {
		destination = *spec.Destination
		if err := destination.Validate(); err != nil {
			return nil, err
		}
	} else {
		destination, err = InferDestination(spec.Inputs)
		if err != nil {
			return nil, err
		}
	}

	return &core.Job{
		GearName:    gear.Name,
		GearVersion: gear.Version,
		State:       core.StatePending,
		Inputs:      spec.Inputs,
		Config:      spec.Config,
		Destination: destination,
		Tags:        normalizeTags(spec.Tags, gear.Name),
		Attempt:     1,
		Origin:      spec.Origin,
		Now:         spec.Now,
	}, nil
}

// checkInputs verifies the spec against the gear's declared slots and
// resolves every file input to a currently-existing file.
func (q *Queue) checkInputs(ctx context.Context, gear *core.Gear, inputs core.InputMap) error {
	for slot := range inputs {
		declared, ok := gear.Inputs[slot]
		if !ok {
			return fmt.Errorf("%w: gear %s declares no input %q", core.ErrInvalidJobSpec, gear.Ref(), slot)
		}
		if declared.Kind == core.KindCredential {
			// Credential inputs are synthesized at claim time.
			return fmt.Errorf("%w: input %q is credential-kind and cannot be given a file", core.ErrInvalidJobSpec, slot)
		}
	}
	for slot, declared := range gear.Inputs {
		ref, provided := inputs[slot]
		if !provided {
			if declared.Kind == core.KindFile && !declared.Optional {
				return fmt.Errorf("%w: required input %q missing", core.ErrInvalidJobSpec, slot)
			}
			continue
		}
		if err := ref.Validate(); err != nil {
			return err
		}
		if q.resolver == nil {
			return fmt.Errorf("%w: no resolver configured, file inputs cannot be accepted", core.ErrInvalidJobSpec)
		}
		info, err := q.resolver.Resolve(ctx, ref)
		if err != nil {
			return &core.UnresolvedInputError{Slot: slot, Ref: ref, Err: err}
		}
		if info == nil {
			return &core.UnresolvedInputError{Slot: slot, Ref: ref}
		}
		if !gears.InputAccepts(declared, *info) {
			return fmt.Errorf("%w: input %q file %q does not satisfy the slot's constraints",
				core.ErrInvalidJobSpec, slot, info.Name)
		}
	}
	return nil
}

// ClaimNext atomically claims the next pending job matching the tag filter.
// Exactly one caller ever receives a given job. Returns (nil, nil) when no
// work is available.
func (q *Queue) ClaimNext(ctx context.Context, tags ...string) (*core.Job, error) {
	job, err := q.store.ClaimNext(ctx, tags)
	if err != nil || job == nil {
		return nil, err
	}

	// Synthesize the job-scoped credential when the gear declares one.
	gear, err := q.registry.Get(ctx, job.GearName, job.GearVersion)
	if err != nil {
		return nil, core.Invariant("claimed job %s references unknown gear %s", job.ID, job.GearRef())
	}
	for slot, in := range gear.Inputs {
		if in.Kind != core.KindCredential {
			continue
		}
		cred, err := q.creds.Issue(ctx, job.Origin.ID, job.ID)
		if err != nil {
			return nil, fmt.Errorf("issue credential for input %q: %w", slot, err)
		}
		job.Credential = cred
		break
	}

	q.log.Info("job claimed",
		zap.String("job_id", job.ID),
		zap.String("gear", job.GearRef().String()))
	return job, nil
}

// Heartbeat refreshes a running job's heartbeat; any other state is a no-op.
func (q *Queue) Heartbeat(ctx context.Context, jobID string) error {
	return q.store.Heartbeat(ctx, jobID)
}

// GetJob returns a job by id.
func (q *Queue) GetJob(ctx context.Context, jobID string) (*core.Job, error) {
	return q.store.GetJob(ctx, jobID)
}

// Transition applies a legal state transition. Terminal jobs and pairs
// outside the transition table are rejected with InvalidStateError; a job
// whose state moved concurrently yields core.ErrStateConflict. Leaving the
// running state revokes the job's credential.
func (q *Queue) Transition(ctx context.Context, jobID string, to core.JobState, update core.JobUpdate) (*core.Job, error) {
	job, err := q.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.State.Terminal() || !core.ValidTransition(job.State, to) {
		return nil, &core.InvalidStateError{From: job.State, To: to}
	}

	updated, err := q.store.CompareAndTransition(ctx, jobID, job.State, to, update)
	if err != nil {
		return nil, err
	}

	if job.State == core.StateRunning && to != core.StateRunning {
		if err := q.creds.Revoke(ctx, jobID); err != nil {
			// Validation re-checks job state on every use, so a stale
			// credential is already dead; the orphan row is the only cost.
			q.log.Warn("credential revoke failed", zap.String("job_id", jobID), zap.Error(err))
		}
	}

	q.log.Info("job transitioned",
		zap.String("job_id", jobID),
		zap.String("from", string(job.State)),
		zap.String("to", string(to)))

	if to == core.StateFailed && q.opts.RetryOnFail {
		if _, err := q.Retry(ctx, updated, false); err != nil && !errors.Is(err, core.ErrAlreadyRetried) {
			q.log.Warn("automatic retry failed", zap.String("job_id", jobID), zap.Error(err))
		}
	}
	return updated, nil
}

// Retry spawns a new pending job from a failed one, linked through
// previous_job_id with the attempt count incremented. Returns (nil, nil)
// when the attempt ceiling is reached and force is false. A failed job that
// already has a successor is never retried twice.
func (q *Queue) Retry(ctx context.Context, job *core.Job, force bool) (*core.Job, error) {
	if job.State != core.StateFailed {
		return nil, fmt.Errorf("%w: only failed jobs can be retried", core.ErrInvalidJobSpec)
	}
	if job.Attempt >= q.opts.MaxAttempts && !force {
		q.log.Info("job permanently failed",
			zap.String("job_id", job.ID),
			zap.Int("attempts", job.Attempt))
		return nil, nil
	}

	// Best-effort duplicate guard; the store has no cross-document
	// transaction covering the check and the insert.
	retried, err := q.store.HasRetry(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	if retried {
		return nil, core.ErrAlreadyRetried
	}

	previousID := job.ID
	retry := &core.Job{
		GearName:      job.GearName,
		GearVersion:   job.GearVersion,
		State:         core.StatePending,
		Inputs:        job.Inputs,
		Config:        job.Config,
		Destination:   job.Destination,
		Tags:          job.Tags,
		Attempt:       job.Attempt + 1,
		Origin:        job.Origin,
		Now:           job.Now,
		Dispatched:    true,
		BatchID:       job.BatchID,
		PreviousJobID: &previousID,
	}
	if err := q.store.CreateJob(ctx, retry); err != nil {
		return nil, fmt.Errorf("create retry: %w", err)
	}
	q.log.Info("job respawned",
		zap.String("job_id", job.ID),
		zap.String("retry_id", retry.ID),
		zap.Int("attempt", retry.Attempt))
	return retry, nil
}

// Search finds jobs that mention at least one of a set of containers as an
// input or destination, optionally narrowed by states and tags. All
// containers must share one type.
func (q *Queue) Search(ctx context.Context, containers []core.ContainerRef, states []core.JobState, tags []string) ([]*core.Job, error) {
	if len(containers) == 0 {
		return nil, fmt.Errorf("%w: search requires at least one container", core.ErrInvalidJobSpec)
	}
	first := containers[0].Type
	for _, ref := range containers[1:] {
		if ref.Type != first {
			return nil, core.ErrMixedTargetTypes
		}
	}
	return q.store.ListJobs(ctx, core.JobFilter{
		Containers: containers,
		States:     states,
		Tags:       tags,
	})
}

// Stats aggregates queue statistics for operators.
func (q *Queue) Stats(ctx context.Context) (*core.QueueStats, error) {
	return q.store.JobStats(ctx, q.opts.MaxAttempts)
}
