package batch

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mlattimore/gearqueue/pkg/core"
	"github.com/mlattimore/gearqueue/pkg/gears"
	"github.com/mlattimore/gearqueue/pkg/queue"
)

// forceFailAttempts bounds how often cancellation chases a member job that
// keeps changing state under it.
const forceFailAttempts = 4

// Spec is a proposed batch submission.
type Spec struct {
	GearName    string              `json:"gear_name"`
	GearVersion string              `json:"gear_version,omitempty"`
	Config      core.ConfigMap      `json:"config,omitempty"`
	Targets     []core.ContainerRef `json:"targets"`
	Tags        []string            `json:"tags,omitempty"`
	Origin      core.Origin         `json:"origin"`
}

// Orchestrator creates, dispatches, cancels and aggregates batches.
type Orchestrator struct {
	queue *queue.Queue
	store core.Storage
	log   *zap.Logger
}

// NewOrchestrator creates an orchestrator over the given queue.
func NewOrchestrator(q *queue.Queue, log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{queue: q, store: q.Storage(), log: log}
}

// Create expands the targets into member jobs and persists the batch. Every
// member is created pending but undispatched: pollers cannot claim it until
// Run is called, so the batch can be inspected or abandoned first.
//
// Targets must share one container type. Each target expands to the
// acquisitions it implies; an acquisition whose files leave a required input
// slot unsatisfied or ambiguous is skipped and reported on the batch record.
// Zero runnable jobs is an error.
func (o *Orchestrator) Create(ctx context.Context, spec Spec) (*core.Batch, error) {
	if len(spec.Targets) == 0 {
		return nil, core.ErrEmptyBatch
	}
	targetType := spec.Targets[0].Type
	for _, t := range spec.Targets[1:] {
		if t.Type != targetType {
			return nil, core.ErrMixedTargetTypes
		}
	}

	gear, err := o.queue.Registry().Get(ctx, spec.GearName, spec.GearVersion)
	if err != nil {
		return nil, err
	}
	if len(gear.RequiredInputs()) == 0 {
		return nil, fmt.Errorf("%w: gear %s declares no required file inputs to match against",
			core.ErrInvalidJobSpec, gear.Ref())
	}
	if err := gears.ValidateConfig(gear, spec.Config); err != nil {
		return nil, err
	}

	acquisitions, err := o.expandTargets(ctx, spec.Targets)
	if err != nil {
		return nil, err
	}

	batch := &core.Batch{
		ID:          uuid.New().String(),
		GearName:    gear.Name,
		GearVersion: gear.Version,
		Config:      spec.Config,
		Origin:      spec.Origin,
	}

	var members []*core.Job
	for _, acq := range acquisitions {
		inputs, verdict, err := o.matchAcquisition(ctx, gear, acq)
		if err != nil {
			return nil, err
		}
		switch verdict {
		case matchAmbiguous:
			batch.Ambiguous = append(batch.Ambiguous, acq)
			continue
		case matchNone:
			batch.NotMatched = append(batch.NotMatched, acq)
			continue
		}

		dest := acq
		job, err := o.queue.PrepareJob(ctx, queue.JobSpec{
			GearName:    gear.Name,
			GearVersion: gear.Version,
			Inputs:      inputs,
			Config:      spec.Config,
			Destination: &dest,
			Tags:        append(append([]string(nil), spec.Tags...), "batch"),
			Origin:      spec.Origin,
		})
		if err != nil {
			return nil, err
		}
		job.ID = uuid.New().String()
		job.BatchID = &batch.ID
		job.Dispatched = false
		members = append(members, job)
		batch.JobIDs = append(batch.JobIDs, job.ID)
	}

	if len(members) == 0 {
		return nil, core.ErrEmptyBatch
	}

	if err := o.store.CreateBatch(ctx, batch); err != nil {
		return nil, fmt.Errorf("create batch: %w", err)
	}
	if err := o.store.CreateJobs(ctx, members); err != nil {
		return nil, fmt.Errorf("create batch jobs: %w", err)
	}
	o.log.Info("batch assembled",
		zap.String("batch_id", batch.ID),
		zap.String("gear", gear.Ref().String()),
		zap.Int("jobs", len(members)),
		zap.Int("ambiguous", len(batch.Ambiguous)),
		zap.Int("not_matched", len(batch.NotMatched)))
	return batch, nil
}

// expandTargets resolves every target to its descendant acquisitions,
// deduplicated.
func (o *Orchestrator) expandTargets(ctx context.Context, targets []core.ContainerRef) ([]core.ContainerRef, error) {
	seen := make(map[core.ContainerRef]bool)
	var out []core.ContainerRef
	for _, target := range targets {
		acqs, err := o.queue.Resolver().ExpandHierarchy(ctx, target)
		if err != nil {
			return nil, fmt.Errorf("expand %s: %w", target, err)
		}
		for _, acq := range acqs {
			if seen[acq] {
				continue
			}
			seen[acq] = true
			out = append(out, acq)
		}
	}
	return out, nil
}

type matchVerdict int

const (
	matchOK matchVerdict = iota
	matchAmbiguous
	matchNone
)

// matchAcquisition tries to satisfy every file input slot of the gear from
// the acquisition's files. A missing required slot wins over ambiguity:
// a container short one input is "not matched" even if another slot has
// several candidates.
func (o *Orchestrator) matchAcquisition(ctx context.Context, gear *core.Gear, acq core.ContainerRef) (core.InputMap, matchVerdict, error) {
	files, err := o.queue.Resolver().ListFiles(ctx, acq)
	if err != nil {
		return nil, matchNone, fmt.Errorf("list files of %s: %w", acq, err)
	}
	if len(files) == 0 {
		return nil, matchNone, nil
	}

	suggestions := gears.SuggestInputs(gear, files)
	ambiguous := false
	inputs := make(core.InputMap)
	for slot, candidates := range suggestions {
		declared := gear.Inputs[slot]
		switch {
		case len(candidates) == 0:
			if !declared.Optional {
				return nil, matchNone, nil
			}
		case len(candidates) > 1:
			ambiguous = true
		default:
			inputs[slot] = core.FileRef{Type: acq.Type, ID: acq.ID, Name: candidates[0].Name}
		}
	}
	if ambiguous {
		return nil, matchAmbiguous, nil
	}
	return inputs, matchOK, nil
}

// Run makes every member job claimable. It fails unless every member is
// still pending and undispatched; claim visibility flips atomically for the
// whole batch.
func (o *Orchestrator) Run(ctx context.Context, batchID string) error {
	jobs, err := o.memberJobs(ctx, batchID)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if job.State != core.StatePending || job.Dispatched {
			return core.ErrInvalidBatchState
		}
	}
	count, err := o.store.DispatchBatch(ctx, batchID)
	if err != nil {
		return err
	}
	o.log.Info("batch dispatched", zap.String("batch_id", batchID), zap.Int64("jobs", count))
	return nil
}

// Cancel forces every non-terminal member job to failed with a cancellation
// reason, revoking credentials of members torn out of running. Only a batch
// whose derived state is running can be cancelled. Safe against racing
// claims: a member claimed in the same instant is chased into failed.
func (o *Orchestrator) Cancel(ctx context.Context, batchID string) (int, error) {
	state, err := o.State(ctx, batchID)
	if err != nil {
		return 0, err
	}
	if state != core.BatchRunning {
		return 0, fmt.Errorf("%w: cannot cancel a %s batch", core.ErrInvalidBatchState, state)
	}

	jobs, err := o.memberJobs(ctx, batchID)
	if err != nil {
		return 0, err
	}

	cancelled := 0
	for _, job := range jobs {
		forced, err := o.forceFail(ctx, job)
		if err != nil {
			return cancelled, err
		}
		if forced {
			cancelled++
		}
	}
	o.log.Info("batch cancelled", zap.String("batch_id", batchID), zap.Int("jobs", cancelled))
	return cancelled, nil
}

// forceFail drives one job to failed regardless of whether it is pending or
// running, retrying while claimers race it. Already-terminal jobs are left
// alone.
func (o *Orchestrator) forceFail(ctx context.Context, job *core.Job) (bool, error) {
	for attempt := 0; attempt < forceFailAttempts; attempt++ {
		if job.State.Terminal() {
			return false, nil
		}
		wasRunning := job.State == core.StateRunning
		_, err := o.store.CompareAndTransition(ctx, job.ID, job.State, core.StateFailed,
			core.JobUpdate{FailureReason: core.ReasonBatchCancelled})
		if errors.Is(err, core.ErrStateConflict) {
			job, err = o.store.GetJob(ctx, job.ID)
			if err != nil {
				return false, err
			}
			continue
		}
		if err != nil {
			return false, err
		}
		if wasRunning {
			if err := o.queue.Credentials().Revoke(ctx, job.ID); err != nil {
				o.log.Warn("credential revoke failed", zap.String("job_id", job.ID), zap.Error(err))
			}
		}
		return true, nil
	}
	return false, core.Invariant("member job %s kept changing state during cancellation", job.ID)
}

// Get returns the batch record.
func (o *Orchestrator) Get(ctx context.Context, batchID string) (*core.Batch, error) {
	return o.store.GetBatch(ctx, batchID)
}

// State recomputes the derived batch state from member job states. Never
// cached: members change state between reads. Members superseded by a retry
// (referenced as a newer attempt's previous job) are ignored, so the
// projection follows the newest attempt of each lineage.
func (o *Orchestrator) State(ctx context.Context, batchID string) (core.BatchState, error) {
	jobs, err := o.memberJobs(ctx, batchID)
	if err != nil {
		return "", err
	}
	return DeriveState(jobs)
}

// memberJobs loads all jobs carrying the batch id in one consistent read and
// drops superseded attempts.
func (o *Orchestrator) memberJobs(ctx context.Context, batchID string) ([]*core.Job, error) {
	if _, err := o.store.GetBatch(ctx, batchID); err != nil {
		return nil, err
	}
	jobs, err := o.store.BatchJobs(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, core.Invariant("batch %s has zero member jobs", batchID)
	}

	superseded := make(map[string]bool)
	for _, job := range jobs {
		if job.PreviousJobID != nil {
			superseded[*job.PreviousJobID] = true
		}
	}
	effective := jobs[:0]
	for _, job := range jobs {
		if !superseded[job.ID] {
			effective = append(effective, job)
		}
	}
	return effective, nil
}

// DeriveState computes the aggregate state of a set of member jobs.
func DeriveState(jobs []*core.Job) (core.BatchState, error) {
	if len(jobs) == 0 {
		return "", core.Invariant("cannot derive a state from zero member jobs")
	}

	allPending, allTerminal := true, true
	anyDispatched, anyFailed, anyCancelled := false, false, false
	for _, job := range jobs {
		if job.State != core.StatePending {
			allPending = false
		}
		if !job.State.Terminal() {
			allTerminal = false
		}
		if job.Dispatched {
			anyDispatched = true
		}
		if job.State == core.StateFailed {
			anyFailed = true
			if job.FailureReason == core.ReasonBatchCancelled {
				anyCancelled = true
			}
		}
	}

	switch {
	case allPending && !anyDispatched:
		return core.BatchPending, nil
	case anyCancelled && !allTerminal:
		// A cancelled batch reports cancelled only while stragglers drain.
		// Once every member is terminal the normal terminal rules apply.
		return core.BatchCancelled, nil
	case !allTerminal:
		return core.BatchRunning, nil
	case anyFailed:
		return core.BatchFailed, nil
	default:
		return core.BatchComplete, nil
	}
}
