package core

import (
	"time"
)

// JobState represents the current state of a job.
type JobState string

const (
	StatePending  JobState = "pending"
	StateRunning  JobState = "running"
	StateFailed   JobState = "failed"
	StateComplete JobState = "complete"
)

// Terminal reports whether a job in this state can never change again.
func (s JobState) Terminal() bool {
	return s == StateFailed || s == StateComplete
}

// transitions is the legal transition table. The identity transition is
// deliberately absent: re-applying the current state is rejected.
var transitions = map[JobState][]JobState{
	StatePending: {StateRunning},
	StateRunning: {StateFailed, StateComplete},
}

// ValidTransition reports whether (from, to) is an allowed pair.
func ValidTransition(from, to JobState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Origin identifies the principal that requested a job or batch.
type Origin struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Origin types.
const (
	OriginUser   = "user"
	OriginDevice = "device"
	OriginJob    = "job"
	OriginSystem = "system"
)

// ReasonHeartbeatTimeout marks jobs failed by the reaper.
const ReasonHeartbeatTimeout = "heartbeat timeout"

// ReasonBatchCancelled marks member jobs forced failed by batch cancellation.
// The derived batch state uses it to report the batch as cancelled while
// remaining members drain.
const ReasonBatchCancelled = "batch cancelled"

// InputMap maps gear input slot names to file references.
type InputMap map[string]FileRef

// ConfigMap is the opaque gear configuration document.
type ConfigMap map[string]any

// Job is one tracked execution request of a gear against concrete inputs.
// A Job is created once and mutated only through state transitions; it is
// never deleted, only left terminal.
type Job struct {
	ID          string       `gorm:"primaryKey;size:36" json:"id"`
	GearName    string       `gorm:"index;size:255;not null" json:"gear_name"`
	GearVersion string       `gorm:"size:64;not null" json:"gear_version"`
	State       JobState     `gorm:"index;size:20;default:'pending'" json:"state"`
	Inputs      InputMap     `gorm:"serializer:json" json:"inputs"`
	Config      ConfigMap    `gorm:"serializer:json" json:"config"`
	Destination ContainerRef `gorm:"embedded;embeddedPrefix:destination_" json:"destination"`
	Tags        []string     `gorm:"serializer:json" json:"tags"`
	Attempt     int          `gorm:"default:1" json:"attempt"`
	Origin      Origin       `gorm:"embedded;embeddedPrefix:origin_" json:"origin"`

	// Now raises claim priority: flagged jobs are offered before the FIFO pool.
	Now bool `gorm:"column:now_flag;default:false" json:"now,omitempty"`

	// Dispatched gates claim visibility. Batch members are created
	// undispatched and become claimable when the batch is run.
	Dispatched bool `gorm:"index;default:true" json:"dispatched"`

	FailureReason string `gorm:"type:text" json:"failure_reason,omitempty"`

	// Outputs holds executor-reported metadata recorded on completion.
	Outputs ConfigMap `gorm:"serializer:json" json:"outputs,omitempty"`

	BatchID       *string `gorm:"index;size:36" json:"batch_id,omitempty"`
	PreviousJobID *string `gorm:"index;size:36" json:"previous_job_id,omitempty"`

	Created   time.Time  `gorm:"autoCreateTime" json:"created"`
	Modified  time.Time  `gorm:"index" json:"modified"`
	Heartbeat *time.Time `gorm:"index" json:"heartbeat,omitempty"`

	// Credential carries the job-scoped key synthesized at claim time for
	// gears declaring a credential input. Never persisted; only the claim
	// response carries it.
	Credential *JobCredential `gorm:"-" json:"credential,omitempty"`
}

// GearRef returns the job's immutable gear reference.
func (j *Job) GearRef() GearRef {
	return GearRef{Name: j.GearName, Version: j.GearVersion}
}

// HasTag reports whether the job carries the given tag.
func (j *Job) HasTag(tag string) bool {
	for _, t := range j.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// MatchesAnyTag reports whether the job carries at least one of the given
// tags. An empty filter matches every job.
func (j *Job) MatchesAnyTag(tags []string) bool {
	if len(tags) == 0 {
		return true
	}
	for _, t := range tags {
		if j.HasTag(t) {
			return true
		}
	}
	return false
}

// MentionsContainer reports whether the container appears among the job's
// inputs or as its destination.
func (j *Job) MentionsContainer(ref ContainerRef) bool {
	if j.Destination.Type == ref.Type && j.Destination.ID == ref.ID {
		return true
	}
	for _, in := range j.Inputs {
		if in.Type == ref.Type && in.ID == ref.ID {
			return true
		}
	}
	return false
}

// JobCredential is a short-lived credential bound 1:1 to a running job.
// It lets the external executor act as the requesting user, and is only
// honored while the job is in the running state.
type JobCredential struct {
	Key     string    `gorm:"primaryKey;size:64" json:"key"`
	JobID   string    `gorm:"uniqueIndex;size:36;not null" json:"job_id"`
	UID     string    `gorm:"size:255;not null" json:"uid"`
	Created time.Time `gorm:"autoCreateTime" json:"created"`
}

// Batch is a set of jobs created together from one gear and config applied
// across multiple target containers. A Batch record is immutable; its state
// is always derived from member job states, never stored.
type Batch struct {
	ID          string    `gorm:"primaryKey;size:36" json:"id"`
	GearName    string    `gorm:"index;size:255;not null" json:"gear_name"`
	GearVersion string    `gorm:"size:64;not null" json:"gear_version"`
	Config      ConfigMap `gorm:"serializer:json" json:"config"`
	Origin      Origin    `gorm:"embedded;embeddedPrefix:origin_" json:"origin"`
	JobIDs      []string  `gorm:"serializer:json" json:"job_ids"`

	// Containers skipped during expansion, kept for inspection before Run.
	Ambiguous  []ContainerRef `gorm:"serializer:json" json:"ambiguous,omitempty"`
	NotMatched []ContainerRef `gorm:"serializer:json" json:"not_matched,omitempty"`

	Created time.Time `gorm:"autoCreateTime" json:"created"`
}

// BatchState is the derived aggregate state of a batch.
type BatchState string

const (
	BatchPending   BatchState = "pending"
	BatchRunning   BatchState = "running"
	BatchFailed    BatchState = "failed"
	BatchComplete  BatchState = "complete"
	BatchCancelled BatchState = "cancelled"
)
