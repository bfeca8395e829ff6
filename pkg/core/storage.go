package core

import (
	"context"
	"time"
)

// JobUpdate carries the extra mutation applied alongside a state transition.
// Zero values are left untouched.
type JobUpdate struct {
	FailureReason string
	Outputs       ConfigMap
}

// JobFilter selects jobs for listing and search.
type JobFilter struct {
	States  []JobState
	Tags    []string
	BatchID string

	// Containers matches jobs that mention any of the given containers as an
	// input or as the destination. All refs must share one container type.
	Containers []ContainerRef

	Limit int
}

// TagCount is one row of the by-tag queue statistics.
type TagCount struct {
	Tags  []string `json:"tags"`
	Count int64    `json:"count"`
}

// QueueStats summarizes the queue for operators.
type QueueStats struct {
	ByState     map[JobState]int64 `json:"by_state"`
	ByTag       []TagCount         `json:"by_tag"`
	Permafailed int64              `json:"permafailed"`
}

// Storage defines the persistence contract for the engine. Implementations
// must make ClaimNext, CompareAndTransition and ReapNext each a single
/// indivisible operation: no two concurrent callers may ever act on the same
// matching document.
type Storage interface {
	// Migrate creates the necessary tables.
	Migrate(ctx context.Context) error

	// CreateJob persists a new job. All-or-nothing: a failed creation leaves
	// no partial record.
	CreateJob(ctx context.Context, job *Job) error

	// CreateJobs persists a set of jobs atomically (batch expansion).
	CreateJobs(ctx context.Context, jobs []*Job) error

	// GetJob returns a job by id or ErrJobNotFound.
	GetJob(ctx context.Context, id string) (*Job, error)

	// ClaimNext atomically claims the next dispatched pending job matching
	// the tag filter, moving it to running with a fresh heartbeat. Returns
	// (nil, nil) when no work is available and ErrUnknownTag when the filter
	// names tags no job in the system carries.
	ClaimNext(ctx context.Context, tags []string) (*Job, error)

	// CompareAndTransition atomically moves a job from one exact state to
	// another, stamping modified and applying the update. Returns
	// ErrStateConflict when the job is no longer in the expected state and
	// ErrJobNotFound when it does not exist. Legality of the pair is the
	// caller's concern; the store only guarantees atomicity.
	CompareAndTransition(ctx context.Context, id string, from, to JobState, update JobUpdate) (*Job, error)

	// Heartbeat refreshes a running job's heartbeat. No-op for any other
	// state: a terminal job is never resurrected.
	Heartbeat(ctx context.Context, id string) error

	// ReapNext atomically fails one running job whose heartbeat is older
	// than cutoff, marking it with ReasonHeartbeatTimeout. Returns (nil, nil)
	// when no stale job remains.
	ReapNext(ctx context.Context, cutoff time.Time) (*Job, error)

	// HasRetry reports whether any job names the given job as its previous
	// attempt.
	HasRetry(ctx context.Context, id string) (bool, error)

	// ListJobs returns jobs matching the filter, most recently modified
	// first.
	ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error)

	// JobStats aggregates queue statistics. maxAttempts bounds the
	// permafailed count.
	JobStats(ctx context.Context, maxAttempts int) (*QueueStats, error)

	// DispatchBatch flips the dispatched flag on every pending member of a
	// batch in one atomic step and returns how many became claimable.
	DispatchBatch(ctx context.Context, batchID string) (int64, error)

	// CreateGear registers a gear manifest, or ErrGearExists for a duplicate
	// (name, version).
	CreateGear(ctx context.Context, gear *Gear) error

	// GetGear returns a gear by name and version, or the most recently
	// registered version when version is VersionLatest. ErrGearNotFound
	// when absent.
	GetGear(ctx context.Context, name, version string) (*Gear, error)

	// ListGears returns all registered gears.
	ListGears(ctx context.Context) ([]*Gear, error)

	// CreateBatch persists a batch record.
	CreateBatch(ctx context.Context, batch *Batch) error

	// GetBatch returns a batch by id or ErrBatchNotFound.
	GetBatch(ctx context.Context, id string) (*Batch, error)

	// BatchJobs returns all member jobs of a batch in a single consistent
	// read, including retries that inherited the batch id.
	BatchJobs(ctx context.Context, batchID string) ([]*Job, error)

	// ReplaceCredential deletes any credential for the job and inserts the
	// given one, atomically.
	ReplaceCredential(ctx context.Context, cred *JobCredential) error

	// GetCredential returns a credential by key, or (nil, nil) when unknown.
	GetCredential(ctx context.Context, key string) (*JobCredential, error)

	// DeleteCredentialForJob removes the credential bound to a job, if any.
	DeleteCredentialForJob(ctx context.Context, jobID string) error
}

// Resolver is the engine's view of the external container hierarchy. The
// hierarchy itself lives elsewhere; this module only queries it.
type Resolver interface {
	// Resolve resolves a file reference to a concrete descriptor, or
	// (nil, nil) when no such file exists.
	Resolve(ctx context.Context, ref FileRef) (*FileInfo, error)

	// ExpandHierarchy returns the descendant acquisitions a container
	// implies: a project expands to all its sessions' acquisitions, a
	// session to its acquisitions, an acquisition to itself.
	ExpandHierarchy(ctx context.Context, ref ContainerRef) ([]ContainerRef, error)

	// ListFiles returns the files a container currently owns.
	ListFiles(ctx context.Context, ref ContainerRef) ([]FileInfo, error)
}
