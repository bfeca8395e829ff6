// Package gearqueue provides a job queue and batch orchestration engine for
// gear executions over research data containers.
//
// This is the main package users should import. It re-exports all public
// types from the pkg/ packages for a clean API surface.
//
// Basic usage:
//
//	// Create storage and queue
//	db, _ := gorm.Open(sqlite.Open("gearqueue.db"), &gorm.Config{})
//	store := gearqueue.NewGormStorage(db)
//	store.Migrate(context.Background())
//	registry := gearqueue.NewRegistry(store)
//	q := gearqueue.New(store, registry, resolver)
//
//	// Submit a job
//	job, _ := q.Enqueue(ctx, gearqueue.JobSpec{
//	    GearName: "dicom-classifier",
//	    Inputs:   gearqueue.InputMap{"dicom": fileRef},
//	})
//
//	// Poll for work
//	job, _ = q.ClaimNext(ctx, "dicom-classifier")
package gearqueue

import (
	"gorm.io/gorm"

	"github.com/mlattimore/gearqueue/pkg/apikeys"
	"github.com/mlattimore/gearqueue/pkg/batch"
	"github.com/mlattimore/gearqueue/pkg/core"
	"github.com/mlattimore/gearqueue/pkg/gears"
	"github.com/mlattimore/gearqueue/pkg/queue"
	"github.com/mlattimore/gearqueue/pkg/reaper"
	"github.com/mlattimore/gearqueue/pkg/storage"
)

type (
	// Job is one execution of a gear.
	Job = core.Job

	// JobState is the lifecycle state of a job.
	JobState = core.JobState

	// JobUpdate carries the extra mutation applied with a state transition.
	JobUpdate = core.JobUpdate

	// JobFilter selects jobs for listing and search.
	JobFilter = core.JobFilter

	// QueueStats summarizes the queue for operators.
	QueueStats = core.QueueStats

	// Origin records who or what created a job or batch.
	Origin = core.Origin

	// Gear is an executable algorithm manifest.
	Gear = core.Gear

	// GearInput declares one input slot of a gear.
	GearInput = core.GearInput

	// GearRef names a gear by name and version.
	GearRef = core.GearRef

	// InputKind distinguishes file slots from synthesized credential slots.
	InputKind = core.InputKind

	// Batch fans one gear out over a set of containers.
	Batch = core.Batch

	// BatchState is the state derived from a batch's member jobs.
	BatchState = core.BatchState

	// ContainerRef points at a container in the external hierarchy.
	ContainerRef = core.ContainerRef

	// ContainerType is the level of a container in the hierarchy.
	ContainerType = core.ContainerType

	// FileRef points at a named file on a container.
	FileRef = core.FileRef

	// FileInfo describes a resolved file.
	FileInfo = core.FileInfo

	// InputMap binds input slot names to file references.
	InputMap = core.InputMap

	// ConfigMap holds gear configuration values.
	ConfigMap = core.ConfigMap

	// JobCredential is a job-scoped API key.
	JobCredential = core.JobCredential

	// Storage defines the persistence layer.
	Storage = core.Storage

	// Resolver is the engine's view of the external container hierarchy.
	Resolver = core.Resolver

	// InvalidStateError reports an illegal state transition.
	InvalidStateError = core.InvalidStateError

	// UnresolvedInputError reports a file input that could not be resolved.
	UnresolvedInputError = core.UnresolvedInputError

	// Queue validates, schedules and transitions jobs.
	Queue = queue.Queue

	// JobSpec is a job submission.
	JobSpec = queue.JobSpec

	// Option configures a Queue.
	Option = queue.Option

	// Registry validates and stores gear manifests.
	Registry = gears.Registry

	// Orchestrator creates, dispatches and cancels batches.
	Orchestrator = batch.Orchestrator

	// BatchSpec is a batch proposal.
	BatchSpec = batch.Spec

	// KeyManager issues and validates job-scoped credentials.
	KeyManager = apikeys.Manager

	// Reaper fails jobs whose heartbeat has gone stale.
	Reaper = reaper.Reaper

	// GormStorage implements Storage using GORM.
	GormStorage = storage.GormStorage

	// MemoryStorage implements Storage in process memory.
	MemoryStorage = storage.MemoryStorage
)

// Container type constants
const (
	TypeGroup       = core.TypeGroup
	TypeProject     = core.TypeProject
	TypeSession     = core.TypeSession
	TypeAcquisition = core.TypeAcquisition
	TypeAnalysis    = core.TypeAnalysis
	TypeCollection  = core.TypeCollection
)

// Job state constants
const (
	StatePending  = core.StatePending
	StateRunning  = core.StateRunning
	StateFailed   = core.StateFailed
	StateComplete = core.StateComplete
)

// Batch state constants
const (
	BatchPending   = core.BatchPending
	BatchRunning   = core.BatchRunning
	BatchFailed    = core.BatchFailed
	BatchComplete  = core.BatchComplete
	BatchCancelled = core.BatchCancelled
)

// Failure reason markers
const (
	ReasonHeartbeatTimeout = core.ReasonHeartbeatTimeout
	ReasonBatchCancelled   = core.ReasonBatchCancelled
)

// Defaults
const (
	DefaultMaxAttempts      = queue.DefaultMaxAttempts
	DefaultHeartbeatTimeout = reaper.DefaultHeartbeatTimeout
)

// Error variables
var (
	ErrInvalidJobSpec    = core.ErrInvalidJobSpec
	ErrInvalidGear       = core.ErrInvalidGear
	ErrInvalidConfig     = core.ErrInvalidConfig
	ErrUnknownTag        = core.ErrUnknownTag
	ErrMixedTargetTypes  = core.ErrMixedTargetTypes
	ErrEmptyBatch        = core.ErrEmptyBatch
	ErrInvalidBatchState = core.ErrInvalidBatchState
	ErrAlreadyRetried    = core.ErrAlreadyRetried
	ErrJobNotFound       = core.ErrJobNotFound
	ErrGearNotFound      = core.ErrGearNotFound
	ErrBatchNotFound     = core.ErrBatchNotFound
	ErrGearExists        = core.ErrGearExists
	ErrStateConflict     = core.ErrStateConflict
	ErrInvalidCredential = core.ErrInvalidCredential
)

// New creates a Queue over the given storage, registry and resolver.
func New(store Storage, registry *Registry, resolver Resolver, opts ...Option) *Queue {
	return queue.New(store, registry, resolver, opts...)
}

// NewGormStorage creates a GORM-backed storage.
func NewGormStorage(db *gorm.DB) *GormStorage {
	return storage.NewGormStorage(db)
}

// NewMemoryStorage creates an in-memory storage, useful for tests.
func NewMemoryStorage() *MemoryStorage {
	return storage.NewMemoryStorage()
}

// NewRegistry creates a gear registry over the given storage.
func NewRegistry(store Storage) *Registry {
	return gears.NewRegistry(store)
}

// NewOrchestrator creates a batch orchestrator over the given queue.
func NewOrchestrator(q *Queue) *Orchestrator {
	return batch.NewOrchestrator(q, nil)
}

// NewReaper creates a heartbeat reaper over the given queue.
func NewReaper(q *Queue, opts ...reaper.Option) *Reaper {
	return reaper.New(q, opts...)
}

// ValidTransition reports whether a job may move between the two states.
func ValidTransition(from, to JobState) bool {
	return core.ValidTransition(from, to)
}
