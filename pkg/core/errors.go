package core

import (
	"errors"
	"fmt"
)

// Client errors: the request itself was bad. Never retried by the engine.
var (
	ErrInvalidJobSpec    = errors.New("gearqueue: invalid job spec")
	ErrInvalidGear       = errors.New("gearqueue: invalid gear manifest")
	ErrInvalidConfig     = errors.New("gearqueue: config does not satisfy gear schema")
	ErrUnknownTag        = errors.New("gearqueue: no job carries any of the requested tags")
	ErrMixedTargetTypes  = errors.New("gearqueue: batch targets must share a single container type")
	ErrEmptyBatch        = errors.New("gearqueue: batch expansion produced no runnable jobs")
	ErrInvalidBatchState = errors.New("gearqueue: batch is not in a state that allows this operation")
	ErrAlreadyRetried    = errors.New("gearqueue: job already has a retry")
)

// Not-found errors.
var (
	ErrJobNotFound   = errors.New("gearqueue: job not found")
	ErrGearNotFound  = errors.New("gearqueue: gear not found")
	ErrBatchNotFound = errors.New("gearqueue: batch not found")
)

// Conflict errors: the caller lost a race and may retry the whole operation.
var (
	ErrGearExists    = errors.New("gearqueue: gear name and version already registered")
	ErrStateConflict = errors.New("gearqueue: job changed state concurrently")
)

// ErrInvalidCredential covers every way a job credential can stop being
// acceptable: unknown key, missing job, or the job no longer running.
var ErrInvalidCredential = errors.New("gearqueue: credential requires its job to be running")

// InvalidStateError reports a transition request outside the legal table.
type InvalidStateError struct {
	From JobState
	To   JobState
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("gearqueue: transition %s -> %s not allowed", e.From, e.To)
}

// UnresolvedInputError reports a file input that could not be resolved
// against the container hierarchy at job-creation time.
type UnresolvedInputError struct {
	Slot string
	Ref  FileRef
	Err  error
}

func (e *UnresolvedInputError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gearqueue: input %q (%s) could not be resolved: %v", e.Slot, e.Ref, e.Err)
	}
	return fmt.Sprintf("gearqueue: input %q (%s) does not exist", e.Slot, e.Ref)
}

func (e *UnresolvedInputError) Unwrap() error {
	return e.Err
}

// InvariantError reports an impossible state combination found in the store.
// It indicates a consistency bug and is never swallowed.
type InvariantError struct {
	Msg string
}

func (e *InvariantError) Error() string {
	return "gearqueue: invariant violated: " + e.Msg
}

// Invariant builds an InvariantError.
func Invariant(format string, args ...any) error {
	return &InvariantError{Msg: fmt.Sprintf(format, args...)}
}

// IsClientError reports whether the error belongs to the client taxonomy:
// bad specs, unresolved inputs, unknown tags, illegal transitions, mixed or
// empty batches. Callers use this to map errors to 4xx responses.
func IsClientError(err error) bool {
	var ise *InvalidStateError
	var uie *UnresolvedInputError
	switch {
	case errors.As(err, &ise), errors.As(err, &uie):
		return true
	}
	for _, sentinel := range []error{
		ErrInvalidJobSpec, ErrInvalidGear, ErrInvalidConfig, ErrUnknownTag,
		ErrMixedTargetTypes, ErrEmptyBatch, ErrInvalidBatchState, ErrAlreadyRetried,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

// IsConflict reports whether the caller lost a race and may retry.
func IsConflict(err error) bool {
	return errors.Is(err, ErrGearExists) || errors.Is(err, ErrStateConflict)
}

// IsNotFound reports whether the error names a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrJobNotFound) || errors.Is(err, ErrGearNotFound) || errors.Is(err, ErrBatchNotFound)
}
