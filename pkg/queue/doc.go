// Package queue provides the Queue type layered over the job store.
//
// This package includes:
//   - Queue: enqueue validation, the atomic claim protocol, heartbeats,
//     legal state transitions, and capped retry
//   - JobSpec: the validated shape of a job submission
//   - InferDestination: the explicit destination-derivation rule
//
// Most users should import the root package github.com/mlattimore/gearqueue
// which re-exports Queue and its option functions.
package queue
