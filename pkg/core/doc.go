// Package core provides the fundamental types and interfaces for gearqueue.
//
// This package contains:
//   - Job, Gear, Batch and JobCredential data models with GORM annotations
//   - The legal job state transition table
//   - Storage interface defining the persistence contract
//   - Resolver interface for the external container hierarchy
//   - Error types shared across the engine
//
// Most users should import the root package github.com/mlattimore/gearqueue
// instead of this package directly.
package core
