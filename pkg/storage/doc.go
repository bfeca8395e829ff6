// Package storage provides storage implementations for the gearqueue engine.
//
// This package includes:
//   - GormStorage: a GORM-based implementation backed by SQLite or any
//     database GORM supports with conditional-update semantics
//   - MemoryStorage: a mutex-guarded in-memory implementation of the same
//     atomic-claim contract, intended for tests and embedding
//
// The Storage interface is defined in pkg/core. Both implementations honor
// the same atomicity guarantees for claiming and state transitions.
package storage
