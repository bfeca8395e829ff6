// Package gears provides the gear registry: validation and append-only
// registration of versioned gear manifests, gear config validation against
// an optional JSON Schema, and input-slot matching used by job creation and
// batch expansion.
package gears
