package core

import (
	"encoding/json"
	"time"
)

// InputKind is the base kind of a declared gear input slot.
type InputKind string

const (
	// KindFile inputs resolve to a concrete file at job-creation time.
	KindFile InputKind = "file"

	// KindCredential inputs are synthesized at claim time by the job-scoped
	// credential manager; they are never resolved against storage.
	KindCredential InputKind = "credential"
)

// Valid reports whether the kind is one of the known base kinds.
func (k InputKind) Valid() bool {
	return k == KindFile || k == KindCredential
}

// GearInput declares one input slot of a gear manifest.
type GearInput struct {
	Kind InputKind `json:"kind"`

	// NamePattern is a doublestar glob the input filename must match.
	// Empty accepts any name. Only meaningful for file inputs.
	NamePattern string `json:"name_pattern,omitempty"`

	// MaxSize caps the resolved file size in bytes. Zero means unlimited.
	MaxSize int64 `json:"max_size,omitempty"`

	Optional bool `json:"optional,omitempty"`
}

// GearOutput describes a declared output. Informational only: the engine
// does not enforce anything about produced outputs.
type GearOutput struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// GearRef names a gear by (name, version). Version may be VersionLatest
// when looking a gear up, never on a stored job.
type GearRef struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// VersionLatest selects the most recently registered version of a gear.
const VersionLatest = "latest"

func (r GearRef) String() string {
	return r.Name + ":" + r.Version
}

// Gear is an immutable, versioned manifest describing a runnable analysis
// program. Registration is append-only: a (name, version) pair can never be
// re-registered.
type Gear struct {
	ID      string `gorm:"primaryKey;size:36" json:"id"`
	Name    string `gorm:"index:idx_gear_name_version,unique;size:255;not null" json:"name"`
	Version string `gorm:"index:idx_gear_name_version,unique;size:64;not null" json:"version"`

	Inputs  map[string]GearInput `gorm:"serializer:json" json:"inputs"`
	Outputs []GearOutput         `gorm:"serializer:json" json:"outputs,omitempty"`

	// ConfigSchema is an optional JSON Schema document that job configs are
	// validated against. Empty accepts any config.
	ConfigSchema json.RawMessage `gorm:"serializer:json" json:"config_schema,omitempty"`

	// Deprecated gears are kept for history but reject new jobs.
	Deprecated bool `gorm:"default:false" json:"deprecated,omitempty"`

	Created time.Time `gorm:"autoCreateTime" json:"created"`
}

// Ref returns the gear's identity reference.
func (g *Gear) Ref() GearRef {
	return GearRef{Name: g.Name, Version: g.Version}
}

// RequiredInputs returns the slot names of non-optional file inputs.
func (g *Gear) RequiredInputs() []string {
	var slots []string
	for name, in := range g.Inputs {
		if in.Kind == KindFile && !in.Optional {
			slots = append(slots, name)
		}
	}
	return slots
}
