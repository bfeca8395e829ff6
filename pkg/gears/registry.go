package gears

import (
	"bytes"
	"context"
	"fmt"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/mlattimore/gearqueue/pkg/core"
)

// Registry stores immutable, versioned gear manifests.
type Registry struct {
	store core.Storage
}

// NewRegistry creates a registry over the given storage.
func NewRegistry(store core.Storage) *Registry {
	return &Registry{store: store}
}

// Register validates and persists a gear manifest. Re-registering an
// existing (name, version) pair fails with core.ErrGearExists.
func (r *Registry) Register(ctx context.Context, gear *core.Gear) error {
	if err := ValidateManifest(gear); err != nil {
		return err
	}
	return r.store.CreateGear(ctx, gear)
}

// Get returns a gear by name and version. Version core.VersionLatest selects
// the most recently registered version.
func (r *Registry) Get(ctx context.Context, name, version string) (*core.Gear, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: gear name required", core.ErrInvalidGear)
	}
	if version == "" {
		version = core.VersionLatest
	}
	return r.store.GetGear(ctx, name, version)
}

// List returns all registered gears.
func (r *Registry) List(ctx context.Context) ([]*core.Gear, error) {
	return r.store.ListGears(ctx)
}

// ValidateManifest checks a gear manifest for structural problems: missing
// identity, unknown input kinds, malformed name patterns or size limits, and
// an uncompilable config schema.
func ValidateManifest(gear *core.Gear) error {
	if gear.Name == "" {
		return fmt.Errorf("%w: missing name", core.ErrInvalidGear)
	}
	if gear.Version == "" {
		return fmt.Errorf("%w: missing version", core.ErrInvalidGear)
	}
	for slot, in := range gear.Inputs {
		if slot == "" {
			return fmt.Errorf("%w: input slot with empty name", core.ErrInvalidGear)
		}
		if !in.Kind.Valid() {
			return fmt.Errorf("%w: input %q has unknown kind %q", core.ErrInvalidGear, slot, in.Kind)
		}
		if in.Kind == core.KindCredential && (in.NamePattern != "" || in.MaxSize != 0) {
			return fmt.Errorf("%w: credential input %q cannot constrain name or size", core.ErrInvalidGear, slot)
		}
		if in.MaxSize < 0 {
			return fmt.Errorf("%w: input %q has negative size limit", core.ErrInvalidGear, slot)
		}
		if in.NamePattern != "" && !doublestar.ValidatePattern(in.NamePattern) {
			return fmt.Errorf("%w: input %q has malformed name pattern %q", core.ErrInvalidGear, slot, in.NamePattern)
		}
	}
	if len(gear.ConfigSchema) > 0 {
		if _, err := compileSchema(gear); err != nil {
			return fmt.Errorf("%w: config schema does not compile: %v", core.ErrInvalidGear, err)
		}
	}
	return nil
}

// ValidateConfig validates a job config against the gear's config schema.
// Gears without a schema accept any config.
func ValidateConfig(gear *core.Gear, config core.ConfigMap) error {
	if len(gear.ConfigSchema) == 0 {
		return nil
	}
	schema, err := compileSchema(gear)
	if err != nil {
		// Registration validated the schema; a compile failure here means
		// the stored manifest was corrupted.
		return core.Invariant("gear %s carries an uncompilable config schema: %v", gear.Ref(), err)
	}
	doc := map[string]any(config)
	if doc == nil {
		doc = map[string]any{}
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", core.ErrInvalidConfig, err)
	}
	return nil
}

func compileSchema(gear *core.Gear) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	url := "gear://" + gear.Name + "/" + gear.Version + "/config.json"
	if err := compiler.AddResource(url, bytes.NewReader(gear.ConfigSchema)); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}
