package gears_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlattimore/gearqueue/pkg/core"
	"github.com/mlattimore/gearqueue/pkg/gears"
	"github.com/mlattimore/gearqueue/pkg/storage"
)

func validGear() *core.Gear {
	return &core.Gear{
		Name:    "dcm-convert",
		Version: "1.0.0",
		Inputs: map[string]core.GearInput{
			"dicom": {Kind: core.KindFile, NamePattern: "*.dcm"},
			"key":   {Kind: core.KindCredential},
		},
	}
}

func TestValidateManifest(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*core.Gear)
		wantOK bool
	}{
		{"valid", func(g *core.Gear) {}, true},
		{"missing name", func(g *core.Gear) { g.Name = "" }, false},
		{"missing version", func(g *core.Gear) { g.Version = "" }, false},
		{"unknown input kind", func(g *core.Gear) {
			g.Inputs["bad"] = core.GearInput{Kind: "socket"}
		}, false},
		{"credential with name pattern", func(g *core.Gear) {
			g.Inputs["key"] = core.GearInput{Kind: core.KindCredential, NamePattern: "*.pem"}
		}, false},
		{"negative size limit", func(g *core.Gear) {
			g.Inputs["dicom"] = core.GearInput{Kind: core.KindFile, MaxSize: -1}
		}, false},
		{"malformed name pattern", func(g *core.Gear) {
			g.Inputs["dicom"] = core.GearInput{Kind: core.KindFile, NamePattern: "[unclosed"}
		}, false},
		{"uncompilable schema", func(g *core.Gear) {
			g.ConfigSchema = json.RawMessage(`{"type": 42}`)
		}, false},
		{"valid schema", func(g *core.Gear) {
			g.ConfigSchema = json.RawMessage(`{"type":"object"}`)
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gear := validGear()
			tt.mutate(gear)
			err := gears.ValidateManifest(gear)
			if tt.wantOK {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, core.ErrInvalidGear)
			}
		})
	}
}

func TestRegistry_RegisterRejectsDuplicates(t *testing.T) {
	registry := gears.NewRegistry(storage.NewMemoryStorage())
	ctx := context.Background()

	require.NoError(t, registry.Register(ctx, validGear()))
	err := registry.Register(ctx, validGear())
	assert.ErrorIs(t, err, core.ErrGearExists)
}

func TestRegistry_GetEmptyVersionSelectsLatest(t *testing.T) {
	registry := gears.NewRegistry(storage.NewMemoryStorage())
	ctx := context.Background()

	first := validGear()
	require.NoError(t, registry.Register(ctx, first))
	second := validGear()
	second.Version = "2.0.0"
	second.Created = first.Created.Add(1)
	require.NoError(t, registry.Register(ctx, second))

	got, err := registry.Get(ctx, "dcm-convert", "")
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", got.Version)

	_, err = registry.Get(ctx, "", "1.0.0")
	assert.ErrorIs(t, err, core.ErrInvalidGear)
}

func TestValidateConfig(t *testing.T) {
	gear := validGear()
	gear.ConfigSchema = json.RawMessage(`{
		"type": "object",
		"properties": {"threshold": {"type": "number", "minimum": 0}},
		"required": ["threshold"]
	}`)
	require.NoError(t, gears.ValidateManifest(gear))

	assert.NoError(t, gears.ValidateConfig(gear, core.ConfigMap{"threshold": 0.5}))

	err := gears.ValidateConfig(gear, core.ConfigMap{"threshold": -1})
	assert.ErrorIs(t, err, core.ErrInvalidConfig)

	err = gears.ValidateConfig(gear, core.ConfigMap{})
	assert.ErrorIs(t, err, core.ErrInvalidConfig)

	// No schema accepts anything.
	free := validGear()
	assert.NoError(t, gears.ValidateConfig(free, core.ConfigMap{"anything": true}))
	assert.NoError(t, gears.ValidateConfig(free, nil))
}

func TestInputAccepts(t *testing.T) {
	file := core.FileInfo{Name: "scan.dcm", Size: 2048}

	assert.True(t, gears.InputAccepts(core.GearInput{Kind: core.KindFile}, file))
	assert.True(t, gears.InputAccepts(core.GearInput{Kind: core.KindFile, NamePattern: "*.dcm"}, file))
	assert.False(t, gears.InputAccepts(core.GearInput{Kind: core.KindFile, NamePattern: "*.nii"}, file))
	assert.False(t, gears.InputAccepts(core.GearInput{Kind: core.KindFile, MaxSize: 1024}, file))
	assert.True(t, gears.InputAccepts(core.GearInput{Kind: core.KindFile, MaxSize: 4096}, file))
	assert.False(t, gears.InputAccepts(core.GearInput{Kind: core.KindCredential}, file))
}

func TestSuggestInputs(t *testing.T) {
	gear := &core.Gear{
		Name:    "nifti-pipeline",
		Version: "1.0.0",
		Inputs: map[string]core.GearInput{
			"dicom": {Kind: core.KindFile, NamePattern: "*.dcm"},
			"bvec":  {Kind: core.KindFile, NamePattern: "*.bvec"},
			"key":   {Kind: core.KindCredential},
		},
	}
	files := []core.FileInfo{
		{Name: "scan1.dcm", Size: 100},
		{Name: "scan2.dcm", Size: 100},
		{Name: "gradients.bvec", Size: 10},
	}

	suggestions := gears.SuggestInputs(gear, files)
	assert.Len(t, suggestions, 2)
	assert.Len(t, suggestions["dicom"], 2)
	assert.Len(t, suggestions["bvec"], 1)
	_, hasCredential := suggestions["key"]
	assert.False(t, hasCredential)
}
