package queue

import (
	"fmt"
	"sort"

	"github.com/mlattimore/gearqueue/pkg/core"
)

// JobSpec is a proposed job submission, validated and resolved by Enqueue.
type JobSpec struct {
	GearName    string             `json:"gear_name"`
	GearVersion string             `json:"gear_version,omitempty"` // empty selects latest
	Inputs      core.InputMap      `json:"inputs"`
	Config      core.ConfigMap     `json:"config,omitempty"`
	Destination *core.ContainerRef `json:"destination,omitempty"`
	Tags        []string           `json:"tags,omitempty"`
	Now         bool               `json:"now,omitempty"`
	Origin      core.Origin        `json:"origin"`
}

// InferDestination derives the output destination from a job's inputs: the
// sole file input's container when exactly one input exists. Anything else
// must name a destination explicitly.
func InferDestination(inputs core.InputMap) (core.ContainerRef, error) {
	if len(inputs) != 1 {
		return core.ContainerRef{}, fmt.Errorf(
			"%w: destination cannot be inferred from %d inputs", core.ErrInvalidJobSpec, len(inputs))
	}
	for _, ref := range inputs {
		return ref.Container(), nil
	}
	panic("unreachable")
}

// normalizeTags appends the gear name, deduplicates and sorts. A job always
// carries its gear's name as a tag.
func normalizeTags(tags []string, gearName string) []string {
	seen := make(map[string]bool, len(tags)+1)
	out := make([]string, 0, len(tags)+1)
	for _, t := range append(append([]string(nil), tags...), gearName) {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
