package gears

import (
	"github.com/bmatcuk/doublestar/v4"

	"github.com/mlattimore/gearqueue/pkg/core"
)

// InputAccepts reports whether a file satisfies an input slot's name pattern
// and size limit. Credential inputs never accept files.
func InputAccepts(in core.GearInput, file core.FileInfo) bool {
	if in.Kind != core.KindFile {
		return false
	}
	if in.MaxSize > 0 && file.Size > in.MaxSize {
		return false
	}
	if in.NamePattern == "" {
		return true
	}
	ok, err := doublestar.Match(in.NamePattern, file.Name)
	return err == nil && ok
}

// SuggestInputs maps every file-kind input slot of a gear to the candidate
// files that satisfy it. Slots with exactly one candidate are unambiguous;
// zero candidates means the container cannot feed this gear.
func SuggestInputs(gear *core.Gear, files []core.FileInfo) map[string][]core.FileInfo {
	suggestions := make(map[string][]core.FileInfo)
	for slot, in := range gear.Inputs {
		if in.Kind != core.KindFile {
			continue
		}
		var candidates []core.FileInfo
		for _, f := range files {
			if InputAccepts(in, f) {
				candidates = append(candidates, f)
			}
		}
		suggestions[slot] = candidates
	}
	return suggestions
}
