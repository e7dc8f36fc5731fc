package player

import (
	"sort"

	"github.com/tanq16/hlsplay/internal/source"
)

// SelectBest picks the highest-bandwidth source that does not exceed target,
// falling back to the lowest. Sources without a declared bandwidth are not
// ranked; they are only chosen when no source declares one.
func SelectBest(sources []*source.Source, target int) *source.Source {
	ranked := make([]*source.Source, 0, len(sources))
	for _, s := range sources {
		if s.HasBandwidth() {
			ranked = append(ranked, s)
		}
	}
	if len(ranked) == 0 {
		if len(sources) == 0 {
			return nil
		}
		return sources[0]
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Bandwidth != ranked[j].Bandwidth {
			return ranked[i].Bandwidth > ranked[j].Bandwidth
		}
		return ranked[i].VariantIndex < ranked[j].VariantIndex
	})
	for _, s := range ranked {
		if s.Bandwidth <= target {
			return s
		}
	}
	return ranked[len(ranked)-1]
}

// SelectFirst returns the source listed first in the master playlist.
func SelectFirst(sources []*source.Source) *source.Source {
	var first *source.Source
	for _, s := range sources {
		if first == nil || s.VariantIndex < first.VariantIndex {
			first = s
		}
	}
	return first
}
