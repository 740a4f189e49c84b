package capture

import (
	"fmt"

	"github.com/gobwas/glob"
)

// StoreFilter selects which stores are captured using glob patterns.
// An empty pattern list captures every store.
type StoreFilter struct {
	globs []glob.Glob
}

// NewStoreFilter compiles the patterns
func NewStoreFilter(patterns []string) (*StoreFilter, error) {
	filter := &StoreFilter{globs: make([]glob.Glob, 0, len(patterns))}
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid store pattern %q: %w", pattern, err)
		}
		filter.globs = append(filter.globs, g)
	}
	return filter, nil
}

// Match reports whether mutations of store are captured
func (f *StoreFilter) Match(store string) bool {
	if f == nil || len(f.globs) == 0 {
		return true
	}
	for _, g := range f.globs {
		if g.Match(store) {
			return true
		}
	}
	return false
}
