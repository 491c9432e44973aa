// SPDX-License-Identifier: MPL-2.0

package discovery

type (
	// Feature is one loaded file.
	Feature struct {
		// Name is the feature as it was referenced, relative to the load-path
		// entry it was found in (e.g. "json/common.rb"). It is the absolute
		// path when the file was not reached through the load path.
		Name string
		// Path is the resolved absolute path.
		Path string
	}

	// FeatureSet is an insertion-ordered set of features keyed by resolved
	// path. The first Add for a path wins.
	FeatureSet struct {
		order []Feature
		index map[string]int
	}
)

// NewFeatureSet creates an empty FeatureSet.
func NewFeatureSet() *FeatureSet {
	return &FeatureSet{index: make(map[string]int)}
}

// Add appends f unless a feature with the same Path was already added.
// It reports whether f was added.
func (s *FeatureSet) Add(f Feature) bool {
	if _, ok := s.index[f.Path]; ok {
		return false
	}
	s.index[f.Path] = len(s.order)
	s.order = append(s.order, f)
	return true
}

// Contains reports whether a feature with the given resolved path is present.
func (s *FeatureSet) Contains(path string) bool {
	_, ok := s.index[path]
	return ok
}

// Len returns the number of features.
func (s *FeatureSet) Len() int { return len(s.order) }

// Features returns a copy of the features in insertion order.
func (s *FeatureSet) Features() []Feature {
	out := make([]Feature, len(s.order))
	copy(out, s.order)
	return out
}
