package filter

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

// AliasFilter remembers every alias this process has seen in use.
// A negative Test means the alias was never allocated; a positive one must be
// confirmed against the store, since retired aliases cannot be removed.
type AliasFilter struct {
	mu     sync.RWMutex
	filter *bloom.BloomFilter
}

// NewAliasFilter creates a filter sized for capacity aliases at fpRate
func NewAliasFilter(capacity uint, fpRate float64) *AliasFilter {
	return &AliasFilter{
		filter: bloom.NewWithEstimates(capacity, fpRate),
	}
}

// Add records an alias
func (f *AliasFilter) Add(alias string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filter.AddString(alias)
}

// Test reports whether alias may be in use
func (f *AliasFilter) Test(alias string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.filter.TestString(alias)
}

// Load replaces the filter contents with aliases
func (f *AliasFilter) Load(aliases []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filter.ClearAll()
	for _, alias := range aliases {
		f.filter.AddString(alias)
	}
}
