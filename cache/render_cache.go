package cache

import (
	"sync"

	"github.com/timearcs/timearcs/binning"
	"github.com/timearcs/timearcs/ingestor"
)

// Layer selects one of the two cached aggregation results
type Layer int

const (
	// LayerFull holds the aggregation of the whole extent without flow filter
	LayerFull Layer = iota
	// LayerDynamic holds the aggregation of the current zoomed or filtered view
	LayerDynamic
)

func (l Layer) String() string {
	if l == LayerFull {
		return "full"
	}
	return "dynamic"
}

// Domain is a half open time range [Start, End) plus the pixel width it was
// computed for.
type Domain struct {
	Start      int64
	End        int64
	PixelWidth int
}

// Entry is one cached aggregation result
type Entry struct {
	Version     uint64
	Domain      Domain
	BucketWidth int64
	Reason      string // why aggregation was suppressed, if it was
	Aggregates  []binning.Aggregate
	Sorted      bool
}

// RenderCache holds the full domain and dynamic aggregation layers, both
// guarded by one data version counter. An entry is only handed out while
// its version equals the current version and its domain matches the query.
type RenderCache struct {
	version uint64
	layers  [2]*Entry

	hits   uint64
	misses uint64

	mu sync.RWMutex
}

// New creates an empty cache at version 1
func New() *RenderCache {
	return &RenderCache{version: 1}
}

// Version returns the current data version
func (rc *RenderCache) Version() uint64 {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.version
}

// Invalidate bumps the data version and drops both layers, including their
// sorted flags. It returns the new version.
func (rc *RenderCache) Invalidate() uint64 {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	rc.version++
	rc.layers[LayerFull] = nil
	rc.layers[LayerDynamic] = nil
	return rc.version
}

// Lookup returns a copy of the layer's entry when it is valid for domain.
func (rc *RenderCache) Lookup(layer Layer, domain Domain) (Entry, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	e := rc.layers[layer]
	if e == nil || e.Version != rc.version || e.Domain != domain {
		rc.misses++
		return Entry{}, false
	}
	rc.hits++
	return copyEntry(e), true
}

// Store saves entry into layer. An entry computed for an older version is
// discarded and Store reports false.
func (rc *RenderCache) Store(layer Layer, entry Entry) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if entry.Version != rc.version {
		return false
	}
	stored := copyEntry(&entry)
	rc.layers[layer] = &stored
	return true
}

// SortOnce sorts the layer's aggregates for display unless that already
// happened for this entry. It reports whether a sort was performed.
func (rc *RenderCache) SortOnce(layer Layer, version uint64, freq map[ingestor.Category]int) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	e := rc.layers[layer]
	if e == nil || e.Version != version || version != rc.version || e.Sorted {
		return false
	}
	binning.SortForDisplay(e.Aggregates, freq)
	e.Sorted = true
	return true
}

// Update lets fn annotate the layer's aggregates in place. Nothing happens
// when the layer is empty or version is stale.
func (rc *RenderCache) Update(layer Layer, version uint64, fn func(aggs []binning.Aggregate)) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	e := rc.layers[layer]
	if e == nil || e.Version != version || version != rc.version {
		return false
	}
	fn(e.Aggregates)
	return true
}

// Holds reports whether layer currently caches the entry computed for
// version and domain.
func (rc *RenderCache) Holds(layer Layer, version uint64, domain Domain) bool {
	rc.mu.RLock()
	defer rc.mu.RUnlock()

	e := rc.layers[layer]
	return e != nil && e.Version == version && version == rc.version && e.Domain == domain
}

// Snapshot returns a copy of the layer's entry if it carries the current
// version.
func (rc *RenderCache) Snapshot(layer Layer) (Entry, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()

	e := rc.layers[layer]
	if e == nil || e.Version != rc.version {
		return Entry{}, false
	}
	return copyEntry(e), true
}

// Stats returns lookup hit and miss counts
func (rc *RenderCache) Stats() (hits, misses uint64) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.hits, rc.misses
}

func copyEntry(e *Entry) Entry {
	c := *e
	c.Aggregates = binning.Clone(e.Aggregates)
	return c
}
