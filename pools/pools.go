package pools

import (
	"strings"
	"sync"
)

// GlobalPools provides centralized memory pooling for the hot aggregation paths
type GlobalPools struct {
	KeyBuilders  sync.Pool
	IndexSlices  sync.Pool
	StringCounts sync.Pool
}

// Pools is the global instance of memory pools
var Pools = &GlobalPools{
	KeyBuilders: sync.Pool{
		New: func() interface{} {
			builder := &strings.Builder{}
			builder.Grow(48)
			return builder
		},
	},
	IndexSlices: sync.Pool{
		New: func() interface{} {
			slice := make([]int, 0, 1024)
			return &slice
		},
	},
	StringCounts: sync.Pool{
		New: func() interface{} {
			return make(map[string]int, 256)
		},
	},
}

// GetKeyBuilder gets a string builder from the pool and resets it
func (gp *GlobalPools) GetKeyBuilder() *strings.Builder {
	builder := gp.KeyBuilders.Get().(*strings.Builder)
	builder.Reset()
	return builder
}

// ReturnKeyBuilder returns a string builder to the pool
func (gp *GlobalPools) ReturnKeyBuilder(builder *strings.Builder) {
	gp.KeyBuilders.Put(builder)
}

// GetIndexSlice gets an index slice from the pool and resets it
func (gp *GlobalPools) GetIndexSlice() []int {
	slicePtr := gp.IndexSlices.Get().(*[]int)
	*slicePtr = (*slicePtr)[:0]
	return *slicePtr
}

// ReturnIndexSlice returns an index slice to the pool
func (gp *GlobalPools) ReturnIndexSlice(slice []int) {
	if cap(slice) < 1<<16 { // Prevent memory bloat
		emptySlice := slice[:0]
		gp.IndexSlices.Put(&emptySlice)
	}
}

// GetStringCounts gets a counting map from the pool and clears it
func (gp *GlobalPools) GetStringCounts() map[string]int {
	m := gp.StringCounts.Get().(map[string]int)
	clear(m)
	return m
}

// ReturnStringCounts returns a counting map to the pool
func (gp *GlobalPools) ReturnStringCounts(m map[string]int) {
	if len(m) < 4096 {
		gp.StringCounts.Put(m)
	}
}

// Reset clears all pools (useful for testing)
func (gp *GlobalPools) Reset() {
	gp.KeyBuilders = sync.Pool{New: gp.KeyBuilders.New}
	gp.IndexSlices = sync.Pool{New: gp.IndexSlices.New}
	gp.StringCounts = sync.Pool{New: gp.StringCounts.New}
}
