package density

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/alphadose/haxmap"

	"github.com/timearcs/timearcs/flowkey"
	"github.com/timearcs/timearcs/ingestor"
)

// SparsePairMax is the largest event count for which an endpoint pair is
// considered sparse.
const SparsePairMax = 3

// parallelThreshold is the event count below which counting stays on one goroutine
const parallelThreshold = 50_000

// PairCounter counts events per direction independent endpoint pair.
// It is safe for concurrent use.
type PairCounter struct {
	counts *haxmap.Map[uint64, *atomic.Int64] // pair packed or hashed by flowkey.PairHash
}

func NewPairCounter(sizeHint int) *PairCounter {
	if sizeHint < 64 {
		sizeHint = 64
	}
	return &PairCounter{
		counts: haxmap.New[uint64, *atomic.Int64](uintptr(sizeHint)),
	}
}

// Add records one event between a and b.
func (pc *PairCounter) Add(a, b string) {
	key := flowkey.PairHash(a, b)
	counter, ok := pc.counts.Get(key)
	if !ok {
		counter, _ = pc.counts.GetOrSet(key, new(atomic.Int64))
	}
	counter.Add(1)
}

// Count returns the number of events recorded between a and b.
func (pc *PairCounter) Count(a, b string) int64 {
	if counter, ok := pc.counts.Get(flowkey.PairHash(a, b)); ok {
		return counter.Load()
	}
	return 0
}

// Pairs returns the number of distinct endpoint pairs.
func (pc *PairCounter) Pairs() int {
	return int(pc.counts.Len())
}

// SparseFraction is the share of pairs with at most max events. An empty
// counter has no sparse pairs.
func (pc *PairCounter) SparseFraction(max int64) float64 {
	var total, sparse int
	pc.counts.ForEach(func(_ uint64, c *atomic.Int64) bool {
		total++
		if c.Load() <= max {
			sparse++
		}
		return true
	})
	if total == 0 {
		return 0
	}
	return float64(sparse) / float64(total)
}

// CountPairs counts the events at the given indices. Large inputs are split
// into chunks counted by parallel workers.
func CountPairs(events []ingestor.Event, indices []int) *PairCounter {
	pc := NewPairCounter(len(indices) / 4)
	n := len(indices)
	if n < parallelThreshold {
		for _, i := range indices {
			pc.Add(events[i].Src, events[i].Dst)
		}
		return pc
	}

	workers := runtime.NumCPU()
	if workers > 8 {
		workers = 8
	}
	chunk := (n + workers - 1) / workers

	var wg sync.WaitGroup
	for start := 0; start < n; start += chunk {
		end := start + chunk
		if end > n {
			end = n
		}
		wg.Add(1)
		go func(part []int) {
			defer wg.Done()
			for _, i := range part {
				pc.Add(events[i].Src, events[i].Dst)
			}
		}(indices[start:end])
	}
	wg.Wait()
	return pc
}

// SparseFraction is the fraction of endpoint pairs among the given events
// with at most SparsePairMax events.
func SparseFraction(events []ingestor.Event, indices []int) float64 {
	if len(indices) == 0 {
		return 0
	}
	return CountPairs(events, indices).SparseFraction(SparsePairMax)
}
