package binning

import (
	"errors"
	"sort"

	"github.com/timearcs/timearcs/ingestor"
)

// ErrInvalidBucketWidth is returned for a negative bucket width. Zero is the
// "aggregation disabled" sentinel and is valid.
var ErrInvalidBucketWidth = errors.New("invalid bucket width")

// Aggregate is one renderable unit: either a binned group of events sharing
// a bucket, row and category, or an unbinned group positioned at an exact
// timestamp.
type Aggregate struct {
	Binned    bool
	Timestamp int64 // first seen raw timestamp
	Bucket    int64 // bucket start; equals Timestamp when unbinned
	Center    int64 // render anchor; equals Timestamp when unbinned
	Row       int
	Category  ingestor.Category
	Count     int
	Bytes     uint64
	Members   []int // indices into the engine's event slice

	// Annotations written by visibility evaluation and calibration
	Visible     bool
	FlowVisible bool
	Opacity     float64
	Weight      float64
}

// Anchor is the horizontal position the aggregate is drawn at.
func (a *Aggregate) Anchor() int64 {
	if a.Binned {
		return a.Center
	}
	return a.Timestamp
}

// RowFunc maps an event to its display row.
type RowFunc func(ev *ingestor.Event) int

type groupKey struct {
	pos      int64
	row      int
	category ingestor.Category
}

// floorBucket rounds ts down to a multiple of width, also for negative ts.
func floorBucket(ts, width int64) int64 {
	b := ts / width
	if ts%width != 0 && ts < 0 {
		b--
	}
	return b * width
}

// Group partitions the events at indices into aggregates keyed by
// (bucket, row, category). With width 0 the key is the exact timestamp and
// all results are unbinned. Groups with a single event are always unbinned.
// Output order is the order in which groups are first seen. The sum of
// Count over the result equals len(indices).
func Group(events []ingestor.Event, indices []int, width int64, row RowFunc) ([]Aggregate, error) {
	if width < 0 {
		return nil, ErrInvalidBucketWidth
	}
	if len(indices) == 0 {
		return nil, nil
	}

	binned := width > 0
	slots := make(map[groupKey]int, len(indices)/4+1)
	out := make([]Aggregate, 0, len(indices)/4+1)

	for _, idx := range indices {
		ev := &events[idx]
		r := row(ev)
		pos := ev.Timestamp
		if binned {
			pos = floorBucket(ev.Timestamp, width)
		}
		key := groupKey{pos: pos, row: r, category: ev.Category}

		slot, ok := slots[key]
		if !ok {
			slot = len(out)
			slots[key] = slot
			agg := Aggregate{
				Binned:    binned,
				Timestamp: ev.Timestamp,
				Bucket:    pos,
				Center:    pos,
				Row:       r,
				Category:  ev.Category,
			}
			if binned {
				agg.Center = pos + width/2
			}
			out = append(out, agg)
		}
		agg := &out[slot]
		agg.Count++
		agg.Bytes += uint64(ev.Length)
		agg.Members = append(agg.Members, idx)
	}

	// Singleton demotion
	for i := range out {
		if out[i].Count == 1 && out[i].Binned {
			out[i].Binned = false
			out[i].Bucket = out[i].Timestamp
			out[i].Center = out[i].Timestamp
			out[i].Members = out[i].Members[:1:1]
		}
	}
	return out, nil
}

// CategoryCounts counts events per category.
func CategoryCounts(events []ingestor.Event) map[ingestor.Category]int {
	counts := make(map[ingestor.Category]int)
	for i := range events {
		counts[events[i].Category]++
	}
	return counts
}

// SortForDisplay orders aggregates by descending global frequency of their
// category, then by ascending anchor. Row and category break remaining ties
// so the order is deterministic.
func SortForDisplay(aggs []Aggregate, freq map[ingestor.Category]int) {
	sort.SliceStable(aggs, func(i, j int) bool {
		a, b := &aggs[i], &aggs[j]
		fa, fb := freq[a.Category], freq[b.Category]
		if fa != fb {
			return fa > fb
		}
		if a.Anchor() != b.Anchor() {
			return a.Anchor() < b.Anchor()
		}
		if a.Row != b.Row {
			return a.Row < b.Row
		}
		return a.Category < b.Category
	})
}

// Total sums Count over aggs.
func Total(aggs []Aggregate) int {
	n := 0
	for i := range aggs {
		n += aggs[i].Count
	}
	return n
}

// Clone deep copies aggs so callers can not alias cached member lists.
func Clone(aggs []Aggregate) []Aggregate {
	if aggs == nil {
		return nil
	}
	out := make([]Aggregate, len(aggs))
	copy(out, aggs)
	for i := range out {
		out[i].Members = append([]int(nil), aggs[i].Members...)
	}
	return out
}
