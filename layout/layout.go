package layout

import (
	"fmt"
	"sort"

	"github.com/timearcs/timearcs/ingestor"
	"github.com/timearcs/timearcs/pools"
)

// Layout assigns every endpoint a display row. A Layout is immutable;
// Reorder returns a new one.
type Layout struct {
	order []string
	rows  map[string]int
}

// Build orders endpoints by descending number of events they take part in,
// then by address.
func Build(events []ingestor.Event) *Layout {
	counts := pools.Pools.GetStringCounts()
	defer pools.Pools.ReturnStringCounts(counts)

	for i := range events {
		counts[events[i].Src]++
		if events[i].Dst != events[i].Src {
			counts[events[i].Dst]++
		}
	}

	order := make([]string, 0, len(counts))
	for ep := range counts {
		order = append(order, ep)
	}
	sort.Slice(order, func(i, j int) bool {
		ci, cj := counts[order[i]], counts[order[j]]
		if ci != cj {
			return ci > cj
		}
		return order[i] < order[j]
	})
	return FromOrder(order)
}

// FromOrder builds a layout with rows in the given order. Duplicates keep
// their first position.
func FromOrder(order []string) *Layout {
	l := &Layout{
		order: make([]string, 0, len(order)),
		rows:  make(map[string]int, len(order)),
	}
	for _, ep := range order {
		if _, ok := l.rows[ep]; ok {
			continue
		}
		l.rows[ep] = len(l.order)
		l.order = append(l.order, ep)
	}
	return l
}

// Row returns the endpoint's row, or -1 when it has none.
func (l *Layout) Row(endpoint string) int {
	if l == nil {
		return -1
	}
	if r, ok := l.rows[endpoint]; ok {
		return r
	}
	return -1
}

// Endpoint returns the endpoint displayed on row, or "" when out of range.
func (l *Layout) Endpoint(row int) string {
	if l == nil || row < 0 || row >= len(l.order) {
		return ""
	}
	return l.order[row]
}

func (l *Layout) Len() int {
	if l == nil {
		return 0
	}
	return len(l.order)
}

// Order returns a copy of the row order.
func (l *Layout) Order() []string {
	if l == nil {
		return nil
	}
	return append([]string(nil), l.order...)
}

// Reorder moves the listed endpoints to the top in the given order; the
// remaining endpoints keep their relative order below them. Unknown or
// repeated endpoints are rejected.
func (l *Layout) Reorder(order []string) (*Layout, error) {
	seen := make(map[string]bool, len(order))
	for _, ep := range order {
		if l.Row(ep) < 0 {
			return nil, fmt.Errorf("unknown endpoint %q", ep)
		}
		if seen[ep] {
			return nil, fmt.Errorf("endpoint %q listed twice", ep)
		}
		seen[ep] = true
	}

	next := make([]string, 0, l.Len())
	next = append(next, order...)
	for _, ep := range l.order {
		if !seen[ep] {
			next = append(next, ep)
		}
	}
	return FromOrder(next), nil
}
