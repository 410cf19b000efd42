package density

import (
	"fmt"
	"math"
	"testing"

	"github.com/timearcs/timearcs/ingestor"
)

func indicesOf(events []ingestor.Event) []int {
	idx := make([]int, len(events))
	for i := range idx {
		idx[i] = i
	}
	return idx
}

func TestPairCounter(t *testing.T) {
	pc := NewPairCounter(0)
	pc.Add("10.0.0.1", "10.0.0.2")
	pc.Add("10.0.0.2", "10.0.0.1")
	pc.Add("10.0.0.1", "10.0.0.3")
	pc.Add("host-a", "host-b")

	if got := pc.Count("10.0.0.1", "10.0.0.2"); got != 2 {
		t.Errorf("expected 2 events for pair, got %d", got)
	}
	if got := pc.Count("host-b", "host-a"); got != 1 {
		t.Errorf("expected 1 event for named pair, got %d", got)
	}
	if got := pc.Count("10.9.9.9", "10.0.0.1"); got != 0 {
		t.Errorf("expected 0 for unknown pair, got %d", got)
	}
	if pc.Pairs() != 3 {
		t.Errorf("expected 3 pairs, got %d", pc.Pairs())
	}
}

func TestSparseFraction(t *testing.T) {
	tests := []struct {
		name     string
		perPair  []int
		expected float64
	}{
		{name: "all dense", perPair: []int{10, 20}, expected: 0},
		{name: "all sparse", perPair: []int{1, 2, 3}, expected: 1},
		{name: "ninety percent sparse", perPair: []int{1, 1, 1, 1, 1, 1, 1, 1, 3, 100}, expected: 0.9},
		{name: "boundary", perPair: []int{3, 4}, expected: 0.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var events []ingestor.Event
			for p, n := range tt.perPair {
				for i := 0; i < n; i++ {
					events = append(events, ingestor.Event{
						Src: fmt.Sprintf("10.0.%d.1", p),
						Dst: "10.1.0.1",
					})
				}
			}
			got := SparseFraction(events, indicesOf(events))
			if math.Abs(got-tt.expected) > 1e-9 {
				t.Errorf("SparseFraction() = %v, expected %v", got, tt.expected)
			}
		})
	}
}

func TestSparseFraction_Empty(t *testing.T) {
	if got := SparseFraction(nil, nil); got != 0 {
		t.Errorf("expected 0 for no events, got %v", got)
	}
}

func TestCountPairs_Parallel(t *testing.T) {
	const pairs = 1000
	events := make([]ingestor.Event, 0, parallelThreshold*2)
	for i := 0; len(events) < parallelThreshold*2; i++ {
		events = append(events, ingestor.Event{
			Src: fmt.Sprintf("10.0.%d.%d", (i%pairs)/250, (i%pairs)%250),
			Dst: "192.168.0.1",
		})
	}

	pc := CountPairs(events, indicesOf(events))
	if pc.Pairs() != pairs {
		t.Fatalf("expected %d pairs, got %d", pairs, pc.Pairs())
	}
	var total int64
	for i := 0; i < pairs; i++ {
		total += pc.Count(fmt.Sprintf("10.0.%d.%d", i/250, i%250), "192.168.0.1")
	}
	if total != int64(len(events)) {
		t.Errorf("expected %d counted events, got %d", len(events), total)
	}
}

func BenchmarkCountPairs(b *testing.B) {
	events := make([]ingestor.Event, 200_000)
	for i := range events {
		events[i] = ingestor.Event{
			Src: fmt.Sprintf("10.0.%d.%d", (i/256)%256, i%256),
			Dst: fmt.Sprintf("172.16.0.%d", i%32),
		}
	}
	idx := indicesOf(events)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		CountPairs(events, idx)
	}
}
