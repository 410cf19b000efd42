package ingestor

import (
	"math/rand"
	"testing"
)

func TestSortByTimestamp_Small(t *testing.T) {
	events := []Event{{Timestamp: 3}, {Timestamp: 1}, {Timestamp: 2}}
	SortByTimestamp(events)
	for i, want := range []int64{1, 2, 3} {
		if events[i].Timestamp != want {
			t.Errorf("index %d: expected %d, got %d", i, want, events[i].Timestamp)
		}
	}
}

func TestSortByTimestamp_LargeRandom(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	events := make([]Event, 5000)
	for i := range events {
		events[i] = Event{Timestamp: rng.Int63n(1_000_000) - 500_000, Payload: int64(i)}
	}
	SortByTimestamp(events)
	if !IsSortedByTimestamp(events) {
		t.Fatal("events not sorted")
	}
	if events[0].Timestamp >= 0 {
		t.Errorf("expected negative timestamps first, got %d", events[0].Timestamp)
	}
}

func TestSortByTimestamp_Stable(t *testing.T) {
	events := make([]Event, 1000)
	for i := range events {
		events[i] = Event{Timestamp: int64(1_700_000_000_000_000 + (i%10)*1000), Payload: int64(i)}
	}
	SortByTimestamp(events)
	for i := 1; i < len(events); i++ {
		if events[i].Timestamp == events[i-1].Timestamp && events[i].Payload < events[i-1].Payload {
			t.Fatalf("equal timestamps reordered at %d", i)
		}
	}
}

func TestSortByTimestamp_AllEqual(t *testing.T) {
	events := make([]Event, 200)
	for i := range events {
		events[i] = Event{Timestamp: 42, Payload: int64(i)}
	}
	SortByTimestamp(events)
	for i := range events {
		if events[i].Payload != int64(i) {
			t.Fatalf("index %d moved", i)
		}
	}
}

func BenchmarkSortByTimestamp(b *testing.B) {
	rng := rand.New(rand.NewSource(1))
	base := make([]Event, 100_000)
	for i := range base {
		base[i].Timestamp = 1_700_000_000_000_000 + rng.Int63n(3_600_000_000)
	}
	events := make([]Event, len(base))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		copy(events, base)
		SortByTimestamp(events)
	}
}
