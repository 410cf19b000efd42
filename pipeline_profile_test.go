package main

import (
	"context"
	"fmt"
	"testing"

	"github.com/timearcs/timearcs/binning"
	"github.com/timearcs/timearcs/eventparser"
	"github.com/timearcs/timearcs/ingestor"
	"github.com/timearcs/timearcs/layout"
	"github.com/timearcs/timearcs/testutil"
	"github.com/timearcs/timearcs/visibility"
)

func loadBenchEvents(b *testing.B, n int) []ingestor.Event {
	b.Helper()
	eventFile, cleanup := testutil.GenerateTestEventFile(b, n)
	defer cleanup()

	events, _, err := eventparser.ParseFile(context.Background(), eventFile, eventparser.Options{})
	if err != nil {
		b.Fatal(err)
	}
	return events
}

// BenchmarkFullPipelineProfile profiles one uncached view:
// layout → category counts → bucket width → grouping → display sort → visibility
func BenchmarkFullPipelineProfile(b *testing.B) {
	events := loadBenchEvents(b, 500000)
	indices := make([]int, len(events))
	for i := range indices {
		indices[i] = i
	}
	span := events[len(events)-1].Timestamp + 1 - events[0].Timestamp

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		l := layout.Build(events)
		freq := binning.CategoryCounts(events)

		sel := binning.SelectBucketWidth(binning.SelectorInput{
			VisibleSpan:        span,
			TargetBins:         binning.DefaultTargetBins,
			AggregationEnabled: true,
			VisibleCount:       len(indices),
			PixelWidth:         1200,
			TimeUnitsPerSecond: 1_000_000,
		})

		aggs, err := binning.Group(events, indices, sel.Width, func(ev *ingestor.Event) int {
			return l.Row(ev.Src)
		})
		if err != nil {
			b.Fatal(err)
		}
		binning.SortForDisplay(aggs, freq)

		ev := &visibility.Evaluator{Events: events}
		ev.Apply(aggs, visibility.NewFilterState(), nil)
	}
}

// BenchmarkParseOnly isolates parsing cost
func BenchmarkParseOnly(b *testing.B) {
	eventFile, cleanup := testutil.GenerateTestEventFile(b, 500000)
	defer cleanup()

	for _, workers := range []int{1, 4} {
		b.Run(fmt.Sprintf("workers=%d", workers), func(b *testing.B) {
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				events, _, err := eventparser.ParseFile(context.Background(), eventFile, eventparser.Options{Workers: workers})
				if err != nil {
					b.Fatal(err)
				}
				_ = events
			}
		})
	}
}

// BenchmarkGroupOnly isolates grouping cost per bucket width
func BenchmarkGroupOnly(b *testing.B) {
	events := loadBenchEvents(b, 200000)
	indices := make([]int, len(events))
	for i := range indices {
		indices[i] = i
	}
	l := layout.Build(events)
	row := func(ev *ingestor.Event) int { return l.Row(ev.Src) }

	for _, width := range []int64{0, 1000, 100000} {
		b.Run(fmt.Sprintf("width=%d", width), func(b *testing.B) {
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				if _, err := binning.Group(events, indices, width, row); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

// BenchmarkParseLineIsolated benchmarks single-line parsing to isolate allocation costs
func BenchmarkParseLineIsolated(b *testing.B) {
	ch, err := eventparser.CompileHeader(eventparser.DefaultHeader)
	if err != nil {
		b.Fatal(err)
	}
	line := testutil.EventLine(3)

	b.ReportAllocs()
	var fields []string
	var evt ingestor.Event
	for i := 0; i < b.N; i++ {
		fields, err = ch.ParseLine(line, nil, fields, &evt)
		if err != nil {
			b.Fatal(err)
		}
	}
}
