package cli

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/timearcs/timearcs/config"
	"github.com/timearcs/timearcs/engine"
	"github.com/timearcs/timearcs/ingestor"
)

// scriptedReader hands out one queued batch per ReadBatch call.
type scriptedReader struct {
	mu               sync.Mutex
	batches          [][]ingestor.Event
	reads            int
	closeWhenDrained bool
}

func (r *scriptedReader) ReadBatch() ([]ingestor.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reads++
	if len(r.batches) == 0 {
		return nil, nil
	}
	b := r.batches[0]
	r.batches = r.batches[1:]
	return b, nil
}

func (r *scriptedReader) IsClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeWhenDrained && len(r.batches) == 0
}

func (r *scriptedReader) readCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reads
}

func liveEngine(t *testing.T) *engine.Engine {
	t.Helper()
	cfg := config.DefaultEngineConfig()
	cfg.Offload = false
	e := engine.New(cfg)
	t.Cleanup(func() { e.Close() })
	e.Load(nil)
	return e
}

func liveBatches(n, size int) [][]ingestor.Event {
	batches := make([][]ingestor.Event, n)
	for b := range batches {
		batch := make([]ingestor.Event, size)
		for i := range batch {
			batch[i] = ingestor.Event{
				Timestamp: int64(b*size+i) * 1000,
				Src:       "10.0.0.1",
				Dst:       "10.0.0.2",
				SrcPort:   40000,
				DstPort:   443,
				Category:  ingestor.CategoryACK,
				Length:    100,
			}
		}
		batches[b] = batch
	}
	return batches
}

func TestRunLiveIdleStreamIsPaced(t *testing.T) {
	e := liveEngine(t)
	src := &scriptedReader{}
	live := &config.LiveConfig{Refresh: 100 * time.Millisecond}

	var ticks []liveTick
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	if err := runLive(ctx, src, e, live, 20*time.Millisecond, func(tick liveTick) {
		ticks = append(ticks, tick)
	}); err != nil {
		t.Fatalf("runLive failed: %v", err)
	}

	// 300ms at one read per 20ms
	if reads := src.readCount(); reads > 20 {
		t.Errorf("Expected at most 20 reads on an idle stream, got %d", reads)
	}
	if len(ticks) == 0 {
		t.Error("Expected at least one report per refresh interval")
	}
	for _, tick := range ticks {
		if tick.Appended != 0 {
			t.Errorf("Idle stream reported %d appended events", tick.Appended)
		}
	}
}

func TestRunLiveAppendsOncePerRefresh(t *testing.T) {
	tests := []struct {
		name        string
		maxEvents   int
		wantCount   int
		wantDropped int
		wantBumps   uint64
	}{
		{name: "unbounded", maxEvents: 0, wantCount: 50, wantDropped: 0, wantBumps: 1},
		{name: "bounded", maxEvents: 20, wantCount: 20, wantDropped: 30, wantBumps: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := liveEngine(t)
			src := &scriptedReader{batches: liveBatches(5, 10), closeWhenDrained: true}
			live := &config.LiveConfig{Refresh: time.Hour, MaxEvents: tt.maxEvents}

			before := e.DataVersion()
			var ticks []liveTick
			if err := runLive(context.Background(), src, e, live, 5*time.Millisecond, func(tick liveTick) {
				ticks = append(ticks, tick)
			}); err != nil {
				t.Fatalf("runLive failed: %v", err)
			}

			if len(ticks) != 1 {
				t.Fatalf("Expected one report, got %d", len(ticks))
			}
			if ticks[0].Appended != 50 || ticks[0].Dropped != tt.wantDropped {
				t.Errorf("Report = %+v, want 50 appended and %d dropped", ticks[0], tt.wantDropped)
			}
			if e.EventCount() != tt.wantCount {
				t.Errorf("Expected %d events in the window, got %d", tt.wantCount, e.EventCount())
			}
			// one Append for all five batches, plus one Retain when it drops
			if bumps := e.DataVersion() - before; bumps != tt.wantBumps {
				t.Errorf("Expected %d data version bumps, got %d", tt.wantBumps, bumps)
			}
		})
	}
}
