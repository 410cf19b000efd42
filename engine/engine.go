// Package engine owns the event set, the render cache layers, the filter
// state and the weight calibrator of one timeline. All mutation goes
// through its methods; the drawing side only reads View copies.
package engine

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/timearcs/timearcs/binning"
	"github.com/timearcs/timearcs/cache"
	"github.com/timearcs/timearcs/config"
	"github.com/timearcs/timearcs/ingestor"
	"github.com/timearcs/timearcs/layout"
	"github.com/timearcs/timearcs/offload"
	"github.com/timearcs/timearcs/scale"
	"github.com/timearcs/timearcs/visibility"
)

var (
	ErrNoData = errors.New("no events loaded")
	ErrClosed = errors.New("engine closed")
)

// Option configures an Engine.
type Option func(*Engine)

// WithDispatcher replaces the default background worker. A nil dispatcher
// disables offloading.
func WithDispatcher(d offload.Dispatcher) Option {
	return func(e *Engine) {
		e.dispatcher = d
		e.dispatcherSet = true
	}
}

// WithFilters applies the [filters] section of the configuration.
func WithFilters(f *config.FiltersConfig) Option {
	return func(e *Engine) {
		if f == nil {
			return
		}
		e.setEndpoints(f.Endpoints, f.EndpointMatch)
		for _, ct := range f.HideCloseTypes {
			e.filters.ToggleHiddenCloseType(ct)
		}
		for _, r := range f.HideInvalidReasons {
			e.filters.ToggleHiddenInvalidReason(r)
		}
	}
}

type Engine struct {
	cfg config.EngineConfig

	mu   sync.Mutex
	cond *sync.Cond

	loaded bool
	events []ingestor.Event
	layout *layout.Layout
	freq   map[ingestor.Category]int
	start  int64 // full extent [start, end)
	end    int64

	pixelWidth    int
	aggregation   bool
	endpoints     map[string]struct{}
	endpointMatch string
	filters       visibility.FilterState

	cache *cache.RenderCache
	calib *scale.Calibrator

	dispatcher    offload.Dispatcher
	dispatcherSet bool
	seq           offload.Sequencer
	resolved      uint64
	latest        evaluation // newest visibility evaluation issued

	active  cache.Layer
	last    Viewport
	hasLast bool

	pendingZoom Viewport
	debounce    *time.Timer
	updates     chan View

	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// New creates an engine. Unless WithDispatcher says otherwise and cfg.Offload
// is set, a background offload.Worker is started.
func New(cfg config.EngineConfig, opts ...Option) *Engine {
	if cfg.TargetBins <= 0 {
		cfg.TargetBins = binning.DefaultTargetBins
	}
	if cfg.SampleCap <= 0 {
		cfg.SampleCap = visibility.DefaultSampleCap
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = visibility.DefaultBatchSize
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = config.DefaultDebounce
	}
	if cfg.PixelWidth <= 0 {
		cfg.PixelWidth = config.DefaultPixelWidth
	}
	if cfg.TimeUnitsPerSecond <= 0 {
		cfg.TimeUnitsPerSecond = config.DefaultTimeUnitsPerSecond
	}

	e := &Engine{
		cfg:           cfg,
		pixelWidth:    cfg.PixelWidth,
		aggregation:   cfg.AggregationEnabled,
		endpointMatch: config.MatchBoth,
		filters:       visibility.NewFilterState(),
		cache:         cache.New(),
		calib:         scale.NewCalibrator(cfg.MinWeight, cfg.MaxWeight),
		updates:       make(chan View, 1),
		done:          make(chan struct{}),
	}
	e.cond = sync.NewCond(&e.mu)

	for _, opt := range opts {
		opt(e)
	}
	if !e.dispatcherSet && cfg.Offload {
		e.dispatcher = offload.NewWorker()
	}

	if e.dispatcher != nil {
		e.wg.Add(1)
		go e.pump()
	}
	return e
}

// Load replaces the event set. Events are sorted by timestamp in place;
// the caller must not modify the slice afterwards.
func (e *Engine) Load(events []ingestor.Event) {
	if !ingestor.IsSortedByTimestamp(events) {
		ingestor.SortByTimestamp(events)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.replaceLocked(events)
}

// Append adds events, keeping the set ordered. The previous slice is left
// untouched because the background worker may still read it.
func (e *Engine) Append(events []ingestor.Event) {
	if len(events) == 0 {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	merged := make([]ingestor.Event, 0, len(e.events)+len(events))
	merged = append(merged, e.events...)
	merged = append(merged, events...)
	ingestor.SortByTimestamp(merged)
	e.replaceLocked(merged)
}

// Retain drops events older than maxAge relative to the newest event and
// keeps at most maxEvents of the newest ones. Zero disables either bound.
// It returns the number of events dropped.
func (e *Engine) Retain(maxAge time.Duration, maxEvents int) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := len(e.events)
	if n == 0 {
		return 0
	}
	from := 0
	if maxAge > 0 {
		cutoff := e.events[n-1].Timestamp - int64(maxAge.Seconds()*float64(e.cfg.TimeUnitsPerSecond))
		from = lowerBound(e.events, cutoff)
	}
	if maxEvents > 0 && n-from > maxEvents {
		from = n - maxEvents
	}
	if from == 0 {
		return 0
	}

	kept := make([]ingestor.Event, n-from)
	copy(kept, e.events[from:])
	e.replaceLocked(kept)
	return from
}

func (e *Engine) replaceLocked(events []ingestor.Event) {
	e.events = events
	e.loaded = true
	e.layout = layout.Build(events)
	e.freq = binning.CategoryCounts(events)
	e.start, e.end = 0, 0
	if len(events) > 0 {
		e.start = events[0].Timestamp
		e.end = events[len(events)-1].Timestamp + 1
	}
	e.invalidateLocked()

	if e.dispatcher != nil {
		e.dispatcher.Init(events)
	}
}

// invalidateLocked bumps the data version and drops both cache layers.
func (e *Engine) invalidateLocked() uint64 {
	return e.cache.Invalidate()
}

// Updates delivers views computed by Zoom, by filter mutations and by
// background responses. Only the newest unread view is kept.
func (e *Engine) Updates() <-chan View {
	return e.updates
}

func (e *Engine) publish(v View) {
	for {
		select {
		case e.updates <- v:
			return
		default:
		}
		select {
		case <-e.updates:
		default:
		}
	}
}

// Zoom schedules a view computation for vp after the debounce interval.
// Calls within the interval replace each other; the result is published on
// Updates.
func (e *Engine) Zoom(vp Viewport) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.pendingZoom = vp
	if e.debounce != nil {
		e.debounce.Stop()
	}
	e.debounce = time.AfterFunc(e.cfg.Debounce, e.flushZoom)
}

func (e *Engine) flushZoom() {
	e.mu.Lock()
	vp := e.pendingZoom
	e.mu.Unlock()

	v, err := e.View(context.Background(), vp)
	if err != nil {
		log.Printf("engine: zoom to [%d, %d) failed: %v", vp.Start, vp.End, err)
		return
	}
	e.publish(v)
}

// ResetZoom returns to the full extent and computes the view right away.
func (e *Engine) ResetZoom(ctx context.Context) (View, error) {
	e.mu.Lock()
	if e.debounce != nil {
		e.debounce.Stop()
	}
	vp := Viewport{Start: e.start, End: e.end}
	e.mu.Unlock()
	return e.View(ctx, vp)
}

// Extent returns the full time range [start, end) of the loaded events.
func (e *Engine) Extent() (start, end int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.start, e.end
}

func (e *Engine) EventCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.events)
}

// Layout returns the current row layout.
func (e *Engine) Layout() *layout.Layout {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.layout
}

func (e *Engine) DataVersion() uint64 {
	return e.cache.Version()
}

func (e *Engine) ObservedMax() int {
	return e.calib.ObservedMax()
}

func (e *Engine) SizeScale() scale.SizeScale {
	return e.calib.Scale()
}

// CacheStats returns render cache hit and miss counts.
func (e *Engine) CacheStats() (hits, misses uint64) {
	return e.cache.Stats()
}

// Close stops the debounce timer and the background worker.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	if e.debounce != nil {
		e.debounce.Stop()
	}
	close(e.done)
	e.cond.Broadcast()
	e.mu.Unlock()

	var err error
	if e.dispatcher != nil && !e.dispatcherSet {
		err = e.dispatcher.Close()
	}
	e.wg.Wait()
	return err
}
