package engine

import (
	"context"
	"fmt"
	"log"
	"runtime"
	"sort"

	"github.com/timearcs/timearcs/binning"
	"github.com/timearcs/timearcs/cache"
	"github.com/timearcs/timearcs/density"
	"github.com/timearcs/timearcs/ingestor"
	"github.com/timearcs/timearcs/layout"
	"github.com/timearcs/timearcs/pools"
	"github.com/timearcs/timearcs/scale"
	"github.com/timearcs/timearcs/visibility"
)

// maxViewAttempts bounds how often a view is recomputed because the data
// changed while it waited for the background worker.
const maxViewAttempts = 3

// Viewport is a half open time range plus the pixel width it is drawn at.
type Viewport struct {
	Start      int64
	End        int64
	PixelWidth int // 0 uses the engine's current width
}

// View is an annotated, display ordered copy of one cache layer.
type View struct {
	Version     uint64
	Layer       cache.Layer
	Domain      cache.Domain
	BucketWidth int64
	Reason      string // set when aggregation was suppressed
	Events      int    // events covered by Aggregates
	Aggregates  []binning.Aggregate
	Scale       scale.SizeScale
	Layout      *layout.Layout
}

// VisibleCount returns the number of aggregates that survived the filters.
func (v View) VisibleCount() int {
	n := 0
	for i := range v.Aggregates {
		if v.Aggregates[i].Visible {
			n++
		}
	}
	return n
}

// View computes the aggregates of vp. Cached layers are reused while the
// data version and domain match; visibility and calibration always rerun.
// A degenerate viewport yields an empty view.
func (e *Engine) View(ctx context.Context, vp Viewport) (View, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return View{}, ErrClosed
	}
	if !e.loaded {
		return View{}, ErrNoData
	}
	e.last, e.hasLast = vp, true

	v, _, err := e.viewLocked(ctx, vp, true)
	return v, err
}

// Current returns the active layer as last annotated, without recomputing.
func (e *Engine) Current() (View, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked(e.active)
}

// viewLocked runs the view pipeline. With wait unset and the flow filter
// handed to the worker, it returns without a view; the pump publishes the
// result once it arrives.
func (e *Engine) viewLocked(ctx context.Context, vp Viewport, wait bool) (View, bool, error) {
	for attempt := 0; ; attempt++ {
		entry, layer, ok, err := e.entryLocked(vp)
		if err != nil {
			return View{}, false, err
		}
		if !ok {
			return e.emptyView(vp), true, nil
		}
		e.active = layer

		if attempt < maxViewAttempts && e.offloadableLocked(len(entry.Aggregates), wait) {
			seq, err := e.submitLocked(layer, entry)
			if err == nil {
				if !wait {
					return View{}, false, nil
				}
				if err := e.awaitLocked(ctx, seq); err != nil {
					return View{}, false, err
				}
				if e.settledLocked(layer, entry) {
					if v, ok := e.snapshotLocked(layer); ok {
						return v, true, nil
					}
				}
				continue
			}
			log.Printf("engine: offload dispatch failed, evaluating synchronously: %v", err)
		}

		v, err := e.applySyncLocked(ctx, layer, entry)
		return v, err == nil, err
	}
}

// entryLocked returns the sorted cache entry for vp, aggregating on a miss.
// ok is false for a degenerate viewport.
func (e *Engine) entryLocked(vp Viewport) (entry cache.Entry, layer cache.Layer, ok bool, err error) {
	pw := vp.PixelWidth
	if pw <= 0 {
		pw = e.pixelWidth
	}
	if vp.End <= vp.Start || pw <= 0 {
		return cache.Entry{}, cache.LayerDynamic, false, nil
	}

	layer = cache.LayerDynamic
	domain := cache.Domain{Start: vp.Start, End: vp.End, PixelWidth: pw}
	if vp.Start <= e.start && vp.End >= e.end && !e.filters.FlowFilterActive() {
		layer = cache.LayerFull
		domain = cache.Domain{Start: e.start, End: e.end, PixelWidth: pw}
	}

	if entry, ok := e.cache.Lookup(layer, domain); ok {
		if !entry.Sorted && e.cache.SortOnce(layer, entry.Version, e.freq) {
			entry, _ = e.cache.Snapshot(layer)
		}
		return entry, layer, true, nil
	}

	version := e.cache.Version()
	indices := e.visibleIndicesLocked(domain)
	defer pools.Pools.ReturnIndexSlice(indices)

	in := binning.SelectorInput{
		VisibleSpan:        domain.End - domain.Start,
		TargetBins:         e.cfg.TargetBins,
		AggregationEnabled: e.aggregation,
		VisibleCount:       len(indices),
		PixelWidth:         pw,
		TimeUnitsPerSecond: e.cfg.TimeUnitsPerSecond,
	}
	if e.aggregation && len(indices) > 0 {
		in.SparseFraction = density.SparseFraction(e.events, indices)
	}
	sel := binning.SelectBucketWidth(in)

	l := e.layout
	aggs, err := binning.Group(e.events, indices, sel.Width, func(ev *ingestor.Event) int {
		return l.Row(ev.Src)
	})
	if err != nil {
		return cache.Entry{}, layer, false, fmt.Errorf("aggregating [%d, %d): %w", domain.Start, domain.End, err)
	}

	entry = cache.Entry{
		Version:     version,
		Domain:      domain,
		BucketWidth: sel.Width,
		Reason:      sel.Reason,
		Aggregates:  aggs,
	}
	if e.cache.Store(layer, entry) {
		e.cache.SortOnce(layer, version, e.freq)
		if stored, ok := e.cache.Snapshot(layer); ok {
			return stored, layer, true, nil
		}
	}
	binning.SortForDisplay(entry.Aggregates, e.freq)
	entry.Sorted = true
	return entry, layer, true, nil
}

// applySyncLocked evaluates visibility in bounded batches on the caller,
// calibrates and writes the annotations back to the cache.
func (e *Engine) applySyncLocked(ctx context.Context, layer cache.Layer, entry cache.Entry) (View, error) {
	seq := e.seq.Next()
	e.seq.Accept(seq)
	e.latest = evaluation{seq: seq, layer: layer, version: entry.Version, domain: entry.Domain}
	defer e.markResolvedLocked(seq)

	aggs := entry.Aggregates
	if err := e.evaluator().ApplyBatched(ctx, aggs, e.filters, e.cfg.BatchSize, runtime.Gosched); err != nil {
		return View{}, err
	}
	sc := e.calib.Calibrate(aggs)

	e.cache.Update(layer, entry.Version, func(cached []binning.Aggregate) {
		copyAnnotations(cached, aggs)
	})
	return e.makeView(layer, entry, aggs, sc), nil
}

func copyAnnotations(dst, src []binning.Aggregate) {
	if len(dst) != len(src) {
		return
	}
	for i := range dst {
		dst[i].Visible = src[i].Visible
		dst[i].FlowVisible = src[i].FlowVisible
		dst[i].Opacity = src[i].Opacity
		dst[i].Weight = src[i].Weight
	}
}

func (e *Engine) snapshotLocked(layer cache.Layer) (View, bool) {
	entry, ok := e.cache.Snapshot(layer)
	if !ok {
		return View{}, false
	}
	return e.makeView(layer, entry, entry.Aggregates, e.calib.Scale()), true
}

func (e *Engine) makeView(layer cache.Layer, entry cache.Entry, aggs []binning.Aggregate, sc scale.SizeScale) View {
	return View{
		Version:     entry.Version,
		Layer:       layer,
		Domain:      entry.Domain,
		BucketWidth: entry.BucketWidth,
		Reason:      entry.Reason,
		Events:      binning.Total(aggs),
		Aggregates:  aggs,
		Scale:       sc,
		Layout:      e.layout,
	}
}

func (e *Engine) emptyView(vp Viewport) View {
	return View{
		Version: e.cache.Version(),
		Layer:   cache.LayerDynamic,
		Domain:  cache.Domain{Start: vp.Start, End: vp.End, PixelWidth: vp.PixelWidth},
		Reason:  binning.ReasonDegenerate,
		Scale:   e.calib.Scale(),
		Layout:  e.layout,
	}
}

func (e *Engine) evaluator() *visibility.Evaluator {
	ev := &visibility.Evaluator{Events: e.events, SampleCap: e.cfg.SampleCap}
	if keyed, ok := e.dispatcher.(interface{ Keys() ([]string, error) }); ok {
		if keys, err := keyed.Keys(); err == nil && len(keys) == len(e.events) {
			ev.Keys = keys
		}
	}
	return ev
}

// visibleIndicesLocked collects the indices of events inside domain that
// pass the endpoint filter. The slice comes from pools.Pools.
func (e *Engine) visibleIndicesLocked(domain cache.Domain) []int {
	lo := lowerBound(e.events, domain.Start)
	hi := lowerBound(e.events, domain.End)

	indices := pools.Pools.GetIndexSlice()
	for i := lo; i < hi; i++ {
		if e.endpointAllowed(&e.events[i]) {
			indices = append(indices, i)
		}
	}
	return indices
}

// lowerBound returns the first index whose timestamp is not before ts.
func lowerBound(events []ingestor.Event, ts int64) int {
	return sort.Search(len(events), func(i int) bool {
		return events[i].Timestamp >= ts
	})
}
