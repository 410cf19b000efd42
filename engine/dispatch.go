package engine

import (
	"context"
	"log"

	"github.com/timearcs/timearcs/binning"
	"github.com/timearcs/timearcs/cache"
	"github.com/timearcs/timearcs/offload"
)

// evaluation identifies one visibility pass over a cache entry. Only the
// newest one may annotate the cache.
type evaluation struct {
	seq     uint64
	layer   cache.Layer
	version uint64
	domain  cache.Domain
}

// offloadableLocked reports whether the flow filter of n aggregates goes to
// the background worker. A caller that waits for the result needs a ready
// worker; otherwise the request is held by the worker until it is.
func (e *Engine) offloadableLocked(n int, wait bool) bool {
	return e.dispatcher != nil &&
		e.filters.FlowFilterActive() &&
		n > 0 && n >= e.cfg.OffloadThreshold &&
		(!wait || e.dispatcher.Ready())
}

func (e *Engine) submitLocked(layer cache.Layer, entry cache.Entry) (uint64, error) {
	ev := e.evaluator()
	samples := make([][]int, len(entry.Aggregates))
	for i := range entry.Aggregates {
		samples[i] = ev.Sample(&entry.Aggregates[i])
	}

	seq := e.seq.Next()
	err := e.dispatcher.Submit(offload.Request{
		Seq:      seq,
		Version:  entry.Version,
		Tag:      int(layer),
		Selected: e.filters.SelectedSet(),
		Samples:  samples,
	})
	if err == nil {
		e.latest = evaluation{seq: seq, layer: layer, version: entry.Version, domain: entry.Domain}
	}
	return seq, err
}

// settledLocked reports whether the newest evaluation targets entry of layer
// and has been handled.
func (e *Engine) settledLocked(layer cache.Layer, entry cache.Entry) bool {
	return e.resolved >= e.latest.seq &&
		e.latest.layer == layer &&
		e.latest.version == entry.Version &&
		e.latest.domain == entry.Domain
}

// awaitLocked waits until a response with sequence number seq or newer has
// been handled. e.mu is released while waiting.
func (e *Engine) awaitLocked(ctx context.Context, seq uint64) error {
	stop := context.AfterFunc(ctx, func() {
		e.mu.Lock()
		e.cond.Broadcast()
		e.mu.Unlock()
	})
	defer stop()

	for e.resolved < seq {
		if e.closed {
			return ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		e.cond.Wait()
	}
	return nil
}

func (e *Engine) markResolvedLocked(seq uint64) {
	if seq > e.resolved {
		e.resolved = seq
	}
	e.cond.Broadcast()
}

func (e *Engine) pump() {
	defer e.wg.Done()
	results := e.dispatcher.Results()
	for {
		select {
		case <-e.done:
			return
		case resp := <-results:
			e.mu.Lock()
			v, ok := e.handleResponseLocked(resp)
			e.mu.Unlock()
			if ok {
				e.publish(v)
			}
		}
	}
}

// handleResponseLocked applies a background flow mask to the cache layer it
// was computed for. Responses older than the newest accepted one, for a
// previous data version, or superseded by a later evaluation are dropped.
// A mask of the wrong shape is dropped and the layer is evaluated
// synchronously instead.
func (e *Engine) handleResponseLocked(resp offload.Response) (View, bool) {
	defer e.markResolvedLocked(resp.Seq)

	if !e.seq.Accept(resp.Seq) {
		log.Printf("engine: dropped stale visibility response seq=%d, newest is %d", resp.Seq, e.seq.Highest())
		return View{}, false
	}
	if resp.Version != e.cache.Version() {
		return View{}, false
	}
	if resp.Seq != e.latest.seq {
		log.Printf("engine: dropped superseded visibility response seq=%d, latest request is %d", resp.Seq, e.latest.seq)
		return View{}, false
	}

	layer := cache.Layer(resp.Tag)
	if layer != e.latest.layer || !e.cache.Holds(layer, resp.Version, e.latest.domain) {
		return View{}, false
	}
	var shapeErr error
	updated := e.cache.Update(layer, resp.Version, func(aggs []binning.Aggregate) {
		if shapeErr = resp.CheckShape(len(aggs)); shapeErr != nil {
			return
		}
		e.evaluator().Apply(aggs, e.filters, resp.Mask)
		if layer == e.active {
			e.calib.Calibrate(aggs)
		}
	})

	if shapeErr != nil {
		log.Printf("engine: %v, evaluating synchronously", shapeErr)
		entry, ok := e.cache.Snapshot(layer)
		if !ok {
			return View{}, false
		}
		v, err := e.applySyncLocked(context.Background(), layer, entry)
		if err != nil {
			return View{}, false
		}
		return v, true
	}
	if !updated {
		return View{}, false
	}
	return e.snapshotLocked(layer)
}
