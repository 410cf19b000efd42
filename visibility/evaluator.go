package visibility

import (
	"context"

	"github.com/timearcs/timearcs/binning"
	"github.com/timearcs/timearcs/flowkey"
	"github.com/timearcs/timearcs/ingestor"
)

// DefaultSampleCap bounds how many members of an aggregate are inspected
const DefaultSampleCap = 50

// DefaultBatchSize is the number of aggregates evaluated between yields
const DefaultBatchSize = 3000

// Evaluator decides aggregate visibility from a sample of its members.
// Aggregates with more members than SampleCap may be misclassified at
// filter boundaries: flow selection is any-of over the sample, the reason
// filter all-of-hidden over the sample.
type Evaluator struct {
	Events    []ingestor.Event
	Keys      []string // connection key per event; computed on demand when nil
	SampleCap int
}

func (ev *Evaluator) sampleCap() int {
	if ev.SampleCap <= 0 {
		return DefaultSampleCap
	}
	return ev.SampleCap
}

// Sample returns the member indices inspected for agg.
func (ev *Evaluator) Sample(agg *binning.Aggregate) []int {
	return SampleMembers(agg.Members, ev.sampleCap())
}

// SampleMembers returns the first cap members.
func SampleMembers(members []int, cap int) []int {
	if len(members) > cap {
		return members[:cap]
	}
	return members
}

// KeyOf returns the connection key of event i.
func (ev *Evaluator) KeyOf(i int) string {
	if i < len(ev.Keys) {
		return ev.Keys[i]
	}
	e := &ev.Events[i]
	return flowkey.ConnectionKey(e.Src, e.SrcPort, e.Dst, e.DstPort)
}

// FlowVisible reports whether any sampled member belongs to a selected flow.
// With no selection everything is visible.
func (ev *Evaluator) FlowVisible(agg *binning.Aggregate, f FilterState) bool {
	if !f.FlowFilterActive() {
		return true
	}
	return AnySelected(ev.Sample(agg), f.selected, ev.KeyOf)
}

// AnySelected reports whether key(i) is in selected for any of sample.
func AnySelected(sample []int, selected map[string]struct{}, key func(int) string) bool {
	for _, i := range sample {
		if _, ok := selected[key(i)]; ok {
			return true
		}
	}
	return false
}

// ReasonVisible hides an aggregate only when every sampled member has a
// hidden close type or a hidden invalid reason.
func (ev *Evaluator) ReasonVisible(agg *binning.Aggregate, f FilterState) bool {
	if !f.reasonFilterActive() {
		return true
	}
	for _, i := range ev.Sample(agg) {
		e := &ev.Events[i]
		_, closeHidden := f.hiddenCloseTypes[e.CloseType]
		_, reasonHidden := f.hiddenInvalidReasons[e.InvalidReason]
		if !closeHidden && !reasonHidden {
			return true
		}
	}
	return false
}

// PhaseVisible keeps an aggregate when any sampled member's category maps
// to an enabled phase. Categories without a phase always pass.
func (ev *Evaluator) PhaseVisible(agg *binning.Aggregate, f FilterState) bool {
	if f.allPhasesEnabled() {
		return true
	}
	for _, i := range ev.Sample(agg) {
		if f.phases[ingestor.PhaseOf(ev.Events[i].Category)] {
			return true
		}
	}
	return false
}

// Visible evaluates flow, reason and phase filters in that order and stops
// at the first one that hides the aggregate.
func (ev *Evaluator) Visible(agg *binning.Aggregate, f FilterState) bool {
	return ev.FlowVisible(agg, f) && ev.ReasonVisible(agg, f) && ev.PhaseVisible(agg, f)
}

// annotate writes the visibility annotations of one aggregate. flow is the
// flow filter verdict, computed here or taken from an offloaded mask.
func (ev *Evaluator) annotate(agg *binning.Aggregate, f FilterState, flow bool) {
	agg.FlowVisible = flow
	agg.Visible = flow && ev.ReasonVisible(agg, f) && ev.PhaseVisible(agg, f)
	if agg.Visible {
		agg.Opacity = 1
	} else {
		agg.Opacity = 0
	}
}

// Apply annotates every aggregate. flowMask, when non-nil, supplies the
// flow filter verdicts and must have one entry per aggregate.
func (ev *Evaluator) Apply(aggs []binning.Aggregate, f FilterState, flowMask []bool) {
	for i := range aggs {
		var flow bool
		if flowMask != nil {
			flow = flowMask[i]
		} else {
			flow = ev.FlowVisible(&aggs[i], f)
		}
		ev.annotate(&aggs[i], f, flow)
	}
}

// ApplyBatched annotates aggs in batches of batchSize and calls yield
// between batches. It stops early when ctx is done.
func (ev *Evaluator) ApplyBatched(ctx context.Context, aggs []binning.Aggregate, f FilterState, batchSize int, yield func()) error {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	for start := 0; start < len(aggs); start += batchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := start + batchSize
		if end > len(aggs) {
			end = len(aggs)
		}
		ev.Apply(aggs[start:end], f, nil)
		if end < len(aggs) && yield != nil {
			yield()
		}
	}
	return nil
}
