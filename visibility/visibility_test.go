package visibility

import (
	"context"
	"testing"

	"github.com/timearcs/timearcs/binning"
	"github.com/timearcs/timearcs/flowkey"
	"github.com/timearcs/timearcs/ingestor"
)

// testEvents: 0,1 belong to flow A (graceful); 2 to flow B (abortive, RST);
// 3 to flow C (invalid handshake, SYN); 4 has no flags.
func testEvents() []ingestor.Event {
	return []ingestor.Event{
		{Src: "10.0.0.1", SrcPort: 5000, Dst: "10.0.0.2", DstPort: 80, Category: ingestor.CategoryACK, CloseType: ingestor.CloseGraceful},
		{Src: "10.0.0.2", SrcPort: 80, Dst: "10.0.0.1", DstPort: 5000, Category: ingestor.CategoryPSHACK, CloseType: ingestor.CloseGraceful},
		{Src: "10.0.0.3", SrcPort: 6000, Dst: "10.0.0.2", DstPort: 80, Category: ingestor.CategoryRST, CloseType: ingestor.CloseAbortive},
		{Src: "10.0.0.4", SrcPort: 7000, Dst: "10.0.0.2", DstPort: 22, Category: ingestor.CategorySYN, CloseType: ingestor.CloseInvalid, InvalidReason: ingestor.ReasonIncompleteNoSynAck},
		{Src: "10.0.0.5", SrcPort: 1, Dst: "10.0.0.2", DstPort: 2, Category: ingestor.CategoryNone},
	}
}

var (
	flowA = flowkey.ConnectionKey("10.0.0.1", 5000, "10.0.0.2", 80)
	flowB = flowkey.ConnectionKey("10.0.0.3", 6000, "10.0.0.2", 80)
)

func agg(members ...int) *binning.Aggregate {
	return &binning.Aggregate{Binned: len(members) > 1, Count: len(members), Members: members}
}

func TestFlowVisible(t *testing.T) {
	ev := &Evaluator{Events: testEvents()}
	f := NewFilterState()

	if !ev.FlowVisible(agg(2), f) {
		t.Error("without selection everything is visible")
	}

	f.SelectFlows([]string{flowA})
	tests := []struct {
		name     string
		agg      *binning.Aggregate
		expected bool
	}{
		{name: "forward member", agg: agg(0), expected: true},
		{name: "reverse direction member", agg: agg(1), expected: true},
		{name: "other flow", agg: agg(2), expected: false},
		{name: "any of members", agg: agg(2, 3, 1), expected: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ev.FlowVisible(tt.agg, f); got != tt.expected {
				t.Errorf("FlowVisible() = %v, expected %v", got, tt.expected)
			}
		})
	}
}

func TestFlowVisible_SampleCap(t *testing.T) {
	ev := &Evaluator{Events: testEvents(), SampleCap: 2}
	f := NewFilterState()
	f.SelectFlows([]string{flowA})

	// the only matching member is beyond the sample
	if ev.FlowVisible(agg(2, 3, 0), f) {
		t.Error("members beyond the sample cap must not be inspected")
	}
	if !ev.FlowVisible(agg(2, 0, 3), f) {
		t.Error("member inside the sample should match")
	}
}

func TestFlowVisible_PrecomputedKeys(t *testing.T) {
	events := testEvents()
	keys := make([]string, len(events))
	for i := range keys {
		keys[i] = "k"
	}
	keys[2] = "picked"
	ev := &Evaluator{Events: events, Keys: keys}
	f := NewFilterState()
	f.SelectFlows([]string{"picked"})
	if !ev.FlowVisible(agg(2), f) || ev.FlowVisible(agg(0), f) {
		t.Error("precomputed keys should be used")
	}
}

func TestReasonVisible(t *testing.T) {
	ev := &Evaluator{Events: testEvents()}
	f := NewFilterState()
	f.ToggleHiddenCloseType(ingestor.CloseAbortive)
	f.ToggleHiddenInvalidReason(ingestor.ReasonIncompleteNoSynAck)

	tests := []struct {
		name     string
		agg      *binning.Aggregate
		expected bool
	}{
		{name: "hidden close type", agg: agg(2), expected: false},
		{name: "hidden invalid reason", agg: agg(3), expected: false},
		{name: "all members hidden", agg: agg(2, 3), expected: false},
		{name: "one visible member rescues", agg: agg(2, 3, 0), expected: true},
		{name: "untouched", agg: agg(0), expected: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ev.ReasonVisible(tt.agg, f); got != tt.expected {
				t.Errorf("ReasonVisible() = %v, expected %v", got, tt.expected)
			}
		})
	}

	if f.ToggleHiddenCloseType(ingestor.CloseAbortive) {
		t.Error("second toggle should unhide")
	}
	if !ev.ReasonVisible(agg(2), f) {
		t.Error("abortive flow should be visible again")
	}
}

func TestPhaseVisible(t *testing.T) {
	ev := &Evaluator{Events: testEvents()}
	f := NewFilterState()
	if err := f.SetPhase(ingestor.PhaseClosing, false); err != nil {
		t.Fatal(err)
	}

	if ev.PhaseVisible(agg(2), f) {
		t.Error("RST aggregate should be hidden with closing disabled")
	}
	if !ev.PhaseVisible(agg(2, 0), f) {
		t.Error("data transfer member should rescue the aggregate")
	}
	if !ev.PhaseVisible(agg(4), f) {
		t.Error("categories without phase are never hidden")
	}

	on, err := f.TogglePhase(ingestor.PhaseClosing)
	if err != nil || !on {
		t.Fatalf("TogglePhase() = %v, %v", on, err)
	}
	if !ev.PhaseVisible(agg(2), f) {
		t.Error("closing re-enabled")
	}

	if err := f.SetPhase(ingestor.PhaseNone, false); err == nil {
		t.Error("PhaseNone is not toggleable")
	}
}

func TestVisible_FiltersIndependent(t *testing.T) {
	ev := &Evaluator{Events: testEvents()}
	f := NewFilterState()
	f.SelectFlows([]string{flowB})
	f.ToggleHiddenCloseType(ingestor.CloseAbortive)

	// selected by flow but hidden by close type
	if ev.Visible(agg(2), f) {
		t.Error("flow selection must not override the reason filter")
	}
	f.ToggleHiddenCloseType(ingestor.CloseAbortive)
	if !ev.Visible(agg(2), f) {
		t.Error("expected visible once the close type is shown")
	}
}

func TestApplyIdempotent(t *testing.T) {
	ev := &Evaluator{Events: testEvents()}
	events := ev.Events
	f := NewFilterState()
	f.SelectFlows([]string{flowA})
	f.SetPhase(ingestor.PhaseEstablishment, false)

	aggs := []binning.Aggregate{*agg(0, 1), *agg(2), *agg(3), *agg(4)}
	ev.Apply(aggs, f, nil)
	first := binning.Clone(aggs)
	ev.Apply(aggs, f, nil)
	ev.Apply(aggs, f, nil)

	for i := range aggs {
		if aggs[i].Visible != first[i].Visible || aggs[i].Opacity != first[i].Opacity {
			t.Errorf("aggregate %d changed between runs", i)
		}
	}
	if !aggs[0].Visible || aggs[0].Opacity != 1 {
		t.Errorf("flow A aggregate should be visible: %+v", aggs[0])
	}
	if aggs[1].Visible || aggs[1].FlowVisible || aggs[1].Opacity != 0 {
		t.Errorf("flow B aggregate should be hidden: %+v", aggs[1])
	}
	for i := range events {
		if events[i] != testEvents()[i] {
			t.Fatal("evaluation must not mutate events")
		}
	}
}

func TestApplyWithMask(t *testing.T) {
	ev := &Evaluator{Events: testEvents()}
	f := NewFilterState()
	aggs := []binning.Aggregate{*agg(0), *agg(2)}
	ev.Apply(aggs, f, []bool{false, true})
	if aggs[0].Visible || !aggs[1].Visible {
		t.Errorf("mask verdicts not honored: %+v", aggs)
	}
}

func TestApplyBatched(t *testing.T) {
	ev := &Evaluator{Events: testEvents()}
	f := NewFilterState()
	f.SelectFlows([]string{flowA})

	aggs := make([]binning.Aggregate, 10)
	for i := range aggs {
		aggs[i] = *agg(i % 3)
	}

	yields := 0
	if err := ev.ApplyBatched(context.Background(), aggs, f, 3, func() { yields++ }); err != nil {
		t.Fatal(err)
	}
	if yields != 3 {
		t.Errorf("expected 3 yields for 4 batches, got %d", yields)
	}
	for i := range aggs {
		expected := i%3 != 2
		if aggs[i].Visible != expected {
			t.Errorf("aggregate %d: Visible = %v, expected %v", i, aggs[i].Visible, expected)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := ev.ApplyBatched(ctx, aggs, f, 3, nil); err == nil {
		t.Error("expected error for cancelled context")
	}

	if err := ev.ApplyBatched(context.Background(), nil, f, 0, nil); err != nil {
		t.Errorf("empty input should be a no-op, got %v", err)
	}
}

func TestFilterStateClone(t *testing.T) {
	f := NewFilterState()
	f.SelectFlows([]string{"a"})
	c := f.Clone()
	c.SelectFlows([]string{"b", "c"})
	c.ToggleHiddenCloseType("graceful")
	c.SetPhase(ingestor.PhaseClosing, false)

	if len(f.Selected()) != 1 || len(f.HiddenCloseTypes()) != 0 || !f.PhaseEnabled(ingestor.PhaseClosing) {
		t.Error("clone shares state with the original")
	}
	if got := c.Selected(); len(got) != 2 || got[0] != "b" {
		t.Errorf("unexpected selection %v", got)
	}
	f.ClearFlows()
	if f.FlowFilterActive() {
		t.Error("ClearFlows should deactivate the flow filter")
	}
}
