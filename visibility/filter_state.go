package visibility

import (
	"fmt"
	"sort"

	"github.com/timearcs/timearcs/ingestor"
)

// FilterState is the combination of flow selection, phase toggles and the
// two hide sets. The zero value is not ready for use; call NewFilterState.
type FilterState struct {
	selected             map[string]struct{}
	phases               [4]bool // indexed by ingestor.Phase; PhaseNone is always enabled
	hiddenCloseTypes     map[string]struct{}
	hiddenInvalidReasons map[string]struct{}
}

// NewFilterState returns a state that hides nothing.
func NewFilterState() FilterState {
	return FilterState{
		selected:             map[string]struct{}{},
		phases:               [4]bool{true, true, true, true},
		hiddenCloseTypes:     map[string]struct{}{},
		hiddenInvalidReasons: map[string]struct{}{},
	}
}

// Clone returns an independent copy.
func (f FilterState) Clone() FilterState {
	c := FilterState{
		selected:             make(map[string]struct{}, len(f.selected)),
		phases:               f.phases,
		hiddenCloseTypes:     make(map[string]struct{}, len(f.hiddenCloseTypes)),
		hiddenInvalidReasons: make(map[string]struct{}, len(f.hiddenInvalidReasons)),
	}
	for k := range f.selected {
		c.selected[k] = struct{}{}
	}
	for k := range f.hiddenCloseTypes {
		c.hiddenCloseTypes[k] = struct{}{}
	}
	for k := range f.hiddenInvalidReasons {
		c.hiddenInvalidReasons[k] = struct{}{}
	}
	return c
}

// SelectFlows replaces the selected connection key set.
func (f *FilterState) SelectFlows(keys []string) {
	f.selected = make(map[string]struct{}, len(keys))
	for _, k := range keys {
		f.selected[k] = struct{}{}
	}
}

func (f *FilterState) ClearFlows() {
	f.selected = map[string]struct{}{}
}

// FlowFilterActive reports whether a non-empty flow selection narrows the view.
func (f FilterState) FlowFilterActive() bool {
	return len(f.selected) > 0
}

// Selected returns the selected keys, sorted.
func (f FilterState) Selected() []string {
	return sortedKeys(f.selected)
}

// SelectedSet returns a copy of the selected key set.
func (f FilterState) SelectedSet() map[string]struct{} {
	c := make(map[string]struct{}, len(f.selected))
	for k := range f.selected {
		c[k] = struct{}{}
	}
	return c
}

func (f *FilterState) SetPhase(p ingestor.Phase, enabled bool) error {
	if p == ingestor.PhaseNone || int(p) >= len(f.phases) {
		return fmt.Errorf("unknown phase %v", p)
	}
	f.phases[p] = enabled
	return nil
}

// TogglePhase flips a phase and returns its new state.
func (f *FilterState) TogglePhase(p ingestor.Phase) (bool, error) {
	if p == ingestor.PhaseNone || int(p) >= len(f.phases) {
		return false, fmt.Errorf("unknown phase %v", p)
	}
	f.phases[p] = !f.phases[p]
	return f.phases[p], nil
}

func (f FilterState) PhaseEnabled(p ingestor.Phase) bool {
	if int(p) >= len(f.phases) {
		return false
	}
	return f.phases[p]
}

func (f FilterState) allPhasesEnabled() bool {
	return f.phases[ingestor.PhaseEstablishment] && f.phases[ingestor.PhaseDataTransfer] && f.phases[ingestor.PhaseClosing]
}

// ToggleHiddenCloseType flips membership of closeType in the hide set and
// reports whether it is now hidden.
func (f *FilterState) ToggleHiddenCloseType(closeType string) bool {
	return toggle(f.hiddenCloseTypes, closeType)
}

// ToggleHiddenInvalidReason flips membership of reason in the hide set and
// reports whether it is now hidden.
func (f *FilterState) ToggleHiddenInvalidReason(reason string) bool {
	return toggle(f.hiddenInvalidReasons, reason)
}

func (f FilterState) HiddenCloseTypes() []string {
	return sortedKeys(f.hiddenCloseTypes)
}

func (f FilterState) HiddenInvalidReasons() []string {
	return sortedKeys(f.hiddenInvalidReasons)
}

func (f FilterState) reasonFilterActive() bool {
	return len(f.hiddenCloseTypes) > 0 || len(f.hiddenInvalidReasons) > 0
}

func toggle(set map[string]struct{}, key string) bool {
	if _, ok := set[key]; ok {
		delete(set, key)
		return false
	}
	set[key] = struct{}{}
	return true
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
