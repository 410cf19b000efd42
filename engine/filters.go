package engine

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/timearcs/timearcs/config"
	"github.com/timearcs/timearcs/ingestor"
	"github.com/timearcs/timearcs/visibility"
)

// refreshLocked recomputes the last requested view after a mutation and
// publishes it, either directly or through the background pump.
func (e *Engine) refreshLocked() {
	if !e.hasLast || !e.loaded || e.closed {
		return
	}
	v, ready, err := e.viewLocked(context.Background(), e.last, false)
	if err != nil {
		log.Printf("engine: refresh failed: %v", err)
		return
	}
	if ready {
		e.publish(v)
	}
}

// Filters returns a copy of the current filter state.
func (e *Engine) Filters() visibility.FilterState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.filters.Clone()
}

// SelectFlows narrows the view to the given connection keys.
func (e *Engine) SelectFlows(keys []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.filters.SelectFlows(keys)
	e.refreshLocked()
}

func (e *Engine) ClearFlowSelection() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.filters.ClearFlows()
	e.refreshLocked()
}

func (e *Engine) SetPhase(p ingestor.Phase, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.filters.SetPhase(p, enabled); err != nil {
		return err
	}
	e.refreshLocked()
	return nil
}

// TogglePhase flips a phase and returns whether it is now enabled.
func (e *Engine) TogglePhase(p ingestor.Phase) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	enabled, err := e.filters.TogglePhase(p)
	if err != nil {
		return false, err
	}
	e.refreshLocked()
	return enabled, nil
}

// ToggleHiddenCloseType returns whether closeType is now hidden.
func (e *Engine) ToggleHiddenCloseType(closeType string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	hidden := e.filters.ToggleHiddenCloseType(closeType)
	e.refreshLocked()
	return hidden
}

// ToggleHiddenInvalidReason returns whether reason is now hidden.
func (e *Engine) ToggleHiddenInvalidReason(reason string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	hidden := e.filters.ToggleHiddenInvalidReason(reason)
	e.refreshLocked()
	return hidden
}

// The operations below change what gets aggregated and therefore
// invalidate both cache layers.

// SetEndpointFilter restricts the event set to traffic between the given
// endpoints. match is config.MatchBoth or config.MatchEither; an empty
// endpoint list removes the filter.
func (e *Engine) SetEndpointFilter(endpoints []string, match string) error {
	match = strings.ToLower(match)
	if match == "" {
		match = config.MatchBoth
	}
	if match != config.MatchBoth && match != config.MatchEither {
		return fmt.Errorf("invalid endpoint match %q", match)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.setEndpoints(endpoints, match)
	e.invalidateLocked()
	e.refreshLocked()
	return nil
}

func (e *Engine) setEndpoints(endpoints []string, match string) {
	if match == "" {
		match = config.MatchBoth
	}
	e.endpointMatch = match
	if len(endpoints) == 0 {
		e.endpoints = nil
		return
	}
	e.endpoints = make(map[string]struct{}, len(endpoints))
	for _, ep := range endpoints {
		e.endpoints[ep] = struct{}{}
	}
}

func (e *Engine) endpointAllowed(ev *ingestor.Event) bool {
	if e.endpoints == nil {
		return true
	}
	_, src := e.endpoints[ev.Src]
	_, dst := e.endpoints[ev.Dst]
	if e.endpointMatch == config.MatchEither {
		return src || dst
	}
	return src && dst
}

// Resize sets the pixel width views are computed for.
func (e *Engine) Resize(pixelWidth int) error {
	if pixelWidth <= 0 {
		return fmt.Errorf("pixel width must be positive, got %d", pixelWidth)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.pixelWidth = pixelWidth
	e.last.PixelWidth = 0
	e.invalidateLocked()
	e.refreshLocked()
	return nil
}

// ReorderRows moves the given endpoints to the top rows.
func (e *Engine) ReorderRows(order []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.loaded {
		return ErrNoData
	}

	l, err := e.layout.Reorder(order)
	if err != nil {
		return fmt.Errorf("reordering rows: %w", err)
	}
	e.layout = l
	e.invalidateLocked()
	e.refreshLocked()
	return nil
}

// SetAggregationEnabled always invalidates, even when the flag does not
// change.
func (e *Engine) SetAggregationEnabled(enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.aggregation = enabled
	e.invalidateLocked()
	e.refreshLocked()
}

func (e *Engine) AggregationEnabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.aggregation
}
