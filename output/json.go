package output

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/timearcs/timearcs/binning"
	"github.com/timearcs/timearcs/engine"
	"github.com/timearcs/timearcs/ingestor"
	"github.com/timearcs/timearcs/scale"
	"github.com/timearcs/timearcs/version"
)

// ViewOutput is the serialisable form of one engine view
type ViewOutput struct {
	Metadata   Metadata          `json:"metadata"`
	General    General           `json:"general"`
	View       ViewSummary       `json:"view"`
	Scale      scale.SizeScale   `json:"scale"`
	Filters    *Filters          `json:"filters,omitempty"`
	Aggregates []AggregateOutput `json:"aggregates"`
	LiveStats  *LiveStats        `json:"live_stats,omitempty"`
	Warnings   []Warning         `json:"warnings"`
	Errors     []Error           `json:"errors"`

	// Mutex for thread-safe warning/error appending
	mu sync.Mutex `json:"-"`
}

// Metadata contains information about the run
type Metadata struct {
	GeneratedAt time.Time `json:"generated_at"`
	Mode        string    `json:"mode"`
	Version     string    `json:"version"`
	DurationMS  int64     `json:"duration_ms"`
}

// General describes the loaded event set
type General struct {
	EventFile   string  `json:"event_file,omitempty"`
	TotalEvents int     `json:"total_events"`
	Endpoints   int     `json:"endpoints"`
	DataVersion uint64  `json:"data_version"`
	Parsing     Parsing `json:"parsing"`
}

// Parsing contains ingestion metrics
type Parsing struct {
	DurationMS    int64  `json:"duration_ms"`
	RatePerSecond int64  `json:"rate_per_second"`
	Format        string `json:"format,omitempty"`
	Malformed     int    `json:"malformed,omitempty"`
	Skipped       int    `json:"skipped,omitempty"`
}

// ViewSummary describes the viewport and how it was aggregated
type ViewSummary struct {
	Start             int64  `json:"start"`
	End               int64  `json:"end"`
	PixelWidth        int    `json:"pixel_width"`
	Layer             string `json:"layer"`
	BucketWidth       int64  `json:"bucket_width"`
	Reason            string `json:"reason,omitempty"`
	Events            int    `json:"events"`
	Aggregates        int    `json:"aggregates"`
	VisibleAggregates int    `json:"visible_aggregates"`
}

// Filters mirrors the engine filter state
type Filters struct {
	SelectedFlows        []string        `json:"selected_flows"`
	Phases               map[string]bool `json:"phases"`
	HiddenCloseTypes     []string        `json:"hidden_close_types"`
	HiddenInvalidReasons []string        `json:"hidden_invalid_reasons"`
}

// AggregateOutput is one drawable aggregate
type AggregateOutput struct {
	Binned    bool    `json:"binned"`
	Timestamp int64   `json:"timestamp"`
	Bucket    int64   `json:"bucket,omitempty"`
	Anchor    int64   `json:"anchor"`
	Row       int     `json:"row"`
	Endpoint  string  `json:"endpoint,omitempty"`
	Category  string  `json:"category"`
	Count     int     `json:"count"`
	Bytes     uint64  `json:"bytes"`
	Visible   bool    `json:"visible"`
	Opacity   float64 `json:"opacity"`
	Weight    float64 `json:"weight"`
}

// LiveStats contains statistics for live mode
type LiveStats struct {
	WindowSize     int   `json:"window_size"`
	ProcessedBatch int   `json:"processed_batch"`
	Dropped        int   `json:"dropped"`
	LoopDuration   int64 `json:"loop_duration_ms"`
}

// Warning represents a warning message
type Warning struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Count   int    `json:"count,omitempty"`
}

// Error represents an error message
type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Count   int    `json:"count,omitempty"`
}

// NewViewOutput creates an output with default metadata
func NewViewOutput(mode string, startTime time.Time) *ViewOutput {
	return &ViewOutput{
		Metadata: Metadata{
			GeneratedAt: time.Now().UTC(),
			Mode:        mode,
			Version:     version.Version,
			DurationMS:  time.Since(startTime).Milliseconds(),
		},
		Aggregates: []AggregateOutput{},
		Warnings:   []Warning{},
		Errors:     []Error{},
	}
}

// SetView copies v into the output. With visibleOnly set, hidden aggregates
// are left out of Aggregates but still counted in the summary.
func (o *ViewOutput) SetView(v engine.View, visibleOnly bool) {
	o.General.DataVersion = v.Version
	o.Scale = v.Scale
	o.View = ViewSummary{
		Start:       v.Domain.Start,
		End:         v.Domain.End,
		PixelWidth:  v.Domain.PixelWidth,
		Layer:       v.Layer.String(),
		BucketWidth: v.BucketWidth,
		Reason:      v.Reason,
		Events:      v.Events,
		Aggregates:  len(v.Aggregates),
	}

	o.Aggregates = make([]AggregateOutput, 0, len(v.Aggregates))
	for i := range v.Aggregates {
		a := &v.Aggregates[i]
		if a.Visible {
			o.View.VisibleAggregates++
		} else if visibleOnly {
			continue
		}
		o.Aggregates = append(o.Aggregates, aggregateOutput(a, v))
	}
}

func aggregateOutput(a *binning.Aggregate, v engine.View) AggregateOutput {
	out := AggregateOutput{
		Binned:    a.Binned,
		Timestamp: a.Timestamp,
		Anchor:    a.Anchor(),
		Row:       a.Row,
		Category:  string(a.Category),
		Count:     a.Count,
		Bytes:     a.Bytes,
		Visible:   a.Visible,
		Opacity:   a.Opacity,
		Weight:    a.Weight,
	}
	if a.Binned {
		out.Bucket = a.Bucket
	}
	if v.Layout != nil {
		out.Endpoint = v.Layout.Endpoint(a.Row)
	}
	return out
}

// SetFilters copies the filter state of e into the output.
func (o *ViewOutput) SetFilters(e *engine.Engine) {
	f := e.Filters()
	o.Filters = &Filters{
		SelectedFlows:        f.Selected(),
		Phases:               PhaseMap(f.PhaseEnabled),
		HiddenCloseTypes:     f.HiddenCloseTypes(),
		HiddenInvalidReasons: f.HiddenInvalidReasons(),
	}
}

// PhaseMap names the state of every toggleable phase.
func PhaseMap(enabled func(ingestor.Phase) bool) map[string]bool {
	m := make(map[string]bool, len(ingestor.Phases))
	for _, p := range ingestor.Phases {
		m[p.String()] = enabled(p)
	}
	return m
}

// ToJSON converts the output to pretty-printed JSON
func (o *ViewOutput) ToJSON() ([]byte, error) {
	return json.MarshalIndent(o, "", "  ")
}

// ToCompactJSON converts the output to compact JSON
func (o *ViewOutput) ToCompactJSON() ([]byte, error) {
	return json.Marshal(o)
}

// AddWarning adds a warning to the output (thread-safe)
func (o *ViewOutput) AddWarning(warningType, message string, count int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Warnings = append(o.Warnings, Warning{
		Type:    warningType,
		Message: message,
		Count:   count,
	})
}

// AddError adds an error to the output (thread-safe)
func (o *ViewOutput) AddError(errorType, message string, count int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Errors = append(o.Errors, Error{
		Type:    errorType,
		Message: message,
		Count:   count,
	})
}

// UpdateDuration updates the duration in metadata
func (o *ViewOutput) UpdateDuration(startTime time.Time) {
	o.Metadata.DurationMS = time.Since(startTime).Milliseconds()
}
