package binning

// DefaultTargetBins is the default target aggregate count per viewport
const DefaultTargetBins = 300

// MinEventsPerBucket is the expected bucket occupancy below which
// aggregation is not worth it.
const MinEventsPerBucket = 1.15

// Sparsity thresholds and the minimum widths, in milliseconds, the
// correction may shrink a bucket to.
const (
	VerySparseFraction = 0.7
	SparseFraction     = 0.5
	verySparseFloorMs  = 100
	sparseFloorMs      = 200
)

// Suppression reasons reported with a Selection
const (
	ReasonDisabled   = "disabled"
	ReasonDegenerate = "degenerate viewport"
	ReasonSubPixel   = "sub-pixel bucket"
	ReasonTooSparse  = "too few events per bucket"
)

// SelectorInput describes the visible window a bucket width is chosen for.
type SelectorInput struct {
	VisibleSpan        int64 // native time units
	TargetBins         int
	AggregationEnabled bool
	VisibleCount       int
	PixelWidth         int
	SparseFraction     float64 // share of endpoint pairs in view with few events
	TimeUnitsPerSecond int64
}

// Selection is the outcome of SelectBucketWidth. Width 0 means aggregation
// is off for this view; Reason says why.
type Selection struct {
	Width    int64
	Nominal  int64
	Expected float64
	Reason   string
}

// Disabled reports whether the selection turns aggregation off.
func (s Selection) Disabled() bool {
	return s.Width == 0
}

// SelectBucketWidth picks the time width of one aggregation bucket.
//
// The nominal width splits the span into TargetBins buckets. Aggregation is
// suppressed when a bucket would not cover more than one pixel or when the
// view holds too few events to fill the buckets. Otherwise, views dominated
// by sparse endpoint pairs get narrower buckets so short bursts stay
// distinguishable.
func SelectBucketWidth(in SelectorInput) Selection {
	if !in.AggregationEnabled {
		return Selection{Reason: ReasonDisabled}
	}
	if in.VisibleSpan <= 0 || in.PixelWidth <= 0 {
		return Selection{Reason: ReasonDegenerate}
	}

	target := in.TargetBins
	if target <= 0 {
		target = DefaultTargetBins
	}

	width := in.VisibleSpan / int64(target)
	if width < 1 {
		width = 1
	}
	sel := Selection{Nominal: width}

	bins := target
	if in.PixelWidth < bins {
		bins = in.PixelWidth
	}
	sel.Expected = float64(in.VisibleCount) / float64(bins)

	unitsPerPixel := float64(in.VisibleSpan) / float64(in.PixelWidth)
	switch {
	case width == 0, float64(width) <= unitsPerPixel:
		sel.Reason = ReasonSubPixel
		return sel
	case sel.Expected < MinEventsPerBucket:
		sel.Reason = ReasonTooSparse
		return sel
	}

	sel.Width = sparsityCorrected(width, in.SparseFraction, in.TimeUnitsPerSecond)
	return sel
}

// sparsityCorrected shrinks width for sparse views. The result never
// exceeds width.
func sparsityCorrected(width int64, sparse float64, unitsPerSecond int64) int64 {
	if unitsPerSecond <= 0 {
		unitsPerSecond = 1_000_000
	}
	var divisor, floor int64
	switch {
	case sparse > VerySparseFraction:
		divisor, floor = 4, verySparseFloorMs*unitsPerSecond/1000
	case sparse > SparseFraction:
		divisor, floor = 2, sparseFloorMs*unitsPerSecond/1000
	default:
		return width
	}
	corrected := width / divisor
	if corrected < floor {
		corrected = floor
	}
	if corrected > width {
		corrected = width
	}
	if corrected < 1 {
		corrected = 1
	}
	return corrected
}
