package scale

import (
	"math"
	"sync"

	"github.com/timearcs/timearcs/binning"
)

const (
	DefaultMinWeight = 2.0
	DefaultMaxWeight = 24.0
)

// SizeScale maps an aggregate count in [1, ObservedMax] onto a visual weight
// in [Min, Max] along a square root curve, so drawn area grows linearly
// with count.
type SizeScale struct {
	Min         float64 `json:"minWeight"`
	Max         float64 `json:"maxWeight"`
	ObservedMax int     `json:"observedMax"`
}

// Weight returns the visual weight for count, clamped to [Min, Max].
func (s SizeScale) Weight(count int) float64 {
	if s.ObservedMax <= 1 || count <= 1 {
		return s.Min
	}
	if count >= s.ObservedMax {
		return s.Max
	}
	t := (math.Sqrt(float64(count)) - 1) / (math.Sqrt(float64(s.ObservedMax)) - 1)
	return s.Min + (s.Max-s.Min)*t
}

// Calibrator owns the process wide observedMax of one engine. It is
// recomputed from the visible binned aggregates and kept when none are
// visible.
type Calibrator struct {
	mu          sync.Mutex
	min, max    float64
	observedMax int
}

func NewCalibrator(minWeight, maxWeight float64) *Calibrator {
	if minWeight <= 0 {
		minWeight = DefaultMinWeight
	}
	if maxWeight < minWeight {
		maxWeight = minWeight
	}
	return &Calibrator{min: minWeight, max: maxWeight, observedMax: 1}
}

// Calibrate recomputes observedMax from aggs and writes the resulting weight
// onto every aggregate. Only binned aggregates that are visible with a
// non-zero opacity count towards observedMax.
func (c *Calibrator) Calibrate(aggs []binning.Aggregate) SizeScale {
	c.mu.Lock()
	defer c.mu.Unlock()

	observed := 0
	for i := range aggs {
		a := &aggs[i]
		if a.Binned && a.Visible && a.Opacity > 0 && a.Count > observed {
			observed = a.Count
		}
	}
	if observed > 0 {
		c.observedMax = observed
	}

	s := c.scaleLocked()
	for i := range aggs {
		if aggs[i].Binned {
			aggs[i].Weight = s.Weight(aggs[i].Count)
		} else {
			aggs[i].Weight = s.Min
		}
	}
	return s
}

func (c *Calibrator) ObservedMax() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.observedMax
}

func (c *Calibrator) Scale() SizeScale {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scaleLocked()
}

func (c *Calibrator) scaleLocked() SizeScale {
	return SizeScale{Min: c.min, Max: c.max, ObservedMax: c.observedMax}
}
