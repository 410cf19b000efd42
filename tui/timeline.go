package tui

import (
	"fmt"
	"strings"

	"github.com/rivo/tview"
	"github.com/timearcs/timearcs/engine"
)

const (
	timelineColumns = 120
	timelineRows    = 60
	labelWidth      = 16
)

// TimelineView draws the visible aggregates of a view as a per endpoint
// intensity strip.
type TimelineView struct {
	view *tview.TextView
}

func NewTimelineView() *TimelineView {
	v := &TimelineView{}
	v.view = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetWrap(false)
	v.view.SetBorder(true).SetTitle(" Timeline ").SetTitleAlign(tview.AlignCenter)
	return v
}

func (v *TimelineView) GetView() *tview.TextView {
	return v.view
}

func (v *TimelineView) Render(view engine.View) {
	v.view.SetText(RenderTimeline(view, timelineColumns, timelineRows))
}

// StripCounts sums visible aggregate counts into a rows x cols grid. Column
// i covers an equal share of the view domain; rows beyond maxRows and
// aggregates without a row are skipped.
func StripCounts(view engine.View, cols, maxRows int) [][]int {
	rows := view.Layout.Len()
	if rows > maxRows {
		rows = maxRows
	}
	grid := make([][]int, rows)
	for i := range grid {
		grid[i] = make([]int, cols)
	}

	span := view.Domain.End - view.Domain.Start
	if span <= 0 || cols <= 0 {
		return grid
	}
	for i := range view.Aggregates {
		agg := &view.Aggregates[i]
		if !agg.Visible || agg.Row < 0 || agg.Row >= rows {
			continue
		}
		col := int((agg.Anchor() - view.Domain.Start) * int64(cols) / span)
		if col < 0 {
			col = 0
		}
		if col >= cols {
			col = cols - 1
		}
		grid[agg.Row][col] += agg.Count
	}
	return grid
}

// RenderTimeline returns the strip as tview color-tagged text.
func RenderTimeline(view engine.View, cols, maxRows int) string {
	grid := StripCounts(view, cols, maxRows)

	maxCell := 0
	for _, row := range grid {
		for _, c := range row {
			if c > maxCell {
				maxCell = c
			}
		}
	}

	var content strings.Builder
	fmt.Fprintf(&content, "[white::b]Range [%d, %d)[white::-]  %d visible of %d aggregates\n\n",
		view.Domain.Start, view.Domain.End, view.VisibleCount(), len(view.Aggregates))

	content.WriteString(strings.Repeat(" ", labelWidth+1))
	content.WriteString("┌")
	content.WriteString(strings.Repeat("─", cols))
	content.WriteString("┐\n")

	for r, row := range grid {
		label := view.Layout.Endpoint(r)
		if len(label) > labelWidth {
			label = label[:labelWidth-1] + "…"
		}
		fmt.Fprintf(&content, "%*s │", labelWidth, label)
		for _, c := range row {
			if c == 0 {
				content.WriteString("[black]█[white]")
				continue
			}
			color, char := intensityColorAndChar(float64(c) / float64(maxCell))
			fmt.Fprintf(&content, "[%s]%s[white]", color, char)
		}
		content.WriteString("│\n")
	}

	content.WriteString(strings.Repeat(" ", labelWidth+1))
	content.WriteString("└")
	content.WriteString(strings.Repeat("─", cols))
	content.WriteString("┘\n")

	if hidden := view.Layout.Len() - len(grid); hidden > 0 {
		fmt.Fprintf(&content, "[dim]%d more endpoints not shown[white]\n", hidden)
	}
	content.WriteString("\n[dim]Event count (10% steps):[white] ")
	for _, step := range []float64{0.05, 0.3, 0.5, 0.7, 0.95} {
		color, char := intensityColorAndChar(step)
		fmt.Fprintf(&content, "[%s]%s%s%s[white]=%.0f%% ", color, char, char, char, step*100)
	}
	content.WriteString("\n")
	return content.String()
}

// intensityColorAndChar maps intensity in (0, 1] onto ten grey levels.
func intensityColorAndChar(intensity float64) (string, string) {
	switch {
	case intensity >= 0.9:
		return "white", "█"
	case intensity >= 0.8:
		return "#E0E0E0", "█"
	case intensity >= 0.7:
		return "#C0C0C0", "█"
	case intensity >= 0.6:
		return "#A0A0A0", "█"
	case intensity >= 0.5:
		return "#808080", "█"
	case intensity >= 0.4:
		return "#606060", "█"
	case intensity >= 0.3:
		return "#505050", "█"
	case intensity >= 0.2:
		return "#404040", "█"
	case intensity >= 0.1:
		return "#303030", "█"
	case intensity > 0:
		return "#202020", "█"
	default:
		return "black", "█"
	}
}
