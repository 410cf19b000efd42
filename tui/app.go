package tui

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"github.com/timearcs/timearcs/binning"
	"github.com/timearcs/timearcs/engine"
	"github.com/timearcs/timearcs/ingestor"
	"github.com/timearcs/timearcs/output"
)

const (
	zoomFactor  = 2.0
	panFraction = 0.25
	// tableRows caps the aggregate table; the timeline page shows everything.
	tableRows = 500
)

// App is the terminal browser for one engine.
type App struct {
	app          *tview.Application
	pages        *tview.Pages
	progressView *tview.TextView
	summary      *tview.TextView
	table        *tview.Table
	diagnostics  *tview.TextView
	timeline     *TimelineView
	statusBar    *tview.TextView

	engine    *engine.Engine
	eventFile string

	// Shared mutable state protected by mu (written from the update loop)
	mu       sync.Mutex
	current  engine.View
	viewport engine.Viewport
	warnings []string

	ready atomic.Bool
	done  chan struct{}
}

// NewApp creates a browser for e. eventFile is only shown in the summary.
func NewApp(e *engine.Engine, eventFile string) *App {
	a := &App{
		app:       tview.NewApplication(),
		pages:     tview.NewPages(),
		engine:    e,
		eventFile: eventFile,
		done:      make(chan struct{}),
	}
	a.setupUI()
	return a
}

// AddWarning shows msg in the diagnostics panel.
func (a *App) AddWarning(msg string) {
	a.mu.Lock()
	a.warnings = append(a.warnings, msg)
	a.mu.Unlock()
}

// ShowError displays an error message and stays on the progress page.
func (a *App) ShowError(message string) {
	a.app.QueueUpdateDraw(func() {
		a.progressView.SetText(fmt.Sprintf("[red]Error:[white] %s\n\n[yellow]Press 'q' to quit[white]", message))
		a.statusBar.SetText("[red]Loading failed![white] | Press 'q' to quit")
		a.pages.SwitchToPage("progress")
	})
}

func (a *App) setupUI() {
	a.progressView = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(false).
		SetWrap(false)
	a.progressView.SetBorder(true).SetTitle(" timearcs ").SetTitleAlign(tview.AlignCenter)
	a.progressView.SetText("\n[white::b]timearcs[white::-]\n\n[yellow]▶[white] Computing view...\n\n[dim]Press 'q' to quit[white]")

	a.summary = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(false)
	a.summary.SetBorder(true).SetTitle(" Summary ").SetTitleAlign(tview.AlignLeft)

	a.table = tview.NewTable().
		SetBorders(false).
		SetFixed(1, 0).
		SetSelectable(true, false)
	a.table.SetBorder(true).SetTitle(" Aggregates ").SetTitleAlign(tview.AlignLeft)

	a.diagnostics = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	a.diagnostics.SetBorder(true).SetTitle(" Filters & Diagnostics ").SetTitleAlign(tview.AlignLeft)

	a.timeline = NewTimelineView()

	a.statusBar = tview.NewTextView().
		SetDynamicColors(true).
		SetText("[yellow]Computing view...[white] | Press 'q' to quit")

	bottomRow := tview.NewFlex().SetDirection(tview.FlexColumn).
		AddItem(a.table, 0, 3, true).
		AddItem(a.diagnostics, 0, 1, false)

	results := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(a.summary, 8, 0, false).
		AddItem(bottomRow, 0, 1, true).
		AddItem(a.statusBar, 1, 0, false)

	progress := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(a.progressView, 0, 1, false).
		AddItem(a.statusBar, 1, 0, false)

	timeline := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(a.timeline.GetView(), 0, 1, true).
		AddItem(a.statusBar, 1, 0, false)

	a.pages.AddPage("progress", progress, true, true)
	a.pages.AddPage("results", results, true, false)
	a.pages.AddPage("timeline", timeline, true, false)

	a.app.SetInputCapture(a.handleKey)
	a.app.SetRoot(a.pages, true)
}

func (a *App) handleKey(event *tcell.EventKey) *tcell.EventKey {
	switch event.Rune() {
	case 'q', 'Q':
		a.app.Stop()
		return nil
	}
	if !a.ready.Load() {
		return event
	}

	switch event.Rune() {
	case '+', '=':
		a.zoom(1 / zoomFactor)
	case '-', '_':
		a.zoom(zoomFactor)
	case 'h', 'H':
		a.pan(-panFraction)
	case 'l', 'L':
		a.pan(panFraction)
	case '0':
		go a.Reset()
	case 'a', 'A':
		go a.engine.SetAggregationEnabled(!a.engine.AggregationEnabled())
	case '1', '2', '3':
		phase := ingestor.Phases[event.Rune()-'1']
		go func() {
			if _, err := a.engine.TogglePhase(phase); err != nil {
				a.AddWarning(err.Error())
			}
		}()
	case 'v', 'V':
		a.pages.SwitchToPage("timeline")
	case 'r', 'R':
		a.pages.SwitchToPage("results")
	default:
		return event
	}
	return nil
}

func (a *App) zoom(factor float64) {
	start, end := a.engine.Extent()
	a.mu.Lock()
	a.viewport = ZoomViewport(a.viewport, factor, start, end)
	vp := a.viewport
	a.mu.Unlock()
	a.engine.Zoom(vp)
	a.statusBar.SetText(fmt.Sprintf("[yellow]Zooming to [%d, %d)...[white]", vp.Start, vp.End))
}

func (a *App) pan(fraction float64) {
	start, end := a.engine.Extent()
	a.mu.Lock()
	a.viewport = PanViewport(a.viewport, fraction, start, end)
	vp := a.viewport
	a.mu.Unlock()
	a.engine.Zoom(vp)
}

// Reset shows the full extent. Call it once the engine holds data.
func (a *App) Reset() {
	v, err := a.engine.ResetZoom(context.Background())
	if err != nil {
		a.AddWarning(fmt.Sprintf("reset failed: %v", err))
		return
	}
	a.show(v)
}

// Run runs the terminal UI until 'q'. The progress page stays up until the
// first view arrives through Reset or the engine's updates.
func (a *App) Run() error {
	go a.watchUpdates()
	defer close(a.done)
	return a.app.Run()
}

func (a *App) watchUpdates() {
	updates := a.engine.Updates()
	for {
		select {
		case <-a.done:
			return
		case v := <-updates:
			a.show(v)
		}
	}
}

// show stores v and redraws every panel from it.
func (a *App) show(v engine.View) {
	a.mu.Lock()
	a.current = v
	a.viewport = engine.Viewport{Start: v.Domain.Start, End: v.Domain.End}
	a.mu.Unlock()
	a.ready.Store(true)

	summary := a.buildSummaryText(v)
	diagnostics := a.buildDiagnosticsText()
	status := StatusLine(v)

	a.app.QueueUpdateDraw(func() {
		a.summary.SetText(summary)
		a.fillTable(v)
		a.diagnostics.SetText(diagnostics)
		a.timeline.Render(v)
		a.statusBar.SetText(status)
		if front, _ := a.pages.GetFrontPage(); front == "progress" {
			a.pages.SwitchToPage("results")
		}
	})
}

func (a *App) buildSummaryText(v engine.View) string {
	var b strings.Builder
	b.WriteString("[white::b]Timeline Overview[white::-]\n")
	if a.eventFile != "" {
		fmt.Fprintf(&b, "[dim]Event file:[white] %s\n", a.eventFile)
	}
	fmt.Fprintf(&b, "[dim]Events:[white] %s total, %s in view  [dim]Endpoints:[white] %d\n",
		output.FormatNumber(a.engine.EventCount()), output.FormatNumber(v.Events), v.Layout.Len())
	fmt.Fprintf(&b, "[dim]Range:[white] [%d, %d) at %d px  [dim]Layer:[white] %s\n",
		v.Domain.Start, v.Domain.End, v.Domain.PixelWidth, v.Layer)
	if v.BucketWidth > 0 {
		fmt.Fprintf(&b, "[dim]Bucket width:[white] %d\n", v.BucketWidth)
	} else {
		fmt.Fprintf(&b, "[dim]Bucket width:[white] none (%s)\n", v.Reason)
	}
	fmt.Fprintf(&b, "[dim]Aggregates:[white] %s (%s visible)",
		output.FormatNumber(len(v.Aggregates)), output.FormatNumber(v.VisibleCount()))
	return b.String()
}

func (a *App) buildDiagnosticsText() string {
	f := a.engine.Filters()
	var b strings.Builder

	b.WriteString("[white::b]Phases[white::-]\n")
	for i, p := range ingestor.Phases {
		state := "[green]on[white]"
		if !f.PhaseEnabled(p) {
			state = "[red]off[white]"
		}
		fmt.Fprintf(&b, "  %d %s: %s\n", i+1, p, state)
	}
	fmt.Fprintf(&b, "\n[white::b]Aggregation:[white::-] %t\n", a.engine.AggregationEnabled())
	if sel := f.Selected(); len(sel) > 0 {
		fmt.Fprintf(&b, "[white::b]Selected flows:[white::-] %d\n", len(sel))
	}
	if hidden := f.HiddenCloseTypes(); len(hidden) > 0 {
		fmt.Fprintf(&b, "[white::b]Hidden close types:[white::-] %s\n", strings.Join(hidden, ", "))
	}
	if hidden := f.HiddenInvalidReasons(); len(hidden) > 0 {
		fmt.Fprintf(&b, "[white::b]Hidden reasons:[white::-] %s\n", strings.Join(hidden, ", "))
	}

	hits, misses := a.engine.CacheStats()
	fmt.Fprintf(&b, "\n[dim]Cache hits/misses:[white] %d/%d\n", hits, misses)

	a.mu.Lock()
	warnings := append([]string(nil), a.warnings...)
	a.mu.Unlock()
	if len(warnings) > 0 {
		b.WriteString("\n[yellow]Warnings[white]\n")
		for _, w := range warnings {
			fmt.Fprintf(&b, "  • %s\n", w)
		}
	}
	return b.String()
}

func (a *App) fillTable(v engine.View) {
	a.table.Clear()
	for col, h := range []string{"ANCHOR", "ENDPOINT", "CATEGORY", "COUNT", "BYTES", "WEIGHT"} {
		a.table.SetCell(0, col, tview.NewTableCell(h).
			SetTextColor(tcell.ColorYellow).
			SetSelectable(false))
	}

	row := 1
	for i := range v.Aggregates {
		agg := &v.Aggregates[i]
		if !agg.Visible {
			continue
		}
		if row > tableRows {
			a.table.SetCell(row, 0, tview.NewTableCell(fmt.Sprintf("... %d more", v.VisibleCount()-tableRows)).
				SetSelectable(false))
			break
		}
		for col, text := range AggregateCells(agg, v) {
			cell := tview.NewTableCell(text)
			if col >= 3 {
				cell.SetAlign(tview.AlignRight)
			}
			if col == 2 {
				cell.SetTextColor(categoryColor(agg.Category))
			}
			a.table.SetCell(row, col, cell)
		}
		row++
	}
}

// AggregateCells formats one aggregate as table cells.
func AggregateCells(agg *binning.Aggregate, v engine.View) []string {
	anchor := fmt.Sprintf("%d", agg.Anchor())
	if agg.Binned {
		anchor += "*"
	}
	endpoint := v.Layout.Endpoint(agg.Row)
	if endpoint == "" {
		endpoint = "?"
	}
	return []string{
		anchor,
		endpoint,
		string(agg.Category),
		output.FormatNumber(agg.Count),
		output.FormatNumber(int(agg.Bytes)),
		fmt.Sprintf("%.1f", agg.Weight),
	}
}

// StatusLine renders the status bar for v.
func StatusLine(v engine.View) string {
	width := "raw"
	if v.BucketWidth > 0 {
		width = fmt.Sprintf("%d", v.BucketWidth)
	}
	return fmt.Sprintf("[green]v%d[white] | bucket %s | observedMax %d | +/- zoom, h/l pan, 0 reset, a aggregation, 1/2/3 phases, v timeline, r table, q quit",
		v.Version, width, v.Scale.ObservedMax)
}

func categoryColor(c ingestor.Category) tcell.Color {
	switch ingestor.PhaseOf(c) {
	case ingestor.PhaseEstablishment:
		return tcell.ColorGreen
	case ingestor.PhaseClosing:
		return tcell.ColorRed
	case ingestor.PhaseDataTransfer:
		return tcell.ColorWhite
	default:
		return tcell.ColorGray
	}
}

// ZoomViewport scales vp around its centre by factor, clamped to the full
// extent [start, end). A zero viewport starts from the full extent.
func ZoomViewport(vp engine.Viewport, factor float64, start, end int64) engine.Viewport {
	if vp.End <= vp.Start {
		vp = engine.Viewport{Start: start, End: end}
	}
	span := float64(vp.End-vp.Start) * factor
	if span < 1 {
		span = 1
	}
	full := float64(end - start)
	if span >= full {
		return engine.Viewport{Start: start, End: end, PixelWidth: vp.PixelWidth}
	}
	centre := float64(vp.Start) + float64(vp.End-vp.Start)/2
	next := engine.Viewport{
		Start:      int64(centre - span/2),
		End:        int64(centre - span/2 + span),
		PixelWidth: vp.PixelWidth,
	}
	return clampViewport(next, start, end)
}

// PanViewport shifts vp by fraction of its own span, clamped to the full
// extent.
func PanViewport(vp engine.Viewport, fraction float64, start, end int64) engine.Viewport {
	if vp.End <= vp.Start {
		vp = engine.Viewport{Start: start, End: end}
	}
	shift := int64(float64(vp.End-vp.Start) * fraction)
	vp.Start += shift
	vp.End += shift
	return clampViewport(vp, start, end)
}

func clampViewport(vp engine.Viewport, start, end int64) engine.Viewport {
	span := vp.End - vp.Start
	if vp.Start < start {
		vp.Start, vp.End = start, start+span
	}
	if vp.End > end {
		vp.Start, vp.End = end-span, end
	}
	if vp.Start < start {
		vp.Start = start
	}
	return vp
}
