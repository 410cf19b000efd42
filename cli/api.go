package cli

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/timearcs/timearcs/api"
	"github.com/timearcs/timearcs/config"
	"github.com/timearcs/timearcs/engine"
	"github.com/timearcs/timearcs/eventparser"
	"github.com/timearcs/timearcs/ingestor"
	"github.com/timearcs/timearcs/output"
	"github.com/timearcs/timearcs/tui"
)

// ============================================================================
// CONFIGURATION STRUCTS
// ============================================================================

// OutputConfig contains output formatting options
type OutputConfig struct {
	Compact     bool
	Plain       bool
	TUI         bool
	VisibleOnly bool
}

// ViewOptions selects the viewport of a static run. Unset bounds fall back
// to the full extent of the loaded events.
type ViewOptions struct {
	Start, End       int64
	HasStart, HasEnd bool
	Width            int
}

func (o ViewOptions) viewport(e *engine.Engine) engine.Viewport {
	start, end := e.Extent()
	vp := engine.Viewport{Start: start, End: end, PixelWidth: o.Width}
	if o.HasStart {
		vp.Start = o.Start
	}
	if o.HasEnd {
		vp.End = o.End
	}
	return vp
}

// ============================================================================
// MAIN ENTRY POINTS
// ============================================================================

// StaticFromConfig loads the event file, computes one view and prints it.
func StaticFromConfig(ctx context.Context, cfg *config.Config, view ViewOptions, outputConfig OutputConfig) error {
	if outputConfig.TUI {
		return executeTUI(ctx, cfg)
	}
	return executeStatic(ctx, cfg, view, outputConfig)
}

// LiveFromConfig aggregates events received from Filebeat until interrupted.
func LiveFromConfig(ctx context.Context, cfg *config.Config, outputConfig OutputConfig) error {
	return executeLive(ctx, cfg, outputConfig)
}

// ServeFromConfig loads the event file and serves the HTTP API until
// interrupted.
func ServeFromConfig(ctx context.Context, cfg *config.Config) error {
	return executeServe(ctx, cfg)
}

// ============================================================================
// CORE EXECUTION LOGIC
// ============================================================================

func newEngine(cfg *config.Config) *engine.Engine {
	return engine.New(*cfg.Engine, engine.WithFilters(cfg.Filters))
}

// loadEvents reads cfg.Static.EventFile and records parse statistics and
// warnings in result.
func loadEvents(ctx context.Context, cfg *config.Config, result *output.ViewOutput) ([]ingestor.Event, error) {
	parseStart := time.Now()

	var ipMap ingestor.IPMap
	if path := cfg.GetIPMap(); path != "" {
		var err error
		if ipMap, err = ingestor.LoadIPMap(path); err != nil {
			return nil, err
		}
	}

	path := cfg.Static.EventFile
	format, err := ingestor.DetectFormat(path, cfg.Static.Format)
	if err != nil {
		return nil, err
	}

	var (
		events []ingestor.Event
		stats  eventparser.Stats
	)
	switch format {
	case ingestor.FormatPcap:
		events, err = ingestor.ReadPcapFile(path, cfg.Static.MaxRecords)
	default:
		events, stats, err = eventparser.ParseFile(ctx, path, eventparser.Options{
			IPMap:      ipMap,
			MaxRecords: cfg.Static.MaxRecords,
		})
	}
	if err != nil {
		return nil, err
	}

	duration := time.Since(parseStart)
	rate := int64(0)
	if duration > 0 {
		rate = int64(float64(len(events)) / duration.Seconds())
	}
	result.General.Parsing = output.Parsing{
		DurationMS:    duration.Milliseconds(),
		RatePerSecond: rate,
		Format:        format,
		Malformed:     stats.Malformed,
		Skipped:       stats.NonTCP,
	}
	if stats.Malformed > 0 {
		result.AddWarning("parse", fmt.Sprintf("%d malformed lines skipped", stats.Malformed), stats.Malformed)
	}
	if stats.NonTCP > 0 {
		result.AddWarning("info", fmt.Sprintf("%d non-TCP lines skipped", stats.NonTCP), stats.NonTCP)
	}
	if len(events) == 0 {
		result.AddWarning("empty", "no events loaded", 0)
	}
	return events, nil
}

func executeStatic(ctx context.Context, cfg *config.Config, view ViewOptions, outputConfig OutputConfig) error {
	start := time.Now()
	result := output.NewViewOutput("static", start)
	result.General.EventFile = cfg.Static.EventFile

	events, err := loadEvents(ctx, cfg, result)
	if err != nil {
		result.AddError("load", err.Error(), 1)
		outputResult(result, outputConfig)
		return err
	}

	e := newEngine(cfg)
	defer e.Close()
	e.Load(events)

	v, err := e.View(ctx, view.viewport(e))
	if err != nil {
		result.AddError("view", err.Error(), 1)
		outputResult(result, outputConfig)
		return err
	}

	result.General.TotalEvents = e.EventCount()
	result.General.Endpoints = v.Layout.Len()
	result.SetView(v, outputConfig.VisibleOnly)
	result.SetFilters(e)

	if cfg.Static.PlotPath != "" {
		plotStart := time.Now()
		if err := output.PlotTimeline(v, cfg.Static.PlotPath); err != nil {
			result.AddError("plot", err.Error(), 1)
		} else {
			result.AddWarning("info", fmt.Sprintf("Timeline generated in %v at %s", time.Since(plotStart), cfg.Static.PlotPath), 0)
		}
	}

	result.UpdateDuration(start)
	outputResult(result, outputConfig)
	return nil
}

// executeTUI loads the events in the background while the browser shows
// its progress page.
func executeTUI(ctx context.Context, cfg *config.Config) error {
	e := newEngine(cfg)
	defer e.Close()
	app := tui.NewApp(e, cfg.Static.EventFile)

	go func() {
		result := output.NewViewOutput("static", time.Now())
		events, err := loadEvents(ctx, cfg, result)
		if err != nil {
			app.ShowError(fmt.Sprintf("Loading failed: %v", err))
			return
		}
		for _, w := range result.Warnings {
			if w.Type != "info" {
				app.AddWarning(w.Message)
			}
		}
		e.Load(events)
		app.Reset()
	}()

	if err := app.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}

func executeServe(ctx context.Context, cfg *config.Config) error {
	result := output.NewViewOutput("serve", time.Now())
	events, err := loadEvents(ctx, cfg, result)
	if err != nil {
		return fmt.Errorf("loading events: %w", err)
	}
	for _, w := range result.Warnings {
		log.Printf("%s: %s", w.Type, w.Message)
	}

	e := newEngine(cfg)
	defer e.Close()
	e.Load(events)
	log.Printf("Loaded %s events from %s", output.FormatNumber(len(events)), cfg.Static.EventFile)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return api.NewServer(e, cfg.Static.EventFile).ListenAndServe(ctx, cfg.Serve.Listen)
}

// ============================================================================
// LIVE MODE IMPLEMENTATION
// ============================================================================

func executeLive(ctx context.Context, cfg *config.Config, outputConfig OutputConfig) error {
	var ipMap ingestor.IPMap
	if path := cfg.GetIPMap(); path != "" {
		var err error
		if ipMap, err = ingestor.LoadIPMap(path); err != nil {
			return err
		}
	}

	ing, err := ingestor.NewTCPIngestor(
		":"+cfg.Live.Port,
		5*time.Second, // read timeout: avoid client disconnects
		ipMap,
	)
	if err != nil {
		return fmt.Errorf("error creating ingestor: %w", err)
	}

	e := newEngine(cfg)
	defer e.Close()
	e.Load(nil)

	initOutput := output.NewViewOutput("live", time.Now())
	initOutput.AddWarning("info", "Waiting for Filebeat to connect...", 0)
	outputResult(initOutput, outputConfig)

	if err := ing.Accept(); err != nil {
		return fmt.Errorf("error accepting connection: %w", err)
	}

	connectedOutput := output.NewViewOutput("live", time.Now())
	connectedOutput.AddWarning("info", "Filebeat connected", 0)
	outputResult(connectedOutput, outputConfig)

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)
	go func() {
		select {
		case <-stop:
			shutdownOutput := output.NewViewOutput("live", time.Now())
			shutdownOutput.AddWarning("info", "Received shutdown signal...", 0)
			outputResult(shutdownOutput, outputConfig)
		case <-ctx.Done():
		}
		ing.Close()
	}()

	report := func(tick liveTick) {
		reportStart := time.Now()
		result := output.NewViewOutput("live", tick.Start)
		v, err := e.ResetZoom(ctx)
		if err != nil {
			result.AddError("view", err.Error(), 1)
		} else {
			result.General.TotalEvents = e.EventCount()
			result.General.Endpoints = v.Layout.Len()
			result.SetView(v, true)
			result.SetFilters(e)
		}
		result.LiveStats = &output.LiveStats{
			WindowSize:     e.EventCount(),
			ProcessedBatch: tick.Appended,
			Dropped:        tick.Dropped,
			LoopDuration:   time.Since(reportStart).Milliseconds(),
		}
		result.UpdateDuration(tick.Start)
		outputResult(result, outputConfig)
	}

	if err := runLive(ctx, ing, e, cfg.Live, livePollInterval, report); err != nil {
		errOutput := output.NewViewOutput("live", time.Now())
		errOutput.AddError("read_batch", fmt.Sprintf("read error: %v", err), 1)
		outputResult(errOutput, outputConfig)
		return err
	}

	closedOutput := output.NewViewOutput("live", time.Now())
	closedOutput.AddWarning("info", "Ingestor closed. Exiting loop.", 0)
	outputResult(closedOutput, outputConfig)
	return nil
}

// livePollInterval is how often the live loop drains the ingestor between
// refreshes.
const livePollInterval = 200 * time.Millisecond

// batchReader is the part of the ingestor the live loop consumes.
type batchReader interface {
	ReadBatch() ([]ingestor.Event, error)
	IsClosed() bool
}

// liveTick summarises one refresh interval of the live loop.
type liveTick struct {
	Start    time.Time
	Appended int
	Dropped  int
}

// runLive drains src every poll interval and appends what arrived to e
// once per refresh interval, followed by the retention pass and report.
// It returns when ctx is done or src is closed and drained.
func runLive(ctx context.Context, src batchReader, e *engine.Engine, live *config.LiveConfig, poll time.Duration, report func(liveTick)) error {
	refresh := live.Refresh
	if refresh <= 0 {
		refresh = config.DefaultRefresh
	}
	if poll <= 0 || poll > refresh {
		poll = refresh
	}

	pollTicker := time.NewTicker(poll)
	defer pollTicker.Stop()
	refreshTicker := time.NewTicker(refresh)
	defer refreshTicker.Stop()

	var pending []ingestor.Event
	tick := liveTick{Start: time.Now()}
	flush := func() {
		if len(pending) > 0 {
			e.Append(pending)
			tick.Appended += len(pending)
			pending = nil
			tick.Dropped += e.Retain(live.Window, live.MaxEvents)
		}
		report(tick)
		tick = liveTick{Start: time.Now()}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-refreshTicker.C:
			flush()
			continue
		case <-pollTicker.C:
		}

		batch, err := src.ReadBatch()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if src.IsClosed() {
				return nil
			}
			return err
		}
		if len(batch) > 0 {
			pending = append(pending, batch...)
			continue
		}
		if src.IsClosed() {
			if len(pending) > 0 {
				flush()
			}
			return nil
		}
	}
}

// ============================================================================
// OUTPUT FUNCTIONS
// ============================================================================

// outputResult is the unified output function that handles all output formats
func outputResult(result *output.ViewOutput, outputConfig OutputConfig) {
	if outputConfig.Plain {
		output.WritePlain(os.Stdout, result, 0)
		return
	}

	var jsonBytes []byte
	var err error

	if outputConfig.Compact {
		jsonBytes, err = result.ToCompactJSON()
	} else {
		jsonBytes, err = result.ToJSON()
	}

	if err != nil {
		fmt.Printf(`{"error": "failed to marshal JSON output: %v"}`, err)
		return
	}
	fmt.Println(string(jsonBytes))
}
