package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/timearcs/timearcs/config"
	"github.com/timearcs/timearcs/ingestor"
	"github.com/timearcs/timearcs/version"
	cli "github.com/urfave/cli/v2"
)

// parseDate attempts to parse the build date
func parseDate(d string) time.Time {
	t, err := time.Parse(time.RFC3339, d)
	if err != nil {
		return time.Now()
	}
	return t
}

// Shared flag definitions to eliminate duplication
var (
	// Configuration flags
	configFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "Path to configuration file (mutually exclusive with other flags)",
	}

	// Input flags
	eventFileFlag = &cli.StringFlag{
		Name:  "eventFile",
		Usage: "Path to the event file (.csv, .csv.gz or .pcap)",
	}
	formatFlag = &cli.StringFlag{
		Name:  "format",
		Usage: "Input format: csv or pcap (default: derived from the file name)",
	}
	ipMapFlag = &cli.StringFlag{
		Name:  "ipMap",
		Usage: "Path to a JSON map of address -> integer id, used to resolve integer endpoints",
	}
	maxRecordsFlag = &cli.IntFlag{
		Name:  "maxRecords",
		Usage: "Maximum number of records to read (0 = all)",
	}

	// View flags
	startFlag = &cli.StringFlag{
		Name:  "start",
		Usage: "View start: a timestamp in native units or YYYY-MM-DD, YYYY-MM-DD HH, YYYY-MM-DD HH:MM",
	}
	endFlag = &cli.StringFlag{
		Name:  "end",
		Usage: "View end (exclusive), same formats as --start",
	}
	widthFlag = &cli.IntFlag{
		Name:  "width",
		Usage: "Pixel width the view is aggregated for",
		Value: config.DefaultPixelWidth,
	}
	targetBinsFlag = &cli.IntFlag{
		Name:  "targetBins",
		Usage: "Target number of time buckets across the view",
		Value: config.DefaultTargetBins,
	}
	noAggregationFlag = &cli.BoolFlag{
		Name:  "noAggregation",
		Usage: "Disable time bucketing and group by exact timestamp",
	}
	endpointsFlag = &cli.StringSliceFlag{
		Name:  "endpoints",
		Usage: "Only include traffic between these endpoints",
	}

	// Output flags
	plotPathFlag = &cli.StringFlag{
		Name:  "plotPath",
		Usage: "Path where to save the timeline chart (e.g., '/path/to/timeline.html'). If not provided, no plot will be generated.",
	}
	compactFlag = &cli.BoolFlag{
		Name:  "compact",
		Usage: "Output compact JSON (no pretty printing)",
		Value: false,
	}
	plainFlag = &cli.BoolFlag{
		Name:  "plain",
		Usage: "Output plain text format for easy readability",
		Value: false,
	}
	visibleOnlyFlag = &cli.BoolFlag{
		Name:  "visibleOnly",
		Usage: "Leave aggregates hidden by the filters out of the output",
		Value: false,
	}
	tuiFlag = &cli.BoolFlag{
		Name:  "tui",
		Usage: "Launch TUI (Terminal User Interface) mode",
		Value: false,
	}

	// Live-specific flags
	portFlag = &cli.IntFlag{
		Name:  "port",
		Usage: "Port to listen on for Filebeat (lumberjack) connections",
	}
	refreshFlag = &cli.DurationFlag{
		Name:  "refresh",
		Usage: "Interval between view reports",
		Value: config.DefaultRefresh,
	}
	windowFlag = &cli.DurationFlag{
		Name:  "window",
		Usage: "Drop events older than this relative to the newest one (0 = keep all)",
	}
	maxEventsFlag = &cli.IntFlag{
		Name:  "maxEvents",
		Usage: "Maximum number of events kept in live mode (0 = unbounded)",
	}

	// Serve-specific flags
	listenFlag = &cli.StringFlag{
		Name:  "listen",
		Usage: "Address the HTTP API listens on",
		Value: config.DefaultListen,
	}
)

// allFlags lists every flag name that config mode may reject
var allFlags = []string{
	"eventFile", "format", "ipMap", "maxRecords", "start", "end", "width", "targetBins",
	"noAggregation", "endpoints", "plotPath", "compact", "plain", "visibleOnly", "tui",
	"port", "refresh", "window", "maxEvents", "listen",
}

// Shared validation functions
func validateConfigModeFlags(c *cli.Context, allowedFlags []string) error {
	allowed := make(map[string]bool)
	for _, flag := range allowedFlags {
		allowed[flag] = true
	}

	for _, flag := range allFlags {
		if c.IsSet(flag) && !allowed[flag] {
			return fmt.Errorf("when using --config, only %v flags are allowed", allowedFlags)
		}
	}
	return nil
}

func validatePlotPath(plotPath string) error {
	if plotPath != "" {
		plotDir := filepath.Dir(plotPath)
		if plotDir == "." {
			plotDir, _ = os.Getwd()
		}
		if _, err := os.Stat(plotDir); os.IsNotExist(err) {
			return fmt.Errorf("plot directory does not exist: %s", plotDir)
		}
	}
	return nil
}

func validateEventFileExists(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("event file does not exist: %s", path)
	}
	return nil
}

func parseFlexibleTime(input string) (time.Time, error) {
	formats := []string{
		"2006-01-02 15:04", // full datetime
		"2006-01-02 15",    // date + hour
		"2006-01-02",       // just date
	}

	for _, layout := range formats {
		if t, err := time.Parse(layout, input); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("invalid time format: %s", input)
}

// parseViewBound accepts a raw timestamp in native units or a date
// understood by parseFlexibleTime, converted with unitsPerSecond.
func parseViewBound(input string, unitsPerSecond int64) (int64, error) {
	input = strings.TrimSpace(input)
	if v, err := strconv.ParseInt(input, 10, 64); err == nil {
		return v, nil
	}
	t, err := parseFlexibleTime(input)
	if err != nil {
		return 0, err
	}
	if unitsPerSecond <= 0 {
		unitsPerSecond = config.DefaultTimeUnitsPerSecond
	}
	return t.Unix()*unitsPerSecond + int64(t.Nanosecond())*unitsPerSecond/int64(time.Second), nil
}

func viewOptionsFromFlags(c *cli.Context, unitsPerSecond int64) (ViewOptions, error) {
	opts := ViewOptions{Width: c.Int("width")}
	if opts.Width <= 0 {
		return opts, fmt.Errorf("width must be positive, got %d", opts.Width)
	}

	var err error
	if start := c.String("start"); start != "" {
		if opts.Start, err = parseViewBound(start, unitsPerSecond); err != nil {
			return opts, fmt.Errorf("error parsing start time: %w", err)
		}
		opts.HasStart = true
	}
	if end := c.String("end"); end != "" {
		if opts.End, err = parseViewBound(end, unitsPerSecond); err != nil {
			return opts, fmt.Errorf("error parsing end time: %w", err)
		}
		opts.HasEnd = true
	}
	if opts.HasStart && opts.HasEnd && opts.End <= opts.Start {
		return opts, fmt.Errorf("end (%d) must be after start (%d)", opts.End, opts.Start)
	}
	return opts, nil
}

func outputConfigFromFlags(c *cli.Context) OutputConfig {
	return OutputConfig{
		Compact:     c.Bool("compact"),
		Plain:       c.Bool("plain"),
		TUI:         c.Bool("tui"),
		VisibleOnly: c.Bool("visibleOnly"),
	}
}

// configFromFlags builds the same configuration structure a config file
// would produce.
func configFromFlags(c *cli.Context) (*config.Config, error) {
	cfg := config.Default()
	cfg.Global.IPMap = c.String("ipMap")

	cfg.Static.EventFile = c.String("eventFile")
	cfg.Static.Format = c.String("format")
	cfg.Static.MaxRecords = c.Int("maxRecords")
	cfg.Static.PlotPath = c.String("plotPath")

	if c.IsSet("targetBins") {
		if c.Int("targetBins") <= 0 {
			return nil, fmt.Errorf("targetBins must be positive")
		}
		cfg.Engine.TargetBins = c.Int("targetBins")
	}
	cfg.Engine.AggregationEnabled = !c.Bool("noAggregation")
	if c.IsSet("width") {
		cfg.Engine.PixelWidth = c.Int("width")
	}
	cfg.Filters.Endpoints = c.StringSlice("endpoints")

	if c.IsSet("port") {
		cfg.Live.Port = strconv.Itoa(c.Int("port"))
	}
	cfg.Live.Refresh = c.Duration("refresh")
	cfg.Live.Window = c.Duration("window")
	cfg.Live.MaxEvents = c.Int("maxEvents")

	cfg.Serve.Listen = c.String("listen")
	return cfg, nil
}

func loadConfigFile(configPath string) (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// Command handler functions

// handleStaticCommand processes the static command
func handleStaticCommand(c *cli.Context) error {
	configPath := c.String("config")
	if configPath != "" {
		return handleStaticConfigMode(c, configPath)
	}
	return handleStaticFlagsMode(c)
}

// handleStaticConfigMode handles static command when using config file
func handleStaticConfigMode(c *cli.Context, configPath string) error {
	if err := validateConfigModeFlags(c, []string{"tui", "compact", "plain", "visibleOnly", "start", "end"}); err != nil {
		return err
	}

	cfg, err := loadConfigFile(configPath)
	if err != nil {
		return err
	}
	if err := cfg.ValidateStatic(); err != nil {
		return fmt.Errorf("invalid static configuration: %w", err)
	}
	if err := validatePlotPath(cfg.Static.PlotPath); err != nil {
		return err
	}

	view, err := viewOptionsFromFlags(c, cfg.Global.TimeUnitsPerSecond)
	if err != nil {
		return err
	}
	view.Width = cfg.Engine.PixelWidth

	return StaticFromConfig(c.Context, cfg, view, outputConfigFromFlags(c))
}

// handleStaticFlagsMode handles static command when using CLI flags only
func handleStaticFlagsMode(c *cli.Context) error {
	if !c.IsSet("eventFile") {
		return fmt.Errorf("eventFile is required when not using --config")
	}
	if err := validateEventFileExists(c.String("eventFile")); err != nil {
		return err
	}
	if _, err := ingestor.DetectFormat(c.String("eventFile"), c.String("format")); err != nil {
		return err
	}
	if err := validatePlotPath(c.String("plotPath")); err != nil {
		return err
	}

	cfg, err := configFromFlags(c)
	if err != nil {
		return err
	}
	view, err := viewOptionsFromFlags(c, cfg.Global.TimeUnitsPerSecond)
	if err != nil {
		return err
	}

	return StaticFromConfig(c.Context, cfg, view, outputConfigFromFlags(c))
}

// handleLiveCommand processes the live command
func handleLiveCommand(c *cli.Context) error {
	configPath := c.String("config")
	if configPath != "" {
		if err := validateConfigModeFlags(c, []string{"compact", "plain"}); err != nil {
			return err
		}
		cfg, err := loadConfigFile(configPath)
		if err != nil {
			return err
		}
		if err := cfg.ValidateLive(); err != nil {
			return fmt.Errorf("invalid live configuration: %w", err)
		}
		fmt.Fprintln(os.Stderr, "Running in live mode from config file:")
		return LiveFromConfig(c.Context, cfg, outputConfigFromFlags(c))
	}

	if !c.IsSet("port") {
		return fmt.Errorf("port is required when not using --config")
	}
	if c.IsSet("plotPath") || c.IsSet("endpoints") {
		return fmt.Errorf("advanced features (plotPath, endpoints) require --config mode. Please use a configuration file")
	}
	cfg, err := configFromFlags(c)
	if err != nil {
		return err
	}
	if err := cfg.ValidateLive(); err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, "Running in live mode with CLI flags:")
	return LiveFromConfig(c.Context, cfg, outputConfigFromFlags(c))
}

// handleServeCommand processes the serve command
func handleServeCommand(c *cli.Context) error {
	var (
		cfg *config.Config
		err error
	)
	if configPath := c.String("config"); configPath != "" {
		if err := validateConfigModeFlags(c, nil); err != nil {
			return err
		}
		if cfg, err = loadConfigFile(configPath); err != nil {
			return err
		}
	} else {
		if !c.IsSet("eventFile") {
			return fmt.Errorf("eventFile is required when not using --config")
		}
		if cfg, err = configFromFlags(c); err != nil {
			return err
		}
	}

	if err := cfg.ValidateServe(); err != nil {
		return fmt.Errorf("invalid serve configuration: %w", err)
	}
	return ServeFromConfig(c.Context, cfg)
}

var App = &cli.App{
	Name:     "timearcs",
	Usage:    "Aggregate TCP events into zoomable connection timelines",
	Version:  version.Version,
	Compiled: parseDate(version.Date),
	Commands: []*cli.Command{
		{
			Name:  "live",
			Usage: "Aggregate events received from Filebeat",
			Flags: []cli.Flag{
				// Configuration
				configFlag,
				// Live-specific flags
				portFlag,
				refreshFlag,
				windowFlag,
				maxEventsFlag,
				ipMapFlag,
				// Aggregation flags
				targetBinsFlag,
				noAggregationFlag,
				widthFlag,
				endpointsFlag,
				// Output flags
				plotPathFlag,
				compactFlag,
				plainFlag,
			},
			Action: handleLiveCommand,
		},
		{
			Name:  "static",
			Usage: "Aggregate an event file and print one view",
			Flags: []cli.Flag{
				// Configuration
				configFlag,
				// Input flags
				eventFileFlag,
				formatFlag,
				ipMapFlag,
				maxRecordsFlag,
				// View flags
				startFlag,
				endFlag,
				widthFlag,
				targetBinsFlag,
				noAggregationFlag,
				endpointsFlag,
				// Output flags
				plotPathFlag,
				compactFlag,
				plainFlag,
				visibleOnlyFlag,
				tuiFlag,
			},
			Action: handleStaticCommand,
		},
		{
			Name:  "serve",
			Usage: "Serve an event file over the HTTP API",
			Flags: []cli.Flag{
				configFlag,
				eventFileFlag,
				formatFlag,
				ipMapFlag,
				maxRecordsFlag,
				targetBinsFlag,
				noAggregationFlag,
				widthFlag,
				endpointsFlag,
				listenFlag,
			},
			Action: handleServeCommand,
		},
	},
}
