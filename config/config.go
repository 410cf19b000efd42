package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/timearcs/timearcs/ingestor"
)

const (
	DefaultTimeUnitsPerSecond int64 = 1_000_000
	DefaultTargetBins               = 300
	DefaultSampleCap                = 50
	DefaultBatchSize                = 3000
	DefaultDebounce                 = 100 * time.Millisecond
	DefaultOffloadThreshold         = 5000
	DefaultMinWeight                = 2.0
	DefaultMaxWeight                = 24.0
	DefaultPixelWidth               = 1200
	DefaultLivePort                 = "5044"
	DefaultRefresh                  = 10 * time.Second
	DefaultListen                   = ":7428"
)

// Endpoint filter match modes.
const (
	MatchBoth   = "both"
	MatchEither = "either"
)

type GlobalConfig struct {
	IPMap              string `toml:"ipMap"`
	TimeUnitsPerSecond int64  `toml:"timeUnitsPerSecond"`
}

// EngineConfig holds the tunables of the aggregation engine.
type EngineConfig struct {
	TargetBins         int           `toml:"targetBins"`
	AggregationEnabled bool          `toml:"aggregation"`
	SampleCap          int           `toml:"sampleCap"`
	BatchSize          int           `toml:"batchSize"`
	Debounce           time.Duration `toml:"debounce"`
	Offload            bool          `toml:"offload"`
	OffloadThreshold   int           `toml:"offloadThreshold"`
	MinWeight          float64       `toml:"minWeight"`
	MaxWeight          float64       `toml:"maxWeight"`
	PixelWidth         int           `toml:"pixelWidth"`

	// Copied from [global] by LoadConfig.
	TimeUnitsPerSecond int64 `toml:"-"`
}

type StaticConfig struct {
	EventFile  string `toml:"eventFile"`
	Format     string `toml:"format"`
	PlotPath   string `toml:"plotPath"`
	MaxRecords int    `toml:"maxRecords"`
}

type LiveConfig struct {
	Port      string        `toml:"port"`
	Refresh   time.Duration `toml:"refresh"`
	Window    time.Duration `toml:"window"`
	MaxEvents int           `toml:"maxEvents"`
}

type ServeConfig struct {
	Listen string `toml:"listen"`
}

type FiltersConfig struct {
	Endpoints          []string `toml:"endpoints"`
	EndpointMatch      string   `toml:"endpointMatch"`
	HideCloseTypes     []string `toml:"hideCloseTypes"`
	HideInvalidReasons []string `toml:"hideInvalidReasons"`
}

type Config struct {
	Global  *GlobalConfig  `toml:"global"`
	Engine  *EngineConfig  `toml:"engine"`
	Static  *StaticConfig  `toml:"static"`
	Live    *LiveConfig    `toml:"live"`
	Serve   *ServeConfig   `toml:"serve"`
	Filters *FiltersConfig `toml:"filters"`
}

// DefaultEngineConfig returns the engine tunables used when no [engine]
// section is present.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		TargetBins:         DefaultTargetBins,
		AggregationEnabled: true,
		SampleCap:          DefaultSampleCap,
		BatchSize:          DefaultBatchSize,
		Debounce:           DefaultDebounce,
		Offload:            true,
		OffloadThreshold:   DefaultOffloadThreshold,
		MinWeight:          DefaultMinWeight,
		MaxWeight:          DefaultMaxWeight,
		PixelWidth:         DefaultPixelWidth,
		TimeUnitsPerSecond: DefaultTimeUnitsPerSecond,
	}
}

// Default returns a configuration with every section populated with defaults.
func Default() *Config {
	engine := DefaultEngineConfig()
	return &Config{
		Global:  &GlobalConfig{TimeUnitsPerSecond: DefaultTimeUnitsPerSecond},
		Engine:  &engine,
		Static:  &StaticConfig{},
		Live:    &LiveConfig{Port: DefaultLivePort, Refresh: DefaultRefresh},
		Serve:   &ServeConfig{Listen: DefaultListen},
		Filters: &FiltersConfig{EndpointMatch: MatchBoth},
	}
}

func LoadConfig(configPath string) (*Config, error) {
	configData, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var rawConfig map[string]any
	if _, err := toml.Decode(string(configData), &rawConfig); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config := Default()

	for key, value := range rawConfig {
		section, ok := value.(map[string]any)
		if !ok {
			continue
		}
		switch key {
		case "global":
			config.Global = parseGlobalConfig(section)
		case "engine":
			engine, err := parseEngineConfig(section)
			if err != nil {
				return nil, fmt.Errorf("parsing engine config: %w", err)
			}
			config.Engine = engine
		case "static":
			config.Static = parseStaticConfig(section)
		case "live":
			live, err := parseLiveConfig(section)
			if err != nil {
				return nil, fmt.Errorf("parsing live config: %w", err)
			}
			config.Live = live
		case "serve":
			config.Serve = parseServeConfig(section)
		case "filters":
			filters, err := parseFiltersConfig(section)
			if err != nil {
				return nil, fmt.Errorf("parsing filters config: %w", err)
			}
			config.Filters = filters
		}
	}

	config.Engine.TimeUnitsPerSecond = config.Global.TimeUnitsPerSecond
	return config, nil
}

func parseGlobalConfig(m map[string]any) *GlobalConfig {
	config := &GlobalConfig{TimeUnitsPerSecond: DefaultTimeUnitsPerSecond}
	if v, ok := m["ipMap"].(string); ok {
		config.IPMap = v
	}
	if v, ok := m["timeUnitsPerSecond"].(int64); ok && v > 0 {
		config.TimeUnitsPerSecond = v
	}
	return config
}

func parseEngineConfig(m map[string]any) (*EngineConfig, error) {
	config := DefaultEngineConfig()
	if v, ok := m["targetBins"].(int64); ok {
		if v <= 0 {
			return nil, fmt.Errorf("targetBins must be positive, got %d", v)
		}
		config.TargetBins = int(v)
	}
	if v, ok := m["aggregation"].(bool); ok {
		config.AggregationEnabled = v
	}
	if v, ok := m["sampleCap"].(int64); ok && v > 0 {
		config.SampleCap = int(v)
	}
	if v, ok := m["batchSize"].(int64); ok && v > 0 {
		config.BatchSize = int(v)
	}
	if v, ok := m["debounce"].(string); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid debounce %q: %w", v, err)
		}
		config.Debounce = d
	}
	if v, ok := m["offload"].(bool); ok {
		config.Offload = v
	}
	if v, ok := m["offloadThreshold"].(int64); ok && v >= 0 {
		config.OffloadThreshold = int(v)
	}
	if v, ok := number(m["minWeight"]); ok {
		config.MinWeight = v
	}
	if v, ok := number(m["maxWeight"]); ok {
		config.MaxWeight = v
	}
	if config.MinWeight > config.MaxWeight {
		return nil, fmt.Errorf("minWeight %.2f exceeds maxWeight %.2f", config.MinWeight, config.MaxWeight)
	}
	if v, ok := m["pixelWidth"].(int64); ok && v > 0 {
		config.PixelWidth = int(v)
	}
	return &config, nil
}

func parseStaticConfig(m map[string]any) *StaticConfig {
	config := &StaticConfig{}
	if v, ok := m["eventFile"].(string); ok {
		config.EventFile = v
	}
	if v, ok := m["format"].(string); ok {
		config.Format = strings.ToLower(v)
	}
	if v, ok := m["plotPath"].(string); ok {
		config.PlotPath = v
	}
	if v, ok := m["maxRecords"].(int64); ok && v > 0 {
		config.MaxRecords = int(v)
	}
	return config
}

func parseLiveConfig(m map[string]any) (*LiveConfig, error) {
	config := &LiveConfig{Port: DefaultLivePort, Refresh: DefaultRefresh}
	if v, ok := m["port"].(string); ok {
		config.Port = v
	}
	if v, ok := m["refresh"].(string); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid refresh %q: %w", v, err)
		}
		config.Refresh = d
	}
	if v, ok := m["window"].(string); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid window %q: %w", v, err)
		}
		config.Window = d
	}
	if v, ok := m["maxEvents"].(int64); ok && v > 0 {
		config.MaxEvents = int(v)
	}
	return config, nil
}

func parseServeConfig(m map[string]any) *ServeConfig {
	config := &ServeConfig{Listen: DefaultListen}
	if v, ok := m["listen"].(string); ok && v != "" {
		config.Listen = v
	}
	return config
}

func parseFiltersConfig(m map[string]any) (*FiltersConfig, error) {
	config := &FiltersConfig{EndpointMatch: MatchBoth}
	config.Endpoints = stringList(m["endpoints"])
	if v, ok := m["endpointMatch"].(string); ok && v != "" {
		v = strings.ToLower(v)
		if v != MatchBoth && v != MatchEither {
			return nil, fmt.Errorf("invalid endpointMatch %q: want %q or %q", v, MatchBoth, MatchEither)
		}
		config.EndpointMatch = v
	}
	config.HideCloseTypes = stringList(m["hideCloseTypes"])
	config.HideInvalidReasons = stringList(m["hideInvalidReasons"])
	return config, nil
}

func stringList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range items {
		if str, ok := item.(string); ok {
			out = append(out, str)
		}
	}
	return out
}

// TOML has no implicit int/float conversion, so both are accepted.
func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func (c *Config) GetIPMap() string {
	if c.Global != nil && c.Global.IPMap != "" {
		return c.Global.IPMap
	}
	return ""
}

func (c *Config) ValidateStatic() error {
	if c.Static == nil {
		return fmt.Errorf("static configuration section is required")
	}

	if c.Static.EventFile == "" {
		return fmt.Errorf("eventFile is required in static configuration")
	}

	if _, err := os.Stat(c.Static.EventFile); os.IsNotExist(err) {
		return fmt.Errorf("event file does not exist: %s", c.Static.EventFile)
	}

	if _, err := ingestor.DetectFormat(c.Static.EventFile, c.Static.Format); err != nil {
		return err
	}

	return c.validateShared()
}

func (c *Config) ValidateLive() error {
	if c.Live == nil {
		return fmt.Errorf("live configuration section is required")
	}

	if c.Live.Port == "" {
		return fmt.Errorf("port is required in live configuration")
	}

	if c.Live.Refresh <= 0 {
		return fmt.Errorf("refresh must be positive in live configuration")
	}

	return c.validateShared()
}

func (c *Config) ValidateServe() error {
	if c.Serve == nil || c.Serve.Listen == "" {
		return fmt.Errorf("listen is required in serve configuration")
	}
	if c.Static == nil || c.Static.EventFile == "" {
		return fmt.Errorf("eventFile is required in static configuration for serve mode")
	}
	if _, err := os.Stat(c.Static.EventFile); os.IsNotExist(err) {
		return fmt.Errorf("event file does not exist: %s", c.Static.EventFile)
	}
	return c.validateShared()
}

func (c *Config) validateShared() error {
	if c.Global != nil && c.Global.IPMap != "" {
		if _, err := os.Stat(c.Global.IPMap); os.IsNotExist(err) {
			return fmt.Errorf("ipMap file does not exist: %s", c.Global.IPMap)
		}
	}

	if c.Filters == nil {
		return nil
	}
	for _, ct := range c.Filters.HideCloseTypes {
		if !contains(ingestor.CloseTypes, ct) {
			return fmt.Errorf("unknown close type in hideCloseTypes: %q", ct)
		}
	}
	for _, r := range c.Filters.HideInvalidReasons {
		if !contains(ingestor.InvalidReasons, r) {
			return fmt.Errorf("unknown invalid reason in hideInvalidReasons: %q", r)
		}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
