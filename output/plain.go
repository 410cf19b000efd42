package output

import (
	"fmt"
	"io"
	"strings"
	"time"
)

const (
	plainRule = "═══════════════════════════════════════════════════════════════════════════════"
	plainLine = "───────────────────────────────────────────────────────────────────────────────"
)

// DefaultPlainRows caps the aggregate table of the plain output
const DefaultPlainRows = 40

// WritePlain formats the output as human-readable plain text. At most
// maxRows aggregates are listed; 0 means DefaultPlainRows.
func WritePlain(w io.Writer, o *ViewOutput, maxRows int) {
	if maxRows <= 0 {
		maxRows = DefaultPlainRows
	}

	fmt.Fprintf(w, "%s\n", plainRule)
	fmt.Fprintf(w, "                              timearcs View Results\n")
	fmt.Fprintf(w, "%s\n\n", plainRule)

	fmt.Fprintf(w, "📊 OVERVIEW\n")
	fmt.Fprintf(w, "%s\n", plainLine)
	if o.General.EventFile != "" {
		fmt.Fprintf(w, "Event File:      %s\n", o.General.EventFile)
	}
	fmt.Fprintf(w, "Mode:            %s\n", o.Metadata.Mode)
	fmt.Fprintf(w, "Generated:       %s\n", o.Metadata.GeneratedAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(w, "Duration:        %d ms\n", o.Metadata.DurationMS)
	fmt.Fprintf(w, "Total Events:    %s\n", FormatNumber(o.General.TotalEvents))
	fmt.Fprintf(w, "Endpoints:       %s\n", FormatNumber(o.General.Endpoints))
	fmt.Fprintf(w, "Data Version:    %d\n", o.General.DataVersion)
	if o.General.Parsing.Format != "" {
		fmt.Fprintf(w, "Input Format:    %s\n", o.General.Parsing.Format)
		fmt.Fprintf(w, "Parse Time:      %d ms\n", o.General.Parsing.DurationMS)
		fmt.Fprintf(w, "Parse Rate:      %s events/sec\n", FormatNumber(int(o.General.Parsing.RatePerSecond)))
	}
	fmt.Fprintf(w, "\n")

	fmt.Fprintf(w, "🔍 VIEW\n")
	fmt.Fprintf(w, "%s\n", plainLine)
	fmt.Fprintf(w, "Range:           [%d, %d) at %d px\n", o.View.Start, o.View.End, o.View.PixelWidth)
	fmt.Fprintf(w, "Cache Layer:     %s\n", o.View.Layer)
	if o.View.BucketWidth > 0 {
		fmt.Fprintf(w, "Bucket Width:    %d\n", o.View.BucketWidth)
	} else {
		fmt.Fprintf(w, "Bucket Width:    none (%s)\n", o.View.Reason)
	}
	fmt.Fprintf(w, "Events:          %s\n", FormatNumber(o.View.Events))
	fmt.Fprintf(w, "Aggregates:      %s (%s visible)\n", FormatNumber(o.View.Aggregates), FormatNumber(o.View.VisibleAggregates))
	fmt.Fprintf(w, "Weight Scale:    %.1f to %.1f, observed max %d\n", o.Scale.Min, o.Scale.Max, o.Scale.ObservedMax)
	if o.Filters != nil {
		fmt.Fprintf(w, "Active Filters:  %s\n", activeFiltersPlain(o.Filters))
	}
	fmt.Fprintf(w, "\n")

	if len(o.Aggregates) > 0 {
		fmt.Fprintf(w, "📍 AGGREGATES\n")
		fmt.Fprintf(w, "...............................................................................\n")
		fmt.Fprintf(w, "  %-20s %-18s %-10s %8s %12s %7s\n", "ANCHOR", "ENDPOINT", "CATEGORY", "COUNT", "BYTES", "WEIGHT")
		for i, a := range o.Aggregates {
			if i == maxRows {
				fmt.Fprintf(w, "  ... %s more\n", FormatNumber(len(o.Aggregates)-maxRows))
				break
			}
			marker := " "
			if a.Binned {
				marker = "*"
			}
			fmt.Fprintf(w, "%s %-20d %-18s %-10s %8s %12s %7.1f\n",
				marker, a.Anchor, a.Endpoint, a.Category, FormatNumber(a.Count), FormatNumber(int(a.Bytes)), a.Weight)
		}
		fmt.Fprintf(w, "\n")
	}

	if o.LiveStats != nil {
		fmt.Fprintf(w, "⏱  LIVE\n")
		fmt.Fprintf(w, "%s\n", plainLine)
		fmt.Fprintf(w, "Window Size:     %s\n", FormatNumber(o.LiveStats.WindowSize))
		fmt.Fprintf(w, "Last Batch:      %s\n", FormatNumber(o.LiveStats.ProcessedBatch))
		fmt.Fprintf(w, "Dropped:         %s\n", FormatNumber(o.LiveStats.Dropped))
		fmt.Fprintf(w, "Loop Duration:   %s\n", time.Duration(o.LiveStats.LoopDuration)*time.Millisecond)
		fmt.Fprintf(w, "\n")
	}

	if len(o.Warnings) > 0 || len(o.Errors) > 0 {
		fmt.Fprintf(w, "⚠️  DIAGNOSTICS\n")
		fmt.Fprintf(w, "%s\n", plainLine)
		if len(o.Warnings) > 0 {
			fmt.Fprintf(w, "Warnings:\n")
			for _, warning := range o.Warnings {
				if warning.Type != "info" { // Skip info messages in plain output
					fmt.Fprintf(w, "  • %s\n", warning.Message)
				}
			}
		}
		if len(o.Errors) > 0 {
			fmt.Fprintf(w, "Errors:\n")
			for _, err := range o.Errors {
				fmt.Fprintf(w, "  • %s\n", err.Message)
			}
		}
		fmt.Fprintf(w, "\n")
	}

	fmt.Fprintf(w, "%s\n", plainRule)
}

func activeFiltersPlain(f *Filters) string {
	var parts []string
	if n := len(f.SelectedFlows); n > 0 {
		parts = append(parts, fmt.Sprintf("%d selected flows", n))
	}
	var off []string
	for _, name := range []string{"establishment", "dataTransfer", "closing"} {
		if enabled, ok := f.Phases[name]; ok && !enabled {
			off = append(off, name)
		}
	}
	if len(off) > 0 {
		parts = append(parts, "phases off: "+strings.Join(off, ", "))
	}
	if len(f.HiddenCloseTypes) > 0 {
		parts = append(parts, "hidden close types: "+strings.Join(f.HiddenCloseTypes, ", "))
	}
	if len(f.HiddenInvalidReasons) > 0 {
		parts = append(parts, "hidden reasons: "+strings.Join(f.HiddenInvalidReasons, ", "))
	}
	if len(parts) == 0 {
		return "None"
	}
	return strings.Join(parts, "; ")
}

// FormatNumber adds thousand separators to numbers
func FormatNumber(n int) string {
	if n < 0 {
		return "-" + FormatNumber(-n)
	}
	str := fmt.Sprintf("%d", n)
	if len(str) <= 3 {
		return str
	}

	var result strings.Builder
	for i, digit := range str {
		if i > 0 && (len(str)-i)%3 == 0 {
			result.WriteString(",")
		}
		result.WriteRune(digit)
	}
	return result.String()
}
