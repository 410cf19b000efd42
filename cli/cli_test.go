package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/timearcs/timearcs/output"
	"github.com/timearcs/timearcs/testutil"
)

func TestParseFlexibleTime(t *testing.T) {
	tests := []struct {
		input   string
		want    time.Time
		wantErr bool
	}{
		{
			input: "2024-06-01 13:45",
			want:  time.Date(2024, 6, 1, 13, 45, 0, 0, time.UTC),
		},
		{
			input: "2024-06-01 13",
			want:  time.Date(2024, 6, 1, 13, 0, 0, 0, time.UTC),
		},
		{
			input: "2024-06-01",
			want:  time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		},
		{input: "2024/06/01", wantErr: true},
		{input: "2024-06-01 13:45:00", wantErr: true},
		{input: "", wantErr: true},
	}

	for _, tt := range tests {
		got, err := parseFlexibleTime(tt.input)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseFlexibleTime(%q) expected error, got nil", tt.input)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseFlexibleTime(%q) unexpected error: %v", tt.input, err)
		} else if !got.UTC().Equal(tt.want) {
			t.Errorf("parseFlexibleTime(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestParseViewBound(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		units   int64
		want    int64
		wantErr bool
	}{
		{name: "raw timestamp", input: "1700000000000000", units: 1_000_000, want: 1700000000000000},
		{name: "negative raw timestamp", input: "-5", units: 1_000_000, want: -5},
		{name: "padded", input: " 42 ", units: 1_000_000, want: 42},
		{name: "date in microseconds", input: "2024-06-01", units: 1_000_000, want: 1717200000 * 1_000_000},
		{name: "date in seconds", input: "2024-06-01 13", units: 1, want: 1717200000 + 13*3600},
		{name: "units default", input: "2024-06-01", units: 0, want: 1717200000 * 1_000_000},
		{name: "garbage", input: "yesterday", units: 1, wantErr: true},
		{name: "float", input: "1.5", units: 1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseViewBound(tt.input, tt.units)
			if tt.wantErr {
				if err == nil {
					t.Errorf("parseViewBound(%q) expected error, got %d", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseViewBound(%q) unexpected error: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("parseViewBound(%q, %d) = %d, want %d", tt.input, tt.units, got, tt.want)
			}
		})
	}
}

// runApp runs the CLI with args and returns what it wrote to stdout.
func runApp(t *testing.T, args []string) (string, error) {
	t.Helper()

	oldStdout := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("Failed to create pipe: %v", err)
	}
	os.Stdout = w

	var captured bytes.Buffer
	done := make(chan struct{})
	go func() {
		captured.ReadFrom(r)
		close(done)
	}()

	runErr := App.Run(args)

	w.Close()
	os.Stdout = oldStdout
	<-done
	return captured.String(), runErr
}

func TestStaticCommandValidation(t *testing.T) {
	eventFile, cleanup := testutil.GenerateTestEventFile(t, 800)
	defer cleanup()

	tests := []struct {
		name        string
		args        []string
		expectError bool
		errorMatch  string
	}{
		{
			name:        "Valid static command",
			args:        []string{"timearcs", "static", "--eventFile", eventFile},
			expectError: false,
		},
		{
			name: "Valid with view bounds and plain output",
			args: []string{"timearcs", "static", "--eventFile", eventFile,
				"--start", "1700000000100000", "--end", "1700000000500000", "--plain"},
			expectError: false,
		},
		{
			name:        "Missing eventFile flag",
			args:        []string{"timearcs", "static"},
			expectError: true,
			errorMatch:  "eventFile is required",
		},
		{
			name:        "Missing event file",
			args:        []string{"timearcs", "static", "--eventFile", "/nonexistent/events.csv"},
			expectError: true,
			errorMatch:  "does not exist",
		},
		{
			name:        "Unsupported format",
			args:        []string{"timearcs", "static", "--eventFile", eventFile, "--format", "json"},
			expectError: true,
			errorMatch:  "unsupported input format",
		},
		{
			name: "End before start",
			args: []string{"timearcs", "static", "--eventFile", eventFile,
				"--start", "2000", "--end", "1000"},
			expectError: true,
			errorMatch:  "must be after start",
		},
		{
			name:        "Invalid start",
			args:        []string{"timearcs", "static", "--eventFile", eventFile, "--start", "soon"},
			expectError: true,
			errorMatch:  "error parsing start time",
		},
		{
			name:        "Invalid width",
			args:        []string{"timearcs", "static", "--eventFile", eventFile, "--width", "0"},
			expectError: true,
			errorMatch:  "width must be positive",
		},
		{
			name: "Missing plot directory",
			args: []string{"timearcs", "static", "--eventFile", eventFile,
				"--plotPath", "/nonexistent/dir/timeline.html"},
			expectError: true,
			errorMatch:  "plot directory does not exist",
		},
		{
			name: "Flags mixed with config",
			args: []string{"timearcs", "static", "--config", "/nonexistent.toml",
				"--eventFile", eventFile},
			expectError: true,
			errorMatch:  "only",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := runApp(t, tt.args)
			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got none. Output: %s", out)
				} else if tt.errorMatch != "" && !strings.Contains(err.Error(), tt.errorMatch) {
					t.Errorf("Expected error to contain '%s', got: %v", tt.errorMatch, err)
				}
			} else if err != nil {
				t.Errorf("Unexpected error: %v. Output: %s", err, out)
			}
		})
	}
}

func TestStaticCommandJSON(t *testing.T) {
	eventFile, cleanup := testutil.GenerateTestEventFile(t, 1600)
	defer cleanup()

	out, err := runApp(t, []string{"timearcs", "static", "--eventFile", eventFile, "--compact"})
	if err != nil {
		t.Fatalf("static failed: %v", err)
	}

	var result output.ViewOutput
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &result); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if result.General.TotalEvents != 1600 {
		t.Errorf("TotalEvents = %d, want 1600", result.General.TotalEvents)
	}
	if result.General.Parsing.Format != "csv" {
		t.Errorf("Format = %q, want csv", result.General.Parsing.Format)
	}
	// 20 clients and 3 servers
	if result.General.Endpoints != 23 {
		t.Errorf("Endpoints = %d, want 23", result.General.Endpoints)
	}
	if result.View.Layer != "full" {
		t.Errorf("Layer = %q, want full", result.View.Layer)
	}
	if result.View.Events != 1600 {
		t.Errorf("view covers %d events, want 1600", result.View.Events)
	}
}

func TestStaticCommandConfigMode(t *testing.T) {
	eventFile, cleanup := testutil.GenerateTestEventFile(t, 800)
	defer cleanup()

	dir := t.TempDir()
	plotPath := filepath.Join(dir, "timeline.html")
	configPath := filepath.Join(dir, "timearcs.toml")
	content := `
[engine]
targetBins = 50
aggregation = true
offload = false

[static]
eventFile = "` + eventFile + `"
plotPath = "` + plotPath + `"

[filters]
hideCloseTypes = ["abortive"]
`
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	out, err := runApp(t, []string{"timearcs", "static", "--config", configPath, "--compact", "--visibleOnly"})
	if err != nil {
		t.Fatalf("static --config failed: %v", err)
	}

	var result output.ViewOutput
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &result); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if result.Filters == nil || len(result.Filters.HiddenCloseTypes) != 1 {
		t.Errorf("hidden close types not applied: %+v", result.Filters)
	}
	if len(result.Aggregates) != result.View.VisibleAggregates {
		t.Errorf("visibleOnly listed %d of %d visible aggregates", len(result.Aggregates), result.View.VisibleAggregates)
	}
	if _, err := os.Stat(plotPath); err != nil {
		t.Errorf("timeline not written: %v", err)
	}
}

func TestLiveAndServeValidation(t *testing.T) {
	tests := []struct {
		name       string
		args       []string
		errorMatch string
	}{
		{"live without port", []string{"timearcs", "live"}, "port is required"},
		{"live plot needs config", []string{"timearcs", "live", "--port", "5044", "--plotPath", "x.html"}, "require --config"},
		{"live missing config", []string{"timearcs", "live", "--config", "/nonexistent.toml"}, "failed to load config"},
		{"serve without event file", []string{"timearcs", "serve"}, "eventFile is required"},
		{"serve missing event file", []string{"timearcs", "serve", "--eventFile", "/nonexistent.csv"}, "does not exist"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runApp(t, tt.args)
			if err == nil {
				t.Fatal("Expected error but got none")
			}
			if !strings.Contains(err.Error(), tt.errorMatch) {
				t.Errorf("Expected error to contain '%s', got: %v", tt.errorMatch, err)
			}
		})
	}
}

func TestCLIFlags(t *testing.T) {
	expected := map[string][]string{
		"live":   {"config", "port", "refresh", "window", "maxEvents"},
		"static": {"config", "eventFile", "format", "start", "end", "width", "targetBins", "plotPath", "tui"},
		"serve":  {"config", "eventFile", "listen"},
	}

	for _, cmd := range App.Commands {
		want, ok := expected[cmd.Name]
		if !ok {
			t.Errorf("unexpected command %q", cmd.Name)
			continue
		}
		for _, name := range want {
			found := false
			for _, flag := range cmd.Flags {
				if flag.Names()[0] == name {
					found = true
					break
				}
			}
			if !found {
				t.Errorf("Expected flag '%s' not found in %s command", name, cmd.Name)
			}
		}
	}
}
