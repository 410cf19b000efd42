package output

import (
	"fmt"
	"log"
	"math"
	"os"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/go-echarts/go-echarts/v2/types"
	"github.com/timearcs/timearcs/engine"
)

// TimelineSeries groups the visible aggregates of v by category, keeping
// the display order within each series. Categories appear in the order
// they are first drawn.
func TimelineSeries(v engine.View) ([]string, map[string][]opts.ScatterData) {
	var order []string
	series := make(map[string][]opts.ScatterData)
	for i := range v.Aggregates {
		a := &v.Aggregates[i]
		if !a.Visible {
			continue
		}
		name := string(a.Category)
		if _, ok := series[name]; !ok {
			order = append(order, name)
		}
		label := v.Layout.Endpoint(a.Row)
		if label == "" {
			label = fmt.Sprintf("row %d", a.Row)
		}
		series[name] = append(series[name], opts.ScatterData{
			Name:       label,
			Value:      []interface{}{a.Anchor(), a.Row, a.Count, a.Bytes},
			SymbolSize: int(math.Round(a.Weight)),
		})
	}
	return order, series
}

// PlotTimeline writes the visible aggregates of v as an interactive scatter
// chart: x is the render anchor, y the endpoint row, symbol size the visual
// weight.
func PlotTimeline(v engine.View, filename string) error {
	order, series := TimelineSeries(v)

	rows := []string{}
	if v.Layout != nil {
		rows = v.Layout.Order()
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			PageTitle:       "timearcs timeline",
			Width:           "180vh",
			Height:          "100vh",
			Theme:           types.ThemeVintage,
			BackgroundColor: "transparent",
		}),
		charts.WithTitleOpts(opts.Title{
			Title: fmt.Sprintf("Connections over time (bucket width %d)", v.BucketWidth),
			Left:  "center",
		}),
		charts.WithLegendOpts(opts.Legend{
			Show: opts.Bool(true),
			Top:  "bottom",
		}),
		charts.WithTooltipOpts(opts.Tooltip{
			Trigger: "item",
			Formatter: opts.FuncOpts(`function (params) {
		return params.name + '<br />' + params.seriesName +
			'<br />Time: ' + params.value[0] +
			'<br />Count: ' + params.value[2] +
			'<br />Bytes: ' + params.value[3];
	}`),
		}),
		charts.WithXAxisOpts(opts.XAxis{
			Name: "Time",
			Type: "value",
			Min:  v.Domain.Start,
			Max:  v.Domain.End,
		}),
		charts.WithYAxisOpts(opts.YAxis{
			Name: "Endpoint",
			Type: "category",
			Data: rows,
		}),
		charts.WithDataZoomOpts(opts.DataZoom{
			Type:       "inside",
			XAxisIndex: []int{0},
		}),
	)

	for _, name := range order {
		scatter.AddSeries(name, series[name])
	}

	page := components.NewPage()
	page.SetLayout(components.PageFlexLayout)
	page.AddCharts(scatter)

	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("could not create timeline file %s: %w", filename, err)
	}
	defer f.Close()

	if err := page.Render(f); err != nil {
		return fmt.Errorf("rendering timeline: %w", err)
	}

	log.Printf("Timeline saved to %s", filename)
	return nil
}
