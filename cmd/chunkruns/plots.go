// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/base64"
	"encoding/json"
	"html/template"
	"io"
	"math"
	"os"

	"github.com/janpfeifer/gonb/gonbui/plotly"
	"github.com/pkg/errors"

	grob "github.com/MetalBlueberry/go-plotly/generated/v2.34.0/graph_objects"
	ptypes "github.com/MetalBlueberry/go-plotly/pkg/types"
)

// metricFigure creates a Plotly figure of metric against the cumulative epoch, one line per run.
// It returns nil if no run logged the metric.
func metricFigure(runs []*runInfo, metric string) *grob.Fig {
	fig := &grob.Fig{}
	fig.Layout = &grob.Layout{
		Title: &grob.LayoutTitle{
			Text: ptypes.S(metric),
		},
		Xaxis: &grob.LayoutXaxis{
			Showgrid: ptypes.B(true),
			Title:    &grob.LayoutXaxisTitle{Text: ptypes.S("epoch")},
		},
		Yaxis: &grob.LayoutYaxis{
			Showgrid: ptypes.B(true),
		},
		Legend: &grob.LayoutLegend{},
	}
	for _, run := range runs {
		var epochs, values []float64
		for _, row := range run.history {
			epoch, okEpoch := row.Float("epoch")
			value, okValue := row.Float(metric)
			if !okEpoch || !okValue || math.IsNaN(value) || math.IsInf(value, 0) {
				continue
			}
			epochs = append(epochs, epoch)
			values = append(values, value)
		}
		if len(epochs) == 0 {
			continue
		}
		fig.Data = append(fig.Data, &grob.Scatter{
			Name: ptypes.S(run.label),
			Line: &grob.ScatterLine{
				Shape: grob.ScatterLineShapeLinear,
			},
			Mode: "lines+markers",
			X:    ptypes.DataArray(epochs),
			Y:    ptypes.DataArray(values),
		})
	}
	if len(fig.Data) == 0 {
		return nil
	}
	return fig
}

var (
	singleFileHTML = `<!DOCTYPE html>
	<head>
		<meta charset="utf-8">
		<script src="{{ .CDN }}"></script>
	</head>
	<body style="background-color: black;">
{{- range $i, $f := .Figures }}
		<div id="plot{{ $i }}"></div>
		{{ if not (eq $i (lastIdx $.Figures)) }}
		<hr style="border-color: gray;">
		{{ end }}
{{- end }}
	<script>
{{- range $i, $f := .Figures }}
		data = JSON.parse(atob('{{ $f }}'))
		Plotly.newPlot('plot{{ $i }}', data);
{{- end }}
	</script>
	</body>
</html>`
	singleFileHTMLTmpl = template.Must(template.New("plotly").Funcs(template.FuncMap{
		"lastIdx": func(a []string) int { return len(a) - 1 },
	}).Parse(singleFileHTML))
)

// WritePlotlyAsHTML renders one Plotly figure per metric to an HTML page.
func WritePlotlyAsHTML(w io.Writer, runs []*runInfo, metricNames []string) error {
	var figures []string
	for _, metric := range metricNames {
		fig := metricFigure(runs, metric)
		if fig == nil {
			continue
		}
		figAsJSON, err := json.Marshal(fig)
		if err != nil {
			return errors.Wrapf(err, "failed to marshal plotly figure for metric %q", metric)
		}
		figures = append(figures, base64.StdEncoding.EncodeToString(figAsJSON))
	}
	if len(figures) == 0 {
		return errors.Errorf("no run has values for any of the metrics %v", metricNames)
	}
	data := &struct {
		CDN     string
		Figures []string
	}{
		CDN:     plotly.PlotlySrc,
		Figures: figures,
	}
	return errors.Wrap(singleFileHTMLTmpl.Execute(w, data), "failed to render plotly")
}

// PlotlyToHTMLFile renders the metric plots to an HTML file.
func PlotlyToHTMLFile(fileName string, runs []*runInfo, metricNames []string) error {
	f, err := os.Create(fileName)
	if err != nil {
		return errors.Wrapf(err, "failed to create file %q", fileName)
	}
	if err = WritePlotlyAsHTML(f, runs, metricNames); err != nil {
		_ = f.Close()
		return err
	}
	return errors.Wrapf(f.Close(), "closing %q", fileName)
}
