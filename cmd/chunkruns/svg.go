// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"io"
	"math"
	"os"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// svgWidth and svgHeight of the static plot.
const (
	svgWidth  = 10 * vg.Inch
	svgHeight = 6 * vg.Inch
)

// newAccuracyPlot plots metric (in %) against the cumulative epoch, one line per run.
func newAccuracyPlot(runs []*runInfo, metric string) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = metric
	p.X.Label.Text = "epoch"
	p.Y.Label.Text = metric + " (%)"
	p.Legend.Top = true
	p.Add(plotter.NewGrid())
	numLines := 0
	for ii, run := range runs {
		var pts plotter.XYs
		for _, row := range run.history {
			epoch, okEpoch := row.Float("epoch")
			value, okValue := row.Float(metric)
			if !okEpoch || !okValue || math.IsNaN(value) || math.IsInf(value, 0) {
				continue
			}
			pts = append(pts, plotter.XY{X: epoch, Y: 100 * value})
		}
		if len(pts) == 0 {
			continue
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return nil, errors.Wrapf(err, "plotting run %q", run.label)
		}
		line.Width = vg.Points(2)
		line.Color = plotutil.Color(ii)
		p.Add(line)
		p.Legend.Add(run.label, line)
		numLines++
	}
	if numLines == 0 {
		return nil, errors.Errorf("no run has values for %q", metric)
	}
	return p, nil
}

// WriteAccuracySVG writes the plot of metric for all runs as SVG.
func WriteAccuracySVG(w io.Writer, runs []*runInfo, metric string) error {
	p, err := newAccuracyPlot(runs, metric)
	if err != nil {
		return err
	}
	writer, err := p.WriterTo(svgWidth, svgHeight, "svg")
	if err != nil {
		return errors.Wrap(err, "rendering SVG plot")
	}
	_, err = writer.WriteTo(w)
	return errors.Wrap(err, "writing SVG plot")
}

// AccuracySVGFile writes the plot of metric for all runs to an SVG file.
func AccuracySVGFile(fileName string, runs []*runInfo, metric string) error {
	f, err := os.Create(fileName)
	if err != nil {
		return errors.Wrapf(err, "failed to create file %q", fileName)
	}
	if err = WriteAccuracySVG(f, runs, metric); err != nil {
		_ = f.Close()
		return err
	}
	return errors.Wrapf(f.Close(), "closing %q", fileName)
}
