// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// chunkruns inspects the runs recorded locally by chunktrain.
//
// Each argument is either a run directory or a directory holding runs (like the -runs_dir of chunktrain).
//
// Example:
//
//	chunkruns -config -history -plot ./runs
package main

import (
	"flag"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/chunktrain/tracking"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagSummary = flag.Bool("summary", true, "Display a table with the final metrics of each run.")
	flagConfig  = flag.Bool("config", false, "Display the configuration of the runs side by side. Differing values are highlighted.")
	flagHistory = flag.Bool("history", false, "Display the per-epoch metrics of each run.")
	flagMetrics = flag.String("metrics", "loss,train_accuracy,test_accuracy",
		"Comma-separated list of metrics to include in the history, plots and summary.")
	flagPlot = flag.String("plot", "", "Write an HTML page with Plotly plots of the metrics to the given file.")
	flagSVG  = flag.String("svg", "", "Write an SVG plot of the test accuracy of the runs to the given file.")
	flagCSV  = flag.String("csv", "", "Export the history of all runs as CSV to the given file. Use \"-\" for stdout.")
)

var titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		klog.Errorf("Missing runs directory to read from. See 'chunkruns -help'")
		os.Exit(1)
	}
	if err := report(args); err != nil {
		klog.Fatalf("Failed: %+v", err)
	}
}

func report(paths []string) error {
	runs, err := loadRuns(paths)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		return errors.Errorf("no runs found in %v", paths)
	}
	metricNames := splitList(*flagMetrics)
	if *flagSummary {
		fmt.Println(titleStyle.Render("Summary"))
		fmt.Println(summaryTable(runs, metricNames).Render())
	}
	if *flagConfig {
		fmt.Println(titleStyle.Render("Configuration"))
		fmt.Println(configTable(runs).Render())
	}
	if *flagHistory {
		for _, run := range runs {
			fmt.Println(titleStyle.Render("History of " + run.label))
			fmt.Println(historyTable(run, metricNames).Render())
		}
	}
	if *flagPlot != "" {
		if err = PlotlyToHTMLFile(*flagPlot, runs, metricNames); err != nil {
			return err
		}
		fmt.Printf("Plots written to:\t%s\n", *flagPlot)
	}
	if *flagSVG != "" {
		if err = AccuracySVGFile(*flagSVG, runs, "test_accuracy"); err != nil {
			return err
		}
		fmt.Printf("SVG plot written to:\t%s\n", *flagSVG)
	}
	if *flagCSV != "" {
		if *flagCSV == "-" {
			return WriteHistoryCSV(os.Stdout, runs)
		}
		f, err := os.Create(*flagCSV)
		if err != nil {
			return errors.Wrapf(err, "creating %q", *flagCSV)
		}
		if err = WriteHistoryCSV(f, runs); err != nil {
			_ = f.Close()
			return err
		}
		return errors.Wrapf(f.Close(), "closing %q", *flagCSV)
	}
	return nil
}

// runInfo holds everything recorded for one run.
type runInfo struct {
	dir, label string
	meta       tracking.Metadata
	config     map[string]any
	summary    tracking.Row
	history    []tracking.Row
}

// loadRuns loads the runs of each path: either a run directory itself, or a directory holding runs.
func loadRuns(paths []string) ([]*runInfo, error) {
	var runDirs []string
	for _, p := range paths {
		p, err := fsutil.ReplaceTildeInDir(p)
		if err != nil {
			return nil, err
		}
		isRun, err := fsutil.FileExists(path.Join(p, tracking.FilesDir, tracking.MetadataFile))
		if err != nil {
			return nil, err
		}
		if isRun {
			runDirs = append(runDirs, p)
			continue
		}
		found, err := tracking.FindRuns(p)
		if err != nil {
			return nil, err
		}
		runDirs = append(runDirs, found...)
	}

	runs := make([]*runInfo, 0, len(runDirs))
	for _, dir := range runDirs {
		run := &runInfo{dir: dir}
		var err error
		if run.meta, err = tracking.LoadMetadata(dir); err != nil {
			return nil, err
		}
		if run.config, err = tracking.LoadConfig(dir); err != nil {
			return nil, err
		}
		if run.history, err = tracking.LoadHistory(dir); err != nil {
			return nil, err
		}
		summary, err := tracking.LoadSummary(dir)
		if err != nil {
			return nil, err
		}
		run.summary = summary
		runs = append(runs, run)
	}
	labels := runLabels(runs)
	for ii, run := range runs {
		run.label = labels[ii]
	}
	return runs, nil
}

func splitList(list string) []string {
	var parts []string
	for _, part := range strings.Split(list, ",") {
		if part = strings.TrimSpace(part); part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}
