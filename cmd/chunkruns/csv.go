// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"maps"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/gomlx/chunktrain/tracking"
	"github.com/pkg/errors"
)

// runColumn is the column with the run label in the history data frame.
const runColumn = "run"

// leadingColumns are placed first in the history data frame, in this order.
var leadingColumns = []string{runColumn, "epoch", "chunk", "num_examples"}

// historyFrame joins the history of all runs in one data frame, one row per logged epoch.
// Values missing in a run are NaN.
func historyFrame(runs []*runInfo) (dataframe.DataFrame, error) {
	keySet := make(map[string]bool)
	for _, run := range runs {
		for _, row := range run.history {
			for key := range row {
				keySet[key] = true
			}
		}
	}
	columns := slices.Clone(leadingColumns)
	for _, key := range slices.Sorted(maps.Keys(keySet)) {
		if !slices.Contains(columns, key) {
			columns = append(columns, key)
		}
	}

	records := [][]string{columns}
	for _, run := range runs {
		for _, row := range run.history {
			record := make([]string, len(columns))
			record[0] = run.label
			for ii, key := range columns[1:] {
				record[ii+1] = formatCSVValue(row, key)
			}
			records = append(records, record)
		}
	}
	if len(records) == 1 {
		return dataframe.DataFrame{}, errors.New("no history rows to export")
	}
	df := dataframe.LoadRecords(records, dataframe.WithTypes(map[string]series.Type{runColumn: series.String}))
	if df.Err != nil {
		return df, errors.Wrap(df.Err, "building history data frame")
	}
	return df, nil
}

func formatCSVValue(row tracking.Row, key string) string {
	value, found := row[key]
	if !found || value == nil {
		return "NaN"
	}
	if f, ok := row.Float(key); ok {
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	return strings.ReplaceAll(fmt.Sprintf("%v", value), "\n", " ")
}

// WriteHistoryCSV writes the history of all runs as CSV.
func WriteHistoryCSV(w io.Writer, runs []*runInfo) error {
	df, err := historyFrame(runs)
	if err != nil {
		return err
	}
	return errors.Wrap(df.WriteCSV(w), "writing history CSV")
}

// bestValue returns the maximum finite value of key over the history rows.
func bestValue(history []tracking.Row, key string) (float64, bool) {
	var values []float64
	for _, row := range history {
		if f, ok := row.Float(key); ok && !math.IsNaN(f) && !math.IsInf(f, 0) {
			values = append(values, f)
		}
	}
	if len(values) == 0 {
		return 0, false
	}
	return series.New(values, series.Float, key).Max(), true
}
