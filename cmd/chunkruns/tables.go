// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"maps"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/chunktrain/tracking"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
	redRowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "9", Dark: "9"}).
			Bold(true).
			PaddingLeft(1).PaddingRight(1)
)

// TableWithReds is a table where selected rows are highlighted in red.
type TableWithReds struct {
	Table *lgtable.Table
	Count int
	Reds  map[int]bool
}

// Row appends a row, highlighted if isRed.
func (t *TableWithReds) Row(isRed bool, row ...string) {
	if isRed {
		t.Reds[t.Count] = true
	}
	t.Table.Row(row...)
	t.Count++
}

// Render the table.
func (t *TableWithReds) Render() string { return t.Table.Render() }

// newTable with the given column alignments: the last alignment is used for the remaining columns.
func newTable(headers []string, alignments ...lipgloss.Position) *TableWithReds {
	t := &TableWithReds{Reds: make(map[int]bool)}
	t.Table = lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if row == lgtable.HeaderRow {
				return headerRowStyle
			}
			switch {
			case t.Reds[row]:
				s = redRowStyle
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			alignment := lipgloss.Left
			if col < len(alignments) {
				alignment = alignments[col]
			} else if len(alignments) > 0 {
				alignment = alignments[len(alignments)-1]
			}
			return s.Align(alignment)
		})
	if len(headers) > 0 {
		t.Table.Headers(headers...)
	}
	return t
}

func isAllEqual[E comparable](s []E) bool {
	for ii := 1; ii < len(s); ii++ {
		if s[ii] != s[0] {
			return false
		}
	}
	return true
}

// formatMetric formats accuracies as percentages and other floats with 4 decimal places.
func formatMetric(key string, row tracking.Row) string {
	value, found := row[key]
	if !found {
		return ""
	}
	f, ok := row.Float(key)
	if !ok {
		return fmt.Sprintf("%v", value)
	}
	if strings.Contains(key, "accuracy") && !math.IsNaN(f) && !math.IsInf(f, 0) {
		return fmt.Sprintf("%.2f%%", 100*f)
	}
	return strconv.FormatFloat(f, 'f', 4, 64)
}

// isNonFinite reports whether any of the keys hold a NaN or infinite value.
func isNonFinite(row tracking.Row, keys []string) bool {
	for _, key := range keys {
		if f, ok := row.Float(key); ok && (math.IsNaN(f) || math.IsInf(f, 0)) {
			return true
		}
	}
	return false
}

// summaryTable lists one run per row, with the final value of each metric and the best test accuracy.
// Runs that diverged (non-finite metrics) are highlighted.
func summaryTable(runs []*runInfo, metricNames []string) *TableWithReds {
	headers := []string{"Run", "Started", "Epochs", "Examples"}
	headers = append(headers, metricNames...)
	headers = append(headers, "best test_accuracy", "Runtime")
	t := newTable(headers, lipgloss.Left, lipgloss.Left, lipgloss.Right)
	for _, run := range runs {
		row := []string{run.label, humanize.Time(run.meta.StartedAt), strconv.Itoa(len(run.history))}
		if n, ok := run.summary.Int("num_examples"); ok {
			row = append(row, humanize.Comma(int64(n)))
		} else {
			row = append(row, "")
		}
		for _, name := range metricNames {
			row = append(row, formatMetric(name, run.summary))
		}
		if best, ok := bestValue(run.history, "test_accuracy"); ok {
			row = append(row, fmt.Sprintf("%.2f%%", 100*best))
		} else {
			row = append(row, "")
		}
		if seconds, ok := run.summary.Float(tracking.RuntimeKey); ok {
			row = append(row, (time.Duration(seconds * float64(time.Second))).Round(time.Second).String())
		} else {
			row = append(row, "")
		}
		t.Row(isNonFinite(run.summary, metricNames), row...)
	}
	return t
}

// configTable shows the configuration of all runs side by side: entries that differ among runs are highlighted.
func configTable(runs []*runInfo) *TableWithReds {
	keySet := make(map[string]bool)
	for _, run := range runs {
		for key := range run.config {
			keySet[key] = true
		}
	}
	headers := []string{"key"}
	for _, run := range runs {
		headers = append(headers, run.label)
	}
	t := newTable(headers, lipgloss.Right, lipgloss.Left)
	for _, key := range slices.Sorted(maps.Keys(keySet)) {
		values := make([]string, len(runs))
		for ii, run := range runs {
			if value, found := run.config[key]; found {
				values[ii] = fmt.Sprintf("%v", value)
			}
		}
		t.Row(!isAllEqual(values), append([]string{key}, values...)...)
	}
	return t
}

// historyTable lists the epochs logged by the run.
func historyTable(run *runInfo, metricNames []string) *TableWithReds {
	headers := append([]string{"epoch", "chunk", "examples"}, metricNames...)
	t := newTable(headers, lipgloss.Right)
	for _, row := range run.history {
		values := []string{formatInt(row, "epoch"), formatInt(row, "chunk"), formatInt(row, "num_examples")}
		for _, name := range metricNames {
			values = append(values, formatMetric(name, row))
		}
		t.Row(isNonFinite(row, metricNames), values...)
	}
	return t
}

func formatInt(row tracking.Row, key string) string {
	if n, ok := row.Int(key); ok {
		return humanize.Comma(int64(n))
	}
	return ""
}
