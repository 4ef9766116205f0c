package main

import (
	"bytes"
	"math"
	"path"
	"strings"
	"testing"

	"github.com/gomlx/chunktrain/tracking"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// createRuns records two runs under root: "good" with 3 epochs and "diverged" whose last loss is NaN.
func createRuns(t *testing.T, root string) {
	for _, name := range []string{"good", "diverged"} {
		run, err := tracking.Init("test", tracking.WithName(name), tracking.WithSinks(tracking.NewLocalSink(root)),
			tracking.WithConfig(map[string]any{"depth": 2, "name": name}))
		require.NoError(t, err)
		for epoch := range 3 {
			loss := 2.0 - 0.5*float64(epoch)
			if name == "diverged" && epoch == 2 {
				loss = math.NaN()
			}
			require.NoError(t, run.Log(map[string]any{
				"epoch": epoch, "chunk": 1 + epoch/2, "num_examples": 1000 * (1 + epoch/2),
				"loss": loss, "train_accuracy": 0.1 * float64(epoch+1), "test_accuracy": 0.2 + 0.1*float64(epoch%2),
			}))
		}
		require.NoError(t, run.Finish())
	}
}

func TestLoadRuns(t *testing.T) {
	root := t.TempDir()
	createRuns(t, root)
	runs, err := loadRuns([]string{root})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, []string{"diverged", "good"}, []string{runs[0].label, runs[1].label})
	assert.Len(t, runs[1].history, 3)

	// A run directory can be given directly.
	runs, err = loadRuns([]string{path.Join(root, "good")})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "good", runs[0].meta.Name)

	_, err = loadRuns([]string{path.Join(root, "missing")})
	require.Error(t, err)
}

func TestMinimalUniquePaths(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, MinimalUniquePaths("/x/a/run", "/x/b/run"))
	assert.Equal(t, []string{"a...run1", "b...run2"}, MinimalUniquePaths("/x/a/run1", "/x/b/run2"))
	assert.Equal(t, []string{"/only"}, MinimalUniquePaths("/only"))

	runs := []*runInfo{
		{dir: "/r1/same", meta: tracking.Metadata{Name: "same"}},
		{dir: "/r2/same", meta: tracking.Metadata{Name: "same"}},
	}
	assert.Equal(t, []string{"r1", "r2"}, runLabels(runs))
}

func TestTables(t *testing.T) {
	root := t.TempDir()
	createRuns(t, root)
	runs, err := loadRuns([]string{root})
	require.NoError(t, err)
	metricNames := splitList(" loss, test_accuracy ,")
	assert.Equal(t, []string{"loss", "test_accuracy"}, metricNames)

	summary := summaryTable(runs, metricNames)
	assert.Equal(t, map[int]bool{0: true}, summary.Reds)
	rendered := summary.Render()
	assert.Contains(t, rendered, "good")
	assert.Contains(t, rendered, "30.00%")
	assert.Contains(t, rendered, "1.0000")

	config := configTable(runs)
	// Only "name" differs.
	assert.Len(t, config.Reds, 1)
	assert.Contains(t, config.Render(), "depth")

	history := historyTable(runs[0], metricNames)
	assert.Equal(t, 3, history.Count)
	assert.Equal(t, map[int]bool{2: true}, history.Reds)
	assert.Contains(t, history.Render(), "2,000")
}

func TestExports(t *testing.T) {
	root := t.TempDir()
	createRuns(t, root)
	runs, err := loadRuns([]string{root})
	require.NoError(t, err)

	var csv bytes.Buffer
	require.NoError(t, WriteHistoryCSV(&csv, runs))
	lines := strings.Split(strings.TrimSpace(csv.String()), "\n")
	require.Len(t, lines, 7)
	assert.True(t, strings.HasPrefix(lines[0], "run,epoch,chunk,num_examples,"))
	assert.True(t, strings.HasPrefix(lines[1], "diverged,0,1,1000,"))

	best, ok := bestValue(runs[1].history, "test_accuracy")
	require.True(t, ok)
	assert.InDelta(t, 0.3, best, 1e-9)
	_, ok = bestValue(runs[1].history, "missing")
	assert.False(t, ok)

	var html bytes.Buffer
	require.NoError(t, WritePlotlyAsHTML(&html, runs, []string{"loss", "test_accuracy"}))
	assert.Equal(t, 2, strings.Count(html.String(), "Plotly.newPlot"))
	require.Error(t, WritePlotlyAsHTML(&html, runs, []string{"missing"}))

	var svg bytes.Buffer
	require.NoError(t, WriteAccuracySVG(&svg, runs, "test_accuracy"))
	assert.Contains(t, svg.String(), "<svg")
}
