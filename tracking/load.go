// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tracking

import (
	"bufio"
	"encoding/json"
	"maps"
	"os"
	"path"
	"slices"
	"strconv"

	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
)

// Float returns the value of key as a float64, and whether it is present and numeric.
// Non-finite values stored as strings ("NaN", "Infinity", "-Infinity") are parsed back.
func (r Row) Float(key string) (float64, bool) {
	return toFloat(r[key])
}

// Int returns the value of key as an int, and whether it is present and numeric.
func (r Row) Int(key string) (int, bool) {
	f, ok := toFloat(r[key])
	if !ok {
		return 0, false
	}
	return int(f), true
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	}
	return 0, false
}

func readJSON(filePath string, value any) error {
	content, err := os.ReadFile(filePath)
	if err != nil {
		return errors.Wrapf(err, "reading %q", filePath)
	}
	return errors.Wrapf(json.Unmarshal(content, value), "parsing %q", filePath)
}

// LoadMetadata reads the metadata of the run stored by a LocalSink in runDir.
func LoadMetadata(runDir string) (meta Metadata, err error) {
	err = readJSON(path.Join(runDir, FilesDir, MetadataFile), &meta)
	return
}

// LoadConfig reads the configuration of the run stored by a LocalSink in runDir.
// A run that never had a configuration returns an empty map.
func LoadConfig(runDir string) (map[string]any, error) {
	config := make(map[string]any)
	filePath := path.Join(runDir, FilesDir, ConfigFile)
	if exists, err := fsutil.FileExists(filePath); err != nil || !exists {
		return config, err
	}
	err := readJSON(filePath, &config)
	return config, err
}

// LoadHistory reads the history rows of the run stored by a LocalSink in runDir, in the order they were logged.
func LoadHistory(runDir string) ([]Row, error) {
	filePath := path.Join(runDir, FilesDir, HistoryFile)
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "opening history %q", filePath)
	}
	defer func() { _ = f.Close() }()
	var rows []Row
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var row Row
		if err := json.Unmarshal(line, &row); err != nil {
			return nil, errors.Wrapf(err, "parsing %q line %d", filePath, lineNum)
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "reading history %q", filePath)
	}
	return rows, nil
}

// LoadSummary reads the summary of the run stored by a LocalSink in runDir.
// If the run didn't finish (no summary file), the summary is rebuilt from the history.
func LoadSummary(runDir string) (map[string]any, error) {
	filePath := path.Join(runDir, FilesDir, SummaryFile)
	exists, err := fsutil.FileExists(filePath)
	if err != nil {
		return nil, err
	}
	summary := make(map[string]any)
	if exists {
		err = readJSON(filePath, &summary)
		return summary, err
	}
	rows, err := LoadHistory(runDir)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		maps.Copy(summary, row)
	}
	return summary, nil
}

// FindRuns returns the directories of the runs stored under root by a LocalSink, sorted by name
// (and hence by start time, for generated names).
func FindRuns(root string) ([]string, error) {
	root, err := fsutil.ReplaceTildeInDir(root)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, errors.Wrapf(err, "listing runs in %q", root)
	}
	var runDirs []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		runDir := path.Join(root, entry.Name())
		if exists, _ := fsutil.FileExists(path.Join(runDir, FilesDir, MetadataFile)); exists {
			runDirs = append(runDirs, runDir)
		}
	}
	slices.Sort(runDirs)
	return runDirs, nil
}
