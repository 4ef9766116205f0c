// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tracking

import (
	"encoding/json"
	"os"
	"path"

	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
)

// Sink receives everything recorded by a Run. Calls are serialized by the Run.
type Sink interface {
	// Open is called once by Init, before any other method.
	Open(meta Metadata) error

	// Config receives the full configuration, every time it changes.
	Config(config map[string]any) error

	// History receives each new row logged.
	History(row Row) error

	// Summary receives the final summary, when the run finishes.
	Summary(summary map[string]any) error

	// Close releases the sink. It is the last call.
	Close() error
}

// Names of the files written by LocalSink under <root>/<run name>/FilesDir.
const (
	FilesDir     = "files"
	MetadataFile = "metadata.json"
	ConfigFile   = "config.json"
	HistoryFile  = "history.jsonl"
	SummaryFile  = "summary.json"
)

// LocalSink writes runs under a root directory: each run gets the directory <root>/<run name>/files with
// MetadataFile, ConfigFile, HistoryFile (one JSON object per line) and SummaryFile.
type LocalSink struct {
	root    string
	dir     string
	history *os.File
}

var _ Sink = (*LocalSink)(nil)

// NewLocalSink creates a sink that writes runs under root. A "~" prefix is expanded to the home directory.
func NewLocalSink(root string) *LocalSink {
	return &LocalSink{root: root}
}

// RunDir returns the directory of the run, once opened.
func (s *LocalSink) RunDir() string {
	if s.dir == "" {
		return ""
	}
	return path.Dir(s.dir)
}

// Open implements Sink.
func (s *LocalSink) Open(meta Metadata) error {
	root, err := fsutil.ReplaceTildeInDir(s.root)
	if err != nil {
		return err
	}
	s.dir = path.Join(root, meta.Name, FilesDir)
	if err := os.MkdirAll(s.dir, 0777); err != nil {
		return errors.Wrapf(err, "creating run directory %q", s.dir)
	}
	if err := writeJSON(path.Join(s.dir, MetadataFile), meta); err != nil {
		return err
	}
	historyPath := path.Join(s.dir, HistoryFile)
	s.history, err = os.OpenFile(historyPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return errors.Wrapf(err, "opening history file %q", historyPath)
	}
	return nil
}

// Config implements Sink.
func (s *LocalSink) Config(config map[string]any) error {
	return writeJSON(path.Join(s.dir, ConfigFile), config)
}

// History implements Sink.
func (s *LocalSink) History(row Row) error {
	if s.history == nil {
		return errors.New("LocalSink.History called on a closed or unopened sink")
	}
	line, err := json.Marshal(row)
	if err != nil {
		return errors.Wrapf(err, "encoding history row")
	}
	line = append(line, '\n')
	if _, err = s.history.Write(line); err != nil {
		return errors.Wrapf(err, "writing to %q", s.history.Name())
	}
	return nil
}

// Summary implements Sink.
func (s *LocalSink) Summary(summary map[string]any) error {
	return writeJSON(path.Join(s.dir, SummaryFile), summary)
}

// Close implements Sink.
func (s *LocalSink) Close() error {
	if s.history == nil {
		return nil
	}
	err := s.history.Close()
	s.history = nil
	return errors.Wrap(err, "closing history file")
}

// writeJSON writes value indented to a temporary file that is then renamed to filePath.
func writeJSON(filePath string, value any) error {
	content, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "encoding %q", filePath)
	}
	tmpPath := filePath + ".tmp"
	if err = os.WriteFile(tmpPath, content, 0666); err != nil {
		return errors.Wrapf(err, "writing %q", tmpPath)
	}
	return errors.Wrapf(os.Rename(tmpPath, filePath), "renaming %q to %q", tmpPath, filePath)
}
