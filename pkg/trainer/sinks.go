// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Logger receives the informational messages of a run.
type Logger interface {
	Infof(format string, args ...any)
	Warningf(format string, args ...any)
}

// KlogLogger is the default Logger, it writes to klog.
type KlogLogger struct{}

var _ Logger = KlogLogger{}

// Infof implements Logger.
func (KlogLogger) Infof(format string, args ...any) { klog.InfofDepth(1, format, args...) }

// Warningf implements Logger.
func (KlogLogger) Warningf(format string, args ...any) { klog.WarningfDepth(1, format, args...) }

// Metrics reported to a MetricsSink, by name.
type Metrics map[string]float64

// MetricsSink receives the metrics of a run. Only the main process reports metrics.
type MetricsSink interface {
	// Log the metrics at the given number of completed optimizer steps.
	Log(step int, metrics Metrics) error

	// Close flushes and releases the sink.
	Close() error
}

// NopSink discards all metrics.
type NopSink struct{}

var _ MetricsSink = NopSink{}

// Log implements MetricsSink.
func (NopSink) Log(int, Metrics) error { return nil }

// Close implements MetricsSink.
func (NopSink) Close() error { return nil }

// MetricsFileName is the name of the file written by JSONLSink in the output directory.
const MetricsFileName = "metrics.jsonl"

// JSONLSink appends one JSON record per Log call to a file.
// Records are tagged with a run id, so resumed runs appending to the same file can be told apart.
type JSONLSink struct {
	mu      sync.Mutex
	file    *os.File
	encoder *json.Encoder
	runID   string
}

var _ MetricsSink = (*JSONLSink)(nil)

// MetricsRecord is one record written by JSONLSink.
type MetricsRecord struct {
	RunID   string    `json:"run_id"`
	Time    time.Time `json:"time"`
	Step    int       `json:"step"`
	Metrics Metrics   `json:"metrics"`
}

// NewJSONLSink opens (appending) the file at path.
func NewJSONLSink(path string) (*JSONLSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "opening metrics file %q", path)
	}
	return &JSONLSink{file: f, encoder: json.NewEncoder(f), runID: uuid.NewString()}, nil
}

// RunID returns the id tagging the records of this sink.
func (s *JSONLSink) RunID() string { return s.runID }

// Log implements MetricsSink.
func (s *JSONLSink) Log(step int, metrics Metrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return errors.New("metrics sink already closed")
	}
	record := MetricsRecord{RunID: s.runID, Time: time.Now(), Step: step, Metrics: metrics}
	if err := s.encoder.Encode(record); err != nil {
		return errors.Wrapf(err, "writing metrics to %q", s.file.Name())
	}
	return nil
}

// Close implements MetricsSink.
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return errors.Wrap(err, "closing metrics file")
}

// ReadMetrics reads the records written by JSONLSink to path, in order. Blank lines are skipped.
func ReadMetrics(path string) ([]MetricsRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening metrics file")
	}
	defer func() { _ = f.Close() }()
	var records []MetricsRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var record MetricsRecord
		if err := json.Unmarshal(line, &record); err != nil {
			return nil, errors.Wrapf(err, "parsing line %d of %q", lineNum, path)
		}
		records = append(records, record)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "reading %q", path)
	}
	return records, nil
}
