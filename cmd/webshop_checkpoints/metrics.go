// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/webshopil/pkg/trainer"
	"github.com/janpfeifer/must"
	"golang.org/x/exp/maps"
	"k8s.io/klog/v2"
)

func sortedKeys[V any](m map[string]V) []string {
	keys := maps.Keys(m)
	slices.Sort(keys)
	return keys
}

// formatMetric formats accuracies as percentages.
func formatMetric(name string, value float64) string {
	switch {
	case strings.Contains(name, "accuracy"):
		return fmt.Sprintf("%.2f%%", 100.0*value)
	case name == "epoch":
		return fmt.Sprintf("%d", int(value))
	default:
		return fmt.Sprintf("%.4g", value)
	}
}

// selectRun returns the records of the run, or of the last run if runID is empty.
func selectRun(records []trainer.MetricsRecord, runID string) []trainer.MetricsRecord {
	if runID == "" && len(records) > 0 {
		runID = records[len(records)-1].RunID
	}
	return slices.DeleteFunc(slices.Clone(records), func(r trainer.MetricsRecord) bool {
		return r.RunID != runID
	})
}

// metricsColumns returns the metric names of the columns: the ones requested first, in the given order,
// followed by the others in alphabetical order. If names is not empty, only those metrics are included.
func metricsColumns(records []trainer.MetricsRecord, names string) []string {
	used := make(map[string]bool)
	for _, r := range records {
		for name := range r.Metrics {
			used[name] = true
		}
	}
	var columns []string
	if names != "" {
		for _, name := range strings.Split(names, ",") {
			name = strings.TrimSpace(name)
			if used[name] && !slices.Contains(columns, name) {
				columns = append(columns, name)
			}
		}
		return columns
	}
	return sortedKeys(used)
}

// Metrics lists the metrics of one run, one row per report.
func Metrics(metricsPath, runID, names string) {
	records := must.M1(trainer.ReadMetrics(metricsPath))
	records = selectRun(records, runID)
	if len(records) == 0 {
		klog.Errorf("No metrics found in %q for run %q", metricsPath, runID)
		return
	}
	fmt.Println(titleStyle.Render(fmt.Sprintf("Metrics of run %s", records[0].RunID)))
	columns := metricsColumns(records, names)
	table := newPlainTable(true)
	table.Headers(append([]string{"Step", "Time"}, columns...)...)
	for _, r := range records {
		row := make([]string, 2+len(columns))
		row[0] = humanize.Comma(int64(r.Step))
		row[1] = r.Time.Format("2006-01-02 15:04:05")
		hasValue := false
		for ii, name := range columns {
			if value, found := r.Metrics[name]; found {
				row[2+ii] = formatMetric(name, value)
				hasValue = true
			}
		}
		if hasValue {
			table.Row(row...)
		}
	}
	fmt.Println(table.Render())
}
