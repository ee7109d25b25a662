// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// webshop_checkpoints reports on the output directory of a webshop_il run (<output>/<model_name>): its
// checkpoints and results, the metrics reported during training, and the hyperparameters and variables
// of a checkpoint.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/webshopil/pkg/scorer"
	"github.com/gomlx/webshopil/pkg/trainer"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagSummary = flag.Bool("summary", true, "Lists the checkpoints of the run and its final results.")
	flagMetrics = flag.Bool("metrics", false,
		fmt.Sprintf("Lists the metrics reported during training, in file %q.", trainer.MetricsFileName))
	flagMetricsNames = flag.String("metrics_names", "", "Comma-separated list of metric names to include in the metrics report.")
	flagRun          = flag.String("run", "", "Run id of the metrics to report. Defaults to the last run that appended to the metrics file.")
	flagCheckpoint   = flag.String("checkpoint", "",
		"Checkpoint (e.g. step_1000 or epoch_2) whose hyperparameters and variables are reported by -params and -vars. "+
			"Defaults to the latest checkpoint.")
	flagScope  = flag.String("scope", "/"+scorer.ModelScope, "The scope of the variables reported by -vars.")
	flagParams = flag.Bool("params", false, "Lists the hyperparameters of the checkpoint.")
	flagVars   = flag.Bool("vars", false, "Lists the variables of the checkpoint under -scope.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	args := flag.Args()
	if len(args) != 1 {
		klog.Errorf("Expected the output directory of a run as the only argument. See 'webshop_checkpoints -help'.")
		os.Exit(1)
	}
	outputDir := args[0]

	if *flagSummary {
		Summary(outputDir)
	}
	if *flagMetrics {
		Metrics(filepath.Join(outputDir, trainer.MetricsFileName), *flagRun, *flagMetricsNames)
	}
	if *flagParams || *flagVars {
		ctx, name := loadCheckpoint(outputDir, *flagCheckpoint)
		if *flagParams {
			Params(ctx, name)
		}
		if *flagVars {
			ListVariables(ctx.InAbsPath(*flagScope))
		}
	}
}

// loadCheckpoint loads the variables and hyperparameters of the scorer saved in the checkpoint.
func loadCheckpoint(outputDir, name string) (ctx *context.Context, dir string) {
	resumeFrom := trainer.ResumeLatest
	if name != "" {
		resumeFrom = name
		if !filepath.IsAbs(name) {
			resumeFrom = filepath.Join(outputDir, name)
		}
	}
	c := must.M1(trainer.FindCheckpoint(outputDir, resumeFrom))
	ctx = context.New()
	_ = must.M1(checkpoints.Load(ctx).Dir(c.ScorerDir()).Immediate().Done())
	return ctx, c.ScorerDir()
}

// Summary lists the checkpoints, highlighting the one the manifest points to, and the results.
func Summary(outputDir string) {
	list := must.M1(trainer.ListCheckpoints(outputDir))
	var latestDir string
	if latest, err := trainer.FindCheckpoint(outputDir, trainer.ResumeLatest); err == nil {
		latestDir = latest.Dir
	} else {
		klog.V(1).Infof("No manifest: %v", err)
	}

	fmt.Println(titleStyle.Render(fmt.Sprintf("Checkpoints in %q", outputDir)))
	if len(list) == 0 {
		fmt.Println("    No checkpoints found.")
	} else {
		table := newHighlightTable(true, lipgloss.Left, lipgloss.Left, lipgloss.Right)
		table.Table.Headers("Checkpoint", "Kind", "Epoch", "Batches", "Steps", "Saved")
		for _, c := range list {
			name := filepath.Base(c.Dir)
			isLatest := c.Dir == latestDir
			if isLatest {
				name += " (latest)"
			}
			table.Row(isLatest, name, string(c.Kind),
				fmt.Sprintf("%d", c.Epoch),
				humanize.Comma(int64(c.BatchesDone)),
				humanize.Comma(int64(c.CompletedSteps)),
				humanize.Time(c.Time))
		}
		fmt.Println(table.Table.Render())
	}

	resultsPath := filepath.Join(outputDir, trainer.ResultsFileName)
	data, err := os.ReadFile(resultsPath)
	if err != nil {
		klog.V(1).Infof("No results: %v", err)
		return
	}
	var results map[string]float64
	if err = json.Unmarshal(data, &results); err != nil {
		klog.Errorf("Failed to parse %q: %v", resultsPath, err)
		return
	}
	fmt.Println(titleStyle.Render("Results"))
	table := newPlainTable(false, lipgloss.Right, lipgloss.Left)
	for _, name := range sortedKeys(results) {
		table.Row(name, formatMetric(name, results[name]))
	}
	fmt.Println(table.Render())
}
