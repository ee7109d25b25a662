// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ProgressbarStyle to use. Defaults to the ASCII version.
var ProgressbarStyle = progressbar.ThemeASCII

// maxUpdateFrequency is the time between updates to the commandline display of stats.
const maxUpdateFrequency = time.Millisecond * 200

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

// progressUpdate is one row set of the stats table, plus the number of steps to advance the bar.
type progressUpdate struct {
	amount int
	rows   [][2]string
}

// progressBar displays the completed optimizer steps and a table with the latest training stats.
// Updates are drawn asynchronously, so a slow terminal doesn't slow down training.
type progressBar struct {
	bar        *progressbar.ProgressBar
	termenv    *termenv.Output
	statsStyle lipgloss.Style
	statsTable *lgtable.Table

	updates          chan progressUpdate
	asyncUpdatesDone sync.WaitGroup
	lastNumRows      int

	stepDurations []time.Duration
	lastStepTime  time.Time
}

// newProgressBar starts a progress bar for totalSteps, of which startStep are already completed.
func newProgressBar(startStep, totalSteps int) *progressBar {
	pBar := &progressBar{
		termenv:      termenv.NewOutput(os.Stdout),
		statsStyle:   lipgloss.NewStyle().PaddingLeft(8),
		updates:      make(chan progressUpdate, 100),
		lastStepTime: time.Now(),
	}
	pBar.statsTable = lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	pBar.bar = progressbar.NewOptions(totalSteps,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(ProgressbarStyle),
	)
	if startStep > 0 {
		_ = pBar.bar.Set(startStep)
	}
	pBar.asyncUpdatesDone.Add(1)
	go pBar.draw()
	return pBar
}

func (pBar *progressBar) draw() {
	defer pBar.asyncUpdatesDone.Done()
	for update := range pBar.updates {
		// Exhaust the updates in the buffer, keeping the last stats.
		amount := update.amount
	exhaust:
		for {
			select {
			case newUpdate, ok := <-pBar.updates:
				if !ok {
					break exhaust
				}
				amount += newUpdate.amount
				update = newUpdate
			default:
				break exhaust
			}
		}

		pBar.statsTable.Data(lgtable.NewStringData())
		for _, row := range update.rows {
			pBar.statsTable.Row(row[0], row[1])
		}
		pBar.termenv.HideCursor()
		if pBar.lastNumRows > 0 {
			// Table rows, its 2 borders, the bar and the empty line.
			pBar.termenv.CursorPrevLine(pBar.lastNumRows + 2 + 2)
		}
		pBar.lastNumRows = len(update.rows)
		fmt.Println(pBar.statsStyle.Render(pBar.statsTable.String()))
		_ = pBar.bar.Add(amount)
		fmt.Println()
		pBar.termenv.ShowCursor()
		time.Sleep(maxUpdateFrequency)
	}
}

// Step reports one completed optimizer step.
func (pBar *progressBar) Step(completedSteps, totalSteps, epoch int, learningRate, loss float64) {
	now := time.Now()
	pBar.stepDurations = append(pBar.stepDurations, now.Sub(pBar.lastStepTime))
	pBar.lastStepTime = now
	pBar.updates <- progressUpdate{
		amount: 1,
		rows: [][2]string{
			{"Completed steps", fmt.Sprintf("%s of %s", humanize.Comma(int64(completedSteps)), humanize.Comma(int64(totalSteps)))},
			{"Epoch", fmt.Sprintf("%d", epoch)},
			{"Learning rate", fmt.Sprintf("%.3g", learningRate)},
			{"Train loss", fmt.Sprintf("%.4f", loss)},
			{"Median step duration", commandline.FormatDuration(pBar.medianStepDuration())},
		},
	}
}

// medianStepDuration over the last steps.
func (pBar *progressBar) medianStepDuration() time.Duration {
	const window = 100
	if len(pBar.stepDurations) > window {
		pBar.stepDurations = slices.Clone(pBar.stepDurations[len(pBar.stepDurations)-window:])
	}
	sorted := slices.Clone(pBar.stepDurations)
	slices.Sort(sorted)
	return sorted[len(sorted)/2]
}

// Close waits for the pending updates to be drawn.
func (pBar *progressBar) Close() {
	close(pBar.updates)
	pBar.asyncUpdatesDone.Wait()
	pBar.termenv.ShowCursor()
	fmt.Println()
}
