// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience UI tools for the command line: a progress bar for
// inference iterations with a table of stats updated asynchronously.
package commandline

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ExtraMetricFn is any function that will give extra values to display along the progress bar.
// It is called at each time the progress bar is updated, and it should return a name and the current value when it is called.
type ExtraMetricFn func() (name, value string)

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
// But it requires some of the graphical symbols to be supported.
var ProgressbarStyle = progressbar.ThemeASCII

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

// maxUpdateFrequency is the time between updates to the commandline display of stats.
const maxUpdateFrequency = time.Millisecond * 200

type progressBarUpdate struct {
	amount   int
	duration time.Duration
}

// ProgressBar displays the progress of a fixed number of iterations (e.g.: inferences), with a table
// of stats below it.
//
// It is safe to call Add concurrently.
type ProgressBar struct {
	total int
	bar   *progressbar.ProgressBar

	mu        sync.Mutex
	done      int
	durations []time.Duration

	termenv          *termenv.Output
	statsStyle       lipgloss.Style
	statsTable       *lgtable.Table
	isFirstOutput    bool
	updates          chan progressBarUpdate
	asyncUpdatesDone sync.WaitGroup

	extraMetricFns []ExtraMetricFn
}

// NewProgressBar creates and displays a progress bar for total iterations, written to os.Stdout.
//
// Optionally, one can provide extraMetrics: functions that are called at every update of
// the progress bar and should return a name (title) and a value to be included in the
// updated print-out.
func NewProgressBar(total int, description string, extraMetrics ...ExtraMetricFn) *ProgressBar {
	return newProgressBar(os.Stdout, total, description, extraMetrics...)
}

func newProgressBar(w io.Writer, total int, description string, extraMetrics ...ExtraMetricFn) *ProgressBar {
	pBar := &ProgressBar{
		total:          total,
		isFirstOutput:  true,
		extraMetricFns: extraMetrics,
		termenv:        termenv.NewOutput(w),
		statsStyle:     lipgloss.NewStyle().PaddingLeft(8),
		updates:        make(chan progressBarUpdate, 100), // Large buffer so inferences are not blocked.
	}
	pBar.bar = progressbar.NewOptions(total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(w),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("inferences"),
		progressbar.OptionSetTheme(ProgressbarStyle),
	)
	pBar.statsTable = lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	pBar.asyncUpdatesDone.Add(1)
	go pBar.drawLoop(w)
	return pBar
}

// drawLoop asynchronously draws updates: handy if inferences are faster than the terminal.
func (pBar *ProgressBar) drawLoop(w io.Writer) {
	defer pBar.asyncUpdatesDone.Done()
	for update := range pBar.updates {
		// Exhaust the updates in the buffer:
		amount := update.amount
	exhaust:
		for {
			select {
			case newUpdate, ok := <-pBar.updates:
				if !ok {
					break exhaust
				}
				amount += newUpdate.amount
			default:
				break exhaust
			}
		}

		done, median := pBar.Stats()
		pBar.statsTable.Data(lgtable.NewStringData())
		pBar.statsTable.Row("Inferences", fmt.Sprintf("%s of %s", humanize.Comma(int64(done)), humanize.Comma(int64(pBar.total))))
		pBar.statsTable.Row("Median inference duration", FormatDuration(median))
		for _, extraMetric := range pBar.extraMetricFns {
			name, value := extraMetric()
			pBar.statsTable.Row(name, value)
		}

		// Clear the previous lines that will be overwritten.
		pBar.termenv.HideCursor()
		if !pBar.isFirstOutput {
			numLinesToBackup := 2 + 2 + 2 + len(pBar.extraMetricFns)
			pBar.termenv.CursorPrevLine(numLinesToBackup)
		}
		pBar.isFirstOutput = false

		_, _ = fmt.Fprintln(w, pBar.statsStyle.Render(pBar.statsTable.String()))
		_ = pBar.bar.Add(amount) // Prints progress bar line.
		_, _ = fmt.Fprintln(w)
		pBar.termenv.ShowCursor()
		time.Sleep(maxUpdateFrequency)
	}
}

// Add reports one finished iteration, that took duration.
func (pBar *ProgressBar) Add(duration time.Duration) {
	pBar.mu.Lock()
	pBar.done++
	pBar.durations = append(pBar.durations, duration)
	pBar.mu.Unlock()
	pBar.updates <- progressBarUpdate{amount: 1, duration: duration}
}

// Stats returns the number of iterations done so far and their median duration.
func (pBar *ProgressBar) Stats() (done int, median time.Duration) {
	pBar.mu.Lock()
	defer pBar.mu.Unlock()
	return pBar.done, Median(pBar.durations)
}

// Done finishes the display. Add must not be called afterwards.
func (pBar *ProgressBar) Done() {
	close(pBar.updates)
	pBar.asyncUpdatesDone.Wait()
	pBar.termenv.ShowCursor()
}
