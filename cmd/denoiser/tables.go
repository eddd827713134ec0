// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/denoiser/pkg/failure"
	"github.com/gomlx/denoiser/pkg/pipeline"
	"github.com/muesli/termenv"
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

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func init() {
	// Plain output when piped.
	lipgloss.SetColorProfile(termenv.NewOutput(os.Stdout).EnvColorProfile())
}

// tableWithReds is a table where some rows can be highlighted in red.
type tableWithReds struct {
	table *lgtable.Table
	count int
	reds  map[int]bool
}

func (t *tableWithReds) Row(isRed bool, row ...string) {
	if isRed {
		t.reds[t.count] = true
	}
	t.table.Row(row...)
	t.count++
}

func newTable(headers ...string) *tableWithReds {
	t := &tableWithReds{reds: make(map[int]bool)}
	t.table = lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		Headers(headers...).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			switch {
			case row < 0:
				return headerRowStyle
			case t.reds[row]:
				s = redRowStyle
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			if col == 0 {
				return s.Align(lipgloss.Right)
			}
			return s.Align(lipgloss.Left)
		})
	return t
}

// printResults prints one row per stage run, and a red row for the failure, if any.
func printResults(results []*pipeline.StageResult, stats pipeline.Stats, err error) {
	fmt.Println(titleStyle.Render("Stages"))
	table := newTable("Stage", "Duration", "Result")
	for _, result := range results {
		table.Row(false, string(result.Stage), result.Duration.Round(time.Millisecond).String(), result.Summary)
	}
	if err != nil {
		msg := err.Error()
		if idx := strings.IndexByte(msg, '\n'); idx >= 0 {
			msg = msg[:idx]
		}
		table.Row(true, "failed", failure.KindOf(err).String(), msg)
	}
	fmt.Println(table.table.Render())

	var upstream []string
	for _, s := range stats.StagesRun {
		upstream = append(upstream, string(s))
	}
	fmt.Printf("Stages run: %s; arrays read: %s\n", strings.Join(upstream, ", "),
		humanize.Comma(int64(stats.ArrayReads)))
}

// printStages prints the stages in the order "all" runs them.
func printStages() error {
	order, err := pipeline.Order()
	if err != nil {
		return err
	}
	fmt.Println(titleStyle.Render("Stages"))
	table := newTable("#", "Stage", "Command")
	names := make(map[pipeline.Stage]string, len(commands))
	for name, stage := range commands {
		names[stage] = name
	}
	for ii, stage := range order {
		table.Row(false, fmt.Sprintf("%d", ii+1), string(stage), names[stage])
	}
	fmt.Println(table.table.Render())
	return nil
}
