// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience UI tools to inspect interpreters on the command line.
package commandline

import (
	"fmt"
	"io"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"

	"github.com/gomlx/golite/pkg/lite/interpreter"
	"github.com/gomlx/golite/pkg/lite/tensors"
)

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	headerStyle       = lipgloss.NewStyle().Padding(0, 1).Bold(true).Reverse(true)
	tableBorderColor  = "#705090"
)

// layoutRightAligned columns of the layout table.
var layoutRightAligned = map[int]bool{0: true, 6: true, 7: true}

// LayoutTable returns a table with one row per tensor of interp: its name, shape, allocation type and,
// for arena tensors, its placement in the arenas.
func LayoutTable(interp *interpreter.Interpreter) *lgtable.Table {
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		Headers("#", "Name", "DType", "Shape", "Allocation", "Arena", "Offset", "Size").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			if layoutRightAligned[col] {
				return rightAlignedStyle
			}
			return normalStyle
		})
	placements := make(map[int]int)
	layout := interp.Layout()
	for ii, p := range layout {
		placements[p.Tensor] = ii
	}
	for id := range interp.NumTensors() {
		t := interp.Tensor(id)
		arenaName, offset := "-", "-"
		size := humanize.IBytes(uint64(t.NumBytes()))
		if ii, found := placements[id]; found {
			p := layout[ii]
			arenaName = "working"
			if p.Persistent {
				arenaName = "persistent"
			}
			offset = strconv.Itoa(p.Offset)
		}
		if t.AllocationType() == tensors.AllocDynamic && !t.IsBound() {
			size = "-"
		}
		table.Row(strconv.Itoa(id), t.Name(), t.DType().String(), fmt.Sprint(t.Dims()),
			t.AllocationType().String(), arenaName, offset, size)
	}
	return table
}

// PrintLayout writes the layout table of interp, followed by a summary of its memory usage.
func PrintLayout(w io.Writer, interp *interpreter.Interpreter) error {
	stats := interp.Stats()
	_, err := fmt.Fprintf(w, "%s\n%d tensors, %d nodes: working arena %s, persistent arena %s, dynamic tensors %s\n",
		LayoutTable(interp).String(), stats.NumTensors, stats.NumNodes,
		humanize.IBytes(uint64(stats.ArenaBytes)), humanize.IBytes(uint64(stats.PersistentArenaBytes)),
		humanize.IBytes(uint64(stats.DynamicBytes)))
	return err
}
