// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/planrt/engine"
	"github.com/gomlx/planrt/types/shapes"
	"github.com/gomlx/planrt/types/tensors"
)

// maxValuesShown of each output.
const maxValuesShown = 8

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 0, 0, 0)
)

func newPlainTable(alignments ...lipgloss.Position) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			switch {
			case row < 0:
				return headerRowStyle
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			alignment := lipgloss.Left
			if col < len(alignments) {
				alignment = alignments[col]
			}
			return s.Align(alignment)
		})
}

func formatDims(dims []int) string {
	parts := make([]string, len(dims))
	for ii, dim := range dims {
		if dim == shapes.DynamicDim {
			parts[ii] = "?"
		} else {
			parts[ii] = fmt.Sprintf("%d", dim)
		}
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func printBindings(cg *engine.CompiledGraph) {
	table := newPlainTable(lipgloss.Right).
		Headers("#", "Direction", "Name", "DType", "Dimensions", "Layout", "Scale")
	for _, b := range cg.Bindings() {
		table.Row(fmt.Sprintf("%d", b.Index), b.Direction.String(), b.Name, b.DType.String(),
			formatDims(b.Dims), b.Layout.String(), fmt.Sprintf("%.4g", b.Scale))
	}
	fmt.Println(table.Render())

	var layers []string
	for _, l := range cg.Layers() {
		layers = append(layers, fmt.Sprintf("%s(%s)", l.Name, l.Type))
	}
	fmt.Printf("Layers: %s\n", strings.Join(layers, " → "))
}

func printOutputs(cg *engine.CompiledGraph, resolved map[int]shapes.Shape, outputs [][]byte) error {
	table := newPlainTable(lipgloss.Left).Headers("Output", "Shape", "First values")
	for ii, data := range outputs {
		b := cg.Binding(cg.NumInputs() + ii)
		shape := resolved[b.Index]
		view, err := tensors.NewView(shape, b.Layout, data)
		if err != nil {
			return err
		}
		values, err := tensors.ReadFloat32(view.WithScale(b.Scale))
		if err != nil {
			return err
		}
		parts := make([]string, 0, maxValuesShown+1)
		for _, v := range values[:min(len(values), maxValuesShown)] {
			parts = append(parts, fmt.Sprintf("%.3f", v))
		}
		if len(values) > maxValuesShown {
			parts = append(parts, "…")
		}
		table.Row(b.Name, shape.String(), strings.Join(parts, " "))
	}
	fmt.Println(table.Render())
	return nil
}
