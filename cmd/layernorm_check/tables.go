// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/layernorm/pkg/core/tensors"
	"github.com/gomlx/layernorm/pkg/ml/layernorm"
	"gonum.org/v1/gonum/floats"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)

	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)

	failStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
)

func newPlainTable(withHeader bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row == 1 {
				s = headerRowStyle
				return
			}
			switch {
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			if col == 0 {
				s = s.Align(lipgloss.Right)
			} else {
				s = s.Align(lipgloss.Left)
			}
			return
		})
}

func printSummary(input *tensors.Tensor, split layernorm.Split) {
	fmt.Println(titleStyle.Render("Layer Normalization"))
	table := newPlainTable(false)
	table.Row("input", input.Shape().String())
	table.Row("normalized", fmt.Sprintf("%v", *flagNormalized))
	table.Row("groups (M)", humanize.Comma(int64(split.M)))
	table.Row("group size (N)", humanize.Comma(int64(split.N)))
	table.Row("# bytes", humanize.Bytes(uint64(input.Memory())))
	table.Row("epsilon", fmt.Sprintf("%g", *flagEpsilon))
	table.Row("affine", fmt.Sprintf("%v", *flagAffine))
	fmt.Println(table.Render())
}

// printDifferences prints the max absolute differences, and returns whether they are all within tolerance.
func printDifferences(diffs []difference, tolerance float64) bool {
	fmt.Println(titleStyle.Render("Kernel vs Fallback"))
	table := newPlainTable(true)
	table.Row("Result", "Max Abs Diff", "Status")
	allOk := true
	for _, diff := range diffs {
		status := "ok"
		if diff.maxAbs > tolerance {
			status = failStyle.Render("FAIL")
			allOk = false
		}
		table.Row(diff.name, fmt.Sprintf("%.3g", diff.maxAbs), status)
	}
	fmt.Println(table.Render())
	return allOk
}

func printGradients(grads layernorm.Gradients) {
	fmt.Println(titleStyle.Render("Gradients"))
	table := newPlainTable(true)
	table.Row("Gradient", "Shape", "L2 Norm")
	for _, grad := range []struct {
		name  string
		value tensors.Optional
	}{{"input", grads.Input}, {"scale", grads.Scale}, {"bias", grads.Bias}} {
		if !grad.value.IsPresent() {
			table.Row(grad.name, "-", "-")
			continue
		}
		norm := floats.Norm(asFloat64(grad.value.Get()), 2)
		table.Row(grad.name, grad.value.Shape().String(), fmt.Sprintf("%.6g", norm))
	}
	fmt.Println(table.Render())
}

func printTimings(timings []timing, size int) {
	fmt.Println(titleStyle.Render("Timings"))
	table := newPlainTable(true)
	table.Row("Computation", "Reps", "Mean Time", "Throughput")
	for _, t := range timings {
		if *flagReps <= 0 {
			break
		}
		mean := t.total / time.Duration(*flagReps)
		throughput := "-"
		if mean > 0 {
			throughput = humanize.SIWithDigits(float64(size)/mean.Seconds(), 2, "elements/s")
		}
		table.Row(t.name, humanize.Comma(int64(*flagReps)), mean.String(), throughput)
	}
	fmt.Println(table.Render())
}
