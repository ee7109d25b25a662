// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/janpfeifer/must"

	_ "github.com/gomlx/gomlx/backends/default"
)

// ListVariables lists the variables in the scope of ctx, with their shape and, for float variables, their
// MAV (mean absolute value), RMS (root-mean-square) and MaxAV (max absolute value).
func ListVariables(ctx *context.Context) {
	fmt.Println(titleStyle.Render(fmt.Sprintf("Variables in scope %q", ctx.Scope())))
	statsExec := MustNewExec(backends.MustNew(), func(x *Node) (mav, rms, maxAV *Node) {
		x = ConvertDType(x, dtypes.Float64)
		mav = ReduceAllMean(Abs(x))
		rms = Sqrt(ReduceAllMean(Square(x)))
		maxAV = ReduceAllMax(Abs(x))
		return
	}).SetMaxCache(-1)
	table := newPlainTable(true)
	table.Headers("Scope", "Name", "Shape", "Size", "Bytes", "Scalar/MAV", "RMS", "MaxAV")
	var rows [][]string
	var totalSize int
	var totalMemory uintptr
	ctx.EnumerateVariablesInScope(func(v *context.Variable) {
		shape := v.Shape()
		totalSize += shape.Size()
		totalMemory += shape.Memory()
		var mav, rms, maxAV string
		if shape.Size() == 1 {
			mav = fmt.Sprintf("%8v", must.M1(v.Value()).Value())
		} else if shape.DType.IsFloat() {
			stats := statsExec.MustExec(must.M1(v.Value()))
			mav = fmt.Sprintf("%.3g", stats[0].Value().(float64))
			rms = fmt.Sprintf("%.3g", stats[1].Value().(float64))
			maxAV = fmt.Sprintf("%.3g", stats[2].Value().(float64))
		}
		rows = append(rows, []string{
			v.Scope(), v.Name(), shape.String(),
			humanize.Comma(int64(shape.Size())),
			humanize.Bytes(uint64(shape.Memory())),
			mav, rms, maxAV,
		})
	})
	slices.SortFunc(rows, func(a, b []string) int {
		if cmp := strings.Compare(a[0], b[0]); cmp != 0 {
			return cmp
		}
		return strings.Compare(a[1], b[1])
	})
	for _, row := range rows {
		table.Row(row...)
	}
	fmt.Println(table.Render())
	fmt.Printf("    %s variables, %s parameters, %s\n", humanize.Comma(int64(len(rows))),
		humanize.Comma(int64(totalSize)), humanize.Bytes(uint64(totalMemory)))
}

// Params lists the hyperparameters saved with the checkpoint.
func Params(ctx *context.Context, checkpointDir string) {
	fmt.Println(titleStyle.Render(fmt.Sprintf("Hyperparameters of %q", checkpointDir)))
	table := newPlainTable(true)
	table.Headers("Scope", "Name", "Type", "Value")
	var rows [][]string
	ctx.EnumerateParams(func(scope, key string, value any) {
		rows = append(rows, []string{scope, key, fmt.Sprintf("%T", value), fmt.Sprintf("%v", value)})
	})
	slices.SortFunc(rows, func(a, b []string) int {
		if cmp := strings.Compare(a[0], b[0]); cmp != 0 {
			return cmp
		}
		return strings.Compare(a[1], b[1])
	})
	for _, row := range rows {
		table.Row(row...)
	}
	fmt.Println(table.Render())
}
