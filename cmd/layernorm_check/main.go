// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// layernorm_check cross-checks the layer normalization computed by the registered kernel against the
// batch normalization based fallback, on random inputs.
//
// Example:
//
//	layernorm_check -shape=32,128,768 -normalized=768 -affine -backward -reps=20
package main

import (
	"flag"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/gopjrt/dtypes"
	_ "github.com/gomlx/layernorm/backends/default"
	"github.com/gomlx/layernorm/pkg/core/shapes"
	"github.com/gomlx/layernorm/pkg/core/tensors"
	"github.com/gomlx/layernorm/pkg/ml/layernorm"
	"github.com/gomlx/layernorm/pkg/support/xslices"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"gonum.org/v1/gonum/floats"
	"k8s.io/klog/v2"
)

var (
	flagShape      = xslices.Flag("shape", []int{2, 3, 4}, "Comma-separated dimensions of the input.", strconv.Atoi)
	flagNormalized = xslices.Flag("normalized", []int{4}, "Comma-separated normalized (trailing) dimensions.", strconv.Atoi)
	flagDType      = flag.String("dtype", "float32", "DType of the input: float32 or float64.")
	flagEpsilon    = flag.Float64("eps", layernorm.DefaultEpsilon, "Epsilon added to the variance.")
	flagReps       = flag.Int("reps", 10, "Number of repetitions of each computation, for timing.")
	flagSeed       = flag.Uint64("seed", 42, "Seed for the random input.")
	flagAffine     = flag.Bool("affine", false, "Use random scale and bias.")
	flagBackward   = flag.Bool("backward", false, "Also run the backward pass, and report the norms of the gradients.")
	flagNoColor    = flag.Bool("no_color", false, "Disable colors in the output.")
	flagTolerance  = flag.Float64("tolerance", 1e-4,
		"Maximum absolute difference accepted between the kernel and the fallback results.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagNoColor {
		lipgloss.SetColorProfile(termenv.Ascii)
	}

	dtype, err := parseDType(*flagDType)
	if err == nil {
		err = validateReps(*flagReps)
	}
	if err != nil {
		klog.Errorf("%+v", err)
		os.Exit(1)
	}
	ok, err := check(dtype)
	if err != nil {
		klog.Errorf("Failed: %+v", err)
		os.Exit(1)
	}
	if !ok {
		klog.Errorf("Differences above tolerance %g", *flagTolerance)
		os.Exit(1)
	}
}

func parseDType(name string) (dtypes.DType, error) {
	switch name {
	case "float32":
		return dtypes.Float32, nil
	case "float64":
		return dtypes.Float64, nil
	}
	return dtypes.InvalidDType, errors.Errorf("-dtype=%q not supported, use float32 or float64", name)
}

// validateReps requires at least one repetition, since the reports use the results of the last one.
func validateReps(reps int) error {
	if reps < 1 {
		return errors.Errorf("-reps=%d must be at least 1", reps)
	}
	return nil
}

// timing of the repeated runs of one computation.
type timing struct {
	name  string
	total time.Duration
}

// check runs the comparison and prints the report. It returns whether all differences are within tolerance.
func check(dtype dtypes.DType) (bool, error) {
	rng := rand.New(rand.NewPCG(*flagSeed, *flagSeed+1))
	input := randomTensor(rng, dtype, *flagShape)
	scale, bias := tensors.None(), tensors.None()
	if *flagAffine {
		scale = tensors.Some(randomTensor(rng, dtype, *flagNormalized))
		bias = tensors.Some(randomTensor(rng, dtype, *flagNormalized))
	}
	split, err := layernorm.ResolveShapes(input.Shape(), *flagNormalized, scale, bias)
	if err != nil {
		return false, err
	}
	printSummary(input, split)

	numRuns := *flagReps * 2
	if *flagBackward {
		numRuns += *flagReps
	}
	bar := progressbar.NewOptions(numRuns,
		progressbar.OptionSetDescription("running"),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("runs"),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionSetWriter(os.Stderr))

	var kernelOut, kernelMean, kernelRstd *tensors.Tensor
	kernelTiming := timing{name: "kernel"}
	for range *flagReps {
		releaseAll(kernelOut, kernelMean, kernelRstd)
		start := time.Now()
		kernelOut, kernelMean, kernelRstd, err = layernorm.Forward(input, *flagNormalized, scale, bias, *flagEpsilon)
		if err != nil {
			return false, err
		}
		kernelTiming.total += time.Since(start)
		_ = bar.Add(1)
	}

	var mathOut, mathMean, mathRstd *tensors.Tensor
	mathTiming := timing{name: "batchnorm fallback"}
	for range *flagReps {
		start := time.Now()
		mathOut, mathMean, mathRstd, err = layernorm.MathForward(input, *flagNormalized, scale, bias, *flagEpsilon)
		if err != nil {
			return false, err
		}
		mathTiming.total += time.Since(start)
		_ = bar.Add(1)
	}

	var grads layernorm.Gradients
	backwardTiming := timing{name: "backward"}
	if *flagBackward {
		dOutput := randomTensor(rng, dtype, *flagShape)
		for range *flagReps {
			grads.Release()
			start := time.Now()
			grads, err = layernorm.Backward(dOutput, input, *flagNormalized, kernelMean, kernelRstd, scale, bias,
				layernorm.AllGradients())
			if err != nil {
				return false, err
			}
			backwardTiming.total += time.Since(start)
			_ = bar.Add(1)
		}
	}
	_ = bar.Finish()

	ok := printDifferences([]difference{
		newDifference("output", kernelOut, mathOut),
		newDifference("mean", kernelMean, mathMean),
		newDifference("rstd", kernelRstd, mathRstd),
	}, *flagTolerance)
	timings := []timing{kernelTiming, mathTiming}
	if *flagBackward {
		timings = append(timings, backwardTiming)
		printGradients(grads)
	}
	printTimings(timings, input.Size())
	return ok, nil
}

// randomTensor returns a float tensor with normally distributed values.
func randomTensor(rng *rand.Rand, dtype dtypes.DType, dims []int) *tensors.Tensor {
	t := tensors.FromShape(shapes.Make(dtype, dims...))
	switch dtype {
	case dtypes.Float32:
		tensors.MutableFlatData(t, func(flat []float32) {
			for ii := range flat {
				flat[ii] = float32(rng.NormFloat64())
			}
		})
	case dtypes.Float64:
		tensors.MutableFlatData(t, func(flat []float64) {
			for ii := range flat {
				flat[ii] = rng.NormFloat64()
			}
		})
	}
	return t
}

// asFloat64 returns a copy of the values of the float tensor t as float64.
func asFloat64(t *tensors.Tensor) []float64 {
	switch t.DType() {
	case dtypes.Float32:
		return xslices.Map(tensors.CopyFlatData[float32](t), func(v float32) float64 { return float64(v) })
	case dtypes.Float64:
		return tensors.CopyFlatData[float64](t)
	}
	return nil
}

// difference between the kernel and fallback values of one result.
type difference struct {
	name   string
	maxAbs float64
}

func newDifference(name string, kernel, fallback *tensors.Tensor) difference {
	a, b := asFloat64(kernel), asFloat64(fallback)
	if len(a) != len(b) {
		return difference{name: name, maxAbs: math.Inf(1)}
	}
	if len(a) == 0 {
		return difference{name: name}
	}
	return difference{name: name, maxAbs: floats.Distance(a, b, math.Inf(1))}
}

func releaseAll(ts ...*tensors.Tensor) {
	for _, t := range ts {
		if t != nil {
			t.Release()
		}
	}
}

func init() {
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags]\n\n", os.Args[0])
		flag.PrintDefaults()
	}
}
