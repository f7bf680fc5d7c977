// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package layernorm

import (
	"fmt"
	"strings"

	"github.com/gomlx/layernorm/pkg/core/shapes"
	"github.com/gomlx/layernorm/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// GradientMask selects which gradients Backward computes.
type GradientMask struct {
	Input, Scale, Bias bool
}

// AllGradients returns a mask requesting the gradients with respect to the input, scale and bias.
func AllGradients() GradientMask {
	return GradientMask{Input: true, Scale: true, Bias: true}
}

// MaskFromArray converts the flags {input, scale, bias} to a GradientMask.
func MaskFromArray(flags [3]bool) GradientMask {
	return GradientMask{Input: flags[0], Scale: flags[1], Bias: flags[2]}
}

// Array returns the flags {input, scale, bias}.
func (m GradientMask) Array() [3]bool {
	return [3]bool{m.Input, m.Scale, m.Bias}
}

// Any returns whether any gradient is requested.
func (m GradientMask) Any() bool {
	return m.Input || m.Scale || m.Bias
}

// String implements fmt.Stringer.
func (m GradientMask) String() string {
	var parts []string
	for ii, name := range []string{"input", "scale", "bias"} {
		if m.Array()[ii] {
			parts = append(parts, name)
		}
	}
	return fmt.Sprintf("GradientMask{%s}", strings.Join(parts, ","))
}

// Gradients returned by Backward. Gradients not requested are absent, which is distinct from a present
// tensor filled with zeros.
type Gradients struct {
	Input, Scale, Bias tensors.Optional
}

// Release the storage of the gradients present.
func (g Gradients) Release() {
	g.Input.Release()
	g.Scale.Release()
	g.Bias.Release()
}

// Backward computes the gradients of the layer normalization requested by mask, using the kernel registered
// for the device of the input. See Normalizer.Backward.
func Backward(dOutput, input *tensors.Tensor, normalizedShape []int, mean, rstd *tensors.Tensor,
	scale, bias tensors.Optional, mask GradientMask) (Gradients, error) {
	ln, err := forDevice(input.Device())
	if err != nil {
		return Gradients{}, err
	}
	return ln.Backward(dOutput, input, normalizedShape, mean, rstd, scale, bias, mask)
}

// Backward computes the gradients of the layer normalization with respect to the input, scale and bias, as
// requested by mask, given the gradient of the output (dOutput) and the mean and rstd returned by Forward.
//
// Gradients not requested are absent. The scale and bias gradients have the normalized shape (even if the
// scale or bias are absent). If there are no groups (M == 0), the scale and bias gradients are filled with
// zeros and the input gradient is zero-sized, and the kernel is not called.
//
// The kernel is called at most once, and only if there is something to compute. It returns an error wrapping
// ErrInvalidShape for invalid shapes, and any kernel error unchanged.
func (ln *Normalizer) Backward(dOutput, input *tensors.Tensor, normalizedShape []int, mean, rstd *tensors.Tensor,
	scale, bias tensors.Optional, mask GradientMask) (Gradients, error) {
	split, err := ResolveShapes(input.Shape(), normalizedShape, scale, bias)
	if err != nil {
		return Gradients{}, err
	}
	if !dOutput.Shape().Equal(input.Shape()) {
		return Gradients{}, errors.Wrapf(ErrInvalidShape, "dOutput %s must have the shape of the input %s",
			dOutput.Shape(), input.Shape())
	}
	for _, stat := range []struct {
		name  string
		value *tensors.Tensor
	}{{"mean", mean}, {"rstd", rstd}} {
		if stat.value.DType() != input.DType() || stat.value.Size() != split.M {
			return Gradients{}, errors.Wrapf(ErrInvalidShape, "%s %s must have %d elements of dtype %s",
				stat.name, stat.value.Shape(), split.M, input.DType())
		}
	}
	klog.V(2).Infof("layernorm.Backward(%s): M=%d, N=%d, axis=%d, %s",
		input.Shape(), split.M, split.N, split.Axis, mask)

	device := input.Device()
	paramShape := shapes.Make(input.DType(), normalizedShape...)
	var grads Gradients
	if mask.Input {
		grads.Input = tensors.Some(tensors.Empty(device, input.Shape()))
	}
	for _, param := range []struct {
		requested bool
		grad      *tensors.Optional
	}{{mask.Scale, &grads.Scale}, {mask.Bias, &grads.Bias}} {
		if !param.requested {
			continue
		}
		if split.M > 0 {
			*param.grad = tensors.Some(tensors.Empty(device, paramShape))
		} else {
			// No groups to reduce over: the gradient is zero.
			*param.grad = tensors.Some(tensors.Zeros(device, paramShape))
		}
	}

	if split.M <= 0 || split.N <= 0 || !mask.Any() {
		return grads, nil
	}
	flatMean, err := mean.Contiguous().Reshape(split.M)
	if err != nil {
		grads.Release()
		return Gradients{}, err
	}
	flatRstd, err := rstd.Contiguous().Reshape(split.M)
	if err != nil {
		grads.Release()
		return Gradients{}, err
	}
	err = ln.kernel.LayerNormBackward(dOutput.Contiguous(), input.Contiguous(), flatMean, flatRstd,
		contiguous(scale), split.M, split.N, grads.Input, grads.Scale, grads.Bias)
	if err != nil {
		grads.Release()
		return Gradients{}, err
	}
	return grads, nil
}
