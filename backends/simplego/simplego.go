// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package simplego implements a simple, and not very fast, but very portable layer normalization kernel
// in pure Go, for the CPU device.
//
// It only implements the float32 and float64 dtypes. The work is split across the M normalization
// groups (and across the N elements for the scale/bias gradients) using a pool of goroutines.
package simplego

import (
	"strconv"
	"strings"

	"github.com/gomlx/layernorm/backends"
	"github.com/gomlx/layernorm/internal/workerspool"
	"github.com/gomlx/layernorm/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// BackendName to be used in LAYERNORM_BACKEND to specify this kernel.
const BackendName = "simplego"

// Registers New() as the default constructor for the CPU device.
func init() {
	backends.Register(tensors.CPU, BackendName, func(config string) (backends.Kernel, error) {
		return New(config)
	})
}

// Backend implements the backends.Kernel interface.
type Backend struct {
	workers     *workerspool.Pool
	isFinalized bool
}

// Compile-time check that simplego.Backend implements backends.Kernel.
var _ backends.Kernel = &Backend{}

// New constructs a new SimpleGo kernel.
//
// The config string is a comma-separated list of options:
//   - "parallelism=<int>": soft limit of the number of goroutines used. 0 disables parallelism
//     and -1 makes it unlimited. It defaults to runtime.NumCPU().
//
// Example: backends.NewWithConfig(tensors.CPU, "simplego:parallelism=4")
func New(config string) (*Backend, error) {
	b := &Backend{workers: workerspool.New()}
	if config != "" {
		parts := strings.Split(config, ",")
		for _, part := range parts {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			key, value, _ := strings.Cut(part, "=")
			switch key {
			case "parallelism":
				parallelism, err := strconv.Atoi(value)
				if err != nil || parallelism < -1 {
					return nil, errors.Errorf("invalid value %q for option \"parallelism\" of SimpleGo (%s) kernel",
						value, BackendName)
				}
				b.workers.SetMaxParallelism(parallelism)
			default:
				return nil, errors.Errorf("unknown configuration option %q for SimpleGo (%s) kernel", part, BackendName)
			}
		}
	}
	klog.V(1).Infof("SimpleGo kernel created with parallelism=%d", b.workers.MaxParallelism())
	return b, nil
}

// Name returns the short name of the kernel.
func (b *Backend) Name() string {
	return BackendName
}

// String implements fmt.Stringer.
func (b *Backend) String() string { return BackendName }

// Description is a longer description of the kernel that can be used to pretty-print.
func (b *Backend) Description() string {
	return "Simple Go Portable LayerNorm Kernel"
}

// Capabilities returns information about what is supported by this kernel.
func (b *Backend) Capabilities() backends.Capabilities {
	return Capabilities
}

// Parallelism returns the soft limit of goroutines used by the kernel.
func (b *Backend) Parallelism() int {
	return b.workers.MaxParallelism()
}

// Finalize releases all the associated resources immediately, and makes the kernel invalid.
func (b *Backend) Finalize() {
	b.isFinalized = true
}

// IsFinalized returns true if the kernel is finalized.
func (b *Backend) IsFinalized() bool {
	return b.isFinalized
}
