// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package backends defines the interface a layer normalization numeric kernel needs to implement, and
// a registry of kernels indexed by device.
//
// Kernels register themselves (usually in an init() function) for a device with Register. The
// orchestration code (package github.com/gomlx/layernorm/pkg/ml/layernorm) finds the kernel for the
// device of its input tensors with ForDevice.
//
// To include the default kernels, simply import:
//
//	import _ "github.com/gomlx/layernorm/backends/default"
//
// A kernel that doesn't support some dtype or operation can simply return an error wrapping
// ErrNotImplemented.
package backends

import (
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/layernorm/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrNotImplemented indicates an operation or dtype is not implemented by a kernel.
//
// It doesn't contain a stack, attach one with errors.Wrapf(ErrNotImplemented, "...") when using it.
var ErrNotImplemented = errors.New("not implemented")

// Kernel is the API that needs to be implemented by a layer normalization numeric kernel.
//
// The orchestration guarantees that all tensors given are contiguous, with matching dtypes, that
// m > 0 and n > 0, and that the outputs are freshly allocated. Kernels must return only after all
// outputs are populated, and must not retain references to any of the tensors after returning.
type Kernel interface {
	// Name returns the short name of the kernel. E.g.: "simplego".
	Name() string

	// Description is a longer description of the Kernel that can be used to pretty-print.
	Description() string

	// Capabilities returns information about what is supported by this kernel.
	Capabilities() Capabilities

	// LayerNormForward normalizes each of the m groups of n consecutive elements of input:
	//
	//	mean[i] = avg(x_i)
	//	rstd[i] = 1/sqrt(var(x_i) + epsilon)  // Population variance.
	//	output[i, j] = (x_i[j] - mean[i]) * rstd[i] * gamma[j] + beta[j]
	//
	// Absent gamma (scale) and beta (bias) default to 1 and 0 respectively.
	// It writes exactly m*n elements of output, and m elements each of mean and rstd.
	LayerNormForward(input *tensors.Tensor, gamma, beta tensors.Optional, m, n int, epsilon float64,
		output, mean, rstd *tensors.Tensor) error

	// LayerNormBackward computes the gradients of the layer normalization with respect to the input,
	// gamma (scale) and beta (bias), given the gradient of the output, and the mean and rstd returned
	// by the forward pass.
	//
	// It fills only the requested (present) outputs; at least one is present.
	LayerNormBackward(dOutput, input, mean, rstd *tensors.Tensor, gamma tensors.Optional, m, n int,
		dInput, dGamma, dBeta tensors.Optional) error

	// Finalize releases all the associated resources immediately, and makes the kernel invalid.
	Finalize()
}

// Constructor takes a config string (optionally empty) and returns a Kernel.
type Constructor func(config string) (Kernel, error)

// deviceKernels holds the registered constructors for one device.
type deviceKernels struct {
	constructors    map[string]Constructor
	firstRegistered string

	// cached is the kernel returned by ForDevice.
	cached Kernel
}

var (
	registryMu sync.Mutex
	registry   = make(map[tensors.Device]*deviceKernels)

	// registryFrozen is set on the first lookup: after that Register panics.
	registryFrozen bool
)

// Register a kernel constructor with the given name for the given device.
// The constructor takes as input a configuration string that is passed along by NewWithConfig.
//
// Register must be called during initialization of a package: it panics if the registry was already
// used to look up a kernel, or if the name is already registered for the device.
func Register(device tensors.Device, name string, constructor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if registryFrozen {
		exceptions.Panicf("backends.Register(%q, %q): the registry is read-only after the first kernel lookup, "+
			"register kernels during package initialization", device, name)
	}
	if name == "" || strings.Contains(name, ":") {
		exceptions.Panicf("backends.Register(%q, %q): invalid kernel name", device, name)
	}
	entry, found := registry[device]
	if !found {
		entry = &deviceKernels{
			constructors:    make(map[string]Constructor),
			firstRegistered: name,
		}
		registry[device] = entry
	}
	if _, found := entry.constructors[name]; found {
		exceptions.Panicf("backends.Register(%q, %q): kernel already registered", device, name)
	}
	entry.constructors[name] = constructor
}

// Registered returns the sorted names of the kernels registered for the device.
func Registered(device tensors.Device) []string {
	registryMu.Lock()
	defer registryMu.Unlock()
	entry, found := registry[device]
	if !found {
		return nil
	}
	names := make([]string, 0, len(entry.constructors))
	for name := range entry.constructors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// DefaultConfig is the name of the default kernel configuration to use if specified.
//
// See NewWithConfig for the format of the configuration string.
var DefaultConfig string

// LAYERNORM_BACKEND is the environment variable with the default kernel configuration to use.
//
// The format of config is "<kernel_name>:<kernel_configuration>".
// The "<kernel_name>" is the name of a registered kernel (e.g.: "simplego") and
// "<kernel_configuration>" is kernel specific (e.g.: for simplego, "parallelism=4").
const LAYERNORM_BACKEND = "LAYERNORM_BACKEND"

// New returns a new Kernel for the device.
//
// The configuration is chosen from:
//
// 1. The environment LAYERNORM_BACKEND, if defined.
// 2. Next the variable DefaultConfig, if defined.
// 3. The first kernel registered for the device, with an empty configuration.
//
// A configuration that selects a kernel registered only for other devices (e.g. "simplego:parallelism=2"
// when looking up a kernel for a GPU device) is skipped for this device.
func New(device tensors.Device) (Kernel, error) {
	if config, found := os.LookupEnv(LAYERNORM_BACKEND); found {
		if appliesTo(device, config) {
			return NewWithConfig(device, config)
		}
		klog.V(1).Infof("%s=%q selects a kernel not registered for device %q, ignoring it",
			LAYERNORM_BACKEND, config, device)
	}
	if DefaultConfig != "" {
		if appliesTo(device, DefaultConfig) {
			return NewWithConfig(device, DefaultConfig)
		}
		klog.V(1).Infof("backends.DefaultConfig=%q selects a kernel not registered for device %q, ignoring it",
			DefaultConfig, device)
	}
	return NewWithConfig(device, "")
}

// appliesTo returns false if config selects a kernel by name that is registered for some other device,
// but not for the given one. Unknown names are left for NewWithConfig to report.
func appliesTo(device tensors.Device, config string) bool {
	name, _, _ := strings.Cut(config, ":")
	registryMu.Lock()
	defer registryMu.Unlock()
	if entry, found := registry[device]; found {
		if _, found := entry.constructors[name]; found {
			return true
		}
	}
	for otherDevice, entry := range registry {
		if _, found := entry.constructors[name]; found && otherDevice != device {
			return false
		}
	}
	return true
}

// NewWithConfig creates a new Kernel for the device from the configuration string.
//
// The format of config is "<kernel_name>:<kernel_configuration>".
// If there is no ":", config is taken as the kernel name if it matches a registered kernel,
// otherwise as the configuration of the first kernel registered for the device.
func NewWithConfig(device tensors.Device, config string) (Kernel, error) {
	registryMu.Lock()
	registryFrozen = true
	entry, found := registry[device]
	registryMu.Unlock()
	if !found {
		return nil, errors.Errorf("no kernels registered for device %q -- maybe import the default ones "+
			"with import _ \"github.com/gomlx/layernorm/backends/default\"?", device)
	}

	kernelName := entry.firstRegistered
	kernelConfig := config
	if idx := strings.Index(config, ":"); idx != -1 {
		kernelName = config[:idx]
		kernelConfig = config[idx+1:]
	} else if _, isName := entry.constructors[config]; isName {
		kernelName = config
		kernelConfig = ""
	}
	constructor, found := entry.constructors[kernelName]
	if !found {
		return nil, errors.Errorf("can't find kernel %q for device %q (configuration %q given)",
			kernelName, device, config)
	}
	kernel, err := constructor(kernelConfig)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create kernel %q for device %q", kernelName, device)
	}
	klog.V(1).Infof("created kernel %q for device %q (config=%q)", kernel.Name(), device, kernelConfig)
	return kernel, nil
}

// ForDevice returns the kernel for the device. It is created with New on the first call, and the
// same kernel is returned on subsequent calls.
func ForDevice(device tensors.Device) (Kernel, error) {
	registryMu.Lock()
	registryFrozen = true
	entry, found := registry[device]
	if found && entry.cached != nil {
		kernel := entry.cached
		registryMu.Unlock()
		return kernel, nil
	}
	registryMu.Unlock()

	kernel, err := New(device)
	if err != nil {
		return nil, err
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	if entry.cached != nil {
		// Another goroutine created it concurrently.
		kernel.Finalize()
		return entry.cached, nil
	}
	entry.cached = kernel
	return kernel, nil
}
