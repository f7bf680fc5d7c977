// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/layernorm/backends"
)

// Capabilities of the SimpleGo kernel: the set of supported operations and data types.
var Capabilities = backends.Capabilities{
	Operations: map[backends.OpType]bool{
		backends.OpTypeLayerNormForward:  true,
		backends.OpTypeLayerNormBackward: true,
	},
	DTypes: map[dtypes.DType]bool{
		dtypes.Float32: true,
		dtypes.Float64: true,
	},
}
