// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import "fmt"

// OpType is an enum of the operations a Kernel can support.
type OpType int

const (
	OpTypeInvalid OpType = iota
	OpTypeLayerNormForward
	OpTypeLayerNormBackward

	// OpTypeLast should always be kept the last, it is used as a counter/marker for OpType.
	OpTypeLast
)

var opTypeNames = [...]string{
	OpTypeInvalid:           "Invalid",
	OpTypeLayerNormForward:  "LayerNormForward",
	OpTypeLayerNormBackward: "LayerNormBackward",
	OpTypeLast:              "Last",
}

// String implements fmt.Stringer.
func (op OpType) String() string {
	if op < 0 || int(op) >= len(opTypeNames) {
		return fmt.Sprintf("OpType(%d)", int(op))
	}
	return opTypeNames[op]
}
