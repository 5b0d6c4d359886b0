// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kvcache

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
)

// AxisOrder selects how a cache region stores tensors relative to the
// logical (kvHeads, batch, seq, headDim) layout.
type AxisOrder int

const (
	// AxisOrderLogical stores tensors as (kvHeads, batch, seq, headDim).
	AxisOrderLogical AxisOrder = iota

	// AxisOrderSeqMajor swaps batch and sequence, storing
	// (kvHeads, seq, batch, headDim).
	AxisOrderSeqMajor
)

// String implements fmt.Stringer.
func (o AxisOrder) String() string {
	switch o {
	case AxisOrderLogical:
		return "AxisOrderLogical"
	case AxisOrderSeqMajor:
		return "AxisOrderSeqMajor"
	}
	return "AxisOrderInvalid"
}

func (o AxisOrder) valid() bool {
	return o == AxisOrderLogical || o == AxisOrderSeqMajor
}

// permutation maps logical axes to storage axes. Both supported orders are
// their own inverse, so the same permutation converts in either direction.
func (o AxisOrder) permutation() [4]int {
	if o == AxisOrderSeqMajor {
		return [4]int{0, 2, 1, 3}
	}
	return [4]int{0, 1, 2, 3}
}

// shapeOf returns the stored shape for the logical dimensions
// (kvHeads, batch, seq, headDim).
func (o AxisOrder) shapeOf(dtype dtypes.DType, kvHeads, batch, seq, headDim int) shapes.Shape {
	logical := [4]int{kvHeads, batch, seq, headDim}
	p := o.permutation()
	return shapes.Make(dtype, logical[p[0]], logical[p[1]], logical[p[2]], logical[p[3]])
}

// toCache permutes x from the logical order into this storage order.
func (o AxisOrder) toCache(x *Node) *Node {
	if o == AxisOrderLogical {
		return x
	}
	p := o.permutation()
	return TransposeAllDims(x, p[0], p[1], p[2], p[3])
}

// fromCache reverts a stored tensor back to the logical order.
func (o AxisOrder) fromCache(x *Node) *Node {
	return o.toCache(x)
}

// seqAxis returns the storage axis holding the sequence dimension.
func (o AxisOrder) seqAxis() int {
	if o == AxisOrderSeqMajor {
		return 1
	}
	return 2
}

// batchAxis returns the storage axis holding the batch dimension.
func (o AxisOrder) batchAxis() int {
	if o == AxisOrderSeqMajor {
		return 2
	}
	return 1
}
