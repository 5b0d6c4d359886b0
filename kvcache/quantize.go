// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kvcache

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
)

// quantizeKV compresses x to int8 with an abs-max scale reduced over the
// head dimension. Both storage orders keep headDim as the last axis, so the
// reduction is always over axis -1 and the scale shape is the storage shape
// with its last dimension collapsed to 1.
//
// An all-zero slot gets scale 0 but divides by 1, so it quantizes to zero
// and reconstructs to zero.
func quantizeKV(x *Node) (quantized, scale *Node) {
	scale = DivScalar(ReduceAndKeep(Abs(x), ReduceMax, -1), 127)
	divisor := Where(GreaterThan(scale, ZerosLike(scale)), scale, OnesLike(scale))
	quantized = ConvertDType(Round(Div(x, BroadcastToShape(divisor, x.Shape()))), dtypes.Int8)
	return quantized, scale
}

// unquantizeKV reconstructs values of the given dtype from int8 contents
// and their per-slot scale.
func unquantizeKV(quantized, scale *Node, dtype dtypes.DType) *Node {
	x := ConvertDType(quantized, dtype)
	return Mul(x, BroadcastToShape(ConvertDType(scale, dtype), x.Shape()))
}
