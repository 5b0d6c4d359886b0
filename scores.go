// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package attention

import (
	"math"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
)

// splitGroupedQuery reshapes a (numHeads, batch, seq, headDim) query to the
// grouped layout (kvHeads, batch, groupSize, seq, headDim). The heads axis
// is split before batch and then transposed, so query heads
// [i*groupSize, (i+1)*groupSize) stay attached to kv head i.
func splitGroupedQuery(query *Node, numKVHeads int) *Node {
	dims := query.Shape().Dimensions
	numHeads, batch, seqLen, headDim := dims[0], dims[1], dims[2], dims[3]
	groupSize := numHeads / numKVHeads
	grouped := Reshape(query, numKVHeads, groupSize, batch, seqLen, headDim)
	return TransposeAllDims(grouped, 0, 2, 1, 3, 4)
}

// mergeGroupedHeads folds (kvHeads, batch, groupSize, seq, c) back to
// (numHeads, batch, seq, c).
func mergeGroupedHeads(x *Node) *Node {
	dims := x.Shape().Dimensions
	kvHeads, batch, groupSize, seqLen, channels := dims[0], dims[1], dims[2], dims[3], dims[4]
	merged := TransposeAllDims(x, 0, 2, 1, 3, 4)
	return Reshape(merged, kvHeads*groupSize, batch, seqLen, channels)
}

// qkProduct contracts query (numHeads, batch, qLen, headDim) against key
// (kvHeads, batch, kvLen, headDim) and scales by 1/sqrt(headDim),
// returning grouped logits (kvHeads, batch, groupSize, qLen, kvLen).
// With upcast the contraction runs in float32.
func qkProduct(query, key *Node, numKVHeads int, upcast bool) *Node {
	headDim := query.Shape().Dimensions[3]
	grouped := splitGroupedQuery(query, numKVHeads)
	if upcast && grouped.DType() != dtypes.Float32 {
		grouped = ConvertDType(grouped, dtypes.Float32)
		key = ConvertDType(key, dtypes.Float32)
	}
	logits := Einsum("kbgtd,kbsd->kbgts", grouped, key)
	return MulScalar(logits, 1.0/math.Sqrt(float64(headDim)))
}

// wvProduct contracts softmax weights (kvHeads, batch, groupSize, qLen,
// kvLen) against value (kvHeads, batch, kvLen, headDim), returning the
// grouped output (kvHeads, batch, groupSize, qLen, headDim). The value is
// upcast to the weights' dtype when they differ.
func wvProduct(weights, value *Node) *Node {
	if value.DType() != weights.DType() {
		value = ConvertDType(value, weights.DType())
	}
	return Einsum("kbgts,kbsd->kbgtd", weights, value)
}
