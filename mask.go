// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package attention

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
)

// buildMask returns the additive attention bias, 0 for visible positions
// and MaskValue for masked ones, shaped (1, batch, 1, qLen, kvLen) so it
// broadcasts over kv heads and query groups. It returns nil when nothing
// is masked.
//
// For ModeTrain and ModePrefill the mask combines causality (query i sees
// keys j <= i) with segment equality when segment ids are given. For
// ModeDecode the single query token sees exactly the key slots whose
// segment id is 1; there is no causal term because slot order is not token
// order once the cursor wraps.
func buildMask(g *Graph, mode Mode, querySegmentIDs, keySegmentIDs *Node, qLen, kvLen int, dtype dtypes.DType) *Node {
	batch := 1
	var mask *Node // boolean, (batch, qLen, kvLen)

	if mode == ModeDecode {
		if keySegmentIDs != nil {
			batch = keySegmentIDs.Shape().Dimensions[0]
			active := Equal(keySegmentIDs, OnesLike(keySegmentIDs))
			mask = BroadcastToShape(Reshape(active, batch, 1, kvLen),
				shapes.Make(dtypes.Bool, batch, qLen, kvLen))
		}
	} else {
		if querySegmentIDs != nil && keySegmentIDs != nil {
			batch = keySegmentIDs.Shape().Dimensions[0]
			full := shapes.Make(dtypes.Bool, batch, qLen, kvLen)
			qSeg := BroadcastToShape(Reshape(querySegmentIDs, batch, qLen, 1), full)
			kSeg := BroadcastToShape(Reshape(keySegmentIDs, batch, 1, kvLen), full)
			mask = Equal(qSeg, kSeg)
		}
		rows := Iota(g, shapes.Make(dtypes.Int32, qLen, kvLen), 0)
		cols := Iota(g, shapes.Make(dtypes.Int32, qLen, kvLen), 1)
		causal := BroadcastToShape(Reshape(GreaterOrEqual(rows, cols), 1, qLen, kvLen),
			shapes.Make(dtypes.Bool, batch, qLen, kvLen))
		if mask == nil {
			mask = causal
		} else {
			mask = And(mask, causal)
		}
	}
	if mask == nil {
		return nil
	}

	mask = Reshape(mask, 1, batch, 1, qLen, kvLen)
	biasShape := shapes.Make(dtype, 1, batch, 1, qLen, kvLen)
	return Where(mask, Zeros(g, biasShape), MulScalar(Ones(g, biasShape), MaskValue))
}

// applyMaskToLogits replaces masked logits by MaskValue. Masking selects
// instead of adding, so an arbitrarily large logit cannot cancel the mask.
func applyMaskToLogits(logits, mask *Node) *Node {
	if mask == nil {
		return logits
	}
	if mask.DType() != logits.DType() {
		mask = ConvertDType(mask, logits.DType())
	}
	keep := GreaterOrEqual(mask, ConstAs(mask, MaskValue/2))
	keep = BroadcastToShape(keep, logits.Shape())
	return Where(keep, logits, ConstAs(logits, MaskValue))
}
