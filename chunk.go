// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package attention

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
)

// chunk holds the partial softmax statistics of attention restricted to
// one span of keys: the unnormalized weighted-value output, and per query
// row the maximum logit and the sum of shifted exponentials.
type chunk struct {
	out *Node // (numHeads, batch, qLen, headDim), unnormalized
	max *Node // (numHeads, batch, qLen, 1)
	sum *Node // (numHeads, batch, qLen, 1)
}

// localAttention computes chunk statistics from masked grouped logits
// (kvHeads, batch, groupSize, qLen, kvLen) and values (kvHeads, batch,
// kvLen, headDim). The output is left unnormalized so chunks over disjoint
// key spans can be merged exactly.
func localAttention(logits, value *Node) chunk {
	localMax := ReduceAndKeep(logits, ReduceMax, -1)
	weights := Exp(Sub(logits, BroadcastToShape(localMax, logits.Shape())))
	localSum := ReduceAndKeep(weights, ReduceSum, -1)
	return chunk{
		out: mergeGroupedHeads(wvProduct(weights, value)),
		max: mergeGroupedHeads(localMax),
		sum: mergeGroupedHeads(localSum),
	}
}

// normalize finishes the softmax for a single chunk.
func (c chunk) normalize() *Node {
	return Div(c.out, BroadcastToShape(c.sum, c.out.Shape()))
}

// mergeChunks combines the statistics of disjoint key spans into the
// attention output over their union:
//
//	globalMax = max_i max_i
//	globalSum = sum_i exp(max_i-globalMax) * sum_i
//	result    = sum_i exp(max_i-globalMax)/globalSum * out_i
func mergeChunks(chunks ...chunk) *Node {
	globalMax := chunks[0].max
	for _, c := range chunks[1:] {
		globalMax = Max(globalMax, c.max)
	}
	var globalSum *Node
	for _, c := range chunks {
		term := Mul(Exp(Sub(c.max, globalMax)), c.sum)
		if globalSum == nil {
			globalSum = term
		} else {
			globalSum = Add(globalSum, term)
		}
	}
	var out *Node
	for _, c := range chunks {
		weight := Div(Exp(Sub(c.max, globalMax)), globalSum)
		term := Mul(BroadcastToShape(weight, c.out.Shape()), c.out)
		if out == nil {
			out = term
		} else {
			out = Add(out, term)
		}
	}
	return out
}
