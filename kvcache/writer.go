// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kvcache

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
)

// tokenWriter places one decoded token into the autoregressive region.
// cache and token are in storage order; cursor is the shared scalar slot
// index and positions holds one write position per batch row. Each
// implementation uses one of the two addresses and ignores the other.
type tokenWriter interface {
	write(cache, token cachedTensor, order AxisOrder, cursor, positions *Node) cachedTensor
	markActive(segmentIDs, cursor, positions *Node) *Node
}

// indexedWriter writes every batch row at the shared cursor slot via
// DynamicUpdateSlice. The cursor wraps modulo the region capacity.
type indexedWriter struct{}

func (indexedWriter) write(cache, token cachedTensor, order AxisOrder, cursor, positions *Node) cachedTensor {
	g := cursor.Graph()
	zero := Const(g, int32(0))
	starts := []*Node{zero, zero, zero, zero}
	starts[order.seqAxis()] = cursor
	out := cachedTensor{raw: DynamicUpdateSlice(cache.raw, token.raw, starts)}
	if cache.scale != nil {
		out.scale = DynamicUpdateSlice(cache.scale, token.scale, starts)
	}
	return out
}

func (indexedWriter) markActive(segmentIDs, cursor, positions *Node) *Node {
	g := segmentIDs.Graph()
	batch := segmentIDs.Shape().Dimensions[0]
	active := Ones(g, shapes.Make(dtypes.Int32, batch, 1))
	zero := Const(g, int32(0))
	return DynamicUpdateSlice(segmentIDs, active, []*Node{zero, cursor})
}

// raggedWriter writes row b at positions[b], building a one-hot position
// mask from an iota along the sequence axis and selecting the token over
// the old contents. Rows with different lengths land in different slots.
type raggedWriter struct{}

func (raggedWriter) write(cache, token cachedTensor, order AxisOrder, cursor, positions *Node) cachedTensor {
	out := cachedTensor{raw: maskedWrite(cache.raw, token.raw, order, positions)}
	if cache.scale != nil {
		out.scale = maskedWrite(cache.scale, token.scale, order, positions)
	}
	return out
}

func (raggedWriter) markActive(segmentIDs, cursor, positions *Node) *Node {
	g := segmentIDs.Graph()
	dims := segmentIDs.Shape().Dimensions
	slot := Iota(g, shapes.Make(dtypes.Int32, dims...), 1)
	at := BroadcastToShape(Reshape(positions, dims[0], 1), slot.Shape())
	return Where(Equal(slot, at), OnesLike(segmentIDs), segmentIDs)
}

// maskedWrite selects token over cache at the per-row position along the
// storage sequence axis. token's sequence dimension must be 1.
func maskedWrite(cache, token *Node, order AxisOrder, positions *Node) *Node {
	g := cache.Graph()
	dims := cache.Shape().Dimensions
	slot := Iota(g, shapes.Make(dtypes.Int32, dims...), order.seqAxis())
	target := make([]int, len(dims))
	for i := range target {
		target[i] = 1
	}
	target[order.batchAxis()] = positions.Shape().Dimensions[0]
	at := BroadcastToShape(Reshape(positions, target...), slot.Shape())
	mask := Equal(slot, at)
	return Where(mask, BroadcastToShape(token, cache.Shape()), cache)
}
