// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kvcache

import (
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAxisOrderShapeOf(t *testing.T) {
	logical := AxisOrderLogical.shapeOf(dtypes.Float32, 2, 3, 4, 5)
	assert.Equal(t, []int{2, 3, 4, 5}, logical.Dimensions)
	assert.Equal(t, 2, AxisOrderLogical.seqAxis())
	assert.Equal(t, 1, AxisOrderLogical.batchAxis())

	seqMajor := AxisOrderSeqMajor.shapeOf(dtypes.Float32, 2, 3, 4, 5)
	assert.Equal(t, []int{2, 4, 3, 5}, seqMajor.Dimensions)
	assert.Equal(t, 1, AxisOrderSeqMajor.seqAxis())
	assert.Equal(t, 2, AxisOrderSeqMajor.batchAxis())
}

func TestAxisOrderRoundTrip(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	for _, order := range []AxisOrder{AxisOrderLogical, AxisOrderSeqMajor} {
		t.Run(order.String(), func(t *testing.T) {
			exec := MustNewExec(backend, func(g *Graph) (*Node, *Node) {
				x := IotaFull(g, shapes.Make(dtypes.Float32, 2, 3, 4, 5))
				stored := order.toCache(x)
				return stored, order.fromCache(stored)
			})
			results := exec.MustExec()
			stored, roundTrip := results[0], results[1]
			assert.Equal(t, order.shapeOf(dtypes.Float32, 2, 3, 4, 5).Dimensions, stored.Shape().Dimensions)
			require.Equal(t, []int{2, 3, 4, 5}, roundTrip.Shape().Dimensions)
			flat := tensors.MustCopyFlatData[float32](roundTrip)
			for i, v := range flat {
				require.Equal(t, float32(i), v)
			}
		})
	}
}
