// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package attention

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"

	"github.com/gomlx/attention/kvcache"
)

// Config defines an Engine. New validates it and returns an error on any
// inconsistency.
type Config struct {
	// NumQueryHeads and NumKVHeads set the grouped-query geometry:
	// NumKVHeads must divide NumQueryHeads, and each group of
	// NumQueryHeads/NumKVHeads consecutive query heads shares one
	// key/value head.
	NumQueryHeads int
	NumKVHeads    int

	// HeadDim is the per-head feature dimension.
	HeadDim int

	// MaxTargetLength and MaxPrefillLength size the cache: the prefill
	// region holds up to MaxPrefillLength positions and the autoregressive
	// region the remaining MaxTargetLength-MaxPrefillLength.
	MaxTargetLength  int
	MaxPrefillLength int

	// DType of queries, keys and values. Defaults to Float32.
	DType dtypes.DType

	// Float32QKProduct computes the query/key contraction in float32
	// regardless of DType.
	Float32QKProduct bool

	// Float32Logits upcasts logits to float32 before masking and softmax.
	Float32Logits bool

	// QuantizeCache stores cache contents as int8 with a per-slot scale.
	QuantizeCache bool

	// PrefillAxisOrder and ARAxisOrder choose each cache region's storage
	// layout.
	PrefillAxisOrder kvcache.AxisOrder
	ARAxisOrder      kvcache.AxisOrder

	// RaggedWrites makes decode steps write each batch row at its own
	// current length instead of at the shared cursor.
	RaggedWrites bool
}

func (c *Config) validate() error {
	if c.NumQueryHeads <= 0 {
		return errors.Errorf("attention: NumQueryHeads must be positive, got %d", c.NumQueryHeads)
	}
	if c.NumKVHeads <= 0 {
		return errors.Errorf("attention: NumKVHeads must be positive, got %d", c.NumKVHeads)
	}
	if c.NumQueryHeads%c.NumKVHeads != 0 {
		return errors.Errorf("attention: NumQueryHeads (%d) must be a multiple of NumKVHeads (%d)",
			c.NumQueryHeads, c.NumKVHeads)
	}
	if c.HeadDim <= 0 {
		return errors.Errorf("attention: HeadDim must be positive, got %d", c.HeadDim)
	}
	// Cache geometry and axis orders are validated by kvcache.Config.
	return nil
}

func (c *Config) cacheConfig() kvcache.Config {
	return kvcache.Config{
		MaxTargetLength:  c.MaxTargetLength,
		MaxPrefillLength: c.MaxPrefillLength,
		NumKVHeads:       c.NumKVHeads,
		HeadDim:          c.HeadDim,
		DType:            c.DType,
		Quantize:         c.QuantizeCache,
		PrefillAxisOrder: c.PrefillAxisOrder,
		ARAxisOrder:      c.ARAxisOrder,
		Ragged:           c.RaggedWrites,
	}
}

// logitsDType is the dtype logits are computed and masked in.
func (c *Config) logitsDType() dtypes.DType {
	if c.Float32QKProduct || c.Float32Logits {
		return dtypes.Float32
	}
	return c.DType
}
