// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package attention implements a grouped-query attention engine with a
// two-region key/value cache, supporting full-sequence training, cache
// prefill and one-token-at-a-time autoregressive decoding.
//
// Tensors use the logical layout (heads, batch, seq, headDim). The query's
// heads axis is folded into (kvHeads, groupSize) so each group of
// consecutive query heads shares one key/value head. Decoding attends over
// the prefill and autoregressive cache regions as two chunks whose partial
// softmax statistics are merged exactly, so the result equals a softmax
// over the concatenated key/value sequence.
package attention

import "math"

// Mode identifies which of the three attention computations runs.
type Mode int

const (
	// ModeTrain attends over the inputs directly, without touching a cache.
	ModeTrain Mode = iota

	// ModePrefill seeds the cache with the prompt and attends over the
	// prefill region.
	ModePrefill

	// ModeDecode writes one token to the autoregressive region and attends
	// over both cache regions.
	ModeDecode
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case ModeTrain:
		return "ModeTrain"
	case ModePrefill:
		return "ModePrefill"
	case ModeDecode:
		return "ModeDecode"
	}
	return "ModeInvalid"
}

// MaskValue is the logit value of masked-out positions. It is kept finite
// so a fully masked row still yields a finite softmax, but large enough
// that its exponential vanishes against any real logit.
const MaskValue = -0.7 * math.MaxFloat32
