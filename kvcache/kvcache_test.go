// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kvcache

import (
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// cacheHarness compiles prefill/decode/read graphs over one Cache, so
// tests can drive the cache without an attention engine.
type cacheHarness struct {
	ctx     *context.Context
	cache   *Cache
	prefill *context.Exec
	decode  *context.Exec
	readAR  *context.Exec
}

func newCacheHarness(t *testing.T, cfg Config) *cacheHarness {
	t.Helper()
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	cache, err := New(ctx, "kv_cache", cfg)
	require.NoError(t, err)
	h := &cacheHarness{ctx: ctx, cache: cache}
	h.prefill = context.MustNewExec(backend, ctx, func(_ *context.Context, key, value, segmentIDs *Node) *Node {
		cache.Prefill(key.Graph(), key, value, segmentIDs)
		return segmentIDs
	})
	h.decode = context.MustNewExec(backend, ctx, func(_ *context.Context, key, value *Node) (*Node, *Node) {
		g := key.Graph()
		cache.Decode(g, key, value)
		arKey, _, arSegmentIDs := cache.ARChunk(g)
		return arKey, arSegmentIDs
	})
	h.readAR = context.MustNewExec(backend, ctx, func(ctx *context.Context, ignored *Node) (*Node, *Node) {
		g := ignored.Graph()
		arKey, _, arSegmentIDs := cache.ARChunk(g)
		return arKey, arSegmentIDs
	})
	return h
}

// kvTensor builds a (kvHeads=1, batch, seq, headDim) tensor where every
// element of batch row b equals values[b].
func kvTensor(batch, seqLen, headDim int, values []float32) *tensors.Tensor {
	data := make([]float32, batch*seqLen*headDim)
	for b := 0; b < batch; b++ {
		for s := 0; s < seqLen; s++ {
			for d := 0; d < headDim; d++ {
				data[(b*seqLen+s)*headDim+d] = values[b]
			}
		}
	}
	return tensors.FromFlatDataAndDimensions(data, 1, batch, seqLen, headDim)
}

func onesSegments(batch, seqLen int) *tensors.Tensor {
	data := make([]int32, batch*seqLen)
	for i := range data {
		data[i] = 1
	}
	return tensors.FromFlatDataAndDimensions(data, batch, seqLen)
}

func (h *cacheHarness) arVariable(t *testing.T, name string) *context.Variable {
	t.Helper()
	v := h.ctx.GetVariableByScopeAndName("/kv_cache", name)
	require.NotNil(t, v, "variable %q not found", name)
	return v
}

func TestConfigValidate(t *testing.T) {
	base := Config{MaxTargetLength: 8, MaxPrefillLength: 4, NumKVHeads: 2, HeadDim: 4}
	require.NoError(t, base.Validate())

	for name, mutate := range map[string]func(*Config){
		"ZeroPrefill":     func(c *Config) { c.MaxPrefillLength = 0 },
		"NoRoomToDecode":  func(c *Config) { c.MaxTargetLength = c.MaxPrefillLength },
		"ZeroKVHeads":     func(c *Config) { c.NumKVHeads = 0 },
		"ZeroHeadDim":     func(c *Config) { c.HeadDim = 0 },
		"BadPrefillOrder": func(c *Config) { c.PrefillAxisOrder = AxisOrder(7) },
		"BadARAxisOrder":  func(c *Config) { c.ARAxisOrder = AxisOrder(-1) },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := base
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

// TestIndexedCursorWrap fills a 2-slot autoregressive region with three
// tokens: the third write must land on slot 0 again and the cursor end up
// back at 1.
func TestIndexedCursorWrap(t *testing.T) {
	cfg := Config{
		MaxTargetLength:  3,
		MaxPrefillLength: 1,
		NumKVHeads:       1,
		HeadDim:          2,
	}
	h := newCacheHarness(t, cfg)

	prompt := kvTensor(1, 1, 2, []float32{0.5})
	h.prefill.MustExec(prompt, prompt, onesSegments(1, 1))
	h.cache.CommitPrefill()

	var arKey *tensors.Tensor
	for step := 1; step <= 3; step++ {
		token := kvTensor(1, 1, 2, []float32{float32(step)})
		results := h.decode.MustExec(token, token)
		arKey = results[0]
		h.cache.CommitDecode()
	}
	require.Equal(t, 3, h.cache.DecodeSteps())

	// Slot 0 was overwritten by the third token, slot 1 kept the second.
	assert.Equal(t, []float32{3, 3, 2, 2}, tensors.MustCopyFlatData[float32](arKey))

	cursor := h.arVariable(t, "ar_index").MustValue()
	assert.Equal(t, int32(1), cursor.Value().(int32))

	// Lengths increment per step but clamp at the region capacity.
	lengths := tensors.MustCopyFlatData[int32](h.arVariable(t, "ar_lengths").MustValue())
	assert.Equal(t, []int32{2}, lengths)
}

// TestRaggedMatchesIndexed writes the same tokens through both writers;
// with uniform row lengths they must produce identical cache contents.
func TestRaggedMatchesIndexed(t *testing.T) {
	cfg := Config{
		MaxTargetLength:  6,
		MaxPrefillLength: 2,
		NumKVHeads:       1,
		HeadDim:          3,
	}
	raggedCfg := cfg
	raggedCfg.Ragged = true

	indexed := newCacheHarness(t, cfg)
	ragged := newCacheHarness(t, raggedCfg)

	prompt := kvTensor(2, 2, 3, []float32{1, 2})
	segments := onesSegments(2, 2)
	var lastIndexed, lastRagged []*tensors.Tensor
	for _, h := range []*cacheHarness{indexed, ragged} {
		h.prefill.MustExec(prompt, prompt, segments)
		h.cache.CommitPrefill()
	}
	for step := 0; step < 3; step++ {
		token := kvTensor(2, 1, 3, []float32{float32(10 + step), float32(20 + step)})
		lastIndexed = indexed.decode.MustExec(token, token)
		lastRagged = ragged.decode.MustExec(token, token)
	}
	assert.Equal(t,
		tensors.MustCopyFlatData[float32](lastIndexed[0]),
		tensors.MustCopyFlatData[float32](lastRagged[0]))
	assert.Equal(t,
		tensors.MustCopyFlatData[int32](lastIndexed[1]),
		tensors.MustCopyFlatData[int32](lastRagged[1]))
}

// TestRaggedHeterogeneousLengths forces different row lengths and checks
// each row writes at its own slot.
func TestRaggedHeterogeneousLengths(t *testing.T) {
	cfg := Config{
		MaxTargetLength:  5,
		MaxPrefillLength: 2,
		NumKVHeads:       1,
		HeadDim:          1,
		Ragged:           true,
	}
	h := newCacheHarness(t, cfg)

	prompt := kvTensor(2, 2, 1, []float32{1, 2})
	h.prefill.MustExec(prompt, prompt, onesSegments(2, 2))
	h.cache.CommitPrefill()

	lengthsVar := h.arVariable(t, "ar_lengths")
	require.NoError(t, lengthsVar.SetValue(tensors.FromFlatDataAndDimensions([]int32{0, 1}, 2)))

	token := kvTensor(2, 1, 1, []float32{9, 9})
	results := h.decode.MustExec(token, token)

	// Row 0 writes slot 0, row 1 writes slot 1; layout (1, 2, 3, 1).
	assert.Equal(t, []float32{9, 0, 0, 0, 9, 0}, tensors.MustCopyFlatData[float32](results[0]))
	assert.Equal(t, []int32{1, 0, 0, 0, 1, 0}, tensors.MustCopyFlatData[int32](results[1]))

	lengths := tensors.MustCopyFlatData[int32](lengthsVar.MustValue())
	assert.Equal(t, []int32{1, 2}, lengths)
}

// TestPrefillResetsARRegion verifies a new prompt cannot see tokens
// decoded for the previous one.
func TestPrefillResetsARRegion(t *testing.T) {
	cfg := Config{
		MaxTargetLength:  4,
		MaxPrefillLength: 2,
		NumKVHeads:       1,
		HeadDim:          2,
	}
	h := newCacheHarness(t, cfg)

	prompt := kvTensor(1, 2, 2, []float32{1})
	h.prefill.MustExec(prompt, prompt, onesSegments(1, 2))
	h.cache.CommitPrefill()
	token := kvTensor(1, 1, 2, []float32{7})
	h.decode.MustExec(token, token)
	h.cache.CommitDecode()
	require.Equal(t, StateDecoding, h.cache.State())

	h.prefill.MustExec(prompt, prompt, onesSegments(1, 2))
	h.cache.CommitPrefill()
	require.Equal(t, StatePrefilled, h.cache.State())
	require.Equal(t, 0, h.cache.DecodeSteps())

	results := h.readAR.MustExec(tensors.FromValue([]float32{0}))
	for _, v := range tensors.MustCopyFlatData[float32](results[0]) {
		assert.Equal(t, float32(0), v)
	}
	for _, s := range tensors.MustCopyFlatData[int32](results[1]) {
		assert.Equal(t, int32(0), s)
	}
	assert.Equal(t, int32(0), h.arVariable(t, "ar_index").MustValue().Value().(int32))
}

// TestPartialPrefillLeavesTailInactive prefill shorter than the region:
// the tail keeps zero contents and segment id 0.
func TestPartialPrefillLeavesTailInactive(t *testing.T) {
	cfg := Config{
		MaxTargetLength:  4,
		MaxPrefillLength: 3,
		NumKVHeads:       1,
		HeadDim:          1,
	}
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	cache, err := New(ctx, "kv_cache", cfg)
	require.NoError(t, err)

	exec := context.MustNewExec(backend, ctx, func(_ *context.Context, key, value, segmentIDs *Node) (*Node, *Node) {
		g := key.Graph()
		cache.Prefill(g, key, value, segmentIDs)
		prefillKey, _, prefillSegmentIDs := cache.PrefillChunk(g)
		return prefillKey, prefillSegmentIDs
	})

	prompt := kvTensor(1, 2, 1, []float32{5})
	results := exec.MustExec(prompt, prompt, onesSegments(1, 2))
	assert.Equal(t, []float32{5, 5, 0}, tensors.MustCopyFlatData[float32](results[0]))
	assert.Equal(t, []int32{1, 1, 0}, tensors.MustCopyFlatData[int32](results[1]))
}

// TestQuantizedCacheRoundTrip stores through an int8 cache and checks the
// read-back stays close to the written values, for both axis orders.
func TestQuantizedCacheRoundTrip(t *testing.T) {
	for _, order := range []AxisOrder{AxisOrderLogical, AxisOrderSeqMajor} {
		t.Run(order.String(), func(t *testing.T) {
			cfg := Config{
				MaxTargetLength:  4,
				MaxPrefillLength: 2,
				NumKVHeads:       1,
				HeadDim:          2,
				Quantize:         true,
				PrefillAxisOrder: order,
				ARAxisOrder:      order,
			}
			backend := graphtest.BuildTestBackend()
			ctx := context.New()
			cache, err := New(ctx, "kv_cache", cfg)
			require.NoError(t, err)

			exec := context.MustNewExec(backend, ctx, func(_ *context.Context, key, value, segmentIDs *Node) *Node {
				g := key.Graph()
				cache.Prefill(g, key, value, segmentIDs)
				prefillKey, _, _ := cache.PrefillChunk(g)
				return prefillKey
			})
			data := []float32{1.5, -3.0, 0.25, 127}
			prompt := tensors.FromFlatDataAndDimensions(data, 1, 1, 2, 2)
			results := exec.MustExec(prompt, prompt, onesSegments(1, 2))
			got := tensors.MustCopyFlatData[float32](results[0])
			for i, want := range data {
				require.InDelta(t, want, got[i], float64(absMax(data))/127+1e-5)
			}

			raw := ctx.GetVariableByScopeAndName("/kv_cache", "prefill_key")
			require.NotNil(t, raw)
			assert.Equal(t, dtypes.Int8, raw.DType())
		})
	}
}

func absMax(values []float32) float32 {
	var m float32
	for _, v := range values {
		if v < 0 {
			v = -v
		}
		if v > m {
			m = v
		}
	}
	return m
}
