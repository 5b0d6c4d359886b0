// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package attention

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/attention/kvcache"
)

// Engine runs grouped-query attention in the three modes over one shared
// cache. Each public method validates its inputs on the host, executes a
// lazily compiled graph, and only then commits the cache's state
// transition, so a failing call never leaves a partially updated cache.
//
// An Engine is not safe for concurrent use: Prefill and Decode mutate the
// cache variables.
type Engine struct {
	backend backends.Backend
	ctx     *context.Context
	cfg     Config
	cache   *kvcache.Cache

	trainExec    *context.Exec
	trainSegExec *context.Exec
	prefillExec  *context.Exec
	decodeExec   *context.Exec
}

// New validates cfg and creates an engine whose cache variables live under
// the "kv_cache" scope of ctx.
func New(backend backends.Backend, ctx *context.Context, cfg Config) (*Engine, error) {
	if cfg.DType == dtypes.InvalidDType {
		cfg.DType = dtypes.Float32
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cache, err := kvcache.New(ctx, "kv_cache", cfg.cacheConfig())
	if err != nil {
		return nil, err
	}
	return &Engine{
		backend: backend,
		ctx:     ctx,
		cfg:     cfg,
		cache:   cache,
	}, nil
}

// Config returns a copy of the engine configuration.
func (e *Engine) Config() Config { return e.cfg }

// Cache exposes the engine's key/value cache, e.g. to inspect its state or
// reset it between sequences.
func (e *Engine) Cache() *kvcache.Cache { return e.cache }

// Train runs full-sequence attention over the inputs without touching the
// cache. Causality always applies; segmentIDs is optional and additionally
// restricts attention to positions of the same segment.
//
// Shapes: query (NumQueryHeads, batch, seq, HeadDim); key and value
// (NumKVHeads, batch, seq, HeadDim); segmentIDs (batch, seq) int32 or nil.
func (e *Engine) Train(query, key, value, segmentIDs *tensors.Tensor) (*tensors.Tensor, error) {
	if err := e.checkInputs(query, key, value, ModeTrain); err != nil {
		return nil, err
	}
	if segmentIDs != nil {
		if err := e.checkSegmentIDs(segmentIDs, query.Shape().Dimensions[1], query.Shape().Dimensions[2]); err != nil {
			return nil, err
		}
	}
	var results []*tensors.Tensor
	err := exceptions.TryCatch[error](func() {
		if segmentIDs == nil {
			if e.trainExec == nil {
				e.trainExec = context.MustNewExec(e.backend, e.ctx, e.trainGraph)
			}
			results = e.trainExec.MustExec(query, key, value)
		} else {
			if e.trainSegExec == nil {
				e.trainSegExec = context.MustNewExec(e.backend, e.ctx, e.trainSegmentsGraph)
			}
			results = e.trainSegExec.MustExec(query, key, value, segmentIDs)
		}
	})
	if err != nil {
		return nil, errors.WithMessage(err, "attention: Train failed")
	}
	return results[0], nil
}

// Prefill seeds the cache with the prompt and returns attention over the
// prefill region. The prompt may be shorter than MaxPrefillLength; the
// unwritten tail stays masked out. A nil segmentIDs means one active
// segment covering the whole prompt.
func (e *Engine) Prefill(query, key, value, segmentIDs *tensors.Tensor) (*tensors.Tensor, error) {
	if err := e.checkInputs(query, key, value, ModePrefill); err != nil {
		return nil, err
	}
	batch := query.Shape().Dimensions[1]
	seqLen := query.Shape().Dimensions[2]
	if seqLen > e.cfg.MaxPrefillLength {
		return nil, errors.Errorf("attention: prefill length %d exceeds the prefill region capacity %d",
			seqLen, e.cfg.MaxPrefillLength)
	}
	if segmentIDs == nil {
		segmentIDs = onesSegmentIDs(batch, seqLen)
	} else if err := e.checkSegmentIDs(segmentIDs, batch, seqLen); err != nil {
		return nil, err
	}
	var results []*tensors.Tensor
	err := exceptions.TryCatch[error](func() {
		if e.prefillExec == nil {
			e.prefillExec = context.MustNewExec(e.backend, e.ctx, e.prefillGraph)
		}
		results = e.prefillExec.MustExec(query, key, value, segmentIDs)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "attention: Prefill failed")
	}
	e.cache.CommitPrefill()
	klog.V(1).Infof("attention: prefilled batch=%d length=%d", batch, seqLen)
	return results[0], nil
}

// Decode writes one token per batch row into the autoregressive region and
// returns attention over both cache regions, merged with the online
// softmax rule. It requires a prior successful Prefill and inputs of
// sequence length 1.
func (e *Engine) Decode(query, key, value *tensors.Tensor) (*tensors.Tensor, error) {
	if e.cache.State() == kvcache.StateEmpty {
		return nil, errors.Errorf("attention: Decode called before Prefill seeded the cache")
	}
	if err := e.checkInputs(query, key, value, ModeDecode); err != nil {
		return nil, err
	}
	if batch := query.Shape().Dimensions[1]; batch != e.cache.BatchSize() {
		return nil, errors.Errorf("attention: decode batch size %d does not match the prefilled batch size %d",
			batch, e.cache.BatchSize())
	}
	var results []*tensors.Tensor
	err := exceptions.TryCatch[error](func() {
		if e.decodeExec == nil {
			e.decodeExec = context.MustNewExec(e.backend, e.ctx, e.decodeGraph)
		}
		results = e.decodeExec.MustExec(query, key, value)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "attention: Decode failed")
	}
	e.cache.CommitDecode()
	klog.V(2).Infof("attention: decode step %d", e.cache.DecodeSteps())
	return results[0], nil
}

func (e *Engine) trainGraph(_ *context.Context, query, key, value *Node) *Node {
	return e.attendDirect(query, key, value, nil)
}

func (e *Engine) trainSegmentsGraph(_ *context.Context, query, key, value, segmentIDs *Node) *Node {
	return e.attendDirect(query, key, value, segmentIDs)
}

// attendDirect is full-sequence attention over the raw inputs, shared by
// both train graphs.
func (e *Engine) attendDirect(query, key, value, segmentIDs *Node) *Node {
	g := query.Graph()
	qLen := query.Shape().Dimensions[2]
	kvLen := key.Shape().Dimensions[2]
	logits := e.logits(query, key)
	mask := buildMask(g, ModeTrain, segmentIDs, segmentIDs, qLen, kvLen, logits.DType())
	logits = applyMaskToLogits(logits, mask)
	return e.matchDType(localAttention(logits, value).normalize(), query)
}

// The cache carries its own scoped context, so the exec-provided one is
// unused in the graphs below.

func (e *Engine) prefillGraph(_ *context.Context, query, key, value, segmentIDs *Node) *Node {
	g := query.Graph()
	e.cache.Prefill(g, key, value, segmentIDs)
	cachedKey, cachedValue, cachedSegmentIDs := e.cache.PrefillChunk(g)
	qLen := query.Shape().Dimensions[2]
	logits := e.logits(query, cachedKey)
	mask := buildMask(g, ModePrefill, segmentIDs, cachedSegmentIDs, qLen, e.cfg.MaxPrefillLength, logits.DType())
	logits = applyMaskToLogits(logits, mask)
	return e.matchDType(localAttention(logits, cachedValue).normalize(), query)
}

func (e *Engine) decodeGraph(_ *context.Context, query, key, value *Node) *Node {
	g := query.Graph()
	e.cache.Decode(g, key, value)

	prefillKey, prefillValue, prefillSegmentIDs := e.cache.PrefillChunk(g)
	arKey, arValue, arSegmentIDs := e.cache.ARChunk(g)

	prefillLogits := e.logits(query, prefillKey)
	prefillMask := buildMask(g, ModeDecode, nil, prefillSegmentIDs, 1, e.cfg.MaxPrefillLength, prefillLogits.DType())
	prefillChunk := localAttention(applyMaskToLogits(prefillLogits, prefillMask), prefillValue)

	arCapacity := e.cfg.MaxTargetLength - e.cfg.MaxPrefillLength
	arLogits := e.logits(query, arKey)
	arMask := buildMask(g, ModeDecode, nil, arSegmentIDs, 1, arCapacity, arLogits.DType())
	arChunk := localAttention(applyMaskToLogits(arLogits, arMask), arValue)

	return e.matchDType(mergeChunks(prefillChunk, arChunk), query)
}

// logits computes grouped, scaled attention logits, honoring the float32
// upcast switches.
func (e *Engine) logits(query, key *Node) *Node {
	logits := qkProduct(query, key, e.cfg.NumKVHeads, e.cfg.Float32QKProduct)
	if e.cfg.Float32Logits && logits.DType() != dtypes.Float32 {
		logits = ConvertDType(logits, dtypes.Float32)
	}
	return logits
}

func (e *Engine) matchDType(out, query *Node) *Node {
	if out.DType() != query.DType() {
		return ConvertDType(out, query.DType())
	}
	return out
}

// checkInputs validates the query/key/value tensors on the host, before
// any graph runs.
func (e *Engine) checkInputs(query, key, value *tensors.Tensor, mode Mode) error {
	for name, t := range map[string]*tensors.Tensor{"query": query, "key": key, "value": value} {
		if t == nil {
			return errors.Errorf("attention: %s tensor is nil", name)
		}
		if t.Shape().Rank() != 4 {
			return errors.Errorf("attention: %s must be rank-4 (heads, batch, seq, headDim), got %s", name, t.Shape())
		}
		if t.DType() != e.cfg.DType {
			return errors.Errorf("attention: %s dtype %s does not match the configured %s", name, t.DType(), e.cfg.DType)
		}
	}
	qDims := query.Shape().Dimensions
	kDims := key.Shape().Dimensions
	if qDims[0] != e.cfg.NumQueryHeads || qDims[3] != e.cfg.HeadDim {
		return errors.Errorf("attention: query shape %s does not match heads=%d, headDim=%d",
			query.Shape(), e.cfg.NumQueryHeads, e.cfg.HeadDim)
	}
	if kDims[0] != e.cfg.NumKVHeads || kDims[3] != e.cfg.HeadDim {
		return errors.Errorf("attention: key shape %s does not match kvHeads=%d, headDim=%d",
			key.Shape(), e.cfg.NumKVHeads, e.cfg.HeadDim)
	}
	if !key.Shape().Equal(value.Shape()) {
		return errors.Errorf("attention: key and value shapes must match, got key=%s, value=%s",
			key.Shape(), value.Shape())
	}
	if qDims[1] != kDims[1] {
		return errors.Errorf("attention: query batch %d does not match key/value batch %d", qDims[1], kDims[1])
	}
	if mode == ModeDecode {
		if qDims[2] != 1 || kDims[2] != 1 {
			return errors.Errorf("attention: decode takes exactly one token, got query seq %d, key/value seq %d",
				qDims[2], kDims[2])
		}
	} else if qDims[2] != kDims[2] {
		return errors.Errorf("attention: query seq %d does not match key/value seq %d", qDims[2], kDims[2])
	}
	return nil
}

func (e *Engine) checkSegmentIDs(segmentIDs *tensors.Tensor, batch, seqLen int) error {
	if segmentIDs.DType() != dtypes.Int32 {
		return errors.Errorf("attention: segmentIDs must be %s, got %s", dtypes.Int32, segmentIDs.DType())
	}
	dims := segmentIDs.Shape().Dimensions
	if segmentIDs.Shape().Rank() != 2 || dims[0] != batch || dims[1] != seqLen {
		return errors.Errorf("attention: segmentIDs must be (batch=%d, seq=%d), got %s", batch, seqLen, segmentIDs.Shape())
	}
	return nil
}

// onesSegmentIDs is the default prompt segmentation: every position active
// in segment 1.
func onesSegmentIDs(batch, seqLen int) *tensors.Tensor {
	data := make([]int32, batch*seqLen)
	for i := range data {
		data[i] = 1
	}
	return tensors.FromFlatDataAndDimensions(data, batch, seqLen)
}
