// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package kvcache stores the key/value state of an attention layer as GoMLX
// context variables, split in two regions: a prefill region written
// wholesale from the prompt, and an autoregressive region written one token
// per decode step.
//
// Each region can store its tensors in one of two axis orders and
// optionally quantized to int8 with a per-slot scale. Reads always return
// the logical (kvHeads, batch, seq, headDim) order, unquantized.
package kvcache

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// ActiveSegmentID marks autoregressive cache slots holding a decoded
// token. Unwritten slots keep segment id 0 and are masked out.
const ActiveSegmentID = int32(1)

// Config defines the geometry and storage options of a Cache.
type Config struct {
	// MaxTargetLength is the total sequence capacity, prefill region plus
	// autoregressive region.
	MaxTargetLength int

	// MaxPrefillLength is the capacity of the prefill region. It must be
	// positive and smaller than MaxTargetLength; the autoregressive region
	// gets the remaining MaxTargetLength-MaxPrefillLength slots.
	MaxPrefillLength int

	// NumKVHeads and HeadDim fix the non-sequence dimensions of cached
	// tensors.
	NumKVHeads int
	HeadDim    int

	// DType of the keys and values handed to the cache. Defaults to
	// Float32.
	DType dtypes.DType

	// Quantize stores cache contents as int8 plus a per-slot scale of
	// dtype DType, reduced over the head dimension.
	Quantize bool

	// PrefillAxisOrder and ARAxisOrder choose the storage layout of each
	// region independently.
	PrefillAxisOrder AxisOrder
	ARAxisOrder      AxisOrder

	// Ragged selects per-row writes at each row's current length instead
	// of the shared-cursor indexed writes.
	Ragged bool
}

// Validate returns an error if the configuration is unusable.
func (c *Config) Validate() error {
	if c.MaxPrefillLength <= 0 {
		return errors.Errorf("kvcache: MaxPrefillLength must be positive, got %d", c.MaxPrefillLength)
	}
	if c.MaxTargetLength <= c.MaxPrefillLength {
		return errors.Errorf("kvcache: MaxTargetLength (%d) must be larger than MaxPrefillLength (%d) to leave room for decoding",
			c.MaxTargetLength, c.MaxPrefillLength)
	}
	if c.NumKVHeads <= 0 {
		return errors.Errorf("kvcache: NumKVHeads must be positive, got %d", c.NumKVHeads)
	}
	if c.HeadDim <= 0 {
		return errors.Errorf("kvcache: HeadDim must be positive, got %d", c.HeadDim)
	}
	if !c.PrefillAxisOrder.valid() {
		return errors.Errorf("kvcache: invalid PrefillAxisOrder %d", c.PrefillAxisOrder)
	}
	if !c.ARAxisOrder.valid() {
		return errors.Errorf("kvcache: invalid ARAxisOrder %d", c.ARAxisOrder)
	}
	return nil
}

// ARCapacity returns the number of autoregressive slots.
func (c *Config) ARCapacity() int {
	return c.MaxTargetLength - c.MaxPrefillLength
}

// State tracks the host-side lifecycle of a Cache.
type State int

const (
	// StateEmpty means no prefill has run yet; decoding is not allowed.
	StateEmpty State = iota

	// StatePrefilled means the prefill region is seeded.
	StatePrefilled

	// StateDecoding means at least one token was decoded since the last
	// prefill.
	StateDecoding
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateEmpty:
		return "StateEmpty"
	case StatePrefilled:
		return "StatePrefilled"
	case StateDecoding:
		return "StateDecoding"
	}
	return "StateInvalid"
}

// cachedTensor pairs a region's stored contents with its quantization
// scale. scale is nil when the cache stores full-precision values.
type cachedTensor struct {
	raw, scale *Node
}

// Cache owns the context variables of one attention layer's key/value
// state. Graph-building methods (Prefill, Decode, the chunk readers) panic
// with gomlx exceptions on invalid use; callers recover them at the
// execution seam.
type Cache struct {
	ctx    *context.Context
	cfg    Config
	writer tokenWriter

	state     State
	batchSize int
	steps     int
}

// New returns a Cache whose variables live under scope within ctx.
func New(ctx *context.Context, scope string, cfg Config) (*Cache, error) {
	if cfg.DType == dtypes.InvalidDType {
		cfg.DType = dtypes.Float32
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var writer tokenWriter = indexedWriter{}
	if cfg.Ragged {
		writer = raggedWriter{}
	}
	return &Cache{
		ctx:    ctx.In(scope).Checked(false),
		cfg:    cfg,
		writer: writer,
	}, nil
}

// Config returns a copy of the cache configuration.
func (c *Cache) Config() Config { return c.cfg }

// State returns the host-side lifecycle state.
func (c *Cache) State() State { return c.state }

// BatchSize returns the batch size of the last prefill, or 0 before any
// prefill graph was built.
func (c *Cache) BatchSize() int { return c.batchSize }

// DecodeSteps returns the number of committed decode steps since the last
// prefill.
func (c *Cache) DecodeSteps() int { return c.steps }

// CommitPrefill records that a prefill graph executed successfully.
func (c *Cache) CommitPrefill() {
	c.state = StatePrefilled
	c.steps = 0
}

// CommitDecode records one successfully executed decode step.
func (c *Cache) CommitDecode() {
	c.state = StateDecoding
	c.steps++
}

func (c *Cache) storageDType() dtypes.DType {
	if c.cfg.Quantize {
		return dtypes.Int8
	}
	return c.cfg.DType
}

func (c *Cache) variable(name string, shape shapes.Shape) *context.Variable {
	return c.ctx.VariableWithShape(name, shape)
}

// checkKV panics unless key and value are a valid (kvHeads, batch, seq,
// headDim) pair of the configured dtype.
func (c *Cache) checkKV(key, value *Node) {
	if key.Rank() != 4 || value.Rank() != 4 {
		exceptions.Panicf("kvcache: key and value must be rank-4 (kvHeads, batch, seq, headDim), got key=%s, value=%s",
			key.Shape(), value.Shape())
	}
	if !key.Shape().Equal(value.Shape()) {
		exceptions.Panicf("kvcache: key and value shapes must match, got key=%s, value=%s", key.Shape(), value.Shape())
	}
	if key.DType() != c.cfg.DType {
		exceptions.Panicf("kvcache: key/value dtype %s does not match the configured %s", key.DType(), c.cfg.DType)
	}
	dims := key.Shape().Dimensions
	if dims[0] != c.cfg.NumKVHeads || dims[3] != c.cfg.HeadDim {
		exceptions.Panicf("kvcache: key/value shape %s does not match kvHeads=%d, headDim=%d",
			key.Shape(), c.cfg.NumKVHeads, c.cfg.HeadDim)
	}
}

// Prefill overwrites the whole prefill region with key/value (in logical
// order, seq <= MaxPrefillLength) and resets the autoregressive region.
// A shorter prompt leaves the region's tail zeroed with segment id 0, so
// the tail stays masked out.
//
// segmentIDs must be (batch, seq) int32.
func (c *Cache) Prefill(g *Graph, key, value, segmentIDs *Node) {
	c.checkKV(key, value)
	dims := key.Shape().Dimensions
	batch, seqLen := dims[1], dims[2]
	if seqLen > c.cfg.MaxPrefillLength {
		exceptions.Panicf("kvcache: prefill length %d exceeds the prefill region capacity %d", seqLen, c.cfg.MaxPrefillLength)
	}
	if segmentIDs.Rank() != 2 || segmentIDs.Shape().Dimensions[0] != batch || segmentIDs.Shape().Dimensions[1] != seqLen {
		exceptions.Panicf("kvcache: segmentIDs must be (batch=%d, seq=%d), got %s", batch, seqLen, segmentIDs.Shape())
	}
	if segmentIDs.DType() != dtypes.Int32 {
		exceptions.Panicf("kvcache: segmentIDs must be %s, got %s", dtypes.Int32, segmentIDs.DType())
	}
	c.batchSize = batch

	c.setRegionTensor("prefill_key", c.cfg.PrefillAxisOrder, c.cfg.MaxPrefillLength, batch, key)
	c.setRegionTensor("prefill_value", c.cfg.PrefillAxisOrder, c.cfg.MaxPrefillLength, batch, value)

	zero := Const(g, int32(0))
	seg := Zeros(g, shapes.Make(dtypes.Int32, batch, c.cfg.MaxPrefillLength))
	seg = DynamicUpdateSlice(seg, segmentIDs, []*Node{zero, zero})
	c.variable("prefill_segment_ids", seg.Shape()).SetValueGraph(seg)

	c.resetAR(g, batch)
}

// setRegionTensor stores x (logical order, seq <= capacity) into the named
// variable pair, zero-filling past x's length.
func (c *Cache) setRegionTensor(name string, order AxisOrder, capacity, batch int, x *Node) {
	g := x.Graph()
	update := cachedTensor{raw: order.toCache(x)}
	if c.cfg.Quantize {
		update.raw, update.scale = quantizeKV(update.raw)
	}

	full := cachedTensor{
		raw: Zeros(g, order.shapeOf(c.storageDType(), c.cfg.NumKVHeads, batch, capacity, c.cfg.HeadDim)),
	}
	zero := Const(g, int32(0))
	starts := []*Node{zero, zero, zero, zero}
	full.raw = DynamicUpdateSlice(full.raw, update.raw, starts)
	c.variable(name, full.raw.Shape()).SetValueGraph(full.raw)

	if c.cfg.Quantize {
		full.scale = Zeros(g, order.shapeOf(c.cfg.DType, c.cfg.NumKVHeads, batch, capacity, 1))
		full.scale = DynamicUpdateSlice(full.scale, update.scale, starts)
		c.variable(name+"_scale", full.scale.Shape()).SetValueGraph(full.scale)
	}
}

// resetAR zeroes the autoregressive region, its segment ids, the write
// cursor and the per-row length counters.
func (c *Cache) resetAR(g *Graph, batch int) {
	capacity := c.cfg.ARCapacity()
	for _, name := range []string{"ar_key", "ar_value"} {
		shape := c.cfg.ARAxisOrder.shapeOf(c.storageDType(), c.cfg.NumKVHeads, batch, capacity, c.cfg.HeadDim)
		c.variable(name, shape).SetValueGraph(Zeros(g, shape))
		if c.cfg.Quantize {
			scaleShape := c.cfg.ARAxisOrder.shapeOf(c.cfg.DType, c.cfg.NumKVHeads, batch, capacity, 1)
			c.variable(name+"_scale", scaleShape).SetValueGraph(Zeros(g, scaleShape))
		}
	}
	segShape := shapes.Make(dtypes.Int32, batch, capacity)
	c.variable("ar_segment_ids", segShape).SetValueGraph(Zeros(g, segShape))
	indexShape := shapes.Make(dtypes.Int32)
	c.variable("ar_index", indexShape).SetValueGraph(Zeros(g, indexShape))
	lengthsShape := shapes.Make(dtypes.Int32, batch)
	c.variable("ar_lengths", lengthsShape).SetValueGraph(Zeros(g, lengthsShape))
}

// Reset clears both regions of an already-allocated cache. A later Prefill
// also resets everything, so Reset is only needed to drop state eagerly.
func (c *Cache) Reset(g *Graph) {
	if c.batchSize == 0 {
		exceptions.Panicf("kvcache: Reset before any Prefill allocated the cache")
	}
	batch := c.batchSize
	for _, name := range []string{"prefill_key", "prefill_value"} {
		shape := c.cfg.PrefillAxisOrder.shapeOf(c.storageDType(), c.cfg.NumKVHeads, batch, c.cfg.MaxPrefillLength, c.cfg.HeadDim)
		c.variable(name, shape).SetValueGraph(Zeros(g, shape))
		if c.cfg.Quantize {
			scaleShape := c.cfg.PrefillAxisOrder.shapeOf(c.cfg.DType, c.cfg.NumKVHeads, batch, c.cfg.MaxPrefillLength, 1)
			c.variable(name+"_scale", scaleShape).SetValueGraph(Zeros(g, scaleShape))
		}
	}
	segShape := shapes.Make(dtypes.Int32, batch, c.cfg.MaxPrefillLength)
	c.variable("prefill_segment_ids", segShape).SetValueGraph(Zeros(g, segShape))
	c.resetAR(g, batch)
	c.state = StateEmpty
	c.steps = 0
}

// Decode writes one token (logical order, seq length 1) into the
// autoregressive region: the indexed writer at the shared cursor, the
// ragged writer at each row's current length. It then marks the written
// slots active, advances the cursor modulo capacity and increments the
// per-row lengths, clamped at capacity.
func (c *Cache) Decode(g *Graph, key, value *Node) {
	c.checkKV(key, value)
	if c.batchSize == 0 {
		exceptions.Panicf("kvcache: Decode before any Prefill allocated the cache")
	}
	dims := key.Shape().Dimensions
	batch, seqLen := dims[1], dims[2]
	if seqLen != 1 {
		exceptions.Panicf("kvcache: Decode writes exactly one token per step, got sequence length %d", seqLen)
	}
	if batch != c.batchSize {
		exceptions.Panicf("kvcache: Decode batch size %d does not match the prefilled batch size %d", batch, c.batchSize)
	}

	order := c.cfg.ARAxisOrder
	capacity := c.cfg.ARCapacity()

	indexVar := c.variable("ar_index", shapes.Make(dtypes.Int32))
	lengthsVar := c.variable("ar_lengths", shapes.Make(dtypes.Int32, batch))
	cursor := indexVar.ValueGraph(g)
	lengths := lengthsVar.ValueGraph(g)
	// Once a row is full the ragged writer keeps overwriting the last slot.
	positions := MinScalar(lengths, float64(capacity-1))

	for _, kv := range []struct {
		name  string
		input *Node
	}{{"ar_key", key}, {"ar_value", value}} {
		token := cachedTensor{raw: order.toCache(kv.input)}
		if c.cfg.Quantize {
			token.raw, token.scale = quantizeKV(token.raw)
		}
		shape := order.shapeOf(c.storageDType(), c.cfg.NumKVHeads, batch, capacity, c.cfg.HeadDim)
		stored := cachedTensor{raw: c.variable(kv.name, shape).ValueGraph(g)}
		if c.cfg.Quantize {
			scaleShape := order.shapeOf(c.cfg.DType, c.cfg.NumKVHeads, batch, capacity, 1)
			stored.scale = c.variable(kv.name+"_scale", scaleShape).ValueGraph(g)
		}
		updated := c.writer.write(stored, token, order, cursor, positions)
		c.variable(kv.name, shape).SetValueGraph(updated.raw)
		if c.cfg.Quantize {
			c.variable(kv.name+"_scale", updated.scale.Shape()).SetValueGraph(updated.scale)
		}
	}

	segVar := c.variable("ar_segment_ids", shapes.Make(dtypes.Int32, batch, capacity))
	segVar.SetValueGraph(c.writer.markActive(segVar.ValueGraph(g), cursor, positions))

	indexVar.SetValueGraph(Mod(AddScalar(cursor, 1), Const(g, int32(capacity))))
	lengthsVar.SetValueGraph(MinScalar(AddScalar(lengths, 1), float64(capacity)))
}

// PrefillChunk returns the prefill region in logical order, unquantized,
// with its (batch, capacity) segment ids.
func (c *Cache) PrefillChunk(g *Graph) (key, value, segmentIDs *Node) {
	key = c.readRegionTensor(g, "prefill_key", c.cfg.PrefillAxisOrder, c.cfg.MaxPrefillLength)
	value = c.readRegionTensor(g, "prefill_value", c.cfg.PrefillAxisOrder, c.cfg.MaxPrefillLength)
	segmentIDs = c.variable("prefill_segment_ids", shapes.Make(dtypes.Int32, c.batchSize, c.cfg.MaxPrefillLength)).ValueGraph(g)
	return
}

// ARChunk returns the autoregressive region in logical order, unquantized,
// with its (batch, capacity) segment ids.
func (c *Cache) ARChunk(g *Graph) (key, value, segmentIDs *Node) {
	capacity := c.cfg.ARCapacity()
	key = c.readRegionTensor(g, "ar_key", c.cfg.ARAxisOrder, capacity)
	value = c.readRegionTensor(g, "ar_value", c.cfg.ARAxisOrder, capacity)
	segmentIDs = c.variable("ar_segment_ids", shapes.Make(dtypes.Int32, c.batchSize, capacity)).ValueGraph(g)
	return
}

func (c *Cache) readRegionTensor(g *Graph, name string, order AxisOrder, capacity int) *Node {
	if c.batchSize == 0 {
		exceptions.Panicf("kvcache: reading %q before any Prefill allocated the cache", name)
	}
	shape := order.shapeOf(c.storageDType(), c.cfg.NumKVHeads, c.batchSize, capacity, c.cfg.HeadDim)
	raw := c.variable(name, shape).ValueGraph(g)
	if c.cfg.Quantize {
		scaleShape := order.shapeOf(c.cfg.DType, c.cfg.NumKVHeads, c.batchSize, capacity, 1)
		scale := c.variable(name+"_scale", scaleShape).ValueGraph(g)
		raw = unquantizeKV(raw, scale, c.cfg.DType)
	}
	return order.fromCache(raw)
}
