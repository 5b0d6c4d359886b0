// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// attngen exercises the attention engine end to end: it prefills the
// key/value cache with a synthetic prompt and then decodes tokens one at a
// time, printing per-step timings and an output checksum.
//
// Usage:
//
//	go run ./cmd/attngen
//	go run ./cmd/attngen --steps=32 --quantize --ragged
package main

import (
	"flag"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"time"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/gomlx/attention"
	"github.com/gomlx/attention/kvcache"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagBatch    = flag.Int("batch", 2, "Batch size.")
	flagHeads    = flag.Int("heads", 8, "Number of query heads.")
	flagKVHeads  = flag.Int("kv-heads", 2, "Number of key/value heads; must divide --heads.")
	flagHeadDim  = flag.Int("head-dim", 64, "Per-head feature dimension.")
	flagPrompt   = flag.Int("prompt", 32, "Prompt length to prefill.")
	flagSteps    = flag.Int("steps", 16, "Number of tokens to decode.")
	flagQuantize = flag.Bool("quantize", false, "Store the cache as int8.")
	flagRagged   = flag.Bool("ragged", false, "Use ragged per-row cache writes.")
	flagSeqMajor = flag.Bool("seq-major", false, "Store cache regions in sequence-major order.")
	flagBackend  = flag.String("backend", "", "Backend to use (default: auto-detect).")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	if *flagBackend != "" {
		if err := os.Setenv("GOMLX_BACKEND", *flagBackend); err != nil {
			klog.Warningf("Failed to set backend: %v", err)
		}
	}

	order := kvcache.AxisOrderLogical
	if *flagSeqMajor {
		order = kvcache.AxisOrderSeqMajor
	}
	cfg := attention.Config{
		NumQueryHeads:    *flagHeads,
		NumKVHeads:       *flagKVHeads,
		HeadDim:          *flagHeadDim,
		MaxPrefillLength: *flagPrompt,
		MaxTargetLength:  *flagPrompt + *flagSteps,
		QuantizeCache:    *flagQuantize,
		RaggedWrites:     *flagRagged,
		PrefillAxisOrder: order,
		ARAxisOrder:      order,
	}

	backend := backends.MustNew()
	fmt.Printf("Backend: %s\n", backend.Name())
	ctx := context.New()
	engine, err := attention.New(backend, ctx, cfg)
	if err != nil {
		klog.Fatalf("Failed to create engine: %+v", err)
	}

	rng := rand.New(rand.NewPCG(42, 0))
	newTensor := func(heads, seqLen int) *tensors.Tensor {
		data := make([]float32, heads**flagBatch*seqLen**flagHeadDim)
		for i := range data {
			data[i] = float32(rng.NormFloat64())
		}
		return tensors.FromFlatDataAndDimensions(data, heads, *flagBatch, seqLen, *flagHeadDim)
	}

	start := time.Now()
	out := must.M1(engine.Prefill(
		newTensor(*flagHeads, *flagPrompt),
		newTensor(*flagKVHeads, *flagPrompt),
		newTensor(*flagKVHeads, *flagPrompt),
		nil))
	fmt.Printf("Prefill: batch=%d length=%d in %s (checksum %.4f)\n",
		*flagBatch, *flagPrompt, time.Since(start), checksum(out))

	var decodeTime time.Duration
	for step := 0; step < *flagSteps; step++ {
		stepStart := time.Now()
		out = must.M1(engine.Decode(
			newTensor(*flagHeads, 1),
			newTensor(*flagKVHeads, 1),
			newTensor(*flagKVHeads, 1)))
		decodeTime += time.Since(stepStart)
		klog.V(1).Infof("step %d: checksum %.4f", step, checksum(out))
	}
	fmt.Printf("Decoded %d tokens in %s (%.2fms/token), final checksum %.4f\n",
		*flagSteps, decodeTime, float64(decodeTime.Milliseconds())/float64(*flagSteps), checksum(out))
	fmt.Printf("Cache state: %s after %d steps\n", engine.Cache().State(), engine.Cache().DecodeSteps())
}

// checksum is the mean absolute value of a tensor, enough to eyeball that
// different configurations produce comparable outputs.
func checksum(t *tensors.Tensor) float64 {
	flat := tensors.MustCopyFlatData[float32](t)
	var sum float64
	for _, v := range flat {
		sum += math.Abs(float64(v))
	}
	return sum / float64(len(flat))
}
