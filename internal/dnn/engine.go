package dnn

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/dnnhal/internal/logger"
)

// Kind names a primitive for logs and stats.
type Kind string

const (
	KindReorder      Kind = "reorder"
	KindConvolution  Kind = "convolution"
	KindPooling      Kind = "pooling"
	KindEltwise      Kind = "eltwise"
	KindConcat       Kind = "concat"
	KindSoftmax      Kind = "softmax"
	KindLRN          Kind = "lrn"
	KindInnerProduct Kind = "inner_product"
	KindSum          Kind = "sum"
)

// Primitive is an executable computation bound to its memories.
type Primitive interface {
	Kind() Kind
	Execute(ctx context.Context, e *Engine) error
}

type EngineConfig struct {
	// Threads bounds intra-primitive parallelism. Zero means GOMAXPROCS.
	Threads int
	// MinChunk is the smallest unit of work handed to one goroutine.
	MinChunk int
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{Threads: runtime.GOMAXPROCS(0), MinChunk: 1}
}

// Engine executes primitives. It holds no per-graph state and may be shared.
type Engine struct {
	threads  int
	minChunk int
	log      logger.Logger
}

func NewEngine(cfg EngineConfig, log logger.Logger) *Engine {
	if cfg.Threads <= 0 {
		cfg.Threads = runtime.GOMAXPROCS(0)
	}
	if cfg.MinChunk <= 0 {
		cfg.MinChunk = 1
	}
	return &Engine{threads: cfg.Threads, minChunk: cfg.MinChunk, log: logger.OrNop(log)}
}

func (e *Engine) Threads() int { return e.threads }

// Submit runs prims in order as one batch. The first failure stops the
// batch; a cancelled context is checked between primitives.
func (e *Engine) Submit(ctx context.Context, prims []Primitive) error {
	start := time.Now()
	for i, p := range prims {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w at primitive %d: %w", ErrEngineCancelled, i, err)
		}
		if err := p.Execute(ctx, e); err != nil {
			return fmt.Errorf("primitive %d (%s): %w", i, p.Kind(), err)
		}
	}
	e.log.Debug("batch executed", "primitives", len(prims), "elapsed", time.Since(start))
	return nil
}

// Run executes prims immediately; used for one-time constant conversion.
func (e *Engine) Run(ctx context.Context, prims ...Primitive) error {
	return e.Submit(ctx, prims)
}

// parallelFor calls fn over [0, n) split into contiguous chunks, at most
// e.threads of them running at once.
func (e *Engine) parallelFor(ctx context.Context, n int, fn func(lo, hi int)) error {
	if n <= 0 {
		return nil
	}
	workers := min(e.threads, (n+e.minChunk-1)/e.minChunk)
	if workers <= 1 {
		fn(0, n)
		return nil
	}
	chunk := (n + workers - 1) / workers
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.threads)
	for lo := 0; lo < n; lo += chunk {
		hi := min(lo+chunk, n)
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			fn(lo, hi)
			return nil
		})
	}
	return g.Wait()
}
