package dnn

import (
	"context"
	"fmt"
	"math"
)

// LRNDesc describes local response normalization across channels:
//
//	dst = src / (K + Alpha/LocalSize * sum(src^2 over the window))^Beta
//
// The window spans (LocalSize-1)/2 channels on each side.
type LRNDesc struct {
	LocalSize int
	Alpha     float32
	Beta      float32
	K         float32
}

func NewLRN(d LRNDesc, src, dst *Memory) (Primitive, error) {
	if !src.desc.Concrete() || len(src.desc.Dims) != 4 {
		return nil, fmt.Errorf("%w: lrn src %s", ErrInvalidDesc, src.desc)
	}
	if d.LocalSize <= 0 {
		return nil, fmt.Errorf("%w: lrn local size %d", ErrInvalidDesc, d.LocalSize)
	}
	if err := expect("lrn dst", dst, src.desc); err != nil {
		return nil, err
	}
	if src == dst {
		return nil, fmt.Errorf("%w: lrn cannot run in place", ErrUnsupported)
	}
	return &lrn{d: d, src: src, dst: dst}, nil
}

type lrn struct {
	d        LRNDesc
	src, dst *Memory
}

func (p *lrn) Kind() Kind { return KindLRN }

func (p *lrn) Execute(ctx context.Context, e *Engine) error {
	sd := p.src.desc
	n, c, h, w := sd.Dims[0], sd.Dims[1], sd.Dims[2], sd.Dims[3]
	in, out := p.src.Float32s(), p.dst.Float32s()
	half := (p.d.LocalSize - 1) / 2
	norm := float64(p.d.Alpha) / float64(p.d.LocalSize)

	return e.parallelFor(ctx, n*c, func(lo, hi int) {
		for job := lo; job < hi; job++ {
			b, ch := job/c, job%c
			c0, c1 := max(ch-half, 0), min(ch+half+1, c)
			for y := range h {
				for x := range w {
					var sum float64
					for k := c0; k < c1; k++ {
						v := float64(in[sd.off4(b, k, y, x)])
						sum += v * v
					}
					o := sd.off4(b, ch, y, x)
					denom := math.Pow(float64(p.d.K)+norm*sum, float64(p.d.Beta))
					out[o] = float32(float64(in[o]) / denom)
				}
			}
		}
	})
}
