package dnn

import (
	"context"
	"fmt"
)

// NewSum computes dst = sum_i scales[i]*srcs[i]. All memories share one desc.
func NewSum(scales []float32, srcs []*Memory, dst *Memory) (Primitive, error) {
	if len(srcs) == 0 || len(scales) != len(srcs) {
		return nil, fmt.Errorf("%w: sum of %d sources with %d scales", ErrInvalidDesc, len(srcs), len(scales))
	}
	for i, s := range srcs {
		if err := expect(fmt.Sprintf("sum src %d", i), s, dst.desc); err != nil {
			return nil, err
		}
	}
	if err := expect("sum dst", dst, srcs[0].desc); err != nil {
		return nil, err
	}
	return &sum{scales: scales, srcs: srcs, dst: dst}, nil
}

type sum struct {
	scales []float32
	srcs   []*Memory
	dst    *Memory
}

func (p *sum) Kind() Kind { return KindSum }

func (p *sum) Execute(ctx context.Context, e *Engine) error {
	out := p.dst.Float32s()
	ins := make([][]float32, len(p.srcs))
	for i, s := range p.srcs {
		ins[i] = s.Float32s()
	}
	return e.parallelFor(ctx, len(out), func(lo, hi int) {
		for i := lo; i < hi; i++ {
			var acc float32
			for k, in := range ins {
				acc += p.scales[k] * in[i]
			}
			out[i] = acc
		}
	})
}
