package dnn

import (
	"context"
	"fmt"
	"math"
	"slices"
)

// NewSoftmax normalizes src along a canonical axis into dst.
func NewSoftmax(axis int, src, dst *Memory) (Primitive, error) {
	d := src.desc
	if !d.Concrete() {
		return nil, fmt.Errorf("%w: softmax src %s", ErrInvalidDesc, d)
	}
	if axis < 0 || axis >= len(d.Dims) {
		return nil, fmt.Errorf("%w: softmax axis %d for %s", ErrInvalidDesc, axis, d)
	}
	if err := expect("softmax dst", dst, d); err != nil {
		return nil, err
	}
	return &softmax{axis: axis, src: src, dst: dst}, nil
}

type softmax struct {
	axis     int
	src, dst *Memory
}

func (p *softmax) Kind() Kind { return KindSoftmax }

func (p *softmax) Execute(ctx context.Context, e *Engine) error {
	d := p.src.desc
	outer := slices.Clone(d.Dims)
	outer[p.axis] = 1
	if p.axis == 0 {
		forEachIndex(outer, p.row)
		return nil
	}
	return e.parallelFor(ctx, outer[0], func(lo, hi int) {
		idx := make([]int, len(outer))
		for b := lo; b < hi; b++ {
			forEachIndex(outer[1:], func(rest []int) {
				idx[0] = b
				copy(idx[1:], rest)
				p.row(idx)
			})
		}
	})
}

// row normalizes the line through idx along the softmax axis.
func (p *softmax) row(pos []int) {
	d := p.src.desc
	in, out := p.src.Float32s(), p.dst.Float32s()
	idx := slices.Clone(pos)
	length := d.Dims[p.axis]

	maxV := math.Inf(-1)
	for k := range length {
		idx[p.axis] = k
		maxV = math.Max(maxV, float64(in[d.Offset(idx)]))
	}
	var sum float64
	for k := range length {
		idx[p.axis] = k
		v := math.Exp(float64(in[d.Offset(idx)]) - maxV)
		out[d.Offset(idx)] = float32(v)
		sum += v
	}
	for k := range length {
		idx[p.axis] = k
		out[d.Offset(idx)] = float32(float64(out[d.Offset(idx)]) / sum)
	}
}
