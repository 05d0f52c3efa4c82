package dnn

import (
	"context"
	"fmt"
	"slices"
)

type ConcatPD struct {
	axis int
	srcs []Desc
	dst  Desc
}

// NewConcatPD joins srcs along axis (a canonical axis). Every other dim must
// agree. dstFormat may be Any, meaning the first source's format.
func NewConcatPD(axis int, dstFormat Format, srcs []Desc) (*ConcatPD, error) {
	if len(srcs) == 0 {
		return nil, fmt.Errorf("%w: concat without sources", ErrInvalidDesc)
	}
	rank := len(srcs[0].Dims)
	if axis < 0 || axis >= rank {
		return nil, fmt.Errorf("%w: concat axis %d for rank %d", ErrInvalidDesc, axis, rank)
	}
	dims := slices.Clone(srcs[0].Dims)
	dims[axis] = 0
	for i, s := range srcs {
		if err := s.Validate(); err != nil || !s.Concrete() {
			return nil, fmt.Errorf("%w: concat src %d %s", ErrInvalidDesc, i, s)
		}
		if len(s.Dims) != rank || s.Type != srcs[0].Type {
			return nil, fmt.Errorf("%w: concat src %d %s does not match %s", ErrUnsupported, i, s, srcs[0])
		}
		for d := range rank {
			if d == axis {
				dims[d] += s.Dims[d]
			} else if s.Dims[d] != dims[d] {
				return nil, fmt.Errorf("%w: concat src %d dim %d is %d, want %d", ErrUnsupported, i, d, s.Dims[d], dims[d])
			}
		}
	}
	if dstFormat == Any {
		dstFormat = srcs[0].Format
	}
	dst := NewDesc(dims, srcs[0].Type, dstFormat)
	if err := dst.Validate(); err != nil {
		return nil, err
	}
	return &ConcatPD{axis: axis, srcs: srcs, dst: dst}, nil
}

func (pd *ConcatPD) DstDesc() Desc { return pd.dst }
func (pd *ConcatPD) Axis() int     { return pd.axis }

func (pd *ConcatPD) Primitive(srcs []*Memory, dst *Memory) (Primitive, error) {
	if len(srcs) != len(pd.srcs) {
		return nil, fmt.Errorf("%w: concat got %d sources, want %d", ErrMemoryMismatch, len(srcs), len(pd.srcs))
	}
	for i, m := range srcs {
		if err := expect(fmt.Sprintf("concat src %d", i), m, pd.srcs[i]); err != nil {
			return nil, err
		}
	}
	if err := expect("concat dst", dst, pd.dst); err != nil {
		return nil, err
	}
	return &concat{pd: pd, srcs: srcs, dst: dst}, nil
}

type concat struct {
	pd   *ConcatPD
	srcs []*Memory
	dst  *Memory
}

func (c *concat) Kind() Kind { return KindConcat }

func (c *concat) Execute(ctx context.Context, e *Engine) error {
	dd := c.pd.dst
	out := c.dst.Float32s()
	base := make([]int, len(c.srcs))
	for i := 1; i < len(c.srcs); i++ {
		base[i] = base[i-1] + c.pd.srcs[i-1].Dims[c.pd.axis]
	}
	return e.parallelFor(ctx, len(c.srcs), func(lo, hi int) {
		dstIdx := make([]int, len(dd.Dims))
		for i := lo; i < hi; i++ {
			sd := c.pd.srcs[i]
			in := c.srcs[i].Float32s()
			forEachIndex(sd.Dims, func(idx []int) {
				copy(dstIdx, idx)
				dstIdx[c.pd.axis] += base[i]
				out[dd.Offset(dstIdx)] = in[sd.Offset(idx)]
			})
		}
	})
}
