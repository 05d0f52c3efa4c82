package dnn

import (
	"context"
	"fmt"
	"slices"
)

// Reorder copies src into dst, converting layout and element type. When
// Scale is non-zero every value is multiplied by it on the way.
type Reorder struct {
	src, dst *Memory
	scale    float32
}

func NewReorder(src, dst *Memory, scale float32) (*Reorder, error) {
	if !slices.Equal(src.desc.Dims, dst.desc.Dims) {
		return nil, fmt.Errorf("%w: reorder %s -> %s changes dims", ErrInvalidDesc, src.desc, dst.desc)
	}
	return &Reorder{src: src, dst: dst, scale: scale}, nil
}

func (r *Reorder) Kind() Kind { return KindReorder }

func (r *Reorder) Execute(ctx context.Context, e *Engine) error {
	sd, dd := r.src.desc, r.dst.desc
	scale := r.scale
	if scale == 0 {
		scale = 1
	}

	if sd.Format == dd.Format && sd.Type == dd.Type && scale == 1 {
		copy(r.dst.buf, r.src.buf)
		return nil
	}

	dims := sd.Dims
	outer := dims[0]
	inner := dims[1:]
	return e.parallelFor(ctx, outer, func(lo, hi int) {
		idx := make([]int, len(dims))
		for a := lo; a < hi; a++ {
			idx[0] = a
			forEachIndex(inner, func(rest []int) {
				copy(idx[1:], rest)
				v := r.src.load(sd.Offset(idx))
				if scale != 1 {
					v *= scale
				}
				r.dst.store(dd.Offset(idx), v)
			})
		}
	})
}
