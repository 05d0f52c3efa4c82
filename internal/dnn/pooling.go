package dnn

import (
	"context"
	"fmt"
	"math"
	"slices"
)

type PoolAlgorithm int

const (
	PoolMax PoolAlgorithm = iota
	// PoolAvg divides by the number of in-bounds taps; padding is excluded.
	PoolAvg
)

func (a PoolAlgorithm) String() string {
	if a == PoolMax {
		return "max"
	}
	return "avg"
}

type PoolingDesc struct {
	Algorithm  PoolAlgorithm
	Src, Dst   Desc
	Strides    [2]int
	Kernel     [2]int
	PadL, PadR [2]int
}

type PoolingPD struct {
	d PoolingDesc
}

func NewPoolingPD(d PoolingDesc) (*PoolingPD, error) {
	if err := d.Src.Validate(); err != nil {
		return nil, fmt.Errorf("pooling: %w", err)
	}
	if !d.Src.Concrete() || len(d.Src.Dims) != 4 {
		return nil, fmt.Errorf("%w: pooling src %s", ErrInvalidDesc, d.Src)
	}
	if d.Strides[0] <= 0 || d.Strides[1] <= 0 || d.Kernel[0] <= 0 || d.Kernel[1] <= 0 {
		return nil, fmt.Errorf("%w: pooling strides %v kernel %v", ErrInvalidDesc, d.Strides, d.Kernel)
	}
	n, c, ih, iw := d.Src.Dims[0], d.Src.Dims[1], d.Src.Dims[2], d.Src.Dims[3]
	oh := (ih-d.Kernel[0]+d.PadL[0]+d.PadR[0])/d.Strides[0] + 1
	ow := (iw-d.Kernel[1]+d.PadL[1]+d.PadR[1])/d.Strides[1] + 1
	if oh <= 0 || ow <= 0 {
		return nil, fmt.Errorf("%w: pooling output %dx%d", ErrUnsupported, oh, ow)
	}
	if want := []int{n, c, oh, ow}; !slices.Equal(d.Dst.Dims, want) {
		return nil, fmt.Errorf("%w: pooling dst %v, computed %v", ErrUnsupported, d.Dst.Dims, want)
	}
	d.Dst = resolve(d.Dst, d.Src.Format)
	return &PoolingPD{d: d}, nil
}

func (pd *PoolingPD) SrcDesc() Desc { return pd.d.Src }
func (pd *PoolingPD) DstDesc() Desc { return pd.d.Dst }

func (pd *PoolingPD) Primitive(src, dst *Memory) (Primitive, error) {
	if err := expect("pooling src", src, pd.d.Src); err != nil {
		return nil, err
	}
	if err := expect("pooling dst", dst, pd.d.Dst); err != nil {
		return nil, err
	}
	return &pooling{d: pd.d, src: src, dst: dst}, nil
}

type pooling struct {
	d        PoolingDesc
	src, dst *Memory
}

func (p *pooling) Kind() Kind { return KindPooling }

func (p *pooling) Execute(ctx context.Context, e *Engine) error {
	sd, dd := p.d.Src, p.d.Dst
	n, c, ih, iw := sd.Dims[0], sd.Dims[1], sd.Dims[2], sd.Dims[3]
	oh, ow := dd.Dims[2], dd.Dims[3]
	src, dst := p.src.Float32s(), p.dst.Float32s()
	kh, kw := p.d.Kernel[0], p.d.Kernel[1]
	sh, sw := p.d.Strides[0], p.d.Strides[1]
	pt, pl := p.d.PadL[0], p.d.PadL[1]

	return e.parallelFor(ctx, n*c, func(lo, hi int) {
		for job := lo; job < hi; job++ {
			b, ch := job/c, job%c
			for y := 0; y < oh; y++ {
				y0, y1 := max(y*sh-pt, 0), min(y*sh-pt+kh, ih)
				for x := 0; x < ow; x++ {
					x0, x1 := max(x*sw-pl, 0), min(x*sw-pl+kw, iw)
					var out float32
					switch p.d.Algorithm {
					case PoolMax:
						out = float32(math.Inf(-1))
						for sy := y0; sy < y1; sy++ {
							for sx := x0; sx < x1; sx++ {
								out = max(out, src[sd.off4(b, ch, sy, sx)])
							}
						}
					case PoolAvg:
						var sum float32
						for sy := y0; sy < y1; sy++ {
							for sx := x0; sx < x1; sx++ {
								sum += src[sd.off4(b, ch, sy, sx)]
							}
						}
						if taps := (y1 - y0) * (x1 - x0); taps > 0 {
							out = sum / float32(taps)
						}
					}
					dst[dd.off4(b, ch, y, x)] = out
				}
			}
		}
	})
}
