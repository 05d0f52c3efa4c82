package dnn

import (
	"context"
	"fmt"
	"slices"
)

// ConvolutionDesc describes a forward convolution. Src/Dst are n,c,h,w;
// Weights are o,i,h,w, or g,o,i,h,w for grouped convolution. Formats may be
// Any.
type ConvolutionDesc struct {
	Src, Weights, Bias, Dst Desc
	Strides                 [2]int
	PadL, PadR              [2]int
}

// ConvolutionPD is a convolution descriptor with every Any resolved.
type ConvolutionPD struct {
	src, weights, bias, dst Desc
	strides                 [2]int
	padL, padR              [2]int
	groups                  int
}

func NewConvolutionPD(d ConvolutionDesc) (*ConvolutionPD, error) {
	for _, x := range []Desc{d.Src, d.Weights, d.Bias, d.Dst} {
		if err := x.Validate(); err != nil {
			return nil, fmt.Errorf("convolution: %w", err)
		}
	}
	if len(d.Src.Dims) != 4 || len(d.Dst.Dims) != 4 || len(d.Bias.Dims) != 1 {
		return nil, fmt.Errorf("%w: convolution needs 4-D src/dst and 1-D bias", ErrInvalidDesc)
	}
	if d.Strides[0] <= 0 || d.Strides[1] <= 0 {
		return nil, fmt.Errorf("%w: convolution strides %v", ErrInvalidDesc, d.Strides)
	}

	groups := 1
	var oc, icPerGroup, kh, kw int
	switch len(d.Weights.Dims) {
	case 4:
		oc, icPerGroup, kh, kw = d.Weights.Dims[0], d.Weights.Dims[1], d.Weights.Dims[2], d.Weights.Dims[3]
	case 5:
		groups = d.Weights.Dims[0]
		oc = groups * d.Weights.Dims[1]
		icPerGroup, kh, kw = d.Weights.Dims[2], d.Weights.Dims[3], d.Weights.Dims[4]
	default:
		return nil, fmt.Errorf("%w: convolution weights rank %d", ErrInvalidDesc, len(d.Weights.Dims))
	}

	n, ic, ih, iw := d.Src.Dims[0], d.Src.Dims[1], d.Src.Dims[2], d.Src.Dims[3]
	if ic != icPerGroup*groups {
		return nil, fmt.Errorf("%w: convolution src channels %d, weights expect %d", ErrUnsupported, ic, icPerGroup*groups)
	}
	if d.Bias.Dims[0] != oc {
		return nil, fmt.Errorf("%w: convolution bias %d, output channels %d", ErrUnsupported, d.Bias.Dims[0], oc)
	}
	oh := (ih-kh+d.PadL[0]+d.PadR[0])/d.Strides[0] + 1
	ow := (iw-kw+d.PadL[1]+d.PadR[1])/d.Strides[1] + 1
	if want := []int{n, oc, oh, ow}; !slices.Equal(d.Dst.Dims, want) {
		return nil, fmt.Errorf("%w: convolution dst %v, computed %v", ErrUnsupported, d.Dst.Dims, want)
	}

	act := NCHW
	if groups == 1 && ic%blockSize == 0 && oc%blockSize == 0 {
		act = NChw8c
	}
	pd := &ConvolutionPD{
		src:     resolve(d.Src, act),
		weights: resolve(d.Weights, weightsFormat(groups)),
		bias:    resolve(d.Bias, X),
		dst:     resolve(d.Dst, act),
		strides: d.Strides,
		padL:    d.PadL,
		padR:    d.PadR,
		groups:  groups,
	}
	for _, x := range []Desc{pd.src, pd.dst} {
		if x.Format != NCHW && x.Format != NChw8c && x.Format != NHWC {
			return nil, fmt.Errorf("%w: convolution activation format %s", ErrUnsupported, x.Format)
		}
	}
	return pd, nil
}

func weightsFormat(groups int) Format {
	if groups > 1 {
		return GOIHW
	}
	return OIHW
}

func resolve(d Desc, f Format) Desc {
	if d.Format == Any {
		return d.With(f, d.Type)
	}
	return d
}

func (pd *ConvolutionPD) SrcDesc() Desc     { return pd.src }
func (pd *ConvolutionPD) WeightsDesc() Desc { return pd.weights }
func (pd *ConvolutionPD) BiasDesc() Desc    { return pd.bias }
func (pd *ConvolutionPD) DstDesc() Desc     { return pd.dst }

// Primitive binds memories that match the resolved descs.
func (pd *ConvolutionPD) Primitive(src, weights, bias, dst *Memory) (Primitive, error) {
	if err := expect("convolution src", src, pd.src); err != nil {
		return nil, err
	}
	if err := expect("convolution weights", weights, pd.weights); err != nil {
		return nil, err
	}
	if err := expect("convolution bias", bias, pd.bias); err != nil {
		return nil, err
	}
	if err := expect("convolution dst", dst, pd.dst); err != nil {
		return nil, err
	}
	return &convolution{pd: pd, src: src, weights: weights, bias: bias, dst: dst}, nil
}

func expect(what string, m *Memory, d Desc) error {
	if m == nil {
		return fmt.Errorf("%w: %s is nil", ErrMemoryMismatch, what)
	}
	if !m.desc.Equal(d) {
		return fmt.Errorf("%w: %s is %s, want %s", ErrMemoryMismatch, what, m.desc, d)
	}
	if d.Type != F32 {
		return fmt.Errorf("%w: %s must be f32", ErrUnsupported, what)
	}
	return nil
}

type convolution struct {
	pd                      *ConvolutionPD
	src, weights, bias, dst *Memory
}

func (c *convolution) Kind() Kind { return KindConvolution }

func (c *convolution) Execute(ctx context.Context, e *Engine) error {
	pd := c.pd
	sd, wd, dd := pd.src, pd.weights, pd.dst
	n, ic, ih, iw := sd.Dims[0], sd.Dims[1], sd.Dims[2], sd.Dims[3]
	oc, oh, ow := dd.Dims[1], dd.Dims[2], dd.Dims[3]
	icg := ic / pd.groups
	ocg := oc / pd.groups
	var kh, kw int
	if pd.groups > 1 {
		kh, kw = wd.Dims[3], wd.Dims[4]
	} else {
		kh, kw = wd.Dims[2], wd.Dims[3]
	}
	src, w, bias, dst := c.src.Float32s(), c.weights.Float32s(), c.bias.Float32s(), c.dst.Float32s()

	return e.parallelFor(ctx, n*oc, func(lo, hi int) {
		for job := lo; job < hi; job++ {
			b, o := job/oc, job%oc
			g, og := o/ocg, o%ocg
			for y := 0; y < oh; y++ {
				for x := 0; x < ow; x++ {
					acc := bias[o]
					for i := 0; i < icg; i++ {
						ci := g*icg + i
						for ky := 0; ky < kh; ky++ {
							sy := y*pd.strides[0] - pd.padL[0] + ky
							if sy < 0 || sy >= ih {
								continue
							}
							for kx := 0; kx < kw; kx++ {
								sx := x*pd.strides[1] - pd.padL[1] + kx
								if sx < 0 || sx >= iw {
									continue
								}
								var wi int
								if pd.groups > 1 {
									wi = wd.off5(g, og, i, ky, kx)
								} else {
									wi = wd.off4(o, i, ky, kx)
								}
								acc += src[sd.off4(b, ci, sy, sx)] * w[wi]
							}
						}
					}
					dst[dd.off4(b, o, y, x)] = acc
				}
			}
		}
	})
}
