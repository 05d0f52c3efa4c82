package dnn

import (
	"context"
	"fmt"
)

// InnerProductPD computes dst[n,o] = bias[o] + sum_i src[n,i]*weights[o,i].
// Src, weights and dst are nc; bias is x.
type InnerProductPD struct {
	src, weights, bias, dst Desc
}

func NewInnerProductPD(src, weights, bias, dst Desc) (*InnerProductPD, error) {
	src = resolve(src, NC)
	weights = resolve(weights, NC)
	bias = resolve(bias, X)
	dst = resolve(dst, NC)
	for _, d := range []Desc{src, weights, bias, dst} {
		if err := d.Validate(); err != nil {
			return nil, fmt.Errorf("inner product: %w", err)
		}
	}
	if src.Format != NC || weights.Format != NC || dst.Format != NC || bias.Format != X {
		return nil, fmt.Errorf("%w: inner product formats %s/%s/%s/%s", ErrUnsupported,
			src.Format, weights.Format, bias.Format, dst.Format)
	}
	if src.Dims[1] != weights.Dims[1] {
		return nil, fmt.Errorf("%w: inner product input features %d, weights %d", ErrUnsupported, src.Dims[1], weights.Dims[1])
	}
	if bias.Dims[0] != weights.Dims[0] || dst.Dims[0] != src.Dims[0] || dst.Dims[1] != weights.Dims[0] {
		return nil, fmt.Errorf("%w: inner product dst %v bias %v for %d outputs", ErrUnsupported, dst.Dims, bias.Dims, weights.Dims[0])
	}
	return &InnerProductPD{src: src, weights: weights, bias: bias, dst: dst}, nil
}

func (pd *InnerProductPD) SrcDesc() Desc     { return pd.src }
func (pd *InnerProductPD) WeightsDesc() Desc { return pd.weights }
func (pd *InnerProductPD) BiasDesc() Desc    { return pd.bias }
func (pd *InnerProductPD) DstDesc() Desc     { return pd.dst }

func (pd *InnerProductPD) Primitive(src, weights, bias, dst *Memory) (Primitive, error) {
	if err := expect("inner product src", src, pd.src); err != nil {
		return nil, err
	}
	if err := expect("inner product weights", weights, pd.weights); err != nil {
		return nil, err
	}
	if err := expect("inner product bias", bias, pd.bias); err != nil {
		return nil, err
	}
	if err := expect("inner product dst", dst, pd.dst); err != nil {
		return nil, err
	}
	return &innerProduct{src: src, weights: weights, bias: bias, dst: dst}, nil
}

type innerProduct struct {
	src, weights, bias, dst *Memory
}

func (p *innerProduct) Kind() Kind { return KindInnerProduct }

func (p *innerProduct) Execute(ctx context.Context, e *Engine) error {
	n, in := p.src.desc.Dims[0], p.src.desc.Dims[1]
	oc := p.weights.desc.Dims[0]
	src, w, bias, dst := p.src.Float32s(), p.weights.Float32s(), p.bias.Float32s(), p.dst.Float32s()
	return e.parallelFor(ctx, n*oc, func(lo, hi int) {
		for job := lo; job < hi; job++ {
			b, o := job/oc, job%oc
			row := src[b*in : (b+1)*in]
			wr := w[o*in : (o+1)*in]
			acc := bias[o]
			for i, v := range row {
				acc += v * wr[i]
			}
			dst[b*oc+o] = acc
		}
	})
}
