package dnn

import (
	"context"
	"fmt"
	"math"
)

type EltwiseAlgorithm int

const (
	EltwiseRelu EltwiseAlgorithm = iota
	// EltwiseBoundedRelu clamps to [0, Alpha].
	EltwiseBoundedRelu
	EltwiseLogistic
	EltwiseTanh
)

func (a EltwiseAlgorithm) String() string {
	switch a {
	case EltwiseRelu:
		return "relu"
	case EltwiseBoundedRelu:
		return "bounded_relu"
	case EltwiseLogistic:
		return "logistic"
	case EltwiseTanh:
		return "tanh"
	default:
		return fmt.Sprintf("EltwiseAlgorithm(%d)", int(a))
	}
}

// NewEltwise applies an activation from src to dst. Both must share a desc;
// src and dst may be the same memory.
func NewEltwise(alg EltwiseAlgorithm, alpha float32, src, dst *Memory) (Primitive, error) {
	if !src.desc.Concrete() {
		return nil, fmt.Errorf("%w: eltwise src %s", ErrInvalidDesc, src.desc)
	}
	if err := expect("eltwise dst", dst, src.desc); err != nil {
		return nil, err
	}
	if alg < EltwiseRelu || alg > EltwiseTanh {
		return nil, fmt.Errorf("%w: eltwise algorithm %s", ErrUnsupported, alg)
	}
	return &eltwise{alg: alg, alpha: alpha, src: src, dst: dst}, nil
}

type eltwise struct {
	alg      EltwiseAlgorithm
	alpha    float32
	src, dst *Memory
}

func (p *eltwise) Kind() Kind { return KindEltwise }

func (p *eltwise) Execute(ctx context.Context, e *Engine) error {
	src, dst := p.src.Float32s(), p.dst.Float32s()
	return e.parallelFor(ctx, len(src), func(lo, hi int) {
		for i := lo; i < hi; i++ {
			dst[i] = p.apply(src[i])
		}
	})
}

func (p *eltwise) apply(v float32) float32 {
	switch p.alg {
	case EltwiseRelu:
		return max(v, 0)
	case EltwiseBoundedRelu:
		return min(max(v, 0), p.alpha)
	case EltwiseLogistic:
		return float32(1 / (1 + math.Exp(-float64(v))))
	default:
		return float32(math.Tanh(float64(v)))
	}
}
