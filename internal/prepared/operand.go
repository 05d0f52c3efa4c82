package prepared

import (
	"slices"

	"github.com/samcharles93/dnnhal/internal/dnn"
	"github.com/samcharles93/dnnhal/pkg/nnapi"
)

// operand is the runtime state of one model operand.
type operand struct {
	index    uint32
	dims     []int // logical, caller order
	shape    []int // canonical backend order, set with the primary view
	typ      dnn.DataType
	scale    float32
	zero     int32
	lifetime nnapi.Lifetime

	// buffer backs the primary view: a constant region, or driver memory
	// for inputs, outputs and temporaries.
	buffer     []byte
	primary    *dnn.Memory
	alternates []*dnn.Memory
	usesLeft   uint32
}

func newOperand(idx uint32, op *nnapi.Operand) *operand {
	return &operand{
		index:    idx,
		dims:     dimsOf(op),
		typ:      dataTypeOf(op.Type),
		scale:    op.Scale,
		zero:     op.ZeroPoint,
		lifetime: op.Lifetime,
		usesLeft: op.NumberOfConsumers,
	}
}

func dataTypeOf(t nnapi.OperandType) dnn.DataType {
	switch t {
	case nnapi.TensorFloat32, nnapi.Float32:
		return dnn.F32
	case nnapi.TensorInt32, nnapi.Int32:
		return dnn.S32
	case nnapi.TensorQuant8Asymm:
		return dnn.U8
	default:
		return dnn.DataTypeUndef
	}
}

// computeType is the element type operations see: quantized operands are
// dequantized to float32.
func (o *operand) computeType() dnn.DataType {
	if o.scale != 0 {
		return dnn.F32
	}
	return o.typ
}

// interchangeFormat is the layout operands use across operation
// boundaries for a given rank.
func interchangeFormat(rank int) dnn.Format {
	switch rank {
	case 1:
		return dnn.X
	case 2:
		return dnn.NC
	case 4:
		return dnn.NHWC
	default:
		return dnn.FormatUndef
	}
}

// canonicalDims reorders logical dims (as laid out in a buffer of format f)
// into backend canonical order.
func canonicalDims(dims []int, f dnn.Format) []int {
	switch f {
	case dnn.X, dnn.NC, dnn.NCHW, dnn.OIHW:
		return slices.Clone(dims)
	case dnn.NHWC, dnn.OHWI:
		// n,h,w,c -> n,c,h,w
		return []int{dims[0], dims[3], dims[1], dims[2]}
	case dnn.IHWO:
		// i,h,w,o -> o,i,h,w
		return []int{dims[3], dims[0], dims[1], dims[2]}
	}
	invariant("no canonical order for %s", f)
	return nil
}

// logicalDims is the inverse of canonicalDims for the interchange formats.
func logicalDims(shape []int, f dnn.Format) []int {
	switch f {
	case dnn.X, dnn.NC:
		return slices.Clone(shape)
	case dnn.NHWC:
		return []int{shape[0], shape[2], shape[3], shape[1]}
	}
	invariant("no logical order for %s", f)
	return nil
}
