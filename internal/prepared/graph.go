package prepared

import (
	"encoding/binary"
	"fmt"
	"math"
	"slices"

	"github.com/samcharles93/dnnhal/internal/mempool"
	"github.com/samcharles93/dnnhal/pkg/nnapi"
)

// graph gives read access to a declared model: operands, constant values
// and the mapped model pools.
type graph struct {
	model *nnapi.Model
	pools mempool.Pools
	opts  Options
}

func (g *graph) operand(idx uint32) *nnapi.Operand {
	return &g.model.Operands[idx]
}

// value returns the constant bytes of operand idx.
func (g *graph) value(idx uint32) ([]byte, error) {
	op := g.operand(idx)
	loc := op.Location
	switch op.Lifetime {
	case nnapi.ConstantCopy:
		end := uint64(loc.Offset) + uint64(loc.Length)
		if end > uint64(len(g.model.OperandValues)) {
			return nil, fmt.Errorf("%w: operand %d value outside operand values", ErrInvalidModel, idx)
		}
		return g.model.OperandValues[loc.Offset:end], nil
	case nnapi.ConstantReference:
		b, err := g.pools.Region(loc.PoolIndex, loc.Offset, loc.Length)
		if err != nil {
			return nil, fmt.Errorf("%w: operand %d: %w", ErrInvalidModel, idx, err)
		}
		return b, nil
	default:
		return nil, unsupported("operand %d (%s) is not a constant", idx, op.Lifetime)
	}
}

func (g *graph) scalar(idx uint32, want nnapi.OperandType) ([]byte, error) {
	op := g.operand(idx)
	if op.Type != want {
		return nil, unsupported("operand %d is %s, want %s", idx, op.Type, want)
	}
	b, err := g.value(idx)
	if err != nil {
		return nil, err
	}
	if len(b) < 4 {
		return nil, fmt.Errorf("%w: scalar operand %d has %d bytes", ErrInvalidModel, idx, len(b))
	}
	return b, nil
}

func (g *graph) int32At(idx uint32) (int32, error) {
	b, err := g.scalar(idx, nnapi.Int32)
	if err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(b)), nil
}

// intAt reads an INT32 scalar that must be at least lo.
func (g *graph) intAt(idx uint32, what string, lo int) (int, error) {
	v, err := g.int32At(idx)
	if err != nil {
		return 0, err
	}
	if int(v) < lo {
		return 0, unsupported("%s is %d, must be >= %d", what, v, lo)
	}
	return int(v), nil
}

func (g *graph) float32At(idx uint32) (float32, error) {
	b, err := g.scalar(idx, nnapi.Float32)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(b)), nil
}

func (g *graph) activationAt(idx uint32) (nnapi.FusedActivation, error) {
	v, err := g.int32At(idx)
	if err != nil {
		return 0, err
	}
	act := nnapi.FusedActivation(v)
	if _, _, ok := eltwiseFor(act); !ok && act != nnapi.FusedNone {
		return 0, unsupported("fused activation %s", act)
	}
	return act, nil
}

// quantOK applies the quantization mode to one tensor operand.
func (g *graph) quantOK(idx uint32) error {
	op := g.operand(idx)
	if op.Type != nnapi.TensorQuant8Asymm {
		return nil
	}
	if g.opts.Quant == QuantDisabled {
		return unsupported("operand %d is quantized and quantization is disabled", idx)
	}
	if op.ZeroPoint != 0 {
		return unsupported("operand %d has zero point %d", idx, op.ZeroPoint)
	}
	if op.Scale <= 0 {
		return unsupported("operand %d has quantization scale %g", idx, op.Scale)
	}
	return nil
}

// tensor checks an operation input: a compute-capable tensor with fully
// specified dims of one of the given ranks. It returns the dims.
func (g *graph) tensor(idx uint32, ranks ...int) ([]int, error) {
	op := g.operand(idx)
	switch op.Type {
	case nnapi.TensorFloat32:
	case nnapi.TensorQuant8Asymm, nnapi.TensorInt32:
		if op.Scale == 0 {
			return nil, unsupported("operand %d is %s without a scale", idx, op.Type)
		}
	default:
		return nil, unsupported("operand %d has type %s, want a tensor", idx, op.Type)
	}
	if op.Lifetime == nnapi.NoValue {
		return nil, unsupported("operand %d has no value", idx)
	}
	if err := g.quantOK(idx); err != nil {
		return nil, err
	}
	dims := dimsOf(op)
	if !slices.Contains(ranks, len(dims)) {
		return nil, unsupported("operand %d has rank %d, want one of %v", idx, len(dims), ranks)
	}
	for i, d := range dims {
		if d == 0 {
			return nil, unsupported("operand %d dimension %d is unspecified", idx, i)
		}
	}
	return dims, nil
}

// output checks an operation output against the computed logical dims.
// Unspecified declared dims accept any computed value.
func (g *graph) output(idx uint32, computed []int) error {
	op := g.operand(idx)
	switch op.Type {
	case nnapi.TensorFloat32:
	case nnapi.TensorQuant8Asymm:
		if err := g.quantOK(idx); err != nil {
			return err
		}
	default:
		return unsupported("output operand %d has type %s", idx, op.Type)
	}
	switch op.Lifetime {
	case nnapi.TemporaryVariable, nnapi.ModelOutput:
	default:
		return unsupported("output operand %d has lifetime %s", idx, op.Lifetime)
	}
	for i, d := range computed {
		if d <= 0 {
			return unsupported("output operand %d computed dimension %d is %d", idx, i, d)
		}
	}
	if len(op.Dimensions) == 0 {
		return nil
	}
	if len(op.Dimensions) != len(computed) {
		return unsupported("output operand %d has rank %d, computed %d", idx, len(op.Dimensions), len(computed))
	}
	for i, d := range op.Dimensions {
		if d != 0 && int(d) != computed[i] {
			return unsupported("output operand %d dimension %d is %d, computed %d", idx, i, d, computed[i])
		}
	}
	return nil
}

func dimsOf(op *nnapi.Operand) []int {
	dims := make([]int, len(op.Dimensions))
	for i, d := range op.Dimensions {
		dims[i] = int(d)
	}
	return dims
}
