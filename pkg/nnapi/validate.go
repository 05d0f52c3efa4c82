package nnapi

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidModel   = errors.New("invalid model")
	ErrInvalidRequest = errors.New("invalid request")
)

func invalidModel(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidModel, fmt.Sprintf(format, args...))
}

func invalidRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// ValidateModel checks the structural consistency of a model: index ranges,
// operand types and the lifetime/location pairing of every operand.
func ValidateModel(m *Model) error {
	if m == nil {
		return invalidModel("model is nil")
	}
	count := len(m.Operands)
	checkIndexes := func(what string, idx []uint32) error {
		for _, i := range idx {
			if int(i) >= count {
				return invalidModel("%s index %d out of range (%d operands)", what, i, count)
			}
		}
		return nil
	}
	if err := checkIndexes("input", m.InputIndexes); err != nil {
		return err
	}
	if err := checkIndexes("output", m.OutputIndexes); err != nil {
		return err
	}

	for i, op := range m.Operands {
		switch op.Type {
		case Float32, Int32, Uint32, TensorFloat32, TensorInt32, TensorQuant8Asymm:
		default:
			return invalidModel("operand %d has unsupported type %s", i, op.Type)
		}

		loc := op.Location
		switch op.Lifetime {
		case ModelInput, ModelOutput, NoValue, TemporaryVariable:
			if loc.Offset != 0 || loc.Length != 0 {
				return invalidModel("operand %d (%s) has unexpected location offset %d length %d",
					i, op.Lifetime, loc.Offset, loc.Length)
			}
		case ConstantCopy:
			if uint64(loc.Offset)+uint64(loc.Length) > uint64(len(m.OperandValues)) {
				return invalidModel("operand %d value [%d,+%d) outside operand values (%d bytes)",
					i, loc.Offset, loc.Length, len(m.OperandValues))
			}
		case ConstantReference:
			if int(loc.PoolIndex) >= len(m.Pools) {
				return invalidModel("operand %d has invalid pool index %d/%d", i, loc.PoolIndex, len(m.Pools))
			}
			if size := m.Pools[loc.PoolIndex].Size; size != 0 && uint64(loc.Offset)+uint64(loc.Length) > size {
				return invalidModel("operand %d value [%d,+%d) outside pool %d (%d bytes)",
					i, loc.Offset, loc.Length, loc.PoolIndex, size)
			}
		default:
			return invalidModel("operand %d has unknown lifetime %d", i, int32(op.Lifetime))
		}

		if op.Lifetime.IsConstant() {
			if want := OperandByteLength(op.Type, op.Dimensions); want != 0 && uint64(loc.Length) < want {
				return invalidModel("operand %d value has %d bytes, want %d", i, loc.Length, want)
			}
		}
	}

	for i, op := range m.Operations {
		if op.Type < 0 || op.Type > LastOperationType {
			return invalidModel("operation %d has unknown type %d", i, int32(op.Type))
		}
		if len(op.Inputs) == 0 || len(op.Outputs) == 0 {
			return invalidModel("operation %d (%s) has no inputs or outputs", i, op.Type)
		}
		if err := checkIndexes(fmt.Sprintf("operation %d input", i), op.Inputs); err != nil {
			return err
		}
		if err := checkIndexes(fmt.Sprintf("operation %d output", i), op.Outputs); err != nil {
			return err
		}
	}
	return nil
}

// ValidateRequest checks a request against the model it will run on.
func ValidateRequest(r *Request, m *Model) error {
	if r == nil {
		return invalidRequest("request is nil")
	}
	if err := validateArguments("input", r.Inputs, m.InputIndexes, m.Operands, r.Pools); err != nil {
		return err
	}
	return validateArguments("output", r.Outputs, m.OutputIndexes, m.Operands, r.Pools)
}

func validateArguments(kind string, args []RequestArgument, indexes []uint32, operands []Operand, pools []Memory) error {
	if len(args) != len(indexes) {
		return invalidRequest("request specifies %d %ss, model has %d", len(args), kind, len(indexes))
	}
	for i, arg := range args {
		operand := operands[indexes[i]]
		if arg.HasNoValue {
			if arg.Location.PoolIndex != 0 || arg.Location.Offset != 0 || arg.Location.Length != 0 || len(arg.Dimensions) != 0 {
				return invalidRequest("%s %d has no value yet has details", kind, i)
			}
			continue
		}
		if int(arg.Location.PoolIndex) >= len(pools) {
			return invalidRequest("%s %d has invalid pool index %d", kind, i, arg.Location.PoolIndex)
		}
		if rank := len(arg.Dimensions); rank > 0 {
			if rank != len(operand.Dimensions) {
				return invalidRequest("%s %d has rank %d, model has %d", kind, i, rank, len(operand.Dimensions))
			}
			for d, dim := range arg.Dimensions {
				if dim == 0 {
					return invalidRequest("%s %d has dimension %d of zero", kind, i, d)
				}
				if model := operand.Dimensions[d]; model != 0 && model != dim {
					return invalidRequest("%s %d has dimension %d of %d, model has %d", kind, i, d, dim, model)
				}
			}
		}
		need := OperandByteLength(operand.Type, operand.Dimensions)
		if size := pools[arg.Location.PoolIndex].Size; size != 0 && uint64(arg.Location.Offset)+need > size {
			return invalidRequest("%s %d needs %d bytes at offset %d, pool %d has %d",
				kind, i, need, arg.Location.Offset, arg.Location.PoolIndex, size)
		}
	}
	return nil
}
