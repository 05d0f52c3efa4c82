package nnapi

import (
	"encoding/binary"
	"math"
)

// Builder assembles a Model incrementally. Constant values are appended to
// OperandValues and referenced as CONSTANT_COPY operands.
type Builder struct {
	m Model
}

func NewBuilder() *Builder {
	return &Builder{}
}

// AddOperand appends an operand and returns its index.
func (b *Builder) AddOperand(op Operand) uint32 {
	b.m.Operands = append(b.m.Operands, op)
	return uint32(len(b.m.Operands) - 1)
}

// AddTensor appends a temporary tensor operand.
func (b *Builder) AddTensor(t OperandType, dims ...uint32) uint32 {
	return b.AddOperand(Operand{Type: t, Dimensions: dims, Lifetime: TemporaryVariable})
}

// AddQuantTensor appends a temporary TENSOR_QUANT8_ASYMM operand.
func (b *Builder) AddQuantTensor(scale float32, zeroPoint int32, dims ...uint32) uint32 {
	return b.AddOperand(Operand{
		Type:       TensorQuant8Asymm,
		Dimensions: dims,
		Scale:      scale,
		ZeroPoint:  zeroPoint,
		Lifetime:   TemporaryVariable,
	})
}

// AddInput appends a model input tensor.
func (b *Builder) AddInput(t OperandType, dims ...uint32) uint32 {
	idx := b.AddOperand(Operand{Type: t, Dimensions: dims, Lifetime: ModelInput})
	b.m.InputIndexes = append(b.m.InputIndexes, idx)
	return idx
}

// AddOutput appends a model output tensor.
func (b *Builder) AddOutput(t OperandType, dims ...uint32) uint32 {
	idx := b.AddOperand(Operand{Type: t, Dimensions: dims, Lifetime: ModelOutput})
	b.m.OutputIndexes = append(b.m.OutputIndexes, idx)
	return idx
}

// MarkInput moves an existing operand into the model inputs.
func (b *Builder) MarkInput(idx uint32) {
	b.m.Operands[idx].Lifetime = ModelInput
	b.m.InputIndexes = append(b.m.InputIndexes, idx)
}

// MarkOutput moves an existing operand into the model outputs.
func (b *Builder) MarkOutput(idx uint32) {
	b.m.Operands[idx].Lifetime = ModelOutput
	b.m.OutputIndexes = append(b.m.OutputIndexes, idx)
}

func (b *Builder) addConst(t OperandType, dims []uint32, data []byte) uint32 {
	// keep values 4-byte aligned
	for len(b.m.OperandValues)%4 != 0 {
		b.m.OperandValues = append(b.m.OperandValues, 0)
	}
	off := uint32(len(b.m.OperandValues))
	b.m.OperandValues = append(b.m.OperandValues, data...)
	return b.AddOperand(Operand{
		Type:       t,
		Dimensions: dims,
		Lifetime:   ConstantCopy,
		Location:   DataLocation{Offset: off, Length: uint32(len(data))},
	})
}

// AddInt32 appends an INT32 scalar constant.
func (b *Builder) AddInt32(v int32) uint32 {
	return b.addConst(Int32, nil, binary.LittleEndian.AppendUint32(nil, uint32(v)))
}

// AddFloat32 appends a FLOAT32 scalar constant.
func (b *Builder) AddFloat32(v float32) uint32 {
	return b.addConst(Float32, nil, binary.LittleEndian.AppendUint32(nil, math.Float32bits(v)))
}

// AddFloat32Tensor appends a TENSOR_FLOAT32 constant.
func (b *Builder) AddFloat32Tensor(dims []uint32, values []float32) uint32 {
	return b.addConst(TensorFloat32, dims, EncodeFloat32s(values))
}

// AddInt32Tensor appends a TENSOR_INT32 constant.
func (b *Builder) AddInt32Tensor(dims []uint32, values []int32) uint32 {
	buf := make([]byte, 0, 4*len(values))
	for _, v := range values {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(v))
	}
	return b.addConst(TensorInt32, dims, buf)
}

// AddQuant8Tensor appends a TENSOR_QUANT8_ASYMM constant.
func (b *Builder) AddQuant8Tensor(dims []uint32, scale float32, zeroPoint int32, values []uint8) uint32 {
	idx := b.addConst(TensorQuant8Asymm, dims, append([]byte(nil), values...))
	b.m.Operands[idx].Scale = scale
	b.m.Operands[idx].ZeroPoint = zeroPoint
	return idx
}

// AddOperation appends an operation and updates consumer counts.
func (b *Builder) AddOperation(t OperationType, inputs []uint32, outputs []uint32) {
	for _, in := range inputs {
		b.m.Operands[in].NumberOfConsumers++
	}
	b.m.Operations = append(b.m.Operations, Operation{Type: t, Inputs: inputs, Outputs: outputs})
}

// Build returns the assembled model. The builder must not be reused.
func (b *Builder) Build() *Model {
	m := b.m
	b.m = Model{}
	return &m
}

// EncodeFloat32s returns the little-endian encoding of values.
func EncodeFloat32s(values []float32) []byte {
	buf := make([]byte, 0, 4*len(values))
	for _, v := range values {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
	}
	return buf
}

// DecodeFloat32s interprets buf as little-endian float32 values.
func DecodeFloat32s(buf []byte) []float32 {
	out := make([]float32, len(buf)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return out
}
