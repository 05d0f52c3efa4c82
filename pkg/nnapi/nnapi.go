// Package nnapi defines the wire types exchanged with the driver.
//
// The numbering of every enum below is part of the wire format and must
// never change. A Model describes a graph of operations over a flat operand
// table; a Request binds the model's inputs and outputs to caller memory.
package nnapi

import "fmt"

type OperandType int32

const (
	Float32           OperandType = 0
	Int32             OperandType = 1
	Uint32            OperandType = 2
	TensorFloat32     OperandType = 3
	TensorInt32       OperandType = 4
	TensorQuant8Asymm OperandType = 5
)

func (t OperandType) String() string {
	switch t {
	case Float32:
		return "FLOAT32"
	case Int32:
		return "INT32"
	case Uint32:
		return "UINT32"
	case TensorFloat32:
		return "TENSOR_FLOAT32"
	case TensorInt32:
		return "TENSOR_INT32"
	case TensorQuant8Asymm:
		return "TENSOR_QUANT8_ASYMM"
	default:
		return fmt.Sprintf("OperandType(%d)", int32(t))
	}
}

// IsScalar reports whether t describes a single value rather than a tensor.
func (t OperandType) IsScalar() bool {
	return t == Float32 || t == Int32 || t == Uint32
}

// ElementSize returns the byte width of one element of t, or 0 if unknown.
func (t OperandType) ElementSize() int {
	switch t {
	case Float32, Int32, Uint32, TensorFloat32, TensorInt32:
		return 4
	case TensorQuant8Asymm:
		return 1
	default:
		return 0
	}
}

type OperationType int32

const (
	Add                        OperationType = 0
	AveragePool2D              OperationType = 1
	Concatenation              OperationType = 2
	Conv2D                     OperationType = 3
	DepthwiseConv2D            OperationType = 4
	DepthToSpace               OperationType = 5
	Dequantize                 OperationType = 6
	EmbeddingLookup            OperationType = 7
	Floor                      OperationType = 8
	FullyConnected             OperationType = 9
	HashtableLookup            OperationType = 10
	L2Normalization            OperationType = 11
	L2Pool2D                   OperationType = 12
	LocalResponseNormalization OperationType = 13
	Logistic                   OperationType = 14
	LSHProjection              OperationType = 15
	LSTM                       OperationType = 16
	MaxPool2D                  OperationType = 17
	Mul                        OperationType = 18
	Relu                       OperationType = 19
	Relu1                      OperationType = 20
	Relu6                      OperationType = 21
	Reshape                    OperationType = 22
	ResizeBilinear             OperationType = 23
	RNN                        OperationType = 24
	Softmax                    OperationType = 25
	SpaceToDepth               OperationType = 26
	SVDF                       OperationType = 27
	Tanh                       OperationType = 28

	// LastOperationType is the highest defined operation type.
	LastOperationType = Tanh
)

var operationNames = [...]string{
	Add:                        "ADD",
	AveragePool2D:              "AVERAGE_POOL_2D",
	Concatenation:              "CONCATENATION",
	Conv2D:                     "CONV_2D",
	DepthwiseConv2D:            "DEPTHWISE_CONV_2D",
	DepthToSpace:               "DEPTH_TO_SPACE",
	Dequantize:                 "DEQUANTIZE",
	EmbeddingLookup:            "EMBEDDING_LOOKUP",
	Floor:                      "FLOOR",
	FullyConnected:             "FULLY_CONNECTED",
	HashtableLookup:            "HASHTABLE_LOOKUP",
	L2Normalization:            "L2_NORMALIZATION",
	L2Pool2D:                   "L2_POOL_2D",
	LocalResponseNormalization: "LOCAL_RESPONSE_NORMALIZATION",
	Logistic:                   "LOGISTIC",
	LSHProjection:              "LSH_PROJECTION",
	LSTM:                       "LSTM",
	MaxPool2D:                  "MAX_POOL_2D",
	Mul:                        "MUL",
	Relu:                       "RELU",
	Relu1:                      "RELU1",
	Relu6:                      "RELU6",
	Reshape:                    "RESHAPE",
	ResizeBilinear:             "RESIZE_BILINEAR",
	RNN:                        "RNN",
	Softmax:                    "SOFTMAX",
	SpaceToDepth:               "SPACE_TO_DEPTH",
	SVDF:                       "SVDF",
	Tanh:                       "TANH",
}

func (t OperationType) String() string {
	if t >= 0 && int(t) < len(operationNames) {
		return operationNames[t]
	}
	return fmt.Sprintf("OperationType(%d)", int32(t))
}

// FusedActivation selects an activation applied to an operation's output.
// Tanh and Sigmoid extend the v1.0 set using the TFLite numbering.
type FusedActivation int32

const (
	FusedNone    FusedActivation = 0
	FusedRelu    FusedActivation = 1
	FusedRelu1   FusedActivation = 2
	FusedRelu6   FusedActivation = 3
	FusedTanh    FusedActivation = 4
	FusedSigmoid FusedActivation = 6
)

func (a FusedActivation) String() string {
	switch a {
	case FusedNone:
		return "NONE"
	case FusedRelu:
		return "RELU"
	case FusedRelu1:
		return "RELU1"
	case FusedRelu6:
		return "RELU6"
	case FusedTanh:
		return "TANH"
	case FusedSigmoid:
		return "SIGMOID"
	default:
		return fmt.Sprintf("FusedActivation(%d)", int32(a))
	}
}

type Lifetime int32

const (
	TemporaryVariable Lifetime = 0
	ModelInput        Lifetime = 1
	ModelOutput       Lifetime = 2
	ConstantCopy      Lifetime = 3
	ConstantReference Lifetime = 4
	NoValue           Lifetime = 5
)

func (l Lifetime) String() string {
	switch l {
	case TemporaryVariable:
		return "TEMPORARY_VARIABLE"
	case ModelInput:
		return "MODEL_INPUT"
	case ModelOutput:
		return "MODEL_OUTPUT"
	case ConstantCopy:
		return "CONSTANT_COPY"
	case ConstantReference:
		return "CONSTANT_REFERENCE"
	case NoValue:
		return "NO_VALUE"
	default:
		return fmt.Sprintf("Lifetime(%d)", int32(l))
	}
}

// IsConstant reports whether the operand's value is known at prepare time.
func (l Lifetime) IsConstant() bool {
	return l == ConstantCopy || l == ConstantReference
}

type ErrorStatus int32

const (
	StatusNone                   ErrorStatus = 0
	StatusDeviceUnavailable      ErrorStatus = 1
	StatusGeneralFailure         ErrorStatus = 2
	StatusOutputInsufficientSize ErrorStatus = 3
	StatusInvalidArgument        ErrorStatus = 4
)

func (s ErrorStatus) String() string {
	switch s {
	case StatusNone:
		return "NONE"
	case StatusDeviceUnavailable:
		return "DEVICE_UNAVAILABLE"
	case StatusGeneralFailure:
		return "GENERAL_FAILURE"
	case StatusOutputInsufficientSize:
		return "OUTPUT_INSUFFICIENT_SIZE"
	case StatusInvalidArgument:
		return "INVALID_ARGUMENT"
	default:
		return fmt.Sprintf("ErrorStatus(%d)", int32(s))
	}
}

type DeviceStatus int32

const (
	DeviceAvailable DeviceStatus = 0
	DeviceBusy      DeviceStatus = 1
	DeviceOffline   DeviceStatus = 2
	DeviceUnknown   DeviceStatus = 3
)

func (s DeviceStatus) String() string {
	switch s {
	case DeviceAvailable:
		return "AVAILABLE"
	case DeviceBusy:
		return "BUSY"
	case DeviceOffline:
		return "OFFLINE"
	default:
		return "UNKNOWN"
	}
}

// DataLocation points at a byte range inside a memory pool (or inside
// Model.OperandValues for CONSTANT_COPY operands).
type DataLocation struct {
	PoolIndex uint32 `json:"pool_index"`
	Offset    uint32 `json:"offset"`
	Length    uint32 `json:"length"`
}

type Operand struct {
	Type              OperandType  `json:"type"`
	Dimensions        []uint32     `json:"dimensions"`
	NumberOfConsumers uint32       `json:"number_of_consumers"`
	Scale             float32      `json:"scale"`
	ZeroPoint         int32        `json:"zero_point"`
	Lifetime          Lifetime     `json:"lifetime"`
	Location          DataLocation `json:"location"`
}

type Operation struct {
	Type    OperationType `json:"type"`
	Inputs  []uint32      `json:"inputs"`
	Outputs []uint32      `json:"outputs"`
}

// Memory describes a caller-provided memory region.
//
// Name selects the mapping strategy ("ashmem" or "mmap_fd"). Handle carries
// the native handle words: for ashmem {fd}; for mmap_fd {fd, prot,
// offset_low, offset_high}. Handles never cross the JSON boundary; the
// serialized form uses Path (a file to open) or Data (inline bytes) and is
// turned into a handle by mempool.Materialize.
type Memory struct {
	Name   string  `json:"name"`
	Size   uint64  `json:"size"`
	Handle []int32 `json:"-"`
	Path   string  `json:"path,omitempty"`
	Data   []byte  `json:"data,omitempty"`
}

const (
	MemoryAshmem = "ashmem"
	MemoryMmapFD = "mmap_fd"
)

type Model struct {
	Operands      []Operand   `json:"operands"`
	Operations    []Operation `json:"operations"`
	InputIndexes  []uint32    `json:"input_indexes"`
	OutputIndexes []uint32    `json:"output_indexes"`
	OperandValues []byte      `json:"operand_values"`
	Pools         []Memory    `json:"pools"`
}

type RequestArgument struct {
	HasNoValue bool         `json:"has_no_value"`
	Location   DataLocation `json:"location"`
	Dimensions []uint32     `json:"dimensions"`
}

type Request struct {
	Inputs  []RequestArgument `json:"inputs"`
	Outputs []RequestArgument `json:"outputs"`
	Pools   []Memory          `json:"pools"`
}

type PerformanceInfo struct {
	ExecTime   float32 `json:"exec_time"`
	PowerUsage float32 `json:"power_usage"`
}

type Capabilities struct {
	Float32Performance    PerformanceInfo `json:"float32_performance"`
	Quantized8Performance PerformanceInfo `json:"quantized8_performance"`
}

// OperandByteLength returns the byte size of an operand with the given type
// and dimensions. Unspecified (zero) dimensions yield zero.
func OperandByteLength(t OperandType, dims []uint32) uint64 {
	n := uint64(t.ElementSize())
	for _, d := range dims {
		n *= uint64(d)
	}
	return n
}
