package prepared

import (
	"github.com/samcharles93/dnnhal/internal/dnn"
	"github.com/samcharles93/dnnhal/pkg/nnapi"
)

// operation is the parsed, checked form of one model operation. Every
// scalar parameter is read once here; lowering never looks at raw operand
// bytes for parameters.
type operation interface {
	opType() nnapi.OperationType
	consumes() []uint32
}

type convOp struct {
	depthwise            bool
	input, filter, bias  uint32
	output               uint32
	pad                  padding
	strideH, strideW     int
	kh, kw               int
	multiplier           int
	act                  nnapi.FusedActivation
	batch, inC, outC     int
	inH, inW, outH, outW int
}

func (o *convOp) opType() nnapi.OperationType {
	if o.depthwise {
		return nnapi.DepthwiseConv2D
	}
	return nnapi.Conv2D
}
func (o *convOp) consumes() []uint32 { return []uint32{o.input, o.filter, o.bias} }

type poolOp struct {
	alg              dnn.PoolAlgorithm
	input, output    uint32
	pad              padding
	strideH, strideW int
	kh, kw           int
	act              nnapi.FusedActivation
	outDims          []int
}

func (o *poolOp) opType() nnapi.OperationType {
	if o.alg == dnn.PoolMax {
		return nnapi.MaxPool2D
	}
	return nnapi.AveragePool2D
}
func (o *poolOp) consumes() []uint32 { return []uint32{o.input} }

type activationOp struct {
	typ           nnapi.OperationType
	alg           dnn.EltwiseAlgorithm
	alpha         float32
	input, output uint32
}

func (o *activationOp) opType() nnapi.OperationType { return o.typ }
func (o *activationOp) consumes() []uint32          { return []uint32{o.input} }

type concatOp struct {
	inputs  []uint32
	output  uint32
	axis    int
	outDims []int
}

func (o *concatOp) opType() nnapi.OperationType { return nnapi.Concatenation }
func (o *concatOp) consumes() []uint32          { return o.inputs }

type softmaxOp struct {
	input, output uint32
	beta          float32
}

func (o *softmaxOp) opType() nnapi.OperationType { return nnapi.Softmax }
func (o *softmaxOp) consumes() []uint32          { return []uint32{o.input} }

type lrnOp struct {
	input, output     uint32
	radius            int
	bias, alpha, beta float32
}

func (o *lrnOp) opType() nnapi.OperationType { return nnapi.LocalResponseNormalization }
func (o *lrnOp) consumes() []uint32          { return []uint32{o.input} }

type fullyConnectedOp struct {
	input, weights, bias uint32
	output               uint32
	act                  nnapi.FusedActivation
	batch, inputSize     int
	units                int
}

func (o *fullyConnectedOp) opType() nnapi.OperationType { return nnapi.FullyConnected }
func (o *fullyConnectedOp) consumes() []uint32 {
	return []uint32{o.input, o.weights, o.bias}
}

type addOp struct {
	a, b, output uint32
	act          nnapi.FusedActivation
}

func (o *addOp) opType() nnapi.OperationType { return nnapi.Add }
func (o *addOp) consumes() []uint32          { return []uint32{o.a, o.b} }

// eltwiseFor maps a fused activation to the backend eltwise algorithm.
func eltwiseFor(act nnapi.FusedActivation) (dnn.EltwiseAlgorithm, float32, bool) {
	switch act {
	case nnapi.FusedRelu:
		return dnn.EltwiseRelu, 0, true
	case nnapi.FusedRelu6:
		return dnn.EltwiseBoundedRelu, 6, true
	case nnapi.FusedTanh:
		return dnn.EltwiseTanh, 0, true
	case nnapi.FusedSigmoid:
		return dnn.EltwiseLogistic, 0, true
	default:
		return 0, 0, false
	}
}
