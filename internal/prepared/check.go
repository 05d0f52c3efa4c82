package prepared

import (
	"github.com/samcharles93/dnnhal/internal/dnn"
	"github.com/samcharles93/dnnhal/pkg/nnapi"
)

// check parses op and applies every acceptance rule. Both the capability
// query and lowering go through it, so an operation accepted here always
// lowers and one rejected here never does.
func (g *graph) check(op nnapi.Operation) (operation, error) {
	if len(op.Outputs) != 1 {
		return nil, unsupported("%s has %d outputs, want 1", op.Type, len(op.Outputs))
	}
	switch op.Type {
	case nnapi.Conv2D, nnapi.DepthwiseConv2D:
		return g.checkConv(op)
	case nnapi.AveragePool2D, nnapi.MaxPool2D:
		return g.checkPool(op)
	case nnapi.Relu, nnapi.Relu6, nnapi.Logistic, nnapi.Tanh:
		return g.checkActivation(op)
	case nnapi.Concatenation:
		return g.checkConcat(op)
	case nnapi.Softmax:
		return g.checkSoftmax(op)
	case nnapi.LocalResponseNormalization:
		return g.checkLRN(op)
	case nnapi.FullyConnected:
		return g.checkFullyConnected(op)
	case nnapi.Add:
		return g.checkAdd(op)
	default:
		return nil, unsupported("operation type %s", op.Type)
	}
}

func (g *graph) checkConv(op nnapi.Operation) (operation, error) {
	depthwise := op.Type == nnapi.DepthwiseConv2D
	explicitArity, implicitArity := 10, 7
	if depthwise {
		explicitArity, implicitArity = 11, 8
	}
	in := op.Inputs
	if len(in) != explicitArity && len(in) != implicitArity {
		return nil, unsupported("%s has %d inputs, want %d or %d", op.Type, len(in), explicitArity, implicitArity)
	}
	c := &convOp{depthwise: depthwise, input: in[0], filter: in[1], bias: in[2], output: op.Outputs[0]}

	inDims, err := g.tensor(c.input, 4)
	if err != nil {
		return nil, err
	}
	filterDims, err := g.tensor(c.filter, 4)
	if err != nil {
		return nil, err
	}
	biasDims, err := g.tensor(c.bias, 1)
	if err != nil {
		return nil, err
	}
	if !g.operand(c.filter).Lifetime.IsConstant() || !g.operand(c.bias).Lifetime.IsConstant() {
		return nil, unsupported("%s filter and bias must be constant", op.Type)
	}
	c.batch, c.inH, c.inW, c.inC = inDims[0], inDims[1], inDims[2], inDims[3]
	c.kh, c.kw = filterDims[1], filterDims[2]

	// explicit: pads at 3..6, strides next; implicit: scheme at 3
	next := 4
	if len(in) == explicitArity {
		if c.pad.left, err = g.intAt(in[3], "padding left", 0); err != nil {
			return nil, err
		}
		if c.pad.right, err = g.intAt(in[4], "padding right", 0); err != nil {
			return nil, err
		}
		if c.pad.top, err = g.intAt(in[5], "padding top", 0); err != nil {
			return nil, err
		}
		if c.pad.bottom, err = g.intAt(in[6], "padding bottom", 0); err != nil {
			return nil, err
		}
		next = 7
	}
	if c.strideW, err = g.intAt(in[next], "stride width", 1); err != nil {
		return nil, err
	}
	if c.strideH, err = g.intAt(in[next+1], "stride height", 1); err != nil {
		return nil, err
	}
	next += 2
	if depthwise {
		if c.multiplier, err = g.intAt(in[next], "depth multiplier", 1); err != nil {
			return nil, err
		}
		next++
	}
	if c.act, err = g.activationAt(in[next]); err != nil {
		return nil, err
	}
	if len(in) == implicitArity {
		scheme, err := g.int32At(in[3])
		if err != nil {
			return nil, err
		}
		if c.pad, err = implicitPadding(int(scheme), c.inH, c.inW, c.strideH, c.strideW, c.kh, c.kw); err != nil {
			return nil, err
		}
	}

	if depthwise {
		// filter is [1, kh, kw, channels*multiplier]
		if filterDims[0] != 1 {
			return nil, unsupported("depthwise filter dimension 0 is %d, want 1", filterDims[0])
		}
		c.outC = filterDims[3]
		if c.outC != c.inC*c.multiplier {
			return nil, unsupported("depthwise filter has %d output channels, want %d*%d", c.outC, c.inC, c.multiplier)
		}
	} else {
		// filter is [out, kh, kw, in]
		c.outC = filterDims[0]
		if filterDims[3] != c.inC {
			return nil, unsupported("convolution filter has %d input channels, input has %d", filterDims[3], c.inC)
		}
	}
	if biasDims[0] != c.outC {
		return nil, unsupported("bias has %d elements, want %d", biasDims[0], c.outC)
	}
	if c.kh > c.inH+c.pad.top+c.pad.bottom || c.kw > c.inW+c.pad.left+c.pad.right {
		return nil, unsupported("filter %dx%d larger than padded input", c.kh, c.kw)
	}
	c.outH = outSize(c.inH, c.kh, c.strideH, c.pad.top, c.pad.bottom)
	c.outW = outSize(c.inW, c.kw, c.strideW, c.pad.left, c.pad.right)
	if err := g.output(c.output, []int{c.batch, c.outH, c.outW, c.outC}); err != nil {
		return nil, err
	}
	return c, nil
}

func (g *graph) checkPool(op nnapi.Operation) (operation, error) {
	in := op.Inputs
	if len(in) != 10 && len(in) != 7 {
		return nil, unsupported("%s has %d inputs, want 10 or 7", op.Type, len(in))
	}
	p := &poolOp{alg: dnn.PoolAvg, input: in[0], output: op.Outputs[0]}
	if op.Type == nnapi.MaxPool2D {
		p.alg = dnn.PoolMax
	}
	dims, err := g.tensor(p.input, 4)
	if err != nil {
		return nil, err
	}
	n, h, w, ch := dims[0], dims[1], dims[2], dims[3]

	next := 2
	if len(in) == 10 {
		if p.pad.left, err = g.intAt(in[1], "padding left", 0); err != nil {
			return nil, err
		}
		if p.pad.right, err = g.intAt(in[2], "padding right", 0); err != nil {
			return nil, err
		}
		if p.pad.top, err = g.intAt(in[3], "padding top", 0); err != nil {
			return nil, err
		}
		if p.pad.bottom, err = g.intAt(in[4], "padding bottom", 0); err != nil {
			return nil, err
		}
		next = 5
	}
	if p.strideW, err = g.intAt(in[next], "stride width", 1); err != nil {
		return nil, err
	}
	if p.strideH, err = g.intAt(in[next+1], "stride height", 1); err != nil {
		return nil, err
	}
	if p.kw, err = g.intAt(in[next+2], "filter width", 1); err != nil {
		return nil, err
	}
	if p.kh, err = g.intAt(in[next+3], "filter height", 1); err != nil {
		return nil, err
	}
	if p.act, err = g.activationAt(in[next+4]); err != nil {
		return nil, err
	}
	if len(in) == 7 {
		scheme, err := g.int32At(in[1])
		if err != nil {
			return nil, err
		}
		if p.pad, err = implicitPadding(int(scheme), h, w, p.strideH, p.strideW, p.kh, p.kw); err != nil {
			return nil, err
		}
	}
	if p.kh > h+p.pad.top+p.pad.bottom || p.kw > w+p.pad.left+p.pad.right {
		return nil, unsupported("pool window %dx%d larger than padded input", p.kh, p.kw)
	}
	if p.pad.top >= p.kh || p.pad.bottom >= p.kh || p.pad.left >= p.kw || p.pad.right >= p.kw {
		return nil, unsupported("pool padding must be smaller than the window")
	}
	p.outDims = []int{
		n,
		outSize(h, p.kh, p.strideH, p.pad.top, p.pad.bottom),
		outSize(w, p.kw, p.strideW, p.pad.left, p.pad.right),
		ch,
	}
	if err := g.output(p.output, p.outDims); err != nil {
		return nil, err
	}
	return p, nil
}

func (g *graph) checkActivation(op nnapi.Operation) (operation, error) {
	if len(op.Inputs) != 1 {
		return nil, unsupported("%s has %d inputs, want 1", op.Type, len(op.Inputs))
	}
	a := &activationOp{typ: op.Type, input: op.Inputs[0], output: op.Outputs[0]}
	switch op.Type {
	case nnapi.Relu:
		a.alg = dnn.EltwiseRelu
	case nnapi.Relu6:
		a.alg, a.alpha = dnn.EltwiseBoundedRelu, 6
	case nnapi.Logistic:
		a.alg = dnn.EltwiseLogistic
	case nnapi.Tanh:
		a.alg = dnn.EltwiseTanh
	}
	dims, err := g.tensor(a.input, 1, 2, 4)
	if err != nil {
		return nil, err
	}
	if err := g.output(a.output, dims); err != nil {
		return nil, err
	}
	return a, nil
}

func (g *graph) checkConcat(op nnapi.Operation) (operation, error) {
	if len(op.Inputs) < 2 {
		return nil, unsupported("concatenation has %d inputs, want at least 2", len(op.Inputs))
	}
	c := &concatOp{inputs: op.Inputs[:len(op.Inputs)-1], output: op.Outputs[0]}
	axis, err := g.int32At(op.Inputs[len(op.Inputs)-1])
	if err != nil {
		return nil, err
	}
	var first []int
	firstType := g.operand(c.inputs[0]).Type
	for i, idx := range c.inputs {
		dims, err := g.tensor(idx, 1, 2, 4)
		if err != nil {
			return nil, err
		}
		if g.operand(idx).Type != firstType {
			return nil, unsupported("concatenation input %d is %s, input 0 is %s", i, g.operand(idx).Type, firstType)
		}
		if i == 0 {
			first = dims
			if axis < 0 || int(axis) >= len(dims) {
				return nil, unsupported("concatenation axis %d for rank %d", axis, len(dims))
			}
			c.axis = int(axis)
			c.outDims = append([]int(nil), dims...)
			continue
		}
		if len(dims) != len(first) {
			return nil, unsupported("concatenation input %d has rank %d, want %d", i, len(dims), len(first))
		}
		for d := range dims {
			if d == c.axis {
				c.outDims[d] += dims[d]
			} else if dims[d] != first[d] {
				return nil, unsupported("concatenation input %d dimension %d is %d, want %d", i, d, dims[d], first[d])
			}
		}
	}
	if err := g.output(c.output, c.outDims); err != nil {
		return nil, err
	}
	return c, nil
}

func (g *graph) checkSoftmax(op nnapi.Operation) (operation, error) {
	if len(op.Inputs) != 2 {
		return nil, unsupported("softmax has %d inputs, want 2", len(op.Inputs))
	}
	s := &softmaxOp{input: op.Inputs[0], output: op.Outputs[0]}
	dims, err := g.tensor(s.input, 2, 4)
	if err != nil {
		return nil, err
	}
	if s.beta, err = g.float32At(op.Inputs[1]); err != nil {
		return nil, err
	}
	if s.beta != 1 {
		return nil, unsupported("softmax beta %g, only 1 is supported", s.beta)
	}
	if err := g.output(s.output, dims); err != nil {
		return nil, err
	}
	return s, nil
}

func (g *graph) checkLRN(op nnapi.Operation) (operation, error) {
	if len(op.Inputs) != 5 {
		return nil, unsupported("local response normalization has %d inputs, want 5", len(op.Inputs))
	}
	l := &lrnOp{input: op.Inputs[0], output: op.Outputs[0]}
	dims, err := g.tensor(l.input, 4)
	if err != nil {
		return nil, err
	}
	if l.radius, err = g.intAt(op.Inputs[1], "radius", 0); err != nil {
		return nil, err
	}
	if l.bias, err = g.float32At(op.Inputs[2]); err != nil {
		return nil, err
	}
	if l.alpha, err = g.float32At(op.Inputs[3]); err != nil {
		return nil, err
	}
	if l.beta, err = g.float32At(op.Inputs[4]); err != nil {
		return nil, err
	}
	if err := g.output(l.output, dims); err != nil {
		return nil, err
	}
	return l, nil
}

func (g *graph) checkFullyConnected(op nnapi.Operation) (operation, error) {
	if len(op.Inputs) != 4 {
		return nil, unsupported("fully connected has %d inputs, want 4", len(op.Inputs))
	}
	f := &fullyConnectedOp{input: op.Inputs[0], weights: op.Inputs[1], bias: op.Inputs[2], output: op.Outputs[0]}
	inDims, err := g.tensor(f.input, 2, 4)
	if err != nil {
		return nil, err
	}
	wDims, err := g.tensor(f.weights, 2)
	if err != nil {
		return nil, err
	}
	bDims, err := g.tensor(f.bias, 1)
	if err != nil {
		return nil, err
	}
	if f.act, err = g.activationAt(op.Inputs[3]); err != nil {
		return nil, err
	}
	f.batch, f.inputSize = inDims[0], inDims[len(inDims)-1]
	if len(inDims) == 4 && (inDims[1] != 1 || inDims[2] != 1) {
		return nil, unsupported("fully connected 4-D input %v must have unit spatial dims", inDims)
	}
	f.units = wDims[0]
	if wDims[1] != f.inputSize {
		return nil, unsupported("fully connected weights take %d features, input has %d", wDims[1], f.inputSize)
	}
	if bDims[0] != f.units {
		return nil, unsupported("fully connected bias has %d elements, want %d", bDims[0], f.units)
	}
	if err := g.output(f.output, []int{f.batch, f.units}); err != nil {
		return nil, err
	}
	return f, nil
}

func (g *graph) checkAdd(op nnapi.Operation) (operation, error) {
	if len(op.Inputs) != 3 {
		return nil, unsupported("add has %d inputs, want 3", len(op.Inputs))
	}
	a := &addOp{a: op.Inputs[0], b: op.Inputs[1], output: op.Outputs[0]}
	aDims, err := g.tensor(a.a, 1, 2, 4)
	if err != nil {
		return nil, err
	}
	bDims, err := g.tensor(a.b, 1, 2, 4)
	if err != nil {
		return nil, err
	}
	if len(aDims) != len(bDims) {
		return nil, unsupported("add inputs have ranks %d and %d", len(aDims), len(bDims))
	}
	for i := range aDims {
		if aDims[i] != bDims[i] {
			return nil, unsupported("add inputs differ in dimension %d: %d vs %d", i, aDims[i], bDims[i])
		}
	}
	if a.act, err = g.activationAt(op.Inputs[2]); err != nil {
		return nil, err
	}
	if err := g.output(a.output, aDims); err != nil {
		return nil, err
	}
	return a, nil
}
