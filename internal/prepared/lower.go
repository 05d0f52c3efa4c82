package prepared

import (
	"context"
	"fmt"

	"github.com/samcharles93/dnnhal/internal/dnn"
)

// lower appends the primitives for one checked operation.
func (m *Model) lower(ctx context.Context, op operation) error {
	var err error
	switch op := op.(type) {
	case *convOp:
		err = m.lowerConv(ctx, op)
	case *poolOp:
		err = m.lowerPool(ctx, op)
	case *activationOp:
		err = m.lowerActivation(ctx, op)
	case *concatOp:
		err = m.lowerConcat(ctx, op)
	case *softmaxOp:
		err = m.lowerSoftmax(ctx, op)
	case *lrnOp:
		err = m.lowerLRN(ctx, op)
	case *fullyConnectedOp:
		err = m.lowerFullyConnected(ctx, op)
	case *addOp:
		err = m.lowerAdd(ctx, op)
	default:
		invariant("no lowering for %T", op)
	}
	if err != nil {
		return err
	}
	for _, idx := range op.consumes() {
		if o := m.operands[idx]; o.usesLeft > 0 {
			o.usesLeft--
		}
	}
	return nil
}

// input returns operand idx as f32 in format f, creating its primary view
// in the interchange format if needed.
func (m *Model) input(ctx context.Context, idx uint32, f dnn.Format) (*dnn.Memory, error) {
	o := m.operands[idx]
	if _, err := m.primary(o, interchangeFormat(len(o.dims))); err != nil {
		return nil, err
	}
	return m.view(ctx, o, f, dnn.F32)
}

// inputAsIs is input without a layout preference: the primary view's
// format is kept and only the type is converted.
func (m *Model) inputAsIs(ctx context.Context, idx uint32) (*dnn.Memory, error) {
	o := m.operands[idx]
	p, err := m.primary(o, interchangeFormat(len(o.dims)))
	if err != nil {
		return nil, err
	}
	return m.view(ctx, o, p.Desc().Format, dnn.F32)
}

func (m *Model) newF32(dims []int, f dnn.Format) (*dnn.Memory, error) {
	mem, err := m.arena.NewMemory(dnn.NewDesc(dims, dnn.F32, f))
	if err != nil {
		return nil, backendErr(err)
	}
	return mem, nil
}

func (m *Model) emit(p dnn.Primitive, err error) error {
	if err != nil {
		return backendErr(err)
	}
	m.steps = append(m.steps, m.arena.Keep(p))
	return nil
}

func (m *Model) lowerConv(ctx context.Context, c *convOp) error {
	groups := 1
	filterFormat := dnn.OHWI
	if c.depthwise {
		groups = c.inC
		filterFormat = dnn.IHWO
	}
	if _, err := m.primary(m.operands[c.filter], filterFormat); err != nil {
		return err
	}

	// depthwise weights [C*mult, 1, kh, kw] are read as C groups of mult
	weights := dnn.NewDesc([]int{c.outC, c.inC, c.kh, c.kw}, dnn.F32, dnn.Any)
	if groups > 1 {
		weights = dnn.NewDesc([]int{groups, c.multiplier, 1, c.kh, c.kw}, dnn.F32, dnn.GOIHW)
	}
	pd, err := dnn.NewConvolutionPD(dnn.ConvolutionDesc{
		Src:     dnn.NewDesc([]int{c.batch, c.inC, c.inH, c.inW}, dnn.F32, dnn.Any),
		Weights: weights,
		Bias:    dnn.NewDesc([]int{c.outC}, dnn.F32, dnn.Any),
		Dst:     dnn.NewDesc([]int{c.batch, c.outC, c.outH, c.outW}, dnn.F32, dnn.Any),
		Strides: [2]int{c.strideH, c.strideW},
		PadL:    [2]int{c.pad.top, c.pad.left},
		PadR:    [2]int{c.pad.bottom, c.pad.right},
	})
	if err != nil {
		return backendErr(err)
	}

	src, err := m.input(ctx, c.input, pd.SrcDesc().Format)
	if err != nil {
		return err
	}
	var w *dnn.Memory
	if groups > 1 {
		plain, err := m.view(ctx, m.operands[c.filter], dnn.OIHW, dnn.F32)
		if err != nil {
			return err
		}
		if w, err = m.arena.View(pd.WeightsDesc(), plain.Bytes()); err != nil {
			return backendErr(err)
		}
	} else if w, err = m.view(ctx, m.operands[c.filter], pd.WeightsDesc().Format, dnn.F32); err != nil {
		return err
	}
	bias, err := m.input(ctx, c.bias, pd.BiasDesc().Format)
	if err != nil {
		return err
	}
	dst, err := m.arena.NewMemory(pd.DstDesc())
	if err != nil {
		return backendErr(err)
	}
	if err := m.emit(pd.Primitive(src, w, bias, dst)); err != nil {
		return err
	}
	m.log.Debug("lowered convolution",
		"output", c.output,
		"depthwise", c.depthwise,
		"src", pd.SrcDesc().String(),
		"dst", pd.DstDesc().String(),
	)
	out, err := m.fuse(c.act, dst)
	if err != nil {
		return err
	}
	return m.finalize(m.operands[c.output], out)
}

func (m *Model) lowerPool(ctx context.Context, p *poolOp) error {
	src, err := m.inputAsIs(ctx, p.input)
	if err != nil {
		return err
	}
	sd := src.Desc()
	n, oh, ow, ch := p.outDims[0], p.outDims[1], p.outDims[2], p.outDims[3]
	pd, err := dnn.NewPoolingPD(dnn.PoolingDesc{
		Algorithm: p.alg,
		Src:       sd,
		Dst:       dnn.NewDesc([]int{n, ch, oh, ow}, dnn.F32, dnn.Any),
		Strides:   [2]int{p.strideH, p.strideW},
		Kernel:    [2]int{p.kh, p.kw},
		PadL:      [2]int{p.pad.top, p.pad.left},
		PadR:      [2]int{p.pad.bottom, p.pad.right},
	})
	if err != nil {
		return backendErr(err)
	}
	dst, err := m.arena.NewMemory(pd.DstDesc())
	if err != nil {
		return backendErr(err)
	}
	if err := m.emit(pd.Primitive(src, dst)); err != nil {
		return err
	}
	out, err := m.fuse(p.act, dst)
	if err != nil {
		return err
	}
	return m.finalize(m.operands[p.output], out)
}

func (m *Model) lowerActivation(ctx context.Context, a *activationOp) error {
	src, err := m.inputAsIs(ctx, a.input)
	if err != nil {
		return err
	}
	dst, err := m.arena.NewMemory(src.Desc())
	if err != nil {
		return backendErr(err)
	}
	if err := m.emit(dnn.NewEltwise(a.alg, a.alpha, src, dst)); err != nil {
		return err
	}
	return m.finalize(m.operands[a.output], dst)
}

// planarFormat is the plain channel-major format used by operations that
// need every input in one shared layout.
func planarFormat(rank int) dnn.Format {
	switch rank {
	case 1:
		return dnn.X
	case 2:
		return dnn.NC
	case 4:
		return dnn.NCHW
	}
	invariant("no planar format for rank %d", rank)
	return dnn.FormatUndef
}

// canonicalAxis maps an axis of a logical NHWC tensor to n,c,h,w order.
func canonicalAxis(axis, rank int) int {
	if rank != 4 || axis == 0 {
		return axis
	}
	return axis%3 + 1
}

func (m *Model) lowerConcat(ctx context.Context, c *concatOp) error {
	rank := len(c.outDims)
	f := planarFormat(rank)
	srcs := make([]*dnn.Memory, len(c.inputs))
	descs := make([]dnn.Desc, len(c.inputs))
	for i, idx := range c.inputs {
		mem, err := m.input(ctx, idx, f)
		if err != nil {
			return err
		}
		srcs[i], descs[i] = mem, mem.Desc()
	}
	pd, err := dnn.NewConcatPD(canonicalAxis(c.axis, rank), dnn.Any, descs)
	if err != nil {
		return backendErr(err)
	}
	dst, err := m.arena.NewMemory(pd.DstDesc())
	if err != nil {
		return backendErr(err)
	}
	if err := m.emit(pd.Primitive(srcs, dst)); err != nil {
		return err
	}
	m.log.Debug("lowered concatenation", "output", c.output, "inputs", len(srcs), "axis", pd.Axis())
	return m.finalize(m.operands[c.output], dst)
}

func (m *Model) lowerSoftmax(ctx context.Context, s *softmaxOp) error {
	src, err := m.inputAsIs(ctx, s.input)
	if err != nil {
		return err
	}
	dst, err := m.arena.NewMemory(src.Desc())
	if err != nil {
		return backendErr(err)
	}
	// the channel axis is 1 in canonical order for both ranks
	if err := m.emit(dnn.NewSoftmax(1, src, dst)); err != nil {
		return err
	}
	return m.finalize(m.operands[s.output], dst)
}

func (m *Model) lowerLRN(ctx context.Context, l *lrnOp) error {
	src, err := m.inputAsIs(ctx, l.input)
	if err != nil {
		return err
	}
	dst, err := m.arena.NewMemory(src.Desc())
	if err != nil {
		return backendErr(err)
	}
	size := 2*l.radius + 1
	d := dnn.LRNDesc{
		LocalSize: size,
		Alpha:     l.alpha * float32(size),
		Beta:      l.beta,
		K:         l.bias,
	}
	if err := m.emit(dnn.NewLRN(d, src, dst)); err != nil {
		return err
	}
	return m.finalize(m.operands[l.output], dst)
}

func (m *Model) lowerFullyConnected(ctx context.Context, f *fullyConnectedOp) error {
	var (
		src *dnn.Memory
		err error
	)
	in := m.operands[f.input]
	if len(in.dims) == 4 {
		// [N,1,1,C] in a plain layout is already [N,C] in memory
		plain, err := m.input(ctx, f.input, dnn.NHWC)
		if err != nil {
			return err
		}
		if src, err = m.arena.View(dnn.NewDesc([]int{f.batch, f.inputSize}, dnn.F32, dnn.NC), plain.Bytes()); err != nil {
			return backendErr(err)
		}
	} else if src, err = m.input(ctx, f.input, dnn.NC); err != nil {
		return err
	}
	weights, err := m.input(ctx, f.weights, dnn.NC)
	if err != nil {
		return err
	}
	bias, err := m.input(ctx, f.bias, dnn.X)
	if err != nil {
		return err
	}
	pd, err := dnn.NewInnerProductPD(src.Desc(), weights.Desc(), bias.Desc(),
		dnn.NewDesc([]int{f.batch, f.units}, dnn.F32, dnn.Any))
	if err != nil {
		return backendErr(err)
	}
	dst, err := m.arena.NewMemory(pd.DstDesc())
	if err != nil {
		return backendErr(err)
	}
	if err := m.emit(pd.Primitive(src, weights, bias, dst)); err != nil {
		return err
	}
	out, err := m.fuse(f.act, dst)
	if err != nil {
		return err
	}
	return m.finalize(m.operands[f.output], out)
}

func (m *Model) lowerAdd(ctx context.Context, a *addOp) error {
	lhs, err := m.inputAsIs(ctx, a.a)
	if err != nil {
		return err
	}
	rhs, err := m.input(ctx, a.b, lhs.Desc().Format)
	if err != nil {
		return err
	}
	if !rhs.Desc().Equal(lhs.Desc()) {
		return fmt.Errorf("%w: add operands %s and %s", ErrBackend, lhs.Desc(), rhs.Desc())
	}
	dst, err := m.arena.NewMemory(lhs.Desc())
	if err != nil {
		return backendErr(err)
	}
	if err := m.emit(dnn.NewSum([]float32{1, 1}, []*dnn.Memory{lhs, rhs}, dst)); err != nil {
		return err
	}
	out, err := m.fuse(a.act, dst)
	if err != nil {
		return err
	}
	return m.finalize(m.operands[a.output], out)
}
