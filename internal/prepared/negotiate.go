package prepared

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/samcharles93/dnnhal/internal/dnn"
	"github.com/samcharles93/dnnhal/pkg/nnapi"
)

// ErrBackend wraps failures reported by the math-kernel backend.
var ErrBackend = errors.New("backend failure")

func backendErr(err error) error {
	return fmt.Errorf("%w: %w", ErrBackend, err)
}

func invariant(format string, args ...any) {
	panic(fmt.Sprintf("dnnhal: invariant: "+format, args...))
}

// primary returns the operand's primary view, creating it in format f on
// first use. Constants are viewed in place; model inputs get a driver-owned
// buffer that execution fills from the request.
func (m *Model) primary(o *operand, f dnn.Format) (*dnn.Memory, error) {
	if o.primary != nil {
		return o.primary, nil
	}
	if f.Rank() != len(o.dims) {
		invariant("operand %d of rank %d cannot take format %s", o.index, len(o.dims), f)
	}
	shape := canonicalDims(o.dims, f)
	desc := dnn.NewDesc(shape, o.typ, f)

	var (
		mem *dnn.Memory
		err error
	)
	switch {
	case o.lifetime.IsConstant():
		var b []byte
		if b, err = m.g.value(o.index); err != nil {
			return nil, err
		}
		if len(b) < desc.Size() {
			return nil, fmt.Errorf("%w: operand %d has %d bytes, needs %d", ErrInvalidModel, o.index, len(b), desc.Size())
		}
		mem, err = m.arena.View(desc, b)
	case o.lifetime == nnapi.ModelInput:
		mem, err = m.arena.NewMemory(desc)
	default:
		return nil, fmt.Errorf("%w: operand %d (%s) is consumed before it is produced", ErrInvalidModel, o.index, o.lifetime)
	}
	if err != nil {
		return nil, backendErr(err)
	}
	o.shape = shape
	o.primary = mem
	o.buffer = mem.Bytes()
	return mem, nil
}

// view returns a memory holding o in format f and type t, converting from
// the primary view at most once per (f, t). t == DataTypeUndef accepts any
// type. Constant conversions run immediately; others become steps.
func (m *Model) view(ctx context.Context, o *operand, f dnn.Format, t dnn.DataType) (*dnn.Memory, error) {
	p := o.primary
	if p == nil {
		invariant("operand %d negotiated before its primary view exists", o.index)
	}
	if f.Rank() != len(o.shape) {
		invariant("operand %d of rank %d cannot take format %s", o.index, len(o.shape), f)
	}
	matches := func(mem *dnn.Memory) bool {
		d := mem.Desc()
		return d.Format == f && (t == dnn.DataTypeUndef || d.Type == t)
	}
	if matches(p) {
		return p, nil
	}
	for _, alt := range o.alternates {
		if matches(alt) {
			return alt, nil
		}
	}

	if t == dnn.DataTypeUndef {
		t = p.Desc().Type
	}
	mem, err := m.arena.NewMemory(dnn.NewDesc(o.shape, t, f))
	if err != nil {
		return nil, backendErr(err)
	}
	scale := conversionScale(o.scale, p.Desc().Type, t)
	r, err := dnn.NewReorder(p, mem, scale)
	if err != nil {
		return nil, backendErr(err)
	}
	m.arena.Keep(r)
	if o.lifetime.IsConstant() {
		if err := m.engine.Run(ctx, r); err != nil {
			return nil, backendErr(err)
		}
	} else {
		m.steps = append(m.steps, r)
	}
	m.conversions++
	o.alternates = append(o.alternates, mem)
	m.log.Debug("inserted conversion",
		"operand", o.index,
		"from", p.Desc().String(),
		"to", mem.Desc().String(),
		"scale", scale,
		"eager", o.lifetime.IsConstant(),
	)
	return mem, nil
}

// conversionScale is the multiplier applied when moving a quantized
// operand between its stored type and float32.
func conversionScale(scale float32, from, to dnn.DataType) float32 {
	if scale == 0 || from == to {
		return 0
	}
	switch {
	case to == dnn.F32:
		return scale
	case from == dnn.F32:
		return 1 / scale
	}
	return 0
}

// finalize records mem as the value of the output operand o. Model outputs
// are converted to the interchange format and their declared type,
// requantizing if needed; temporaries keep whatever the producer emitted and
// drop their quantization parameters.
func (m *Model) finalize(o *operand, mem *dnn.Memory) error {
	if o.primary != nil {
		return fmt.Errorf("%w: operand %d produced twice", ErrInvalidModel, o.index)
	}
	shape := slices.Clone(mem.Desc().Dims)
	f := interchangeFormat(len(shape))
	o.dims = logicalDims(shape, f)
	o.shape = shape

	if o.lifetime != nnapi.ModelOutput {
		o.scale, o.zero = 0, 0
		o.typ = mem.Desc().Type
		o.primary = mem
		o.buffer = mem.Bytes()
		return nil
	}

	target := dnn.NewDesc(shape, o.typ, f)
	final := mem
	if !mem.Desc().Equal(target) {
		var err error
		if final, err = m.arena.NewMemory(target); err != nil {
			return backendErr(err)
		}
		r, err := dnn.NewReorder(mem, final, conversionScale(o.scale, mem.Desc().Type, o.typ))
		if err != nil {
			return backendErr(err)
		}
		m.steps = append(m.steps, m.arena.Keep(r))
		o.alternates = append(o.alternates, mem)
	}
	o.primary = final
	o.buffer = final.Bytes()
	return nil
}

// fuse appends the fused activation act after mem and returns its output.
func (m *Model) fuse(act nnapi.FusedActivation, mem *dnn.Memory) (*dnn.Memory, error) {
	if act == nnapi.FusedNone {
		return mem, nil
	}
	alg, alpha, ok := eltwiseFor(act)
	if !ok {
		invariant("fused activation %s passed the check", act)
	}
	dst, err := m.arena.NewMemory(mem.Desc())
	if err != nil {
		return nil, backendErr(err)
	}
	p, err := dnn.NewEltwise(alg, alpha, mem, dst)
	if err != nil {
		return nil, backendErr(err)
	}
	m.steps = append(m.steps, m.arena.Keep(p))
	return dst, nil
}
