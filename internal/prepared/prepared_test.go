package prepared

import (
	"bytes"
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/samcharles93/dnnhal/internal/dnn"
	"github.com/samcharles93/dnnhal/internal/mempool"
	"github.com/samcharles93/dnnhal/pkg/nnapi"
)

func newEngine() *dnn.Engine {
	return dnn.NewEngine(dnn.EngineConfig{Threads: 2}, nil)
}

func compile(t *testing.T, model *nnapi.Model, opts Options) *Model {
	t.Helper()
	m := New(model, newEngine(), opts, nil)
	if err := m.Compile(context.Background()); err != nil {
		t.Fatalf("Compile: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

// execute runs one request backed by a single shared pool holding the
// inputs followed by zeroed output slots.
func execute(t *testing.T, m *Model, inputs [][]byte, outSizes []int) [][]byte {
	t.Helper()
	var data []byte
	req := &nnapi.Request{}
	for _, in := range inputs {
		req.Inputs = append(req.Inputs, nnapi.RequestArgument{
			Location: nnapi.DataLocation{Offset: uint32(len(data)), Length: uint32(len(in))},
		})
		data = append(data, in...)
	}
	offsets := make([]int, len(outSizes))
	for i, n := range outSizes {
		offsets[i] = len(data)
		req.Outputs = append(req.Outputs, nnapi.RequestArgument{
			Location: nnapi.DataLocation{Offset: uint32(len(data)), Length: uint32(n)},
		})
		data = append(data, make([]byte, n)...)
	}
	mems, closer, err := mempool.Materialize([]nnapi.Memory{{Data: data}})
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	defer closer.Close()
	req.Pools = mems
	pools, err := mempool.MapAll(mems)
	if err != nil {
		t.Fatalf("MapAll: %v", err)
	}
	defer pools.Close()

	if err := m.Execute(context.Background(), req, pools); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	out := make([][]byte, len(outSizes))
	for i, n := range outSizes {
		out[i] = bytes.Clone(pools[0].Bytes()[offsets[i] : offsets[i]+n])
	}
	return out
}

func near(got, want []float32) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if math.Abs(float64(got[i]-want[i])) > 1e-5 {
			return false
		}
	}
	return true
}

func TestSamePaddingCoversInput(t *testing.T) {
	t.Parallel()
	for in := 1; in <= 12; in++ {
		for stride := 1; stride <= 3; stride++ {
			for filter := 1; filter <= 5; filter++ {
				head, tail := samePadding(in, stride, filter)
				want := (in + stride - 1) / stride
				if got := outSize(in, filter, stride, head, tail); got != want {
					t.Fatalf("in=%d stride=%d filter=%d: got %d want %d", in, stride, filter, got, want)
				}
				if head > tail || tail-head > 1 {
					t.Fatalf("in=%d stride=%d filter=%d: unbalanced padding %d/%d", in, stride, filter, head, tail)
				}
			}
		}
	}
}

func TestImplicitPadding(t *testing.T) {
	t.Parallel()
	p, err := implicitPadding(paddingSame, 5, 5, 2, 2, 3, 3)
	if err != nil {
		t.Fatal(err)
	}
	if p != (padding{top: 1, bottom: 1, left: 1, right: 1}) {
		t.Fatalf("same: got %+v", p)
	}
	if p, _ := implicitPadding(paddingValid, 5, 5, 2, 2, 3, 3); p != (padding{}) {
		t.Fatalf("valid: got %+v", p)
	}
	if _, err := implicitPadding(7, 5, 5, 1, 1, 1, 1); !errors.Is(err, ErrUnsupportedOperation) {
		t.Fatalf("unknown scheme: got %v", err)
	}
}

func TestViewIsMemoized(t *testing.T) {
	t.Parallel()
	b := nnapi.NewBuilder()
	b.AddInput(nnapi.TensorFloat32, 1, 2, 2, 3)
	model := b.Build()

	m := New(model, newEngine(), Options{}, nil)
	defer m.Close()
	o := newOperand(0, &model.Operands[0])
	m.operands = []*operand{o}
	ctx := context.Background()

	p, err := m.primary(o, dnn.NHWC)
	if err != nil {
		t.Fatalf("primary: %v", err)
	}
	if !slices.Equal(o.shape, []int{1, 3, 2, 2}) {
		t.Fatalf("canonical shape: got %v", o.shape)
	}
	v1, err := m.view(ctx, o, dnn.NCHW, dnn.F32)
	if err != nil {
		t.Fatal(err)
	}
	v2, err := m.view(ctx, o, dnn.NCHW, dnn.F32)
	if err != nil {
		t.Fatal(err)
	}
	if v1 != v2 {
		t.Fatal("second view allocated a new memory")
	}
	if v, _ := m.view(ctx, o, dnn.NHWC, dnn.DataTypeUndef); v != p {
		t.Fatal("wildcard view did not return the primary")
	}
	if len(m.steps) != 1 || m.conversions != 1 {
		t.Fatalf("steps=%d conversions=%d, want 1/1", len(m.steps), m.conversions)
	}
}

func TestConstantViewConvertsEagerly(t *testing.T) {
	t.Parallel()
	b := nnapi.NewBuilder()
	// OHWI [2,1,1,3]
	b.AddFloat32Tensor([]uint32{2, 1, 1, 3}, []float32{1, 2, 3, 4, 5, 6})
	model := b.Build()

	m := New(model, newEngine(), Options{}, nil)
	defer m.Close()
	o := newOperand(0, &model.Operands[0])
	m.operands = []*operand{o}
	if _, err := m.primary(o, dnn.OHWI); err != nil {
		t.Fatal(err)
	}
	v, err := m.view(context.Background(), o, dnn.OIHW, dnn.F32)
	if err != nil {
		t.Fatal(err)
	}
	if len(m.steps) != 0 {
		t.Fatalf("constant conversion queued %d steps", len(m.steps))
	}
	if got := v.Float32s(); !near(got, []float32{1, 2, 3, 4, 5, 6}) {
		t.Fatalf("1x1 filter reorder: got %v", got)
	}
}

func fullyConnectedModel(act nnapi.FusedActivation) *nnapi.Model {
	b := nnapi.NewBuilder()
	in := b.AddInput(nnapi.TensorFloat32, 1, 3)
	w := b.AddFloat32Tensor([]uint32{2, 3}, []float32{1, 0, 1, 0.5, 0.5, 0.5})
	bias := b.AddFloat32Tensor([]uint32{2}, []float32{0.5, 1.5})
	a := b.AddInt32(int32(act))
	out := b.AddOutput(nnapi.TensorFloat32, 1, 2)
	b.AddOperation(nnapi.FullyConnected, []uint32{in, w, bias, a}, []uint32{out})
	return b.Build()
}

func TestFullyConnected(t *testing.T) {
	t.Parallel()
	m := compile(t, fullyConnectedModel(nnapi.FusedNone), Options{})
	out := execute(t, m, [][]byte{nnapi.EncodeFloat32s([]float32{1, 2, 3})}, []int{8})
	if got := nnapi.DecodeFloat32s(out[0]); !near(got, []float32{4.5, 4.5}) {
		t.Fatalf("output: got %v want [4.5 4.5]", got)
	}
}

func TestExecuteTwice(t *testing.T) {
	t.Parallel()
	m := compile(t, fullyConnectedModel(nnapi.FusedRelu), Options{})
	first := execute(t, m, [][]byte{nnapi.EncodeFloat32s([]float32{1, 2, 3})}, []int{8})
	second := execute(t, m, [][]byte{nnapi.EncodeFloat32s([]float32{-10, 0, 0})}, []int{8})
	if got := nnapi.DecodeFloat32s(first[0]); !near(got, []float32{4.5, 4.5}) {
		t.Fatalf("first run: got %v", got)
	}
	// -10+0.5 clamps to 0; -5+1.5 clamps to 0
	if got := nnapi.DecodeFloat32s(second[0]); !near(got, []float32{0, 0}) {
		t.Fatalf("second run: got %v", got)
	}
}

func TestSignature(t *testing.T) {
	t.Parallel()
	m := New(fullyConnectedModel(nnapi.FusedNone), newEngine(), Options{}, nil)
	if in, out := m.Signature(); in != nil || out != nil {
		t.Fatalf("signature before compile: %v %v", in, out)
	}
	if err := m.Compile(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer m.Close()
	in, out := m.Signature()
	if len(in) != 1 || in[0].Bytes != 12 || !slices.Equal(in[0].Dims, []int{1, 3}) {
		t.Fatalf("inputs: %+v", in)
	}
	if len(out) != 1 || out[0].Bytes != 8 || out[0].Type != nnapi.TensorFloat32 || !slices.Equal(out[0].Dims, []int{1, 2}) {
		t.Fatalf("outputs: %+v", out)
	}

	l := NewRequestLayout(in, out)
	if l.Size != 20 || l.Inputs[0] != 0 || l.Outputs[0] != 12 {
		t.Fatalf("layout: %+v", l)
	}
	req := l.Request(in, out, nnapi.Memory{Name: nnapi.MemoryAshmem, Size: 20})
	if err := nnapi.ValidateRequest(req, m.Model()); err != nil {
		t.Fatalf("layout request: %v", err)
	}
}

func TestFullyConnectedFlattensUnitSpatialInput(t *testing.T) {
	t.Parallel()
	b := nnapi.NewBuilder()
	in := b.AddInput(nnapi.TensorFloat32, 2, 1, 1, 3)
	w := b.AddFloat32Tensor([]uint32{1, 3}, []float32{1, 1, 1})
	bias := b.AddFloat32Tensor([]uint32{1}, []float32{0})
	a := b.AddInt32(0)
	out := b.AddOutput(nnapi.TensorFloat32, 2, 1)
	b.AddOperation(nnapi.FullyConnected, []uint32{in, w, bias, a}, []uint32{out})
	m := compile(t, b.Build(), Options{})

	res := execute(t, m, [][]byte{nnapi.EncodeFloat32s([]float32{1, 2, 3, 4, 5, 6})}, []int{8})
	if got := nnapi.DecodeFloat32s(res[0]); !near(got, []float32{6, 15}) {
		t.Fatalf("output: got %v want [6 15]", got)
	}
}

func TestConvolutionValid(t *testing.T) {
	t.Parallel()
	b := nnapi.NewBuilder()
	in := b.AddInput(nnapi.TensorFloat32, 1, 3, 3, 1)
	filter := b.AddFloat32Tensor([]uint32{1, 2, 2, 1}, []float32{1, 1, 1, 1})
	bias := b.AddFloat32Tensor([]uint32{1}, []float32{0})
	scheme := b.AddInt32(paddingValid)
	one := b.AddInt32(1)
	act := b.AddInt32(0)
	out := b.AddOutput(nnapi.TensorFloat32, 1, 2, 2, 1)
	b.AddOperation(nnapi.Conv2D, []uint32{in, filter, bias, scheme, one, one, act}, []uint32{out})
	m := compile(t, b.Build(), Options{})

	res := execute(t, m, [][]byte{nnapi.EncodeFloat32s([]float32{1, 2, 3, 4, 5, 6, 7, 8, 9})}, []int{16})
	if got := nnapi.DecodeFloat32s(res[0]); !near(got, []float32{12, 16, 24, 28}) {
		t.Fatalf("output: got %v want [12 16 24 28]", got)
	}
}

func convModel(channels uint32) (*nnapi.Model, uint32) {
	b := nnapi.NewBuilder()
	in := b.AddInput(nnapi.TensorFloat32, 1, 2, 2, channels)
	weights := make([]float32, channels*channels)
	for i := range channels {
		weights[i*channels+i] = 1
	}
	filter := b.AddFloat32Tensor([]uint32{channels, 1, 1, channels}, weights)
	bias := b.AddFloat32Tensor([]uint32{channels}, make([]float32, channels))
	scheme := b.AddInt32(paddingSame)
	one := b.AddInt32(1)
	act := b.AddInt32(0)
	out := b.AddOutput(nnapi.TensorFloat32, 1, 2, 2, channels)
	b.AddOperation(nnapi.Conv2D, []uint32{in, filter, bias, scheme, one, one, act}, []uint32{out})
	return b.Build(), out
}

func TestConvolutionLayoutChoice(t *testing.T) {
	t.Parallel()
	tests := []struct {
		channels uint32
		want     dnn.Format
	}{
		{7, dnn.NCHW},
		{8, dnn.NChw8c},
		{16, dnn.NChw8c},
	}
	for _, tc := range tests {
		model, out := convModel(tc.channels)
		m := compile(t, model, Options{})
		o := m.operands[out]
		if len(o.alternates) != 1 {
			t.Fatalf("%d channels: %d alternates on the output", tc.channels, len(o.alternates))
		}
		if got := o.alternates[0].Desc().Format; got != tc.want {
			t.Fatalf("%d channels: conv produced %s want %s", tc.channels, got, tc.want)
		}
		if got := o.primary.Desc().Format; got != dnn.NHWC {
			t.Fatalf("%d channels: model output in %s", tc.channels, got)
		}

		n := int(tc.channels) * 4
		input := make([]float32, n)
		for i := range input {
			input[i] = float32(i)
		}
		res := execute(t, m, [][]byte{nnapi.EncodeFloat32s(input)}, []int{4 * n})
		if got := nnapi.DecodeFloat32s(res[0]); !near(got, input) {
			t.Fatalf("%d channels: identity conv got %v", tc.channels, got)
		}
	}
}

func TestDepthwiseConvolution(t *testing.T) {
	t.Parallel()
	b := nnapi.NewBuilder()
	in := b.AddInput(nnapi.TensorFloat32, 1, 2, 2, 2)
	filter := b.AddFloat32Tensor([]uint32{1, 1, 1, 4}, []float32{1, 2, 3, 4})
	bias := b.AddFloat32Tensor([]uint32{4}, []float32{0, 0, 0, 1})
	scheme := b.AddInt32(paddingValid)
	one := b.AddInt32(1)
	mult := b.AddInt32(2)
	act := b.AddInt32(0)
	out := b.AddOutput(nnapi.TensorFloat32, 1, 2, 2, 4)
	b.AddOperation(nnapi.DepthwiseConv2D, []uint32{in, filter, bias, scheme, one, one, mult, act}, []uint32{out})
	m := compile(t, b.Build(), Options{})

	var input, want []float32
	for p := range 4 {
		x, y := float32(p+1), float32(10*(p+1))
		input = append(input, x, y)
		want = append(want, x, 2*x, 3*y, 4*y+1)
	}
	res := execute(t, m, [][]byte{nnapi.EncodeFloat32s(input)}, []int{64})
	if got := nnapi.DecodeFloat32s(res[0]); !near(got, want) {
		t.Fatalf("output: got %v want %v", got, want)
	}
}

func TestConcatenationChannelAxis(t *testing.T) {
	t.Parallel()
	b := nnapi.NewBuilder()
	x := b.AddInput(nnapi.TensorFloat32, 1, 2, 3, 4)
	y := b.AddInput(nnapi.TensorFloat32, 1, 2, 3, 4)
	axis := b.AddInt32(3)
	out := b.AddOutput(nnapi.TensorFloat32, 0, 0, 0, 0)
	b.AddOperation(nnapi.Concatenation, []uint32{x, y, axis}, []uint32{out})
	m := compile(t, b.Build(), Options{})

	if got := m.operands[out].dims; !slices.Equal(got, []int{1, 2, 3, 8}) {
		t.Fatalf("output dims: got %v want [1 2 3 8]", got)
	}
	a, c := make([]float32, 24), make([]float32, 24)
	for i := range a {
		a[i], c[i] = float32(i), float32(100+i)
	}
	res := execute(t, m, [][]byte{nnapi.EncodeFloat32s(a), nnapi.EncodeFloat32s(c)}, []int{48 * 4})
	got := nnapi.DecodeFloat32s(res[0])
	for pix := range 6 {
		for ch := range 8 {
			want := a[pix*4+ch%4]
			if ch >= 4 {
				want = c[pix*4+ch-4]
			}
			if v := got[pix*8+ch]; v != want {
				t.Fatalf("pixel %d channel %d: got %v want %v", pix, ch, v, want)
			}
		}
	}
}

func TestPoolingAndSoftmaxChain(t *testing.T) {
	t.Parallel()
	b := nnapi.NewBuilder()
	in := b.AddInput(nnapi.TensorFloat32, 1, 2, 2, 2)
	scheme := b.AddInt32(paddingValid)
	one := b.AddInt32(1)
	two := b.AddInt32(2)
	act := b.AddInt32(0)
	pooled := b.AddTensor(nnapi.TensorFloat32, 1, 1, 1, 2)
	b.AddOperation(nnapi.MaxPool2D, []uint32{in, scheme, one, one, two, two, act}, []uint32{pooled})
	beta := b.AddFloat32(1)
	out := b.AddOutput(nnapi.TensorFloat32, 1, 1, 1, 2)
	b.AddOperation(nnapi.Softmax, []uint32{pooled, beta}, []uint32{out})
	m := compile(t, b.Build(), Options{})

	// channel maxima are 4 and 4+ln(3)
	ln3 := float32(math.Log(3))
	input := []float32{1, 2, 4, 4 + ln3, 3, 0, 2, 1}
	res := execute(t, m, [][]byte{nnapi.EncodeFloat32s(input)}, []int{8})
	if got := nnapi.DecodeFloat32s(res[0]); !near(got, []float32{0.25, 0.75}) {
		t.Fatalf("output: got %v want [0.25 0.75]", got)
	}
}

func TestLocalResponseNormalization(t *testing.T) {
	t.Parallel()
	b := nnapi.NewBuilder()
	in := b.AddInput(nnapi.TensorFloat32, 1, 1, 1, 3)
	radius := b.AddInt32(1)
	bias := b.AddFloat32(1)
	alpha := b.AddFloat32(1)
	beta := b.AddFloat32(1)
	out := b.AddOutput(nnapi.TensorFloat32, 1, 1, 1, 3)
	b.AddOperation(nnapi.LocalResponseNormalization, []uint32{in, radius, bias, alpha, beta}, []uint32{out})
	m := compile(t, b.Build(), Options{})

	res := execute(t, m, [][]byte{nnapi.EncodeFloat32s([]float32{1, 2, 3})}, []int{12})
	// dst = x / (bias + alpha*sum(x^2 over the window))
	want := []float32{1.0 / 6, 2.0 / 15, 3.0 / 14}
	if got := nnapi.DecodeFloat32s(res[0]); !near(got, want) {
		t.Fatalf("output: got %v want %v", got, want)
	}
}

func TestAddWithFusedRelu6(t *testing.T) {
	t.Parallel()
	b := nnapi.NewBuilder()
	x := b.AddInput(nnapi.TensorFloat32, 4)
	y := b.AddFloat32Tensor([]uint32{4}, []float32{1, -5, 3, 10})
	act := b.AddInt32(int32(nnapi.FusedRelu6))
	out := b.AddOutput(nnapi.TensorFloat32, 4)
	b.AddOperation(nnapi.Add, []uint32{x, y, act}, []uint32{out})
	m := compile(t, b.Build(), Options{})

	res := execute(t, m, [][]byte{nnapi.EncodeFloat32s([]float32{1, 2, 3, 4})}, []int{16})
	if got := nnapi.DecodeFloat32s(res[0]); !near(got, []float32{2, 0, 6, 6}) {
		t.Fatalf("output: got %v want [2 0 6 6]", got)
	}
}

func TestQuantizedTemporaryStaysFloat(t *testing.T) {
	t.Parallel()
	b := nnapi.NewBuilder()
	in := b.AddInput(nnapi.TensorQuant8Asymm, 1, 4)
	mid := b.AddQuantTensor(0.5, 0, 1, 4)
	b.AddOperation(nnapi.Relu, []uint32{in}, []uint32{mid})
	out := b.AddOutput(nnapi.TensorQuant8Asymm, 1, 4)
	b.AddOperation(nnapi.Relu, []uint32{mid}, []uint32{out})
	model := b.Build()
	model.Operands[in].Scale = 0.5
	model.Operands[out].Scale = 0.5

	m := compile(t, model, Options{Quant: QuantZeroPoint})
	o := m.operands[mid]
	if o.typ != dnn.F32 || o.scale != 0 || o.zero != 0 {
		t.Fatalf("temporary: type %s scale %g zero %d", o.typ, o.scale, o.zero)
	}
	// dequantize, relu, relu, requantize
	if got := m.Steps(); got != 4 {
		t.Fatalf("steps: got %d want 4", got)
	}
	res := execute(t, m, [][]byte{{0, 2, 4, 7}}, []int{4})
	if !bytes.Equal(res[0], []byte{0, 2, 4, 7}) {
		t.Fatalf("output: got %v", res[0])
	}
}

func TestQuantizationMode(t *testing.T) {
	t.Parallel()
	build := func(zero int32) *nnapi.Model {
		b := nnapi.NewBuilder()
		in := b.AddInput(nnapi.TensorQuant8Asymm, 1, 4)
		out := b.AddOutput(nnapi.TensorFloat32, 1, 4)
		b.AddOperation(nnapi.Relu, []uint32{in}, []uint32{out})
		model := b.Build()
		model.Operands[in].Scale = 0.25
		model.Operands[in].ZeroPoint = zero
		return model
	}
	tests := []struct {
		name string
		zero int32
		mode QuantMode
		want bool
	}{
		{"disabled", 0, QuantDisabled, false},
		{"zero point mode", 0, QuantZeroPoint, true},
		{"nonzero zero point", 3, QuantZeroPoint, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := SupportedOperations(build(tc.zero), nil, Options{Quant: tc.mode})
			if err != nil {
				t.Fatal(err)
			}
			if got[0] != tc.want {
				t.Fatalf("supported: got %v want %v", got[0], tc.want)
			}
		})
	}
}

func TestExecuteStateErrors(t *testing.T) {
	t.Parallel()
	empty := New(nnapi.NewBuilder().Build(), newEngine(), Options{}, nil)
	if err := empty.Compile(context.Background()); err != nil {
		t.Fatalf("Compile empty: %v", err)
	}
	if err := empty.Execute(context.Background(), &nnapi.Request{}, nil); !errors.Is(err, ErrNotCompiled) {
		t.Fatalf("empty model: got %v want ErrNotCompiled", err)
	}

	m := New(fullyConnectedModel(nnapi.FusedNone), newEngine(), Options{}, nil)
	if err := m.Execute(context.Background(), &nnapi.Request{}, nil); !errors.Is(err, ErrNotCompiled) {
		t.Fatalf("uncompiled: got %v want ErrNotCompiled", err)
	}
	if err := m.Compile(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := m.Execute(context.Background(), &nnapi.Request{}, nil); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("bad request: got %v want ErrInvalidRequest", err)
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if err := m.Execute(context.Background(), &nnapi.Request{}, nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("closed: got %v want ErrClosed", err)
	}
	if !m.arena.Released() {
		t.Fatal("close kept the arena")
	}
}

func TestExecuteRejectsOutputOutsidePoolBeforeRunning(t *testing.T) {
	t.Parallel()
	b := nnapi.NewBuilder()
	in := b.AddInput(nnapi.TensorFloat32, 1, 3)
	w := b.AddFloat32Tensor([]uint32{2, 3}, []float32{1, 0, 1, 0.5, 0.5, 0.5})
	bias := b.AddFloat32Tensor([]uint32{2}, []float32{0.5, 1.5})
	act := b.AddInt32(0)
	out := b.AddOutput(nnapi.TensorFloat32, 0, 0)
	b.AddOperation(nnapi.FullyConnected, []uint32{in, w, bias, act}, []uint32{out})
	model := b.Build()
	m := compile(t, model, Options{})

	// 12 input bytes and 8 spare; the output slot starts at the pool end.
	data := append(nnapi.EncodeFloat32s([]float32{1, 2, 3}), make([]byte, 8)...)
	mems, closer, err := mempool.Materialize([]nnapi.Memory{{Data: data}})
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	defer closer.Close()
	pools, err := mempool.MapAll(mems)
	if err != nil {
		t.Fatalf("MapAll: %v", err)
	}
	defer pools.Close()
	req := &nnapi.Request{
		Inputs:  []nnapi.RequestArgument{{Location: nnapi.DataLocation{Length: 12}}},
		Outputs: []nnapi.RequestArgument{{Location: nnapi.DataLocation{Offset: 20, Length: 8}}},
		Pools:   mems,
	}

	if err := m.Execute(context.Background(), req, pools); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("got %v want ErrInvalidRequest", err)
	}
	for _, idx := range []uint32{model.InputIndexes[0], model.OutputIndexes[0]} {
		if buf := m.operands[idx].buffer; !bytes.Equal(buf, make([]byte, len(buf))) {
			t.Fatalf("operand %d was written before rejection: %v", idx, buf)
		}
	}
}

func TestCompileFailureReleases(t *testing.T) {
	t.Parallel()
	b := nnapi.NewBuilder()
	in := b.AddInput(nnapi.TensorFloat32, 1, 4)
	out := b.AddOutput(nnapi.TensorFloat32, 1, 4)
	b.AddOperation(nnapi.Floor, []uint32{in}, []uint32{out})
	m := New(b.Build(), newEngine(), Options{}, nil)
	err := m.Compile(context.Background())
	if !errors.Is(err, ErrUnsupportedOperation) {
		t.Fatalf("got %v want ErrUnsupportedOperation", err)
	}
	if m.State() != Failed || !m.arena.Released() {
		t.Fatalf("state %s released=%v", m.State(), m.arena.Released())
	}
	if err := m.Compile(context.Background()); err == nil {
		t.Fatal("recompile after failure succeeded")
	}
}

func TestCompileRejectsUnproducedOutput(t *testing.T) {
	t.Parallel()
	b := nnapi.NewBuilder()
	b.AddInput(nnapi.TensorFloat32, 1, 4)
	b.AddOutput(nnapi.TensorFloat32, 1, 4)
	m := New(b.Build(), newEngine(), Options{}, nil)
	if err := m.Compile(context.Background()); !errors.Is(err, ErrInvalidModel) {
		t.Fatalf("got %v want ErrInvalidModel", err)
	}
}

// The generators below each build the inputs of one operation. Their
// draws are spread so that roughly half of the operations are acceptable.

func dim(r *rand.Rand, hi int) uint32 { return uint32(r.IntN(hi) + 1) }

// off returns v, or v+1 about once in n draws.
func off(r *rand.Rand, v uint32, n int) uint32 {
	if r.IntN(n) == 0 {
		return v + 1
	}
	return v
}

func randomInput(r *rand.Rand, b *nnapi.Builder, rank int) (uint32, []uint32) {
	dims := make([]uint32, rank)
	for i := range dims {
		dims[i] = dim(r, 3)
	}
	return b.AddInput(nnapi.TensorFloat32, dims...), dims
}

func randomActivation(r *rand.Rand, b *nnapi.Builder) uint32 {
	return b.AddInt32(int32(r.IntN(7)))
}

// randomWindow appends explicit or implicit padding, strides and, for
// pooling, the window size.
func randomWindow(r *rand.Rand, b *nnapi.Builder, inputs []uint32, pool bool) []uint32 {
	if r.IntN(2) == 0 {
		for range 4 {
			inputs = append(inputs, b.AddInt32(int32(r.IntN(3))))
		}
	} else {
		inputs = append(inputs, b.AddInt32(int32(r.IntN(4))))
	}
	inputs = append(inputs, b.AddInt32(int32(r.IntN(3))), b.AddInt32(int32(r.IntN(3))))
	if pool {
		inputs = append(inputs, b.AddInt32(int32(r.IntN(4))), b.AddInt32(int32(r.IntN(4))))
	}
	return inputs
}

func randomConv(r *rand.Rand, b *nnapi.Builder) (nnapi.OperationType, []uint32) {
	channels := []uint32{1, 2, 3, 8, 16}
	c := channels[r.IntN(len(channels))]
	oc := channels[r.IntN(len(channels))]
	kh, kw := dim(r, 3), dim(r, 3)
	ic := off(r, c, 6)
	in := b.AddInput(nnapi.TensorFloat32, 1, dim(r, 5), dim(r, 5), c)
	filter := b.AddFloat32Tensor([]uint32{oc, kh, kw, ic}, make([]float32, oc*kh*kw*ic))
	biasLen := off(r, oc, 8)
	bias := b.AddFloat32Tensor([]uint32{biasLen}, make([]float32, biasLen))
	inputs := randomWindow(r, b, []uint32{in, filter, bias}, false)
	return nnapi.Conv2D, append(inputs, randomActivation(r, b))
}

func randomDepthwise(r *rand.Rand, b *nnapi.Builder) (nnapi.OperationType, []uint32) {
	channels := []uint32{1, 2, 4, 8}
	c := channels[r.IntN(len(channels))]
	mult := dim(r, 2)
	kh, kw := dim(r, 3), dim(r, 3)
	outC := off(r, c*mult, 6)
	in := b.AddInput(nnapi.TensorFloat32, 1, dim(r, 5), dim(r, 5), c)
	filter := b.AddFloat32Tensor([]uint32{1, kh, kw, outC}, make([]float32, kh*kw*outC))
	bias := b.AddFloat32Tensor([]uint32{outC}, make([]float32, outC))
	inputs := randomWindow(r, b, []uint32{in, filter, bias}, false)
	inputs = append(inputs, b.AddInt32(int32(off(r, mult, 6))))
	return nnapi.DepthwiseConv2D, append(inputs, randomActivation(r, b))
}

func randomPool(r *rand.Rand, b *nnapi.Builder) (nnapi.OperationType, []uint32) {
	typ := nnapi.AveragePool2D
	if r.IntN(2) == 0 {
		typ = nnapi.MaxPool2D
	}
	in := b.AddInput(nnapi.TensorFloat32, dim(r, 2), dim(r, 5), dim(r, 5), dim(r, 3))
	inputs := randomWindow(r, b, []uint32{in}, true)
	return typ, append(inputs, randomActivation(r, b))
}

func randomElementwise(r *rand.Rand, b *nnapi.Builder) (nnapi.OperationType, []uint32) {
	types := []nnapi.OperationType{nnapi.Relu, nnapi.Relu6, nnapi.Logistic, nnapi.Tanh}
	in, _ := randomInput(r, b, r.IntN(4)+1)
	return types[r.IntN(len(types))], []uint32{in}
}

func randomConcat(r *rand.Rand, b *nnapi.Builder) (nnapi.OperationType, []uint32) {
	ranks := []int{1, 2, 4}
	rank := ranks[r.IntN(len(ranks))]
	axis := r.IntN(rank+2) - 1
	base := make([]uint32, rank)
	for i := range base {
		base[i] = dim(r, 3)
	}
	var inputs []uint32
	for range r.IntN(3) + 1 {
		dims := slices.Clone(base)
		if axis >= 0 && axis < rank {
			dims[axis] = dim(r, 3)
		}
		if r.IntN(6) == 0 {
			dims[r.IntN(rank)]++
		}
		inputs = append(inputs, b.AddInput(nnapi.TensorFloat32, dims...))
	}
	return nnapi.Concatenation, append(inputs, b.AddInt32(int32(axis)))
}

func randomSoftmax(r *rand.Rand, b *nnapi.Builder) (nnapi.OperationType, []uint32) {
	ranks := []int{2, 4, 2, 4, 3}
	in, _ := randomInput(r, b, ranks[r.IntN(len(ranks))])
	betas := []float32{1, 1, 1, 0.5}
	return nnapi.Softmax, []uint32{in, b.AddFloat32(betas[r.IntN(len(betas))])}
}

func randomLRN(r *rand.Rand, b *nnapi.Builder) (nnapi.OperationType, []uint32) {
	in := b.AddInput(nnapi.TensorFloat32, 1, dim(r, 3), dim(r, 3), dim(r, 4))
	return nnapi.LocalResponseNormalization, []uint32{
		in,
		b.AddInt32(int32(r.IntN(4) - 1)),
		b.AddFloat32(1),
		b.AddFloat32(r.Float32()),
		b.AddFloat32(0.75),
	}
}

func randomFullyConnected(r *rand.Rand, b *nnapi.Builder) (nnapi.OperationType, []uint32) {
	features, units := dim(r, 4), dim(r, 3)
	var in uint32
	if r.IntN(2) == 0 {
		in = b.AddInput(nnapi.TensorFloat32, dim(r, 2), features)
	} else {
		in = b.AddInput(nnapi.TensorFloat32, dim(r, 2), off(r, 1, 3), off(r, 1, 3), features)
	}
	wIn := off(r, features, 6)
	w := b.AddFloat32Tensor([]uint32{units, wIn}, make([]float32, units*wIn))
	biasLen := off(r, units, 8)
	bias := b.AddFloat32Tensor([]uint32{biasLen}, make([]float32, biasLen))
	return nnapi.FullyConnected, []uint32{in, w, bias, randomActivation(r, b)}
}

func randomAdd(r *rand.Rand, b *nnapi.Builder) (nnapi.OperationType, []uint32) {
	ranks := []int{1, 2, 4}
	a, dims := randomInput(r, b, ranks[r.IntN(len(ranks))])
	other := slices.Clone(dims)
	if r.IntN(4) == 0 {
		other[r.IntN(len(other))]++
	}
	c := b.AddInput(nnapi.TensorFloat32, other...)
	return nnapi.Add, []uint32{a, c, randomActivation(r, b)}
}

var operationGenerators = []func(*rand.Rand, *nnapi.Builder) (nnapi.OperationType, []uint32){
	randomConv,
	randomDepthwise,
	randomPool,
	randomElementwise,
	randomConcat,
	randomSoftmax,
	randomLRN,
	randomFullyConnected,
	randomAdd,
}

// randomModel wraps one generated operation in a model whose output has
// unspecified dims.
func randomModel(r *rand.Rand, gen func(*rand.Rand, *nnapi.Builder) (nnapi.OperationType, []uint32)) *nnapi.Model {
	b := nnapi.NewBuilder()
	typ, inputs := gen(r, b)
	out := b.AddOperand(nnapi.Operand{Type: nnapi.TensorFloat32, Lifetime: nnapi.ModelOutput})
	b.MarkOutput(out)
	b.AddOperation(typ, inputs, []uint32{out})
	return b.Build()
}

func TestCapabilityMatchesLowering(t *testing.T) {
	t.Parallel()
	r := rand.New(rand.NewPCG(7, 11))
	const perKind = 300
	var blocked int
	for g, gen := range operationGenerators {
		var accepted int
		for i := range perKind {
			model := randomModel(r, gen)
			kind := model.Operations[0].Type
			supported, err := SupportedOperations(model, nil, Options{})
			if err != nil {
				t.Fatalf("%s model %d: %v", kind, i, err)
			}
			m := New(model, newEngine(), Options{}, nil)
			err = m.Compile(context.Background())
			if supported[0] != (err == nil) {
				t.Fatalf("%s model %d: supported=%v compile error %v", kind, i, supported[0], err)
			}
			if err == nil {
				accepted++
				for _, alt := range m.operands[model.OutputIndexes[0]].alternates {
					if alt.Desc().Format == dnn.NChw8c {
						blocked++
					}
				}
			}
			_ = m.Close()
		}
		if accepted == 0 || accepted == perKind {
			t.Fatalf("generator %d accepted %d of %d; it is degenerate", g, accepted, perKind)
		}
	}
	if blocked == 0 {
		t.Fatal("no accepted convolution chose the blocked layout")
	}
}

func TestExplainNamesReason(t *testing.T) {
	t.Parallel()
	model := fullyConnectedModel(nnapi.FusedRelu1)
	reasons, err := Explain(model, nil, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(reasons) != 1 || !bytes.Contains([]byte(reasons[0]), []byte("RELU1")) {
		t.Fatalf("reasons: got %v", reasons)
	}
}

func TestFullyConnectedReluScenario(t *testing.T) {
	t.Parallel()
	b := nnapi.NewBuilder()
	in := b.AddInput(nnapi.TensorFloat32, 1, 5)
	w := b.AddFloat32Tensor([]uint32{1, 5}, []float32{2, 4, 0.5, 0.25, 1})
	bias := b.AddFloat32Tensor([]uint32{1}, []float32{1})
	act := b.AddInt32(int32(nnapi.FusedRelu))
	out := b.AddOutput(nnapi.TensorFloat32, 1, 1)
	b.AddOperation(nnapi.FullyConnected, []uint32{in, w, bias, act}, []uint32{out})
	m := compile(t, b.Build(), Options{})

	res := execute(t, m, [][]byte{nnapi.EncodeFloat32s([]float32{0.5, 0.25, 1, 2, 0.5})}, []int{4})
	if got := nnapi.DecodeFloat32s(res[0]); !near(got, []float32{4.5}) {
		t.Fatalf("output: got %v want [4.5]", got)
	}
}

func TestDepthwiseChannelMultiple(t *testing.T) {
	t.Parallel()
	build := func(filterOut uint32) *nnapi.Model {
		b := nnapi.NewBuilder()
		in := b.AddInput(nnapi.TensorFloat32, 1, 3, 3, 4)
		filter := b.AddFloat32Tensor([]uint32{1, 2, 2, filterOut}, make([]float32, 4*filterOut))
		bias := b.AddFloat32Tensor([]uint32{filterOut}, make([]float32, filterOut))
		scheme := b.AddInt32(paddingSame)
		one := b.AddInt32(1)
		mult := b.AddInt32(2)
		act := b.AddInt32(0)
		out := b.AddOutput(nnapi.TensorFloat32, 1, 3, 3, filterOut)
		b.AddOperation(nnapi.DepthwiseConv2D, []uint32{in, filter, bias, scheme, one, one, mult, act}, []uint32{out})
		return b.Build()
	}
	tests := []struct {
		filterOut uint32
		want      bool
	}{
		{8, true},
		{7, false},
	}
	for _, tc := range tests {
		model := build(tc.filterOut)
		supported, err := SupportedOperations(model, nil, Options{})
		if err != nil {
			t.Fatal(err)
		}
		m := New(model, newEngine(), Options{}, nil)
		cerr := m.Compile(context.Background())
		_ = m.Close()
		if supported[0] != tc.want || (cerr == nil) != tc.want {
			t.Fatalf("filter channels %d: supported=%v compile=%v, want %v", tc.filterOut, supported[0], cerr, tc.want)
		}
		if !tc.want && !errors.Is(cerr, ErrUnsupportedOperation) {
			t.Fatalf("filter channels %d: got %v want ErrUnsupportedOperation", tc.filterOut, cerr)
		}
	}
}
