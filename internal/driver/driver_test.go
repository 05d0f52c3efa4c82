package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/samcharles93/dnnhal/internal/mempool"
	"github.com/samcharles93/dnnhal/internal/prepared"
	"github.com/samcharles93/dnnhal/pkg/nnapi"
)

func newDriver(t *testing.T) *Driver {
	t.Helper()
	d := New(Config{Workers: 2, QueueDepth: 16, KernelThreads: 1}, nil)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

// addModel computes out = in + [10, 20, 30, 40].
func addModel() *nnapi.Model {
	b := nnapi.NewBuilder()
	in := b.AddInput(nnapi.TensorFloat32, 4)
	c := b.AddFloat32Tensor([]uint32{4}, []float32{10, 20, 30, 40})
	act := b.AddInt32(int32(nnapi.FusedNone))
	out := b.AddOutput(nnapi.TensorFloat32, 4)
	b.AddOperation(nnapi.Add, []uint32{in, c, act}, []uint32{out})
	return b.Build()
}

// request builds a request over one anonymous pool: 16 input bytes then 16
// output bytes.
func request(t *testing.T, input []float32) (*nnapi.Request, *mempool.Anonymous, io.Closer) {
	t.Helper()
	anon, err := mempool.NewAnonymous("driver-test", 32)
	if err != nil {
		t.Fatalf("NewAnonymous: %v", err)
	}
	copy(anon.Bytes(), nnapi.EncodeFloat32s(input))
	req := &nnapi.Request{
		Inputs:  []nnapi.RequestArgument{{Location: nnapi.DataLocation{Offset: 0, Length: 16}}},
		Outputs: []nnapi.RequestArgument{{Location: nnapi.DataLocation{Offset: 16, Length: 16}}},
		Pools:   []nnapi.Memory{anon.Memory()},
	}
	return req, anon, anon
}

func TestStatusAndCapabilities(t *testing.T) {
	t.Parallel()
	d := newDriver(t)
	if got := d.GetStatus(); got != nnapi.DeviceAvailable {
		t.Fatalf("status: got %s", got)
	}
	status, caps := d.GetCapabilities()
	if status != nnapi.StatusNone {
		t.Fatalf("capabilities status: got %s", status)
	}
	want := nnapi.PerformanceInfo{ExecTime: 0.9, PowerUsage: 1.1}
	if caps.Float32Performance != want || caps.Quantized8Performance != want {
		t.Fatalf("capabilities: got %+v", caps)
	}
}

func TestGetSupportedOperations(t *testing.T) {
	t.Parallel()
	d := newDriver(t)

	m := addModel()
	b := nnapi.NewBuilder()
	in := b.AddInput(nnapi.TensorFloat32, 4)
	out := b.AddOutput(nnapi.TensorFloat32, 4)
	b.AddOperation(nnapi.Floor, []uint32{in}, []uint32{out})
	floor := b.Build()

	status, got := d.GetSupportedOperations(m)
	if status != nnapi.StatusNone || len(got) != 1 || !got[0] {
		t.Fatalf("add model: %s %v", status, got)
	}
	status, got = d.GetSupportedOperations(floor)
	if status != nnapi.StatusNone || len(got) != 1 || got[0] {
		t.Fatalf("floor model: %s %v", status, got)
	}

	bad := addModel()
	bad.Operations[0].Inputs[0] = 99
	status, got = d.GetSupportedOperations(bad)
	if status != nnapi.StatusInvalidArgument {
		t.Fatalf("invalid model status: got %s", status)
	}
	if len(got) != 1 || got[0] {
		t.Fatalf("invalid model support: got %v", got)
	}
}

func TestPrepareRejectsUnsupported(t *testing.T) {
	t.Parallel()
	d := newDriver(t)
	m := addModel()
	// fused activation RELU1
	m.OperandValues[m.Operands[2].Location.Offset] = 2
	_, err := d.PrepareModel(context.Background(), m)
	if !errors.Is(err, prepared.ErrUnsupportedOperation) {
		t.Fatalf("got %v want ErrUnsupportedOperation", err)
	}
	if StatusOf(err) != nnapi.StatusInvalidArgument {
		t.Fatalf("status: got %s", StatusOf(err))
	}
	if n := len(d.Models()); n != 0 {
		t.Fatalf("models after failed prepare: %d", n)
	}
}

func TestExecuteEndToEnd(t *testing.T) {
	t.Parallel()
	d := newDriver(t)
	id, err := d.PrepareModel(context.Background(), addModel())
	if err != nil {
		t.Fatalf("PrepareModel: %v", err)
	}
	req, anon, closer := request(t, []float32{1, 2, 3, 4})
	defer closer.Close()

	if got := d.ExecuteSync(context.Background(), id, req); got != nnapi.StatusNone {
		t.Fatalf("ExecuteSync: got %s", got)
	}
	out := nnapi.DecodeFloat32s(anon.Bytes()[16:32])
	want := []float32{11, 22, 33, 44}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("output: got %v want %v", out, want)
		}
	}

	infos := d.Models()
	if len(infos) != 1 || infos[0].ID != id || infos[0].State != "compiled" || infos[0].Steps != 1 {
		t.Fatalf("models: got %+v", infos)
	}
}

func TestExecuteCallbackOnce(t *testing.T) {
	t.Parallel()
	d := newDriver(t)
	id, err := d.PrepareModel(context.Background(), addModel())
	if err != nil {
		t.Fatal(err)
	}
	req, _, closer := request(t, []float32{1, 1, 1, 1})
	defer closer.Close()
	badReq := *req
	badReq.Inputs = nil

	tests := []struct {
		name string
		id   string
		req  *nnapi.Request
		want nnapi.ErrorStatus
	}{
		{"unknown model", "missing", req, nnapi.StatusInvalidArgument},
		{"invalid request", id, &badReq, nnapi.StatusInvalidArgument},
		{"valid", id, req, nnapi.StatusNone},
	}
	for _, tc := range tests {
		var (
			mu    sync.Mutex
			calls []nnapi.ErrorStatus
			fired = make(chan struct{}, 2)
		)
		ack := d.Execute(tc.id, tc.req, func(s nnapi.ErrorStatus) {
			mu.Lock()
			calls = append(calls, s)
			mu.Unlock()
			fired <- struct{}{}
		})
		if ack != tc.want {
			t.Fatalf("%s: ack got %s want %s", tc.name, ack, tc.want)
		}
		select {
		case <-fired:
		case <-time.After(5 * time.Second):
			t.Fatalf("%s: callback never fired", tc.name)
		}
		// give a duplicate notification the chance to show up
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		if len(calls) != 1 || calls[0] != tc.want {
			t.Fatalf("%s: callbacks %v want one %s", tc.name, calls, tc.want)
		}
		mu.Unlock()
	}
}

func TestConcurrentExecutionsOnOneModel(t *testing.T) {
	t.Parallel()
	d := New(Config{Workers: 4, QueueDepth: 64, KernelThreads: 1}, nil)
	defer d.Close()
	id, err := d.PrepareModel(context.Background(), addModel())
	if err != nil {
		t.Fatal(err)
	}

	const n = 24
	reqs := make([]*nnapi.Request, n)
	anons := make([]*mempool.Anonymous, n)
	for i := range n {
		v := float32(i)
		var closer io.Closer
		reqs[i], anons[i], closer = request(t, []float32{v, v, v, v})
		defer closer.Close()
	}

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v := float32(i)
			req, anon := reqs[i], anons[i]
			if s := d.ExecuteSync(context.Background(), id, req); s != nnapi.StatusNone {
				errs <- fmt.Errorf("request %d: status %s", i, s)
				return
			}
			out := nnapi.DecodeFloat32s(anon.Bytes()[16:32])
			if out[0] != v+10 || out[3] != v+40 {
				errs <- fmt.Errorf("request %d: got %v", i, out)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestEmptyModelExecute(t *testing.T) {
	t.Parallel()
	d := newDriver(t)
	id, err := d.PrepareModel(context.Background(), nnapi.NewBuilder().Build())
	if err != nil {
		t.Fatalf("PrepareModel: %v", err)
	}
	if got := d.ExecuteSync(context.Background(), id, &nnapi.Request{}); got != nnapi.StatusInvalidArgument {
		t.Fatalf("got %s want INVALID_ARGUMENT", got)
	}
}

func TestReleaseAndClose(t *testing.T) {
	t.Parallel()
	d := New(Config{Workers: 1, QueueDepth: 1}, nil)
	id, err := d.PrepareModel(context.Background(), addModel())
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Release("nope"); !errors.Is(err, ErrUnknownModel) {
		t.Fatalf("release unknown: got %v", err)
	}
	if err := d.Release(id); err != nil {
		t.Fatalf("Release: %v", err)
	}
	req, _, closer := request(t, []float32{0, 0, 0, 0})
	defer closer.Close()
	if got := d.ExecuteSync(context.Background(), id, req); got != nnapi.StatusInvalidArgument {
		t.Fatalf("released model: got %s", got)
	}

	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	if got := d.GetStatus(); got != nnapi.DeviceOffline {
		t.Fatalf("status after close: got %s", got)
	}
	if _, err := d.PrepareModel(context.Background(), addModel()); !errors.Is(err, ErrClosed) {
		t.Fatalf("prepare after close: got %v", err)
	}
}

func TestReleaseFailsQueuedExecutions(t *testing.T) {
	t.Parallel()
	d := New(Config{Workers: 1, QueueDepth: 4, KernelThreads: 1}, nil)
	t.Cleanup(func() { _ = d.Close() })
	id, err := d.PrepareModel(context.Background(), addModel())
	if err != nil {
		t.Fatal(err)
	}

	// occupy the only worker so the execution stays queued
	started, gate := make(chan struct{}), make(chan struct{})
	if !d.pool.trySubmit(func() { close(started); <-gate }) {
		t.Fatal("blocking task refused")
	}
	<-started

	req, _, closer := request(t, []float32{1, 2, 3, 4})
	defer closer.Close()
	done := make(chan nnapi.ErrorStatus, 1)
	if ack := d.Execute(id, req, func(s nnapi.ErrorStatus) { done <- s }); ack != nnapi.StatusNone {
		t.Fatalf("ack: got %s", ack)
	}
	if err := d.Release(id); err != nil {
		t.Fatalf("Release: %v", err)
	}
	close(gate)
	if got := <-done; got != nnapi.StatusGeneralFailure {
		t.Fatalf("queued execution after release: got %s want %s", got, nnapi.StatusGeneralFailure)
	}
}

func TestWorkerPoolBackpressure(t *testing.T) {
	t.Parallel()
	w := newWorkerPool(1, 1)
	started := make(chan struct{})
	release := make(chan struct{})
	if !w.trySubmit(func() { close(started); <-release }) {
		t.Fatal("first task refused")
	}
	<-started
	if !w.trySubmit(func() {}) {
		t.Fatal("queued task refused")
	}
	if w.trySubmit(func() {}) {
		t.Fatal("task accepted past the queue depth")
	}
	if running, pending := w.load(); running != 1 || pending != 1 {
		t.Fatalf("load: running=%d pending=%d", running, pending)
	}
	close(release)
	w.close()
	if w.trySubmit(func() {}) {
		t.Fatal("task accepted after close")
	}
}

func TestStatusOf(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err  error
		want nnapi.ErrorStatus
	}{
		{nil, nnapi.StatusNone},
		{fmt.Errorf("op 3: %w", prepared.ErrUnsupportedOperation), nnapi.StatusInvalidArgument},
		{nnapi.ErrInvalidModel, nnapi.StatusInvalidArgument},
		{nnapi.ErrInvalidRequest, nnapi.StatusInvalidArgument},
		{prepared.ErrNotCompiled, nnapi.StatusInvalidArgument},
		{ErrUnknownModel, nnapi.StatusInvalidArgument},
		{mempool.ErrMapFailed, nnapi.StatusGeneralFailure},
		{prepared.ErrBackend, nnapi.StatusGeneralFailure},
		{ErrBusy, nnapi.StatusGeneralFailure},
		{prepared.ErrClosed, nnapi.StatusGeneralFailure},
	}
	for _, tc := range tests {
		if got := StatusOf(tc.err); got != tc.want {
			t.Errorf("StatusOf(%v): got %s want %s", tc.err, got, tc.want)
		}
	}
}
