// Package driver is the device surface: it prepares models, answers
// capability queries and dispatches executions to a bounded worker pool.
package driver

import (
	"context"
	"fmt"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/samcharles93/dnnhal/internal/dnn"
	"github.com/samcharles93/dnnhal/internal/logger"
	"github.com/samcharles93/dnnhal/internal/mempool"
	"github.com/samcharles93/dnnhal/internal/prepared"
	"github.com/samcharles93/dnnhal/pkg/nnapi"
)

type Config struct {
	// Workers bounds concurrently running executions across all models.
	Workers int
	// QueueDepth bounds executions accepted but waiting for a worker.
	QueueDepth int
	// KernelThreads bounds parallelism inside one backend primitive.
	// Zero means GOMAXPROCS.
	KernelThreads int
	Quant         prepared.QuantMode
}

func DefaultConfig() Config {
	return Config{
		Workers:    runtime.GOMAXPROCS(0),
		QueueDepth: 64,
		Quant:      prepared.QuantDisabled,
	}
}

// Performance reported for both float32 and quantized8 execution.
var defaultPerformance = nnapi.PerformanceInfo{ExecTime: 0.9, PowerUsage: 1.1}

// Driver owns the backend engine and every prepared model.
type Driver struct {
	cfg    Config
	log    logger.Logger
	engine *dnn.Engine
	pool   *workerPool

	mu     sync.RWMutex
	models map[string]*entry
	closed bool
}

type entry struct {
	id      string
	model   *prepared.Model
	ops     int
	created time.Time
}

// ModelInfo describes one prepared model.
type ModelInfo struct {
	ID         string    `json:"id"`
	Operations int       `json:"operations"`
	Steps      int       `json:"steps"`
	State      string    `json:"state"`
	OwnedBytes int       `json:"owned_bytes"`
	Created    time.Time `json:"created"`
}

func New(cfg Config, log logger.Logger) *Driver {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = def.QueueDepth
	}
	log = logger.OrNop(log).With("component", "driver")
	d := &Driver{
		cfg:    cfg,
		log:    log,
		engine: dnn.NewEngine(dnn.EngineConfig{Threads: cfg.KernelThreads}, log.WithGroup("dnn")),
		pool:   newWorkerPool(cfg.Workers, cfg.QueueDepth),
		models: make(map[string]*entry),
	}
	log.Info("driver started",
		"workers", cfg.Workers,
		"queue_depth", cfg.QueueDepth,
		"kernel_threads", d.engine.Threads(),
		"quantization", cfg.Quant.String(),
	)
	return d
}

func (d *Driver) Config() Config { return d.cfg }

func (d *Driver) options() prepared.Options {
	return prepared.Options{Quant: d.cfg.Quant}
}

func (d *Driver) GetStatus() nnapi.DeviceStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nnapi.DeviceOffline
	}
	return nnapi.DeviceAvailable
}

func (d *Driver) GetCapabilities() (nnapi.ErrorStatus, nnapi.Capabilities) {
	return nnapi.StatusNone, nnapi.Capabilities{
		Float32Performance:    defaultPerformance,
		Quantized8Performance: defaultPerformance,
	}
}

// GetSupportedOperations reports per-operation support. An invalid model
// yields INVALID_ARGUMENT and every entry false.
func (d *Driver) GetSupportedOperations(m *nnapi.Model) (nnapi.ErrorStatus, []bool) {
	supported, err := d.supported(m)
	if err != nil {
		d.log.Warn("supported operations query failed", "error", err)
		n := 0
		if m != nil {
			n = len(m.Operations)
		}
		return StatusOf(err), make([]bool, n)
	}
	return nnapi.StatusNone, supported
}

func (d *Driver) supported(m *nnapi.Model) ([]bool, error) {
	if err := nnapi.ValidateModel(m); err != nil {
		return nil, err
	}
	pools, err := mempool.MapAll(m.Pools)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", prepared.ErrInvalidModel, err)
	}
	defer pools.Close()
	return prepared.SupportedOperations(m, pools, d.options())
}

// Explain returns the rejection reason for every unsupported operation.
func (d *Driver) Explain(m *nnapi.Model) (map[int]string, error) {
	if err := nnapi.ValidateModel(m); err != nil {
		return nil, err
	}
	pools, err := mempool.MapAll(m.Pools)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", prepared.ErrInvalidModel, err)
	}
	defer pools.Close()
	return prepared.Explain(m, pools, d.options())
}

// PrepareModel checks and compiles m and returns a handle for Execute.
func (d *Driver) PrepareModel(ctx context.Context, m *nnapi.Model) (string, error) {
	if d.isClosed() {
		return "", ErrClosed
	}
	supported, err := d.supported(m)
	if err != nil {
		return "", err
	}
	if i := slices.Index(supported, false); i >= 0 {
		return "", fmt.Errorf("%w: operation %d (%s) is not supported", prepared.ErrUnsupportedOperation, i, m.Operations[i].Type)
	}

	id := uuid.NewString()
	pm := prepared.New(m, d.engine, d.options(), d.log.With("model", id))
	if err := pm.Compile(ctx); err != nil {
		_ = pm.Close()
		return "", err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		_ = pm.Close()
		return "", ErrClosed
	}
	d.models[id] = &entry{id: id, model: pm, ops: len(m.Operations), created: time.Now()}
	d.log.Info("model prepared", "model", id, "operations", len(m.Operations), "steps", pm.Steps())
	return id, nil
}

func (d *Driver) lookup(id string) (*entry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nil, ErrClosed
	}
	e, ok := d.models[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModel, id)
	}
	return e, nil
}

// Execute validates req against prepared model id and runs it
// asynchronously. done is called exactly once with the final status, also
// when Execute itself reports a failure.
func (d *Driver) Execute(id string, req *nnapi.Request, done func(nnapi.ErrorStatus)) nnapi.ErrorStatus {
	if done == nil {
		return nnapi.StatusInvalidArgument
	}
	fail := func(err error) nnapi.ErrorStatus {
		status := StatusOf(err)
		d.log.Warn("execution rejected", "model", id, "status", status.String(), "error", err)
		done(status)
		return status
	}

	e, err := d.lookup(id)
	if err != nil {
		return fail(err)
	}
	if err := nnapi.ValidateRequest(req, e.model.Model()); err != nil {
		return fail(err)
	}
	if e.model.Steps() == 0 {
		return fail(prepared.ErrNotCompiled)
	}

	accepted := d.pool.trySubmit(func() {
		done(StatusOf(d.run(e, req)))
	})
	if !accepted {
		if d.isClosed() {
			return fail(ErrClosed)
		}
		return fail(ErrBusy)
	}
	return nnapi.StatusNone
}

// run maps the request pools and executes on the worker goroutine.
func (d *Driver) run(e *entry, req *nnapi.Request) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("execution panicked: %v", r)
			d.log.Error("execution panicked", "model", e.id, "panic", r)
		}
	}()
	start := time.Now()
	pools, err := mempool.MapAll(req.Pools)
	if err != nil {
		return err
	}
	defer pools.Close()
	if err := e.model.Execute(context.Background(), req, pools); err != nil {
		d.log.Warn("execution failed", "model", e.id, "error", err)
		return err
	}
	d.log.Debug("execution finished", "model", e.id, "elapsed", time.Since(start))
	return nil
}

// ExecuteSync runs Execute and waits for the completion callback or ctx.
func (d *Driver) ExecuteSync(ctx context.Context, id string, req *nnapi.Request) nnapi.ErrorStatus {
	ch := make(chan nnapi.ErrorStatus, 1)
	if status := d.Execute(id, req, func(s nnapi.ErrorStatus) { ch <- s }); status != nnapi.StatusNone {
		return status
	}
	select {
	case s := <-ch:
		return s
	case <-ctx.Done():
		return nnapi.StatusGeneralFailure
	}
}

// Release closes prepared model id once the execution running on it, if
// any, finishes. Executions still queued for it fail with GENERAL_FAILURE.
func (d *Driver) Release(id string) error {
	d.mu.Lock()
	e, ok := d.models[id]
	delete(d.models, id)
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownModel, id)
	}
	d.log.Info("model released", "model", id)
	return e.model.Close()
}

// Models lists prepared models, oldest first.
func (d *Driver) Models() []ModelInfo {
	d.mu.RLock()
	entries := make([]*entry, 0, len(d.models))
	for _, e := range d.models {
		entries = append(entries, e)
	}
	d.mu.RUnlock()

	slices.SortFunc(entries, func(a, b *entry) int { return a.created.Compare(b.created) })
	infos := make([]ModelInfo, len(entries))
	for i, e := range entries {
		infos[i] = ModelInfo{
			ID:         e.id,
			Operations: e.ops,
			Steps:      e.model.Steps(),
			State:      e.model.State().String(),
			OwnedBytes: e.model.Stats().OwnedBytes,
			Created:    e.created,
		}
	}
	return infos
}

// Signature returns the inputs and outputs of prepared model id.
func (d *Driver) Signature(id string) (inputs, outputs []prepared.Tensor, err error) {
	e, err := d.lookup(id)
	if err != nil {
		return nil, nil, err
	}
	inputs, outputs = e.model.Signature()
	return inputs, outputs, nil
}

// Load returns the number of running and queued executions.
func (d *Driver) Load() (running, pending int) {
	return d.pool.load()
}

func (d *Driver) isClosed() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.closed
}

// Close stops accepting work, waits for accepted executions and releases
// every prepared model.
func (d *Driver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.pool.close()

	d.mu.Lock()
	defer d.mu.Unlock()
	var first error
	for id, e := range d.models {
		if err := e.model.Close(); err != nil && first == nil {
			first = err
		}
		delete(d.models, id)
	}
	d.log.Info("driver closed")
	return first
}
