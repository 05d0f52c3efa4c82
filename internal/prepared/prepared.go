// Package prepared lowers a validated NN model into an ordered list of
// backend primitives and executes it against caller-supplied memory pools.
package prepared

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/samcharles93/dnnhal/internal/dnn"
	"github.com/samcharles93/dnnhal/internal/logger"
	"github.com/samcharles93/dnnhal/internal/mempool"
	"github.com/samcharles93/dnnhal/pkg/nnapi"
)

// Model is a compiled model: the operand table, the backend memories and
// the ordered step list. Compile runs once; Execute may run many times but
// never concurrently with itself.
type Model struct {
	mu sync.Mutex

	g      *graph
	engine *dnn.Engine
	log    logger.Logger
	state  State

	arena       *dnn.Arena
	operands    []*operand
	steps       []dnn.Primitive
	conversions int
}

// New wraps m for compilation on engine. The model must not be modified
// afterwards.
func New(m *nnapi.Model, engine *dnn.Engine, opts Options, log logger.Logger) *Model {
	return &Model{
		g:      &graph{model: m, opts: opts},
		engine: engine,
		log:    logger.OrNop(log),
		arena:  dnn.NewArena(),
	}
}

// Model returns the declared model.
func (m *Model) Model() *nnapi.Model { return m.g.model }

func (m *Model) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Steps returns the number of primitives executed per request.
func (m *Model) Steps() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.steps)
}

// Stats returns the arena counters of the compiled model.
func (m *Model) Stats() dnn.ArenaStats {
	return m.arena.Stats()
}

// Compile validates the model, maps its pools and lowers every operation.
// A failed compile releases everything and cannot be retried.
func (m *Model) Compile(ctx context.Context) (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case Uncompiled:
	case Compiled:
		return nil
	case Closed:
		return ErrClosed
	default:
		return fmt.Errorf("compile from state %s", m.state)
	}

	start := time.Now()
	defer func() {
		if err != nil {
			m.state = Failed
			m.steps = nil
			m.arena.Release()
			m.g.pools.Close()
			m.g.pools = nil
			m.log.Warn("compile failed", "error", err)
		}
	}()

	m.state = Validating
	model := m.g.model
	if err := nnapi.ValidateModel(model); err != nil {
		return err
	}
	if m.g.pools, err = mempool.MapAll(model.Pools); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidModel, err)
	}
	if err := checkSingleProducer(model); err != nil {
		return err
	}
	m.operands = make([]*operand, len(model.Operands))
	for i := range model.Operands {
		m.operands[i] = newOperand(uint32(i), &model.Operands[i])
	}

	m.state = Lowering
	for i, raw := range model.Operations {
		if err := ctx.Err(); err != nil {
			return err
		}
		op, err := m.g.check(raw)
		if err != nil {
			return fmt.Errorf("operation %d: %w", i, err)
		}
		if err := m.lower(ctx, op); err != nil {
			return fmt.Errorf("operation %d (%s): %w", i, raw.Type, err)
		}
	}
	for _, idx := range model.OutputIndexes {
		if m.operands[idx].primary == nil {
			return fmt.Errorf("%w: model output %d is never produced", ErrInvalidModel, idx)
		}
	}
	for _, idx := range model.InputIndexes {
		// an input no operation reads still needs a buffer to copy into
		o := m.operands[idx]
		f := interchangeFormat(len(o.dims))
		if o.primary == nil && f != dnn.FormatUndef && !slices.Contains(o.dims, 0) {
			if _, err := m.primary(o, f); err != nil {
				return err
			}
		}
	}

	m.state = Compiled
	stats := m.arena.Stats()
	m.log.Info("model compiled",
		"operations", len(model.Operations),
		"steps", len(m.steps),
		"conversions", m.conversions,
		"memories", stats.Memories,
		"owned_bytes", stats.OwnedBytes,
		"elapsed", time.Since(start),
	)
	return nil
}

func checkSingleProducer(model *nnapi.Model) error {
	produced := make([]bool, len(model.Operands))
	for i, op := range model.Operations {
		for _, idx := range op.Outputs {
			if produced[idx] {
				return fmt.Errorf("%w: operand %d written by operation %d and an earlier one", ErrInvalidModel, idx, i)
			}
			produced[idx] = true
		}
	}
	return nil
}

// Close releases the backend memories and unmaps the model pools.
func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Closed {
		return nil
	}
	m.state = Closed
	m.steps = nil
	m.arena.Release()
	err := m.g.pools.Close()
	m.g.pools = nil
	return err
}

// Tensor describes one model input or output after compilation.
type Tensor struct {
	Type  nnapi.OperandType `json:"type"`
	Dims  []int             `json:"dimensions"`
	Bytes int               `json:"bytes"`
}

// Signature returns the compiled model inputs and outputs. Dimensions are
// the resolved logical ones, so outputs declared with unspecified
// dimensions report their inferred shape.
func (m *Model) Signature() (inputs, outputs []Tensor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	describe := func(indexes []uint32) []Tensor {
		out := make([]Tensor, len(indexes))
		for i, idx := range indexes {
			o := m.operands[idx]
			out[i] = Tensor{
				Type:  m.g.model.Operands[idx].Type,
				Dims:  slices.Clone(o.dims),
				Bytes: len(o.buffer),
			}
		}
		return out
	}
	if m.state != Compiled {
		return nil, nil
	}
	return describe(m.g.model.InputIndexes), describe(m.g.model.OutputIndexes)
}
