package prepared

import (
	"context"
	"fmt"
	"time"

	"github.com/samcharles93/dnnhal/internal/mempool"
	"github.com/samcharles93/dnnhal/pkg/nnapi"
)

// Execute runs one request: inputs are copied from the request pools into
// the model's input buffers, every step runs in order, and outputs are
// copied back and synced. Calls on the same model are serialized.
func (m *Model) Execute(ctx context.Context, req *nnapi.Request, pools mempool.Pools) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.state == Closed:
		return ErrClosed
	case m.state != Compiled, len(m.steps) == 0:
		return ErrNotCompiled
	}
	model := m.g.model
	if err := nnapi.ValidateRequest(req, model); err != nil {
		return err
	}

	// Resolve every region before any step runs.
	ins := make([][]byte, len(req.Inputs))
	for i, arg := range req.Inputs {
		b, err := m.argument(arg, model.InputIndexes[i], pools)
		if err != nil {
			return fmt.Errorf("input %d: %w", i, err)
		}
		ins[i] = b
	}
	outs := make([][]byte, len(req.Outputs))
	for i, arg := range req.Outputs {
		b, err := m.argument(arg, model.OutputIndexes[i], pools)
		if err != nil {
			return fmt.Errorf("output %d: %w", i, err)
		}
		outs[i] = b
	}

	start := time.Now()
	for i, b := range ins {
		if b != nil {
			copy(m.operands[model.InputIndexes[i]].buffer, b)
		}
	}
	if err := m.engine.Submit(ctx, m.steps); err != nil {
		return err
	}
	for i, b := range outs {
		if b != nil {
			copy(b, m.operands[model.OutputIndexes[i]].buffer)
		}
	}
	if err := pools.Sync(); err != nil {
		return err
	}
	m.log.Debug("request executed", "steps", len(m.steps), "elapsed", time.Since(start))
	return nil
}

// argument returns the request bytes backing operand idx, sized to the
// operand's driver buffer, or nil when there is nothing to copy.
func (m *Model) argument(arg nnapi.RequestArgument, idx uint32, pools mempool.Pools) ([]byte, error) {
	buf := m.operands[idx].buffer
	if arg.HasNoValue || buf == nil {
		return nil, nil
	}
	b, err := pools.Region(arg.Location.PoolIndex, arg.Location.Offset, uint32(len(buf)))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return b, nil
}
