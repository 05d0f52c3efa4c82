package prepared

import (
	"github.com/samcharles93/dnnhal/internal/mempool"
	"github.com/samcharles93/dnnhal/pkg/nnapi"
)

// SupportedOperations reports, per operation, whether lowering would accept
// it. pools are the model's mapped pools, needed to read scalar parameters
// held by reference; nil is fine when every parameter is CONSTANT_COPY.
func SupportedOperations(m *nnapi.Model, pools mempool.Pools, opts Options) ([]bool, error) {
	if err := nnapi.ValidateModel(m); err != nil {
		return nil, err
	}
	g := &graph{model: m, pools: pools, opts: opts}
	supported := make([]bool, len(m.Operations))
	for i, op := range m.Operations {
		_, err := g.check(op)
		supported[i] = err == nil
	}
	return supported, nil
}

// Explain returns the reason each rejected operation was rejected, keyed by
// operation index.
func Explain(m *nnapi.Model, pools mempool.Pools, opts Options) (map[int]string, error) {
	if err := nnapi.ValidateModel(m); err != nil {
		return nil, err
	}
	g := &graph{model: m, pools: pools, opts: opts}
	reasons := make(map[int]string)
	for i, op := range m.Operations {
		if _, err := g.check(op); err != nil {
			reasons[i] = err.Error()
		}
	}
	return reasons, nil
}
