package main

import (
	"io"
	"path/filepath"

	"github.com/samcharles93/dnnhal/internal/mempool"
	"github.com/samcharles93/dnnhal/pkg/nnapi"
)

// loadModel reads a JSON model and gives its pools native handles. Relative
// pool paths resolve against the model file's directory. The closer
// releases the handles; prepared models keep their own mappings.
func loadModel(path string) (*nnapi.Model, io.Closer, error) {
	m, err := nnapi.ReadModelFile(path)
	if err != nil {
		return nil, nil, err
	}
	resolvePoolPaths(m.Pools, filepath.Dir(path))
	pools, closer, err := mempool.Materialize(m.Pools)
	if err != nil {
		return nil, nil, err
	}
	m.Pools = pools
	return m, closer, nil
}

func resolvePoolPaths(pools []nnapi.Memory, dir string) {
	for i := range pools {
		if p := pools[i].Path; p != "" && !filepath.IsAbs(p) {
			pools[i].Path = filepath.Join(dir, p)
		}
	}
}
