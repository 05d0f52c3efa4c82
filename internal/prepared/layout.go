package prepared

import "github.com/samcharles93/dnnhal/pkg/nnapi"

// RequestLayout places every input and then every output back to back in
// a single pool with index 0.
type RequestLayout struct {
	Inputs  []int // byte offset of every input
	Outputs []int // byte offset of every output
	Size    int
}

// NewRequestLayout computes the offsets for a model signature.
func NewRequestLayout(inputs, outputs []Tensor) RequestLayout {
	var l RequestLayout
	for _, t := range inputs {
		l.Inputs = append(l.Inputs, l.Size)
		l.Size += t.Bytes
	}
	for _, t := range outputs {
		l.Outputs = append(l.Outputs, l.Size)
		l.Size += t.Bytes
	}
	return l
}

// Request builds the request arguments for the layout over pool.
func (l RequestLayout) Request(inputs, outputs []Tensor, pool nnapi.Memory) *nnapi.Request {
	req := &nnapi.Request{Pools: []nnapi.Memory{pool}}
	for i, t := range inputs {
		req.Inputs = append(req.Inputs, nnapi.RequestArgument{
			Location: nnapi.DataLocation{Offset: uint32(l.Inputs[i]), Length: uint32(t.Bytes)},
		})
	}
	for i, t := range outputs {
		req.Outputs = append(req.Outputs, nnapi.RequestArgument{
			Location: nnapi.DataLocation{Offset: uint32(l.Outputs[i]), Length: uint32(t.Bytes)},
		})
	}
	return req
}
