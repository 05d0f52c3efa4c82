package prepared

import (
	"errors"
	"fmt"
	"strings"

	"github.com/samcharles93/dnnhal/pkg/nnapi"
)

var (
	ErrInvalidModel         = nnapi.ErrInvalidModel
	ErrInvalidRequest       = nnapi.ErrInvalidRequest
	ErrUnsupportedOperation = errors.New("unsupported operation")
	ErrNotCompiled          = errors.New("model not compiled")
	ErrClosed               = errors.New("prepared model closed")
)

func unsupported(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnsupportedOperation, fmt.Sprintf(format, args...))
}

// QuantMode selects how quantized operands are treated.
type QuantMode int

const (
	// QuantDisabled rejects every operation touching a TENSOR_QUANT8_ASYMM
	// operand.
	QuantDisabled QuantMode = iota
	// QuantZeroPoint accepts quantized operands whose zero point is 0. They
	// are dequantized to float32 before compute.
	QuantZeroPoint
)

func (q QuantMode) String() string {
	if q == QuantZeroPoint {
		return "zero-point"
	}
	return "disabled"
}

func ParseQuantMode(s string) (QuantMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "disabled", "off", "none":
		return QuantDisabled, nil
	case "zero-point", "zeropoint", "zero_point":
		return QuantZeroPoint, nil
	default:
		return QuantDisabled, fmt.Errorf("unknown quantization mode %q", s)
	}
}

// Options configures how models are checked and lowered.
type Options struct {
	Quant QuantMode
}

// State tracks the compile lifecycle of a prepared model.
type State int

const (
	Uncompiled State = iota
	Validating
	Lowering
	Compiled
	Failed
	Closed
)

func (s State) String() string {
	switch s {
	case Uncompiled:
		return "uncompiled"
	case Validating:
		return "validating"
	case Lowering:
		return "lowering"
	case Compiled:
		return "compiled"
	case Failed:
		return "failed"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}
