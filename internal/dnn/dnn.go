// Package dnn is a small CPU math-kernel backend.
//
// Callers describe tensors with a Desc (logical dims, element type and
// physical format), bind them to byte buffers as Memory, and build
// Primitives from primitive descriptors. A descriptor may leave a format as
// Any, in which case the descriptor picks the layout it prefers; the caller
// then reads the resolved descs back and reorders its data to match.
//
// Dims are always given in canonical order regardless of the physical
// format: n,c,h,w for activations, o,i,h,w for filters, g,o,i,h,w for
// grouped filters.
package dnn

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrInvalidDesc     = errors.New("dnn: invalid descriptor")
	ErrUnsupported     = errors.New("dnn: unsupported configuration")
	ErrMemoryMismatch  = errors.New("dnn: memory does not match descriptor")
	ErrArenaReleased   = errors.New("dnn: arena released")
	ErrEngineCancelled = errors.New("dnn: execution cancelled")
)

type DataType int

const (
	DataTypeUndef DataType = iota
	F32
	S32
	S16
	S8
	U8
)

func (t DataType) Size() int {
	switch t {
	case F32, S32:
		return 4
	case S16:
		return 2
	case S8, U8:
		return 1
	default:
		return 0
	}
}

func (t DataType) String() string {
	switch t {
	case F32:
		return "f32"
	case S32:
		return "s32"
	case S16:
		return "s16"
	case S8:
		return "s8"
	case U8:
		return "u8"
	default:
		return "undef"
	}
}

// bounds returns the saturation range of an integer type.
func (t DataType) bounds() (lo, hi float64) {
	switch t {
	case S32:
		return math.MinInt32, math.MaxInt32
	case S16:
		return math.MinInt16, math.MaxInt16
	case S8:
		return math.MinInt8, math.MaxInt8
	case U8:
		return 0, math.MaxUint8
	default:
		return math.Inf(-1), math.Inf(1)
	}
}

type Format int

const (
	FormatUndef Format = iota
	// Any lets a primitive descriptor choose.
	Any
	X
	NC
	NCHW
	NHWC
	// NChw8c blocks channels by 8; channel counts are padded up.
	NChw8c
	OIHW
	// OHWI is the channel-last filter layout.
	OHWI
	IHWO
	GOIHW
)

var formatNames = [...]string{
	FormatUndef: "undef",
	Any:         "any",
	X:           "x",
	NC:          "nc",
	NCHW:        "nchw",
	NHWC:        "nhwc",
	NChw8c:      "nChw8c",
	OIHW:        "oihw",
	OHWI:        "ohwi",
	IHWO:        "ihwo",
	GOIHW:       "goihw",
}

func (f Format) String() string {
	if f >= 0 && int(f) < len(formatNames) {
		return formatNames[f]
	}
	return fmt.Sprintf("Format(%d)", int(f))
}

// Rank returns the number of dims a format describes, or 0 for Any/undef.
func (f Format) Rank() int {
	switch f {
	case X:
		return 1
	case NC:
		return 2
	case NCHW, NHWC, NChw8c, OIHW, OHWI, IHWO:
		return 4
	case GOIHW:
		return 5
	default:
		return 0
	}
}

// Blocked reports whether the format pads its channel dimension.
func (f Format) Blocked() bool { return f == NChw8c }

const blockSize = 8

func invariant(format string, args ...any) {
	panic(fmt.Sprintf("dnnhal: invariant: "+format, args...))
}
