package dnn

import (
	"fmt"
	"slices"
)

// Desc describes a tensor: logical dims in canonical order, element type
// and physical format.
type Desc struct {
	Dims   []int
	Type   DataType
	Format Format
}

func NewDesc(dims []int, t DataType, f Format) Desc {
	return Desc{Dims: slices.Clone(dims), Type: t, Format: f}
}

func (d Desc) String() string {
	return fmt.Sprintf("%v:%s:%s", d.Dims, d.Type, d.Format)
}

// Validate checks that the format can describe dims of this rank.
// Any is accepted here; Concrete rejects it.
func (d Desc) Validate() error {
	if d.Type.Size() == 0 {
		return fmt.Errorf("%w: %s: undefined data type", ErrInvalidDesc, d)
	}
	if d.Format == Any {
		return nil
	}
	if r := d.Format.Rank(); r == 0 || r != len(d.Dims) {
		return fmt.Errorf("%w: %s: format needs rank %d", ErrInvalidDesc, d, r)
	}
	for i, v := range d.Dims {
		if v <= 0 {
			return fmt.Errorf("%w: %s: dim %d is %d", ErrInvalidDesc, d, i, v)
		}
	}
	return nil
}

// Concrete reports whether the desc names a real physical layout.
func (d Desc) Concrete() bool {
	return d.Format != Any && d.Format != FormatUndef
}

func (d Desc) Equal(o Desc) bool {
	return d.Type == o.Type && d.Format == o.Format && slices.Equal(d.Dims, o.Dims)
}

// Elements returns the number of logical elements.
func (d Desc) Elements() int {
	n := 1
	for _, v := range d.Dims {
		n *= v
	}
	return n
}

// PhysicalElements counts elements including layout padding.
func (d Desc) PhysicalElements() int {
	if d.Format.Blocked() {
		n, c, h, w := d.Dims[0], d.Dims[1], d.Dims[2], d.Dims[3]
		return n * roundUp(c, blockSize) * h * w
	}
	return d.Elements()
}

// Size returns the byte size of a buffer holding d.
func (d Desc) Size() int {
	return d.PhysicalElements() * d.Type.Size()
}

// With returns a copy of d with a different format and type.
func (d Desc) With(f Format, t DataType) Desc {
	return Desc{Dims: slices.Clone(d.Dims), Type: t, Format: f}
}

// Offset maps a canonical index to an element offset in the buffer.
func (d Desc) Offset(idx []int) int {
	switch len(idx) {
	case 1:
		return idx[0]
	case 2:
		return idx[0]*d.Dims[1] + idx[1]
	case 4:
		return d.off4(idx[0], idx[1], idx[2], idx[3])
	case 5:
		return d.off5(idx[0], idx[1], idx[2], idx[3], idx[4])
	}
	invariant("offset of rank %d in %s", len(idx), d)
	return 0
}

func (d Desc) off4(a, b, h, w int) int {
	B, H, W := d.Dims[1], d.Dims[2], d.Dims[3]
	switch d.Format {
	case NCHW, OIHW:
		return ((a*B+b)*H+h)*W + w
	case NHWC, OHWI:
		return ((a*H+h)*W+w)*B + b
	case IHWO:
		A := d.Dims[0]
		return ((b*H+h)*W+w)*A + a
	case NChw8c:
		cb := roundUp(B, blockSize) / blockSize
		return (((a*cb+b/blockSize)*H+h)*W+w)*blockSize + b%blockSize
	}
	invariant("4-D offset in %s", d)
	return 0
}

func (d Desc) off5(g, o, i, h, w int) int {
	if d.Format != GOIHW {
		invariant("5-D offset in %s", d)
	}
	O, I, H, W := d.Dims[1], d.Dims[2], d.Dims[3], d.Dims[4]
	return (((g*O+o)*I+i)*H+h)*W + w
}

func roundUp(v, m int) int {
	return (v + m - 1) / m * m
}

// forEachIndex visits every canonical index of dims in row-major order.
// The slice passed to fn is reused between calls.
func forEachIndex(dims []int, fn func(idx []int)) {
	for _, v := range dims {
		if v == 0 {
			return
		}
	}
	idx := make([]int, len(dims))
	for {
		fn(idx)
		k := len(dims) - 1
		for k >= 0 {
			idx[k]++
			if idx[k] < dims[k] {
				break
			}
			idx[k] = 0
			k--
		}
		if k < 0 {
			return
		}
	}
}
