package prepared

// Padding schemes for the implicit-padding operation signatures.
const (
	paddingSame  = 1
	paddingValid = 2
)

// padding is the explicit border on each side of the spatial axes.
type padding struct {
	top, bottom, left, right int
}

// samePadding returns the head/tail padding that makes the output size
// ceil(in/stride).
func samePadding(in, stride, filter int) (head, tail int) {
	out := (in + stride - 1) / stride
	need := (out-1)*stride + filter
	if need > in {
		total := need - in
		head = total / 2
		tail = total - head
	}
	return head, tail
}

// outSize is the convolution/pooling output length along one axis.
func outSize(in, filter, stride, head, tail int) int {
	return (in - filter + stride + head + tail) / stride
}

// implicitPadding resolves a padding scheme into explicit padding for an
// NHWC input of spatial size h x w.
func implicitPadding(scheme, h, w, strideH, strideW, kh, kw int) (padding, error) {
	switch scheme {
	case paddingSame:
		var p padding
		p.top, p.bottom = samePadding(h, strideH, kh)
		p.left, p.right = samePadding(w, strideW, kw)
		return p, nil
	case paddingValid:
		return padding{}, nil
	default:
		return padding{}, unsupported("padding scheme %d", scheme)
	}
}
