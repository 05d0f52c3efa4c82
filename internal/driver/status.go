package driver

import (
	"errors"

	"github.com/samcharles93/dnnhal/internal/prepared"
	"github.com/samcharles93/dnnhal/pkg/nnapi"
)

var (
	ErrUnknownModel = errors.New("unknown prepared model")
	ErrClosed       = errors.New("driver closed")
	ErrBusy         = errors.New("execution queue full")
)

// StatusOf maps an error to the status code reported to callers. Bad
// models and requests are INVALID_ARGUMENT; everything else is an internal
// failure.
func StatusOf(err error) nnapi.ErrorStatus {
	switch {
	case err == nil:
		return nnapi.StatusNone
	case errors.Is(err, prepared.ErrInvalidModel),
		errors.Is(err, prepared.ErrUnsupportedOperation),
		errors.Is(err, prepared.ErrInvalidRequest),
		errors.Is(err, prepared.ErrNotCompiled),
		errors.Is(err, ErrUnknownModel):
		return nnapi.StatusInvalidArgument
	default:
		return nnapi.StatusGeneralFailure
	}
}
