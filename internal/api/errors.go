package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/dnnhal/internal/driver"
	"github.com/samcharles93/dnnhal/pkg/nnapi"
)

var ErrInvalidRequest = errors.New("invalid_request")

type invalidRequestError struct {
	msg string
}

func (e invalidRequestError) Error() string {
	return e.msg
}

func (e invalidRequestError) Unwrap() error {
	return ErrInvalidRequest
}

func newInvalidRequest(msg string) error {
	return invalidRequestError{msg: msg}
}

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg, "")
}

func writeNotFound(c *echo.Context, msg string) error {
	return writeError(c, http.StatusNotFound, "not_found_error", msg, "")
}

func writeError(c *echo.Context, status int, errType, msg, driverStatus string) error {
	return c.JSON(status, map[string]any{
		"error": APIError{
			Message: msg,
			Type:    errType,
			Status:  driverStatus,
		},
	})
}

// writeDriverError reports err with the HTTP status matching its driver
// status: unknown models are 404, invalid arguments 400, the rest 500.
func writeDriverError(c *echo.Context, err error) error {
	if errors.Is(err, driver.ErrUnknownModel) {
		return writeError(c, http.StatusNotFound, "not_found_error", err.Error(), nnapi.StatusInvalidArgument.String())
	}
	return writeStatus(c, driver.StatusOf(err), err.Error())
}

func writeStatus(c *echo.Context, status nnapi.ErrorStatus, msg string) error {
	if status == nnapi.StatusInvalidArgument {
		return writeError(c, http.StatusBadRequest, "invalid_request_error", msg, status.String())
	}
	return writeError(c, http.StatusInternalServerError, "server_error", msg, status.String())
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	if err := dec.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}
