// Package api serves the driver over HTTP.
package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/dnnhal/internal/driver"
	"github.com/samcharles93/dnnhal/internal/logger"
	"github.com/samcharles93/dnnhal/internal/mempool"
	"github.com/samcharles93/dnnhal/internal/version"
	"github.com/samcharles93/dnnhal/pkg/nnapi"
)

type Server struct {
	driver *driver.Driver
	store  *ExecutionStore
	log    logger.Logger
	clock  func() time.Time
}

func NewServer(d *driver.Driver, store *ExecutionStore, log logger.Logger) *Server {
	if store == nil {
		store = NewExecutionStore(256)
	}
	return &Server{
		driver: d,
		store:  store,
		log:    logger.OrNop(log).With("component", "api"),
		clock:  time.Now,
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/v1/status", s.handleStatus)
	e.GET("/v1/capabilities", s.handleCapabilities)
	e.POST("/v1/supported_operations", s.handleSupportedOperations)

	e.POST("/v1/models", s.handlePrepareModel)
	e.GET("/v1/models", s.handleListModels)
	e.GET("/v1/models/:id", s.handleGetModel)
	e.DELETE("/v1/models/:id", s.handleDeleteModel)

	e.POST("/v1/models/:id/executions", s.handleCreateExecution)
	e.GET("/v1/executions/:id", s.handleGetExecution)
	e.DELETE("/v1/executions/:id", s.handleDeleteExecution)
}

func (s *Server) handleStatus(c *echo.Context) error {
	running, pending := s.driver.Load()
	return c.JSON(http.StatusOK, StatusResponse{
		Status:  s.driver.GetStatus().String(),
		Version: version.String(),
		Models:  len(s.driver.Models()),
		Running: running,
		Pending: pending,
	})
}

func (s *Server) handleCapabilities(c *echo.Context) error {
	status, caps := s.driver.GetCapabilities()
	return c.JSON(http.StatusOK, CapabilitiesResponse{Status: status.String(), Capabilities: caps})
}

// handleSupportedOperations answers with the per-operation support of the
// posted model. With ?explain=true the rejection reasons are included.
func (s *Server) handleSupportedOperations(c *echo.Context) error {
	m, release, err := decodeModel(c)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	defer release()

	status, supported := s.driver.GetSupportedOperations(m)
	resp := SupportedResponse{Status: status.String(), Supported: supported}
	if status != nnapi.StatusNone {
		return c.JSON(httpStatus(status), resp)
	}
	if boolParam(c, "explain") {
		reasons, err := s.driver.Explain(m)
		if err != nil {
			return writeDriverError(c, err)
		}
		resp.Reasons = reasons
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handlePrepareModel(c *echo.Context) error {
	m, release, err := decodeModel(c)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	defer release()

	id, err := s.driver.PrepareModel(c.Request().Context(), m)
	if err != nil {
		s.log.Warn("prepare failed", "error", err)
		return writeDriverError(c, err)
	}
	resp, err := s.describe(id)
	if err != nil {
		return writeDriverError(c, err)
	}
	resp.Status = nnapi.StatusNone.String()
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleListModels(c *echo.Context) error {
	return c.JSON(http.StatusOK, ModelList{Object: "list", Data: s.driver.Models()})
}

func (s *Server) handleGetModel(c *echo.Context) error {
	resp, err := s.describe(c.Param("id"))
	if err != nil {
		return writeDriverError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleDeleteModel(c *echo.Context) error {
	id := c.Param("id")
	if err := s.driver.Release(id); err != nil {
		return writeDriverError(c, err)
	}
	return c.JSON(http.StatusOK, DeleteModelResponse{ID: id, Object: "model", Deleted: true})
}

func (s *Server) describe(id string) (ModelResponse, error) {
	inputs, outputs, err := s.driver.Signature(id)
	if err != nil {
		return ModelResponse{}, err
	}
	for _, info := range s.driver.Models() {
		if info.ID == id {
			return ModelResponse{ModelInfo: info, Object: "model", Inputs: inputs, Outputs: outputs}, nil
		}
	}
	return ModelResponse{}, fmt.Errorf("%w: %q", driver.ErrUnknownModel, id)
}

// decodeModel reads a JSON model from the request body and gives its
// inline pools native handles. release must be called once the driver no
// longer needs the handles; prepared models keep their own mappings.
// Remote callers may only send inline pool data.
func decodeModel(c *echo.Context) (*nnapi.Model, func(), error) {
	m, err := nnapi.DecodeModel(c.Request().Body)
	if err != nil {
		return nil, nil, err
	}
	for i, p := range m.Pools {
		if len(p.Handle) > 0 || p.Path != "" {
			return nil, nil, newInvalidRequest(fmt.Sprintf("pool %d: only inline data is accepted", i))
		}
	}
	pools, closer, err := mempool.Materialize(m.Pools)
	if err != nil {
		return nil, nil, err
	}
	m.Pools = pools
	return m, func() { _ = closer.Close() }, nil
}

func httpStatus(status nnapi.ErrorStatus) int {
	switch status {
	case nnapi.StatusNone:
		return http.StatusOK
	case nnapi.StatusInvalidArgument:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func boolParam(c *echo.Context, name string) bool {
	q := c.QueryParam(name)
	return q == "1" || strings.EqualFold(q, "true")
}
