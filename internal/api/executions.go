package api

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/dnnhal/internal/mempool"
	"github.com/samcharles93/dnnhal/internal/prepared"
	"github.com/samcharles93/dnnhal/pkg/nnapi"
)

// handleCreateExecution runs the posted inputs through prepared model :id.
// Inputs and outputs share one anonymous pool that lives until the
// completion callback fires. With ?background=true the handler answers 202
// at once and the record is polled through /v1/executions/:id.
func (s *Server) handleCreateExecution(c *echo.Context) error {
	modelID := c.Param("id")
	inputs, outputs, err := s.driver.Signature(modelID)
	if err != nil {
		return writeDriverError(c, err)
	}
	body, err := decodeJSON[ExecutionRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	data, err := packInputs(body.Inputs, inputs)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}

	layout := prepared.NewRequestLayout(inputs, outputs)
	anon, err := mempool.NewAnonymous("dnnhal-exec", max(layout.Size, 1))
	if err != nil {
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), nnapi.StatusGeneralFailure.String())
	}
	copy(anon.Bytes(), data)
	req := layout.Request(inputs, outputs, anon.Memory())

	rec := s.store.Create(modelID, s.clock())
	start := s.clock()
	finished := make(chan struct{})
	var final nnapi.ErrorStatus
	ack := s.driver.Execute(modelID, req, func(status nnapi.ErrorStatus) {
		var outs []ExecutionOutput
		if status == nnapi.StatusNone {
			outs = unpackOutputs(anon.Bytes(), layout.Outputs, outputs)
		}
		now := s.clock()
		s.store.Complete(rec.ID, status, outs, now.Sub(start), now)
		_ = anon.Close()
		final = status
		close(finished)
	})
	s.log.Debug("execution submitted", "execution", rec.ID, "model", modelID, "ack", ack.String())

	if boolParam(c, "background") {
		if ack != nnapi.StatusNone {
			return writeStatus(c, ack, fmt.Sprintf("execution %s rejected", rec.ID))
		}
		return c.JSON(http.StatusAccepted, rec)
	}

	select {
	case <-finished:
	case <-c.Request().Context().Done():
		return writeError(c, http.StatusInternalServerError, "server_error", "request canceled before execution finished", nnapi.StatusGeneralFailure.String())
	}
	if final != nnapi.StatusNone {
		return writeStatus(c, final, fmt.Sprintf("execution %s failed with %s", rec.ID, final))
	}
	done, _ := s.store.Get(rec.ID)
	return c.JSON(http.StatusOK, done)
}

func (s *Server) handleGetExecution(c *echo.Context) error {
	rec, ok := s.store.Get(c.Param("id"))
	if !ok {
		return writeNotFound(c, "execution not found")
	}
	return c.JSON(http.StatusOK, rec)
}

func (s *Server) handleDeleteExecution(c *echo.Context) error {
	id := c.Param("id")
	rec, ok := s.store.Get(id)
	if !ok {
		return writeNotFound(c, "execution not found")
	}
	if rec.Status == executionQueued {
		return writeBadRequest(c, "execution is still running")
	}
	s.store.Delete(id)
	return c.JSON(http.StatusOK, map[string]any{"id": id, "object": "execution", "deleted": true})
}

// packInputs checks every input against the model signature and
// concatenates their bytes.
func packInputs(in []ExecutionInput, sig []prepared.Tensor) ([]byte, error) {
	if len(in) != len(sig) {
		return nil, newInvalidRequest(fmt.Sprintf("model has %d inputs, request has %d", len(sig), len(in)))
	}
	var out []byte
	for i, arg := range in {
		b := arg.Data
		if arg.Values != nil {
			if arg.Data != nil {
				return nil, newInvalidRequest(fmt.Sprintf("input %d sets both data and values", i))
			}
			if sig[i].Type != nnapi.TensorFloat32 {
				return nil, newInvalidRequest(fmt.Sprintf("input %d is %s, values need TENSOR_FLOAT32", i, sig[i].Type))
			}
			b = nnapi.EncodeFloat32s(arg.Values)
		}
		if len(b) != sig[i].Bytes {
			return nil, newInvalidRequest(fmt.Sprintf("input %d has %d bytes, model needs %d", i, len(b), sig[i].Bytes))
		}
		out = append(out, b...)
	}
	return out, nil
}

func unpackOutputs(pool []byte, offsets []int, sig []prepared.Tensor) []ExecutionOutput {
	outs := make([]ExecutionOutput, len(sig))
	for i, t := range sig {
		b := make([]byte, t.Bytes)
		copy(b, pool[offsets[i]:])
		outs[i] = ExecutionOutput{Type: t.Type.String(), Dimensions: t.Dims, Data: b}
		if t.Type == nnapi.TensorFloat32 {
			outs[i].Values = nnapi.DecodeFloat32s(b)
		}
	}
	return outs
}
