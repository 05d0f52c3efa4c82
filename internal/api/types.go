package api

import (
	"github.com/samcharles93/dnnhal/internal/driver"
	"github.com/samcharles93/dnnhal/internal/prepared"
	"github.com/samcharles93/dnnhal/pkg/nnapi"
)

type APIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Status  string `json:"status,omitempty"`
}

type StatusResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Models  int    `json:"models"`
	Running int    `json:"running"`
	Pending int    `json:"pending"`
}

type CapabilitiesResponse struct {
	Status       string             `json:"status"`
	Capabilities nnapi.Capabilities `json:"capabilities"`
}

type SupportedResponse struct {
	Status    string         `json:"status"`
	Supported []bool         `json:"supported"`
	Reasons   map[int]string `json:"reasons,omitempty"`
}

// ModelResponse describes a prepared model.
type ModelResponse struct {
	driver.ModelInfo
	Object  string            `json:"object"`
	Status  string            `json:"status,omitempty"`
	Inputs  []prepared.Tensor `json:"inputs"`
	Outputs []prepared.Tensor `json:"outputs"`
}

type ModelList struct {
	Object string             `json:"object"`
	Data   []driver.ModelInfo `json:"data"`
}

type DeleteModelResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Deleted bool   `json:"deleted"`
}

// ExecutionInput carries one model input either as raw bytes (base64 in
// JSON) or, for float32 operands, as values.
type ExecutionInput struct {
	Data   []byte    `json:"data,omitempty"`
	Values []float32 `json:"values,omitempty"`
}

type ExecutionRequest struct {
	Inputs []ExecutionInput `json:"inputs"`
}

type ExecutionOutput struct {
	Type       string    `json:"type"`
	Dimensions []int     `json:"dimensions"`
	Data       []byte    `json:"data"`
	Values     []float32 `json:"values,omitempty"`
}

// Execution is the record of one execution. Status is queued until the
// completion callback fires, then completed or failed; Result carries the
// driver status code.
type Execution struct {
	ID          string            `json:"id"`
	Object      string            `json:"object"`
	Model       string            `json:"model"`
	Status      string            `json:"status"`
	Result      string            `json:"result,omitempty"`
	Outputs     []ExecutionOutput `json:"outputs,omitempty"`
	CreatedAt   int64             `json:"created_at"`
	CompletedAt *int64            `json:"completed_at,omitempty"`
	ElapsedMs   float64           `json:"elapsed_ms,omitempty"`
}
