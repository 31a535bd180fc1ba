package api

import (
	"errors"
	"math"

	"calcrunner/internal/models"
)

// SubmitTaskRequest is the body for POST /add and POST /multiply. Pointers
// distinguish missing fields from zero values; a non-numeric value fails
// JSON decoding before validation runs.
type SubmitTaskRequest struct {
	A *float64 `json:"a"`
	B *float64 `json:"b"`
}

func (s *SubmitTaskRequest) validate() error {
	if s.A == nil || s.B == nil {
		return errors.New("missing required parameters 'a' or 'b'")
	}
	if math.IsNaN(*s.A) || math.IsInf(*s.A, 0) || math.IsNaN(*s.B) || math.IsInf(*s.B, 0) {
		return errors.New("'a' and 'b' must be finite numbers")
	}
	return nil
}

type SubmitTaskResponse struct {
	TaskID string `json:"task_id"`
}

// TaskResultResponse mirrors the polling contract: PENDING/RUNNING/FAILURE/
// REVOKED report a status message, SUCCESS reports the numeric result.
type TaskResultResponse struct {
	State  models.TaskStatus `json:"state"`
	Status string            `json:"status,omitempty"`
	Result *float64          `json:"result,omitempty"`
}

type DeleteTaskResponse struct {
	Success bool `json:"success"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
