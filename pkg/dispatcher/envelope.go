// Package dispatcher routes classified tasks to their executors and defines the
// NATS request/response envelope for remote task submission.
package dispatcher

import "github.com/morezero/taskrunner/pkg/taskerr"

// RunRequest is the JSON envelope for incoming task requests.
type RunRequest struct {
	ID   string `json:"id"`
	Task string `json:"task"`
}

// RunResponse is the JSON envelope for task responses.
type RunResponse struct {
	ID     string       `json:"id"`
	Ok     bool         `json:"ok"`
	Result interface{}  `json:"result,omitempty"`
	Error  *ErrorDetail `json:"error,omitempty"`
}

// ErrorDetail holds structured error information.
type ErrorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// ErrorResponse builds a failed RunResponse.
func ErrorResponse(id, code, message string, retryable bool) *RunResponse {
	return &RunResponse{
		ID: id,
		Ok: false,
		Error: &ErrorDetail{
			Code:      code,
			Message:   message,
			Retryable: retryable,
		},
	}
}

// ErrorToResponse maps err onto a failed RunResponse using its taskerr code.
func ErrorToResponse(id string, err error) *RunResponse {
	return ErrorResponse(id, taskerr.CodeOf(err), err.Error(), taskerr.Retryable(err))
}
