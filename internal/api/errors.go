package api

import (
	"errors"
	"net/http"

	"github.com/samcharles93/spikegen/internal/backend/cuda"
	"github.com/samcharles93/spikegen/internal/model"
	"github.com/samcharles93/spikegen/internal/pipeline"
	"github.com/samcharles93/spikegen/internal/store"
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

// errorStatus maps a run error to its HTTP status, error type and code.
func errorStatus(err error) (int, string, string) {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request_error", ""
	case errors.Is(err, model.ErrInvalidModel), errors.Is(err, model.ErrNotFinalized):
		return http.StatusBadRequest, "invalid_request_error", "invalid_model"
	case errors.Is(err, cuda.ErrUnsupported), errors.Is(err, cuda.ErrZeroCopyUnsupported):
		return http.StatusBadRequest, "invalid_request_error", "unsupported_model"
	case errors.Is(err, pipeline.ErrManualTuning):
		return http.StatusBadRequest, "invalid_request_error", "manual_block_sizes"
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "not_found_error", "not_found"
	default:
		return http.StatusInternalServerError, "server_error", ""
	}
}
