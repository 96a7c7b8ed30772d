package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/joss/scribe/internal/auth"
	"github.com/joss/scribe/internal/domain"
	"github.com/joss/scribe/internal/planning"
	"github.com/joss/scribe/internal/store"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error  string         `json:"error"`
	Kind   string         `json:"kind"`
	Issues []domain.Issue `json:"issues,omitempty"`
}

// classify maps an engine error to its HTTP status and a stable kind.
func classify(err error) (int, string) {
	var verrs validator.ValidationErrors
	switch {
	case store.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, domain.ErrAssemblyValidationFailed):
		return http.StatusUnprocessableEntity, "assembly_validation_failed"
	case errors.Is(err, domain.ErrRetryLimitExceeded):
		return http.StatusTooManyRequests, "retry_limit_exceeded"
	case errors.Is(err, domain.ErrInvalidState):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, domain.ErrNoSubtasks):
		return http.StatusBadRequest, "no_subtasks"
	case errors.Is(err, domain.ErrInvalidInput), errors.As(err, &verrs):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, domain.ErrMalformedResponse):
		return http.StatusBadGateway, "malformed_response"
	case errors.Is(err, domain.ErrBackendFailure):
		return http.StatusBadGateway, "backend_failure"
	case errors.Is(err, planning.ErrNoBackend):
		return http.StatusNotImplemented, "no_backend"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func issuesOf(err error) []domain.Issue {
	var asm *domain.AssemblyError
	if errors.As(err, &asm) {
		return asm.Issues
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status, kind := classify(err)
	writeJSON(w, status, ErrorBody{Error: err.Error(), Kind: kind, Issues: issuesOf(err)})
}

// decode reads a JSON body into v and validates it. An empty body leaves v
// at its zero value when optional is set.
func (s *Server) decode(r *http.Request, v any, optional bool) error {
	err := json.NewDecoder(r.Body).Decode(v)
	switch {
	case errors.Is(err, io.EOF) && optional:
	case errors.Is(err, io.EOF):
		return fmt.Errorf("%w: request body is required", domain.ErrInvalidInput)
	case err != nil:
		return fmt.Errorf("%w: decode body: %w", domain.ErrInvalidInput, err)
	}
	if err := s.validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrInvalidInput, err)
	}
	return nil
}

func bearer(r *http.Request) (string, bool) {
	return auth.BearerToken(r.Header.Get("Authorization"))
}
