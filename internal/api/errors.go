package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/knx-gateway/internal/gateway"
	"github.com/nerrad567/knx-gateway/internal/knx"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationError is the 422 body for a rejected configuration.
type ValidationError struct {
	Error
	Failures []gateway.ValidationFailure `json:"failures"`
}

// Common error codes.
const (
	ErrCodeBadRequest     = "bad_request"
	ErrCodeNotFound       = "not_found"
	ErrCodeUnauthorized   = "unauthorised"
	ErrCodeForbidden      = "forbidden"
	ErrCodeConflict       = "conflict"
	ErrCodeInternal       = "internal_error"
	ErrCodeValidation     = "validation_error"
	ErrCodeUnavailable    = "unavailable"
	ErrCodeMethodNotAllow = "method_not_allowed"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeNotFound writes a 404 error response.
func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// writeUnauthorized writes a 401 error response.
func writeUnauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// writeForbidden writes a 403 error response.
func writeForbidden(w http.ResponseWriter, message string) {
	writeError(w, http.StatusForbidden, ErrCodeForbidden, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeValidation writes a 422 response listing every failure.
func writeValidation(w http.ResponseWriter, res gateway.ValidationResult) {
	failures := res.Failures
	if failures == nil {
		failures = []gateway.ValidationFailure{}
	}
	writeJSON(w, http.StatusUnprocessableEntity, ValidationError{
		Error: Error{
			Status:  http.StatusUnprocessableEntity,
			Code:    ErrCodeValidation,
			Message: "configuration invalid",
		},
		Failures: failures,
	})
}

// writeGatewayError maps a gateway or agent error to a response.
func (s *Server) writeGatewayError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, gateway.ErrConfigurationNotFound), errors.Is(err, gateway.ErrLinkNotFound):
		writeNotFound(w, err.Error())
	case errors.Is(err, gateway.ErrConfigurationExists):
		writeError(w, http.StatusConflict, ErrCodeConflict, err.Error())
	case errors.Is(err, gateway.ErrInvalidAttributeRef),
		errors.Is(err, gateway.ErrMissingDatapointType),
		errors.Is(err, knx.ErrInvalidGroupAddress),
		errors.Is(err, knx.ErrInvalidDPT),
		errors.Is(err, knx.ErrUnsupportedDPT),
		errors.Is(err, knx.ErrEncodingFailed):
		writeBadRequest(w, err.Error())
	case errors.Is(err, gateway.ErrEngineClosed), errors.Is(err, gateway.ErrEngineNotStarted):
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, err.Error())
	default:
		s.logger.Error("gateway operation failed", "error", err)
		writeInternalError(w, "internal server error")
	}
}
