package server

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// ErrorCode represents application-specific error codes.
type ErrorCode string

const (
	ErrorCodeInvalidRequest ErrorCode = "INVALID_REQUEST"
	ErrorCodeInternalError  ErrorCode = "INTERNAL_ERROR"
	ErrorCodeRateLimited    ErrorCode = "RATE_LIMITED"
	ErrorCodeNotFound       ErrorCode = "NOT_FOUND"
	ErrorCodeHostNotFound   ErrorCode = "HOST_NOT_FOUND"
	ErrorCodeNoTokenRing    ErrorCode = "TOKEN_RING_UNAVAILABLE"
	ErrorCodeUnknownKS      ErrorCode = "KEYSPACE_NOT_FOUND"
)

// ErrorResponse represents the standard error response format.
type ErrorResponse struct {
	Status    string    `json:"status"`
	ErrorCode ErrorCode `json:"error_code"`
	Message   string    `json:"message"`
	RequestID string    `json:"request_id,omitempty"`
}

// errorWriter writes JSON error and success bodies
type errorWriter struct {
	logger *zap.Logger
}

func (e *errorWriter) writeError(w http.ResponseWriter, r *http.Request, statusCode int, code ErrorCode, message string) {
	requestID := RequestIDFromContext(r.Context())
	if statusCode >= http.StatusInternalServerError {
		e.logger.Error("request failed",
			zap.String("error_code", string(code)),
			zap.String("message", message),
			zap.String("request_id", requestID))
	}
	e.writeJSON(w, statusCode, ErrorResponse{
		Status:    "error",
		ErrorCode: code,
		Message:   message,
		RequestID: requestID,
	})
}

func (e *errorWriter) writeJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		e.logger.Error("failed to encode response", zap.Error(err))
	}
}
