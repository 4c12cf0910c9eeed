package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/sand/loyalty-escrow/backend/internal/core/ports"
	"github.com/sand/loyalty-escrow/backend/internal/entities"
)

type errorBody struct {
	RequestID string      `json:"request_id"`
	Error     errorDetail `json:"error"`
}

type errorDetail struct {
	Code    entities.ErrorCode `json:"code"`
	Message string             `json:"message"`
}

func newRequestID() string { return "req_" + uuid.NewString() }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps a domain error code to its HTTP status.
func statusFor(code entities.ErrorCode) int {
	switch code {
	case entities.CodeInvalidInput, entities.CodeBelowMinimum, entities.CodeInsufficientBalance:
		return http.StatusBadRequest
	case entities.CodeNotFound:
		return http.StatusNotFound
	case entities.CodeConflict, entities.CodeDuplicateOrder:
		return http.StatusConflict
	case entities.CodeUnauthorized:
		return http.StatusUnauthorized
	case entities.CodeConfigMissing:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err as {request_id, error:{code, message}}. Uncoded errors are logged
// and reported as INTERNAL_ERROR without detail.
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	body := errorBody{RequestID: newRequestID()}

	var domainErr *entities.Error
	if errors.As(err, &domainErr) {
		body.Error = errorDetail{Code: domainErr.Code, Message: domainErr.Error()}
	} else {
		logger.ErrorContext(r.Context(), "Request failed",
			"request_id", body.RequestID, "method", r.Method, "path", r.URL.Path, "error", err)
		body.Error = errorDetail{Code: entities.CodeInternal, Message: "internal error"}
	}

	writeJSON(w, statusFor(body.Error.Code), body)
}

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, ports.MaxRequestBodyBytes))
	if err != nil {
		return nil, entities.NewError(entities.CodeInvalidInput, "failed to read request body")
	}
	return body, nil
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, ports.MaxRequestBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return entities.NewError(entities.CodeInvalidInput, "malformed request body: %v", err)
	}
	return nil
}
