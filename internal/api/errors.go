package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/dcp-core/internal/auth"
	"github.com/nerrad567/dcp-core/internal/gateway"
)

// Error represents a structured error response.
type Error struct {
	Status  int               `json:"status"`
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// Common error codes.
const (
	ErrCodeBadRequest         = "bad_request"
	ErrCodeNotFound           = "not_found"
	ErrCodeForbidden          = "forbidden"
	ErrCodeConflict           = "conflict"
	ErrCodeInternal           = "internal_error"
	ErrCodeValidation         = "validation_error"
	ErrCodeRateLimited        = "rate_limited"
	ErrCodeInvalidCredentials = "invalid_credentials"
	ErrCodeAccountInactive    = "account_inactive"
	ErrCodeTokenMissing       = "token_missing"
	ErrCodeTokenInvalid       = "token_invalid"
	ErrCodeTokenExpired       = "token_expired"
)

// forbiddenMessage is deliberately generic: it must not reveal whether the
// target exists or which rule denied the request.
const forbiddenMessage = "access forbidden: insufficient role"

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

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeValidationError writes a 400 response listing the offending fields.
func writeValidationError(w http.ResponseWriter, verr *gateway.ValidationError) {
	writeJSON(w, http.StatusBadRequest, Error{
		Status:  http.StatusBadRequest,
		Code:    ErrCodeValidation,
		Message: "invalid input",
		Fields:  verr.Fields,
	})
}

// tokenErrorCode maps a token failure to its response code.
func tokenErrorCode(err error) (string, bool) {
	switch {
	case errors.Is(err, gateway.ErrTokenMissing):
		return ErrCodeTokenMissing, true
	case errors.Is(err, gateway.ErrTokenExpired):
		return ErrCodeTokenExpired, true
	case errors.Is(err, gateway.ErrTokenInvalid), errors.Is(err, auth.ErrTokenMalformed):
		return ErrCodeTokenInvalid, true
	default:
		return "", false
	}
}

// writeGatewayError maps a gateway error to its HTTP response. Only
// unexpected errors are logged here; the gateway has already logged its
// persistence failures.
func (s *Server) writeGatewayError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *gateway.ValidationError
	if errors.As(err, &verr) {
		writeValidationError(w, verr)
		return
	}
	if code, ok := tokenErrorCode(err); ok {
		writeError(w, http.StatusUnauthorized, code, err.Error())
		return
	}

	switch {
	case errors.Is(err, gateway.ErrRoleUnknown):
		writeBadRequest(w, err.Error())
	case errors.Is(err, gateway.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, ErrCodeInvalidCredentials, gateway.ErrInvalidCredentials.Error())
	case errors.Is(err, gateway.ErrAccountInactive):
		writeError(w, http.StatusUnauthorized, ErrCodeAccountInactive, gateway.ErrAccountInactive.Error())
	case errors.Is(err, gateway.ErrUnauthorized), errors.Is(err, gateway.ErrRoleNotPermitted):
		writeError(w, http.StatusForbidden, ErrCodeForbidden, forbiddenMessage)
	case errors.Is(err, gateway.ErrDuplicateIdentity):
		writeError(w, http.StatusConflict, ErrCodeConflict, gateway.ErrDuplicateIdentity.Error())
	case errors.Is(err, gateway.ErrSelfModification):
		writeError(w, http.StatusConflict, ErrCodeConflict, gateway.ErrSelfModification.Error())
	case errors.Is(err, gateway.ErrNotFound):
		writeError(w, http.StatusNotFound, ErrCodeNotFound, gateway.ErrNotFound.Error())
	default:
		var perr *gateway.PersistenceError
		if !errors.As(err, &perr) {
			s.logger.Error("request failed",
				"method", r.Method,
				"path", r.URL.Path,
				"request_id", requestIDFromContext(r.Context()),
				"error", err,
			)
		}
		writeInternalError(w, "internal server error")
	}
}
