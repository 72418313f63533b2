package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/synthmon/platform/internal/app/auth"
	"github.com/synthmon/platform/internal/app/services/registry"
	"github.com/synthmon/platform/internal/app/storage"
)

// apiErrCode is the stable error taxonomy returned in the envelope's
// "error.code" field, per the documented error handling design.
type apiErrCode string

const (
	codeInvalidRequest    apiErrCode = "invalid_request"
	codeUnauthorized      apiErrCode = "unauthorized"
	codeNotFound          apiErrCode = "not_found"
	codeRateLimited       apiErrCode = "rate_limited"
	codeRunnerUnavailable apiErrCode = "runner_unavailable"
	codeInternal          apiErrCode = "internal"
)

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    apiErrCode        `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// writeError classifies err into the documented taxonomy and writes the
// error envelope with the matching HTTP status.
func writeError(w http.ResponseWriter, err error) {
	code, status := classifyError(err)
	writeErrorCode(w, status, code, err.Error())
}

func writeErrorCode(w http.ResponseWriter, status int, code apiErrCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorEnvelope{Error: errorBody{Code: code, Message: message}})
}

func classifyError(err error) (apiErrCode, int) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return codeNotFound, http.StatusNotFound
	case errors.Is(err, registry.ErrInvalidRequest):
		return codeInvalidRequest, http.StatusBadRequest
	case errors.Is(err, registry.ErrAlreadyQueued):
		return codeInvalidRequest, http.StatusConflict
	case errors.Is(err, auth.ErrUnauthorised), errors.Is(err, auth.ErrTenantNotFound):
		return codeUnauthorized, http.StatusUnauthorized
	default:
		return codeInternal, http.StatusInternalServerError
	}
}
