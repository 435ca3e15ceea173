package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/oktsec/warden/internal/secerr"
)

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// statusFor maps a gateway error kind to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, secerr.ErrPermission):
		return http.StatusForbidden
	case errors.Is(err, secerr.ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, secerr.ErrResourceExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, secerr.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, secerr.ErrUnsupported):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes err as JSON. A non-zero status overrides the mapping.
func writeError(w http.ResponseWriter, err error, status int) {
	if status == 0 {
		status = statusFor(err)
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Default().Error("request failed", "error", err)
		msg = "internal server error"
	}
	writeJSON(w, status, errorBody{Error: msg, Kind: secerr.KindOf(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Header already sent; nothing else to do.
		slog.Default().Error("writeJSON: encode failed", "error", err)
	}
}

const maxBodySize = 16 << 20

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, secerr.Validation("invalid request body: %v", err), 0)
		return false
	}
	return true
}
