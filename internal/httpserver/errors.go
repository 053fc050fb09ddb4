package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"outreach/internal/domain"
)

const (
	ErrInvalidJSON      = "invalid json"
	ErrMissingID        = "missing id"
	ErrDependency       = "dependency error"
	ErrNotFound         = "not found"
	ErrInvalidSignature = "invalid signature"
	ErrBodyTooLarge     = "body too large"
	ErrForbidden        = "forbidden"
)

type errorBody struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

// statusFor maps a classified error to its response status. Anything
// unclassified is a dependency failure.
func statusFor(err error) int {
	switch domain.CodeOf(err) {
	case domain.CodeValidation:
		return http.StatusBadRequest
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeBan, domain.CodeState:
		return http.StatusConflict
	case domain.CodeQueueFull, domain.CodeRateLimited:
		return http.StatusTooManyRequests
	case domain.CodeConnection, domain.CodeAuth:
		return http.StatusBadGateway
	case domain.CodeTimeout:
		return http.StatusGatewayTimeout
	}
	if errors.Is(err, http.ErrHandlerTimeout) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	body := errorBody{Code: string(domain.CodeOf(err)), Error: err.Error()}
	if status == http.StatusInternalServerError {
		body = errorBody{Code: "internal", Error: ErrDependency}
	}
	writeJSON(w, status, body)
}

func writeMessage(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Code: code, Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode response failed", "err", err)
	}
}
