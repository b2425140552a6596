package gatewayhttp

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/modelbridge/gateway/internal/core"
	"github.com/modelbridge/gateway/internal/feedback"
)

// errorBody is the §6 error envelope: {"error":{"message","type","code"}}.
type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func newErrorBody(msg, kind string, code int) errorBody {
	var e errorBody
	e.Error.Message = msg
	e.Error.Type = kind
	e.Error.Code = code
	return e
}

// errorStatusAndKind maps a gateway error (§7) to its HTTP status and
// envelope type. Unrecognized errors fall back to 500/server_error.
func errorStatusAndKind(err error) (int, string) {
	switch {
	case errors.Is(err, core.ErrInvalidAPIKey):
		return http.StatusUnauthorized, "authentication_error"
	case errors.Is(err, core.ErrModelNotPermitted):
		return http.StatusForbidden, "permission_error"
	case errors.Is(err, core.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limit_error"
	case errors.Is(err, core.ErrQuotaExceeded):
		return http.StatusPaymentRequired, "quota_error"
	case errors.Is(err, core.ErrModelNotFound):
		return http.StatusNotFound, "not_found_error"
	case errors.Is(err, core.ErrNoHealthyBackend):
		return http.StatusServiceUnavailable, "service_unavailable"
	case errors.Is(err, core.ErrParseRequest):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, core.ErrBackend):
		return http.StatusBadGateway, "backend_error"
	case errors.Is(err, feedback.ErrNotFound):
		return http.StatusNotFound, "not_found_error"
	case errors.Is(err, core.ErrFeedback):
		return http.StatusInternalServerError, "feedback_error"
	default:
		return http.StatusInternalServerError, "server_error"
	}
}

var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to encode response", "error", err)
		return
	}
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	w.Write(data)
}

func writeError(w http.ResponseWriter, err error) {
	status, kind := errorStatusAndKind(err)
	writeJSON(w, status, newErrorBody(err.Error(), kind, status))
}
