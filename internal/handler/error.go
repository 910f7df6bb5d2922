package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/DukeRupert/geepity/internal/domain"
)

// MsgInternal is shown for any 5xx the caller should not see details of.
const MsgInternal = "An internal error occurred. Please try again later."

// ErrorResponse writes a proxy error response. It maps domain error codes
// to HTTP status codes and writes {"error":{"message":...}}. Internal error
// details are logged but never returned to the caller.
func ErrorResponse(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	code := domain.ErrorCode(err)
	message := domain.ErrorMessage(err)
	op := domain.ErrorOp(err)

	status := ErrorCodeToHTTPStatus(code)
	if status >= 500 && code != domain.EUPSTREAM {
		message = MsgInternal
	}

	logError(logger, r, err, code, op, status)
	writeJSONError(w, status, message)
}

// UpstreamErrorResponse mirrors a provider's non-success status and body.
func UpstreamErrorResponse(w http.ResponseWriter, r *http.Request, logger *slog.Logger, ue *domain.UpstreamError) {
	logger.Warn("upstream error",
		"status", ue.Status,
		"path", r.URL.Path,
		"body_bytes", len(ue.Body),
	)
	writeJSONError(w, ue.Status, ue.Body)
}

// ErrorCodeToHTTPStatus maps domain error codes to HTTP status codes.
func ErrorCodeToHTTPStatus(code string) int {
	switch code {
	case domain.EINVALID:
		return http.StatusBadRequest // 400
	case domain.EUNAUTHORIZED:
		return http.StatusUnauthorized // 401
	case domain.EFORBIDDEN:
		return http.StatusForbidden // 403
	case domain.ENOTFOUND:
		return http.StatusNotFound // 404
	case domain.ECONFLICT:
		return http.StatusConflict // 409
	case domain.ETOOLARGE:
		return http.StatusRequestEntityTooLarge // 413
	case domain.ERATELIMIT:
		return http.StatusTooManyRequests // 429
	case domain.EUPSTREAM:
		return http.StatusBadGateway // 502
	case domain.EINTERNAL:
		return http.StatusInternalServerError // 500
	default:
		return http.StatusInternalServerError // 500
	}
}

// logError logs the error with a level based on status code.
func logError(logger *slog.Logger, r *http.Request, err error, code, op string, status int) {
	attrs := []any{
		"error", err.Error(),
		"code", code,
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
	}
	if op != "" {
		attrs = append(attrs, "op", op)
	}

	if status >= 500 {
		logger.Error("server error", attrs...)
	} else if status >= 400 {
		logger.Info("client error", attrs...)
	}
}

// JSONError is the proxy error body.
type JSONError struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	var body JSONError
	body.Error.Message = message
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
