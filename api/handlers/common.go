package handlers

import (
	"encoding/json"
	"mime"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/deepresearch/orchestrator/api"
	"github.com/deepresearch/orchestrator/research"
)

// Response and ErrorInfo are aliased from api so handlers can refer to them
// without importing both packages under different names.
type Response = api.Response
type ErrorInfo = api.ErrorInfo

// WriteJSON writes data as a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteSuccess writes a 200 Response envelope wrapping data.
func WriteSuccess(w http.ResponseWriter, data any) {
	WriteJSON(w, http.StatusOK, Response{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
		RequestID: w.Header().Get("X-Request-ID"),
	})
}

// WriteError writes err as a Response envelope, with the HTTP status
// derived from its ErrorCode.
func WriteError(w http.ResponseWriter, err *research.Error, logger *zap.Logger) {
	status := research.CodeOf(err).HTTPStatus()

	if logger != nil {
		logger.Error("api error",
			zap.String("code", string(err.Code)),
			zap.String("message", err.Message),
			zap.Bool("retryable", err.Retryable),
			zap.Error(err.Cause))
	}

	WriteJSON(w, status, Response{
		Success: false,
		Error: &ErrorInfo{
			Code:       string(err.Code),
			Message:    err.Message,
			Retryable:  err.Retryable,
			HTTPStatus: status,
		},
		Timestamp: time.Now(),
	})
}

// DecodeJSONBody decodes r's JSON body into dst, rejecting unknown fields
// and bodies over 1 MB. On failure it writes the error response itself.
func DecodeJSONBody(w http.ResponseWriter, r *http.Request, dst any, logger *zap.Logger) error {
	if r.Body == nil {
		err := research.NewError(research.ErrInvalidInput, "request body is empty")
		WriteError(w, err, logger)
		return err
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		apiErr := research.NewError(research.ErrInvalidInput, "invalid JSON body").WithCause(err)
		WriteError(w, apiErr, logger)
		return apiErr
	}
	return nil
}

// ValidateContentType rejects a request whose Content-Type isn't
// application/json, writing the error response itself on rejection.
func ValidateContentType(w http.ResponseWriter, r *http.Request, logger *zap.Logger) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		WriteError(w, research.NewError(research.ErrInvalidInput, "Content-Type must be application/json"), logger)
		return false
	}
	return true
}
