package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/pkg/errors"

	"github.com/makotom/nsspeed/speedtest"
)

type ErrorCode string

const (
	CodeCapacityExceeded      ErrorCode = "capacity_exceeded"
	CodeRunNotFound           ErrorCode = "run_not_found"
	CodePhaseMismatch         ErrorCode = "phase_mismatch"
	CodeIncompleteMeasurement ErrorCode = "incomplete_measurement"
	CodeUploadTooLarge        ErrorCode = "upload_too_large"
	CodeIncompleteUpload      ErrorCode = "incomplete_upload"
	CodeIncompleteDownload    ErrorCode = "incomplete_download"
	CodeCancelled             ErrorCode = "cancelled"
	CodeInternalError         ErrorCode = "internal_error"
)

// retryAfterSeconds is advertised when the registry is full.
const retryAfterSeconds = 30

// HTTPError carries the status and machine-readable code a run error is
// reported with.
type HTTPError struct {
	StatusCode int
	Code       ErrorCode
	Err        error
}

func (e *HTTPError) Error() string {
	return e.Err.Error()
}

func (e *HTTPError) Unwrap() error {
	return e.Err
}

func MapError(err error) *HTTPError {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, speedtest.ErrCapacityExceeded):
		return &HTTPError{http.StatusServiceUnavailable, CodeCapacityExceeded, err}

	case errors.Is(err, speedtest.ErrNotFound):
		return &HTTPError{http.StatusNotFound, CodeRunNotFound, err}

	case errors.Is(err, speedtest.ErrPhaseMismatch):
		return &HTTPError{http.StatusConflict, CodePhaseMismatch, err}

	case errors.Is(err, speedtest.ErrIncompleteMeasurement):
		return &HTTPError{http.StatusConflict, CodeIncompleteMeasurement, err}

	case errors.Is(err, speedtest.ErrUploadTooLarge):
		return &HTTPError{http.StatusRequestEntityTooLarge, CodeUploadTooLarge, err}

	case errors.Is(err, speedtest.ErrIncompleteUpload):
		return &HTTPError{http.StatusBadRequest, CodeIncompleteUpload, err}

	case errors.Is(err, speedtest.ErrIncompleteDownload):
		return &HTTPError{http.StatusBadRequest, CodeIncompleteDownload, err}

	case errors.Is(err, context.Canceled):
		// nginx convention for a client that closed the request
		return &HTTPError{499, CodeCancelled, err}

	default:
		return &HTTPError{http.StatusInternalServerError, CodeInternalError, err}
	}
}

type errorDTO struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError reports err as JSON or as an HTML page, following the Accept
// header of r.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	httpErr := MapError(err)
	if httpErr == nil {
		return
	}

	s.metrics.rejected.WithLabelValues(string(httpErr.Code)).Inc()

	level := slog.LevelDebug
	if httpErr.StatusCode >= http.StatusInternalServerError && httpErr.Code != CodeCapacityExceeded {
		level = slog.LevelError
	}
	s.logger.Log(r.Context(), level, "request rejected",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("client", clientAddr(r, s.config.TrustForwardedFor)),
		slog.String("code", string(httpErr.Code)),
		slog.String("error", err.Error()),
	)

	setNoStoreHeaders(w.Header())
	if httpErr.Code == CodeCapacityExceeded {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	}

	if wantsJSON(r) {
		s.writeJSON(w, httpErr.StatusCode, errorDTO{
			Code:    string(httpErr.Code),
			Message: httpErr.Error(),
		})
		return
	}

	s.renderPage(w, httpErr.StatusCode, "error", errorPage{
		StatusCode: httpErr.StatusCode,
		Code:       string(httpErr.Code),
		Message:    userMessage(httpErr.Code),
	})
}

func userMessage(code ErrorCode) string {
	switch code {
	case CodeCapacityExceeded:
		return "The server is running too many tests right now. Please try again in a little while."
	case CodeRunNotFound:
		return "This test run does not exist or has expired. Please start a new one."
	case CodePhaseMismatch:
		return "This step of the test was already taken or is out of order. Please start a new run."
	case CodeIncompleteMeasurement:
		return "The test has not finished yet, so there is nothing to show."
	case CodeUploadTooLarge:
		return "The uploaded file is larger than this server accepts."
	case CodeIncompleteUpload:
		return "The upload did not arrive completely."
	case CodeIncompleteDownload:
		return "The download was interrupted."
	default:
		return "Something went wrong on the server."
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// the status line is out already, all that is left is to log
		s.logger.Debug("response not delivered",
			slog.Int("status", statusCode),
			slog.String("error", err.Error()),
		)
	}
}
