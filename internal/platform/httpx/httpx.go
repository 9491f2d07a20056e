// Package httpx renders the JSON envelope shared by every API response.
package httpx

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Error codes carried in the "code" field of error envelopes.
const (
	CodeValidation       = "validation_error"
	CodeUnauthorized     = "unauthorized"
	CodeNotFound         = "not_found"
	CodeReportProcessing = "report_processing"
	CodeReportFailed     = "report_failed"
	CodeFileTooLarge     = "file_too_large"
	CodeRateLimited      = "rate_limited"
	CodeTimeout          = "timeout"
	CodeInternal         = "internal_error"
)

// SuccessBody is the envelope for successful responses.
type SuccessBody struct {
	Status  string      `json:"status"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ErrorBody is the envelope for failed responses.
type ErrorBody struct {
	Status  string `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error is an API error with a stable machine-readable code.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
}

func NewError(status int, code, message string) *Error {
	return &Error{Status: status, Code: code, Message: message}
}

// Success writes a success envelope.
func Success(c echo.Context, status int, message string, data interface{}) error {
	return c.JSON(status, SuccessBody{Status: "success", Message: message, Data: data})
}

// Fail writes an error envelope directly.
func Fail(c echo.Context, status int, code, message string) error {
	return c.JSON(status, ErrorBody{Status: "error", Code: code, Message: message})
}

// codeForStatus picks a code for errors raised outside the domain handlers,
// such as echo routing errors and middleware rejections.
func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest, http.StatusUnsupportedMediaType:
		return CodeValidation
	case http.StatusUnauthorized, http.StatusForbidden:
		return CodeUnauthorized
	case http.StatusNotFound, http.StatusMethodNotAllowed:
		return CodeNotFound
	case http.StatusRequestEntityTooLarge:
		return CodeFileTooLarge
	case http.StatusTooManyRequests:
		return CodeRateLimited
	case http.StatusGatewayTimeout:
		return CodeTimeout
	default:
		return CodeInternal
	}
}

// ErrorHandler replaces echo's default handler so every error leaves the
// server in the envelope shape. Unknown errors are logged and reported as
// internal errors without leaking their text.
func ErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status := http.StatusInternalServerError
		code := CodeInternal
		message := "internal server error"

		var apiErr *Error
		var httpErr *echo.HTTPError
		switch {
		case errors.As(err, &apiErr):
			status, code, message = apiErr.Status, apiErr.Code, apiErr.Message
		case errors.As(err, &httpErr):
			status = httpErr.Code
			code = codeForStatus(status)
			message = fmt.Sprintf("%v", httpErr.Message)
		}

		if status >= http.StatusInternalServerError {
			rid, _ := c.Get("request_id").(string)
			logger.Error().Err(err).
				Str("request_id", rid).
				Str("path", c.Request().URL.Path).
				Msg("request failed")
		}

		var writeErr error
		if c.Request().Method == http.MethodHead {
			writeErr = c.NoContent(status)
		} else {
			writeErr = Fail(c, status, code, message)
		}
		if writeErr != nil {
			logger.Error().Err(writeErr).Msg("write error response")
		}
	}
}
